package content

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/TobiSchelling/PatientBrief/internal/database"
	"github.com/TobiSchelling/PatientBrief/internal/rules"
	"github.com/TobiSchelling/PatientBrief/internal/scenario"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStore(db, rules.MustDefault(), "en")
}

func TestGetWalksToneChain(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	st.Upsert(ctx, Content{ID: "BB_X", Type: "building_block", Tone: "TP05", Language: "en", Body: "neutral"})

	c, err := st.Get(ctx, "BB_X", "TP01", "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c == nil || c.Tone != "TP05" {
		t.Fatalf("expected TP05 fallback, got %+v", c)
	}

	st.Upsert(ctx, Content{ID: "BB_X", Type: "building_block", Tone: "TP03", Language: "en", Body: "empathetic"})
	c, _ = st.Get(ctx, "BB_X", "TP01", "en")
	if c.Tone != "TP03" {
		t.Errorf("expected TP03 before TP05 in chain, got %s", c.Tone)
	}
}

func TestGetFallsBackToDefaultLanguage(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	st.Upsert(ctx, Content{ID: "BB_X", Type: "building_block", Tone: "TP05", Language: "en", Body: "english"})

	c, err := st.Get(ctx, "BB_X", "TP05", "de")
	if err != nil || c == nil {
		t.Fatalf("expected fallback to en, got %v %v", c, err)
	}
	if c.Language != "en" {
		t.Errorf("expected en, got %s", c.Language)
	}
}

func TestGetMissing(t *testing.T) {
	st := openTestStore(t)
	c, err := st.Get(context.Background(), "NOPE", "TP05", "en")
	if err != nil || c != nil {
		t.Errorf("expected nil, nil; got %v %v", c, err)
	}
}

func TestCheckAvailability(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	st.Upsert(ctx, Content{ID: "A", Type: "module", Tone: "TP05", Language: "en", Body: "a"})

	av, err := st.CheckAvailability(ctx, []string{"A", "B", "A"}, "en", "TP02")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(av.Available) != 1 || av.Available[0] != "A" {
		t.Errorf("unexpected available %v", av.Available)
	}
	if len(av.Missing) != 1 || av.Missing[0] != "B" {
		t.Errorf("unexpected missing %v", av.Missing)
	}
}

func TestScenarioMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	st.Upsert(ctx, Content{
		ID: "S01", Type: "scenario", Tone: "TP05", Language: "en", Body: "## situation\ntext",
		Scenario: &scenario.Scenario{ID: "S01", Category: "single_tooth", Description: "flexible", Sections: []int{1, 5}},
	})
	st.Upsert(ctx, Content{
		ID: "S01", Type: "scenario", Tone: "TP01", Language: "en", Body: "## situation\ncalm text",
		Scenario: &scenario.Scenario{ID: "S01", Category: "single_tooth", Description: "flexible", Sections: []int{1, 5}},
	})

	list, err := Scenarios(ctx, st, "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one candidate per id, got %d", len(list))
	}
	if list[0].Category != "single_tooth" || len(list[0].Sections) != 2 {
		t.Errorf("unexpected scenario %+v", list[0])
	}
}

func TestScenariosPreferRowWithMetadata(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	st.Upsert(ctx, Content{
		ID: "S01", Type: "scenario", Tone: "TP04", Language: "en", Body: "## situation\nauthored",
		Scenario: &scenario.Scenario{ID: "S01", Category: "single_tooth", Sections: []int{1, 2}},
	})
	// TP01 sorts first and carries no metadata.
	st.Upsert(ctx, Content{
		ID: "S01", Type: "scenario", Tone: "TP01", Language: "en", Body: "generated prose",
		Origin: OriginGenerated, Confidence: 0.8,
	})

	list, err := Scenarios(ctx, st, "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 1 || list[0].Category != "single_tooth" || len(list[0].Sections) != 2 {
		t.Errorf("expected authored metadata to win, got %+v", list)
	}
}

func TestImportStarterIdempotent(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	n1, err := ImportStarter(ctx, st, "en", "TP05")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n2, _ := ImportStarter(ctx, st, "en", "TP05")
	if n1 != n2 || n1 == 0 {
		t.Errorf("expected equal non-zero counts, got %d and %d", n1, n2)
	}
	items, _ := st.db.ListContent()
	if len(items) != n1 {
		t.Errorf("expected %d rows after re-import, got %d", n1, len(items))
	}
}

func TestStarterCoversEveryTrigger(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	if _, err := ImportStarter(ctx, st, "en", "TP05"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rs := rules.MustDefault()
	var ids []string
	for _, tr := range rs.Triggers {
		ids = append(ids, tr.ContentID)
	}
	for _, sec := range rs.Sections {
		for _, src := range sec.Sources {
			if src.ContentID != "" {
				ids = append(ids, src.ContentID)
			}
		}
	}
	av, _ := st.CheckAvailability(ctx, ids, "en", "TP01")
	if len(av.Missing) != 0 {
		t.Errorf("starter library is missing %v", av.Missing)
	}
}

func TestParseManifestRejectsUnknownType(t *testing.T) {
	_, err := ParseManifest(strings.NewReader("items:\n  - {id: X, type: banner, body: text}\n"))
	if err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestManifestTonesExpand(t *testing.T) {
	m, err := ParseManifest(strings.NewReader(`
language: de
items:
  - id: M_X
    type: module
    tones: [TP01, TP03]
    body: hallo
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := m.Contents("en", "TP05")
	if len(got) != 2 || got[0].Tone != "TP01" || got[1].Language != "de" {
		t.Errorf("unexpected expansion %+v", got)
	}
}
