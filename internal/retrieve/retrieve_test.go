package retrieve

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/TobiSchelling/PatientBrief/internal/database"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr(s string) *string { return &s }

func seed(t *testing.T, db *database.DB) {
	t.Helper()
	docs := []struct{ url, title, body string }{
		{"https://a.example/healing", "Implant healing phase", "Osseointegration takes three to six months.\nBone grafting may extend healing."},
		{"https://b.example/smoking", "Smoking and implants", "Smoking raises implant failure rates.\nQuitting before surgery helps healing."},
		{"https://c.example/whitening", "Whitening basics", "Bleaching trays and gels."},
		{"https://d.example/empty", "No body", ""},
	}
	for _, d := range docs {
		var body *string
		if d.body != "" {
			body = ptr(d.body)
		}
		if _, err := db.InsertSourceDocument(d.url, d.title, ptr("test"), nil, body); err != nil {
			t.Fatalf("inserting %s: %v", d.url, err)
		}
	}
}

func TestRelevantRanksByTermCoverage(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)
	r := NewTermRetriever(db)

	got, err := r.Relevant(context.Background(), "implant healing smoking", Options{Limit: 5})
	if err != nil {
		t.Fatalf("Relevant: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 snippets, got %d: %+v", len(got), got)
	}
	if got[0].Title != "Smoking and implants" && got[0].Title != "Implant healing phase" {
		t.Errorf("unexpected top result %q", got[0].Title)
	}
	if got[0].Score < got[1].Score {
		t.Error("results not sorted by score")
	}
	for _, s := range got {
		if s.Text == "" || s.URL == "" {
			t.Errorf("incomplete snippet %+v", s)
		}
	}
}

func TestRelevantThresholdAndLimit(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)
	r := NewTermRetriever(db)

	got, err := r.Relevant(context.Background(), "smoking quitting surgery", Options{Limit: 5, ScoreThreshold: 0.9})
	if err != nil {
		t.Fatalf("Relevant: %v", err)
	}
	if len(got) != 1 || got[0].Title != "Smoking and implants" {
		t.Errorf("expected only the smoking document, got %+v", got)
	}

	got, _ = r.Relevant(context.Background(), "implant healing", Options{Limit: 1})
	if len(got) != 1 {
		t.Errorf("expected limit of 1, got %d", len(got))
	}
}

func TestRelevantNoMatch(t *testing.T) {
	db := openTestDB(t)
	seed(t, db)
	got, err := NewTermRetriever(db).Relevant(context.Background(), "orthodontic aligners", Options{})
	if err != nil || len(got) != 0 {
		t.Errorf("expected no results, got %v %v", got, err)
	}
}

func TestTerms(t *testing.T) {
	got := Terms("The Healing, the healing and YOUR implant-phase!")
	want := []string{"healing", "implant", "phase"}
	if len(got) != len(want) {
		t.Fatalf("Terms = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Terms[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
