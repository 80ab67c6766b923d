package content

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/TobiSchelling/PatientBrief/internal/rules"
	"github.com/TobiSchelling/PatientBrief/internal/scenario"
)

//go:embed starter.yaml
var StarterManifest []byte

// Manifest is a YAML file of authored content. Language and tone apply to
// every item that does not set its own.
type Manifest struct {
	Language string         `yaml:"language"`
	Tone     string         `yaml:"tone"`
	Items    []ManifestItem `yaml:"items"`
}

type ManifestItem struct {
	ID          string   `yaml:"id"`
	Type        string   `yaml:"type"`
	Tone        string   `yaml:"tone,omitempty"`
	Tones       []string `yaml:"tones,omitempty"`
	Language    string   `yaml:"language,omitempty"`
	Title       string   `yaml:"title,omitempty"`
	Body        string   `yaml:"body"`
	Category    string   `yaml:"category,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Sections    []int    `yaml:"sections,omitempty"`
}

// ParseManifest decodes and validates a manifest.
func ParseManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	for i, it := range m.Items {
		if it.ID == "" {
			return nil, fmt.Errorf("manifest item %d has no id", i)
		}
		switch it.Type {
		case rules.TypeScenario, rules.TypeAlert, rules.TypeBuildingBlock, rules.TypeModule, rules.TypeStatic:
		default:
			return nil, fmt.Errorf("manifest item %s has unknown type %q", it.ID, it.Type)
		}
		if strings.TrimSpace(it.Body) == "" {
			return nil, fmt.Errorf("manifest item %s has an empty body", it.ID)
		}
	}
	return &m, nil
}

// Contents expands the manifest into one Content per (item, tone).
func (m *Manifest) Contents(defaultLanguage, defaultTone string) []Content {
	var out []Content
	for _, it := range m.Items {
		lang := firstNonEmpty(it.Language, m.Language, defaultLanguage)
		tones := it.Tones
		if len(tones) == 0 {
			tones = []string{firstNonEmpty(it.Tone, m.Tone, defaultTone)}
		}
		for _, tone := range tones {
			c := Content{
				ID:       it.ID,
				Type:     it.Type,
				Tone:     tone,
				Language: lang,
				Title:    it.Title,
				Body:     strings.TrimSpace(it.Body),
				Origin:   OriginAuthored,
			}
			if it.Type == rules.TypeScenario {
				c.Scenario = &scenario.Scenario{
					ID:          it.ID,
					Category:    it.Category,
					Description: it.Description,
					Sections:    it.Sections,
				}
			}
			out = append(out, c)
		}
	}
	return out
}

// Import upserts every manifest item. Importing the same manifest twice is a no-op.
func Import(ctx context.Context, st Store, m *Manifest, defaultLanguage, defaultTone string) (int, error) {
	n := 0
	for _, c := range m.Contents(defaultLanguage, defaultTone) {
		if err := st.Upsert(ctx, c); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// ImportFile reads a manifest from disk and imports it.
func ImportFile(ctx context.Context, st Store, path, defaultLanguage, defaultTone string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening manifest: %w", err)
	}
	defer f.Close()
	m, err := ParseManifest(f)
	if err != nil {
		return 0, err
	}
	return Import(ctx, st, m, defaultLanguage, defaultTone)
}

// ImportStarter imports the embedded starter library.
func ImportStarter(ctx context.Context, st Store, defaultLanguage, defaultTone string) (int, error) {
	m, err := ParseManifest(strings.NewReader(string(StarterManifest)))
	if err != nil {
		return 0, err
	}
	return Import(ctx, st, m, defaultLanguage, defaultTone)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
