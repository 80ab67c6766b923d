package mcptool

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/TobiSchelling/PatientBrief/internal/audit"
	"github.com/TobiSchelling/PatientBrief/internal/database"
	"github.com/TobiSchelling/PatientBrief/internal/evaluate"
	"github.com/TobiSchelling/PatientBrief/internal/intake"
	"github.com/TobiSchelling/PatientBrief/internal/pipeline"
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

func makeReq(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(r *mcp.CallToolResult) string {
	if r == nil {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

type fakeRunner struct {
	res *pipeline.Result
	err error
}

func (f *fakeRunner) Generate(_ context.Context, a *intake.Answers) (*pipeline.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

func (f *fakeRunner) DryRun(_ context.Context, a *intake.Answers) *pipeline.Result {
	return &pipeline.Result{SessionID: a.SessionID, Steps: []pipeline.StepResult{
		{Name: pipeline.PhaseTone, Summary: "Tone TP01 (Reassuring)"},
		{Name: pipeline.PhaseGaps, Summary: "[dry-run] would generate 2 items: M_X, S01"},
	}}
}

const intakeJSON = `{"session_id": "s-1", "answers": [{"question_id": "q_anxiety", "answer": "severe"}]}`

func TestGenerateToolDefinition(t *testing.T) {
	def := NewGenerateTool(nil).Definition()
	if def.Name != "generate_patient_report" {
		t.Errorf("unexpected name %s", def.Name)
	}
	if len(def.InputSchema.Required) != 1 || def.InputSchema.Required[0] != "intake" {
		t.Errorf("expected intake required, got %v", def.InputSchema.Required)
	}
}

func TestGenerateTool(t *testing.T) {
	rec := &audit.Record{Warnings: []string{"M_X/TP01/en: confidence 0.60 below threshold"}}
	tool := NewGenerateTool(&fakeRunner{res: &pipeline.Result{
		ReportID:    "rep-1",
		Evaluation:  evaluate.Result{Outcome: evaluate.Flag},
		Deliverable: true,
		Markdown:    "# Your Treatment Summary\n",
		Audit:       rec,
	}})

	res, err := tool.Handle(context.Background(), makeReq(map[string]any{"intake": intakeJSON}))
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(res)
	for _, want := range []string{"rep-1", "FLAG", "below threshold", "# Your Treatment Summary"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in %q", want, text)
		}
	}
}

func TestGenerateToolDryRun(t *testing.T) {
	tool := NewGenerateTool(&fakeRunner{err: errors.New("must not be called")})
	res, _ := tool.Handle(context.Background(), makeReq(map[string]any{"intake": intakeJSON, "dry_run": true}))
	if res.IsError || !strings.Contains(resultText(res), "would generate 2 items") {
		t.Errorf("unexpected dry run result %q", resultText(res))
	}
}

func TestGenerateToolErrors(t *testing.T) {
	tool := NewGenerateTool(&fakeRunner{err: &pipeline.MissingContentError{IDs: []string{"M_X"}, Language: "en", Tone: "TP01"}})

	res, _ := tool.Handle(context.Background(), makeReq(map[string]any{}))
	if !res.IsError {
		t.Error("expected error without intake")
	}
	res, _ = tool.Handle(context.Background(), makeReq(map[string]any{"intake": "{"}))
	if !res.IsError || !strings.Contains(resultText(res), "invalid intake") {
		t.Errorf("expected invalid intake error, got %q", resultText(res))
	}
	res, _ = tool.Handle(context.Background(), makeReq(map[string]any{"intake": intakeJSON}))
	if !res.IsError || !strings.Contains(resultText(res), "M_X") || !strings.Contains(resultText(res), "TP01") {
		t.Errorf("expected missing content detail, got %q", resultText(res))
	}
}

func TestGetReportTool(t *testing.T) {
	db := openTestDB(t)
	err := db.InsertReport(database.Report{
		ID: "r1", SessionID: "s-1", RunID: "run-1", Tone: "TP02", ScenarioID: "S03_MULTIPLE",
		Confidence: "MEDIUM", Outcome: "PASS", Deliverable: true, FactCheckScore: 0.8,
		BodyMarkdown: "# Your Treatment Summary\n", ReportJSON: "{}",
	}, database.AuditRecord{ReportID: "r1", SessionID: "s-1", RunID: "run-1", RecordJSON: `{"run_id":"run-1"}`})
	if err != nil {
		t.Fatal(err)
	}
	tool := NewGetReportTool(db)

	res, _ := tool.Handle(context.Background(), makeReq(map[string]any{"report_id": "r1"}))
	text := resultText(res)
	if res.IsError || !strings.Contains(text, "S03_MULTIPLE") || strings.Contains(text, "Audit record") {
		t.Errorf("unexpected report text %q", text)
	}

	res, _ = tool.Handle(context.Background(), makeReq(map[string]any{"report_id": "r1", "include_audit": true}))
	if !strings.Contains(resultText(res), `{"run_id":"run-1"}`) {
		t.Errorf("expected audit json, got %q", resultText(res))
	}

	res, _ = tool.Handle(context.Background(), makeReq(map[string]any{"report_id": "nope"}))
	if !res.IsError {
		t.Error("expected not found error")
	}
}

func TestNewServerRegistersTools(t *testing.T) {
	s := NewServer(openTestDB(t), &fakeRunner{}, "test")
	for _, name := range []string{"generate_patient_report", "get_patient_report"} {
		if s.GetTool(name) == nil {
			t.Errorf("tool %s not registered", name)
		}
	}
}
