// Package mcptool exposes report generation and lookup as MCP tools.
package mcptool

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/TobiSchelling/PatientBrief/internal/database"
	"github.com/TobiSchelling/PatientBrief/internal/intake"
	"github.com/TobiSchelling/PatientBrief/internal/pipeline"
)

// Runner generates reports. *pipeline.Pipeline satisfies it.
type Runner interface {
	Generate(ctx context.Context, a *intake.Answers) (*pipeline.Result, error)
	DryRun(ctx context.Context, a *intake.Answers) *pipeline.Result
}

// NewServer registers every tool on a new MCP server.
func NewServer(db *database.DB, runner Runner, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"patientbrief",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions("Generate personalized dental implant treatment reports from "+
			"questionnaire answers and look up stored reports with their audit records."),
	)

	gen := NewGenerateTool(runner)
	s.AddTool(gen.Definition(), gen.Handle)

	get := NewGetReportTool(db)
	s.AddTool(get.Definition(), get.Handle)
	return s
}

// GenerateTool handles the generate_patient_report MCP tool.
type GenerateTool struct {
	runner Runner
}

func NewGenerateTool(runner Runner) *GenerateTool {
	return &GenerateTool{runner: runner}
}

// Definition returns the MCP tool definition for generate_patient_report.
func (t *GenerateTool) Definition() mcp.Tool {
	return mcp.NewTool("generate_patient_report",
		mcp.WithDescription(
			"Generate a personalized treatment report from a patient questionnaire. "+
				"The report is stored and its id returned together with the quality outcome.",
		),
		mcp.WithString("intake",
			mcp.Required(),
			mcp.Description(`Questionnaire as JSON: {"session_id": "...", "answers": [{"question_id": "q_anxiety", "answer": "severe"}], "metadata": {"language": "en"}}`),
		),
		mcp.WithBoolean("dry_run",
			mcp.Description("Only report tone, scenario and missing content without generating or storing anything"),
		),
	)
}

// Handle processes the generate_patient_report tool call.
func (t *GenerateTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := req.GetString("intake", "")
	if strings.TrimSpace(raw) == "" {
		return mcp.NewToolResultError("'intake' is required"), nil
	}
	if t.runner == nil {
		return mcp.NewToolResultError("report generation is not configured"), nil
	}
	a, err := intake.Decode(strings.NewReader(raw))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid intake: %v", err)), nil
	}

	if req.GetBool("dry_run", false) {
		return mcp.NewToolResultText(formatSteps("Dry run for session "+a.SessionID, t.runner.DryRun(ctx, a))), nil
	}

	res, err := t.runner.Generate(ctx, a)
	if err != nil {
		var missing *pipeline.MissingContentError
		if errors.As(err, &missing) {
			return mcp.NewToolResultError(fmt.Sprintf(
				"generation failed: missing content %s (tone %s, language %s)",
				strings.Join(missing.IDs, ", "), missing.Tone, missing.Language)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("generation failed: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Report %s stored.\n", res.ReportID)
	fmt.Fprintf(&b, "Outcome: %s | deliverable: %v\n", res.Evaluation.Outcome, res.Deliverable)
	if res.Audit != nil {
		for _, w := range res.Audit.Warnings {
			fmt.Fprintf(&b, "Warning: %s\n", w)
		}
	}
	b.WriteString("\n")
	b.WriteString(res.Markdown)
	return mcp.NewToolResultText(b.String()), nil
}

// GetReportTool handles the get_patient_report MCP tool.
type GetReportTool struct {
	db *database.DB
}

func NewGetReportTool(db *database.DB) *GetReportTool {
	return &GetReportTool{db: db}
}

// Definition returns the MCP tool definition for get_patient_report.
func (t *GetReportTool) Definition() mcp.Tool {
	return mcp.NewTool("get_patient_report",
		mcp.WithDescription("Fetch a stored report by id, optionally with its audit record."),
		mcp.WithString("report_id",
			mcp.Required(),
			mcp.Description("Report id returned by generate_patient_report"),
		),
		mcp.WithBoolean("include_audit",
			mcp.Description("Append the JSON audit record (default: false)"),
		),
	)
}

// Handle processes the get_patient_report tool call.
func (t *GetReportTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("report_id", ""))
	if id == "" {
		return mcp.NewToolResultError("'report_id' is required"), nil
	}
	r, err := t.db.GetReport(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("loading report: %v", err)), nil
	}
	if r == nil {
		return mcp.NewToolResultError(fmt.Sprintf("report %s not found", id)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Report %s (session %s)\n", r.ID, r.SessionID)
	fmt.Fprintf(&b, "Tone: %s | scenario: %s (%s) | outcome: %s | deliverable: %v | fact check: %.2f\n\n",
		r.Tone, r.ScenarioID, r.Confidence, r.Outcome, r.Deliverable, r.FactCheckScore)
	b.WriteString(r.BodyMarkdown)

	if req.GetBool("include_audit", false) {
		ar, err := t.db.GetAuditRecord(id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("loading audit record: %v", err)), nil
		}
		if ar != nil {
			b.WriteString("\n\n## Audit record\n\n```json\n")
			b.WriteString(ar.RecordJSON)
			b.WriteString("\n```\n")
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func formatSteps(title string, res *pipeline.Result) string {
	var b strings.Builder
	b.WriteString(title + "\n")
	for _, s := range res.Steps {
		if s.Err != nil {
			fmt.Fprintf(&b, "- %s: error: %v\n", s.Name, s.Err)
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Summary)
	}
	return b.String()
}
