package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/yuin/goldmark"
	"go.uber.org/zap"

	"github.com/TobiSchelling/PatientBrief/internal/audit"
	"github.com/TobiSchelling/PatientBrief/internal/database"
	"github.com/TobiSchelling/PatientBrief/internal/evaluate"
	"github.com/TobiSchelling/PatientBrief/internal/intake"
	"github.com/TobiSchelling/PatientBrief/internal/pipeline"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New()

const maxIntakeBytes = 1 << 20

// Generator produces a report for one questionnaire. *pipeline.Pipeline satisfies it.
type Generator interface {
	Generate(ctx context.Context, a *intake.Answers) (*pipeline.Result, error)
}

// Server is the HTTP server for generating and reviewing reports.
type Server struct {
	db     *database.DB
	gen    Generator
	pages  map[string]*template.Template
	router *mux.Router
	logger *zap.Logger
}

// New creates a new Server. gen may be nil, in which case report
// generation answers 503.
func New(db *database.DB, gen Generator, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
		"score": func(f float64) string { return strconv.FormatFloat(f, 'f', 2, 64) },
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone of base so {{define "content"}} does not collide.
	pageNames := []string{"index.html", "report.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{db: db, gen: gen, pages: pages, router: mux.NewRouter(), logger: logger}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	staticSub, _ := fs.Sub(staticFS, "static")
	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	r.HandleFunc("/", s.handleIndex).Methods("GET")
	r.HandleFunc("/reports/{id}", s.handleReport).Methods("GET")
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/reports", s.handleListReports).Methods("GET")
	api.HandleFunc("/reports", s.handleCreateReport).Methods("POST")
	api.HandleFunc("/reports/{id}", s.handleGetReport).Methods("GET")
	api.HandleFunc("/reports/{id}/audit", s.handleGetAudit).Methods("GET")
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	reports, err := s.db.ListReports(100)
	if err != nil {
		s.logger.Error("listing reports", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	stats, _ := s.db.GetStats()

	s.render(w, "index.html", map[string]any{
		"Reports": reports,
		"Stats":   stats,
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	report, err := s.db.GetReport(id)
	if err != nil {
		s.logger.Error("loading report", zap.String("report_id", id), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if report == nil {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
	}

	var rec *audit.Record
	if report != nil {
		if ar, _ := s.db.GetAuditRecord(id); ar != nil {
			rec, _ = audit.Parse(ar.RecordJSON)
		}
	}

	s.render(w, "report.html", map[string]any{
		"ID":      id,
		"Report":  report,
		"Audit":   rec,
		"Flagged": report != nil && report.Outcome == string(evaluate.Flag),
		"Blocked": report != nil && report.Outcome == string(evaluate.Block),
	})
}

// reportView is the API representation of a stored report.
type reportView struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id"`
	RunID           string          `json:"run_id"`
	Tone            string          `json:"tone"`
	ScenarioID      string          `json:"scenario_id"`
	Confidence      string          `json:"confidence"`
	Outcome         string          `json:"outcome"`
	Deliverable     bool            `json:"deliverable"`
	FactCheckScore  float64         `json:"fact_check_score"`
	FactCheckPassed bool            `json:"fact_check_passed"`
	CreatedAt       string          `json:"created_at,omitempty"`
	Markdown        string          `json:"markdown,omitempty"`
	Report          json.RawMessage `json:"report,omitempty"`
}

func viewOf(r database.Report, full bool) reportView {
	v := reportView{
		ID:              r.ID,
		SessionID:       r.SessionID,
		RunID:           r.RunID,
		Tone:            r.Tone,
		ScenarioID:      r.ScenarioID,
		Confidence:      r.Confidence,
		Outcome:         r.Outcome,
		Deliverable:     r.Deliverable,
		FactCheckScore:  r.FactCheckScore,
		FactCheckPassed: r.FactCheckPassed,
	}
	if r.CreatedAt != nil {
		v.CreatedAt = *r.CreatedAt
	}
	if full {
		v.Markdown = r.BodyMarkdown
		v.Report = json.RawMessage(r.ReportJSON)
	}
	return v
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	reports, err := s.db.ListReports(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]reportView, len(reports))
	for i, rep := range reports {
		out[i] = viewOf(rep, false)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	report, err := s.db.GetReport(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if report == nil {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(*report, true))
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ar, err := s.db.GetAuditRecord(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ar == nil {
		writeError(w, http.StatusNotFound, "audit record not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(ar.RecordJSON))
}

// createResponse is returned by POST /api/reports.
type createResponse struct {
	ReportID    string   `json:"report_id"`
	RunID       string   `json:"run_id"`
	Outcome     string   `json:"outcome"`
	Deliverable bool     `json:"deliverable"`
	Warnings    []string `json:"warnings,omitempty"`
	Markdown    string   `json:"markdown"`
}

func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	if s.gen == nil {
		writeError(w, http.StatusServiceUnavailable, "report generation is not configured")
		return
	}
	a, err := intake.Decode(http.MaxBytesReader(w, r.Body, maxIntakeBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.gen.Generate(r.Context(), a)
	if err != nil {
		s.logger.Warn("report generation failed", zap.String("session_id", a.SessionID), zap.Error(err))
		writeGenerateError(w, err)
		return
	}

	resp := createResponse{
		ReportID:    res.ReportID,
		RunID:       res.RunID,
		Outcome:     string(res.Evaluation.Outcome),
		Deliverable: res.Deliverable,
		Markdown:    res.Markdown,
	}
	if res.Audit != nil {
		resp.Warnings = res.Audit.Warnings
	}
	writeJSON(w, http.StatusCreated, resp)
}

func writeGenerateError(w http.ResponseWriter, err error) {
	var missing *pipeline.MissingContentError
	switch {
	case errors.As(err, &missing):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":       err.Error(),
			"content_ids": missing.IDs,
			"language":    missing.Language,
			"tone":        missing.Tone,
		})
	case errors.Is(err, database.ErrReportExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, evaluate.ErrEvaluatorMisconfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.logger.Error("template not found", zap.String("template", name))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		s.logger.Error("rendering template", zap.String("template", name), zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve starts the HTTP server on the given port and shuts it down when ctx ends.
func Serve(ctx context.Context, db *database.DB, gen Generator, port int, logger *zap.Logger) error {
	s, err := New(db, gen, logger)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	httpSrv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", "http://"+addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}
