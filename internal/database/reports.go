package database

import (
	"database/sql"
	"fmt"
)

// InsertReport stores a composed report together with its audit record in one
// transaction. Reports are write-once: a second insert with the same id
// returns ErrReportExists and changes nothing.
func (db *DB) InsertReport(r Report, audit AuditRecord) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin report insert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO reports (id, session_id, run_id, tone, scenario_id, confidence, outcome,
			deliverable, fact_check_score, fact_check_passed, body_markdown, report_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.RunID, r.Tone, r.ScenarioID, r.Confidence, r.Outcome,
		boolInt(r.Deliverable), r.FactCheckScore, boolInt(r.FactCheckPassed), r.BodyMarkdown, r.ReportJSON,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("report %s: %w", r.ID, ErrReportExists)
		}
		return fmt.Errorf("inserting report: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO audit_records (report_id, session_id, run_id, record_json) VALUES (?, ?, ?, ?)`,
		r.ID, audit.SessionID, audit.RunID, audit.RecordJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return tx.Commit()
}

// GetReport returns a report by id, or nil.
func (db *DB) GetReport(id string) (*Report, error) {
	row := db.conn.QueryRow(
		`SELECT id, session_id, run_id, tone, scenario_id, confidence, outcome, deliverable,
			fact_check_score, fact_check_passed, body_markdown, report_json, created_at
		FROM reports WHERE id = ?`, id,
	)
	r, err := scanReport(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListReports returns the most recent reports, newest first.
func (db *DB) ListReports(limit int) ([]Report, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.Query(
		`SELECT id, session_id, run_id, tone, scenario_id, confidence, outcome, deliverable,
			fact_check_score, fact_check_passed, body_markdown, report_json, created_at
		FROM reports ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, *r)
	}
	return reports, rows.Err()
}

// GetAuditRecord returns the audit record of a report, or nil.
func (db *DB) GetAuditRecord(reportID string) (*AuditRecord, error) {
	row := db.conn.QueryRow(
		`SELECT report_id, session_id, run_id, record_json, created_at
		FROM audit_records WHERE report_id = ?`, reportID,
	)
	var a AuditRecord
	if err := row.Scan(&a.ReportID, &a.SessionID, &a.RunID, &a.RecordJSON, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// InsertGapResult logs the terminal state of a content gap.
func (db *DB) InsertGapResult(g GapResult) (int64, error) {
	result, err := db.conn.Exec(
		`INSERT INTO gap_results (run_id, content_id, tone, language, state, attempts, confidence, warning, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.RunID, g.ContentID, g.Tone, g.Language, g.State, g.Attempts, g.Confidence, g.Warning, g.Error,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetGapResults returns the gap log of a run in insertion order.
func (db *DB) GetGapResults(runID string) ([]GapResult, error) {
	rows, err := db.conn.Query(
		`SELECT id, run_id, content_id, tone, language, state, attempts, confidence, warning, error, recorded_at
		FROM gap_results WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GapResult
	for rows.Next() {
		var g GapResult
		if err := rows.Scan(&g.ID, &g.RunID, &g.ContentID, &g.Tone, &g.Language, &g.State,
			&g.Attempts, &g.Confidence, &g.Warning, &g.Error, &g.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanReport(row scanner) (*Report, error) {
	var r Report
	var deliverable, passed int
	var score sql.NullFloat64
	if err := row.Scan(&r.ID, &r.SessionID, &r.RunID, &r.Tone, &r.ScenarioID, &r.Confidence,
		&r.Outcome, &deliverable, &score, &passed, &r.BodyMarkdown, &r.ReportJSON, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Deliverable = deliverable != 0
	r.FactCheckPassed = passed != 0
	r.FactCheckScore = score.Float64
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
