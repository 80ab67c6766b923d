package database

import (
	"database/sql"
	"strings"
)

const contentColumns = `content_id, tone, language, content_type, title, body, metadata, origin, confidence, updated_at`

// UpsertContent inserts or updates a content item keyed by (content_id, tone, language).
// Writing the same item twice leaves one row.
func (db *DB) UpsertContent(c ContentItem) error {
	if c.Origin == "" {
		c.Origin = "authored"
	}
	_, err := db.conn.Exec(
		`INSERT INTO content (content_id, tone, language, content_type, title, body, metadata, origin, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_id, tone, language) DO UPDATE SET
			content_type = excluded.content_type,
			title = excluded.title,
			body = excluded.body,
			metadata = excluded.metadata,
			origin = excluded.origin,
			confidence = excluded.confidence,
			updated_at = datetime('now')`,
		c.ContentID, c.Tone, c.Language, c.Type, c.Title, c.Body, c.Metadata, c.Origin, c.Confidence,
	)
	return err
}

// GetContent returns the exact (content_id, tone, language) item, or nil.
func (db *DB) GetContent(contentID, tone, language string) (*ContentItem, error) {
	row := db.conn.QueryRow(
		`SELECT `+contentColumns+` FROM content WHERE content_id = ? AND tone = ? AND language = ?`,
		contentID, tone, language,
	)
	c, err := scanContent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ContentKeys returns every (tone, language) pair stored for a content id.
func (db *DB) ContentKeys(contentID string) ([][2]string, error) {
	rows, err := db.conn.Query(
		"SELECT tone, language FROM content WHERE content_id = ? ORDER BY tone, language", contentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys [][2]string
	for rows.Next() {
		var k [2]string
		if err := rows.Scan(&k[0], &k[1]); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ListContentByType returns items of a content type, optionally restricted to a language.
func (db *DB) ListContentByType(contentType, language string) ([]ContentItem, error) {
	query := `SELECT ` + contentColumns + ` FROM content WHERE content_type = ?`
	args := []any{contentType}
	if language != "" {
		query += " AND language = ?"
		args = append(args, language)
	}
	query += " ORDER BY content_id, tone, language"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContents(rows)
}

// ListContent returns every stored item, ordered by type and id.
func (db *DB) ListContent() ([]ContentItem, error) {
	rows, err := db.conn.Query(
		`SELECT ` + contentColumns + ` FROM content ORDER BY content_type, content_id, tone, language`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContents(rows)
}

// ContentIDsIn returns which of ids exist in the store for any tone and language.
func (db *DB) ContentIDsIn(ids []string) (map[string]bool, error) {
	found := make(map[string]bool)
	if len(ids) == 0 {
		return found, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := db.conn.Query(
		"SELECT DISTINCT content_id FROM content WHERE content_id IN ("+placeholders+")", args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = true
	}
	return found, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanContent(row scanner) (*ContentItem, error) {
	var c ContentItem
	if err := row.Scan(&c.ContentID, &c.Tone, &c.Language, &c.Type, &c.Title, &c.Body,
		&c.Metadata, &c.Origin, &c.Confidence, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanContents(rows *sql.Rows) ([]ContentItem, error) {
	var items []ContentItem
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *c)
	}
	return items, rows.Err()
}
