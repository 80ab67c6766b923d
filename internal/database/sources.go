package database

import (
	"database/sql"
)

// InsertSourceDocument inserts a source document. Returns the ID on success, 0 if duplicate.
func (db *DB) InsertSourceDocument(url, title string, source, publishedDate, content *string) (int64, error) {
	result, err := db.conn.Exec(
		`INSERT INTO source_documents (url, title, source, published_date, content)
		VALUES (?, ?, ?, ?, ?)`,
		url, title, source, publishedDate, content,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, nil
		}
		return 0, err
	}
	return result.LastInsertId()
}

// GetSourceDocuments returns every document that has content, newest first.
func (db *DB) GetSourceDocuments() ([]SourceDocument, error) {
	rows, err := db.conn.Query(
		`SELECT id, url, title, source, published_date, content, content_fetched, collected_at
		FROM source_documents WHERE content IS NOT NULL AND content != ''
		ORDER BY collected_at DESC, id DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSourceDocuments(rows)
}

// GetDocumentsNeedingFetch returns documents with empty content that haven't been fetched.
func (db *DB) GetDocumentsNeedingFetch() ([]SourceDocument, error) {
	rows, err := db.conn.Query(
		`SELECT id, url, title, source, published_date, content, content_fetched, collected_at
		FROM source_documents WHERE (content IS NULL OR content = '') AND content_fetched = 0
		ORDER BY collected_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSourceDocuments(rows)
}

// UpdateSourceContent stores fetched document text.
func (db *DB) UpdateSourceContent(id int64, content *string) error {
	_, err := db.conn.Exec(
		"UPDATE source_documents SET content = ?, content_fetched = 1 WHERE id = ?",
		content, id,
	)
	return err
}

// MarkFetchAttempted marks that we tried to fetch content.
func (db *DB) MarkFetchAttempted(id int64) error {
	_, err := db.conn.Exec(
		"UPDATE source_documents SET content_fetched = 1 WHERE id = ?", id,
	)
	return err
}

// GetSourceDocument returns a single document by ID.
func (db *DB) GetSourceDocument(id int64) (*SourceDocument, error) {
	row := db.conn.QueryRow(
		`SELECT id, url, title, source, published_date, content, content_fetched, collected_at
		FROM source_documents WHERE id = ?`, id,
	)
	d, err := scanSourceDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func scanSourceDocuments(rows *sql.Rows) ([]SourceDocument, error) {
	var docs []SourceDocument
	for rows.Next() {
		d, err := scanSourceDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

func scanSourceDocument(row scanner) (*SourceDocument, error) {
	var d SourceDocument
	var fetched int
	if err := row.Scan(&d.ID, &d.URL, &d.Title, &d.Source, &d.PublishedDate,
		&d.Content, &fetched, &d.CollectedAt); err != nil {
		return nil, err
	}
	d.ContentFetched = fetched != 0
	return &d, nil
}
