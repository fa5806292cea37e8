package storage

import (
	"database/sql"
	"fmt"
	"strings"
)

// UpsertWorkItems inserts catalog entries, skipping codes that already exist.
// Existing entries are never modified. It returns the number of new rows.
func (s *Store) UpsertWorkItems(items []WorkItem) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning import transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO work_items (code, text, category, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(code) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("preparing import: %w", err)
	}
	defer stmt.Close()

	ts := now()
	inserted := 0
	for _, it := range items {
		code := strings.TrimSpace(it.Code)
		if code == "" || strings.TrimSpace(it.Text) == "" {
			continue
		}
		res, err := stmt.Exec(code, it.Text, it.Category, ts)
		if err != nil {
			return 0, fmt.Errorf("inserting work item %s: %w", code, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing import: %w", err)
	}
	return inserted, nil
}

// GetWorkItemByCode looks up a catalog entry by its code.
func (s *Store) GetWorkItemByCode(code string) (WorkItem, error) {
	var it WorkItem
	var createdAt string
	err := s.db.QueryRow(`SELECT id, code, text, category, created_at FROM work_items WHERE code = ?`, code).
		Scan(&it.ID, &it.Code, &it.Text, &it.Category, &createdAt)
	if err == sql.ErrNoRows {
		return WorkItem{}, ErrNotFound
	}
	if err != nil {
		return WorkItem{}, err
	}
	if it.CreatedAt, err = parseTime(createdAt); err != nil {
		return WorkItem{}, err
	}
	return it, nil
}

// CountWorkItems returns the catalog size.
func (s *Store) CountWorkItems() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM work_items`).Scan(&n)
	return n, err
}

func scanWorkItems(rows *sql.Rows) ([]WorkItem, error) {
	defer rows.Close()
	var items []WorkItem
	for rows.Next() {
		var it WorkItem
		var createdAt string
		if err := rows.Scan(&it.ID, &it.Code, &it.Text, &it.Category, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		it.CreatedAt = t
		items = append(items, it)
	}
	return items, rows.Err()
}

// AuthoritativeDocs returns one corpus document per work item, in id order.
func (s *Store) AuthoritativeDocs() ([]CorpusDoc, error) {
	rows, err := s.db.Query(`SELECT code, text FROM work_items ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying work items: %w", err)
	}
	defer rows.Close()

	var docs []CorpusDoc
	for rows.Next() {
		d := CorpusDoc{DetailLevel: -1}
		if err := rows.Scan(&d.Key, &d.Text); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DerivedDocs returns every generated description keyed by its work item's
// code, in insertion order.
func (s *Store) DerivedDocs() ([]CorpusDoc, error) {
	rows, err := s.db.Query(`
		SELECT w.code, d.text, d.detail_level
		FROM descriptions d
		JOIN work_items w ON w.id = d.work_item_id
		ORDER BY d.id`)
	if err != nil {
		return nil, fmt.Errorf("querying descriptions: %w", err)
	}
	defer rows.Close()

	var docs []CorpusDoc
	for rows.Next() {
		var d CorpusDoc
		if err := rows.Scan(&d.Key, &d.Text, &d.DetailLevel); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// CorpusCounts returns how many documents AuthoritativeDocs and DerivedDocs
// would return, without reading them.
func (s *Store) CorpusCounts() (authoritative, derived int, err error) {
	err = s.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM work_items),
			(SELECT COUNT(*) FROM descriptions d JOIN work_items w ON w.id = d.work_item_id)`,
	).Scan(&authoritative, &derived)
	if err != nil {
		return 0, 0, fmt.Errorf("counting corpus documents: %w", err)
	}
	return authoritative, derived, nil
}
