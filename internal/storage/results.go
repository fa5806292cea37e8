package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Every Pending* query below is an anti-join against the stage's result
// table, so it is recomputed from current state on each call and a unit
// disappears from the pending set exactly when its result row exists.

// PendingPredictions returns work items with no prediction from predictor.
func (s *Store) PendingPredictions(predictor string, limit int) ([]WorkItem, error) {
	rows, err := s.db.Query(`
		SELECT w.id, w.code, w.text, w.category, w.created_at
		FROM work_items w
		WHERE NOT EXISTS (
			SELECT 1 FROM predictions p
			WHERE p.work_item_id = w.id AND p.predictor = ?
		)
		ORDER BY w.id
		LIMIT ?`, predictor, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending predictions: %w", err)
	}
	return scanWorkItems(rows)
}

// SavePrediction upserts on (work_item_id, predictor).
func (s *Store) SavePrediction(p Prediction) error {
	codes, err := encodeCodes(p.Codes)
	if err != nil {
		return err
	}
	m := p.Measurement
	_, err = s.db.Exec(`
		INSERT INTO predictions (work_item_id, predictor, predicted_codes, success, confidence, error,
			elapsed_seconds, tokens_in, tokens_out, batch_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(work_item_id, predictor) DO UPDATE SET
			predicted_codes = excluded.predicted_codes,
			success = excluded.success,
			confidence = excluded.confidence,
			error = excluded.error,
			elapsed_seconds = excluded.elapsed_seconds,
			tokens_in = excluded.tokens_in,
			tokens_out = excluded.tokens_out,
			batch_id = excluded.batch_id`,
		p.WorkItemID, p.Predictor, codes, boolInt(m.Success), m.Confidence, m.Error,
		m.Elapsed.Seconds(), m.TokensIn, m.TokensOut, m.BatchID, now(),
	)
	if err != nil {
		return fmt.Errorf("saving prediction for item %d: %w", p.WorkItemID, err)
	}
	return nil
}

// GetPrediction loads the prediction of predictor for a work item.
func (s *Store) GetPrediction(workItemID int64, predictor string) (Prediction, error) {
	p := Prediction{WorkItemID: workItemID, Predictor: predictor}
	var codes string
	var elapsed float64
	var success int
	err := s.db.QueryRow(`
		SELECT id, predicted_codes, success, confidence, error, elapsed_seconds, tokens_in, tokens_out, batch_id
		FROM predictions WHERE work_item_id = ? AND predictor = ?`, workItemID, predictor,
	).Scan(&p.ID, &codes, &success, &p.Confidence, &p.Error, &elapsed, &p.TokensIn, &p.TokensOut, &p.BatchID)
	if err == sql.ErrNoRows {
		return Prediction{}, ErrNotFound
	}
	if err != nil {
		return Prediction{}, err
	}
	p.Success = success == 1
	p.Elapsed = secondsToDuration(elapsed)
	if p.Codes, err = decodeCodes(codes); err != nil {
		return Prediction{}, err
	}
	return p, nil
}

// PendingDescriptionItems returns work items with no generation run from generator.
func (s *Store) PendingDescriptionItems(generator string, limit int) ([]WorkItem, error) {
	rows, err := s.db.Query(`
		SELECT w.id, w.code, w.text, w.category, w.created_at
		FROM work_items w
		WHERE NOT EXISTS (
			SELECT 1 FROM description_runs r
			WHERE r.work_item_id = w.id AND r.generator = ?
		)
		ORDER BY w.id
		LIMIT ?`, generator, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending descriptions: %w", err)
	}
	return scanWorkItems(rows)
}

// SaveDescriptionRun upserts the run row and, on success, every description
// it carries, in one transaction.
func (s *Store) SaveDescriptionRun(r DescriptionRun) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning description transaction: %w", err)
	}
	defer tx.Rollback()

	ts := now()
	m := r.Measurement
	if _, err := tx.Exec(`
		INSERT INTO description_runs (work_item_id, generator, success, confidence, error,
			elapsed_seconds, tokens_in, tokens_out, batch_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(work_item_id, generator) DO UPDATE SET
			success = excluded.success,
			confidence = excluded.confidence,
			error = excluded.error,
			elapsed_seconds = excluded.elapsed_seconds,
			tokens_in = excluded.tokens_in,
			tokens_out = excluded.tokens_out,
			batch_id = excluded.batch_id`,
		r.WorkItemID, r.Generator, boolInt(m.Success), m.Confidence, m.Error,
		m.Elapsed.Seconds(), m.TokensIn, m.TokensOut, m.BatchID, ts,
	); err != nil {
		return fmt.Errorf("saving description run for item %d: %w", r.WorkItemID, err)
	}

	if m.Success {
		for _, d := range r.Descriptions {
			if _, err := tx.Exec(`
				INSERT INTO descriptions (work_item_id, generator, detail_level, text, created_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(work_item_id, generator, detail_level) DO UPDATE SET text = excluded.text`,
				r.WorkItemID, r.Generator, d.DetailLevel, d.Text, ts,
			); err != nil {
				return fmt.Errorf("saving description level %d for item %d: %w", d.DetailLevel, r.WorkItemID, err)
			}
		}
	}

	return tx.Commit()
}

// ListDescriptions returns the descriptions of a work item ordered by detail level.
func (s *Store) ListDescriptions(workItemID int64) ([]Description, error) {
	rows, err := s.db.Query(`
		SELECT id, work_item_id, generator, detail_level, text
		FROM descriptions WHERE work_item_id = ?
		ORDER BY generator, detail_level`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Description
	for rows.Next() {
		var d Description
		if err := rows.Scan(&d.ID, &d.WorkItemID, &d.Generator, &d.DetailLevel, &d.Text); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) queryDescriptionUnits(query string, args ...any) ([]DescriptionUnit, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DescriptionUnit
	for rows.Next() {
		var u DescriptionUnit
		if err := rows.Scan(&u.DescriptionID, &u.WorkItemID, &u.Code, &u.DetailLevel, &u.Text); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// PendingReverse returns descriptions with no reverse prediction from predictor.
func (s *Store) PendingReverse(predictor string, limit int) ([]DescriptionUnit, error) {
	units, err := s.queryDescriptionUnits(`
		SELECT d.id, d.work_item_id, w.code, d.detail_level, d.text
		FROM descriptions d
		JOIN work_items w ON w.id = d.work_item_id
		WHERE NOT EXISTS (
			SELECT 1 FROM reverse_predictions r
			WHERE r.description_id = d.id AND r.predictor = ?
		)
		ORDER BY d.id
		LIMIT ?`, predictor, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending reverse predictions: %w", err)
	}
	return units, nil
}

// SaveReversePrediction upserts on (description_id, predictor).
func (s *Store) SaveReversePrediction(p ReversePrediction) error {
	codes, err := encodeCodes(p.Codes)
	if err != nil {
		return err
	}
	m := p.Measurement
	_, err = s.db.Exec(`
		INSERT INTO reverse_predictions (description_id, predictor, predicted_codes, success, confidence, error,
			elapsed_seconds, tokens_in, tokens_out, batch_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(description_id, predictor) DO UPDATE SET
			predicted_codes = excluded.predicted_codes,
			success = excluded.success,
			confidence = excluded.confidence,
			error = excluded.error,
			elapsed_seconds = excluded.elapsed_seconds,
			tokens_in = excluded.tokens_in,
			tokens_out = excluded.tokens_out,
			batch_id = excluded.batch_id`,
		p.DescriptionID, p.Predictor, codes, boolInt(m.Success), m.Confidence, m.Error,
		m.Elapsed.Seconds(), m.TokensIn, m.TokensOut, m.BatchID, now(),
	)
	if err != nil {
		return fmt.Errorf("saving reverse prediction for description %d: %w", p.DescriptionID, err)
	}
	return nil
}

// PendingRAG returns descriptions with no RAG prediction for predictor and corpus mode.
func (s *Store) PendingRAG(predictor, mode string, limit int) ([]DescriptionUnit, error) {
	units, err := s.queryDescriptionUnits(`
		SELECT d.id, d.work_item_id, w.code, d.detail_level, d.text
		FROM descriptions d
		JOIN work_items w ON w.id = d.work_item_id
		WHERE NOT EXISTS (
			SELECT 1 FROM rag_predictions r
			WHERE r.description_id = d.id AND r.predictor = ? AND r.corpus_mode = ?
		)
		ORDER BY d.id
		LIMIT ?`, predictor, mode, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending rag predictions: %w", err)
	}
	return units, nil
}

// SaveRAGPrediction upserts on (description_id, predictor, corpus_mode).
func (s *Store) SaveRAGPrediction(p RAGPrediction) error {
	codes, err := encodeCodes(p.Codes)
	if err != nil {
		return err
	}
	ctxCodes, err := encodeCodes(p.ContextCodes)
	if err != nil {
		return err
	}
	m := p.Measurement
	_, err = s.db.Exec(`
		INSERT INTO rag_predictions (description_id, predictor, corpus_mode, predicted_codes, context_codes,
			success, confidence, error, elapsed_seconds, tokens_in, tokens_out, batch_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(description_id, predictor, corpus_mode) DO UPDATE SET
			predicted_codes = excluded.predicted_codes,
			context_codes = excluded.context_codes,
			success = excluded.success,
			confidence = excluded.confidence,
			error = excluded.error,
			elapsed_seconds = excluded.elapsed_seconds,
			tokens_in = excluded.tokens_in,
			tokens_out = excluded.tokens_out,
			batch_id = excluded.batch_id`,
		p.DescriptionID, p.Predictor, p.CorpusMode, codes, ctxCodes, boolInt(m.Success), m.Confidence, m.Error,
		m.Elapsed.Seconds(), m.TokensIn, m.TokensOut, m.BatchID, now(),
	)
	if err != nil {
		return fmt.Errorf("saving rag prediction for description %d: %w", p.DescriptionID, err)
	}
	return nil
}

// PendingDenseItems returns billable work items (more than three code
// characters, ignoring the dot) with no dense variant run from generator.
func (s *Store) PendingDenseItems(generator string, limit int) ([]WorkItem, error) {
	rows, err := s.db.Query(`
		SELECT w.id, w.code, w.text, w.category, w.created_at
		FROM work_items w
		WHERE LENGTH(REPLACE(w.code, '.', '')) > 3
		AND NOT EXISTS (
			SELECT 1 FROM dense_runs r
			WHERE r.work_item_id = w.id AND r.generator = ?
		)
		ORDER BY w.id
		LIMIT ?`, generator, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending dense variants: %w", err)
	}
	return scanWorkItems(rows)
}

// SaveDenseRun upserts the run row and, on success, its variants.
func (s *Store) SaveDenseRun(r DenseRun) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning dense transaction: %w", err)
	}
	defer tx.Rollback()

	ts := now()
	m := r.Measurement
	if _, err := tx.Exec(`
		INSERT INTO dense_runs (work_item_id, generator, success, confidence, error,
			elapsed_seconds, tokens_in, tokens_out, batch_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(work_item_id, generator) DO UPDATE SET
			success = excluded.success,
			confidence = excluded.confidence,
			error = excluded.error,
			elapsed_seconds = excluded.elapsed_seconds,
			tokens_in = excluded.tokens_in,
			tokens_out = excluded.tokens_out,
			batch_id = excluded.batch_id`,
		r.WorkItemID, r.Generator, boolInt(m.Success), m.Confidence, m.Error,
		m.Elapsed.Seconds(), m.TokensIn, m.TokensOut, m.BatchID, ts,
	); err != nil {
		return fmt.Errorf("saving dense run for item %d: %w", r.WorkItemID, err)
	}

	if m.Success {
		for _, v := range r.Variants {
			if _, err := tx.Exec(`
				INSERT INTO dense_variants (work_item_id, variant_type, variant_index, text, created_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(work_item_id, variant_type, variant_index) DO UPDATE SET text = excluded.text`,
				r.WorkItemID, v.VariantType, v.VariantIndex, v.Text, ts,
			); err != nil {
				return fmt.Errorf("saving dense variant %s/%d for item %d: %w", v.VariantType, v.VariantIndex, r.WorkItemID, err)
			}
		}
	}

	return tx.Commit()
}

// PendingDenseRAG returns dense variants with no prediction for predictor and strategy.
func (s *Store) PendingDenseRAG(predictor, strategy string, limit int) ([]VariantUnit, error) {
	rows, err := s.db.Query(`
		SELECT v.id, v.work_item_id, w.code, v.text
		FROM dense_variants v
		JOIN work_items w ON w.id = v.work_item_id
		WHERE NOT EXISTS (
			SELECT 1 FROM dense_rag_predictions p
			WHERE p.variant_id = v.id AND p.predictor = ? AND p.strategy = ?
		)
		ORDER BY v.id
		LIMIT ?`, predictor, strategy, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending dense rag predictions: %w", err)
	}
	defer rows.Close()

	var out []VariantUnit
	for rows.Next() {
		var u VariantUnit
		if err := rows.Scan(&u.VariantID, &u.WorkItemID, &u.Code, &u.Text); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// PositiveExamples returns other variants of the same work item, oldest first.
func (s *Store) PositiveExamples(workItemID, excludeVariantID int64, limit int) ([]Example, error) {
	return s.queryExamples(`
		SELECT w.code, v.text
		FROM dense_variants v
		JOIN work_items w ON w.id = v.work_item_id
		WHERE v.work_item_id = ? AND v.id != ?
		ORDER BY v.id
		LIMIT ?`, workItemID, excludeVariantID, limit)
}

// NegativeExamples returns variants of other billable codes, taking those
// whose work item id is closest to workItemID first so that neighbouring
// catalog entries serve as near misses.
func (s *Store) NegativeExamples(workItemID int64, limit int) ([]Example, error) {
	return s.queryExamples(`
		SELECT w.code, v.text
		FROM dense_variants v
		JOIN work_items w ON w.id = v.work_item_id
		WHERE v.work_item_id != ? AND LENGTH(REPLACE(w.code, '.', '')) > 3
		ORDER BY ABS(v.work_item_id - ?), v.variant_index, v.id
		LIMIT ?`, workItemID, workItemID, limit)
}

func (s *Store) queryExamples(query string, args ...any) ([]Example, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying examples: %w", err)
	}
	defer rows.Close()

	var out []Example
	for rows.Next() {
		var e Example
		if err := rows.Scan(&e.Code, &e.Text); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveDenseRAGPrediction upserts on (variant_id, predictor, strategy).
func (s *Store) SaveDenseRAGPrediction(p DenseRAGPrediction) error {
	codes, err := encodeCodes(p.Codes)
	if err != nil {
		return err
	}
	m := p.Measurement
	_, err = s.db.Exec(`
		INSERT INTO dense_rag_predictions (variant_id, predictor, strategy, predicted_codes, positives, negatives,
			success, confidence, error, elapsed_seconds, tokens_in, tokens_out, batch_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(variant_id, predictor, strategy) DO UPDATE SET
			predicted_codes = excluded.predicted_codes,
			positives = excluded.positives,
			negatives = excluded.negatives,
			success = excluded.success,
			confidence = excluded.confidence,
			error = excluded.error,
			elapsed_seconds = excluded.elapsed_seconds,
			tokens_in = excluded.tokens_in,
			tokens_out = excluded.tokens_out,
			batch_id = excluded.batch_id`,
		p.VariantID, p.Predictor, p.Strategy, codes, p.Positives, p.Negatives,
		boolInt(m.Success), m.Confidence, m.Error,
		m.Elapsed.Seconds(), m.TokensIn, m.TokensOut, m.BatchID, now(),
	)
	if err != nil {
		return fmt.Errorf("saving dense rag prediction for variant %d: %w", p.VariantID, err)
	}
	return nil
}

// resultTables lists the stage result tables that carry success and error columns.
var resultTables = []string{
	"predictions",
	"description_runs",
	"reverse_predictions",
	"rag_predictions",
	"dense_runs",
	"dense_rag_predictions",
}

// ResultTables returns the names of the stage result tables.
func ResultTables() []string {
	return append([]string(nil), resultTables...)
}

// ResetFailures deletes result rows that failed with an error (as opposed to
// a wrong answer), making their units pending again. An empty table name
// resets every result table. It returns the number of deleted rows.
func (s *Store) ResetFailures(table string) (int64, error) {
	tables := resultTables
	if table != "" {
		found := false
		for _, t := range resultTables {
			if t == table {
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown result table %q", table)
		}
		tables = []string{table}
	}

	var total int64
	for _, t := range tables {
		res, err := s.db.Exec(`DELETE FROM ` + t + ` WHERE success = 0 AND error != ''`)
		if err != nil {
			return total, fmt.Errorf("resetting failures in %s: %w", t, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func encodeCodes(codes []string) (string, error) {
	if codes == nil {
		codes = []string{}
	}
	b, err := json.Marshal(codes)
	if err != nil {
		return "", fmt.Errorf("encoding codes: %w", err)
	}
	return string(b), nil
}

func decodeCodes(s string) ([]string, error) {
	var codes []string
	if s == "" {
		return codes, nil
	}
	if err := json.Unmarshal([]byte(s), &codes); err != nil {
		return nil, fmt.Errorf("decoding codes: %w", err)
	}
	return codes, nil
}
