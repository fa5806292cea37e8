package storage

import (
	"fmt"
	"time"
)

// StartBatch opens a batch record. Only ID, Stage, Predictor, Size and
// StartedAt are read.
func (s *Store) StartBatch(b BatchRecord) error {
	started := b.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO batch_records (id, stage, predictor, batch_size, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.Stage, b.Predictor, b.Size, started.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("starting batch %s: %w", b.ID, err)
	}
	return nil
}

// FinishBatch closes an open batch record with its totals. A record is closed
// exactly once; finishing an already closed or unknown batch returns ErrNotFound.
func (s *Store) FinishBatch(b BatchRecord) error {
	ended := b.EndedAt
	if ended.IsZero() {
		ended = time.Now()
	}
	elapsed := 0.0
	if !b.StartedAt.IsZero() {
		elapsed = ended.Sub(b.StartedAt).Seconds()
	}
	res, err := s.db.Exec(`
		UPDATE batch_records SET
			success_count = ?, failure_count = ?, tokens_in = ?, tokens_out = ?,
			elapsed_seconds = ?, ended_at = ?
		WHERE id = ? AND ended_at IS NULL`,
		b.SuccessCount, b.FailureCount, b.TokensIn, b.TokensOut,
		elapsed, ended.UTC().Format(time.RFC3339Nano), b.ID,
	)
	if err != nil {
		return fmt.Errorf("finishing batch %s: %w", b.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordBatchSize appends a point to the batch size series.
func (s *Store) RecordBatchSize(p SizeSample) error {
	at := p.RecordedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO batch_size_series (stage, predictor, batch_size, success_rate, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.Stage, p.Predictor, p.BatchSize, p.SuccessRate, at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording batch size: %w", err)
	}
	return nil
}

// BatchSizes returns the most recent samples of a stage, oldest first.
func (s *Store) BatchSizes(stage string, limit int) ([]SizeSample, error) {
	rows, err := s.db.Query(`
		SELECT stage, predictor, batch_size, success_rate, recorded_at FROM (
			SELECT id, stage, predictor, batch_size, success_rate, recorded_at
			FROM batch_size_series WHERE stage = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, stage, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SizeSample
	for rows.Next() {
		var p SizeSample
		var at string
		if err := rows.Scan(&p.Stage, &p.Predictor, &p.BatchSize, &p.SuccessRate, &at); err != nil {
			return nil, err
		}
		if p.RecordedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func secondsToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}
