package storage

import (
	"fmt"
	"time"
)

// snapshotLayout is fixed width so that taken_at sorts lexically.
const snapshotLayout = "2006-01-02T15:04:05.000000000Z"

type metricQuery struct {
	name  string
	query string
}

var progressMetrics = []metricQuery{
	{"work_items", `SELECT COUNT(*) FROM work_items`},
	{"predictions", `SELECT COUNT(*) FROM predictions`},
	{"predictions_correct", `SELECT COUNT(*) FROM predictions WHERE success = 1`},
	{"descriptions", `SELECT COUNT(*) FROM descriptions`},
	{"description_codes", `SELECT COUNT(DISTINCT work_item_id) FROM descriptions`},
	{"description_failures", `SELECT COUNT(*) FROM description_runs WHERE success = 0`},
	{"reverse_predictions", `SELECT COUNT(*) FROM reverse_predictions`},
	{"reverse_correct", `SELECT COUNT(*) FROM reverse_predictions WHERE success = 1`},
	{"rag_authoritative", `SELECT COUNT(*) FROM rag_predictions WHERE corpus_mode = 'authoritative'`},
	{"rag_derived", `SELECT COUNT(*) FROM rag_predictions WHERE corpus_mode = 'derived'`},
	{"rag_both", `SELECT COUNT(*) FROM rag_predictions WHERE corpus_mode = 'both'`},
	{"dense_variants", `SELECT COUNT(*) FROM dense_variants`},
	{"dense_variant_codes", `SELECT COUNT(DISTINCT work_item_id) FROM dense_variants`},
	{"dense_rag_positive_only", `SELECT COUNT(*) FROM dense_rag_predictions WHERE strategy = 'positive_only'`},
	{"dense_rag_with_negatives", `SELECT COUNT(*) FROM dense_rag_predictions WHERE strategy = 'with_negatives'`},
	{"dense_rag_correct", `SELECT COUNT(*) FROM dense_rag_predictions WHERE confidence = 1.0`},
	{"batches", `SELECT COUNT(*) FROM batch_records`},
}

// ProgressMetrics returns the metric names in display order.
func ProgressMetrics() []string {
	names := make([]string, len(progressMetrics))
	for i, m := range progressMetrics {
		names[i] = m.name
	}
	return names
}

// CurrentProgress counts every progress metric now. It does not persist anything.
func (s *Store) CurrentProgress() (Snapshot, error) {
	snap := Snapshot{TakenAt: time.Now().UTC(), Values: make(map[string]int64, len(progressMetrics))}
	for _, m := range progressMetrics {
		var v int64
		if err := s.db.QueryRow(m.query).Scan(&v); err != nil {
			return Snapshot{}, fmt.Errorf("counting %s: %w", m.name, err)
		}
		snap.Values[m.name] = v
	}
	return snap, nil
}

// SaveSnapshot appends a snapshot. Snapshots are never updated.
func (s *Store) SaveSnapshot(snap Snapshot) error {
	taken := snap.TakenAt
	if taken.IsZero() {
		taken = time.Now()
	}
	ts := taken.UTC().Format(snapshotLayout)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	for name, v := range snap.Values {
		if _, err := tx.Exec(`INSERT INTO progress_snapshots (taken_at, metric_name, value) VALUES (?, ?, ?)`, ts, name, v); err != nil {
			return fmt.Errorf("saving snapshot metric %s: %w", name, err)
		}
	}
	return tx.Commit()
}

// LatestSnapshot returns the most recently saved snapshot, or ErrNotFound.
func (s *Store) LatestSnapshot() (Snapshot, error) {
	snaps, err := s.RecentSnapshots(1)
	if err != nil {
		return Snapshot{}, err
	}
	if len(snaps) == 0 {
		return Snapshot{}, ErrNotFound
	}
	return snaps[0], nil
}

// RecentSnapshots returns up to n saved snapshots, newest first.
func (s *Store) RecentSnapshots(n int) ([]Snapshot, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT taken_at FROM progress_snapshots
		ORDER BY taken_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	var stamps []string
	for rows.Next() {
		var ts string
		if err := rows.Scan(&ts); err != nil {
			rows.Close()
			return nil, err
		}
		stamps = append(stamps, ts)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	snaps := make([]Snapshot, 0, len(stamps))
	for _, ts := range stamps {
		snap, err := s.snapshotAt(ts)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func (s *Store) snapshotAt(ts string) (Snapshot, error) {
	taken, err := time.Parse(snapshotLayout, ts)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parsing snapshot time %q: %w", ts, err)
	}

	rows, err := s.db.Query(`SELECT metric_name, value FROM progress_snapshots WHERE taken_at = ?`, ts)
	if err != nil {
		return Snapshot{}, err
	}
	defer rows.Close()

	snap := Snapshot{TakenAt: taken, Values: make(map[string]int64)}
	for rows.Next() {
		var name string
		var v int64
		if err := rows.Scan(&name, &v); err != nil {
			return Snapshot{}, err
		}
		snap.Values[name] = v
	}
	return snap, rows.Err()
}
