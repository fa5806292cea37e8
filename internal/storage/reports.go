package storage

import (
	"fmt"
	"strings"
)

// StageCounts returns row totals per result table and predictor.
func (s *Store) StageCounts() ([]StageCount, error) {
	var out []StageCount
	for _, t := range resultTables {
		col := "predictor"
		if t == "description_runs" || t == "dense_runs" {
			col = "generator"
		}
		rows, err := s.db.Query(fmt.Sprintf(`
			SELECT %s, COUNT(*), COALESCE(SUM(success), 0)
			FROM %s GROUP BY %s ORDER BY %s`, col, t, col, col))
		if err != nil {
			return nil, fmt.Errorf("counting %s: %w", t, err)
		}
		for rows.Next() {
			c := StageCount{Table: t}
			if err := rows.Scan(&c.Predictor, &c.Total, &c.Succeeded); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// PredictorStats aggregates closed batch records per stage and predictor.
func (s *Store) PredictorStats() ([]PredictorStat, error) {
	rows, err := s.db.Query(`
		SELECT stage, predictor, COUNT(*),
			COALESCE(SUM(success_count + failure_count), 0),
			COALESCE(SUM(success_count), 0),
			COALESCE(SUM(tokens_in), 0),
			COALESCE(SUM(tokens_out), 0),
			COALESCE(SUM(elapsed_seconds), 0)
		FROM batch_records
		WHERE ended_at IS NOT NULL
		GROUP BY stage, predictor
		ORDER BY stage, predictor`)
	if err != nil {
		return nil, fmt.Errorf("aggregating batches: %w", err)
	}
	defer rows.Close()

	var out []PredictorStat
	for rows.Next() {
		var p PredictorStat
		var elapsed float64
		if err := rows.Scan(&p.Stage, &p.Predictor, &p.Batches, &p.Items, &p.Successes, &p.TokensIn, &p.TokensOut, &elapsed); err != nil {
			return nil, err
		}
		if p.Items > 0 {
			p.AvgLatency = secondsToDuration(elapsed / float64(p.Items))
		}
		if elapsed > 0 {
			p.Throughput = float64(p.Items) / elapsed
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetPredictorCost sets the per-1k-token prices of a predictor.
func (s *Store) SetPredictorCost(predictor string, perKIn, perKOut float64) error {
	_, err := s.db.Exec(`
		INSERT INTO predictor_costs (predictor, cost_per_1k_in, cost_per_1k_out, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(predictor) DO UPDATE SET
			cost_per_1k_in = excluded.cost_per_1k_in,
			cost_per_1k_out = excluded.cost_per_1k_out,
			updated_at = excluded.updated_at`,
		predictor, perKIn, perKOut, now(),
	)
	return err
}

// CostSummary estimates spend per predictor from batch token totals. A
// predictor without a price row is reported with zero cost.
func (s *Store) CostSummary() ([]CostLine, error) {
	rows, err := s.db.Query(`
		SELECT b.predictor,
			COALESCE(SUM(b.tokens_in), 0),
			COALESCE(SUM(b.tokens_out), 0),
			COALESCE(c.cost_per_1k_in, 0),
			COALESCE(c.cost_per_1k_out, 0)
		FROM batch_records b
		LEFT JOIN predictor_costs c ON c.predictor = b.predictor
		GROUP BY b.predictor
		ORDER BY b.predictor`)
	if err != nil {
		return nil, fmt.Errorf("summarizing cost: %w", err)
	}
	defer rows.Close()

	var out []CostLine
	for rows.Next() {
		var l CostLine
		var in, outPrice float64
		if err := rows.Scan(&l.Predictor, &l.TokensIn, &l.TokensOut, &in, &outPrice); err != nil {
			return nil, err
		}
		l.CostUSD = float64(l.TokensIn)/1000*in + float64(l.TokensOut)/1000*outPrice
		out = append(out, l)
	}
	return out, rows.Err()
}

// RecoveredDescriptions returns generated descriptions whose code was
// recovered by at least one reverse prediction. An empty predictor matches any.
func (s *Store) RecoveredDescriptions(predictor string) ([]Recovered, error) {
	query := `
		SELECT w.code, d.text, d.detail_level, d.generator, r.predictor
		FROM reverse_predictions r
		JOIN descriptions d ON d.id = r.description_id
		JOIN work_items w ON w.id = d.work_item_id
		WHERE r.success = 1`
	var args []any
	if strings.TrimSpace(predictor) != "" {
		query += ` AND r.predictor = ?`
		args = append(args, predictor)
	}
	query += ` ORDER BY d.id, r.predictor`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying recovered descriptions: %w", err)
	}
	defer rows.Close()

	var out []Recovered
	for rows.Next() {
		var r Recovered
		if err := rows.Scan(&r.Code, &r.Text, &r.DetailLevel, &r.Generator, &r.Predictor); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
