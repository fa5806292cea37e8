package pipeline

import (
	"sort"
	"time"

	"github.com/kalambet/icdbench/internal/storage"
)

// MetricDelta is the change of one metric between two snapshots.
type MetricDelta struct {
	Name     string
	Previous int64
	Current  int64
	Change   int64
}

// ProgressDelta compares two snapshots.
type ProgressDelta struct {
	From    time.Time
	To      time.Time
	Metrics []MetricDelta
}

// Changed returns the metrics whose value moved.
func (d ProgressDelta) Changed() []MetricDelta {
	var out []MetricDelta
	for _, m := range d.Metrics {
		if m.Change != 0 {
			out = append(out, m)
		}
	}
	return out
}

// Delta computes current minus previous for every metric present in either
// snapshot. Known metrics come first in display order, others follow sorted
// by name. A metric missing from one side counts as zero there.
func Delta(prev, cur storage.Snapshot) ProgressDelta {
	d := ProgressDelta{From: prev.TakenAt, To: cur.TakenAt}

	seen := make(map[string]bool)
	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		p, c := prev.Values[name], cur.Values[name]
		d.Metrics = append(d.Metrics, MetricDelta{Name: name, Previous: p, Current: c, Change: c - p})
	}

	for _, name := range storage.ProgressMetrics() {
		_, inPrev := prev.Values[name]
		_, inCur := cur.Values[name]
		if inPrev || inCur {
			add(name)
		}
	}

	var extra []string
	for _, vals := range []map[string]int64{prev.Values, cur.Values} {
		for name := range vals {
			if !seen[name] {
				extra = append(extra, name)
			}
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		add(name)
	}
	return d
}
