package shard

import (
	"fmt"
	"sort"
)

// Metric selects which pushdown aggregate a source computes.
type Metric int

const (
	MetricCount Metric = iota
	MetricTypeDistribution
	MetricTimeSpan
	MetricSentReceived
	MetricActiveDates
	MetricDateCounts
	MetricActiveYears
)

var metricNames = map[Metric]string{
	MetricCount:            "count",
	MetricTypeDistribution: "type_distribution",
	MetricTimeSpan:         "time_span",
	MetricSentReceived:     "sent_received",
	MetricActiveDates:      "active_dates",
	MetricDateCounts:       "date_counts",
	MetricActiveYears:      "active_years",
}

func (m Metric) String() string {
	if s, ok := metricNames[m]; ok {
		return s
	}
	return fmt.Sprintf("metric(%d)", int(m))
}

// ParseMetric maps a metric name back to its Metric.
func ParseMetric(s string) (Metric, error) {
	for m, name := range metricNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown metric %q", s)
}

// AggregateQuery is the pushdown request handed to a Source.
type AggregateQuery struct {
	Metric Metric
	Range  TimeRange
	// SelfID is the account's own identifier, used to split sent from
	// received messages. Empty means every message counts as received.
	SelfID string
}

// Partial is a per-source aggregate result. Partials fold with Merge, which
// is associative and commutative so source order never changes the outcome.
type Partial struct {
	Count    int64
	Sent     int64
	Received int64

	// MinTime/MaxTime are valid only when HasSpan is set.
	HasSpan bool
	MinTime int64
	MaxTime int64

	Types map[int64]int64
	Dates map[string]int64 // YYYY-MM-DD (UTC) -> count
	Years map[int]int64
}

// NewPartial returns an empty partial with initialized maps.
func NewPartial() *Partial {
	return &Partial{
		Types: make(map[int64]int64),
		Dates: make(map[string]int64),
		Years: make(map[int]int64),
	}
}

// Merge folds o into p.
func (p *Partial) Merge(o *Partial) {
	if o == nil {
		return
	}
	p.Count += o.Count
	p.Sent += o.Sent
	p.Received += o.Received
	if o.HasSpan {
		if !p.HasSpan || o.MinTime < p.MinTime {
			p.MinTime = o.MinTime
		}
		if !p.HasSpan || o.MaxTime > p.MaxTime {
			p.MaxTime = o.MaxTime
		}
		p.HasSpan = true
	}
	if p.Types == nil {
		p.Types = make(map[int64]int64)
	}
	for k, v := range o.Types {
		p.Types[k] += v
	}
	if p.Dates == nil {
		p.Dates = make(map[string]int64)
	}
	for k, v := range o.Dates {
		p.Dates[k] += v
	}
	if p.Years == nil {
		p.Years = make(map[int]int64)
	}
	for k, v := range o.Years {
		p.Years[k] += v
	}
}

// Observe folds a single record into p. Used where a metric cannot be
// pushed down and must be computed from a record stream.
func (p *Partial) Observe(r Record, selfSender int64, hasSelf bool) {
	p.Count++
	if hasSelf && r.SenderID == selfSender {
		p.Sent++
	} else {
		p.Received++
	}
	if !p.HasSpan || r.Time < p.MinTime {
		p.MinTime = r.Time
	}
	if !p.HasSpan || r.Time > p.MaxTime {
		p.MaxTime = r.Time
	}
	p.HasSpan = true
	p.Types[r.Type]++
	day := unixDay(r.Time)
	p.Dates[day]++
	p.Years[yearOf(day)]++
}

// SortedDates returns the active dates in ascending order.
func (p *Partial) SortedDates() []string {
	out := make([]string, 0, len(p.Dates))
	for d := range p.Dates {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// SortedYears returns the active years in ascending order.
func (p *Partial) SortedYears() []int {
	out := make([]int, 0, len(p.Years))
	for y := range p.Years {
		out = append(out, y)
	}
	sort.Ints(out)
	return out
}
