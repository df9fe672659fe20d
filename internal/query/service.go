package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/wesm/shardvault/internal/aggregate"
	"github.com/wesm/shardvault/internal/backend"
	"github.com/wesm/shardvault/internal/merge"
	"github.com/wesm/shardvault/internal/metrics"
	"github.com/wesm/shardvault/internal/payload"
	"github.com/wesm/shardvault/internal/shard"
	"github.com/wesm/shardvault/internal/store"
)

// ErrNoDirectory is returned by Sessions and DisplayNames when the backend
// cannot list conversations.
var ErrNoDirectory = errors.New("backend has no session directory")

// Options configures a Service.
type Options struct {
	BatchSize        int
	AggregateTimeout time.Duration
	Concurrency      int
	SelfID           string
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// Service answers message and aggregate queries for one account.
type Service struct {
	backend   backend.Backend
	engine    *merge.Engine
	aggregate *aggregate.Service
	logger    *slog.Logger
}

// NewService creates a Service over b. The service does not own b.
func NewService(b backend.Backend, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		backend: b,
		engine:  merge.New(opts.BatchSize, opts.Logger, opts.Metrics),
		aggregate: aggregate.New(b, aggregate.Options{
			Timeout:     opts.AggregateTimeout,
			Concurrency: opts.Concurrency,
			SelfID:      opts.SelfID,
			Logger:      opts.Logger,
			Metrics:     opts.Metrics,
		}),
		logger: opts.Logger,
	}
}

// GetMessages returns the window [offset, offset+limit) of a conversation,
// newest first.
func (s *Service) GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]Message, error) {
	if limit < 0 || offset < 0 {
		return nil, fmt.Errorf("invalid window limit=%d offset=%d", limit, offset)
	}
	return s.merge(ctx, conversationID, merge.Options{
		Order:  shard.Descending,
		Limit:  limit,
		Offset: offset,
	})
}

// GetMessagesByDate returns every message with begin <= time < end. A zero
// begin or end leaves that side open.
func (s *Service) GetMessagesByDate(ctx context.Context, conversationID string, begin, end time.Time, ascending bool) ([]Message, error) {
	rng, err := timeRange(begin, end)
	if err != nil {
		return nil, err
	}
	order := shard.Descending
	if ascending {
		order = shard.Ascending
	}
	return s.merge(ctx, conversationID, merge.Options{Order: order, Range: rng})
}

// ExportMessages streams a whole conversation oldest first in chunks of
// batchSize. An error returned by fn stops the export and is returned.
func (s *Service) ExportMessages(ctx context.Context, conversationID string, batchSize int, fn func([]Message) error) error {
	sources, err := s.backend.Sources(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", conversationID, err)
	}
	defer releaseAll(sources)

	group := isGroup(conversationID)
	return s.engine.MergeAll(ctx, sources, shard.Ascending, shard.TimeRange{}, batchSize, func(recs []shard.Record) error {
		return fn(s.decode(recs, group))
	})
}

// GetMessageCount returns the number of messages in a conversation. The
// per-shard counts run under the aggregate timeout.
func (s *Service) GetMessageCount(ctx context.Context, conversationID string) (int64, error) {
	p, err := s.aggregate.Aggregate(ctx, conversationID, shard.MetricCount, shard.TimeRange{})
	if err != nil {
		return 0, err
	}
	return p.Count, nil
}

// TypeDistribution counts messages per type, most frequent first.
func (s *Service) TypeDistribution(ctx context.Context, conversationID string) ([]TypeCount, error) {
	p, err := s.aggregate.Aggregate(ctx, conversationID, shard.MetricTypeDistribution, shard.TimeRange{})
	if err != nil {
		return nil, err
	}
	return typeCounts(p), nil
}

// GlobalTypeDistribution counts messages per type across every
// conversation.
func (s *Service) GlobalTypeDistribution(ctx context.Context) ([]TypeCount, error) {
	return s.TypeDistribution(ctx, "")
}

// TimeSpan returns the first and last message times of a conversation.
func (s *Service) TimeSpan(ctx context.Context, conversationID string) (*TimeSpan, error) {
	p, err := s.aggregate.Aggregate(ctx, conversationID, shard.MetricTimeSpan, shard.TimeRange{})
	if err != nil {
		return nil, err
	}
	out := &TimeSpan{Count: p.Count}
	if p.HasSpan {
		out.First = time.Unix(p.MinTime, 0).UTC()
		out.Last = time.Unix(p.MaxTime, 0).UTC()
	}
	return out, nil
}

// SentReceived splits a conversation's messages by direction.
func (s *Service) SentReceived(ctx context.Context, conversationID string) (*SentReceived, error) {
	p, err := s.aggregate.Aggregate(ctx, conversationID, shard.MetricSentReceived, shard.TimeRange{})
	if err != nil {
		return nil, err
	}
	return &SentReceived{Sent: p.Sent, Received: p.Received}, nil
}

// ActiveDates returns the UTC days with at least one message, ascending.
func (s *Service) ActiveDates(ctx context.Context, conversationID string) ([]string, error) {
	p, err := s.aggregate.Aggregate(ctx, conversationID, shard.MetricActiveDates, shard.TimeRange{})
	if err != nil {
		return nil, err
	}
	return p.SortedDates(), nil
}

// DateCounts returns per-day message counts within [begin, end), ascending
// by date.
func (s *Service) DateCounts(ctx context.Context, conversationID string, begin, end time.Time) ([]DateCount, error) {
	rng, err := timeRange(begin, end)
	if err != nil {
		return nil, err
	}
	p, err := s.aggregate.Aggregate(ctx, conversationID, shard.MetricDateCounts, rng)
	if err != nil {
		return nil, err
	}
	out := make([]DateCount, 0, len(p.Dates))
	for _, d := range p.SortedDates() {
		out = append(out, DateCount{Date: d, Count: p.Dates[d]})
	}
	return out, nil
}

// ActiveYears returns per-year message counts, ascending by year. An empty
// conversationID covers the whole store.
func (s *Service) ActiveYears(ctx context.Context, conversationID string) ([]YearCount, error) {
	p, err := s.aggregate.Aggregate(ctx, conversationID, shard.MetricActiveYears, shard.TimeRange{})
	if err != nil {
		return nil, err
	}
	out := make([]YearCount, 0, len(p.Years))
	for _, y := range p.SortedYears() {
		out = append(out, YearCount{Year: y, Count: p.Years[y]})
	}
	return out, nil
}

// Sessions lists the account's conversations.
func (s *Service) Sessions(ctx context.Context) ([]store.Session, error) {
	dir, ok := s.backend.(backend.SessionLister)
	if !ok {
		return nil, ErrNoDirectory
	}
	return dir.Sessions(ctx)
}

// DisplayNames resolves identifiers to display names. Unknown identifiers
// map to themselves.
func (s *Service) DisplayNames(ctx context.Context, ids []string) (map[string]string, error) {
	dir, ok := s.backend.(backend.SessionLister)
	if !ok {
		return nil, ErrNoDirectory
	}
	return dir.DisplayNames(ctx, ids)
}

func (s *Service) merge(ctx context.Context, conversationID string, opts merge.Options) ([]Message, error) {
	sources, err := s.backend.Sources(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", conversationID, err)
	}
	defer releaseAll(sources)

	recs, err := s.engine.Merge(ctx, sources, opts)
	if err != nil {
		return nil, err
	}
	return s.decode(recs, isGroup(conversationID)), nil
}

func (s *Service) decode(recs []shard.Record, group bool) []Message {
	out := make([]Message, 0, len(recs))
	for _, r := range recs {
		m := Message{
			LocalID:  r.RowID,
			Seq:      r.Seq,
			Time:     time.Unix(r.Time, 0).UTC(),
			Type:     r.Type,
			Status:   r.Status,
			SenderID: r.SenderID,
			Source:   r.Source,
		}
		text, err := payload.Decode(r.Content, r.Codec)
		if err != nil {
			s.logger.Warn("undecodable message content", "record", r.String(), "error", err)
		}
		if group {
			if sender, body, ok := payload.SplitGroupSender(text); ok {
				m.Sender, text = sender, body
			}
		}
		m.Content = text
		out = append(out, m)
	}
	return out
}

func releaseAll(sources []shard.Source) {
	for _, src := range sources {
		src.Release()
	}
}

func isGroup(conversationID string) bool {
	return strings.HasSuffix(conversationID, "@chatroom")
}

func timeRange(begin, end time.Time) (shard.TimeRange, error) {
	var rng shard.TimeRange
	if !begin.IsZero() {
		rng.Begin = begin.Unix()
	}
	if !end.IsZero() {
		rng.End = end.Unix()
	}
	if rng.Begin != 0 && rng.End != 0 && rng.End < rng.Begin {
		return rng, fmt.Errorf("invalid range: end %s before begin %s", end, begin)
	}
	return rng, nil
}

func typeCounts(p *shard.Partial) []TypeCount {
	out := make([]TypeCount, 0, len(p.Types))
	for t, n := range p.Types {
		out = append(out, TypeCount{Type: t, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Type < out[j].Type
	})
	return out
}
