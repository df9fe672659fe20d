package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wesm/shardvault/internal/query"
	"github.com/wesm/shardvault/internal/shard"
	"github.com/wesm/shardvault/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	exportBatchSize = 500
)

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// MessagesResponse is a page of messages.
type MessagesResponse struct {
	ConversationID string          `json:"conversation_id"`
	Page           int             `json:"page,omitempty"`
	PageSize       int             `json:"page_size,omitempty"`
	Messages       []query.Message `json:"messages"`
}

// CountResponse is a conversation's message count.
type CountResponse struct {
	ConversationID string `json:"conversation_id"`
	Count          int64  `json:"count"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

// writeQueryError maps query failures onto status codes.
func (s *Server) writeQueryError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, shard.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "timeout", op+" timed out")
	case errors.Is(err, shard.ErrBridge):
		s.logger.Error(op+" failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, "bridge_error", "Decrypt bridge failed")
	case errors.Is(err, query.ErrNoDirectory):
		writeError(w, http.StatusNotFound, "no_directory", "This backend has no session directory")
	default:
		s.logger.Error(op+" failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to "+op)
	}
}

// handleSessions lists conversations.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.query.Sessions(r.Context())
	if err != nil {
		s.writeQueryError(w, r, "list sessions", err)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// handleDisplayNames resolves ?id=a&id=b to display names.
func (s *Server) handleDisplayNames(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["id"]
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "missing_id", "At least one 'id' parameter is required")
		return
	}
	names, err := s.query.DisplayNames(r.Context(), ids)
	if err != nil {
		s.writeQueryError(w, r, "resolve names", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"names": names})
}

// handleMessages returns a page of a conversation, newest first.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}

	msgs, err := s.query.GetMessages(r.Context(), id, pageSize, (page-1)*pageSize)
	if err != nil {
		s.writeQueryError(w, r, "retrieve messages", err)
		return
	}
	writeJSON(w, http.StatusOK, MessagesResponse{
		ConversationID: id,
		Page:           page,
		PageSize:       pageSize,
		Messages:       nonNil(msgs),
	})
}

// handleMessagesByDate returns the messages within ?begin=&end=, ordered
// by ?order=asc|desc (default desc).
func (s *Server) handleMessagesByDate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	begin, end, ok := parseRange(w, r)
	if !ok {
		return
	}
	var ascending bool
	switch r.URL.Query().Get("order") {
	case "", "desc":
	case "asc":
		ascending = true
	default:
		writeError(w, http.StatusBadRequest, "invalid_order", "order must be 'asc' or 'desc'")
		return
	}

	msgs, err := s.query.GetMessagesByDate(r.Context(), id, begin, end, ascending)
	if err != nil {
		s.writeQueryError(w, r, "retrieve messages", err)
		return
	}
	writeJSON(w, http.StatusOK, MessagesResponse{ConversationID: id, Messages: nonNil(msgs)})
}

// handleExport streams a conversation oldest first as newline-delimited
// JSON.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flusher, _ := w.(http.Flusher)

	started := false
	enc := json.NewEncoder(w)
	err := s.query.ExportMessages(r.Context(), id, exportBatchSize, func(msgs []query.Message) error {
		if !started {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		for i := range msgs {
			if err := enc.Encode(&msgs[i]); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		if started {
			// Headers are gone; the client sees a truncated stream.
			s.logger.Warn("export aborted", "conversation", id, "error", err)
			return
		}
		s.writeQueryError(w, r, "export messages", err)
		return
	}
	if !started {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
	}
}

// handleCount returns a conversation's message count.
func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.query.GetMessageCount(r.Context(), id)
	if err != nil {
		s.writeQueryError(w, r, "count messages", err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{ConversationID: id, Count: n})
}

// handleConversationStats serves one aggregate of a conversation.
func (s *Server) handleConversationStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	var (
		result interface{}
		err    error
	)
	switch metric := chi.URLParam(r, "metric"); metric {
	case "types":
		result, err = s.query.TypeDistribution(ctx, id)
	case "span":
		result, err = s.query.TimeSpan(ctx, id)
	case "sent_received":
		result, err = s.query.SentReceived(ctx, id)
	case "dates":
		result, err = s.query.ActiveDates(ctx, id)
	case "date_counts":
		begin, end, ok := parseRange(w, r)
		if !ok {
			return
		}
		result, err = s.query.DateCounts(ctx, id, begin, end)
	case "years":
		result, err = s.query.ActiveYears(ctx, id)
	default:
		writeError(w, http.StatusNotFound, "unknown_metric", fmt.Sprintf("Unknown metric %q", metric))
		return
	}
	if err != nil {
		s.writeQueryError(w, r, "compute statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleGlobalTypes returns the type distribution of the whole store.
func (s *Server) handleGlobalTypes(w http.ResponseWriter, r *http.Request) {
	types, err := s.query.GlobalTypeDistribution(r.Context())
	if err != nil {
		s.writeQueryError(w, r, "compute statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, types)
}

// handleGlobalYears returns per-year counts over the whole store.
func (s *Server) handleGlobalYears(w http.ResponseWriter, r *http.Request) {
	years, err := s.query.ActiveYears(r.Context(), "")
	if err != nil {
		s.writeQueryError(w, r, "compute statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, years)
}

// parseRange reads ?begin= and ?end=. It writes a 400 and reports false on
// malformed input.
func parseRange(w http.ResponseWriter, r *http.Request) (begin, end time.Time, ok bool) {
	var err error
	if begin, err = parseTime(r.URL.Query().Get("begin")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_begin", err.Error())
		return begin, end, false
	}
	if end, err = parseTime(r.URL.Query().Get("end")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_end", err.Error())
		return begin, end, false
	}
	if !begin.IsZero() && !end.IsZero() && end.Before(begin) {
		writeError(w, http.StatusBadRequest, "invalid_range", "end is before begin")
		return begin, end, false
	}
	return begin, end, true
}

// parseTime accepts RFC 3339, a YYYY-MM-DD date (UTC midnight) or unix
// seconds. Empty input is the zero time.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("time %q must be RFC 3339, YYYY-MM-DD or unix seconds", v)
}

func nonNil(msgs []query.Message) []query.Message {
	if msgs == nil {
		return []query.Message{}
	}
	return msgs
}
