// Package httpapi serves the bridge's local status endpoints.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gurkepunktli/strehlgasse-temp/internal/journal"
	"github.com/gurkepunktli/strehlgasse-temp/internal/supervisor"
)

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 1000
)

type StatusProvider interface {
	Status() supervisor.Status
}

type JournalReader interface {
	Recent(ctx context.Context, limit int) ([]journal.Attempt, error)
	Count(ctx context.Context, outcome string) (int, error)
}

// Deps wires the handlers. Health, Journal and Metrics are optional.
type Deps struct {
	Status  StatusProvider
	Health  func() error
	Journal JournalReader
	Metrics http.Handler
	Logger  *slog.Logger
}

type api struct {
	deps Deps
}

func NewMux(deps Deps) *http.ServeMux {
	a := &api{deps: deps}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("GET /journal", a.handleJournal)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}
	return mux
}

func NewServer(addr string, deps Deps) *http.Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &http.Server{
		Addr:              addr,
		Handler:           requestLogger(logger, NewMux(deps)),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (a *api) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if a.deps.Health != nil {
		if err := a.deps.Health(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	if a.deps.Status == nil {
		writeError(w, http.StatusServiceUnavailable, "supervisor not running")
		return
	}
	writeJSON(w, http.StatusOK, a.deps.Status.Status())
}

func (a *api) handleJournal(w http.ResponseWriter, r *http.Request) {
	if a.deps.Journal == nil {
		writeError(w, http.StatusNotFound, "journal disabled (set JOURNAL_PATH)")
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, err := a.deps.Journal.Recent(r.Context(), limit)
	if err != nil {
		slog.Error("failed to read journal", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	if items == nil {
		items = []journal.Attempt{}
	}
	total, err := a.deps.Journal.Count(r.Context(), "")
	if err != nil {
		slog.Error("failed to count journal", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	delivered, err := a.deps.Journal.Count(r.Context(), "delivered")
	if err != nil {
		slog.Error("failed to count journal", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"limit":     limit,
		"total":     total,
		"delivered": delivered,
		"items":     items,
	})
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return defaultJournalLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New("invalid 'limit' (expected integer)")
	}
	if n <= 0 {
		return 0, errors.New("'limit' must be > 0")
	}
	if n > maxJournalLimit {
		return 0, errors.New("'limit' must be <= 1000")
	}
	return n, nil
}
