package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"homedash/internal/calsync"
	"homedash/internal/config"
	appLog "homedash/internal/log"
	"homedash/internal/model"
)

const (
	defaultEventsDays = 14
	maxEventsDays     = 365
	eventsCacheTTL    = 30 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Syncer is the calendar pipeline the API drives. *calsync.Syncer
// implements it.
type Syncer interface {
	Sync(ctx context.Context) (calsync.Result, error)
	Debug(ctx context.Context, opts calsync.DebugOptions) (calsync.DebugReport, error)
}

// EventLister reads cached rows. Every store backend implements it.
type EventLister interface {
	ListBetween(ctx context.Context, from, to time.Time) ([]model.CachedEvent, error)
}

// Server provides the HTTP API for triggering syncs, inspecting feeds and
// reading the calendar cache.
type Server struct {
	cfg    *config.Config
	syncer Syncer
	events EventLister
	mux    *http.ServeMux
	now    func() time.Time

	// In-memory cache for /api/calendar/events responses keyed by days.
	eventsMu    sync.RWMutex
	eventsCache map[int]cacheEntry
}

// cacheEntry holds a cached response until expiresAt.
type cacheEntry struct {
	value     eventsResponse
	expiresAt time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, syncer Syncer, events EventLister) *Server {
	s := &Server{
		cfg:         cfg,
		syncer:      syncer,
		events:      events,
		mux:         http.NewServeMux(),
		now:         time.Now,
		eventsCache: make(map[int]cacheEntry),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// ListenAndServe listens on cfg.Listen and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln until ctx ends, then shuts it down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	appLog.Info("starting HTTP server", "listen", "http://"+ln.Addr().String())
	go func() {
		serveErr <- httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err := httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

func (s *Server) basicAuthEnabled() bool {
	return s.cfg != nil && s.cfg.BasicAuth.Enabled()
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="homedash", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/calendar/sync", s.handleSync)
	s.mux.HandleFunc("/api/calendar/debug", s.handleDebug)
	s.mux.HandleFunc("/api/calendar/events", s.handleEvents)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleSync runs one sync and returns its result.
//
// POST /api/calendar/sync
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	res, err := s.syncer.Sync(r.Context())
	s.invalidateEvents()
	if err != nil {
		appLog.Error("api sync failed", err)
		writeError(w, http.StatusInternalServerError, "sync failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleDebug returns the feed diagnostics report.
//
// GET /api/calendar/debug?calendar=Family&events=true&expand=true&days=30
//   - calendar: restrict to one feed; unknown names are a 404
//   - events:   include every parsed VEVENT
//   - expand:   include occurrences for the next `days` days
//   - days:     custom window for expand (default 14)
func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	opts := calsync.DebugOptions{
		Calendar:      strings.TrimSpace(q.Get("calendar")),
		IncludeEvents: parseBool(q.Get("events")),
		Expand:        parseBool(q.Get("expand")),
		Days:          parseIntDefault(q.Get("days"), calsync.DefaultDebugDays),
	}

	report, err := s.syncer.Debug(r.Context(), opts)
	if errors.Is(err, calsync.ErrFeedNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("calendar %q not found", opts.Calendar))
		return
	}
	if err != nil {
		appLog.Error("api debug failed", err)
		writeError(w, http.StatusInternalServerError, "debug report failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// eventsResponse is the JSON response shape for /api/calendar/events.
type eventsResponse struct {
	Events          []model.CachedEvent `json:"events"`
	RangeStart      time.Time           `json:"rangeStart"`
	RangeEnd        time.Time           `json:"rangeEnd"`
	DisplayTimeZone string              `json:"displayTimezone"`
}

// handleEvents returns cached rows starting within the next `days` days.
//
// GET /api/calendar/events?days=14
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	days := parseIntDefault(r.URL.Query().Get("days"), defaultEventsDays)
	if days <= 0 {
		days = defaultEventsDays
	}
	if days > maxEventsDays {
		days = maxEventsDays
	}

	now := s.now()

	s.eventsMu.RLock()
	entry, ok := s.eventsCache[days]
	s.eventsMu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		writeJSON(w, http.StatusOK, entry.value)
		return
	}

	loc := s.cfg.Location()
	rangeStart := now.In(loc)
	rangeEnd := rangeStart.AddDate(0, 0, days)

	rows, err := s.events.ListBetween(r.Context(), rangeStart, rangeEnd)
	if err != nil {
		appLog.Error("api events: list failed", err, "days", days)
		writeError(w, http.StatusInternalServerError, "failed to read calendar cache")
		return
	}
	for i := range rows {
		localize(&rows[i], loc)
	}

	resp := eventsResponse{
		Events:          rows,
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
		DisplayTimeZone: loc.String(),
	}

	s.eventsMu.Lock()
	s.eventsCache[days] = cacheEntry{value: resp, expiresAt: now.Add(eventsCacheTTL)}
	s.eventsMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) invalidateEvents() {
	s.eventsMu.Lock()
	clear(s.eventsCache)
	s.eventsMu.Unlock()
}

// localize moves ev's times into the display zone.
func localize(ev *model.CachedEvent, loc *time.Location) {
	ev.StartTime = ev.StartTime.In(loc)
	if ev.EndTime != nil {
		end := ev.EndTime.In(loc)
		ev.EndTime = &end
	}
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// parseBool accepts strconv.ParseBool values plus "yes"; anything else is
// false.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "yes" {
		return true
	}
	b, _ := strconv.ParseBool(s)
	return b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
