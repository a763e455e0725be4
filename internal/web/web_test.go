package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"homedash/internal/calsync"
	"homedash/internal/config"
	"homedash/internal/model"
)

type fakeSyncer struct {
	syncCalls int
	syncErr   error
	lastDebug calsync.DebugOptions
}

func (f *fakeSyncer) Sync(context.Context) (calsync.Result, error) {
	f.syncCalls++
	if f.syncErr != nil {
		return calsync.Result{}, f.syncErr
	}
	return calsync.Result{
		Total:  2,
		Synced: 3,
		Errors: 1,
		Calendars: []calsync.FeedResult{
			{Name: "Family", Synced: 3},
			{Name: "Broken", Errors: 1},
		},
	}, nil
}

func (f *fakeSyncer) Debug(_ context.Context, opts calsync.DebugOptions) (calsync.DebugReport, error) {
	f.lastDebug = opts
	if opts.Calendar == "Nope" {
		return calsync.DebugReport{}, fmt.Errorf("%w: %q", calsync.ErrFeedNotFound, opts.Calendar)
	}
	return calsync.DebugReport{Query: opts}, nil
}

type fakeLister struct {
	calls int
	from  time.Time
	to    time.Time
	rows  []model.CachedEvent
	err   error
}

func (f *fakeLister) ListBetween(_ context.Context, from, to time.Time) ([]model.CachedEvent, error) {
	f.calls++
	f.from, f.to = from, to
	if f.err != nil {
		return nil, f.err
	}
	return append([]model.CachedEvent(nil), f.rows...), nil
}

func newTestServer(cfg *config.Config) (*Server, *fakeSyncer, *fakeLister) {
	if cfg == nil {
		cfg = config.DefaultConfig()
		cfg.Timezone = "UTC"
	}
	syncer := &fakeSyncer{}
	lister := &fakeLister{rows: []model.CachedEvent{{
		EventID:      "dentist-1",
		Title:        "Dentist",
		StartTime:    time.Date(2026, 10, 21, 14, 0, 0, 0, time.UTC),
		CalendarName: "Family",
	}}}
	s := NewServer(cfg, syncer, lister)
	s.now = func() time.Time { return time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC) }
	return s, syncer, lister
}

func serve(s *Server, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(nil)
	rec := serve(s, http.MethodGet, "/health")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestSyncEndpoint(t *testing.T) {
	s, syncer, _ := newTestServer(nil)

	rec := serve(s, http.MethodPost, "/api/calendar/sync")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var res calsync.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Total != 2 || res.Synced != 3 || res.Errors != 1 || len(res.Calendars) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if syncer.syncCalls != 1 {
		t.Fatalf("sync calls = %d", syncer.syncCalls)
	}
}

func TestSyncEndpointRejectsGet(t *testing.T) {
	s, syncer, _ := newTestServer(nil)
	rec := serve(s, http.MethodGet, "/api/calendar/sync")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
	if syncer.syncCalls != 0 {
		t.Fatal("sync must not run on GET")
	}
}

func TestSyncEndpointError(t *testing.T) {
	s, syncer, _ := newTestServer(nil)
	syncer.syncErr = errors.New("config unreadable")

	rec := serve(s, http.MethodPost, "/api/calendar/sync")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDebugEndpointParsesQuery(t *testing.T) {
	s, syncer, _ := newTestServer(nil)

	rec := serve(s, http.MethodGet, "/api/calendar/debug?calendar=Family&events=true&expand=1&days=30")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	want := calsync.DebugOptions{Calendar: "Family", IncludeEvents: true, Expand: true, Days: 30}
	if syncer.lastDebug != want {
		t.Fatalf("options = %+v, want %+v", syncer.lastDebug, want)
	}
}

func TestDebugEndpointDefaults(t *testing.T) {
	s, syncer, _ := newTestServer(nil)

	if rec := serve(s, http.MethodGet, "/api/calendar/debug?days=soon"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	want := calsync.DebugOptions{Days: calsync.DefaultDebugDays}
	if syncer.lastDebug != want {
		t.Fatalf("options = %+v, want %+v", syncer.lastDebug, want)
	}
}

func TestDebugEndpointUnknownCalendar(t *testing.T) {
	s, _, _ := newTestServer(nil)

	rec := serve(s, http.MethodGet, "/api/calendar/debug?calendar=Nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(body["error"], "Nope") {
		t.Fatalf("error = %q", body["error"])
	}
}

func TestEventsEndpointCachesUntilSync(t *testing.T) {
	s, _, lister := newTestServer(nil)

	rec := serve(s, http.MethodGet, "/api/calendar/events")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp eventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Events) != 1 || resp.Events[0].EventID != "dentist-1" {
		t.Fatalf("events = %+v", resp.Events)
	}
	if got := lister.to.Sub(lister.from); got != 14*24*time.Hour {
		t.Fatalf("range = %v, want 14 days", got)
	}

	serve(s, http.MethodGet, "/api/calendar/events")
	if lister.calls != 1 {
		t.Fatalf("list calls = %d, want 1 (cached)", lister.calls)
	}

	serve(s, http.MethodPost, "/api/calendar/sync")
	serve(s, http.MethodGet, "/api/calendar/events")
	if lister.calls != 2 {
		t.Fatalf("list calls = %d, want 2 after sync", lister.calls)
	}
}

func TestEventsEndpointCacheExpires(t *testing.T) {
	s, _, lister := newTestServer(nil)
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	serve(s, http.MethodGet, "/api/calendar/events?days=7")
	now = now.Add(eventsCacheTTL + time.Second)
	serve(s, http.MethodGet, "/api/calendar/events?days=7")
	if lister.calls != 2 {
		t.Fatalf("list calls = %d, want 2", lister.calls)
	}
}

func TestEventsEndpointStoreError(t *testing.T) {
	s, _, lister := newTestServer(nil)
	lister.err = errors.New("db gone")

	rec := serve(s, http.MethodGet, "/api/calendar/events")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.BasicAuth = config.BasicAuthConfig{Username: "admin", Password: "secret"}
	s, _, _ := newTestServer(cfg)

	if rec := serve(s, http.MethodGet, "/health"); rec.Code != http.StatusOK {
		t.Fatalf("health must stay open, got %d", rec.Code)
	}
	if rec := serve(s, http.MethodGet, "/api/calendar/events"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without credentials = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/calendar/events", nil)
	req.SetBasicAuth("admin", "wrong")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with wrong password = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/calendar/events", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with credentials = %d", rec.Code)
	}
}

func TestParseBool(t *testing.T) {
	cases := map[string]bool{
		"true":  true,
		"1":     true,
		"YES":   true,
		"false": false,
		"":      false,
		"maybe": false,
	}
	for in, want := range cases {
		if got := parseBool(in); got != want {
			t.Errorf("parseBool(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	s, _, _ := newTestServer(nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	healthURL := "http://" + ln.Addr().String() + "/health"
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(healthURL)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server not ready: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestListenAndServeRejectsBadAddress(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.Listen = "not-an-address"
	s, _, _ := newTestServer(cfg)

	if err := s.ListenAndServe(context.Background()); err == nil {
		t.Fatal("expected listen error")
	}
}
