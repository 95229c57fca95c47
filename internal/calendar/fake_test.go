package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"
	api "google.golang.org/api/calendar/v3"
)

const testAccessToken = "access-1"

// fakeCalendar is an in-memory Google Calendar API for one user.
type fakeCalendar struct {
	mu       sync.Mutex
	events   map[string]*api.Event
	nextID   int
	zone     string
	pageSize int // 0: honour maxResults

	failStatus int
	failReason string

	lastListQuery url.Values
	calls         []string

	srv *httptest.Server
}

func newFakeCalendar(t *testing.T) *fakeCalendar {
	t.Helper()
	f := &fakeCalendar{events: map[string]*api.Event{}, zone: "UTC"}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /calendar/v3/users/me/settings/timezone", f.getTimeZone)
	mux.HandleFunc("GET /calendar/v3/calendars/{cal}/events", f.listEvents)
	mux.HandleFunc("POST /calendar/v3/calendars/{cal}/events", f.insertEvent)
	mux.HandleFunc("GET /calendar/v3/calendars/{cal}/events/{id}", f.getEvent)
	mux.HandleFunc("PUT /calendar/v3/calendars/{cal}/events/{id}", f.updateEvent)
	mux.HandleFunc("DELETE /calendar/v3/calendars/{cal}/events/{id}", f.deleteEvent)

	f.srv = httptest.NewServer(f.guard(mux))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCalendar) endpoint() string { return f.srv.URL + "/calendar/v3/" }

// guard checks the bearer token and injects configured failures.
func (f *fakeCalendar) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls = append(f.calls, r.Method+" "+r.URL.Path)
		status, reason := f.failStatus, f.failReason
		f.mu.Unlock()

		if r.Header.Get("Authorization") != "Bearer "+testAccessToken {
			writeAPIError(w, http.StatusUnauthorized, "authError")
			return
		}
		if status != 0 {
			writeAPIError(w, status, reason)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *fakeCalendar) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCalendar) called(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.ContainsFunc(f.calls, func(c string) bool { return len(c) >= len(prefix) && c[:len(prefix)] == prefix })
}

func writeAPIError(w http.ResponseWriter, code int, reason string) {
	if reason == "" {
		reason = "backendError"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": http.StatusText(code),
			"errors":  []map[string]string{{"reason": reason, "message": http.StatusText(code)}},
		},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func startOf(e *api.Event) time.Time {
	if e.Start == nil {
		return time.Time{}
	}
	if e.Start.DateTime != "" {
		t, _ := time.Parse(time.RFC3339, e.Start.DateTime)
		return t
	}
	t, _ := time.Parse(dateLayout, e.Start.Date)
	return t
}

func (f *fakeCalendar) getTimeZone(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, &api.Setting{Id: "timezone", Kind: "calendar#setting", Value: f.zone})
}

func (f *fakeCalendar) listEvents(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := r.URL.Query()
	f.lastListQuery = q

	var timeMin, timeMax time.Time
	if v := q.Get("timeMin"); v != "" {
		timeMin, _ = time.Parse(time.RFC3339, v)
	}
	if v := q.Get("timeMax"); v != "" {
		timeMax, _ = time.Parse(time.RFC3339, v)
	}

	var matched []*api.Event
	for _, e := range f.events {
		s := startOf(e)
		if !timeMin.IsZero() && s.Before(timeMin) {
			continue
		}
		if !timeMax.IsZero() && !s.Before(timeMax) {
			continue
		}
		matched = append(matched, e)
	}
	slices.SortFunc(matched, func(a, b *api.Event) int { return startOf(a).Compare(startOf(b)) })

	size, _ := strconv.Atoi(q.Get("maxResults"))
	if f.pageSize > 0 && (size == 0 || f.pageSize < size) {
		size = f.pageSize
	}
	if size == 0 {
		size = 250
	}
	offset, _ := strconv.Atoi(q.Get("pageToken"))

	page := &api.Events{Kind: "calendar#events", TimeZone: q.Get("timeZone"), Items: []*api.Event{}}
	end := min(offset+size, len(matched))
	if offset < len(matched) {
		page.Items = matched[offset:end]
	}
	if end < len(matched) {
		page.NextPageToken = strconv.Itoa(end)
	}
	writeJSON(w, page)
}

func (f *fakeCalendar) insertEvent(w http.ResponseWriter, r *http.Request) {
	var e api.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	e.Id = fmt.Sprintf("evt%d", f.nextID)
	e.HtmlLink = "https://calendar.google.com/event?eid=" + e.Id
	e.Status = "confirmed"
	f.events[e.Id] = &e
	writeJSON(w, &e)
}

func (f *fakeCalendar) getEvent(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[r.PathValue("id")]
	if !ok {
		writeAPIError(w, http.StatusNotFound, "notFound")
		return
	}
	writeJSON(w, e)
}

func (f *fakeCalendar) updateEvent(w http.ResponseWriter, r *http.Request) {
	var e api.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := f.events[id]; !ok {
		writeAPIError(w, http.StatusNotFound, "notFound")
		return
	}
	e.Id = id
	f.events[id] = &e
	writeJSON(w, &e)
}

func (f *fakeCalendar) deleteEvent(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := f.events[id]; !ok {
		writeAPIError(w, http.StatusGone, "deleted")
		return
	}
	delete(f.events, id)
	w.WriteHeader(http.StatusNoContent)
}

// seed stores an event directly, bypassing the API.
func (f *fakeCalendar) seed(e *api.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[e.Id] = e
}

func (f *fakeCalendar) stored(id string) *api.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[id]
}

// fakeCreds is a CredentialSource with a fixed answer.
type fakeCreds struct {
	mu          sync.Mutex
	tok         *oauth2.Token
	err         error
	invalidated int
}

func (c *fakeCreds) Current(ctx context.Context) (*oauth2.Token, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.tok, nil
}

func (c *fakeCreds) Invalidate(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated++
}

func validCreds() *fakeCreds {
	return &fakeCreds{tok: &oauth2.Token{AccessToken: testAccessToken, TokenType: "Bearer"}}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProxy(t *testing.T, f *fakeCalendar, creds *fakeCreds, maxEvents int) *Proxy {
	t.Helper()
	p, err := NewProxy(creds, Config{
		BaseClient:      f.srv.Client(),
		Endpoint:        f.endpoint(),
		Timeout:         5 * time.Second,
		DefaultTimeZone: "UTC",
		MaxEvents:       maxEvents,
	}, nil, testLogger())
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}
	return p
}

func ptr[T any](v T) *T { return &v }
