package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/calendar-auth-proxy/internal/apperror"
	"github.com/sakif/calendar-auth-proxy/internal/calendar"
)

// maxBodyBytes caps event request bodies.
const maxBodyBytes = 64 << 10

// CalendarService is what the calendar routes need. *calendar.Proxy implements it.
type CalendarService interface {
	TimeZone(ctx context.Context) (string, error)
	List(ctx context.Context, opts calendar.ListOptions) ([]calendar.Event, error)
	Today(ctx context.Context, timeZone string) ([]calendar.Event, error)
	Create(ctx context.Context, in calendar.EventInput) (*calendar.Event, error)
	Update(ctx context.Context, id string, in calendar.EventInput) (*calendar.Event, error)
	Delete(ctx context.Context, id string) error
}

// CalendarHandler exposes the user's calendar as JSON.
//
// Every route sits behind RequireSession. The handler parses and renders;
// credentials, time zones and provider errors are the service's business.
type CalendarHandler struct {
	calendar CalendarService
	logger   *slog.Logger
}

// NewCalendarHandler creates a CalendarHandler.
func NewCalendarHandler(svc CalendarService, logger *slog.Logger) *CalendarHandler {
	return &CalendarHandler{calendar: svc, logger: logger}
}

// HandleList returns upcoming events.
//
// HTTP: GET /api/calendar/events?from=RFC3339&to=RFC3339&timeZone=Area/City
//
// Without "from" the window starts now; without "to" it is open-ended.
func (h *CalendarHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from, err := parseTimeParam(q.Get("from"), "from")
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := parseTimeParam(q.Get("to"), "to")
	if err != nil {
		writeError(w, err)
		return
	}

	events, err := h.calendar.List(r.Context(), calendar.ListOptions{
		From:     from,
		To:       to,
		TimeZone: q.Get("timeZone"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// HandleToday returns the events of the current day in the user's zone.
//
// HTTP: GET /api/calendar/events/today?timeZone=Area/City
func (h *CalendarHandler) HandleToday(w http.ResponseWriter, r *http.Request) {
	events, err := h.calendar.Today(r.Context(), r.URL.Query().Get("timeZone"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// HandleTimeZone returns the user's calendar time zone.
//
// HTTP: GET /api/calendar/timezone
func (h *CalendarHandler) HandleTimeZone(w http.ResponseWriter, r *http.Request) {
	tz, err := h.calendar.TimeZone(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"timeZone": tz})
}

// HandleCreate creates an event.
//
// HTTP: POST /api/calendar/events
// REQUEST BODY:
//
//	{"summary":"Standup","start":"2026-03-10T09:00","end":"2026-03-10T09:15","timeZone":"Europe/Berlin"}
func (h *CalendarHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	in, err := decodeEventInput(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	ev, err := h.calendar.Create(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// HandleUpdate changes the fields present in the body.
//
// HTTP: PUT or PATCH /api/calendar/events/{id}
//
// Both methods have patch semantics: omitted fields keep their value.
func (h *CalendarHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	in, err := decodeEventInput(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	ev, err := h.calendar.Update(r.Context(), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// HandleDelete removes an event.
//
// HTTP: DELETE /api/calendar/events/{id}
func (h *CalendarHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.calendar.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.logger.Debug("event delete requested", slog.String("id", id))
	w.WriteHeader(http.StatusNoContent)
}

// decodeEventInput reads a JSON EventInput, rejecting trailing data.
func decodeEventInput(w http.ResponseWriter, r *http.Request) (calendar.EventInput, error) {
	var in calendar.EventInput

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&in); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return in, apperror.ValidationFailed("", "request body too large")
		case errors.Is(err, io.EOF):
			return in, apperror.ValidationFailed("", "request body is required")
		default:
			return in, apperror.ValidationFailed("", "invalid JSON body")
		}
	}
	if dec.More() {
		return in, apperror.ValidationFailed("", "request body must be a single JSON object")
	}
	return in, nil
}

func parseTimeParam(value, name string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, apperror.ValidationFailed(name, "must be an RFC 3339 timestamp")
	}
	return &t, nil
}
