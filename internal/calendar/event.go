// Package calendar proxies a user's Google Calendar.
//
// The wire types and client come from google.golang.org/api/calendar/v3; this
// package owns the user-facing event shape, the time zone rules and the
// mapping of provider errors onto the apperror taxonomy.
package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"

	api "google.golang.org/api/calendar/v3"

	"github.com/sakif/calendar-auth-proxy/internal/apperror"

	// Embedded zoneinfo: zone names must resolve even on hosts without
	// /usr/share/zoneinfo (scratch and distroless images).
	_ "time/tzdata"
)

// DefaultSummary is used when an event is created or updated without a title.
const DefaultSummary = "No Title"

const dateLayout = "2006-01-02"

// naiveLayouts are local timestamps without an offset, interpreted in the
// field's time zone.
var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// EventTime is one end of an event.
//
// DateTime is expressed in TimeZone. For all-day events only the date part
// of DateTime is meaningful.
type EventTime struct {
	DateTime time.Time `json:"dateTime"`
	TimeZone string    `json:"timeZone,omitempty"`
	AllDay   bool      `json:"allDay,omitempty"`
}

// Event is a calendar entry as the API returns it to clients.
type Event struct {
	ID          string    `json:"id"`
	Summary     string    `json:"summary"`
	Location    string    `json:"location,omitempty"`
	Description string    `json:"description,omitempty"`
	Start       EventTime `json:"start"`
	End         EventTime `json:"end"`
	HTMLLink    string    `json:"htmlLink,omitempty"`
}

// EventInput is the request body for creating or patching an event.
//
// Every field is optional; nil means "not provided". On create, Start and End
// are required. On update, only the provided fields change.
//
// Zone precedence for each end: StartTimeZone/EndTimeZone, then TimeZone,
// then the existing event's zone (update only), then the user's default.
type EventInput struct {
	Summary       *string `json:"summary,omitempty"`
	Location      *string `json:"location,omitempty"`
	Description   *string `json:"description,omitempty"`
	Start         *string `json:"start,omitempty"`
	End           *string `json:"end,omitempty"`
	TimeZone      *string `json:"timeZone,omitempty"`
	StartTimeZone *string `json:"startTimeZone,omitempty"`
	EndTimeZone   *string `json:"endTimeZone,omitempty"`
}

// zoneSource returns the user's default zone. It is called at most once, and
// only when no field-level zone applies.
type zoneSource func() (string, error)

// apply merges in onto base and validates the result. base is nil on create.
func (in EventInput) apply(base *Event, userZone zoneSource) (*Event, error) {
	ev := Event{}
	if base != nil {
		ev = *base
	}

	if in.Summary != nil {
		ev.Summary = strings.TrimSpace(*in.Summary)
	}
	// An untitled event stays untitled unless this request touches the title.
	if ev.Summary == "" && (base == nil || in.Summary != nil) {
		ev.Summary = DefaultSummary
	}
	if in.Location != nil {
		ev.Location = strings.TrimSpace(*in.Location)
	}
	if in.Description != nil {
		ev.Description = *in.Description
	}

	var baseStart, baseEnd *EventTime
	if base != nil {
		baseStart, baseEnd = &base.Start, &base.End
	}

	start, err := in.resolveEnd("start", in.Start, in.StartTimeZone, "startTimeZone", baseStart, userZone)
	if err != nil {
		return nil, err
	}
	end, err := in.resolveEnd("end", in.End, in.EndTimeZone, "endTimeZone", baseEnd, userZone)
	if err != nil {
		return nil, err
	}
	ev.Start, ev.End = start, end

	if err := ev.validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// resolveEnd computes one end (start or end) of the merged event.
func (in EventInput) resolveEnd(
	field string,
	value *string,
	fieldZone *string,
	fieldZoneName string,
	existing *EventTime,
	userZone zoneSource,
) (EventTime, error) {
	// Missing values are the caller's mistake; report them before any zone
	// lookup can reach the provider.
	if value == nil && existing == nil {
		return EventTime{}, apperror.InvalidEvent(field, "is required")
	}
	if value != nil && strings.TrimSpace(*value) == "" {
		return EventTime{}, apperror.InvalidEvent(field, "is required")
	}

	zone, zoneField, explicit := "", "", false
	switch {
	case fieldZone != nil && strings.TrimSpace(*fieldZone) != "":
		zone, zoneField, explicit = strings.TrimSpace(*fieldZone), fieldZoneName, true
	case in.TimeZone != nil && strings.TrimSpace(*in.TimeZone) != "":
		zone, zoneField, explicit = strings.TrimSpace(*in.TimeZone), "timeZone", true
	case existing != nil && existing.TimeZone != "":
		zone, zoneField = existing.TimeZone, field
	default:
		z, err := userZone()
		if err != nil {
			return EventTime{}, err
		}
		zone, zoneField = z, "timeZone"
	}

	loc, err := LoadZone(zone)
	if err != nil {
		return EventTime{}, apperror.InvalidEvent(zoneField, fmt.Sprintf("unknown time zone %q", zone))
	}

	if value != nil {
		return parseEventTime(field, *value, zone, loc)
	}

	// Unchanged instant; a newly given zone only changes how it is expressed.
	et := *existing
	if explicit || et.TimeZone == "" {
		et.TimeZone = zone
		if !et.AllDay {
			et.DateTime = et.DateTime.In(loc)
		}
	}
	return et, nil
}

// validate checks the Start <= End invariant.
func (ev *Event) validate() error {
	if ev.Start.AllDay != ev.End.AllDay {
		return apperror.InvalidEvent("end", "start and end must both be dates or both be date-times")
	}
	if ev.End.DateTime.Before(ev.Start.DateTime) {
		return apperror.InvalidEvent("end", "must not be before start")
	}
	return nil
}

// parseEventTime accepts RFC 3339 (with offset), a naive local timestamp, or
// a bare date (all-day).
func parseEventTime(field, value, zone string, loc *time.Location) (EventTime, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return EventTime{}, apperror.InvalidEvent(field, "is required")
	}

	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return EventTime{DateTime: t.In(loc), TimeZone: zone}, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return EventTime{DateTime: t, TimeZone: zone}, nil
		}
	}
	if t, err := time.ParseInLocation(dateLayout, value, loc); err == nil {
		return EventTime{DateTime: t, TimeZone: zone, AllDay: true}, nil
	}
	return EventTime{}, apperror.InvalidEvent(field,
		fmt.Sprintf("invalid timestamp %q: use RFC 3339, YYYY-MM-DDTHH:MM[:SS] or YYYY-MM-DD", value))
}

// LoadZone resolves an IANA zone name. Empty and "Local" are rejected: the
// server's own zone is never a meaningful default for a user.
func LoadZone(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return nil, fmt.Errorf("calendar: invalid time zone %q", name)
	}
	return time.LoadLocation(name)
}

// ---------------------------------------------------------------------------
// Conversion to and from the Calendar API
// ---------------------------------------------------------------------------

// fromAPI converts a provider event. fallbackZone is used for ends that carry
// no zone of their own; "" keeps the offset the provider sent.
func fromAPI(e *api.Event, fallbackZone string) (*Event, error) {
	start, err := fromAPITime(e.Start, fallbackZone)
	if err != nil {
		return nil, fmt.Errorf("calendar: event %s start: %w", e.Id, err)
	}
	end, err := fromAPITime(e.End, fallbackZone)
	if err != nil {
		return nil, fmt.Errorf("calendar: event %s end: %w", e.Id, err)
	}
	return &Event{
		ID:          e.Id,
		Summary:     e.Summary,
		Location:    e.Location,
		Description: e.Description,
		Start:       start,
		End:         end,
		HTMLLink:    e.HtmlLink,
	}, nil
}

func fromAPITime(dt *api.EventDateTime, fallbackZone string) (EventTime, error) {
	if dt == nil {
		return EventTime{}, errors.New("missing")
	}

	zone := dt.TimeZone
	if zone == "" {
		zone = fallbackZone
	}
	var loc *time.Location
	if zone != "" {
		l, err := LoadZone(zone)
		if err != nil {
			// Keep the provider's offset rather than failing the whole list.
			zone = ""
		} else {
			loc = l
		}
	}

	switch {
	case dt.DateTime != "":
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return EventTime{}, err
		}
		if loc != nil {
			t = t.In(loc)
		}
		return EventTime{DateTime: t, TimeZone: zone}, nil
	case dt.Date != "":
		if loc == nil {
			loc = time.UTC
		}
		t, err := time.ParseInLocation(dateLayout, dt.Date, loc)
		if err != nil {
			return EventTime{}, err
		}
		return EventTime{DateTime: t, TimeZone: zone, AllDay: true}, nil
	default:
		return EventTime{}, errors.New("neither date nor dateTime set")
	}
}

// toAPI writes ev's user-editable fields onto target, keeping everything else
// (attendees, recurrence, reminders) the provider returned.
func toAPI(ev *Event, target *api.Event) *api.Event {
	if target == nil {
		target = &api.Event{}
	}
	target.Summary = ev.Summary
	target.Location = ev.Location
	target.Description = ev.Description
	target.Start = toAPITime(ev.Start)
	target.End = toAPITime(ev.End)
	return target
}

func toAPITime(t EventTime) *api.EventDateTime {
	if t.AllDay {
		return &api.EventDateTime{Date: t.DateTime.Format(dateLayout), TimeZone: t.TimeZone}
	}
	return &api.EventDateTime{DateTime: t.DateTime.Format(time.RFC3339), TimeZone: t.TimeZone}
}
