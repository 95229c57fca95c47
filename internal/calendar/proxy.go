package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"
	api "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/sakif/calendar-auth-proxy/internal/apperror"
	"github.com/sakif/calendar-auth-proxy/internal/metrics"
)

// CredentialSource hands out the caller's current provider token.
// *auth.CredentialStore implements it.
type CredentialSource interface {
	Current(ctx context.Context) (*oauth2.Token, error)
	// Invalidate is called when the provider rejects a token as unauthorized.
	Invalidate(ctx context.Context)
}

// Config tunes a Proxy.
type Config struct {
	// BaseClient carries outbound requests; the bearer token is layered on top.
	BaseClient *http.Client
	// Endpoint overrides the Calendar API base URL (tests).
	Endpoint        string
	CalendarID      string
	Timeout         time.Duration
	DefaultTimeZone string
	MaxEvents       int
}

// ListOptions selects events. Nil bounds mean "from now" and "no end".
type ListOptions struct {
	From     *time.Time
	To       *time.Time
	TimeZone string
}

// pageSizeLimit is the largest maxResults the provider accepts.
const pageSizeLimit = 250

var errStopPaging = errors.New("calendar: enough events")

// Proxy performs calendar operations on behalf of the session's user.
//
// EVERY CALL:
//  1. CredentialSource.Current (which may refresh) → auth errors pass through unchanged
//  2. a Calendar API client built around that token, with no refresh of its own
//  3. the provider call, bounded by Timeout
//  4. provider errors mapped onto apperror
type Proxy struct {
	creds       CredentialSource
	baseClient  *http.Client
	endpoint    string
	calendarID  string
	timeout     time.Duration
	defaultZone string
	maxEvents   int
	now         func() time.Time
	metrics     metrics.Recorder
	logger      *slog.Logger
}

// NewProxy creates a Proxy.
func NewProxy(creds CredentialSource, cfg Config, rec metrics.Recorder, logger *slog.Logger) (*Proxy, error) {
	if creds == nil {
		return nil, errors.New("calendar: credential source is required")
	}
	if cfg.DefaultTimeZone == "" {
		cfg.DefaultTimeZone = "UTC"
	}
	if _, err := LoadZone(cfg.DefaultTimeZone); err != nil {
		return nil, fmt.Errorf("calendar: default time zone: %w", err)
	}
	if cfg.BaseClient == nil {
		cfg.BaseClient = http.DefaultClient
	}
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 50
	}
	if rec == nil {
		rec = metrics.Nop{}
	}

	return &Proxy{
		creds:       creds,
		baseClient:  cfg.BaseClient,
		endpoint:    cfg.Endpoint,
		calendarID:  cfg.CalendarID,
		timeout:     cfg.Timeout,
		defaultZone: cfg.DefaultTimeZone,
		maxEvents:   cfg.MaxEvents,
		now:         time.Now,
		metrics:     rec,
		logger:      logger,
	}, nil
}

// service builds a Calendar client for this request's credential.
//
// The token source is static: refreshing is CredentialStore's job, and a
// second refresher here would write tokens the session never sees.
func (p *Proxy) service(ctx context.Context) (*api.Service, error) {
	tok, err := p.creds.Current(ctx)
	if err != nil {
		return nil, err
	}

	base := context.WithValue(ctx, oauth2.HTTPClient, p.baseClient)
	opts := []option.ClientOption{
		option.WithHTTPClient(oauth2.NewClient(base, oauth2.StaticTokenSource(tok))),
	}
	if p.endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.endpoint))
	}

	svc, err := api.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("calendar: creating client: %w", err)
	}
	return svc, nil
}

// call runs one provider request under the per-call timeout, records it, and
// maps its error. resourceID names the event for NotFound messages.
func (p *Proxy) call(ctx context.Context, op, resourceID string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)

	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailure
	}
	p.metrics.RecordProviderCall(op, outcome, time.Since(start))

	if err == nil {
		return nil
	}
	return p.mapError(ctx, op, resourceID, err)
}

// mapError translates a provider failure.
//
//	404, 410              → ErrNotFound
//	400                   → ErrValidation
//	401                   → ErrNotAuthenticated (session cleared)
//	403                   → ErrForbidden, unless it is a rate limit
//	429, 5xx, transport   → ErrUpstreamUnavailable
func (p *Proxy) mapError(ctx context.Context, op, resourceID string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusNotFound, http.StatusGone:
			return apperror.NotFound("event", resourceID)
		case http.StatusBadRequest:
			msg := gerr.Message
			if msg == "" {
				msg = "rejected by calendar provider"
			}
			return apperror.ValidationFailed("", msg)
		case http.StatusUnauthorized:
			p.creds.Invalidate(ctx)
			return apperror.NotAuthenticated()
		case http.StatusForbidden:
			if !isRateLimit(gerr) {
				return apperror.Forbidden("calendar access denied")
			}
		}
	}

	p.logger.Warn("calendar provider call failed",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	return apperror.UpstreamUnavailable(op, err)
}

// isRateLimit recognizes Google's 403 quota errors, which are transient.
func isRateLimit(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if strings.Contains(item.Reason, "RateLimitExceeded") || strings.Contains(item.Reason, "rateLimitExceeded") {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Time zone
// ---------------------------------------------------------------------------

// TimeZone returns the user's calendar time zone, or the configured default
// when the provider reports none (or one this server cannot load).
func (p *Proxy) TimeZone(ctx context.Context) (string, error) {
	svc, err := p.service(ctx)
	if err != nil {
		return "", err
	}
	return p.userZone(ctx, svc)
}

func (p *Proxy) userZone(ctx context.Context, svc *api.Service) (string, error) {
	var setting *api.Setting
	err := p.call(ctx, "settings.get", "timezone", func(ctx context.Context) error {
		var err error
		setting, err = svc.Settings.Get("timezone").Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	if setting == nil || setting.Value == "" {
		return p.defaultZone, nil
	}
	if _, err := LoadZone(setting.Value); err != nil {
		p.logger.Warn("provider reported an unknown time zone, using default",
			slog.String("zone", setting.Value),
		)
		return p.defaultZone, nil
	}
	return setting.Value, nil
}

// resolveZone validates an explicit zone or falls back to the user's.
func (p *Proxy) resolveZone(ctx context.Context, svc *api.Service, requested string) (string, *time.Location, error) {
	zone := strings.TrimSpace(requested)
	if zone == "" {
		var err error
		if zone, err = p.userZone(ctx, svc); err != nil {
			return "", nil, err
		}
	}
	loc, err := LoadZone(zone)
	if err != nil {
		return "", nil, apperror.ValidationFailed("timeZone", fmt.Sprintf("unknown time zone %q", zone))
	}
	return zone, loc, nil
}

// lazyZone memoizes the user's zone for the duration of one operation.
func (p *Proxy) lazyZone(ctx context.Context, svc *api.Service) zoneSource {
	var (
		zone    string
		err     error
		fetched bool
	)
	return func() (string, error) {
		if !fetched {
			zone, err = p.userZone(ctx, svc)
			fetched = true
		}
		return zone, err
	}
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// List returns up to MaxEvents events in [From, To), ordered by start time.
// The result is never nil.
func (p *Proxy) List(ctx context.Context, opts ListOptions) ([]Event, error) {
	svc, err := p.service(ctx)
	if err != nil {
		return nil, err
	}
	zone, _, err := p.resolveZone(ctx, svc, opts.TimeZone)
	if err != nil {
		return nil, err
	}

	from := p.now()
	if opts.From != nil {
		from = *opts.From
	}
	if opts.To != nil && opts.To.Before(from) {
		return nil, apperror.ValidationFailed("to", "must not be before from")
	}
	return p.list(ctx, svc, zone, from, opts.To)
}

// Today returns the events of the current calendar day in the given zone
// (the user's zone when empty): local midnight up to the next local midnight.
func (p *Proxy) Today(ctx context.Context, timeZone string) ([]Event, error) {
	svc, err := p.service(ctx)
	if err != nil {
		return nil, err
	}
	zone, loc, err := p.resolveZone(ctx, svc, timeZone)
	if err != nil {
		return nil, err
	}

	now := p.now().In(loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	return p.list(ctx, svc, zone, start, &end)
}

func (p *Proxy) list(ctx context.Context, svc *api.Service, zone string, from time.Time, to *time.Time) ([]Event, error) {
	req := svc.Events.List(p.calendarID).
		SingleEvents(true).
		OrderBy("startTime").
		TimeZone(zone).
		TimeMin(from.Format(time.RFC3339)).
		MaxResults(int64(min(p.maxEvents, pageSizeLimit)))
	if to != nil {
		req = req.TimeMax(to.Format(time.RFC3339))
	}

	events := make([]Event, 0)
	err := p.call(ctx, "events.list", "", func(ctx context.Context) error {
		err := req.Pages(ctx, func(page *api.Events) error {
			for _, item := range page.Items {
				if len(events) >= p.maxEvents {
					return errStopPaging
				}
				if item.Status == "cancelled" {
					continue
				}
				ev, err := fromAPI(item, zone)
				if err != nil {
					p.logger.Warn("skipping malformed event", slog.String("error", err.Error()))
					continue
				}
				events = append(events, *ev)
			}
			if len(events) >= p.maxEvents {
				return errStopPaging
			}
			return nil
		})
		if errors.Is(err, errStopPaging) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(events, func(a, b Event) int {
		return a.Start.DateTime.Compare(b.Start.DateTime)
	})
	return events, nil
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

// Create validates in and inserts it. Start and End are required.
func (p *Proxy) Create(ctx context.Context, in EventInput) (*Event, error) {
	svc, err := p.service(ctx)
	if err != nil {
		return nil, err
	}
	zones := p.lazyZone(ctx, svc)

	ev, err := in.apply(nil, zones)
	if err != nil {
		return nil, err
	}

	var created *api.Event
	err = p.call(ctx, "events.insert", "", func(ctx context.Context) error {
		var err error
		created, err = svc.Events.Insert(p.calendarID, toAPI(ev, nil)).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	out, err := fromAPI(created, ev.Start.TimeZone)
	if err != nil {
		return nil, apperror.UpstreamUnavailable("events.insert", err)
	}
	p.logger.Info("event created", slog.String("eventID", out.ID))
	return out, nil
}

// Update applies the fields present in in to event id.
//
// The current event is fetched first so that fields this API does not
// expose (attendees, recurrence, reminders) survive the write.
func (p *Proxy) Update(ctx context.Context, id string, in EventInput) (*Event, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "is required")
	}
	svc, err := p.service(ctx)
	if err != nil {
		return nil, err
	}

	var existing *api.Event
	err = p.call(ctx, "events.get", id, func(ctx context.Context) error {
		var err error
		existing, err = svc.Events.Get(p.calendarID, id).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	if existing.Status == "cancelled" {
		return nil, apperror.NotFound("event", id)
	}

	base, err := fromAPI(existing, "")
	if err != nil {
		return nil, apperror.UpstreamUnavailable("events.get", err)
	}
	ev, err := in.apply(base, p.lazyZone(ctx, svc))
	if err != nil {
		return nil, err
	}

	var updated *api.Event
	err = p.call(ctx, "events.update", id, func(ctx context.Context) error {
		var err error
		updated, err = svc.Events.Update(p.calendarID, id, toAPI(ev, existing)).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	out, err := fromAPI(updated, ev.Start.TimeZone)
	if err != nil {
		return nil, apperror.UpstreamUnavailable("events.update", err)
	}
	p.logger.Info("event updated", slog.String("eventID", id))
	return out, nil
}

// Delete removes event id. An event that is already gone is ErrNotFound.
func (p *Proxy) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return apperror.ValidationFailed("id", "is required")
	}
	svc, err := p.service(ctx)
	if err != nil {
		return err
	}

	err = p.call(ctx, "events.delete", id, func(ctx context.Context) error {
		return svc.Events.Delete(p.calendarID, id).Context(ctx).Do()
	})
	if err != nil {
		return err
	}
	p.logger.Info("event deleted", slog.String("eventID", id))
	return nil
}
