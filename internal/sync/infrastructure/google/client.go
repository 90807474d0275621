// Package google adapts the Google Calendar v3 JSON API to the sync
// engine's event model. All calls funnel through a single retry helper that
// honors Retry-After on 429, backs off exponentially on 5xx and surfaces
// invalid_grant as an auth failure.
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/felixgeelhaar/davsync/internal/sync/domain"
)

const defaultBaseURL = "https://www.googleapis.com/calendar/v3"

// CredentialSource is what the client needs from the token provider.
type CredentialSource interface {
	AccessToken(ctx context.Context) (string, time.Time, error)
	Invalidate()
}

// Config tunes the API client.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	MaxRetries     int
	RateLimitDelay time.Duration
	MaxResults     int
}

// DefaultConfig matches the documented defaults: 30 s requests, three
// retries, 100 ms between successful calls, pages of 2500 events.
func DefaultConfig() Config {
	return Config{
		BaseURL:        defaultBaseURL,
		RequestTimeout: 30 * time.Second,
		MaxRetries:     3,
		RateLimitDelay: 100 * time.Millisecond,
		MaxResults:     2500,
	}
}

// Client talks to the Google Calendar API.
type Client struct {
	httpClient  *http.Client
	credentials CredentialSource
	config      Config
	logger      *slog.Logger
	sleep       func(time.Duration)
}

func NewClient(credentials CredentialSource, config Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.MaxResults == 0 {
		config.MaxResults = 2500
	}
	return &Client{
		httpClient:  &http.Client{Timeout: config.RequestTimeout},
		credentials: credentials,
		config:      config,
		logger:      logger,
		sleep:       time.Sleep,
	}
}

// ListCalendars returns every calendar on the user's calendar list.
func (c *Client) ListCalendars(ctx context.Context) ([]domain.CalendarInfo, error) {
	var infos []domain.CalendarInfo
	pageToken := ""
	for {
		query := url.Values{}
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}
		var page calendarListPage
		if err := c.do(ctx, http.MethodGet, "/users/me/calendarList", query, nil, &page); err != nil {
			return nil, err
		}
		for _, entry := range page.Items {
			infos = append(infos, domain.CalendarInfo{
				ID:       entry.ID,
				Name:     entry.Summary,
				Color:    entry.BackgroundColor,
				Timezone: entry.TimeZone,
				Primary:  entry.Primary,
			})
		}
		if page.NextPageToken == "" {
			return infos, nil
		}
		pageToken = page.NextPageToken
	}
}

// GetCalendar fetches one calendar's metadata.
func (c *Client) GetCalendar(ctx context.Context, calendarID string) (*domain.CalendarInfo, error) {
	var entry calendarResource
	if err := c.do(ctx, http.MethodGet, "/calendars/"+url.PathEscape(calendarID), nil, nil, &entry); err != nil {
		return nil, err
	}
	return &domain.CalendarInfo{
		ID:       entry.ID,
		Name:     entry.Summary,
		Timezone: entry.TimeZone,
	}, nil
}

// GetEvents fetches the window with expanded instances, exhausting
// pagination before returning.
func (c *Client) GetEvents(ctx context.Context, calendarID string, start, end time.Time) ([]domain.Event, error) {
	var events []domain.Event
	pageToken := ""
	for {
		query := url.Values{}
		query.Set("singleEvents", "true")
		query.Set("orderBy", "startTime")
		query.Set("timeMin", start.UTC().Format(time.RFC3339))
		query.Set("timeMax", end.UTC().Format(time.RFC3339))
		query.Set("maxResults", strconv.Itoa(c.config.MaxResults))
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}

		var page eventsPage
		if err := c.do(ctx, http.MethodGet, "/calendars/"+url.PathEscape(calendarID)+"/events", query, nil, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			if item.Status == "cancelled" {
				continue
			}
			event, err := item.toDomain()
			if err != nil {
				c.logger.Warn("skipping unparseable google event", "id", item.ID, "error", err)
				continue
			}
			events = append(events, event)
		}
		if page.NextPageToken == "" {
			return events, nil
		}
		pageToken = page.NextPageToken
	}
}

// CreateEvent inserts the event and returns the id Google assigned.
func (c *Client) CreateEvent(ctx context.Context, calendarID string, event domain.Event) (string, error) {
	var created googleEvent
	if err := c.do(ctx, http.MethodPost, "/calendars/"+url.PathEscape(calendarID)+"/events", nil, fromDomain(event), &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// UpdateEvent overwrites the event addressed by its Google id.
func (c *Client) UpdateEvent(ctx context.Context, calendarID string, event domain.Event) error {
	if event.GoogleID == "" {
		return &domain.ProtocolError{Op: "update event", Err: fmt.Errorf("event %s has no google id", event.UID)}
	}
	path := "/calendars/" + url.PathEscape(calendarID) + "/events/" + url.PathEscape(event.GoogleID)
	return c.do(ctx, http.MethodPut, path, nil, fromDomain(event), nil)
}

// DeleteEvent removes the event. 404 and 410 answers count as success so
// deletes are idempotent.
func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	path := "/calendars/" + url.PathEscape(calendarID) + "/events/" + url.PathEscape(eventID)
	err := c.do(ctx, http.MethodDelete, path, nil, nil, nil)
	var notFound *domain.NotFoundError
	if err != nil && !errors.As(err, &notFound) {
		return err
	}
	return nil
}

// FindEventsByUID looks events up by their iCalendar UID.
func (c *Client) FindEventsByUID(ctx context.Context, calendarID, icalUID string) ([]domain.Event, error) {
	query := url.Values{}
	query.Set("iCalUID", icalUID)

	var page eventsPage
	if err := c.do(ctx, http.MethodGet, "/calendars/"+url.PathEscape(calendarID)+"/events", query, nil, &page); err != nil {
		return nil, err
	}
	events := make([]domain.Event, 0, len(page.Items))
	for _, item := range page.Items {
		event, err := item.toDomain()
		if err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// do executes one API call with the retry policy. On success the response
// body is decoded into out (when non-nil) and the inter-call rate-limit
// delay is applied.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	op := method + " " + path

	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return &domain.ProtocolError{Op: op, Err: err}
		}
	}

	for attempt := 0; ; attempt++ {
		token, _, err := c.credentials.AccessToken(ctx)
		if err != nil {
			return err
		}

		target := c.config.BaseURL + path
		if len(query) > 0 {
			target += "?" + query.Encode()
		}

		var reader io.Reader
		if encoded != nil {
			reader = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return &domain.ProtocolError{Op: op, Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.config.MaxRetries {
				c.backoff(attempt)
				continue
			}
			return &domain.ConnectionError{Op: op, Err: err}
		}

		retry, finalErr := c.handleResponse(op, resp, out, attempt)
		if retry {
			continue
		}
		if finalErr != nil {
			return finalErr
		}

		if c.config.RateLimitDelay > 0 {
			c.sleep(c.config.RateLimitDelay)
		}
		return nil
	}
}

// handleResponse classifies one HTTP answer. It reports whether the call
// should be retried; otherwise the error (nil on success) is final.
func (c *Client) handleResponse(op string, resp *http.Response, out any, attempt int) (bool, error) {
	defer resp.Body.Close()
	payload, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil && len(payload) > 0 {
			if err := json.Unmarshal(payload, out); err != nil {
				return false, &domain.ProtocolError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
			}
		}
		return false, nil

	case resp.StatusCode == http.StatusUnauthorized || strings.Contains(string(payload), "invalid_grant"):
		c.credentials.Invalidate()
		return false, &domain.AuthError{Provider: "google", Reason: apiError(resp.StatusCode, payload)}

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		if attempt < c.config.MaxRetries {
			c.logger.Warn("rate limited by google, backing off", "op", op, "retry_after", retryAfter)
			c.sleep(retryAfter)
			return true, nil
		}
		return false, &domain.RateLimitError{RetryAfter: retryAfter}

	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return false, &domain.NotFoundError{Resource: op}

	case resp.StatusCode >= 500:
		if attempt < c.config.MaxRetries {
			c.logger.Warn("google server error, backing off", "op", op, "status", resp.StatusCode, "attempt", attempt)
			c.backoff(attempt)
			return true, nil
		}
		return false, &domain.ProtocolError{Op: op, Err: fmt.Errorf("server error after retries: %s", apiError(resp.StatusCode, payload))}

	default:
		return false, &domain.ProtocolError{Op: op, Err: fmt.Errorf("%s", apiError(resp.StatusCode, payload))}
	}
}

func (c *Client) backoff(attempt int) {
	c.sleep(time.Duration(1<<attempt) * time.Second)
}

func parseRetryAfter(header string) time.Duration {
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return time.Second
}

func apiError(status int, payload []byte) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Error.Message != "" {
		return fmt.Sprintf("status %d: %s", status, body.Error.Message)
	}
	return fmt.Sprintf("status %d", status)
}
