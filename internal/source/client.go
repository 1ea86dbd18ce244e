// Package source fetches raw planning records from the intranet.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/beekhof/intra-calsync/internal/event"
	"github.com/beekhof/intra-calsync/internal/httpretry"
)

// DefaultBaseURL is the intranet root.
const DefaultBaseURL = "https://intra.epitech.eu"

// SessionCookie is the cookie carrying the user's intranet session.
const SessionCookie = "user"

var (
	// ErrUnauthenticated means the session cookie is missing or expired.
	ErrUnauthenticated = errors.New("intranet session expired")

	// ErrMalformedPayload means the planning answer was not a list of records.
	ErrMalformedPayload = errors.New("malformed planning payload")
)

// Client talks to the planning endpoint with a session token.
type Client struct {
	http    httpretry.Doer
	baseURL string
	token   string
	log     *zap.Logger
}

// NewClient creates an intranet client. A nil doer gets a retrying default
// client.
func NewClient(doer httpretry.Doer, baseURL, token string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if doer == nil {
		doer = httpretry.New(nil, 3, httpretry.WithLogger(log))
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		http:    doer,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		log:     log,
	}
}

// Fetch returns the raw records between start and end, inclusive of both
// days.
func (c *Client) Fetch(ctx context.Context, start, end time.Time) ([]event.Raw, error) {
	if c.token == "" {
		return nil, ErrUnauthenticated
	}

	q := url.Values{}
	q.Set("format", "json")
	q.Set("start", start.In(event.Paris).Format("2006-01-02"))
	q.Set("end", end.In(event.Paris).Format("2006-01-02"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/planning/load?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build planning request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: c.token})

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch planning: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthenticated
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("failed to fetch planning: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read planning: %w", err)
	}

	raws, err := decodePlanning(body)
	if err != nil {
		return nil, err
	}
	c.log.Debug("fetched planning",
		zap.Int("records", len(raws)),
		zap.String("start", q.Get("start")),
		zap.String("end", q.Get("end")))
	return raws, nil
}

// decodePlanning accepts a JSON array of records. The intranet answers an
// empty range with {} or an empty body, both meaning no records. A login
// page served with 200 is reported as an expired session.
func decodePlanning(body []byte) ([]event.Raw, error) {
	trimmed := strings.TrimSpace(string(body))
	switch {
	case trimmed == "", trimmed == "{}", trimmed == "null":
		return nil, nil
	case strings.HasPrefix(trimmed, "<"):
		return nil, ErrUnauthenticated
	}

	var raws []event.Raw
	if err := json.Unmarshal([]byte(trimmed), &raws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return raws, nil
}
