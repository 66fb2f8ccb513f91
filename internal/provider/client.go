// Package provider implements the rate-limited, paginated client for the
// upstream webinar provider API.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/attendwise/syncengine/internal/models"
	"github.com/attendwise/syncengine/pkg/retry"
)

// ErrStop can be returned by a page callback to end iteration early without
// surfacing an error (cooperative cancellation between pages).
var ErrStop = errors.New("provider: stop iteration")

// Doer abstracts the HTTP client for tests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds provider client settings.
type Config struct {
	BaseURL     string
	PageSize    int
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxPages    int
}

// Client fetches paginated entity streams from the provider, retrying
// rate-limited and transient failures with capped exponential backoff.
type Client struct {
	cfg    Config
	http   Doer
	policy retry.Policy
	logger *zap.Logger
}

// NewClient creates a provider client. doer defaults to http.DefaultClient.
func NewClient(cfg Config, doer Doer, logger *zap.Logger) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:  cfg,
		http: doer,
		policy: retry.Policy{
			MaxAttempts: cfg.MaxRetries + 1,
			BaseDelay:   cfg.BaseBackoff,
			MaxDelay:    cfg.MaxBackoff,
		},
		logger: logger,
	}
}

// EachWebinarPage iterates the webinar list stream for a connection.
func (c *Client) EachWebinarPage(ctx context.Context, conn *models.Connection, fn func(Page[WebinarRecord]) error) error {
	path := fmt.Sprintf("/accounts/%s/webinars", url.PathEscape(conn.ProviderAccountID))
	return eachPage(ctx, c, conn, path, func(e *envelope) []WebinarRecord { return e.Webinars }, fn)
}

// EachRegistrantPage iterates the registrant stream for one webinar.
func (c *Client) EachRegistrantPage(ctx context.Context, conn *models.Connection, webinarProviderID string, fn func(Page[RegistrantRecord]) error) error {
	path := fmt.Sprintf("/webinars/%s/registrants", url.PathEscape(webinarProviderID))
	return eachPage(ctx, c, conn, path, func(e *envelope) []RegistrantRecord { return e.Registrants }, fn)
}

// EachParticipantPage iterates the participant report stream for one webinar.
func (c *Client) EachParticipantPage(ctx context.Context, conn *models.Connection, webinarProviderID string, fn func(Page[ParticipantRecord]) error) error {
	path := fmt.Sprintf("/report/webinars/%s/participants", url.PathEscape(webinarProviderID))
	return eachPage(ctx, c, conn, path, func(e *envelope) []ParticipantRecord { return e.Participants }, fn)
}

// eachPage drives cursor pagination for one stream. The provider's
// hasMore/cursor pair is not trusted: iteration stops on an empty page or a
// repeated cursor, and MaxPages is a hard ceiling.
func eachPage[T any](ctx context.Context, c *Client, conn *models.Connection, path string, extract func(*envelope) []T, fn func(Page[T]) error) error {
	cursor := ""
	for pageNum := 1; ; pageNum++ {
		if pageNum > c.cfg.MaxPages {
			return &FatalError{Reason: fmt.Sprintf("%s: more than %d pages", path, c.cfg.MaxPages), Err: ErrPageCeiling}
		}
		env, raw, err := c.fetchPage(ctx, conn, path, cursor)
		if err != nil {
			return err
		}
		items := extract(env)
		hasMore := env.NextPageToken != "" && env.NextPageToken != cursor && len(items) > 0
		page := Page[T]{
			Items:        items,
			NextCursor:   env.NextPageToken,
			HasMore:      hasMore,
			TotalRecords: env.TotalRecords,
			PageNumber:   pageNum,
			Raw:          raw,
		}
		if err := fn(page); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
		if !hasMore {
			return nil
		}
		cursor = env.NextPageToken
	}
}

// fetchPage fetches one page, retrying per the policy. An exhausted retry
// budget surfaces as FatalError so callers never see RateLimited/Transient.
func (c *Client) fetchPage(ctx context.Context, conn *models.Connection, path, cursor string) (*envelope, []byte, error) {
	var env *envelope
	var raw []byte
	err := c.policy.Do(ctx, Classify, func() error {
		var ferr error
		env, raw, ferr = c.fetchOnce(ctx, conn, path, cursor)
		if ferr != nil {
			c.logger.Debug("provider fetch failed",
				zap.String("path", path),
				zap.String("cursor", cursor),
				zap.Error(ferr))
		}
		return ferr
	})
	if err != nil {
		var rl *RateLimitedError
		var tr *TransientError
		if errors.As(err, &rl) || errors.As(err, &tr) {
			return nil, nil, &FatalError{Reason: "retry budget exhausted", Err: err}
		}
		return nil, nil, err
	}
	return env, raw, nil
}

func (c *Client) fetchOnce(ctx context.Context, conn *models.Connection, path, cursor string) (*envelope, []byte, error) {
	q := url.Values{}
	q.Set("page_size", strconv.Itoa(c.cfg.PageSize))
	if cursor != "" {
		q.Set("next_page_token", cursor)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, nil, &FatalError{Reason: "create request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+conn.AuthToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, &TransientError{Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &TransientError{Reason: "read body", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, nil, ErrAuthInvalid
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, nil, &RateLimitedError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return nil, nil, &TransientError{Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	default:
		return nil, nil, &FatalError{Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, &FatalError{Reason: "decode response", Err: err}
	}
	return &env, body, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
