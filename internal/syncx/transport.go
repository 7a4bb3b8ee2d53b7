package syncx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sethvargo/go-retry"

	"github.com/Swappnil85/Drishti-V2-sub002/internal/common"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/logging"
	"github.com/Swappnil85/Drishti-V2-sub002/internal/models"
)

// TokenSource supplies the bearer token for the remote authority. Refresh is
// called when the current token is expired or rejected.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// PushResult is the per-entry outcome returned by the push endpoint.
type PushResult struct {
	EntryID  string `json:"entryId"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// wireChange is the JSON shape of one change log entry on the push wire.
// The entity payload travels as JSON even though it is msgpack locally.
type wireChange struct {
	ID       string         `json:"id"`
	Op       string         `json:"op"`
	Table    string         `json:"table"`
	EntityID string         `json:"entityId"`
	Entity   *models.Entity `json:"entity"`
}

type pushRequest struct {
	Entries []wireChange `json:"entries"`
}

type pushResponse struct {
	Results []PushResult `json:"results"`
}

type pullResponse struct {
	Entities  []*models.Entity `json:"entities"`
	Origin    string           `json:"origin"`
	ServerNow time.Time        `json:"serverNow"`
}

// Client talks to the remote sync authority over HTTP/JSON. Transport
// failures are retried with exponential backoff and surface as
// common.ErrSyncTransport; the caller decides whether to abort the cycle.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	log        logging.Logger

	maxRetries  uint64
	baseBackoff time.Duration
}

// NewClient constructs a sync client. timeout bounds each HTTP attempt.
func NewClient(baseURL string, tokens TokenSource, log logging.Logger, timeout time.Duration) *Client {
	return &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: timeout},
		tokens:      tokens,
		log:         log,
		maxRetries:  3,
		baseBackoff: 500 * time.Millisecond,
	}
}

// Push delivers a batch of local changes and returns the per-entry verdicts.
func (c *Client) Push(ctx context.Context, entries []models.ChangeLogEntry) ([]PushResult, error) {
	changes := make([]wireChange, 0, len(entries))
	for _, e := range entries {
		entity, err := models.DecodeEntity(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrValidation, err)
		}
		changes = append(changes, wireChange{
			ID:       e.ID,
			Op:       string(e.Op),
			Table:    e.Table,
			EntityID: e.EntityID,
			Entity:   entity,
		})
	}

	body, err := json.Marshal(pushRequest{Entries: changes})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrValidation, err)
	}

	var resp pushResponse
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/sync/push", body, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Pull fetches entities changed on the server after the given watermark.
// Returns the entities, the server origin id and the server clock for the
// next watermark.
func (c *Client) Pull(ctx context.Context, since time.Time) ([]*models.Entity, string, time.Time, error) {
	u := c.baseURL + "/sync/pull?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))

	var resp pullResponse
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, "", time.Time{}, err
	}
	origin := resp.Origin
	if origin == "" {
		origin = "server"
	}
	now := resp.ServerNow
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return resp.Entities, origin, now, nil
}

// Ping probes server reachability before a cycle.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sync/ping", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrSyncTransport, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrSyncTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ping status %s", common.ErrSyncTransport, resp.Status)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, u string, body []byte, out any) error {
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.baseBackoff))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		token, err := c.bearerToken(ctx)
		if err != nil {
			return err // token trouble is not retryable here
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrSyncTransport, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("%w: %v", common.ErrSyncTransport, err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("%w: decode response: %v", common.ErrSyncTransport, err)
			}
			return nil
		case resp.StatusCode == http.StatusUnauthorized:
			if _, err := c.tokens.Refresh(ctx); err != nil {
				return fmt.Errorf("%w: token refresh: %v", common.ErrUnauthorized, err)
			}
			return retry.RetryableError(fmt.Errorf("%w: unauthorized, token refreshed", common.ErrSyncTransport))
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("%w: server status %s", common.ErrSyncTransport, resp.Status))
		default:
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("%w: status %s: %s", common.ErrSyncTransport, resp.Status, string(b))
		}
	})
}

// bearerToken returns a token that is not about to expire, refreshing
// proactively when the exp claim is in the past. The token signature is the
// server's concern; only the timestamp is inspected here.
func (c *Client) bearerToken(ctx context.Context) (string, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrUnauthorized, err)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && exp.Before(time.Now()) {
			refreshed, err := c.tokens.Refresh(ctx)
			if err != nil {
				return "", fmt.Errorf("%w: token refresh: %v", common.ErrUnauthorized, err)
			}
			token = refreshed
		}
	}
	return token, nil
}
