// Package directory is the HTTP client to the external profile/friendship
// store: the one collaborator the core consults for "does this userId
// exist", "who are this user's friends", "what nickname does this userId
// have", and "deliver this user's queued offline items". The core never
// stores profiles or messages itself (Non-goal); it only asks.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/meshcall/core/internal/v1/logging"
	"github.com/meshcall/core/internal/v1/metrics"
	"github.com/meshcall/core/internal/v1/types"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Client talks to the profile/friendship service over plain HTTP. There is
// no generated gRPC stub for this service in reach of this module, unlike
// the teacher's SFU collaborator, so a stdlib http.Client is the only
// option here; the circuit-breaker wrapping still follows the teacher's
// pkg/sfu/client.go pattern so a flaky directory backend degrades instead
// of cascading into every handshake and busy-fanout call.
type Client struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
}

// New constructs a Client against baseURL (e.g. http://profile-svc:8081).
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Second}
	}
	st := gobreaker.Settings{
		Name:        "directory",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateClosed:
				v = 0
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("directory").Set(v)
		},
	}
	return &Client{baseURL: baseURL, http: httpClient, cb: gobreaker.NewCircuitBreaker(st)}
}

func (c *Client) execute(ctx context.Context, method, path string, out any) error {
	return c.executeWithBody(ctx, method, path, nil, out)
}

func (c *Client) executeWithBody(ctx context.Context, method, path string, body, out any) error {
	_, err := c.cb.Execute(func() (any, error) {
		var reqBody *bytes.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			reqBody = bytes.NewReader(raw)
		} else {
			reqBody = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, errNotFound
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("directory: %s %s: status %d", method, path, resp.StatusCode)
		}
		if out != nil {
			return nil, json.NewDecoder(resp.Body).Decode(out)
		}
		return nil, nil
	})
	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("directory").Inc()
		logging.Warn(ctx, "directory: circuit open, degrading", zap.String("path", path))
		return errUnavailable
	}
	return err
}

// UserExists satisfies identity.UserStore: does userId exist in the
// profile store.
func (c *Client) UserExists(ctx context.Context, userID types.UserID) (bool, error) {
	var body struct {
		Exists bool `json:"exists"`
	}
	err := c.execute(ctx, http.MethodGet, "/api/exists/"+url.PathEscape(string(userID)), &body)
	if err == errNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return body.Exists, nil
}

// ResolveInstall satisfies identity.UserStore: map a device installId to
// its previously-bound userId, if the profile store remembers one.
func (c *Client) ResolveInstall(ctx context.Context, installID types.InstallID) (types.UserID, bool, error) {
	var body struct {
		UserID types.UserID `json:"userId"`
	}
	err := c.execute(ctx, http.MethodGet, "/api/installs/"+url.PathEscape(string(installID)), &body)
	if err == errNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return body.UserID, body.UserID != "", nil
}

// Friends satisfies presence.FriendLister.
func (c *Client) Friends(ctx context.Context, userID types.UserID) ([]types.UserID, error) {
	var body struct {
		Friends []types.UserID `json:"friends"`
	}
	if err := c.execute(ctx, http.MethodGet, "/api/friends/"+url.PathEscape(string(userID)), &body); err != nil {
		if err == errUnavailable {
			return nil, nil
		}
		return nil, err
	}
	return body.Friends, nil
}

// Nick satisfies call.NickResolver: a display nickname for userID, falling
// back to the raw userId is the caller's responsibility on error.
func (c *Client) Nick(ctx context.Context, userID types.UserID) (string, error) {
	var body struct {
		Nick string `json:"nick"`
	}
	if err := c.execute(ctx, http.MethodGet, "/api/nick/"+url.PathEscape(string(userID)), &body); err != nil {
		return "", err
	}
	return body.Nick, nil
}

// Profile satisfies the hub's `profile:me` handler: the caller's own
// profile document, as the directory service holds it.
func (c *Client) Profile(ctx context.Context, userID types.UserID) (map[string]any, error) {
	var body map[string]any
	err := c.execute(ctx, http.MethodGet, "/api/profile/"+url.PathEscape(string(userID)), &body)
	if err == errNotFound {
		return nil, nil
	}
	return body, err
}

// UpdateProfile satisfies the hub's `profile:update` handler: applies patch
// to userID's profile and returns the resulting document.
func (c *Client) UpdateProfile(ctx context.Context, userID types.UserID, patch map[string]any) (map[string]any, error) {
	var body map[string]any
	err := c.executeWithBody(ctx, http.MethodPatch, "/api/profile/"+url.PathEscape(string(userID)), patch, &body)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// DeliverQueued satisfies identity.OfflineDeliverer: kick off delivery of
// anything queued for userID while they were offline. The core never
// touches the queued items themselves.
func (c *Client) DeliverQueued(ctx context.Context, userID types.UserID) error {
	err := c.execute(ctx, http.MethodPost, "/api/deliver/"+url.PathEscape(string(userID)), nil)
	if err == errUnavailable {
		return nil
	}
	return err
}
