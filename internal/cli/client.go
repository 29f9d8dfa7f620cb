package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stockworks/internal/game"
)

// APIError is a non-2xx answer from the server. Anything else returned by
// the client is a transport failure.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Body)
}

// Retryable reports whether replaying the same request later may succeed.
func (e *APIError) Retryable() bool {
	switch {
	case e.Status == http.StatusLocked, e.Status == http.StatusTooManyRequests:
		return true
	case e.Status >= 500 && e.Status != http.StatusNotImplemented:
		return true
	}
	return false
}

// IsRetryable is true for transport failures and retryable API answers.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return !errors.Is(err, context.Canceled)
}

type Client struct {
	BaseURL  string
	PlayerID string
	HTTP     *http.Client
}

func NewClient(baseURL, playerID string) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		PlayerID: strings.TrimSpace(playerID),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type OrderRequest struct {
	PhaseID   string `json:"phase_id"`
	CompanyID string `json:"company_id"`
	Kind      string `json:"kind"`
	Quantity  int64  `json:"quantity"`
	Value     int64  `json:"value,omitempty"`
	IsSell    bool   `json:"is_sell,omitempty"`
	Location  string `json:"location,omitempty"`
}

func gamePath(gameID string, rest ...string) string {
	p := "/v1/games/" + url.PathEscape(gameID)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func OrdersPath(gameID string) string        { return gamePath(gameID, "orders") }
func VotesPath(gameID string) string         { return gamePath(gameID, "votes") }
func ContributionsPath(gameID string) string { return gamePath(gameID, "contributions") }
func PassPath(gameID string) string          { return gamePath(gameID, "pass") }

func (c *Client) CreateGame(ctx context.Context, setup game.GameSetup) (game.GameState, error) {
	var out game.GameState
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/games", setup, &out, "")
	return out, err
}

func (c *Client) State(ctx context.Context, gameID string) (game.GameState, error) {
	var out game.GameState
	err := c.jsonRequest(ctx, http.MethodGet, gamePath(gameID), nil, &out, "")
	return out, err
}

func (c *Client) PlaceOrder(ctx context.Context, gameID string, in OrderRequest, idem string) (game.Receipt, error) {
	var out game.Receipt
	err := c.jsonRequest(ctx, http.MethodPost, OrdersPath(gameID), in, &out, idem)
	return out, err
}

func (c *Client) Vote(ctx context.Context, gameID, phaseID, companyID, action, idem string) (game.Receipt, error) {
	var out game.Receipt
	err := c.jsonRequest(ctx, http.MethodPost, VotesPath(gameID), map[string]any{
		"phase_id":   phaseID,
		"company_id": companyID,
		"action":     action,
	}, &out, idem)
	return out, err
}

func (c *Client) Contribute(ctx context.Context, gameID, phaseID, companyID string, cash, shares int64, idem string) (game.Receipt, error) {
	var out game.Receipt
	err := c.jsonRequest(ctx, http.MethodPost, ContributionsPath(gameID), map[string]any{
		"phase_id":   phaseID,
		"company_id": companyID,
		"cash":       cash,
		"shares":     shares,
	}, &out, idem)
	return out, err
}

func (c *Client) Pass(ctx context.Context, gameID, phaseID, idem string) (game.Receipt, error) {
	var out game.Receipt
	err := c.jsonRequest(ctx, http.MethodPost, PassPath(gameID), map[string]any{
		"phase_id": phaseID,
	}, &out, idem)
	return out, err
}

func (c *Client) Advance(ctx context.Context, gameID string) (game.Phase, error) {
	var out struct {
		Phase game.Phase `json:"phase"`
	}
	err := c.jsonRequest(ctx, http.MethodPost, gamePath(gameID, "advance"), nil, &out, "")
	return out.Phase, err
}

func (c *Client) SetLock(ctx context.Context, gameID string, locked bool) error {
	method := http.MethodPost
	if !locked {
		method = http.MethodDelete
	}
	return c.jsonRequest(ctx, method, gamePath(gameID, "lock"), nil, nil, "")
}

func (c *Client) PriceHistory(ctx context.Context, gameID, companyID string, limit int) ([]game.PricePoint, error) {
	path := gamePath(gameID, "companies", url.PathEscape(companyID), "prices")
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var out struct {
		Rows []game.PricePoint `json:"rows"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, path, nil, &out, "")
	return out.Rows, err
}

// Do sends a raw JSON request; the offline queue replays through it.
func (c *Client) Do(ctx context.Context, method, path string, body map[string]any, idem string) (map[string]any, error) {
	var out map[string]any
	var in any
	if body != nil {
		in = body
	}
	err := c.jsonRequest(ctx, method, path, in, &out, idem)
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, in any, out any, idem string) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.PlayerID != "" {
		req.Header.Set("X-Player-ID", c.PlayerID)
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
