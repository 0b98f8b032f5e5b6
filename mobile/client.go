package mobile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/loyaltyapp/punchcard/loyalty/models"
)

// ErrUnreachable marks transport-level failures (connection refused,
// timeout). It is deliberately distinct from an API rejection so the UI can
// tell "cannot reach server" apart from "invalid credentials" or "card is
// full".
var ErrUnreachable = errors.New("request timeout - cannot reach server")

// APIError is a non-2xx response; Message is the server's user-facing
// "error" field.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("HTTP error! status: %d", e.Status)
}

// Client talks to the loyalty backend. The cookie jar carries the session
// cookie across calls, the fetch equivalent of credentials: include.
type Client struct {
	Base string
	HTTP *http.Client
}

func NewClient(base string, hc *http.Client) *Client {
	if hc == nil {
		jar, _ := cookiejar.New(nil)
		hc = &http.Client{Timeout: 10 * time.Second, Jar: jar}
	}
	return &Client{Base: strings.TrimRight(base, "/"), HTTP: hc}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
		}
		if derr := json.NewDecoder(resp.Body).Decode(&payload); derr == nil {
			apiErr.Message = payload.Error
		}
		return apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func (c *Client) Register(ctx context.Context, req models.Register) (*models.User, error) {
	var resp struct {
		User *models.User `json:"user"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/register", req, &resp); err != nil {
		return nil, err
	}
	return resp.User, nil
}

func (c *Client) Login(ctx context.Context, req models.Login) (*models.User, error) {
	var resp struct {
		User *models.User `json:"user"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/login", req, &resp); err != nil {
		return nil, err
	}
	return resp.User, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, nil)
}

// Session returns the authenticated user, or nil when the session cookie is
// absent or stale. The endpoint answers 200 either way.
func (c *Client) Session(ctx context.Context) (*models.User, error) {
	var resp struct {
		Authenticated bool         `json:"authenticated"`
		User          *models.User `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, "/auth/session", nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Authenticated {
		return nil, nil
	}
	return resp.User, nil
}

// Programs fetches the program catalog.
func (c *Client) Programs(ctx context.Context) ([]*models.Program, error) {
	var resp struct {
		Companies []*models.Program `json:"companies"`
	}
	if err := c.do(ctx, http.MethodGet, "/programs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Companies, nil
}

// Cards fetches the authoritative card set for the session user.
func (c *Client) Cards(ctx context.Context) ([]*models.Card, error) {
	var resp struct {
		Cards []*models.Card `json:"cards"`
	}
	if err := c.do(ctx, http.MethodGet, "/user/cards", nil, &resp); err != nil {
		return nil, err
	}
	for _, card := range resp.Cards {
		card.Normalize()
	}
	return resp.Cards, nil
}

func (c *Client) AddCard(ctx context.Context, programID string) (*models.Card, error) {
	body := map[string]string{"company_id": programID}
	card := &models.Card{}
	if err := c.do(ctx, http.MethodPost, "/user/cards", body, card); err != nil {
		return nil, err
	}
	card.Normalize()
	return card, nil
}

func (c *Client) DeleteCard(ctx context.Context, cardID string) error {
	return c.do(ctx, http.MethodDelete, "/user/cards/"+cardID, nil, nil)
}

// Scan posts one award request. Callers must treat a transport error as
// "award state unknown" and re-sync from the backend instead of applying any
// local increment.
func (c *Client) Scan(ctx context.Context, req models.ScanRequest) (*models.ScanResponse, error) {
	resp := &models.ScanResponse{}
	if err := c.do(ctx, http.MethodPost, "/scan", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Redeem(ctx context.Context, req models.RedeemRequest) (*models.RedeemResponse, error) {
	resp := &models.RedeemResponse{}
	if err := c.do(ctx, http.MethodPost, "/rewards/redeem", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
