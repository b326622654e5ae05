package connectorsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal connector management API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Offer is an asset offered under a policy.
type Offer struct {
	ID      string         `json:"id,omitempty"`
	AssetID string         `json:"asset_id"`
	Policy  map[string]any `json:"policy,omitempty"`
}

// Agreement is the contract a finalized negotiation produced.
type Agreement struct {
	ID         string         `json:"id"`
	AssetID    string         `json:"asset_id"`
	ConsumerID string         `json:"consumer_id"`
	ProviderID string         `json:"provider_id"`
	Policy     map[string]any `json:"policy"`
	SignedAt   string         `json:"signed_at"`
}

// Negotiation represents the API negotiation model (partial).
type Negotiation struct {
	ID                  string     `json:"id"`
	Role                string     `json:"role"`
	State               string     `json:"state"`
	StateCount          int        `json:"state_count"`
	ErrorDetail         string     `json:"error_detail,omitempty"`
	CounterPartyID      string     `json:"counter_party_id"`
	CounterPartyAddress string     `json:"counter_party_address"`
	CorrelationID       string     `json:"correlation_id,omitempty"`
	Offer               Offer      `json:"offer"`
	Agreement           *Agreement `json:"agreement,omitempty"`
}

// Transfer represents the API transfer model (partial).
type Transfer struct {
	ID              string            `json:"id"`
	Role            string            `json:"role"`
	State           string            `json:"state"`
	ErrorDetail     string            `json:"error_detail,omitempty"`
	AgreementID     string            `json:"agreement_id"`
	AssetID         string            `json:"asset_id"`
	CorrelationID   string            `json:"correlation_id,omitempty"`
	DataDestination map[string]string `json:"data_destination,omitempty"`
	DataAddress     map[string]string `json:"data_address,omitempty"`
}

// Catalog is a participant's offer list.
type Catalog struct {
	NodeID        string  `json:"node_id,omitempty"`
	ParticipantID string  `json:"participant_id,omitempty"`
	Offers        []Offer `json:"offers"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// RequestNegotiation asks the provider at address for offer.
func (c *Client) RequestNegotiation(ctx context.Context, counterPartyID, address string, offer Offer) (Negotiation, error) {
	body := map[string]any{
		"counter_party_id":      counterPartyID,
		"counter_party_address": address,
		"offer":                 offer,
	}
	var resp Negotiation
	err := c.do(ctx, http.MethodPost, "negotiations", body, &resp)
	return resp, err
}

func (c *Client) Negotiation(ctx context.Context, id string) (Negotiation, error) {
	var resp Negotiation
	err := c.do(ctx, http.MethodGet, "negotiations/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Negotiations lists negotiations, optionally filtered by state name.
func (c *Client) Negotiations(ctx context.Context, state string) ([]Negotiation, error) {
	var resp struct {
		Items []Negotiation `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("negotiations", "state", state), nil, &resp)
	return resp.Items, err
}

func (c *Client) TerminateNegotiation(ctx context.Context, id, reason string) error {
	return c.do(ctx, http.MethodPost, "negotiations/"+url.PathEscape(id)+"/terminate", map[string]any{"reason": reason}, nil)
}

// StartTransfer starts a transfer under a finalized agreement.
func (c *Client) StartTransfer(ctx context.Context, agreementID string, dest map[string]string) (Transfer, error) {
	body := map[string]any{"agreement_id": agreementID}
	if len(dest) > 0 {
		body["data_destination"] = dest
	}
	var resp Transfer
	err := c.do(ctx, http.MethodPost, "transfers", body, &resp)
	return resp, err
}

func (c *Client) Transfer(ctx context.Context, id string) (Transfer, error) {
	var resp Transfer
	err := c.do(ctx, http.MethodGet, "transfers/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) CompleteTransfer(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "transfers/"+url.PathEscape(id)+"/complete", nil, nil)
}

func (c *Client) TerminateTransfer(ctx context.Context, id, reason string) error {
	return c.do(ctx, http.MethodPost, "transfers/"+url.PathEscape(id)+"/terminate", map[string]any{"reason": reason}, nil)
}

// Catalog fetches the connector's own offers.
func (c *Client) Catalog(ctx context.Context) (Catalog, error) {
	var resp Catalog
	err := c.do(ctx, http.MethodGet, "catalog", nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	endpoint = withQuery(endpoint, "cursor", cursor)
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) BreakLease(ctx context.Context, kind, id string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("leases/%s/%s", url.PathEscape(kind), url.PathEscape(id)), nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code, apiErr.Message = envelope.Error.Code, envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint, key, value string) string {
	if value == "" {
		return endpoint
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s%s=%s", endpoint, sep, key, url.QueryEscape(value))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
