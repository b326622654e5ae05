package dispatch

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

// TokenSource mints a bearer token for the given audience.
type TokenSource func(audience string) (string, error)

// HTTPDispatcher posts messages as JSON to the counter-party's protocol
// endpoints. 4xx responses are permanent except 408, 409 and 429; a 409
// means the counter-party's entity is busy.
type HTTPDispatcher struct {
	Client  *http.Client
	Timeout time.Duration
	Tokens  TokenSource
	// Sender identifies this connector to the counter-party.
	Sender string
}

type route struct {
	collection string
	suffix     string
}

var routes = map[string]route{
	TypeNegotiationRequest:      {"negotiations", "request"},
	TypeNegotiationAgreement:    {"negotiations", "agreement"},
	TypeNegotiationVerification: {"negotiations", "verification"},
	TypeNegotiationFinalized:    {"negotiations", "events"},
	TypeNegotiationTermination:  {"negotiations", "termination"},
	TypeTransferRequest:         {"transfers", "request"},
	TypeTransferStart:           {"transfers", "start"},
	TypeTransferCompletion:      {"transfers", "completion"},
	TypeTransferTermination:     {"transfers", "termination"},
}

// Endpoint returns the URL msg is posted to.
func Endpoint(msg Message) (string, error) {
	r, ok := routes[msg.Type]
	if !ok {
		return "", fmt.Errorf("unknown message type %q", msg.Type)
	}
	base := strings.TrimRight(msg.CounterPartyAddress, "/")
	if base == "" {
		return "", fmt.Errorf("message %s has no counter-party address", msg.Type)
	}
	if r.suffix == "request" {
		return fmt.Sprintf("%s/protocol/%s/request", base, r.collection), nil
	}
	if msg.CorrelationID == "" {
		return "", fmt.Errorf("message %s has no correlation id", msg.Type)
	}
	return fmt.Sprintf("%s/protocol/%s/%s/%s", base, r.collection, url.PathEscape(msg.CorrelationID), r.suffix), nil
}

type wireMessage struct {
	Message
	Sender string `json:"sender,omitempty"`
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, msg Message) (Response, error) {
	endpoint, err := Endpoint(msg)
	if err != nil {
		return Response{}, Permanent(err)
	}
	body, err := json.Marshal(wireMessage{Message: msg, Sender: d.Sender})
	if err != nil {
		return Response{}, Permanent(err)
	}
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.Tokens != nil {
		tok, err := d.Tokens(msg.CounterPartyAddress)
		if err != nil {
			return Response{}, fmt.Errorf("mint token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("%s %s: %w", msg.Type, endpoint, err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode >= 300 {
		err := fmt.Errorf("%s %s: status %d: %s", msg.Type, endpoint, res.StatusCode, strings.TrimSpace(string(data)))
		if retryable(res.StatusCode) {
			return Response{}, err
		}
		return Response{}, Permanent(err)
	}
	out := Response{Body: data}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return Response{}, Permanent(fmt.Errorf("decode response: %w", err))
		}
	}
	return out, nil
}

func retryable(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return true
	}
	return status >= 500 || status < 400
}
