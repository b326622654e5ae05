// Package dispatch sends protocol messages to counter-party connectors.
// Dispatchers are selected by protocol name.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Message types understood by the HTTP protocol binding.
const (
	TypeNegotiationRequest      = "negotiation.request"
	TypeNegotiationAgreement    = "negotiation.agreement"
	TypeNegotiationVerification = "negotiation.verification"
	TypeNegotiationFinalized    = "negotiation.finalized"
	TypeNegotiationTermination  = "negotiation.termination"
	TypeTransferRequest         = "transfer.request"
	TypeTransferStart           = "transfer.start"
	TypeTransferCompletion      = "transfer.completion"
	TypeTransferTermination     = "transfer.termination"
)

const DefaultProtocol = "dsp-http"

type Message struct {
	Protocol            string `json:"-"`
	Type                string `json:"type"`
	CounterPartyAddress string `json:"-"`
	// ProcessID is the sender's id for the exchange.
	ProcessID string `json:"process_id"`
	// CorrelationID is the receiver's id, once known.
	CorrelationID string `json:"correlation_id,omitempty"`
	Payload       any    `json:"payload,omitempty"`
}

type Response struct {
	ProcessID string          `json:"process_id,omitempty"`
	Body      json.RawMessage `json:"-"`
}

// Inbound is a protocol message as received from a counter-party.
type Inbound struct {
	Type          string          `json:"type"`
	ProcessID     string          `json:"process_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Sender        string          `json:"sender,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (in Inbound) Decode(v any) error {
	if len(in.Payload) == 0 || string(in.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(in.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", in.Type, err)
	}
	return nil
}

type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) (Response, error)
}

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

type Registry struct {
	mu          sync.RWMutex
	dispatchers map[string]Dispatcher
}

func NewRegistry() *Registry {
	return &Registry{dispatchers: make(map[string]Dispatcher)}
}

func (r *Registry) Register(protocol string, d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchers[protocol] = d
}

// Dispatch routes msg by protocol. An unknown protocol is permanent.
func (r *Registry) Dispatch(ctx context.Context, msg Message) (Response, error) {
	protocol := msg.Protocol
	if protocol == "" {
		protocol = DefaultProtocol
	}
	r.mu.RLock()
	d, ok := r.dispatchers[protocol]
	r.mu.RUnlock()
	if !ok {
		return Response{}, Permanent(fmt.Errorf("no dispatcher for protocol %q", protocol))
	}
	return d.Dispatch(ctx, msg)
}
