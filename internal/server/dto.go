package server

import (
	"encoding/json"
	"fmt"
	"time"

	"connector/internal/crawler"
	"connector/internal/domain"
	"connector/internal/negotiation"
	"connector/internal/policy"
	"connector/internal/transfer"
)

// Request payloads

type OfferRequest struct {
	ID      string         `json:"id,omitempty"`
	AssetID string         `json:"asset_id" minLength:"1"`
	Policy  map[string]any `json:"policy,omitempty"`
}

type CreateNegotiationRequest struct {
	CounterPartyID      string       `json:"counter_party_id" minLength:"1"`
	CounterPartyAddress string       `json:"counter_party_address" minLength:"1" format:"uri"`
	Protocol            string       `json:"protocol,omitempty"`
	Offer               OfferRequest `json:"offer"`
}

type CreateTransferRequest struct {
	AgreementID     string            `json:"agreement_id" minLength:"1"`
	DataDestination map[string]string `json:"data_destination,omitempty"`
}

type TerminateRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (r *TerminateRequest) reason() string {
	if r == nil {
		return ""
	}
	return r.Reason
}

type AgentRequest struct {
	Identity   string            `json:"identity,omitempty"`
	Claims     map[string]any    `json:"claims,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type EvaluatePolicyRequest struct {
	PolicyID string         `json:"policy_id,omitempty"`
	Policy   map[string]any `json:"policy,omitempty"`
	Scope    string         `json:"scope,omitempty" enum:"contract.negotiation,transfer.process,catalog,request.policy"`
	Action   string         `json:"action,omitempty"`
	Agent    AgentRequest   `json:"agent"`
}

type ProtocolMessage struct {
	Type          string `json:"type" minLength:"1"`
	ProcessID     string `json:"process_id" minLength:"1"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Sender        string `json:"sender,omitempty"`
	Payload       any    `json:"payload,omitempty"`
}

type DevLoginRequest struct {
	Subject string         `json:"subject" minLength:"1"`
	Claims  map[string]any `json:"claims,omitempty"`
	Roles   []string       `json:"roles,omitempty"`
}

// Response payloads

type EntityResponse struct {
	ID             string    `json:"id"`
	Role           string    `json:"role"`
	State          string    `json:"state"`
	StateCode      int       `json:"state_code"`
	StateCount     int       `json:"state_count"`
	StateTimestamp time.Time `json:"state_timestamp"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	ErrorDetail    string    `json:"error_detail,omitempty"`
	Version        int64     `json:"version"`
}

type OfferResponse struct {
	ID      string `json:"id,omitempty"`
	AssetID string `json:"asset_id"`
	Policy  any    `json:"policy"`
}

type AgreementResponse struct {
	ID         string    `json:"id"`
	AssetID    string    `json:"asset_id"`
	ConsumerID string    `json:"consumer_id"`
	ProviderID string    `json:"provider_id"`
	Policy     any       `json:"policy"`
	SignedAt   time.Time `json:"signed_at"`
}

type NegotiationResponse struct {
	EntityResponse
	CounterPartyID      string             `json:"counter_party_id"`
	CounterPartyAddress string             `json:"counter_party_address"`
	Protocol            string             `json:"protocol,omitempty"`
	CorrelationID       string             `json:"correlation_id,omitempty"`
	Offer               OfferResponse      `json:"offer"`
	Agreement           *AgreementResponse `json:"agreement,omitempty"`
}

type TransferResponse struct {
	EntityResponse
	CounterPartyID      string            `json:"counter_party_id"`
	CounterPartyAddress string            `json:"counter_party_address"`
	Protocol            string            `json:"protocol,omitempty"`
	CorrelationID       string            `json:"correlation_id,omitempty"`
	AgreementID         string            `json:"agreement_id"`
	AssetID             string            `json:"asset_id"`
	DataDestination     map[string]string `json:"data_destination,omitempty"`
	DataAddress         map[string]string `json:"data_address,omitempty"`
}

type NegotiationList struct {
	Items []NegotiationResponse `json:"items"`
}

type TransferList struct {
	Items []TransferResponse `json:"items"`
}

type CommandResponse struct {
	Status string `json:"status"`
}

type ProtocolResponse struct {
	ProcessID string `json:"process_id"`
}

type EvaluatePolicyResponse struct {
	Allowed     bool     `json:"allowed"`
	Error       string   `json:"error,omitempty"`
	Problems    []string `json:"problems"`
	Obligations int      `json:"obligations"`
}

type LeaseResponse struct {
	ResourceID   string    `json:"resource_id"`
	ResourceKind string    `json:"resource_kind"`
	LeasedBy     string    `json:"leased_by"`
	LeasedAt     time.Time `json:"leased_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type CatalogResponse struct {
	NodeID        string          `json:"node_id,omitempty"`
	ParticipantID string          `json:"participant_id,omitempty"`
	Offers        []OfferResponse `json:"offers"`
	FetchedAt     *time.Time      `json:"fetched_at,omitempty"`
}

type CatalogList struct {
	Items []CatalogResponse `json:"items"`
}

type CrawlOutcome struct {
	NodeID string `json:"node_id"`
	Offers int    `json:"offers"`
	Error  string `json:"error,omitempty"`
}

type CrawlResponse struct {
	Items []CrawlOutcome `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	Identity string         `json:"identity"`
	Claims   map[string]any `json:"claims,omitempty"`
	Roles    []string       `json:"roles"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Mapping helpers

func entityResponse(states domain.StateSet, e *domain.Entity) EntityResponse {
	return EntityResponse{
		ID:             e.ID,
		Role:           e.Role,
		State:          states.Name(e.State),
		StateCode:      e.State,
		StateCount:     e.StateCount,
		StateTimestamp: e.StateTimestamp,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
		ErrorDetail:    e.ErrorDetail,
		Version:        e.Version,
	}
}

func negotiationResponse(n *negotiation.Negotiation) NegotiationResponse {
	out := NegotiationResponse{
		EntityResponse:      entityResponse(negotiation.States, n.Base()),
		CounterPartyID:      n.CounterPartyID,
		CounterPartyAddress: n.CounterPartyAddress,
		Protocol:            n.Protocol,
		CorrelationID:       n.CorrelationID,
		Offer:               OfferResponse{ID: n.Offer.ID, AssetID: n.Offer.AssetID, Policy: n.Offer.Policy},
	}
	if a := n.Agreement; a != nil {
		out.Agreement = &AgreementResponse{
			ID: a.ID, AssetID: a.AssetID, ConsumerID: a.ConsumerID, ProviderID: a.ProviderID, Policy: a.Policy, SignedAt: a.SignedAt,
		}
	}
	return out
}

func mapNegotiations(items []*negotiation.Negotiation) []NegotiationResponse {
	out := make([]NegotiationResponse, 0, len(items))
	for _, n := range items {
		out = append(out, negotiationResponse(n))
	}
	return out
}

func transferResponse(t *transfer.Transfer) TransferResponse {
	return TransferResponse{
		EntityResponse:      entityResponse(transfer.States, t.Base()),
		CounterPartyID:      t.CounterPartyID,
		CounterPartyAddress: t.CounterPartyAddress,
		Protocol:            t.Protocol,
		CorrelationID:       t.CorrelationID,
		AgreementID:         t.AgreementID,
		AssetID:             t.AssetID,
		DataDestination:     t.DataDestination,
		DataAddress:         t.DataAddress,
	}
}

func mapTransfers(items []*transfer.Transfer) []TransferResponse {
	out := make([]TransferResponse, 0, len(items))
	for _, t := range items {
		out = append(out, transferResponse(t))
	}
	return out
}

func catalogResponse(c crawler.Catalog) CatalogResponse {
	out := CatalogResponse{NodeID: c.NodeID, ParticipantID: c.ParticipantID, Offers: []OfferResponse{}}
	for _, o := range c.Offers {
		out.Offers = append(out.Offers, OfferResponse{ID: o.ID, AssetID: o.AssetID, Policy: o.Policy})
	}
	if !c.FetchedAt.IsZero() {
		at := c.FetchedAt
		out.FetchedAt = &at
	}
	return out
}

func leaseResponse(l domain.Lease) LeaseResponse {
	return LeaseResponse{
		ResourceID:   l.ResourceID,
		ResourceKind: l.ResourceKind,
		LeasedBy:     l.LeasedBy,
		LeasedAt:     l.LeasedAt,
		ExpiresAt:    l.ExpiresAt(),
	}
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

// decodePolicy converts a loosely typed policy document into a Policy.
func decodePolicy(doc map[string]any) (policy.Policy, error) {
	if len(doc) == 0 {
		return policy.Policy{}, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return policy.Policy{}, err
	}
	p, err := policy.Parse(data)
	if err != nil {
		return policy.Policy{}, fmt.Errorf("invalid policy: %w", err)
	}
	return p, nil
}

func nonNilSlice(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
