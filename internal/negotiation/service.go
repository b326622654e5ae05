package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"connector/internal/command"
	"connector/internal/dispatch"
	"connector/internal/domain"
	"connector/internal/policy"
	"connector/internal/store"
)

var ErrUnknownAsset = errors.New("unknown asset")

// Service is the entry point for management and protocol requests.
type Service struct {
	Store    store.Store[*Negotiation]
	Commands *command.Registry
	// Assets resolves the policy this connector offers an asset under.
	Assets func(assetID string) (policy.Policy, bool)
	NewID  func() string
	Logger *slog.Logger
}

type RequestInput struct {
	CounterPartyID      string `json:"counter_party_id" required:"true" minLength:"1"`
	CounterPartyAddress string `json:"counter_party_address" required:"true" minLength:"1"`
	Protocol            string `json:"protocol,omitempty"`
	Offer               Offer  `json:"offer"`
}

// Request starts a consumer negotiation. The state machine sends the request.
func (s *Service) Request(ctx context.Context, in RequestInput) (*Negotiation, error) {
	if strings.TrimSpace(in.CounterPartyID) == "" || strings.TrimSpace(in.CounterPartyAddress) == "" {
		return nil, errors.New("counter_party_id and counter_party_address are required")
	}
	if strings.TrimSpace(in.Offer.AssetID) == "" {
		return nil, errors.New("offer.asset_id is required")
	}
	protocol := in.Protocol
	if protocol == "" {
		protocol = dispatch.DefaultProtocol
	}
	n := &Negotiation{
		Entity:              domain.Entity{ID: s.newID(), Role: domain.RoleConsumer, State: StateRequesting},
		CounterPartyID:      in.CounterPartyID,
		CounterPartyAddress: in.CounterPartyAddress,
		Protocol:            protocol,
		Offer:               in.Offer,
	}
	if err := s.Store.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("create negotiation: %w", err)
	}
	s.logger().InfoContext(ctx, "negotiation requested", "id", n.ID, "counter_party", n.CounterPartyID, "asset", n.Offer.AssetID)
	return n, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Negotiation, error) {
	return s.Store.FindByID(ctx, id)
}

func (s *Service) List(ctx context.Context, c store.Criteria, limit int) ([]*Negotiation, error) {
	return s.Store.Query(ctx, c, limit)
}

func (s *Service) Terminate(ctx context.Context, id, reason string) command.Result {
	return s.Commands.Execute(ctx, Terminate{ID: id, Reason: reason})
}

// Receive handles a protocol message from agent. in.CorrelationID names the
// local negotiation for every type except the initial request.
func (s *Service) Receive(ctx context.Context, agent policy.ParticipantAgent, in dispatch.Inbound) (dispatch.Response, command.Result) {
	switch in.Type {
	case dispatch.TypeNegotiationRequest:
		return s.receiveRequest(ctx, agent, in)
	case dispatch.TypeNegotiationAgreement:
		var a Agreement
		if err := in.Decode(&a); err != nil {
			return dispatch.Response{}, command.NotExecutable("%v", err)
		}
		return s.ack(in, s.Commands.Execute(ctx, AgreementReceived{ID: in.CorrelationID, Sender: agent.Identity, Agreement: a}))
	case dispatch.TypeNegotiationVerification:
		return s.ack(in, s.Commands.Execute(ctx, VerificationReceived{ID: in.CorrelationID, Sender: agent.Identity}))
	case dispatch.TypeNegotiationFinalized:
		return s.ack(in, s.Commands.Execute(ctx, FinalizedReceived{ID: in.CorrelationID, Sender: agent.Identity}))
	case dispatch.TypeNegotiationTermination:
		var t TerminationPayload
		if err := in.Decode(&t); err != nil {
			return dispatch.Response{}, command.NotExecutable("%v", err)
		}
		return s.ack(in, s.Commands.Execute(ctx, TerminationReceived{ID: in.CorrelationID, Sender: agent.Identity, Reason: t.Reason}))
	}
	return dispatch.Response{}, command.NotExecutable("unsupported message type %q", in.Type)
}

func (s *Service) ack(in dispatch.Inbound, res command.Result) (dispatch.Response, command.Result) {
	return dispatch.Response{ProcessID: in.CorrelationID}, res
}

func (s *Service) receiveRequest(ctx context.Context, agent policy.ParticipantAgent, in dispatch.Inbound) (dispatch.Response, command.Result) {
	var req RequestPayload
	if err := in.Decode(&req); err != nil {
		return dispatch.Response{}, command.NotExecutable("%v", err)
	}
	switch {
	case agent.Identity == "":
		return dispatch.Response{}, command.NotExecutable("request has no authenticated counter-party")
	case in.ProcessID == "" || req.CallbackAddress == "":
		return dispatch.Response{}, command.NotExecutable("request needs process_id and callback_address")
	}
	p, ok := s.Assets(req.Offer.AssetID)
	if !ok {
		return dispatch.Response{}, command.NotFound("%s: %s", ErrUnknownAsset, req.Offer.AssetID)
	}
	n := &Negotiation{
		Entity:              domain.Entity{ID: s.newID(), Role: domain.RoleProvider, State: StateRequested},
		CounterPartyID:      agent.Identity,
		CounterPartyAddress: req.CallbackAddress,
		Protocol:            dispatch.DefaultProtocol,
		CorrelationID:       in.ProcessID,
		Offer:               Offer{ID: req.Offer.ID, AssetID: req.Offer.AssetID, Policy: p},
		CounterPartyClaims:  agent.Claims,
	}
	if err := s.Store.Create(ctx, n); err != nil {
		s.logger().ErrorContext(ctx, "create negotiation failed", "error", err)
		return dispatch.Response{}, command.Conflict("create negotiation: %v", err)
	}
	s.logger().InfoContext(ctx, "negotiation received", "id", n.ID, "counter_party", n.CounterPartyID, "asset", n.Offer.AssetID)
	return dispatch.Response{ProcessID: n.ID}, command.Success()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// ErrNoAgreement is returned when no finalized negotiation carries an
// agreement id.
var ErrNoAgreement = errors.New("no finalized agreement")

// FindAgreement returns the finalized negotiation holding agreementID.
func FindAgreement(ctx context.Context, st store.Store[*Negotiation], agreementID string) (*Negotiation, error) {
	finalized, err := st.Query(ctx, store.Criteria{States: []int{StateFinalized}}, 0)
	if err != nil {
		return nil, err
	}
	for _, n := range finalized {
		if n.Agreement != nil && n.Agreement.ID == agreementID {
			return n, nil
		}
	}
	return nil, fmt.Errorf("agreement %s: %w", agreementID, ErrNoAgreement)
}
