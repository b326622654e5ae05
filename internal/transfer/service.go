package transfer

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
	"connector/internal/negotiation"
	"connector/internal/policy"
	"connector/internal/store"
)

type Service struct {
	Store    store.Store[*Transfer]
	Commands *command.Registry
	// Agreements resolves an agreement id to its finalized negotiation.
	Agreements func(ctx context.Context, agreementID string) (*negotiation.Negotiation, error)
	NewID      func() string
	Logger     *slog.Logger
}

type StartInput struct {
	AgreementID     string            `json:"agreement_id" required:"true" minLength:"1"`
	DataDestination map[string]string `json:"data_destination,omitempty"`
}

// Start opens a consumer transfer under a finalized agreement.
func (s *Service) Start(ctx context.Context, in StartInput) (*Transfer, error) {
	if strings.TrimSpace(in.AgreementID) == "" {
		return nil, errors.New("agreement_id is required")
	}
	n, err := s.Agreements(ctx, in.AgreementID)
	if err != nil {
		return nil, err
	}
	if n.Role != domain.RoleConsumer {
		return nil, fmt.Errorf("agreement %s was not negotiated as consumer", in.AgreementID)
	}
	t := &Transfer{
		Entity:              domain.Entity{ID: s.newID(), Role: domain.RoleConsumer, State: StateRequesting},
		CounterPartyID:      n.CounterPartyID,
		CounterPartyAddress: n.CounterPartyAddress,
		Protocol:            n.Protocol,
		AgreementID:         in.AgreementID,
		AssetID:             n.Agreement.AssetID,
		Policy:              n.Agreement.Policy,
		DataDestination:     in.DataDestination,
	}
	if err := s.Store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create transfer: %w", err)
	}
	s.logger().InfoContext(ctx, "transfer requested", "id", t.ID, "agreement", t.AgreementID)
	return t, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Transfer, error) {
	return s.Store.FindByID(ctx, id)
}

func (s *Service) List(ctx context.Context, c store.Criteria, limit int) ([]*Transfer, error) {
	return s.Store.Query(ctx, c, limit)
}

func (s *Service) Complete(ctx context.Context, id string) command.Result {
	return s.Commands.Execute(ctx, Complete{ID: id})
}

func (s *Service) Terminate(ctx context.Context, id, reason string) command.Result {
	return s.Commands.Execute(ctx, Terminate{ID: id, Reason: reason})
}

// Receive handles a protocol message from agent.
func (s *Service) Receive(ctx context.Context, agent policy.ParticipantAgent, in dispatch.Inbound) (dispatch.Response, command.Result) {
	ack := dispatch.Response{ProcessID: in.CorrelationID}
	switch in.Type {
	case dispatch.TypeTransferRequest:
		return s.receiveRequest(ctx, agent, in)
	case dispatch.TypeTransferStart:
		var p StartPayload
		if err := in.Decode(&p); err != nil {
			return dispatch.Response{}, command.NotExecutable("%v", err)
		}
		return ack, s.Commands.Execute(ctx, StartReceived{ID: in.CorrelationID, Sender: agent.Identity, DataAddress: p.DataAddress})
	case dispatch.TypeTransferCompletion:
		return ack, s.Commands.Execute(ctx, CompletionReceived{ID: in.CorrelationID, Sender: agent.Identity})
	case dispatch.TypeTransferTermination:
		var p TerminationPayload
		if err := in.Decode(&p); err != nil {
			return dispatch.Response{}, command.NotExecutable("%v", err)
		}
		return ack, s.Commands.Execute(ctx, TerminationReceived{ID: in.CorrelationID, Sender: agent.Identity, Reason: p.Reason})
	}
	return dispatch.Response{}, command.NotExecutable("unsupported message type %q", in.Type)
}

func (s *Service) receiveRequest(ctx context.Context, agent policy.ParticipantAgent, in dispatch.Inbound) (dispatch.Response, command.Result) {
	var req RequestPayload
	if err := in.Decode(&req); err != nil {
		return dispatch.Response{}, command.NotExecutable("%v", err)
	}
	if agent.Identity == "" || in.ProcessID == "" || req.CallbackAddress == "" {
		return dispatch.Response{}, command.NotExecutable("request needs an authenticated sender, process_id and callback_address")
	}
	n, err := s.Agreements(ctx, req.AgreementID)
	switch {
	case errors.Is(err, negotiation.ErrNoAgreement):
		return dispatch.Response{}, command.NotFound("%v", err)
	case err != nil:
		return dispatch.Response{}, command.Conflict("lookup agreement: %v", err)
	}
	if n.Role != domain.RoleProvider || n.CounterPartyID != agent.Identity {
		return dispatch.Response{}, command.NotExecutable("agreement %s was not granted to %s", req.AgreementID, agent.Identity)
	}
	t := &Transfer{
		Entity:              domain.Entity{ID: s.newID(), Role: domain.RoleProvider, State: StateRequested},
		CounterPartyID:      agent.Identity,
		CounterPartyAddress: req.CallbackAddress,
		Protocol:            dispatch.DefaultProtocol,
		CorrelationID:       in.ProcessID,
		AgreementID:         req.AgreementID,
		AssetID:             n.Agreement.AssetID,
		Policy:              n.Agreement.Policy,
		DataDestination:     req.DataDestination,
		CounterPartyClaims:  agent.Claims,
	}
	if err := s.Store.Create(ctx, t); err != nil {
		s.logger().ErrorContext(ctx, "create transfer failed", "error", err)
		return dispatch.Response{}, command.Conflict("create transfer: %v", err)
	}
	s.logger().InfoContext(ctx, "transfer received", "id", t.ID, "counter_party", t.CounterPartyID, "agreement", t.AgreementID)
	return dispatch.Response{ProcessID: t.ID}, command.Success()
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
