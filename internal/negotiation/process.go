package negotiation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"connector/internal/dispatch"
	"connector/internal/domain"
	"connector/internal/policy"
	"connector/internal/statemachine"
)

// Processes holds the state actions for both roles.
type Processes struct {
	Policies *policy.Engine
	Dispatch *dispatch.Registry
	// ParticipantID and CallbackAddress identify this connector to peers.
	ParticipantID   string
	CallbackAddress string
	Now             func() time.Time
	NewID           func() string
}

// Consumer returns the actions for negotiations this connector requested.
func (p *Processes) Consumer() []statemachine.Processor[*Negotiation] {
	return []statemachine.Processor[*Negotiation]{
		{State: StateRequesting, Action: p.request},
		{State: StateAgreed, Action: p.verify},
		{State: StateTerminating, Action: p.terminate},
	}
}

// Provider returns the actions for negotiations a peer requested.
func (p *Processes) Provider() []statemachine.Processor[*Negotiation] {
	return []statemachine.Processor[*Negotiation]{
		{State: StateRequested, Action: p.evaluate},
		{State: StateAgreeing, Action: p.agree},
		{State: StateVerified, Action: p.finalize},
		{State: StateTerminating, Action: p.terminate},
	}
}

func (p *Processes) send(ctx context.Context, n *Negotiation, msgType string, payload any) (dispatch.Response, error) {
	return p.Dispatch.Dispatch(ctx, dispatch.Message{
		Protocol:            n.Protocol,
		Type:                msgType,
		CounterPartyAddress: n.CounterPartyAddress,
		ProcessID:           n.ID,
		CorrelationID:       n.CorrelationID,
		Payload:             payload,
	})
}

func failed(err error) statemachine.Outcome {
	if dispatch.IsPermanent(err) {
		return statemachine.Fatal(err)
	}
	return statemachine.Retry(err)
}

func (p *Processes) request(ctx context.Context, n *Negotiation) statemachine.Outcome {
	res, err := p.send(ctx, n, dispatch.TypeNegotiationRequest, RequestPayload{Offer: n.Offer, CallbackAddress: p.CallbackAddress})
	if err != nil {
		return failed(err)
	}
	if res.ProcessID == "" {
		return statemachine.Retryf("counter-party %s returned no process id", n.CounterPartyID)
	}
	n.CorrelationID = res.ProcessID
	return statemachine.Advance(StateRequested)
}

// evaluate checks the offer policy against the requesting consumer. A denial
// is a declined negotiation, not a failure.
func (p *Processes) evaluate(ctx context.Context, n *Negotiation) statemachine.Outcome {
	err := p.Policies.Evaluate(ctx, policy.ScopeNegotiation, n.Offer.Policy, n.Agent(), map[string]any{
		policy.ActionKey: ActionUse,
		"offer":          n.Offer,
	})
	var ee *policy.EvaluationError
	switch {
	case errors.As(err, &ee):
		n.ErrorDetail = ee.Error()
		return statemachine.Advance(StateTerminating)
	case err != nil:
		return statemachine.Retry(err)
	}
	return statemachine.Advance(StateAgreeing)
}

func (p *Processes) agree(ctx context.Context, n *Negotiation) statemachine.Outcome {
	if n.Agreement == nil {
		n.Agreement = &Agreement{
			ID:         p.newID(),
			AssetID:    n.Offer.AssetID,
			ConsumerID: n.CounterPartyID,
			ProviderID: p.ParticipantID,
			Policy:     n.Offer.Policy,
			SignedAt:   p.now(),
		}
	}
	if _, err := p.send(ctx, n, dispatch.TypeNegotiationAgreement, n.Agreement); err != nil {
		return failed(err)
	}
	return statemachine.Advance(StateAgreed)
}

func (p *Processes) verify(ctx context.Context, n *Negotiation) statemachine.Outcome {
	if n.Agreement == nil {
		return statemachine.Fatalf("agreed negotiation has no agreement")
	}
	if n.Agreement.AssetID != n.Offer.AssetID {
		return statemachine.Fatalf("agreement %s covers asset %s, requested %s", n.Agreement.ID, n.Agreement.AssetID, n.Offer.AssetID)
	}
	if !n.Offer.Policy.IsZero() && !n.Offer.Policy.Equal(n.Agreement.Policy) {
		return statemachine.Fatalf("agreement %s carries a policy other than offer %s", n.Agreement.ID, n.Offer.ID)
	}
	if _, err := p.send(ctx, n, dispatch.TypeNegotiationVerification, nil); err != nil {
		return failed(err)
	}
	return statemachine.Advance(StateVerified)
}

func (p *Processes) finalize(ctx context.Context, n *Negotiation) statemachine.Outcome {
	if _, err := p.send(ctx, n, dispatch.TypeNegotiationFinalized, n.Agreement); err != nil {
		return failed(err)
	}
	return statemachine.Advance(StateFinalized)
}

func (p *Processes) terminate(ctx context.Context, n *Negotiation) statemachine.Outcome {
	if n.CorrelationID != "" {
		_, err := p.send(ctx, n, dispatch.TypeNegotiationTermination, TerminationPayload{Reason: n.ErrorDetail})
		if err != nil && !dispatch.IsPermanent(err) {
			return statemachine.Retry(err)
		}
	}
	return statemachine.Advance(StateTerminated)
}

func (p *Processes) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Processes) newID() string {
	if p.NewID != nil {
		return p.NewID()
	}
	return uuid.NewString()
}

// Register installs the actions for role on m.
func (p *Processes) Register(m *statemachine.Manager[*Negotiation], role string) error {
	var procs []statemachine.Processor[*Negotiation]
	switch role {
	case domain.RoleConsumer:
		procs = p.Consumer()
	case domain.RoleProvider:
		procs = p.Provider()
	default:
		return fmt.Errorf("negotiation: unknown role %q", role)
	}
	for _, proc := range procs {
		if err := m.Register(proc); err != nil {
			return err
		}
	}
	return nil
}
