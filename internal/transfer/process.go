package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"connector/internal/dispatch"
	"connector/internal/domain"
	"connector/internal/negotiation"
	"connector/internal/policy"
	"connector/internal/statemachine"
)

// Processes holds the state actions for both roles.
type Processes struct {
	Policies        *policy.Engine
	Dispatch        *dispatch.Registry
	CallbackAddress string
	// DataBaseURL is where the provider serves assets from.
	DataBaseURL string
}

func (p *Processes) Consumer() []statemachine.Processor[*Transfer] {
	return []statemachine.Processor[*Transfer]{
		{State: StateRequesting, Action: p.request},
		{State: StateCompleting, Action: p.complete},
		{State: StateTerminating, Action: p.terminate},
	}
}

func (p *Processes) Provider() []statemachine.Processor[*Transfer] {
	return []statemachine.Processor[*Transfer]{
		{State: StateRequested, Action: p.authorize},
		{State: StateStarting, Action: p.start},
		{State: StateCompleting, Action: p.complete},
		{State: StateTerminating, Action: p.terminate},
	}
}

func (p *Processes) Register(m *statemachine.Manager[*Transfer], role string) error {
	var procs []statemachine.Processor[*Transfer]
	switch role {
	case domain.RoleConsumer:
		procs = p.Consumer()
	case domain.RoleProvider:
		procs = p.Provider()
	default:
		return fmt.Errorf("transfer: unknown role %q", role)
	}
	for _, proc := range procs {
		if err := m.Register(proc); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processes) send(ctx context.Context, t *Transfer, msgType string, payload any) (dispatch.Response, error) {
	return p.Dispatch.Dispatch(ctx, dispatch.Message{
		Protocol:            t.Protocol,
		Type:                msgType,
		CounterPartyAddress: t.CounterPartyAddress,
		ProcessID:           t.ID,
		CorrelationID:       t.CorrelationID,
		Payload:             payload,
	})
}

func failed(err error) statemachine.Outcome {
	if dispatch.IsPermanent(err) {
		return statemachine.Fatal(err)
	}
	return statemachine.Retry(err)
}

func (p *Processes) request(ctx context.Context, t *Transfer) statemachine.Outcome {
	res, err := p.send(ctx, t, dispatch.TypeTransferRequest, RequestPayload{
		AgreementID:     t.AgreementID,
		AssetID:         t.AssetID,
		DataDestination: t.DataDestination,
		CallbackAddress: p.CallbackAddress,
	})
	if err != nil {
		return failed(err)
	}
	if res.ProcessID == "" {
		return statemachine.Retryf("counter-party %s returned no process id", t.CounterPartyID)
	}
	t.CorrelationID = res.ProcessID
	return statemachine.Advance(StateRequested)
}

// authorize re-evaluates the agreement policy for the transfer scope.
func (p *Processes) authorize(ctx context.Context, t *Transfer) statemachine.Outcome {
	err := p.Policies.Evaluate(ctx, policy.ScopeTransfer, t.Policy, t.Agent(), map[string]any{
		policy.ActionKey: negotiation.ActionUse,
		"agreementId":    t.AgreementID,
	})
	var ee *policy.EvaluationError
	switch {
	case errors.As(err, &ee):
		t.ErrorDetail = ee.Error()
		return statemachine.Advance(StateTerminating)
	case err != nil:
		return statemachine.Retry(err)
	}
	return statemachine.Advance(StateStarting)
}

func (p *Processes) start(ctx context.Context, t *Transfer) statemachine.Outcome {
	if t.DataAddress == nil {
		t.DataAddress = map[string]string{
			"type":     "HttpData",
			"endpoint": strings.TrimRight(p.DataBaseURL, "/") + "/" + url.PathEscape(t.AssetID),
		}
	}
	if _, err := p.send(ctx, t, dispatch.TypeTransferStart, StartPayload{DataAddress: t.DataAddress}); err != nil {
		return failed(err)
	}
	return statemachine.Advance(StateStarted)
}

func (p *Processes) complete(ctx context.Context, t *Transfer) statemachine.Outcome {
	if _, err := p.send(ctx, t, dispatch.TypeTransferCompletion, nil); err != nil {
		return failed(err)
	}
	return statemachine.Advance(StateCompleted)
}

func (p *Processes) terminate(ctx context.Context, t *Transfer) statemachine.Outcome {
	if t.CorrelationID != "" {
		_, err := p.send(ctx, t, dispatch.TypeTransferTermination, TerminationPayload{Reason: t.ErrorDetail})
		if err != nil && !dispatch.IsPermanent(err) {
			return statemachine.Retry(err)
		}
	}
	return statemachine.Advance(StateTerminated)
}
