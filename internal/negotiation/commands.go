package negotiation

import (
	"context"
	"log/slog"
	"time"

	"connector/internal/command"
	"connector/internal/domain"
	"connector/internal/store"
)

// Terminate asks this connector to abandon a negotiation.
type Terminate struct {
	ID     string
	Reason string
}

func (c Terminate) EntityID() string { return c.ID }

// AgreementReceived carries the provider's agreement to the consumer.
type AgreementReceived struct {
	ID        string
	Sender    string
	Agreement Agreement
}

func (c AgreementReceived) EntityID() string { return c.ID }

// VerificationReceived is the consumer's acceptance of an agreement.
type VerificationReceived struct {
	ID     string
	Sender string
}

func (c VerificationReceived) EntityID() string { return c.ID }

type FinalizedReceived struct {
	ID     string
	Sender string
}

func (c FinalizedReceived) EntityID() string { return c.ID }

// TerminationReceived means the counter-party abandoned the negotiation.
type TerminationReceived struct {
	ID     string
	Sender string
	Reason string
}

func (c TerminationReceived) EntityID() string { return c.ID }

func fromPeer(n *Negotiation, sender string) bool {
	return sender == "" || sender == n.CounterPartyID
}

// RegisterCommands binds every negotiation command to reg.
func RegisterCommands(reg *command.Registry, st store.Store[*Negotiation], now func() time.Time, logger *slog.Logger) error {
	if now == nil {
		now = time.Now
	}
	transition := func(n *Negotiation, next int) bool {
		return n.Transition(States, next, now()) == nil
	}
	handlers := []command.Handler{
		&command.SingleEntityHandler[*Negotiation, Terminate]{
			Store: st, States: States, Now: now, Logger: logger,
			Modify: func(_ context.Context, n *Negotiation, cmd Terminate) bool {
				if n.State == StateTerminating || States.IsTerminal(n.State) {
					return false
				}
				n.ErrorDetail = cmd.Reason
				return transition(n, StateTerminating)
			},
		},
		&command.SingleEntityHandler[*Negotiation, AgreementReceived]{
			Store: st, States: States, Now: now, Logger: logger,
			Modify: func(_ context.Context, n *Negotiation, cmd AgreementReceived) bool {
				if n.Role != domain.RoleConsumer || n.State != StateRequested || !fromPeer(n, cmd.Sender) {
					return false
				}
				agreement := cmd.Agreement
				n.Agreement = &agreement
				return transition(n, StateAgreed)
			},
		},
		&command.SingleEntityHandler[*Negotiation, VerificationReceived]{
			Store: st, States: States, Now: now, Logger: logger,
			Modify: func(_ context.Context, n *Negotiation, cmd VerificationReceived) bool {
				if n.Role != domain.RoleProvider || n.State != StateAgreed || !fromPeer(n, cmd.Sender) {
					return false
				}
				return transition(n, StateVerified)
			},
		},
		&command.SingleEntityHandler[*Negotiation, FinalizedReceived]{
			Store: st, States: States, Now: now, Logger: logger,
			Modify: func(_ context.Context, n *Negotiation, cmd FinalizedReceived) bool {
				if n.Role != domain.RoleConsumer || n.State != StateVerified || !fromPeer(n, cmd.Sender) {
					return false
				}
				return transition(n, StateFinalized)
			},
		},
		&command.SingleEntityHandler[*Negotiation, TerminationReceived]{
			Store: st, States: States, Now: now, Logger: logger,
			Modify: func(_ context.Context, n *Negotiation, cmd TerminationReceived) bool {
				if States.IsTerminal(n.State) || !fromPeer(n, cmd.Sender) {
					return false
				}
				n.ErrorDetail = cmd.Reason
				return transition(n, StateTerminated)
			},
		},
	}
	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}
