package transfer

import (
	"context"
	"log/slog"
	"time"

	"connector/internal/command"
	"connector/internal/domain"
	"connector/internal/store"
)

type Complete struct{ ID string }

func (c Complete) EntityID() string { return c.ID }

type Terminate struct {
	ID     string
	Reason string
}

func (c Terminate) EntityID() string { return c.ID }

// StartReceived tells the consumer where to fetch the data.
type StartReceived struct {
	ID          string
	Sender      string
	DataAddress map[string]string
}

func (c StartReceived) EntityID() string { return c.ID }

type CompletionReceived struct {
	ID     string
	Sender string
}

func (c CompletionReceived) EntityID() string { return c.ID }

type TerminationReceived struct {
	ID     string
	Sender string
	Reason string
}

func (c TerminationReceived) EntityID() string { return c.ID }

func fromPeer(t *Transfer, sender string) bool {
	return sender == "" || sender == t.CounterPartyID
}

func RegisterCommands(reg *command.Registry, st store.Store[*Transfer], now func() time.Time, logger *slog.Logger) error {
	if now == nil {
		now = time.Now
	}
	transition := func(t *Transfer, next int) bool {
		return t.Transition(States, next, now()) == nil
	}
	handlers := []command.Handler{
		&command.SingleEntityHandler[*Transfer, Complete]{
			Store: st, States: States, Now: now, Logger: logger,
			Modify: func(_ context.Context, t *Transfer, _ Complete) bool {
				return t.State == StateStarted && transition(t, StateCompleting)
			},
		},
		&command.SingleEntityHandler[*Transfer, Terminate]{
			Store: st, States: States, Now: now, Logger: logger,
			Modify: func(_ context.Context, t *Transfer, cmd Terminate) bool {
				if t.State == StateTerminating || States.IsTerminal(t.State) {
					return false
				}
				t.ErrorDetail = cmd.Reason
				return transition(t, StateTerminating)
			},
		},
		&command.SingleEntityHandler[*Transfer, StartReceived]{
			Store: st, States: States, Now: now, Logger: logger,
			Modify: func(_ context.Context, t *Transfer, cmd StartReceived) bool {
				if t.Role != domain.RoleConsumer || t.State != StateRequested || !fromPeer(t, cmd.Sender) {
					return false
				}
				t.DataAddress = cmd.DataAddress
				return transition(t, StateStarted)
			},
		},
		&command.SingleEntityHandler[*Transfer, CompletionReceived]{
			Store: st, States: States, Now: now, Logger: logger,
			Modify: func(_ context.Context, t *Transfer, cmd CompletionReceived) bool {
				if t.State != StateStarted || !fromPeer(t, cmd.Sender) {
					return false
				}
				return transition(t, StateCompleted)
			},
		},
		&command.SingleEntityHandler[*Transfer, TerminationReceived]{
			Store: st, States: States, Now: now, Logger: logger,
			Modify: func(_ context.Context, t *Transfer, cmd TerminationReceived) bool {
				if States.IsTerminal(t.State) || !fromPeer(t, cmd.Sender) {
					return false
				}
				t.ErrorDetail = cmd.Reason
				return transition(t, StateTerminated)
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
