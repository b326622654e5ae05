package transfer_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"connector/internal/command"
	"connector/internal/dispatch"
	"connector/internal/domain"
	"connector/internal/negotiation"
	"connector/internal/policy"
	"connector/internal/statemachine"
	"connector/internal/store"
	"connector/internal/store/storetest"
	"connector/internal/transfer"
)

type connector struct {
	store   *store.Memory[*transfer.Transfer]
	service *transfer.Service
	manager *statemachine.Manager[*transfer.Transfer]
}

type loopback struct {
	sender policy.ParticipantAgent
	peers  map[string]*connector
}

func (l *loopback) Dispatch(ctx context.Context, msg dispatch.Message) (dispatch.Response, error) {
	peer, ok := l.peers[msg.CounterPartyAddress]
	if !ok {
		return dispatch.Response{}, dispatch.Permanent(fmt.Errorf("no peer at %s", msg.CounterPartyAddress))
	}
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return dispatch.Response{}, err
	}
	res, result := peer.service.Receive(ctx, l.sender, dispatch.Inbound{
		Type:          msg.Type,
		ProcessID:     msg.ProcessID,
		CorrelationID: msg.CorrelationID,
		Payload:       payload,
	})
	if !result.Succeeded() {
		return dispatch.Response{}, dispatch.Permanent(errors.New(result.Message))
	}
	return res, nil
}

func agreementPolicy(region string) policy.Policy {
	return policy.Policy{
		ID: "agreement-policy",
		Permissions: []policy.Rule{{
			Kind:        policy.KindPermission,
			Action:      negotiation.ActionUse,
			Constraints: []policy.Constraint{policy.AtomicConstraint{Left: "region", Operator: policy.EQ, Right: region}},
		}},
	}
}

func newConnector(t *testing.T, id, role, counterParty string, clock *storetest.Clock, p policy.Policy, transport dispatch.Dispatcher) *connector {
	t.Helper()
	ctx := context.Background()

	negotiations, err := store.NewMemory[*negotiation.Negotiation](store.Options{Kind: negotiation.Kind, Owner: id, Now: clock.Now})
	require.NoError(t, err)
	require.NoError(t, negotiations.Create(ctx, &negotiation.Negotiation{
		Entity:              domain.Entity{ID: "neg-" + id, Role: role, State: negotiation.StateFinalized},
		CounterPartyID:      counterParty,
		CounterPartyAddress: counterParty,
		Agreement: &negotiation.Agreement{
			ID: "agreement-1", AssetID: "asset-1", ConsumerID: "consumer", ProviderID: "provider", Policy: p,
		},
	}))

	st, err := store.NewMemory[*transfer.Transfer](store.Options{Kind: transfer.Kind, Owner: id, Now: clock.Now})
	require.NoError(t, err)

	reg := policy.NewRegistry()
	require.NoError(t, policy.RegisterClaimFunctions(reg, "region"))
	dispatchers := dispatch.NewRegistry()
	dispatchers.Register(dispatch.DefaultProtocol, transport)

	commands := command.NewRegistry()
	require.NoError(t, transfer.RegisterCommands(commands, st, clock.Now, nil))

	procs := &transfer.Processes{
		Policies:        policy.NewEngine(reg, policy.WithClock(clock.Now)),
		Dispatch:        dispatchers,
		CallbackAddress: id,
		DataBaseURL:     "https://" + id + ".example/data/",
	}
	m, err := statemachine.New[*transfer.Transfer](st, statemachine.Config{
		States: transfer.States,
		Role:   role,
		Clock:  statemachine.Clock{Now: clock.Now},
	})
	require.NoError(t, err)
	require.NoError(t, procs.Register(m, role))

	var seq int
	return &connector{
		store: st,
		service: &transfer.Service{
			Store:    st,
			Commands: commands,
			Agreements: func(ctx context.Context, agreementID string) (*negotiation.Negotiation, error) {
				return negotiation.FindAgreement(ctx, negotiations, agreementID)
			},
			NewID: func() string { seq++; return fmt.Sprintf("%s-tp-%d", id, seq) },
		},
		manager: m,
	}
}

func pair(t *testing.T, region string) (consumer, provider *connector) {
	clock := storetest.NewClock()
	peers := map[string]*connector{}
	p := agreementPolicy("eu")
	consumer = newConnector(t, "consumer", domain.RoleConsumer, "provider", clock, p,
		&loopback{sender: policy.ParticipantAgent{Identity: "consumer", Claims: map[string]any{"region": region}}, peers: peers})
	provider = newConnector(t, "provider", domain.RoleProvider, "consumer", clock, p,
		&loopback{sender: policy.ParticipantAgent{Identity: "provider"}, peers: peers})
	peers["consumer"] = consumer
	peers["provider"] = provider
	return consumer, provider
}

func step(t *testing.T, c *connector) {
	t.Helper()
	n, err := c.manager.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func only(t *testing.T, c *connector) *transfer.Transfer {
	t.Helper()
	all, err := c.service.List(context.Background(), store.Criteria{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	return all[0]
}

func TestTransferLifecycle(t *testing.T) {
	ctx := context.Background()
	consumer, provider := pair(t, "eu")

	tp, err := consumer.service.Start(ctx, transfer.StartInput{AgreementID: "agreement-1", DataDestination: map[string]string{"type": "HttpProxy"}})
	require.NoError(t, err)
	require.Equal(t, "asset-1", tp.AssetID)

	step(t, consumer) // request
	p := only(t, provider)
	require.Equal(t, transfer.StateRequested, p.State)
	require.Equal(t, "HttpProxy", p.DataDestination["type"])
	require.Equal(t, p.ID, only(t, consumer).CorrelationID)

	step(t, provider) // authorize
	require.Equal(t, transfer.StateStarting, only(t, provider).State)
	step(t, provider) // start
	require.Equal(t, transfer.StateStarted, only(t, provider).State)
	c := only(t, consumer)
	require.Equal(t, transfer.StateStarted, c.State)
	require.Equal(t, "https://provider.example/data/asset-1", c.DataAddress["endpoint"])

	res := consumer.service.Complete(ctx, c.ID)
	require.True(t, res.Succeeded(), res.Message)
	step(t, consumer)
	require.Equal(t, transfer.StateCompleted, only(t, consumer).State)
	require.Equal(t, transfer.StateCompleted, only(t, provider).State)
}

func TestTransferDeniedByAgreementPolicy(t *testing.T) {
	ctx := context.Background()
	consumer, provider := pair(t, "us")
	_, err := consumer.service.Start(ctx, transfer.StartInput{AgreementID: "agreement-1"})
	require.NoError(t, err)
	step(t, consumer)

	step(t, provider)
	require.Equal(t, transfer.StateTerminating, only(t, provider).State)
	step(t, provider)
	require.Equal(t, transfer.StateTerminated, only(t, provider).State)
	c := only(t, consumer)
	require.Equal(t, transfer.StateTerminated, c.State)
	require.Contains(t, c.ErrorDetail, "policy denied")
}

func TestStartRequiresKnownAgreement(t *testing.T) {
	consumer, provider := pair(t, "eu")
	_, err := consumer.service.Start(context.Background(), transfer.StartInput{AgreementID: "unknown"})
	require.ErrorIs(t, err, negotiation.ErrNoAgreement)

	payload, err := json.Marshal(transfer.RequestPayload{AgreementID: "agreement-1", CallbackAddress: "mallory"})
	require.NoError(t, err)
	_, res := provider.service.Receive(context.Background(), policy.ParticipantAgent{Identity: "mallory"}, dispatch.Inbound{
		Type: dispatch.TypeTransferRequest, ProcessID: "x", Payload: payload,
	})
	require.Equal(t, command.StatusNotExecutable, res.Status)
}

func TestCompleteOnlyWhenStarted(t *testing.T) {
	ctx := context.Background()
	consumer, _ := pair(t, "eu")
	tp, err := consumer.service.Start(ctx, transfer.StartInput{AgreementID: "agreement-1"})
	require.NoError(t, err)

	res := consumer.service.Complete(ctx, tp.ID)
	require.Equal(t, command.StatusConflict, res.Status)
	require.Contains(t, res.Message, "REQUESTING")

	res = consumer.service.Terminate(ctx, tp.ID, "cancelled")
	require.True(t, res.Succeeded())
	got, err := consumer.service.Get(ctx, tp.ID)
	require.NoError(t, err)
	require.Equal(t, transfer.StateTerminating, got.State)
}
