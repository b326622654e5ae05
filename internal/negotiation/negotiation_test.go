package negotiation_test

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
)

var regionEU = policy.Policy{
	ID: "eu-only",
	Permissions: []policy.Rule{{
		Kind:        policy.KindPermission,
		Action:      negotiation.ActionUse,
		Constraints: []policy.Constraint{policy.AtomicConstraint{Left: "region", Operator: policy.EQ, Right: "eu"}},
	}},
}

// connector is one side of an exchange wired the way the runtime does it.
type connector struct {
	id      string
	store   *store.Memory[*negotiation.Negotiation]
	service *negotiation.Service
	manager *statemachine.Manager[*negotiation.Negotiation]
}

// loopback delivers messages straight to the addressed connector.
type loopback struct {
	sender policy.ParticipantAgent
	peers  map[string]*connector
	fail   error
}

func (l *loopback) Dispatch(ctx context.Context, msg dispatch.Message) (dispatch.Response, error) {
	if l.fail != nil {
		return dispatch.Response{}, l.fail
	}
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
		return dispatch.Response{}, errors.New(result.Message)
	}
	return res, nil
}

func newConnector(t *testing.T, id, role string, clock *storetest.Clock, transport dispatch.Dispatcher) *connector {
	t.Helper()
	st, err := store.NewMemory[*negotiation.Negotiation](store.Options{Kind: negotiation.Kind, Owner: id, Now: clock.Now})
	require.NoError(t, err)

	reg := policy.NewRegistry()
	require.NoError(t, policy.RegisterDefaults(reg))
	require.NoError(t, policy.RegisterClaimFunctions(reg, "region"))

	dispatchers := dispatch.NewRegistry()
	dispatchers.Register(dispatch.DefaultProtocol, transport)

	commands := command.NewRegistry()
	require.NoError(t, negotiation.RegisterCommands(commands, st, clock.Now, nil))

	var seq int
	newID := func() string { seq++; return fmt.Sprintf("%s-%d", id, seq) }
	procs := &negotiation.Processes{
		Policies:        policy.NewEngine(reg, policy.WithClock(clock.Now)),
		Dispatch:        dispatchers,
		ParticipantID:   id,
		CallbackAddress: id,
		Now:             clock.Now,
		NewID:           newID,
	}
	m, err := statemachine.New[*negotiation.Negotiation](st, statemachine.Config{
		States: negotiation.States,
		Role:   role,
		Clock:  statemachine.Clock{Now: clock.Now},
	})
	require.NoError(t, err)
	require.NoError(t, procs.Register(m, role))

	return &connector{
		id:    id,
		store: st,
		service: &negotiation.Service{
			Store:    st,
			Commands: commands,
			Assets: func(assetID string) (policy.Policy, bool) {
				return regionEU, assetID == "asset-1"
			},
			NewID: newID,
		},
		manager: m,
	}
}

func pair(t *testing.T, consumerRegion string) (consumer, provider *connector, toProvider, toConsumer *loopback) {
	clock := storetest.NewClock()
	peers := map[string]*connector{}
	toProvider = &loopback{sender: policy.ParticipantAgent{Identity: "consumer", Claims: map[string]any{"region": consumerRegion}}, peers: peers}
	toConsumer = &loopback{sender: policy.ParticipantAgent{Identity: "provider"}, peers: peers}
	consumer = newConnector(t, "consumer", domain.RoleConsumer, clock, toProvider)
	provider = newConnector(t, "provider", domain.RoleProvider, clock, toConsumer)
	peers["consumer"] = consumer
	peers["provider"] = provider
	return consumer, provider, toProvider, toConsumer
}

func step(t *testing.T, c *connector) {
	t.Helper()
	n, err := c.manager.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func only(t *testing.T, c *connector) *negotiation.Negotiation {
	t.Helper()
	all, err := c.service.List(context.Background(), store.Criteria{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	return all[0]
}

func request(t *testing.T, c *connector) *negotiation.Negotiation {
	t.Helper()
	n, err := c.service.Request(context.Background(), negotiation.RequestInput{
		CounterPartyID:      "provider",
		CounterPartyAddress: "provider",
		Offer:               negotiation.Offer{ID: "offer-1", AssetID: "asset-1"},
	})
	require.NoError(t, err)
	return n
}

func TestNegotiationReachesFinalized(t *testing.T) {
	ctx := context.Background()
	consumer, provider, _, _ := pair(t, "eu")
	n := request(t, consumer)
	require.Equal(t, negotiation.StateRequesting, n.State)

	step(t, consumer)
	c := only(t, consumer)
	p := only(t, provider)
	require.Equal(t, negotiation.StateRequested, c.State)
	require.Equal(t, p.ID, c.CorrelationID)
	require.Equal(t, c.ID, p.CorrelationID)
	require.Equal(t, domain.RoleProvider, p.Role)
	require.Equal(t, "eu-only", p.Offer.Policy.ID)

	step(t, provider) // REQUESTED -> AGREEING
	require.Equal(t, negotiation.StateAgreeing, only(t, provider).State)
	step(t, provider) // AGREEING -> AGREED, consumer AGREED
	require.Equal(t, negotiation.StateAgreed, only(t, provider).State)
	c = only(t, consumer)
	require.Equal(t, negotiation.StateAgreed, c.State)
	require.NotNil(t, c.Agreement)
	require.Equal(t, "asset-1", c.Agreement.AssetID)
	require.Equal(t, "consumer", c.Agreement.ConsumerID)

	step(t, consumer) // verification
	require.Equal(t, negotiation.StateVerified, only(t, consumer).State)
	require.Equal(t, negotiation.StateVerified, only(t, provider).State)

	step(t, provider) // finalized
	require.Equal(t, negotiation.StateFinalized, only(t, provider).State)
	require.Equal(t, negotiation.StateFinalized, only(t, consumer).State)

	for _, side := range []*connector{consumer, provider} {
		n, err := side.manager.RunOnce(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
	}
}

func TestAgreementWithChangedPolicyIsNotVerified(t *testing.T) {
	ctx := context.Background()
	consumer, provider, _, _ := pair(t, "eu")
	offered := policy.Policy{
		ID: "eu-only",
		Permissions: []policy.Rule{{
			Kind:        policy.KindPermission,
			Action:      negotiation.ActionUse,
			Constraints: []policy.Constraint{policy.AtomicConstraint{Left: "region", Operator: policy.EQ, Right: "de"}},
		}},
	}
	_, err := consumer.service.Request(ctx, negotiation.RequestInput{
		CounterPartyID:      "provider",
		CounterPartyAddress: "provider",
		Offer:               negotiation.Offer{ID: "offer-1", AssetID: "asset-1", Policy: offered},
	})
	require.NoError(t, err)

	step(t, consumer)
	step(t, provider)
	step(t, provider)
	c := only(t, consumer)
	require.Equal(t, negotiation.StateAgreed, c.State)
	require.False(t, c.Offer.Policy.Equal(c.Agreement.Policy))

	step(t, consumer)
	c = only(t, consumer)
	require.Equal(t, negotiation.StateTerminated, c.State)
	require.Contains(t, c.ErrorDetail, "policy other than offer")
	require.Equal(t, negotiation.StateAgreed, only(t, provider).State)
}

func TestNegotiationPolicyDenialTerminatesBothSides(t *testing.T) {
	consumer, provider, _, _ := pair(t, "us")
	request(t, consumer)
	step(t, consumer)

	step(t, provider) // denied -> TERMINATING
	p := only(t, provider)
	require.Equal(t, negotiation.StateTerminating, p.State)
	require.Contains(t, p.ErrorDetail, "policy denied")

	step(t, provider)
	require.Equal(t, negotiation.StateTerminated, only(t, provider).State)
	c := only(t, consumer)
	require.Equal(t, negotiation.StateTerminated, c.State)
	require.Contains(t, c.ErrorDetail, "policy denied")
}

func TestTerminateCommand(t *testing.T) {
	ctx := context.Background()
	consumer, _, toProvider, _ := pair(t, "eu")
	n := request(t, consumer)

	res := consumer.service.Terminate(ctx, n.ID, "no longer needed")
	require.Equal(t, command.StatusSuccess, res.Status)
	got, err := consumer.service.Get(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, negotiation.StateTerminating, got.State)
	require.Equal(t, "no longer needed", got.ErrorDetail)

	res = consumer.service.Terminate(ctx, n.ID, "again")
	require.Equal(t, command.StatusConflict, res.Status)

	// The peer never learned about it, so nothing is sent.
	toProvider.fail = errors.New("must not be called")
	step(t, consumer)
	got, err = consumer.service.Get(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, negotiation.StateTerminated, got.State)

	res = consumer.service.Terminate(ctx, "missing", "")
	require.Equal(t, command.StatusNotFound, res.Status)
}

func TestInboundMessageRejectedInWrongState(t *testing.T) {
	ctx := context.Background()
	consumer, _, _, _ := pair(t, "eu")
	n := request(t, consumer)

	_, res := consumer.service.Receive(ctx, policy.ParticipantAgent{Identity: "provider"}, dispatch.Inbound{
		Type:          dispatch.TypeNegotiationFinalized,
		CorrelationID: n.ID,
	})
	require.Equal(t, command.StatusConflict, res.Status)
	require.Contains(t, res.Message, "REQUESTING")

	_, err := consumer.store.Lease(ctx, n.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestInboundFromWrongPeerIsRejected(t *testing.T) {
	ctx := context.Background()
	consumer, _, _, _ := pair(t, "eu")
	request(t, consumer)
	step(t, consumer)
	c := only(t, consumer)

	_, res := consumer.service.Receive(ctx, policy.ParticipantAgent{Identity: "mallory"}, dispatch.Inbound{
		Type:          dispatch.TypeNegotiationTermination,
		CorrelationID: c.ID,
	})
	require.Equal(t, command.StatusConflict, res.Status)
	require.Equal(t, negotiation.StateRequested, only(t, consumer).State)
}

func TestRequestForUnknownAsset(t *testing.T) {
	_, provider, _, _ := pair(t, "eu")
	payload, err := json.Marshal(negotiation.RequestPayload{Offer: negotiation.Offer{AssetID: "nope"}, CallbackAddress: "consumer"})
	require.NoError(t, err)

	_, res := provider.service.Receive(context.Background(), policy.ParticipantAgent{Identity: "consumer"}, dispatch.Inbound{
		Type:      dispatch.TypeNegotiationRequest,
		ProcessID: "c-1",
		Payload:   payload,
	})
	require.Equal(t, command.StatusNotFound, res.Status)
}

func TestRequestRetriesTransientDispatchFailure(t *testing.T) {
	ctx := context.Background()
	consumer, _, toProvider, _ := pair(t, "eu")
	n := request(t, consumer)

	toProvider.fail = errors.New("connection refused")
	step(t, consumer)
	got, err := consumer.service.Get(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, negotiation.StateRequesting, got.State)
	require.Equal(t, 1, got.StateCount)

	toProvider.fail = dispatch.Permanent(errors.New("bad request"))
	_, err = consumer.store.Lease(ctx, n.ID)
	require.NoError(t, err) // held for the retry backoff
	require.NoError(t, consumer.store.BreakLease(ctx, n.ID))
	step(t, consumer)
	got, err = consumer.service.Get(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, negotiation.StateTerminated, got.State)
	require.Contains(t, got.ErrorDetail, "bad request")
}
