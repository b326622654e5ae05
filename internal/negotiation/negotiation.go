// Package negotiation drives contract negotiations, from the consumer's
// request to a finalized agreement, on the shared state machine.
package negotiation

import (
	"time"

	"connector/internal/domain"
	"connector/internal/policy"
)

const Kind = "contract_negotiation"

const (
	StateRequesting  = 100
	StateRequested   = 200
	StateAgreeing    = 820
	StateAgreed      = 850
	StateVerified    = 1100
	StateFinalized   = 1200
	StateTerminating = 1300
	StateTerminated  = 1400
)

var States = domain.StateSet{
	Kind: Kind,
	Names: map[int]string{
		StateRequesting:  "REQUESTING",
		StateRequested:   "REQUESTED",
		StateAgreeing:    "AGREEING",
		StateAgreed:      "AGREED",
		StateVerified:    "VERIFIED",
		StateFinalized:   "FINALIZED",
		StateTerminating: "TERMINATING",
		StateTerminated:  "TERMINATED",
	},
	Terminal:   []int{StateFinalized, StateTerminated},
	Terminated: StateTerminated,
}

// ActionUse is the policy action an agreement grants.
const ActionUse = "use"

type Offer struct {
	ID      string        `json:"id"`
	AssetID string        `json:"asset_id"`
	Policy  policy.Policy `json:"policy"`
}

type Agreement struct {
	ID         string        `json:"id"`
	AssetID    string        `json:"asset_id"`
	ConsumerID string        `json:"consumer_id"`
	ProviderID string        `json:"provider_id"`
	Policy     policy.Policy `json:"policy"`
	SignedAt   time.Time     `json:"signed_at" format:"date-time"`
}

type Negotiation struct {
	domain.Entity
	CounterPartyID      string `json:"counter_party_id"`
	CounterPartyAddress string `json:"counter_party_address"`
	Protocol            string `json:"protocol,omitempty"`
	// CorrelationID is the counter-party's id for this negotiation.
	CorrelationID      string         `json:"correlation_id,omitempty"`
	Offer              Offer          `json:"offer"`
	Agreement          *Agreement     `json:"agreement,omitempty"`
	CounterPartyClaims map[string]any `json:"counter_party_claims,omitempty"`
}

// Agent is the counter-party as the policy engine sees it.
func (n *Negotiation) Agent() policy.ParticipantAgent {
	return policy.ParticipantAgent{Identity: n.CounterPartyID, Claims: n.CounterPartyClaims}
}

func (n *Negotiation) StateName() string { return States.Name(n.State) }

// RequestPayload is the body of a negotiation request message.
type RequestPayload struct {
	Offer           Offer  `json:"offer"`
	CallbackAddress string `json:"callback_address"`
}

type TerminationPayload struct {
	Reason string `json:"reason,omitempty"`
}
