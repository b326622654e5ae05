// Package transfer drives data transfers under a finalized agreement.
package transfer

import (
	"connector/internal/domain"
	"connector/internal/policy"
)

const Kind = "transfer_process"

const (
	StateRequesting  = 400
	StateRequested   = 500
	StateStarting    = 550
	StateStarted     = 600
	StateCompleting  = 750
	StateCompleted   = 800
	StateTerminating = 825
	StateTerminated  = 850
)

var States = domain.StateSet{
	Kind: Kind,
	Names: map[int]string{
		StateRequesting:  "REQUESTING",
		StateRequested:   "REQUESTED",
		StateStarting:    "STARTING",
		StateStarted:     "STARTED",
		StateCompleting:  "COMPLETING",
		StateCompleted:   "COMPLETED",
		StateTerminating: "TERMINATING",
		StateTerminated:  "TERMINATED",
	},
	Terminal:   []int{StateCompleted, StateTerminated},
	Terminated: StateTerminated,
}

type Transfer struct {
	domain.Entity
	CounterPartyID      string `json:"counter_party_id"`
	CounterPartyAddress string `json:"counter_party_address"`
	Protocol            string `json:"protocol,omitempty"`
	CorrelationID       string `json:"correlation_id,omitempty"`
	AgreementID         string `json:"agreement_id"`
	AssetID             string `json:"asset_id"`
	// Policy is the agreement policy, evaluated again before data flows.
	Policy             policy.Policy     `json:"policy"`
	DataDestination    map[string]string `json:"data_destination,omitempty"`
	DataAddress        map[string]string `json:"data_address,omitempty"`
	CounterPartyClaims map[string]any    `json:"counter_party_claims,omitempty"`
}

func (t *Transfer) Agent() policy.ParticipantAgent {
	return policy.ParticipantAgent{Identity: t.CounterPartyID, Claims: t.CounterPartyClaims}
}

func (t *Transfer) StateName() string { return States.Name(t.State) }

type RequestPayload struct {
	AgreementID     string            `json:"agreement_id"`
	AssetID         string            `json:"asset_id"`
	DataDestination map[string]string `json:"data_destination,omitempty"`
	CallbackAddress string            `json:"callback_address"`
}

type StartPayload struct {
	DataAddress map[string]string `json:"data_address,omitempty"`
}

type TerminationPayload struct {
	Reason string `json:"reason,omitempty"`
}
