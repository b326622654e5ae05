package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"connector/internal/app"
	"connector/internal/command"
	"connector/internal/dispatch"
	"connector/internal/policy"
)

// receiver is implemented by the negotiation and transfer services.
type receiver interface {
	Receive(ctx context.Context, agent policy.ParticipantAgent, in dispatch.Inbound) (dispatch.Response, command.Result)
}

type protocolRoute struct {
	id      string
	path    string
	msgType string
	summary string
}

var negotiationRoutes = []protocolRoute{
	{"protocol-negotiation-request", "/protocol/negotiations/request", dispatch.TypeNegotiationRequest, "Receive a contract request"},
	{"protocol-negotiation-agreement", "/protocol/negotiations/{id}/agreement", dispatch.TypeNegotiationAgreement, "Receive an agreement"},
	{"protocol-negotiation-verification", "/protocol/negotiations/{id}/verification", dispatch.TypeNegotiationVerification, "Receive an agreement verification"},
	{"protocol-negotiation-events", "/protocol/negotiations/{id}/events", dispatch.TypeNegotiationFinalized, "Receive a finalized event"},
	{"protocol-negotiation-termination", "/protocol/negotiations/{id}/termination", dispatch.TypeNegotiationTermination, "Receive a negotiation termination"},
}

var transferRoutes = []protocolRoute{
	{"protocol-transfer-request", "/protocol/transfers/request", dispatch.TypeTransferRequest, "Receive a transfer request"},
	{"protocol-transfer-start", "/protocol/transfers/{id}/start", dispatch.TypeTransferStart, "Receive a transfer start"},
	{"protocol-transfer-completion", "/protocol/transfers/{id}/completion", dispatch.TypeTransferCompletion, "Receive a transfer completion"},
	{"protocol-transfer-termination", "/protocol/transfers/{id}/termination", dispatch.TypeTransferTermination, "Receive a transfer termination"},
}

// registerProtocol exposes the counter-party facing endpoints. Any
// authenticated participant may call them; the sender is always the token
// subject, never the body.
func registerProtocol(api huma.API, rt *app.Runtime) {
	for _, r := range negotiationRoutes {
		registerProtocolRoute(api, r, rt.Negotiations)
	}
	for _, r := range transferRoutes {
		registerProtocolRoute(api, r, rt.Transfers)
	}
}

type protocolRequest struct {
	Body ProtocolMessage `json:"body"`
}

type protocolEntityRequest struct {
	ID   string          `path:"id"`
	Body ProtocolMessage `json:"body"`
}

type protocolOutput struct {
	Body ProtocolResponse `json:"body"`
}

func registerProtocolRoute(api huma.API, r protocolRoute, svc receiver) {
	op := huma.Operation{
		OperationID: r.id,
		Method:      http.MethodPost,
		Path:        r.path,
		Summary:     r.summary,
		Tags:        []string{"protocol"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}
	if r.msgType == dispatch.TypeNegotiationRequest || r.msgType == dispatch.TypeTransferRequest {
		huma.Register(api, op, func(ctx context.Context, input *protocolRequest) (*protocolOutput, error) {
			return receive(ctx, svc, r.msgType, "", input.Body)
		})
		return
	}
	huma.Register(api, op, func(ctx context.Context, input *protocolEntityRequest) (*protocolOutput, error) {
		return receive(ctx, svc, r.msgType, input.ID, input.Body)
	})
}

func receive(ctx context.Context, svc receiver, msgType, correlationID string, msg ProtocolMessage) (*protocolOutput, error) {
	p, serr := principalFromRequest(ctx)
	if serr != nil {
		return nil, serr
	}
	if msg.Type != msgType {
		return nil, newAPIError(http.StatusBadRequest, "bad_request", "message type does not match endpoint", map[string]any{"type": msg.Type, "expected": msgType})
	}
	in := dispatch.Inbound{
		Type:          msgType,
		ProcessID:     msg.ProcessID,
		CorrelationID: msg.CorrelationID,
		Sender:        p.Agent.Identity,
	}
	if correlationID != "" {
		in.CorrelationID = correlationID
	}
	if msg.Payload != nil {
		raw, err := json.Marshal(msg.Payload)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", nil)
		}
		in.Payload = raw
	}
	resp, res := svc.Receive(ctx, p.Agent, in)
	if err := resultError(res); err != nil {
		return nil, err
	}
	return &protocolOutput{Body: ProtocolResponse{ProcessID: resp.ProcessID}}, nil
}
