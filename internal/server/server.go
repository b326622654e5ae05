package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"connector/internal/app"
	"connector/internal/command"
	"connector/internal/identity"
	"connector/internal/negotiation"
	"connector/internal/policy"
	"connector/internal/store"
	"connector/internal/transfer"
)

// Config for the HTTP API handler.
type Config struct {
	Runtime  *app.Runtime
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"contract_negotiation 42 is being processed, retry later"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the management and protocol API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("server: runtime is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema validation is a malformed request, not a rejected command.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Connector API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	rt := cfg.Runtime
	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerNegotiations(group, rt)
	registerTransfers(group, rt)
	registerProtocol(group, rt)
	registerCatalogs(group, rt)
	registerPolicies(group, rt)
	registerLeases(group, rt)
	registerEvents(group, rt)
	if cfg.Auth.DevAuth {
		registerDevAuth(group, rt)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, negotiation.ErrNoAgreement):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, store.ErrAlreadyLeased):
		return newAPIError(http.StatusConflict, "lease_conflict", msg, nil)
	case errors.Is(err, store.ErrAlreadyExists), errors.Is(err, store.ErrVersionConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, policy.ErrUnregisteredFunction):
		return newAPIError(http.StatusUnprocessableEntity, "unregistered_function", msg, nil)
	}
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(lowered, "not negotiated") || strings.Contains(lowered, "not granted"):
		return newAPIError(http.StatusUnprocessableEntity, "not_executable", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

// resultError maps a rejected command onto the envelope.
func resultError(res command.Result) huma.StatusError {
	switch res.Status {
	case command.StatusSuccess:
		return nil
	case command.StatusNotFound:
		return newAPIError(http.StatusNotFound, string(res.Status), res.Message, nil)
	case command.StatusConflict:
		return newAPIError(http.StatusConflict, string(res.Status), res.Message, nil)
	default:
		return newAPIError(http.StatusUnprocessableEntity, string(command.StatusNotExecutable), res.Message, nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Connector API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current participant",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{Identity: p.Agent.Identity, Claims: p.Agent.Claims, Roles: nonNilSlice(p.Roles)}}, nil
	})
}

type entityPath struct {
	ID string `path:"id"`
}

type listQuery struct {
	State string `query:"state"`
	Role  string `query:"role"`
	Limit int    `query:"limit" default:"50"`
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}

func criteria(q listQuery, codeOf func(string) (int, bool)) (store.Criteria, huma.StatusError) {
	c := store.Criteria{Role: q.Role}
	if q.State != "" {
		code, ok := codeOf(strings.ToUpper(q.State))
		if !ok {
			return c, newAPIError(http.StatusBadRequest, "bad_request", "unknown state", map[string]any{"state": q.State})
		}
		c.States = []int{code}
	}
	return c, nil
}

func registerNegotiations(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-negotiation",
		Method:        http.MethodPost,
		Path:          "/negotiations",
		Summary:       "Request a contract negotiation",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateNegotiationRequest `json:"body"`
	}) (*struct {
		Body NegotiationResponse `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		p, err := decodePolicy(input.Body.Offer.Policy)
		if err != nil {
			return nil, handleError(err)
		}
		n, err := rt.Negotiations.Request(ctx, negotiation.RequestInput{
			CounterPartyID:      input.Body.CounterPartyID,
			CounterPartyAddress: input.Body.CounterPartyAddress,
			Protocol:            input.Body.Protocol,
			Offer:               negotiation.Offer{ID: input.Body.Offer.ID, AssetID: input.Body.Offer.AssetID, Policy: p},
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NegotiationResponse `json:"body"`
		}{Body: negotiationResponse(n)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-negotiations",
		Method:      http.MethodGet,
		Path:        "/negotiations",
		Summary:     "List contract negotiations",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *listQuery) (*struct {
		Body NegotiationList `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		c, serr := criteria(*input, negotiation.States.Code)
		if serr != nil {
			return nil, serr
		}
		items, err := rt.Negotiations.List(ctx, c, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NegotiationList `json:"body"`
		}{Body: NegotiationList{Items: mapNegotiations(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-negotiation",
		Method:      http.MethodGet,
		Path:        "/negotiations/{id}",
		Summary:     "Get a contract negotiation",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *entityPath) (*struct {
		Body NegotiationResponse `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		n, err := rt.Negotiations.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NegotiationResponse `json:"body"`
		}{Body: negotiationResponse(n)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "terminate-negotiation",
		Method:      http.MethodPost,
		Path:        "/negotiations/{id}/terminate",
		Summary:     "Terminate a contract negotiation",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body *TerminateRequest `json:"body" required:"false"`
	}) (*struct {
		Body CommandResponse `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		res := rt.Negotiations.Terminate(ctx, input.ID, input.Body.reason())
		if err := resultError(res); err != nil {
			return nil, err
		}
		return &struct {
			Body CommandResponse `json:"body"`
		}{Body: CommandResponse{Status: string(res.Status)}}, nil
	})
}

func registerTransfers(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-transfer",
		Method:        http.MethodPost,
		Path:          "/transfers",
		Summary:       "Start a transfer under a finalized agreement",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateTransferRequest `json:"body"`
	}) (*struct {
		Body TransferResponse `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		t, err := rt.Transfers.Start(ctx, transfer.StartInput{AgreementID: input.Body.AgreementID, DataDestination: input.Body.DataDestination})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransferResponse `json:"body"`
		}{Body: transferResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transfers",
		Method:      http.MethodGet,
		Path:        "/transfers",
		Summary:     "List transfers",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *listQuery) (*struct {
		Body TransferList `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		c, serr := criteria(*input, transfer.States.Code)
		if serr != nil {
			return nil, serr
		}
		items, err := rt.Transfers.List(ctx, c, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransferList `json:"body"`
		}{Body: TransferList{Items: mapTransfers(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-transfer",
		Method:      http.MethodGet,
		Path:        "/transfers/{id}",
		Summary:     "Get a transfer",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *entityPath) (*struct {
		Body TransferResponse `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		t, err := rt.Transfers.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransferResponse `json:"body"`
		}{Body: transferResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-transfer",
		Method:      http.MethodPost,
		Path:        "/transfers/{id}/complete",
		Summary:     "Complete a started transfer",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *entityPath) (*struct {
		Body CommandResponse `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		res := rt.Transfers.Complete(ctx, input.ID)
		if err := resultError(res); err != nil {
			return nil, err
		}
		return &struct {
			Body CommandResponse `json:"body"`
		}{Body: CommandResponse{Status: string(res.Status)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "terminate-transfer",
		Method:      http.MethodPost,
		Path:        "/transfers/{id}/terminate",
		Summary:     "Terminate a transfer",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body *TerminateRequest `json:"body" required:"false"`
	}) (*struct {
		Body CommandResponse `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		res := rt.Transfers.Terminate(ctx, input.ID, input.Body.reason())
		if err := resultError(res); err != nil {
			return nil, err
		}
		return &struct {
			Body CommandResponse `json:"body"`
		}{Body: CommandResponse{Status: string(res.Status)}}, nil
	})
}

func registerCatalogs(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "catalog",
		Method:      http.MethodGet,
		Path:        "/catalog",
		Summary:     "This connector's offers",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CatalogResponse `json:"body"`
	}, error) {
		if _, err := principalFromRequest(ctx); err != nil {
			return nil, err
		}
		return &struct {
			Body CatalogResponse `json:"body"`
		}{Body: catalogResponse(rt.Catalog())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-catalogs",
		Method:      http.MethodGet,
		Path:        "/catalogs",
		Summary:     "Catalogs gathered from peers",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CatalogList `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		out := CatalogList{Items: []CatalogResponse{}}
		for _, c := range rt.Crawler.Cache.All() {
			out.Items = append(out.Items, catalogResponse(c))
		}
		return &struct {
			Body CatalogList `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "crawl-catalogs",
		Method:      http.MethodPost,
		Path:        "/catalogs/crawl",
		Summary:     "Run one crawl cycle now",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CrawlResponse `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		outcomes, err := rt.Crawler.RunOnce(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := CrawlResponse{Items: []CrawlOutcome{}}
		for _, o := range outcomes {
			item := CrawlOutcome{NodeID: o.Item.Node.ID, Offers: len(o.Catalog.Offers)}
			if o.Err != nil {
				item.Error = o.Err.Error()
			}
			out.Items = append(out.Items, item)
		}
		return &struct {
			Body CrawlResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerPolicies(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "evaluate-policy",
		Method:      http.MethodPost,
		Path:        "/policies/evaluate",
		Summary:     "Evaluate a policy against a participant",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body EvaluatePolicyRequest `json:"body"`
	}) (*struct {
		Body EvaluatePolicyResponse `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		req := input.Body
		var p policy.Policy
		switch {
		case req.PolicyID != "":
			found, ok := rt.Config.Policies[req.PolicyID]
			if !ok {
				return nil, newAPIError(http.StatusNotFound, "not_found", "policy not found", map[string]any{"policy_id": req.PolicyID})
			}
			if found.ID == "" {
				found.ID = req.PolicyID
			}
			p = found
		case len(req.Policy) > 0:
			parsed, err := decodePolicy(req.Policy)
			if err != nil {
				return nil, handleError(err)
			}
			p = parsed
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "policy or policy_id is required", nil)
		}
		scope := req.Scope
		if scope == "" {
			scope = policy.ScopeRequest
		}
		agent := policy.ParticipantAgent{Identity: req.Agent.Identity, Claims: req.Agent.Claims, Attributes: req.Agent.Attributes}
		var extra map[string]any
		if req.Action != "" {
			extra = map[string]any{policy.ActionKey: req.Action}
		}
		out := EvaluatePolicyResponse{Problems: []string{}}
		decision, err := rt.Policies.Decide(ctx, scope, p, agent, extra)
		var ee *policy.EvaluationError
		switch {
		case errors.As(err, &ee):
			out.Error = ee.Err.Error()
			out.Problems = nonNilSlice(ee.Problems)
		case err != nil:
			return nil, handleError(err)
		default:
			out.Allowed = true
			out.Obligations = len(decision.Obligations)
			out.Problems = nonNilSlice(decision.Problems)
		}
		return &struct {
			Body EvaluatePolicyResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerLeases(api huma.API, rt *app.Runtime) {
	type leasePath struct {
		Kind string `path:"kind" enum:"negotiation,transfer,contract_negotiation,transfer_process"`
		ID   string `path:"id"`
	}
	admin := func(kind string) (app.LeaseAdmin, huma.StatusError) {
		a, ok := rt.Leases(kind)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "unknown entity kind", map[string]any{"kind": kind})
		}
		return a, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-lease",
		Method:      http.MethodGet,
		Path:        "/leases/{kind}/{id}",
		Summary:     "Show the active lease on an entity",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *leasePath) (*struct {
		Body LeaseResponse `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		a, serr := admin(input.Kind)
		if serr != nil {
			return nil, serr
		}
		l, err := a.Lease(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeaseResponse `json:"body"`
		}{Body: leaseResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "break-lease",
		Method:        http.MethodDelete,
		Path:          "/leases/{kind}/{id}",
		Summary:       "Break the lease on an entity",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *leasePath) (*struct{}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		a, serr := admin(input.Kind)
		if serr != nil {
			return nil, serr
		}
		if err := a.BreakLease(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List state change events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if err := requireOperator(ctx); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		items, err := rt.Events.EventsAfter(ctx, cursor, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		subject := strings.TrimSpace(input.Body.Subject)
		if subject == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "subject is required", nil)
		}
		issuer := identity.Issuer{
			Secret:  rt.Config.Server.JWTSecret,
			Subject: subject,
			Claims:  input.Body.Claims,
			Roles:   input.Body.Roles,
			TTL:     rt.Config.Dispatch.TokenTTL,
		}
		token, err := issuer.Token("")
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
