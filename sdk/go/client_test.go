package connectorsdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"connector/internal/app"
	"connector/internal/config"
	"connector/internal/identity"
	"connector/internal/policy"
	"connector/internal/server"
)

func newTestClient(t *testing.T) (*Client, func()) {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	cfg.ParticipantID = "did:web:consumer"
	cfg.Server.JWTSecret = "sdk-secret"
	cfg.Policies = map[string]policy.Policy{
		"open": {Permissions: []policy.Rule{{Kind: policy.KindPermission, Action: "use"}}},
	}
	cfg.Assets = map[string]config.Asset{"asset-1": {Policy: "open"}}
	rt, err := app.New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("build runtime: %v", err)
	}
	handler, err := server.New(server.Config{Runtime: rt, BasePath: "/v1", Auth: server.AuthConfig{JWTSecret: "sdk-secret"}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	tok, err := identity.Issuer{Secret: "sdk-secret", Subject: "ops", Roles: []string{server.RoleOperator}}.Token("")
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return New(srv.URL, tok), func() {
		srv.Close()
		rt.Close()
	}
}

func TestClientNegotiationLifecycle(t *testing.T) {
	c, cleanup := newTestClient(t)
	defer cleanup()
	ctx := context.Background()

	cat, err := c.Catalog(ctx)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	if len(cat.Offers) != 1 || cat.Offers[0].AssetID != "asset-1" {
		t.Fatalf("unexpected catalog %+v", cat)
	}

	n, err := c.RequestNegotiation(ctx, "did:web:provider", "http://provider.example/v1", cat.Offers[0])
	if err != nil {
		t.Fatalf("request negotiation: %v", err)
	}
	if n.State != "REQUESTING" || n.Role != "consumer" {
		t.Fatalf("unexpected negotiation %+v", n)
	}
	got, err := c.Negotiation(ctx, n.ID)
	if err != nil {
		t.Fatalf("get negotiation: %v", err)
	}
	if got.Offer.AssetID != "asset-1" {
		t.Fatalf("offer not kept: %+v", got.Offer)
	}
	if err := c.TerminateNegotiation(ctx, n.ID, "no longer needed"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	items, err := c.Negotiations(ctx, "terminating")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].ErrorDetail != "no longer needed" {
		t.Fatalf("unexpected list %+v", items)
	}
}

func TestClientErrors(t *testing.T) {
	c, cleanup := newTestClient(t)
	defer cleanup()
	ctx := context.Background()

	_, err := c.StartTransfer(ctx, "missing", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "not_found" {
		t.Fatalf("unexpected error %+v", apiErr)
	}

	c.BearerToken = ""
	_, err = c.Negotiations(ctx, "")
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}

	page, err := New(c.BaseURL, "").EventsPage(ctx, 10, "")
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for events, got %v (%+v)", err, page)
	}
}
