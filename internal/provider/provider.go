// SPDX-License-Identifier: MIT

// Package provider talks to the external CI provider's REST API.
package provider

import (
	"context"
)

// Runner is one self-hosted runner as reported by the provider.
type Runner struct {
	ExternalID string   `json:"external_id"`
	Name       string   `json:"name"`
	Status     string   `json:"status"` // "online" or "offline"
	Busy       bool     `json:"busy"`
	Labels     []string `json:"labels"`
}

// Credential authorizes provider calls for one tenant.
type Credential struct {
	TenantID string
	Org      string
	Token    string
}

// TokenSource resolves the provider credential for a tenant.
type TokenSource interface {
	Credential(ctx context.Context, tenantID string) (Credential, error)
}

// Client lists runner state from the provider. Implementations make exactly
// one external call per invocation.
type Client interface {
	Runners(ctx context.Context, cred Credential) ([]Runner, error)
}

// StaticTokenSource hands every tenant the same personal access token. The
// org handle comes from the tenant registry, so it is left empty here.
type StaticTokenSource struct {
	Token string
}

func (s StaticTokenSource) Credential(_ context.Context, tenantID string) (Credential, error) {
	return Credential{TenantID: tenantID, Token: s.Token}, nil
}
