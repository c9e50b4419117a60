// SPDX-License-Identifier: MIT
package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
)

// ErrNoTenant is returned when a request carries no tenant identity.
var ErrNoTenant = errors.New("api: request has no tenant identity")

// HeaderResolver reads identity from headers set by the authenticating
// reverse proxy in front of the daemon. A missing client id gets a fresh
// one so anonymous stream consumers within a tenant still work.
type HeaderResolver struct {
	TenantHeader string
	ClientHeader string
}

// NewHeaderResolver returns a resolver with the default header names.
func NewHeaderResolver() *HeaderResolver {
	return &HeaderResolver{
		TenantHeader: "X-Runfeed-Tenant",
		ClientHeader: "X-Runfeed-Client",
	}
}

func (h *HeaderResolver) Resolve(r *http.Request) (string, string, error) {
	tenantID := r.Header.Get(h.TenantHeader)
	if tenantID == "" {
		return "", "", ErrNoTenant
	}
	clientID := r.Header.Get(h.ClientHeader)
	if clientID == "" {
		clientID = uuid.NewString()
	}
	return clientID, tenantID, nil
}
