// SPDX-License-Identifier: MIT
package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/runfeed/runfeed/internal/log"
)

const requestIDHeader = "X-Request-Id"

// requestID tags every request with an id, honoring one set by an upstream
// proxy, and stores it in the request context for log correlation.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := log.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
