package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity extracts the caller identity asserted by the fronting CMS.
// The engine trusts these headers; the CMS authenticates the user and the
// deployment keeps the engine off the public network.
//
//	X-User-Id:           numeric user id, absent or 0 for anonymous
//	X-User-Capabilities: comma-separated capability tokens
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := models.Identity{
			// RealIP middleware has already resolved forwarded headers.
			ClientIP: clientIP(r),
		}
		if raw := r.Header.Get("X-User-Id"); raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
				identity.UserID = id
			}
		}
		if raw := r.Header.Get("X-User-Capabilities"); raw != "" {
			for _, cap := range strings.Split(raw, ",") {
				if cap = strings.TrimSpace(cap); cap != "" {
					identity.Capabilities = append(identity.Capabilities, cap)
				}
			}
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetIdentity returns the caller identity from the request context.
// Anonymous when the Identity middleware did not run.
func GetIdentity(ctx context.Context) models.Identity {
	if identity, ok := ctx.Value(identityKey).(models.Identity); ok {
		return identity
	}
	return models.Identity{}
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}
