package server

import (
	"net/http"
	"strings"

	"github.com/dataflow-works/config-registry/pkg/identity"
)

// Role is a caller's access level.
type Role string

const (
	// RoleViewer has read-only access to documents, references and audit.
	RoleViewer Role = "viewer"

	// RoleOperator can additionally mutate documents.
	RoleOperator Role = "operator"
)

// Request headers consulted by the header-based extractor. Only trust them
// behind an authenticating proxy that strips client-supplied values.
const (
	RoleHeader = "X-Registry-Role"
	UserHeader = "X-Registry-User"
)

// anonymousActor is recorded when a request carries no identity.
const anonymousActor = "anonymous"

// PrincipalExtractor resolves the caller identity for a request.
type PrincipalExtractor func(r *http.Request) identity.Principal

// HeaderPrincipalExtractor reads the identity from X-Registry-User and
// X-Registry-Role. Missing or unrecognized roles map to viewer.
func HeaderPrincipalExtractor(r *http.Request) identity.Principal {
	return identity.Principal{
		Name: headerActor(r),
		Role: string(parseRole(r.Header.Get(RoleHeader))),
	}
}

// OperatorPrincipalExtractor grants every caller the operator role. It backs
// auth mode "none" for development and trusted single-tenant deployments.
func OperatorPrincipalExtractor(r *http.Request) identity.Principal {
	return identity.Principal{Name: headerActor(r), Role: string(RoleOperator)}
}

func headerActor(r *http.Request) string {
	if user := strings.TrimSpace(r.Header.Get(UserHeader)); user != "" {
		return user
	}
	return anonymousActor
}

func parseRole(raw string) Role {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case string(RoleOperator):
		return RoleOperator
	default:
		return RoleViewer
	}
}

// principalMiddleware resolves the caller once and attaches it to the request
// context for handlers, audit stamps and emitted events.
func principalMiddleware(extract PrincipalExtractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := identity.WithPrincipal(r.Context(), extract(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireRole enforces a minimum role. Insufficient callers get 403.
func requireRole(required Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, _ := identity.PrincipalFromContext(r.Context())
			if !roleSatisfies(Role(p.Role), required) {
				http.Error(w, `{"error":"forbidden","message":"insufficient permissions"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// roleSatisfies reports whether userRole covers the required role. Operators
// can do everything viewers can.
func roleSatisfies(userRole, required Role) bool {
	switch required {
	case RoleViewer:
		return true
	case RoleOperator:
		return userRole == RoleOperator
	default:
		return false
	}
}
