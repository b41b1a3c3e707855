package auth

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"gravitas/pkg/httpx"
)

// DevIdentity is the subject every caller gets when authentication is off.
const DevIdentity = "Supervisor_Managed_Agent"

// DevGroups are the roles granted to DevIdentity.
var DevGroups = []string{"admin"}

// Principal is the authenticated caller attached to a request.
type Principal struct {
	Subject string
	Roles   []string
}

// HasRole reports whether p holds any of roles, ignoring case. An empty
// list is satisfied by every principal.
func (p Principal) HasRole(roles ...string) bool {
	if len(roles) == 0 {
		return true
	}
	return slices.ContainsFunc(p.Roles, func(held string) bool {
		held = strings.TrimSpace(held)
		return slices.ContainsFunc(roles, func(want string) bool {
			return strings.EqualFold(held, strings.TrimSpace(want))
		})
	})
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticator turns bearer tokens into principals.
type Authenticator struct {
	Secret   string
	Disabled bool
}

func (a Authenticator) Authenticate(token string) (Principal, error) {
	if a.Disabled {
		return Principal{Subject: DevIdentity, Roles: slices.Clone(DevGroups)}, nil
	}
	claims, err := VerifyToken(a.Secret, token)
	if err != nil {
		return Principal{}, err
	}
	return Principal{Subject: claims.Subject, Roles: claims.Groups}, nil
}

// BearerToken returns the credential of a "Bearer" Authorization header.
// Other schemes yield "".
func BearerToken(r *http.Request) string {
	scheme, cred, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(cred)
}

// Middleware answers 401 with a {"detail": ...} body unless the request
// carries a valid token. The principal is stored on the request context.
func Middleware(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := a.Authenticate(BearerToken(r))
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="gravitas"`)
				httpx.WriteJSON(w, http.StatusUnauthorized, map[string]string{"detail": err.Error()})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
