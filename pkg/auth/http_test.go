package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, a Authenticator, header string, next http.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/v1/audit", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rr := httptest.NewRecorder()
	Middleware(a)(next).ServeHTTP(rr, req)
	return rr
}

func detail(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body["detail"]
}

func TestMiddlewareRejects(t *testing.T) {
	never := func(w http.ResponseWriter, r *http.Request) { t.Fatal("handler ran") }
	a := Authenticator{Secret: "secret"}

	rr := serve(t, a, "", never)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, ErrTokenMissing.Error(), detail(t, rr))
	assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "Bearer")

	rr = serve(t, a, "Bearer not.a.jwt", never)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, ErrTokenInvalid.Error(), detail(t, rr))
}

func TestMiddlewareStoresPrincipal(t *testing.T) {
	tok, err := IssueToken("secret", "agent-7", []string{"Operator"}, time.Minute)
	require.NoError(t, err)

	var got Principal
	rr := serve(t, Authenticator{Secret: "secret"}, "bearer "+tok, func(w http.ResponseWriter, r *http.Request) {
		var ok bool
		got, ok = PrincipalFromContext(r.Context())
		assert.True(t, ok)
	})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "agent-7", got.Subject)
	assert.True(t, got.HasRole("operator"))
}

func TestDisabledAuthenticatorGrantsDevPrincipal(t *testing.T) {
	p, err := Authenticator{Disabled: true}.Authenticate("")
	require.NoError(t, err)
	assert.Equal(t, DevIdentity, p.Subject)
	assert.True(t, p.HasRole("ADMIN"))

	p.Roles[0] = "mutated"
	assert.Equal(t, []string{"admin"}, DevGroups)
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"":              "",
		"Basic abc":     "",
		"Bearer":        "",
		"Bearer  abc ":  "abc",
		"BEARER xyz":    "xyz",
		"  bearer t.o ": "t.o",
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", header)
		assert.Equal(t, want, BearerToken(req), "header %q", header)
	}
}

func TestPrincipalHasRole(t *testing.T) {
	p := Principal{Roles: []string{"Operator", " SecurityAdmin"}}
	assert.True(t, p.HasRole("securityadmin"))
	assert.True(t, p.HasRole("auditor", "OPERATOR"))
	assert.False(t, p.HasRole("ComplianceOfficer"))
	assert.True(t, p.HasRole())
	assert.False(t, Principal{}.HasRole("admin"))
}

func TestPrincipalFromEmptyContext(t *testing.T) {
	_, ok := PrincipalFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.False(t, ok)
}
