package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/thommahoney/fast-rack/internal/rack"
)

// Auth holds valid API keys and the JWT signing secret.
type Auth struct {
	apiKeys   map[string]bool
	jwtSecret []byte
	exempt    []string
}

// NewAuth creates the auth component. Requests whose path starts with one of
// the exempt prefixes skip authentication.
func NewAuth(apiKeys []string, jwtSecret string, exempt []string) *Auth {
	keys := make(map[string]bool)
	for _, k := range apiKeys {
		keys[k] = true
	}
	return &Auth{
		apiKeys:   keys,
		jwtSecret: []byte(jwtSecret),
		exempt:    exempt,
	}
}

// Middleware returns the per-run middleware. Credentials are checked on the
// first pass only.
func (a *Auth) Middleware() rack.Middleware {
	return &authRun{a: a}
}

type authRun struct {
	a      *Auth
	passed bool
}

// OnRequest checks X-API-Key first, then falls back to
// Authorization: Bearer <JWT>. Anything else gets a synthetic 401.
func (m *authRun) OnRequest(req *http.Request) rack.Outcome {
	if m.passed {
		return rack.Continue()
	}
	if reason := m.a.check(req); reason != "" {
		resp := rack.NewTextResponse(http.StatusUnauthorized, reason)
		resp.Header.Set("WWW-Authenticate", `Bearer realm="fast-rack"`)
		return rack.Synthetic(resp)
	}
	m.passed = true
	return rack.Continue()
}

func (m *authRun) OnResponse(_ *rack.Response) rack.Outcome {
	return rack.Continue()
}

// check returns "" when req is authenticated, otherwise the rejection reason.
func (a *Auth) check(req *http.Request) string {
	for _, prefix := range a.exempt {
		if strings.HasPrefix(req.URL.Path, prefix) {
			return ""
		}
	}

	if key := req.Header.Get("X-API-Key"); key != "" {
		if a.apiKeys[key] {
			return ""
		}
		return "Invalid API Key"
	}

	authHeader := req.Header.Get("Authorization")
	if authHeader == "" {
		return "Unauthorized"
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return "Invalid Authorization Header"
	}
	if len(a.jwtSecret) == 0 {
		return "Invalid Token"
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !token.Valid {
		return "Invalid Token"
	}
	return ""
}
