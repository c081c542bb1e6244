package middleware

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alanyoungcy/controlplane/internal/domain"
)

// APIKey is a static service credential.
type APIKey struct {
	Name string
	Key  string
	Role domain.Role
}

// AuthOptions configures the Authenticator.
type AuthOptions struct {
	Enabled   bool
	JWTSecret string
	Issuer    string
	APIKeys   []APIKey
	// DevRole is granted to every request when Enabled is false.
	DevRole domain.Role
}

// Claims is the bearer token payload. Subject is the caller id.
type Claims struct {
	Name string      `json:"name,omitempty"`
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator turns request credentials into a domain.Caller.
type Authenticator struct {
	opts   AuthOptions
	secret []byte
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(opts AuthOptions) *Authenticator {
	return &Authenticator{opts: opts, secret: []byte(opts.JWTSecret)}
}

// Issue signs an HS256 token for the given identity.
func (a *Authenticator) Issue(id, name string, role domain.Role, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("auth: no jwt secret configured")
	}
	now := time.Now()
	claims := Claims{
		Name: name,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id,
			Issuer:    a.opts.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Authenticate resolves the caller behind r.
func (a *Authenticator) Authenticate(r *http.Request) (domain.Caller, error) {
	if !a.opts.Enabled {
		return callerFor("dev", "dev", a.opts.DevRole), nil
	}

	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		for _, k := range a.opts.APIKeys {
			// Constant-time comparison to prevent timing attacks.
			if subtle.ConstantTimeCompare([]byte(key), []byte(k.Key)) == 1 {
				return callerFor("apikey:"+k.Name, k.Name, k.Role), nil
			}
		}
		return domain.Caller{}, fmt.Errorf("unknown api key: %w", domain.ErrUnauthorized)
	}

	token := bearerToken(r)
	if token == "" {
		return domain.Caller{}, fmt.Errorf("missing authentication token: %w", domain.ErrUnauthorized)
	}
	if len(a.secret) == 0 {
		return domain.Caller{}, fmt.Errorf("bearer tokens not accepted: %w", domain.ErrUnauthorized)
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.opts.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return domain.Caller{}, fmt.Errorf("invalid token: %w", domain.ErrUnauthorized)
	}
	if claims.Subject == "" || len(domain.CapabilitiesFor(claims.Role)) == 0 {
		return domain.Caller{}, fmt.Errorf("token lacks subject or role: %w", domain.ErrUnauthorized)
	}
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return callerFor(claims.Subject, name, claims.Role), nil
}

func callerFor(id, name string, role domain.Role) domain.Caller {
	return domain.Caller{
		ID:           id,
		Name:         name,
		Role:         role,
		Capabilities: domain.CapabilitiesFor(role),
	}
}

// Auth returns middleware that attaches the authenticated caller to the
// request context. Requests for which public returns true pass through
// without credentials.
func Auth(a *Authenticator, public func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if public != nil && public(r) {
				next.ServeHTTP(w, r)
				return
			}
			caller, err := a.Authenticate(r)
			if err != nil {
				writeUnauthorized(w, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(domain.WithCaller(r.Context(), caller)))
		})
	}
}

// bearerToken reads the Authorization header, or the access_token query
// parameter on websocket upgrades where browsers cannot set headers.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("WWW-Authenticate", `Bearer realm="controlplane"`)
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":` + strconv.Quote(msg) + `}`))
}
