// Package auth issues and verifies the HS256 bearer tokens used by the
// websocket handshake and the control plane.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrDisabled        = errors.New("auth secret not configured")
)

const (
	DefaultAudience   = "relayhub"
	DefaultAdminScope = "relayhub:admin"
	DefaultIssuer     = "relayhub"
)

// Scopes decodes either a JSON array or a space separated string.
type Scopes []string

func (s *Scopes) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = compactScopes(list)
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return fmt.Errorf("scopes must be a string or a list of strings")
	}
	*s = compactScopes(strings.Fields(joined))
	return nil
}

func compactScopes(in []string) Scopes {
	out := make(Scopes, 0, len(in))
	for _, scope := range in {
		if scope = strings.TrimSpace(scope); scope != "" {
			out = append(out, scope)
		}
	}
	return out
}

type Claims struct {
	Scopes Scopes `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the verified caller.
type Principal struct {
	UserID    string
	Scopes    map[string]struct{}
	Admin     bool
	ExpiresAt time.Time
}

func (p Principal) HasScope(scope string) bool {
	_, ok := p.Scopes[scope]
	return ok
}

type Options struct {
	Secret     string
	Audience   string
	AdminScope string
	Now        func() time.Time
}

type Authenticator struct {
	secret     []byte
	audience   string
	adminScope string
	now        func() time.Time
}

func New(opts Options) *Authenticator {
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		audience = DefaultAudience
	}
	adminScope := strings.TrimSpace(opts.AdminScope)
	if adminScope == "" {
		adminScope = DefaultAdminScope
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Authenticator{
		secret:     []byte(opts.Secret),
		audience:   audience,
		adminScope: adminScope,
		now:        now,
	}
}

func (a *Authenticator) AdminScope() string {
	return a.adminScope
}

// Issue signs a token for userID valid for ttl.
func (a *Authenticator) Issue(userID string, scopes []string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrDisabled
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("user id required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	now := a.now()
	claims := Claims{
		Scopes: compactScopes(scopes),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    DefaultIssuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{a.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify checks signature, audience and expiry and returns the caller.
func (a *Authenticator) Verify(token string) (Principal, error) {
	if len(a.secret) == 0 {
		return Principal{}, ErrDisabled
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(a.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Principal{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Principal{}, fmt.Errorf("%w: missing sub claim", ErrUnauthenticated)
	}
	principal := Principal{
		UserID: claims.Subject,
		Scopes: make(map[string]struct{}, len(claims.Scopes)),
	}
	for _, scope := range claims.Scopes {
		principal.Scopes[scope] = struct{}{}
	}
	principal.Admin = principal.HasScope(a.adminScope)
	if claims.ExpiresAt != nil {
		principal.ExpiresAt = claims.ExpiresAt.Time
	}
	return principal, nil
}

// TokenFromRequest reads the bearer token from the Authorization header,
// falling back to the token query parameter for browser websockets.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if strings.HasPrefix(header, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	return a.Verify(TokenFromRequest(r))
}
