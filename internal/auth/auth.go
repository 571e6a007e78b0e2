// Package auth verifies bearer tokens from the hosted identity service and
// maps the caller onto a client and an application role.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/RLAsoftware/category-of-one/internal/interview"
	"github.com/RLAsoftware/category-of-one/internal/policy"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Identity is what a verified token says about the caller.
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// Claims are the fields read from the identity service's access tokens.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret   []byte
	audience string
}

// NewVerifier checks HS256 tokens signed with secret. An empty audience
// skips the audience check.
func NewVerifier(secret, audience string) *Verifier {
	return &Verifier{secret: []byte(secret), audience: strings.TrimSpace(audience)}
}

func (v *Verifier) Verify(tokenString string) (Identity, error) {
	if strings.TrimSpace(tokenString) == "" {
		return Identity{}, ErrMissingToken
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: claims.Subject, Email: strings.TrimSpace(claims.Email)}, nil
}

// TokenFromRequest reads the bearer token from the Authorization header, or
// from the token query parameter for websocket upgrades.
func TokenFromRequest(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Directory resolves identities to clients and roles.
type Directory interface {
	ClientByEmail(ctx context.Context, email string) (interview.Client, error)
	UserRole(ctx context.Context, userID string) (string, error)
}

// Principal is the resolved caller. Client is nil for admins without a
// linked client record.
type Principal struct {
	Identity Identity
	Actor    policy.Actor
	Client   *interview.Client
}

// Authenticator turns a request into a Principal.
type Authenticator struct {
	verifier *Verifier
	dir      Directory
	// devMode trusts X-Dev-Email instead of a token. Local development only.
	devMode bool
}

func NewAuthenticator(verifier *Verifier, dir Directory, devMode bool) *Authenticator {
	return &Authenticator{verifier: verifier, dir: dir, devMode: devMode}
}

func (a *Authenticator) DevMode() bool {
	return a.devMode
}

func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	var (
		id  Identity
		err error
	)
	if a.devMode {
		id, err = devIdentity(r)
	} else {
		id, err = a.verifier.Verify(TokenFromRequest(r))
	}
	if err != nil {
		return Principal{}, err
	}
	return a.resolve(r, id)
}

func devIdentity(r *http.Request) (Identity, error) {
	email := strings.TrimSpace(r.Header.Get("X-Dev-Email"))
	if email == "" {
		email = strings.TrimSpace(r.URL.Query().Get("dev_email"))
	}
	if email == "" {
		return Identity{}, ErrMissingToken
	}
	return Identity{UserID: "dev:" + strings.ToLower(email), Email: email}, nil
}

func (a *Authenticator) resolve(r *http.Request, id Identity) (Principal, error) {
	ctx := r.Context()
	p := Principal{Identity: id, Actor: policy.Actor{Role: policy.RoleClient}}

	role, err := a.dir.UserRole(ctx, id.UserID)
	switch {
	case err == nil && strings.TrimSpace(role) != "":
		p.Actor.Role = strings.ToLower(strings.TrimSpace(role))
	case err != nil && !errors.Is(err, interview.ErrNotFound):
		return Principal{}, fmt.Errorf("load user role: %w", err)
	}
	if a.devMode && strings.EqualFold(r.Header.Get("X-Dev-Role"), policy.RoleAdmin) {
		p.Actor.Role = policy.RoleAdmin
	}

	if id.Email != "" {
		client, err := a.dir.ClientByEmail(ctx, id.Email)
		switch {
		case err == nil:
			p.Client = &client
			p.Actor.ClientID = client.ID
		case !errors.Is(err, interview.ErrNotFound):
			return Principal{}, fmt.Errorf("resolve client: %w", err)
		}
	}
	return p, nil
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
