package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v4"

	"github.com/warp/gym-ledger/generic"
)

type ctxKey int

const actorKey ctxKey = iota

// Claims carried by staff bearer tokens.
type Claims struct {
	StaffID string `json:"staff_id"`
	Role    string `json:"role"`
	Name    string `json:"name"`
	jwt.RegisteredClaims
}

// Authenticator turns HS256 bearer tokens into actors.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// IssueToken signs a token for actor valid for ttl. Used by the scenario
// loader and tests; production tokens come from the identity provider.
func (a *Authenticator) IssueToken(actor generic.Actor, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		StaffID: string(actor.StaffID),
		Role:    string(actor.Role),
		Name:    actor.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(actor.StaffID),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// ParseToken validates raw and returns the actor it names.
func (a *Authenticator) ParseToken(raw string) (generic.Actor, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Newf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err == nil && !token.Valid {
		err = errors.New("token not valid")
	}
	if err != nil {
		return generic.Actor{}, errors.WithHint(
			errors.Mark(errors.Wrap(err, "invalid token"), generic.ErrUnauthorized),
			"Your session is invalid or expired, sign in again")
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return generic.Actor{}, errors.WithHint(
			errors.Wrapf(generic.ErrUnauthorized, "issuer %q", claims.Issuer),
			"Your session is invalid or expired, sign in again")
	}

	actor := generic.Actor{
		StaffID: generic.StaffID(claims.StaffID),
		Role:    generic.Role(claims.Role),
		Name:    claims.Name,
	}
	if actor.StaffID == "" || !generic.ValidRole(actor.Role) {
		return generic.Actor{}, errors.WithHint(
			errors.Wrapf(generic.ErrUnauthorized, "token names staff %q with role %q", claims.StaffID, claims.Role),
			"Your session is invalid or expired, sign in again")
	}
	return actor, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// actor in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			writeError(w, errors.WithHint(generic.ErrUnauthorized, "Sign in first"))
			return
		}
		actor, err := a.ParseToken(strings.TrimSpace(raw))
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// WithActor returns ctx carrying actor.
func WithActor(ctx context.Context, actor generic.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFrom returns the actor stored by Middleware, or the zero Actor.
func ActorFrom(ctx context.Context) generic.Actor {
	actor, _ := ctx.Value(actorKey).(generic.Actor)
	return actor
}
