// README: Firebase bearer-token authentication; resolves the caller into an access.Actor.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"shuttle/internal/access"
	"shuttle/internal/infra"
	"shuttle/internal/types"
)

const actorKey = "shuttle.actor"

// DriverResolver maps a driver account to its partner profile id.
type DriverResolver interface {
	DriverID(ctx context.Context, account types.ID) (types.ID, error)
}

// Auth verifies the Firebase ID token from the Authorization header. The role
// comes from the "role" custom claim; a missing claim means customer.
func Auth(verifier infra.TokenVerifier, drivers DriverResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		actor, err := Authenticate(c.Request.Context(), verifier, drivers, raw)
		if err != nil {
			c.AbortWithStatusJSON(authStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

var (
	errInvalidToken = errors.New("invalid token")
	errUnknownRole  = errors.New("unknown role")
	errSession      = errors.New("session unavailable")
)

// Authenticate turns a raw ID token into an Actor. Drivers get their partner
// profile id attached when one exists.
func Authenticate(ctx context.Context, verifier infra.TokenVerifier, drivers DriverResolver, raw string) (access.Actor, error) {
	token, err := verifier.VerifyIDToken(ctx, strings.TrimSpace(raw))
	if err != nil {
		return access.Actor{}, errInvalidToken
	}
	claim, _ := token.Claims["role"].(string)
	role, ok := access.ParseRole(claim)
	if !ok {
		return access.Actor{}, errUnknownRole
	}
	actor := access.Actor{ID: types.ID(token.UID), Role: role}
	if role == access.RoleDriver && drivers != nil {
		id, err := drivers.DriverID(ctx, actor.ID)
		if err != nil {
			return access.Actor{}, errSession
		}
		actor.DriverID = id
	}
	return actor, nil
}

func authStatus(err error) int {
	switch {
	case errors.Is(err, errUnknownRole):
		return http.StatusForbidden
	case errors.Is(err, errSession):
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnauthorized
	}
}

// Actor returns the authenticated caller. It is the zero Actor outside Auth.
func Actor(c *gin.Context) access.Actor {
	v, ok := c.Get(actorKey)
	if !ok {
		return access.Actor{}
	}
	a, _ := v.(access.Actor)
	return a
}

func CallerUID(c *gin.Context) string {
	return Actor(c).ID.String()
}

func CallerRole(c *gin.Context) string {
	return string(Actor(c).Role)
}

// RequireRole rejects callers whose role is not in roles.
func RequireRole(roles ...access.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := Actor(c).Role
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}
