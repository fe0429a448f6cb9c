package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/putto11262002/ephemeral/pkg/router"
)

const (
	key            identityKey = "identity"
	AuthCookieName             = "auth_token"
)

type identityKey string

func contextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, key, id)
}

func identityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(key).(Identity)
	return id, ok
}

// IdentityFromRequest extracts the identity from the request context.
// It must be called in handlers that are protected by the JWTMiddleware.
// It panics if the identity is not found in the request context.
func IdentityFromRequest(r *http.Request) Identity {
	id, ok := identityFromContext(r.Context())
	if !ok {
		panic("identity not found in request context: call this function in handlers that are protected by JWTMiddleware")
	}
	return id
}

// CredentialFromRequest returns the auth_token cookie, falling back to an
// Authorization: Bearer header.
func CredentialFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(AuthCookieName); err == nil && cookie.Valid() == nil {
		return cookie.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// JWTMiddleware verifies the request credential and attaches the identity to the request context.
// The identity is guaranteed to be attached to the request context for subsequent handlers.
func JWTMiddleware(v IdentityVerifier) router.Middleware {
	return func(next http.Handler) router.HandlerFunc {
		authErr := router.NewJsonError(http.StatusUnauthorized, "unauthenticated")

		return func(w http.ResponseWriter, r *http.Request) error {
			ctx := r.Context()

			id, err := v.VerifyIdentity(ctx, CredentialFromRequest(r))
			if err != nil {
				if errors.Is(err, ErrUnauthenticated) {
					return authErr
				}
				return err
			}

			next.ServeHTTP(w, r.WithContext(contextWithIdentity(ctx, id)))
			return nil
		}
	}
}
