package httpadapter

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/blociq/lease-pipeline/internal/core/domain"
	"github.com/blociq/lease-pipeline/internal/observability/logging"
)

type identityContextKey struct{}

func identityFromContext(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(domain.Identity)
	return id, ok
}

func bearerToken(headerValue string) (string, bool) {
	headerValue = strings.TrimSpace(headerValue)
	const bearerPrefix = "Bearer "
	if len(headerValue) <= len(bearerPrefix) || !strings.EqualFold(headerValue[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(headerValue[len(bearerPrefix):])
	return token, token != ""
}

func (rt *Router) userAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok || rt.identity == nil {
			writeError(w, domain.WrapError(domain.ErrUnauthorized, "authenticate", errors.New("bearer token required")))
			return
		}
		id, err := rt.identity.Verify(r.Context(), token)
		if err != nil {
			logging.With(r.Context(), rt.log).Debug().Err(err).Msg("token_rejected")
			writeError(w, domain.WrapError(domain.ErrUnauthorized, "authenticate", err))
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey{}, id)
		ctx = logging.WithUserID(ctx, id.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// schedulerAuthMiddleware guards operator endpoints with a shared secret.
// An unset secret disables them entirely.
func (rt *Router) schedulerAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAuthorizedBearerHeader(r.Header.Get("Authorization"), rt.opts.SchedulerSecret) {
			writeError(w, domain.WrapError(domain.ErrUnauthorized, "scheduler", errors.New("invalid scheduler secret")))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAuthorizedBearerHeader(headerValue, expectedToken string) bool {
	if expectedToken == "" {
		return false
	}
	token, ok := bearerToken(headerValue)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) == 1
}
