package auth

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/xela07ax/telemetry-aggregator/internal/domain"
)

const APIKeyHeader = "X-API-Key"

// TokenValidator проверяет JWT из заголовка Authorization.
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.Principal, error)
}

type principalKey struct{}

// WithPrincipal кладет вызывающего в контекст.
func WithPrincipal(ctx context.Context, p *domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext возвращает nil, если запрос не прошел аутентификацию.
func PrincipalFromContext(ctx context.Context) *domain.Principal {
	p, _ := ctx.Value(principalKey{}).(*domain.Principal)
	return p
}

// NewMiddleware пускает запрос по JWT (Authorization: Bearer) или по API-ключу
// (X-API-Key: <id>.<secret>) и требует scope. Любой из валидаторов может быть nil.
func NewMiddleware(v TokenValidator, keys *APIKeyStore, scope string, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				p   *domain.Principal
				err error
			)
			switch {
			case r.Header.Get("Authorization") != "" && v != nil:
				p, err = v.VerifyToken(r.Header.Get("Authorization"))
			case r.Header.Get(APIKeyHeader) != "" && keys != nil:
				p, err = keys.Verify(strings.TrimSpace(r.Header.Get(APIKeyHeader)))
			default:
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if err != nil {
				logger.Warn("auth failure", zap.String("path", r.URL.Path), zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !p.Can(scope) {
				logger.Warn("scope denied", zap.String("principal", p.ID), zap.String("scope", scope))
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
