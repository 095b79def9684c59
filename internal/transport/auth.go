package transport

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/leadline/flowline/model"
)

// ServiceAuth validates HS256 bearer tokens issued to calling services. An
// empty secret disables authentication, which is only appropriate for local
// development and tests.
func ServiceAuth(secret []byte, issuer, audience string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(secret) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				WriteError(w, model.NewUnauthorizedError("missing bearer token"))
				return
			}
			raw := strings.TrimPrefix(header, "Bearer ")

			opts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
			}
			if issuer != "" {
				opts = append(opts, jwt.WithIssuer(issuer))
			}
			if audience != "" {
				opts = append(opts, jwt.WithAudience(audience))
			}

			token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
				return secret, nil
			}, opts...)
			if err != nil || !token.Valid {
				logger.Warn("token rejected",
					zap.String("path", r.URL.Path),
					zap.Error(err),
				)
				WriteError(w, model.NewUnauthorizedError("invalid token"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
