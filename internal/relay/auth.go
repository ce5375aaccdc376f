package relay

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// tenantContextKey is the context key for the authenticated tenant.
type tenantContextKey string

const tenantIDKey tenantContextKey = "tenant_id"
const tenantSlugKey tenantContextKey = "tenant_slug"

// TenantClaims holds the JWT claims for a tenant access token.
type TenantClaims struct {
	TenantID int64  `json:"tenant_id"`
	Slug     string `json:"slug"`
	jwt.RegisteredClaims
}

// GenerateToken creates a signed access token for a tenant.
func GenerateToken(secret []byte, tenantID int64, slug string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := TenantClaims{
		TenantID: tenantID,
		Slug:     slug,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "callrelayd",
			Subject:   slug,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// requireAuth validates bearer tokens on call endpoints. On success it
// stores the tenant identity in the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			s.writeError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		claims := &TenantClaims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return s.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			s.logger.Debug("invalid jwt", "error", err)
			s.writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		if claims.TenantID == 0 {
			s.writeError(w, http.StatusUnauthorized, "invalid token claims")
			return
		}

		ctx := context.WithValue(r.Context(), tenantIDKey, claims.TenantID)
		ctx = context.WithValue(ctx, tenantSlugKey, claims.Slug)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TenantIDFromContext retrieves the authenticated tenant ID from the
// request context. Returns 0 if not set.
func TenantIDFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(tenantIDKey).(int64)
	return id
}

// TenantSlugFromContext retrieves the authenticated tenant slug from the
// request context.
func TenantSlugFromContext(ctx context.Context) string {
	slug, _ := ctx.Value(tenantSlugKey).(string)
	return slug
}
