package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/clinic-booking-platform/internal/identity"
)

// Claims is the bearer token payload. Subject carries the caller id (the doctor id for doctors).
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticate verifies an HMAC-signed bearer token and stores the caller in the request context.
func Authenticate(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "auth disabled", http.StatusUnauthorized)
				return
			}
			auth := r.Header.Get("Authorization")
			if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			actor, err := ParseToken(secret, strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			noteActor(r, actor)
			next.ServeHTTP(w, r.WithContext(identity.WithActor(r.Context(), actor)))
		})
	}
}

// ParseToken validates tokenString and resolves the actor it names.
func ParseToken(secret, tokenString string) (identity.Actor, error) {
	claims := Claims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return identity.Actor{}, err
	}
	if !token.Valid {
		return identity.Actor{}, jwt.ErrTokenInvalidClaims
	}
	role, ok := identity.ParseRole(claims.Role)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return identity.Actor{}, jwt.ErrTokenInvalidClaims
	}
	return identity.Actor{ID: strings.TrimSpace(claims.Subject), Role: role}, nil
}

// IssueToken signs a token for actor. Used by tooling and tests; session issuance lives elsewhere.
func IssueToken(secret string, actor identity.Actor, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = actor.ID
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: string(actor.Role), RegisteredClaims: claims})
	return token.SignedString([]byte(secret))
}

// RequireRole rejects callers whose role is not listed.
func RequireRole(roles ...identity.Role) func(http.Handler) http.Handler {
	allowed := make(map[identity.Role]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := identity.ActorFromContext(r.Context())
			if !ok {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[actor.Role]; !ok {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
