package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"agrimanagement/internal/models"
)

type contextKey string

const (
	contextKeyUserID contextKey = "user_id"
	contextKeyEmail  contextKey = "email"
)

const tokenIssuer = "agrimanagement"

type JWTClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// generateJWT issues a session token whose subject is the user id.
func (s *Server) generateJWT(user models.User) (string, error) {
	if s.cfg.JWTSecretKey == "" {
		return "", errors.New("JWT secret key not configured")
	}
	now := time.Now()
	claims := JWTClaims{
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWTExpiry())),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.JWTSecretKey))
}

func (s *Server) jwtMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			respondCode(w, http.StatusUnauthorized, "unauthenticated", "missing authorization header")
			return
		}
		parts := strings.Fields(authHeader)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			respondCode(w, http.StatusUnauthorized, "unauthenticated", "invalid authorization header format")
			return
		}
		if s.cfg.JWTSecretKey == "" {
			respondError(w, http.StatusInternalServerError, errors.New("JWT secret key not configured"))
			return
		}

		token, err := jwt.ParseWithClaims(parts[1], &JWTClaims{}, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(s.cfg.JWTSecretKey), nil
		}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
		if err != nil {
			respondCode(w, http.StatusUnauthorized, "unauthenticated", "invalid or expired token")
			return
		}
		claims, ok := token.Claims.(*JWTClaims)
		if !ok || !token.Valid {
			respondCode(w, http.StatusUnauthorized, "unauthenticated", "invalid token claims")
			return
		}
		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			respondCode(w, http.StatusUnauthorized, "unauthenticated", "invalid token subject")
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyUserID, userID)
		ctx = context.WithValue(ctx, contextKeyEmail, claims.Email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getUserIDFromContext(ctx context.Context) uuid.UUID {
	if userID, ok := ctx.Value(contextKeyUserID).(uuid.UUID); ok {
		return userID
	}
	return uuid.Nil
}
