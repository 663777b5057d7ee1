package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/examprep/backend/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const studentIDKey contextKey = "user_id"

// Auth verifies HS256 bearer tokens and stores the "user_id" claim as the
// student id on the request context.
func Auth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" {
				writeError(w, http.StatusUnauthorized, "Missing bearer token")
				return
			}

			studentID, err := ParseToken(secret, raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			ctx := WithStudentID(r.Context(), studentID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ParseToken validates a token and returns its student id.
func ParseToken(secret []byte, raw string) (int64, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return 0, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, errors.New("unexpected claims type")
	}
	// JSON numbers decode as float64.
	id, ok := claims["user_id"].(float64)
	if !ok || id <= 0 {
		return 0, fmt.Errorf("missing user_id claim")
	}
	return int64(id), nil
}

// GenerateToken signs a token for a student. The server never issues tokens
// over HTTP; this backs the dev-token command and tests.
func GenerateToken(secret []byte, studentID int64, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"user_id": studentID,
		"exp":     time.Now().Add(ttl).Unix(),
		"iat":     time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func WithStudentID(ctx context.Context, studentID int64) context.Context {
	return context.WithValue(ctx, studentIDKey, studentID)
}

func StudentID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(studentIDKey).(int64)
	return id, ok
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorResponse{Error: msg})
}
