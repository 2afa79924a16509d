package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mir00r/rpc-balancer/pkg/logger"
)

// JWTConfig holds admin API authentication configuration. HMAC only; the
// admin surface is operator-facing and shares a secret with its tooling.
type JWTConfig struct {
	Enabled   bool          `yaml:"enabled"`
	SecretKey string        `yaml:"secret_key"`
	Issuer    string        `yaml:"issuer"`
	ClockSkew time.Duration `yaml:"clock_skew"`
}

// AdminClaims are the claims carried by admin API tokens
type AdminClaims struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// JWTAuth guards the admin API with bearer-token authentication
type JWTAuth struct {
	config JWTConfig
	logger *logger.Logger
}

// NewJWTAuth creates the admin authentication middleware
func NewJWTAuth(config JWTConfig, log *logger.Logger) *JWTAuth {
	if config.ClockSkew <= 0 {
		config.ClockSkew = 30 * time.Second
	}
	return &JWTAuth{
		config: config,
		logger: log.MiddlewareLogger("jwt_auth"),
	}
}

// Authenticate returns the authentication middleware
func (ja *JWTAuth) Authenticate() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ja.config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			token := extractBearer(r)
			if token == "" {
				ja.logger.WithField("path", r.URL.Path).
					WithField("remote_addr", r.RemoteAddr).
					Warn("Admin request without token")
				ja.writeError(w, "authentication required", http.StatusUnauthorized)
				return
			}

			claims, err := ja.validate(token)
			if err != nil {
				ja.logger.WithField("path", r.URL.Path).
					WithError(err).
					Warn("Admin token rejected")
				ja.writeError(w, "invalid token", http.StatusUnauthorized)
				return
			}

			w.Header().Set("X-Admin-User", claims.Username)
			next.ServeHTTP(w, r)
		})
	}
}

// validate parses and verifies an admin token
func (ja *JWTAuth) validate(tokenString string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(ja.config.SecretKey), nil
	}, jwt.WithLeeway(ja.config.ClockSkew))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if ja.config.Issuer != "" && claims.Issuer != ja.config.Issuer {
		return nil, fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	return claims, nil
}

// extractBearer pulls the token from the Authorization header
func extractBearer(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

func (ja *JWTAuth) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
