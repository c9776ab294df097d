package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"orthrus/config"
)

type contextKey string

const contextKeyUser contextKey = "user"

// Claims carried in issued tokens.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Authenticator issues and validates HS256 bearer tokens for the single
// admin credential from config. Passwords are compared via bcrypt; a
// plaintext admin_password is hashed once at startup so comparison is
// uniform either way.
type Authenticator struct {
	secret       []byte
	expiry       time.Duration
	adminUser    string
	passwordHash []byte
	logger       *zap.SugaredLogger
}

func NewAuthenticator(cfg config.AuthConfig, logger *zap.SugaredLogger) (*Authenticator, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("auth enabled but jwt_secret is empty")
	}
	expiry := cfg.TokenExpiry
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	hash := []byte(cfg.AdminPassword)
	if !strings.HasPrefix(cfg.AdminPassword, "$2a$") && !strings.HasPrefix(cfg.AdminPassword, "$2b$") {
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
	}
	return &Authenticator{
		secret:       []byte(cfg.JWTSecret),
		expiry:       expiry,
		adminUser:    cfg.AdminUser,
		passwordHash: hash,
		logger:       logger,
	}, nil
}

// Authenticate checks the credential pair and returns a signed token.
func (au *Authenticator) Authenticate(username, password string) (string, error) {
	if username != au.adminUser {
		// Burn a comparison anyway so unknown users cost the same as
		// wrong passwords.
		_ = bcrypt.CompareHashAndPassword(au.passwordHash, []byte(password))
		return "", errors.New("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword(au.passwordHash, []byte(password)); err != nil {
		return "", errors.New("invalid credentials")
	}
	now := time.Now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(au.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "orthrus",
			Subject:   username,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(au.secret)
}

// Validate parses and verifies a token string.
func (au *Authenticator) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return au.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Middleware rejects requests without a valid Bearer token and stores
// the username on the request context.
func (au *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "missing bearer token"})
			return
		}
		claims, err := au.Validate(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			au.logger.Debugw("Rejected token", "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid token"})
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyUser, claims.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userFrom returns the authenticated username, or "anonymous" when auth
// is disabled.
func userFrom(r *http.Request) string {
	if user, ok := r.Context().Value(contextKeyUser).(string); ok && user != "" {
		return user
	}
	return "anonymous"
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid login request")
		return
	}
	token, err := a.auth.Authenticate(req.Username, req.Password)
	if err != nil {
		a.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]string{"token": token})
}
