package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/barcalendar/eventcore/internal/auth"
	"github.com/barcalendar/eventcore/internal/config"
)

const adminUserID = "admin"

// AuthHandler handles authentication requests
type AuthHandler struct {
	config config.AuthConfig
	logger *slog.Logger
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(cfg config.AuthConfig, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		config: cfg,
		logger: logger,
	}
}

// LoginRequest represents a login request
type LoginRequest struct {
	Password string `json:"password"`
}

// LoginResponse represents a login response
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login handles POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeBody(w, r, 4<<10, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	if h.config.JWTSecret == "" || !auth.CheckAdminPassword(h.config, req.Password) {
		h.logger.Warn("failed login attempt", "ip", r.RemoteAddr)
		writeJSON(w, h.logger, http.StatusUnauthorized, ErrorResponse{Error: "invalid credentials", Kind: "unauthorized"})
		return
	}

	token, err := auth.GenerateToken(adminUserID, h.config.JWTSecret, h.config.TokenDuration)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.logger.Info("successful login", "ip", r.RemoteAddr)
	writeJSON(w, h.logger, http.StatusOK, LoginResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(h.config.TokenDuration),
	})
}

// ValidateToken handles GET /api/auth/validate. The middleware has already
// checked the token by the time this runs.
func (h *AuthHandler) ValidateToken(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.GetUserIDFromContext(r.Context())
	writeJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"valid":  true,
		"userID": userID,
	})
}
