package api

import (
	"net/http"
	"time"

	apperrors "github.com/eigensurance/internal/errors"
	"github.com/eigensurance/internal/service"
)

// handleNonce handles GET /api/auth/nonce?address= - Issue a sign-in nonce
func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		respondError(w, r, apperrors.NewInvalidParameterError("address", "required"))
		return
	}

	nonce, err := s.services.Auth.IssueNonce(r.Context(), address)
	if err != nil {
		respondError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"nonce":     nonce.Value,
		"expiresAt": nonce.ExpiresAt,
	})
}

// handleLogin handles POST /api/auth/login - Verify a signed message and open a session
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req service.LoginInput
	if err := parseJSONBody(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	result, err := s.services.Auth.Login(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}

	s.setSessionCookie(w, result.Token, result.ExpiresAt)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"token":     result.Token,
		"expiresAt": result.ExpiresAt,
		"user":      result.User,
	})
}

// handleLogout handles POST /api/auth/logout - Revoke the session. The cookie
// is cleared even when it no longer names a live session.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.clearSessionCookie(w)
	if claims := sessionFromContext(r.Context()); claims != nil {
		if err := s.services.Auth.Logout(r.Context(), claims); err != nil {
			respondError(w, r, err)
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"redirect": "/sign-in",
	})
}

// handleMe handles GET /api/me - The signed-in user
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.services.Auth.CurrentUser(r.Context(), sessionFromContext(r.Context()).Address)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
		HttpOnly: true,
		Secure:   s.config.SecureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.config.SecureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}
