package api

import (
	"context"
	"net/http"
	"strings"

	"tnpsc-study/internal/services"
)

type ctxKey int

const userKey ctxKey = iota

type challengeRequest struct {
	Phone string `json:"phone" validate:"required,min=10,max=20"`
}

type verifyRequest struct {
	Phone string `json:"phone" validate:"required,min=10,max=20"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}

func (s *Server) handleAuthChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req challengeRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeServiceError(w, err)
		return
	}
	phone, err := s.auth.StartChallenge(r.Context(), req.Phone)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"phone":   phone,
		"message": "Verification code sent",
	})
}

func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req verifyRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeServiceError(w, err)
		return
	}
	token, phone, err := s.auth.Verify(req.Phone, req.Code)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "phone": phone})
}

// bearerToken reads the token from the Authorization header, falling back to
// the token query parameter for WebSocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get("token")
}

// userFrom returns the signed-in phone number, or "" for anonymous requests.
// A present but invalid token is an error.
func (s *Server) userFrom(r *http.Request) (string, error) {
	if user, ok := r.Context().Value(userKey).(string); ok {
		return user, nil
	}
	token := bearerToken(r)
	if token == "" || s.auth == nil {
		return "", nil
	}
	claims, err := s.auth.ValidateToken(token)
	if err != nil {
		return "", services.ErrUnauthenticated
	}
	return claims.Phone, nil
}

func (s *Server) requireAuth(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.userFrom(r)
		if err != nil || user == "" {
			s.writeServiceError(w, services.ErrUnauthenticated)
			return
		}
		ctx := context.WithValue(r.Context(), userKey, user)
		next(w, r.WithContext(ctx), user)
	}
}
