package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/MrEthical07/goMFA/metrics/export/prometheus"
	"github.com/MrEthical07/goMFA/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const userHeader = "X-User-ID"

type server struct {
	engine   *goMFA.Engine
	logger   *zap.Logger
	validate *validator.Validate
	cfg      HTTPConfig
}

func newServer(engine *goMFA.Engine, logger *zap.Logger, cfg HTTPConfig) *server {
	return &server{
		engine:   engine,
		logger:   logger,
		validate: validator.New(),
		cfg:      cfg,
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", userHeader},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", prometheus.Handler(s.engine))

	r.Route("/v1", func(r chi.Router) {
		// Called by the primary login service once the password was accepted.
		r.Group(func(r chi.Router) {
			r.Use(s.requireInternalKey)
			r.Post("/login/pending", s.handleCreatePending)
			r.Get("/security", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, s.engine.SecurityReport())
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequirePendingSession(s.engine))
			r.Get("/login/methods", s.handleLoginMethods)
			r.Post("/login/verify/totp", s.handleVerifyTOTP)
			r.Post("/login/verify/backup-code", s.handleVerifyBackupCode)
			r.Post("/login/passkey/options", s.handlePasskeyLoginOptions)
			r.Post("/login/verify/passkey", s.handleVerifyPasskey)
		})

		// Account management; the gateway injects the authenticated user id.
		r.Route("/me", func(r chi.Router) {
			r.Use(requireUser)
			r.Get("/status", s.handleStatus)
			r.Post("/enable", s.handleEnable)
			r.Post("/disable", s.handleDisable)
			r.Put("/preferred-method", s.handleSetPreferred)

			r.Get("/totp", s.handleListTOTP)
			r.Post("/totp", s.handleEnrollTOTP)
			r.Post("/totp/{id}/confirm", s.handleConfirmTOTP)
			r.Delete("/totp/{id}", s.handleRemoveTOTP)

			r.Get("/backup-codes", s.handleBackupCodeCount)
			r.Post("/backup-codes", s.handleGenerateBackupCodes)
			r.Post("/backup-codes/regenerate", s.handleRegenerateBackupCodes)

			r.Get("/passkeys", s.handleListPasskeys)
			r.Post("/passkeys/options", s.handlePasskeyRegistrationOptions)
			r.Post("/passkeys", s.handleRegisterPasskey)
			r.Patch("/passkeys/{id}", s.handleRenamePasskey)
			r.Delete("/passkeys/{id}", s.handleRemovePasskey)
		})
	})
	return r
}

/*
====================================
MIDDLEWARE
====================================
*/

type userKey struct{}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(userHeader)
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "missing user")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	})
}

func userFrom(r *http.Request) string {
	v, _ := r.Context().Value(userKey{}).(string)
	return v
}

func (s *server) requireInternalKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.InternalKey != "" {
			got := r.Header.Get("X-Internal-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.InternalKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

/*
====================================
LOGIN FLOW
====================================
*/

type createPendingRequest struct {
	UserID string `json:"user_id" validate:"required,max=256"`
}

type createPendingResponse struct {
	Required  bool           `json:"two_factor_required"`
	PendingID string         `json:"pending_id,omitempty"`
	Token     string         `json:"token,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Methods   []goMFA.Method `json:"methods,omitempty"`
}

func (s *server) handleCreatePending(w http.ResponseWriter, r *http.Request) {
	var req createPendingRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx := withRequestContext(r)

	enabled, err := s.engine.IsEnabled(ctx, req.UserID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !enabled {
		writeJSON(w, http.StatusOK, createPendingResponse{Required: false})
		return
	}

	methods, err := s.engine.GetAvailableMethods(ctx, req.UserID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if len(methods) == 0 {
		s.fail(w, goMFA.ErrNoMethodConfigured)
		return
	}

	session, err := s.engine.CreatePendingSession(ctx, req.UserID)
	if err != nil {
		s.fail(w, err)
		return
	}
	token, err := s.engine.IssuePendingToken(session)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createPendingResponse{
		Required:  true,
		PendingID: session.ID,
		Token:     token,
		ExpiresAt: &session.ExpiresAt,
		Methods:   methods,
	})
}

func (s *server) handleLoginMethods(w http.ResponseWriter, r *http.Request) {
	auth, _ := middleware.PendingAuthFromContext(r.Context())
	methods, err := s.engine.GetAvailableMethods(withRequestContext(r), auth.UserID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"methods": methods})
}

type codeRequest struct {
	Code string `json:"code" validate:"required,max=64"`
}

func (s *server) handleVerifyTOTP(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !s.decode(w, r, &req) {
		return
	}
	auth, _ := middleware.PendingAuthFromContext(r.Context())
	result, err := s.engine.VerifyTOTP(withRequestContext(r), auth.PendingID, req.Code)
	s.writeVerification(w, result, err)
}

func (s *server) handleVerifyBackupCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !s.decode(w, r, &req) {
		return
	}
	auth, _ := middleware.PendingAuthFromContext(r.Context())
	result, err := s.engine.VerifyBackupCode(withRequestContext(r), auth.PendingID, req.Code)
	s.writeVerification(w, result, err)
}

func (s *server) handlePasskeyLoginOptions(w http.ResponseWriter, r *http.Request) {
	auth, _ := middleware.PendingAuthFromContext(r.Context())
	opts, err := s.engine.BeginPasskeyLogin(withRequestContext(r), auth.PendingID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

type verifyPasskeyRequest struct {
	PasskeyPendingID string          `json:"passkey_pending_id" validate:"required"`
	Response         json.RawMessage `json:"response" validate:"required"`
}

func (s *server) handleVerifyPasskey(w http.ResponseWriter, r *http.Request) {
	var req verifyPasskeyRequest
	if !s.decode(w, r, &req) {
		return
	}
	auth, _ := middleware.PendingAuthFromContext(r.Context())
	result, err := s.engine.VerifyPasskey(withRequestContext(r), auth.PendingID, req.PasskeyPendingID, req.Response)
	s.writeVerification(w, result, err)
}

// writeVerification answers 200 on success and 401 with the remaining
// attempt budget on a wrong factor.
func (s *server) writeVerification(w http.ResponseWriter, result *goMFA.VerificationResult, err error) {
	if err != nil {
		s.fail(w, err)
		return
	}
	if !result.Success {
		writeJSON(w, http.StatusUnauthorized, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

/*
====================================
ACCOUNT MANAGEMENT
====================================
*/

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.GetStatus(withRequestContext(r), userFrom(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type methodRequest struct {
	Method goMFA.Method `json:"method" validate:"omitempty,oneof=totp passkey backup"`
}

func (s *server) handleEnable(w http.ResponseWriter, r *http.Request) {
	var req methodRequest
	if !s.decode(w, r, &req) {
		return
	}
	cfg, err := s.engine.Enable(withRequestContext(r), userFrom(r), req.Method)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":          cfg.Enabled,
		"preferred_method": cfg.PreferredMethod,
	})
}

func (s *server) handleDisable(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Disable(withRequestContext(r), userFrom(r)); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSetPreferred(w http.ResponseWriter, r *http.Request) {
	var req methodRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.SetPreferredMethod(withRequestContext(r), userFrom(r), req.Method); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type enrollTOTPRequest struct {
	Name        string `json:"name" validate:"max=64"`
	AccountName string `json:"account_name" validate:"max=256"`
}

func (s *server) handleEnrollTOTP(w http.ResponseWriter, r *http.Request) {
	var req enrollTOTPRequest
	if !s.decode(w, r, &req) {
		return
	}
	enrollment, err := s.engine.GenerateTOTPSecret(withRequestContext(r), userFrom(r), req.Name, req.AccountName)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, enrollment)
}

func (s *server) handleConfirmTOTP(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !s.decode(w, r, &req) {
		return
	}
	a, err := s.engine.ConfirmTOTPAuthenticator(withRequestContext(r), userFrom(r), chi.URLParam(r, "id"), req.Code)
	if err != nil {
		s.fail(w, err)
		return
	}
	if a == nil {
		writeError(w, http.StatusUnauthorized, "invalid code")
		return
	}
	writeJSON(w, http.StatusOK, goMFA.TOTPAuthenticatorInfo{
		ID:         a.ID,
		Name:       a.Name,
		Verified:   a.Verified,
		CreatedAt:  a.CreatedAt,
		LastUsedAt: a.LastUsedAt,
	})
}

func (s *server) handleListTOTP(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListTOTPAuthenticators(withRequestContext(r), userFrom(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *server) handleRemoveTOTP(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RemoveTOTPAuthenticator(withRequestContext(r), userFrom(r), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleBackupCodeCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.BackupCodesUnusedCount(withRequestContext(r), userFrom(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"remaining": n})
}

func (s *server) handleGenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	batch, err := s.engine.GenerateBackupCodes(withRequestContext(r), userFrom(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

func (s *server) handleRegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	batch, err := s.engine.RegenerateBackupCodes(withRequestContext(r), userFrom(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

func (s *server) handleListPasskeys(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListPasskeys(withRequestContext(r), userFrom(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type passkeyOptionsRequest struct {
	UserName    string `json:"user_name" validate:"required,max=256"`
	DisplayName string `json:"display_name" validate:"max=256"`
}

func (s *server) handlePasskeyRegistrationOptions(w http.ResponseWriter, r *http.Request) {
	var req passkeyOptionsRequest
	if !s.decode(w, r, &req) {
		return
	}
	opts, err := s.engine.GeneratePasskeyRegistrationOptions(withRequestContext(r), userFrom(r), req.UserName, req.DisplayName)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

type registerPasskeyRequest struct {
	PendingID string          `json:"pending_id" validate:"required"`
	Name      string          `json:"name"`
	Response  json.RawMessage `json:"response" validate:"required"`
}

func (s *server) handleRegisterPasskey(w http.ResponseWriter, r *http.Request) {
	var req registerPasskeyRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx := withRequestContext(r)

	// The pending record carries the owner; refuse ceremonies opened for
	// another account.
	session, err := s.engine.GetPendingSession(ctx, req.PendingID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if session == nil || session.UserID != userFrom(r) {
		s.fail(w, goMFA.ErrPendingSessionNotFound)
		return
	}

	p, err := s.engine.VerifyPasskeyRegistration(ctx, req.PendingID, req.Name, req.Response)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type renamePasskeyRequest struct {
	Name string `json:"name" validate:"required"`
}

func (s *server) handleRenamePasskey(w http.ResponseWriter, r *http.Request) {
	var req renamePasskeyRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.engine.RenamePasskey(withRequestContext(r), userFrom(r), chi.URLParam(r, "id"), req.Name)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleRemovePasskey(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RemovePasskey(withRequestContext(r), userFrom(r), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

/*
====================================
HELPERS
====================================
*/

func (s *server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (s *server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
		writeError(w, status, http.StatusText(status))
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, goMFA.ErrPasskeyDisabled), errors.Is(err, goMFA.ErrTokenDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, goMFA.ErrBackend):
		return http.StatusServiceUnavailable
	}
	switch goMFA.ErrorKind(err) {
	case goMFA.KindNotFound:
		return http.StatusNotFound
	case goMFA.KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func withRequestContext(r *http.Request) context.Context {
	ctx := r.Context()

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ctx = goMFA.WithClientIP(ctx, host)
	ctx = goMFA.WithUserAgent(ctx, r.UserAgent())

	return ctx
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
