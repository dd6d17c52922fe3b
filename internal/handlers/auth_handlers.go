package handlers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/astrosense/authd/internal/auth"
	"github.com/astrosense/authd/internal/config"
	"github.com/astrosense/authd/internal/metrics"
	"github.com/astrosense/authd/internal/middleware"
	"github.com/astrosense/authd/internal/otp"
	"github.com/astrosense/authd/internal/service"
)

// AuthHandlers maps the authentication flow onto HTTP. All outcome-to-status
// translation lives here; the services below only speak the auth error
// vocabulary.
type AuthHandlers struct {
	otpService *service.OTPService
	verifier   *service.Verifier
	sessions   *service.SessionService
	cfg        *config.SessionConfig
	trustProxy bool
	logger     *logrus.Logger
}

func NewAuthHandlers(
	otpService *service.OTPService,
	verifier *service.Verifier,
	sessions *service.SessionService,
	cfg *config.SessionConfig,
	trustProxy bool,
	logger *logrus.Logger,
) *AuthHandlers {
	return &AuthHandlers{
		otpService: otpService,
		verifier:   verifier,
		sessions:   sessions,
		cfg:        cfg,
		trustProxy: trustProxy,
		logger:     logger,
	}
}

type LoginRequest struct {
	Email string `json:"email"`
}

type LoginResponse struct {
	OTPSessionID string `json:"otpSessionId"`
	MaskedEmail  string `json:"maskedEmail"`
	ResendCount  int    `json:"resendCount"`
}

type VerifyRequest struct {
	Email        string `json:"email"`
	OTP          string `json:"otp"`
	OTPSessionID string `json:"otpSessionId"`
}

type VerifyResponse struct {
	Authenticated bool `json:"authenticated"`
}

type ResendRequest struct {
	Email        string `json:"email"`
	OTPSessionID string `json:"otpSessionId"`
}

type StatusResponse struct {
	Authenticated bool   `json:"authenticated"`
	Identity      string `json:"identity,omitempty"`
}

type WrongCodeResponse struct {
	Error             ErrorDetail `json:"error"`
	RemainingAttempts int         `json:"remainingAttempts"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Login requests a fresh code for the address. A request that already
// carries a valid session bypasses issuance entirely.
func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.SessionFrom(r.Context()); ok {
		h.respondWithJSON(w, http.StatusOK, StatusResponse{Authenticated: true})
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	sess, err := h.otpService.Issue(r.Context(), req.Email, h.clientIP(r))
	if err != nil && !errors.Is(err, auth.ErrDeliveryFailure) {
		h.respondOutcome(w, "login", err)
		return
	}

	resp := LoginResponse{
		OTPSessionID: sess.ID,
		MaskedEmail:  otp.MaskEmail(sess.Identity),
		ResendCount:  sess.ResendCount,
	}
	if err != nil {
		// The record is persisted and usable; only the transport failed.
		metrics.AuthOperations.WithLabelValues("login", metrics.OutcomeDeliveryFailed).Inc()
		h.respondWithJSON(w, http.StatusBadGateway, ErrorResponse{
			Error: ErrorDetail{
				Code:      "DELIVERY_FAILED",
				Message:   "Could not deliver the code; request a resend",
				Retryable: true,
			},
		})
		return
	}

	metrics.AuthOperations.WithLabelValues("login", metrics.OutcomeSuccess).Inc()
	h.respondWithJSON(w, http.StatusOK, resp)
}

// Verify checks a submitted code and, on success, sets the session cookie.
func (h *AuthHandlers) Verify(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.SessionFrom(r.Context()); ok {
		h.respondWithJSON(w, http.StatusOK, VerifyResponse{Authenticated: true})
		return
	}

	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	code := strings.TrimSpace(req.OTP)
	if !otp.ValidCodeFormat(code) {
		h.respondWithError(w, http.StatusUnprocessableEntity, "INVALID_CODE_FORMAT", "Code must be 6 digits")
		return
	}

	token, err := h.verifier.Verify(r.Context(), req.Email, req.OTPSessionID, code, h.clientIP(r))
	if err != nil {
		h.respondOutcome(w, "verify", err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.cfg.TTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	metrics.AuthOperations.WithLabelValues("verify", metrics.OutcomeSuccess).Inc()
	h.respondWithJSON(w, http.StatusOK, VerifyResponse{Authenticated: true})
}

// Resend reissues a code within the active lineage.
func (h *AuthHandlers) Resend(w http.ResponseWriter, r *http.Request) {
	var req ResendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	sess, err := h.otpService.Resend(r.Context(), req.Email, req.OTPSessionID, h.clientIP(r))
	if err != nil && !errors.Is(err, auth.ErrDeliveryFailure) {
		h.respondOutcome(w, "resend", err)
		return
	}

	if err != nil {
		metrics.AuthOperations.WithLabelValues("resend", metrics.OutcomeDeliveryFailed).Inc()
		h.respondWithJSON(w, http.StatusBadGateway, ErrorResponse{
			Error: ErrorDetail{
				Code:      "DELIVERY_FAILED",
				Message:   "Could not deliver the code; request a resend",
				Retryable: true,
			},
		})
		return
	}

	metrics.AuthOperations.WithLabelValues("resend", metrics.OutcomeSuccess).Inc()
	h.respondWithJSON(w, http.StatusOK, LoginResponse{
		OTPSessionID: sess.ID,
		MaskedEmail:  otp.MaskEmail(sess.Identity),
		ResendCount:  sess.ResendCount,
	})
}

// Logout revokes the cookie session and clears the cookie. Always 200.
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(h.cfg.CookieName); err == nil && cookie.Value != "" {
		if err := h.sessions.Revoke(r.Context(), cookie.Value); err != nil {
			h.logger.WithError(err).Warn("Failed to revoke session on logout")
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	h.respondWithJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

// Status reports cookie-derived authentication state. Never errors.
func (h *AuthHandlers) Status(w http.ResponseWriter, r *http.Request) {
	if sess, ok := middleware.SessionFrom(r.Context()); ok {
		h.respondWithJSON(w, http.StatusOK, StatusResponse{
			Authenticated: true,
			Identity:      sess.Identity,
		})
		return
	}
	h.respondWithJSON(w, http.StatusOK, StatusResponse{Authenticated: false})
}

// Me returns the authenticated identity; mounted behind RequireAuth.
func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFrom(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Not authenticated")
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]string{"identity": sess.Identity})
}

// respondOutcome translates a service outcome into its HTTP shape.
func (h *AuthHandlers) respondOutcome(w http.ResponseWriter, operation string, err error) {
	var wrongCode *auth.WrongCodeError
	var rateLimited *auth.RateLimitedError

	switch {
	case errors.Is(err, auth.ErrInvalidEmail):
		metrics.AuthOperations.WithLabelValues(operation, metrics.OutcomeInvalidEmail).Inc()
		h.respondWithError(w, http.StatusUnprocessableEntity, "INVALID_EMAIL", "Invalid email address")

	case errors.As(err, &rateLimited):
		metrics.AuthOperations.WithLabelValues(operation, metrics.OutcomeRateLimited).Inc()
		if rateLimited.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(int64(rateLimited.RetryAfter.Seconds())+1, 10))
		}
		h.respondWithError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")

	case errors.As(err, &wrongCode):
		metrics.AuthOperations.WithLabelValues(operation, metrics.OutcomeWrongCode).Inc()
		h.respondWithJSON(w, http.StatusUnauthorized, WrongCodeResponse{
			Error:             ErrorDetail{Code: "WRONG_CODE", Message: "Incorrect code"},
			RemainingAttempts: wrongCode.Remaining,
		})

	case errors.Is(err, auth.ErrExpired):
		metrics.AuthOperations.WithLabelValues(operation, metrics.OutcomeExpired).Inc()
		h.respondWithError(w, http.StatusGone, "EXPIRED", "Code expired; request a new one")

	case errors.Is(err, auth.ErrTooManyAttempts):
		metrics.AuthOperations.WithLabelValues(operation, metrics.OutcomeTooManyAttempts).Inc()
		h.respondWithError(w, http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS", "Too many attempts; request a new code")

	case errors.Is(err, auth.ErrResendLimit):
		metrics.AuthOperations.WithLabelValues(operation, metrics.OutcomeResendLimit).Inc()
		h.respondWithError(w, http.StatusTooManyRequests, "RESEND_LIMIT", "Resend limit reached; start over")

	case errors.Is(err, auth.ErrNotFound):
		metrics.AuthOperations.WithLabelValues(operation, metrics.OutcomeNotFound).Inc()
		h.respondWithError(w, http.StatusNotFound, "NOT_FOUND", "Code session not found")

	default:
		metrics.AuthOperations.WithLabelValues(operation, metrics.OutcomeInternalError).Inc()
		h.logger.WithError(err).WithField("operation", operation).Error("Internal error")
		h.respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An error occurred. Please try again.")
	}
}

func (h *AuthHandlers) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (h *AuthHandlers) respondWithError(w http.ResponseWriter, status int, code, message string) {
	h.respondWithJSON(w, status, ErrorResponse{
		Error: ErrorDetail{Code: code, Message: message},
	})
}

// clientIP is the origin subject for rate limiting. X-Forwarded-For is only
// consulted behind a trusted proxy; otherwise a direct client could pick its
// own subject and sidestep the origin ceiling.
func (h *AuthHandlers) clientIP(r *http.Request) string {
	if h.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			parts := strings.Split(fwd, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
