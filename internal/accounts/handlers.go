package accounts

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/ratelimit"
)

const maxRequestBytes = 8 * 1024

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type HandlerConfig struct {
	Service *Service
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Limiter is keyed by client IP. Nil disables rate limiting.
	Limiter *ratelimit.Keyed
}

type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
	limiter *ratelimit.Keyed
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: cfg.Service, log: logger, metrics: cfg.Metrics, limiter: cfg.Limiter}
}

// Routes returns a router serving POST /register and POST /login.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/register", h.register)
	r.Post("/login", h.login)
	return r
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r, "register")
	if !ok {
		return
	}

	sess, err := h.svc.Register(r.Context(), req.Username, req.Password)
	var verr *ValidationError
	switch {
	case err == nil:
		h.metrics.AccountRequest("register", "ok")
		writeJSON(w, http.StatusCreated, sess)
	case errors.Is(err, ErrUserExists):
		h.metrics.AccountRequest("register", "exists")
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "User already exists"})
	case errors.As(err, &verr):
		h.metrics.AccountRequest("register", "invalid")
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: verr.Message})
	default:
		h.serverError(w, "register", err)
	}
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r, "login")
	if !ok {
		return
	}

	sess, err := h.svc.Login(r.Context(), req.Username, req.Password)
	switch {
	case err == nil:
		h.metrics.AccountRequest("login", "ok")
		writeJSON(w, http.StatusOK, sess)
	case errors.Is(err, ErrInvalidCredentials):
		h.metrics.AccountRequest("login", "rejected")
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "Invalid credentials"})
	default:
		h.serverError(w, "login", err)
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, op string) (credentialsRequest, bool) {
	if h.limiter != nil && !h.limiter.Allow(clientIP(r)) {
		h.metrics.AccountRequest(op, "rate_limited")
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, messageResponse{Message: "Too many requests"})
		return credentialsRequest{}, false
	}

	var req credentialsRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.metrics.AccountRequest(op, "invalid")
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "Invalid request body"})
		return credentialsRequest{}, false
	}
	return req, true
}

func (h *Handler) serverError(w http.ResponseWriter, op string, err error) {
	h.log.Error("account request failed", "op", op, "err", err)
	h.metrics.AccountRequest(op, "error")
	writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "Server error"})
}

// clientIP relies on middleware.RealIP having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
