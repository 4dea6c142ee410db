package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"nip05/internal/platform/metrics"
	ratelimitmodels "nip05/internal/ratelimit/models"
	"nip05/internal/reconciler"
	"nip05/internal/registration/models"
	"nip05/internal/registration/service"
	regmodels "nip05/internal/registry/models"
	dErrors "nip05/pkg/domain-errors"
	"nip05/pkg/platform/httputil"
	"nip05/pkg/platform/middleware/admin"
	"nip05/pkg/requestcontext"
)

const (
	defaultLatestLimit = 5
	maxLatestLimit     = 50
)

// Service defines the registration operations exposed over HTTP.
type Service interface {
	Domain() string
	CheckAvailability(ctx context.Context, name string) (bool, error)
	ConvertPublicKey(encoded string) (string, error)
	CheckPublicKey(ctx context.Context, encoded string) (*service.PublicKeyCheck, error)
	CreateInvoice(ctx context.Context, name, encodedKey string) (*service.Invoice, error)
	CheckPayment(ctx context.Context, reference, name, encodedKey string) (*service.PaymentCheck, error)
	RegisterDirect(ctx context.Context, name, encodedKey string) (*regmodels.Entry, error)
	RemoveName(ctx context.Context, name string) error
	LatestRegistrations(ctx context.Context, n int) []regmodels.MaskedEntry
	Document(ctx context.Context, name string) regmodels.Document
	Health(ctx context.Context) *service.Health
}

// RateLimiter returns the middleware enforcing one endpoint class budget.
type RateLimiter interface {
	RateLimit(class ratelimitmodels.EndpointClass) func(http.Handler) http.Handler
}

// Handler serves the public registration API and the NIP-05 document.
type Handler struct {
	logger       *slog.Logger
	registration Service
	metrics      *metrics.Metrics
	limiter      RateLimiter
	adminKeyHash string
}

type Option func(*Handler)

func WithRateLimiter(l RateLimiter) Option {
	return func(h *Handler) {
		h.limiter = l
	}
}

// WithAdminKeyHash enables the admin routes. Without it they answer 501.
func WithAdminKeyHash(hash string) Option {
	return func(h *Handler) {
		h.adminKeyHash = hash
	}
}

// New creates a new registration Handler.
func New(registration Service, logger *slog.Logger, metrics *metrics.Metrics, opts ...Option) *Handler {
	h := &Handler{
		logger:       logger,
		registration: registration,
		metrics:      metrics,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register registers the registration routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.latency)

		r.Get("/.well-known/nostr.json", h.handleDocument)
		r.Get("/health", h.handleHealth)

		r.With(h.limit(ratelimitmodels.ClassCheckAvailability)).
			Get("/api/check-availability/{username}", h.handleCheckAvailability)
		r.With(h.limit(ratelimitmodels.ClassCheckPublicKey)).
			Post("/api/check-pubkey", h.handleCheckPublicKey)
		r.With(h.limit(ratelimitmodels.ClassCheckPublicKey)).
			Post("/api/convert-pubkey", h.handleConvertPublicKey)
		r.With(h.limit(ratelimitmodels.ClassCreateInvoice)).
			Post("/api/create-invoice", h.handleCreateInvoice)
		r.With(h.limit(ratelimitmodels.ClassCheckPayment)).
			Post("/api/check-payment", h.handleCheckPayment)
		r.With(h.limit(ratelimitmodels.ClassCheckAvailability)).
			Get("/api/latest-records", h.handleLatestRecords)

		r.Group(func(r chi.Router) {
			r.Use(h.limit(ratelimitmodels.ClassRegister))
			r.Use(admin.RequireAdminKey(h.adminKeyHash, h.logger))
			r.Post("/api/register", h.handleRegister)
			r.Delete("/api/manage/names/{username}", h.handleRemoveName)
		})
	})
}

func (h *Handler) limit(class ratelimitmodels.EndpointClass) func(http.Handler) http.Handler {
	if h.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return h.limiter.RateLimit(class)
}

// latency records request duration by route pattern.
func (h *Handler) latency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		h.metrics.ObserveHTTP(route, ww.Status(), start)
	})
}

// handleDocument serves the NIP-05 lookup document. Any origin may read it.
func (h *Handler) handleDocument(w http.ResponseWriter, r *http.Request) {
	doc := h.registration.Document(r.Context(), r.URL.Query().Get("name"))
	w.Header().Set("Access-Control-Allow-Origin", "*")
	httputil.WriteJSON(w, http.StatusOK, doc)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.registration.Health(r.Context())
	resp := models.HealthResponse{
		Status:          "healthy",
		Domain:          health.Domain,
		RegisteredUsers: health.Registered,
	}
	status := http.StatusOK
	if !health.Healthy {
		resp.Status = "degraded"
		resp.NostrJSON = "error"
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, resp)
}

func (h *Handler) handleCheckAvailability(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	available, err := h.registration.CheckAvailability(ctx, chi.URLParam(r, "username"))
	if err != nil {
		h.writeError(ctx, w, "availability check failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, models.AvailabilityResponse{Available: available})
}

func (h *Handler) handleCheckPublicKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req models.PublicKeyRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		h.writeError(ctx, w, "invalid check pubkey request", err)
		return
	}
	res, err := h.registration.CheckPublicKey(ctx, req.PublicKey)
	if err != nil {
		h.writeError(ctx, w, "pubkey check failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, models.CheckPublicKeyResponse{
		Hex:        res.Hex,
		Npub:       res.Npub,
		Registered: res.AlreadyRegistered,
	})
}

func (h *Handler) handleConvertPublicKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req models.PublicKeyRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		h.writeError(ctx, w, "invalid convert pubkey request", err)
		return
	}
	hexKey, err := h.registration.ConvertPublicKey(req.PublicKey)
	if err != nil {
		h.writeError(ctx, w, "pubkey conversion failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, models.ConvertPublicKeyResponse{Hex: hexKey})
}

var invoiceMessages = map[service.InvoiceStatus]string{
	service.InvoiceCreated:     "Invoice created",
	service.InvoicePending:     "Existing invoice - please complete payment",
	service.InvoiceAlreadyPaid: "Payment already completed",
}

func (h *Handler) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req models.NameRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		h.writeError(ctx, w, "invalid create invoice request", err)
		return
	}
	req.Normalize()

	inv, err := h.registration.CreateInvoice(ctx, req.Username, req.PublicKey)
	if err != nil {
		h.writeError(ctx, w, "create invoice failed", err)
		return
	}

	resp := models.InvoiceResponse{
		PaymentRequest: inv.PaymentRequest,
		PaymentHash:    inv.Reference.String(),
		AmountSats:     inv.AmountSats,
		Username:       inv.Identifier.String(),
		PublicKey:      inv.PublicKey,
		Status:         string(inv.Status),
		Message:        invoiceMessages[inv.Status],
	}
	if inv.Status == service.InvoiceAlreadyPaid {
		resp.PaymentRequest = ""
	}
	if inv.PublicKeyInUse {
		resp.Warning = "this public key already has a registered name"
	}
	status := http.StatusOK
	if inv.Status == service.InvoiceCreated {
		status = http.StatusCreated
	}
	httputil.WriteJSON(w, status, resp)
}

func (h *Handler) handleCheckPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req models.CheckPaymentRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		h.writeError(ctx, w, "invalid check payment request", err)
		return
	}
	req.Normalize()

	res, err := h.registration.CheckPayment(ctx, req.PaymentHash, req.Username, req.PublicKey)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeRegistrationConflict) {
			h.logger.WarnContext(ctx, "paid invoice lost its identifier",
				"request_id", requestcontext.RequestID(ctx),
			)
			httputil.WriteJSON(w, http.StatusConflict, models.CheckPaymentResponse{
				Paid:   false,
				Status: string(reconciler.OutcomeConflict),
				Error:  "Username already registered",
			})
			return
		}
		h.writeError(ctx, w, "check payment failed", err)
		return
	}

	resp := models.CheckPaymentResponse{Paid: res.Paid(), Status: string(res.Status)}
	switch res.Status {
	case reconciler.OutcomeCommitted:
		resp.NIP05 = res.Address
	case reconciler.OutcomeExpired:
		resp.Error = "Invoice expired"
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLatestRecords(w http.ResponseWriter, r *http.Request) {
	n := defaultLatestLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "limit must be a positive integer"))
			return
		}
		n = min(parsed, maxLatestLimit)
	}
	httputil.WriteJSON(w, http.StatusOK, h.registration.LatestRegistrations(r.Context(), n))
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req models.NameRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		h.writeError(ctx, w, "invalid register request", err)
		return
	}
	req.Normalize()

	entry, err := h.registration.RegisterDirect(ctx, req.Username, req.PublicKey)
	if err != nil {
		h.writeError(ctx, w, "direct registration failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, models.RegisterResponse{
		Success: true,
		NIP05:   entry.Identifier.Address(h.registration.Domain()),
	})
}

func (h *Handler) handleRemoveName(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.registration.RemoveName(ctx, chi.URLParam(r, "username")); err != nil {
		h.writeError(ctx, w, "remove name failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, models.RemoveResponse{Success: true})
}

// writeError logs client mistakes at warn and server failures at error.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	requestID := requestcontext.RequestID(ctx)
	if httputil.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, msg, "request_id", requestID, "error", err)
	} else {
		h.logger.WarnContext(ctx, msg, "request_id", requestID, "error", err)
	}
	httputil.WriteError(w, err)
}
