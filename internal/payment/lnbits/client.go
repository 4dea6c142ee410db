// Package lnbits is a payment.Provider backed by the LNbits wallet REST API.
package lnbits

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nip05/internal/payment"
	"nip05/pkg/domain"
	"nip05/pkg/requestcontext"
)

const (
	ProviderID = "lnbits"

	headerAPIKey  = "X-Api-Key"
	paymentsPath  = "/api/v1/payments"
	maxBodyBytes  = 64 << 10
	defaultExpiry = 5 * time.Minute
)

// Client talks to a single LNbits wallet using its invoice key.
type Client struct {
	baseURL    string
	apiKey     string
	expiry     time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithInvoiceExpiry sets the lifetime requested for new invoices.
func WithInvoiceExpiry(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.expiry = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = logger
	}
}

func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("lnbits URL must be an absolute http or https URL")
	}
	if apiKey == "" {
		return nil, errors.New("lnbits API key is required")
	}
	c := &Client{
		baseURL:    strings.TrimRight(u.String(), "/"),
		apiKey:     apiKey,
		expiry:     defaultExpiry,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) ID() string {
	return ProviderID
}

type createRequest struct {
	Out    bool   `json:"out"`
	Amount int64  `json:"amount"`
	Memo   string `json:"memo"`
	Expiry int64  `json:"expiry"`
	Unit   string `json:"unit"`
}

// LNbits versions disagree on field names, so every known alias is accepted.
type createResponse struct {
	PaymentRequest string `json:"payment_request"`
	Bolt11         string `json:"bolt11"`
	PR             string `json:"pr"`
	PaymentHash    string `json:"payment_hash"`
	CheckingID     string `json:"checking_id"`
	ID             string `json:"id"`
}

func (r createResponse) request() string {
	return firstNonEmpty(r.PaymentRequest, r.Bolt11, r.PR)
}

func (r createResponse) hash() string {
	return firstNonEmpty(r.PaymentHash, r.CheckingID, r.ID)
}

type statusResponse struct {
	Paid    bool `json:"paid"`
	Pending bool `json:"pending"`
	Expired bool `json:"expired"`
}

func (c *Client) CreateInvoice(ctx context.Context, amountSats int64, memo string) (*payment.Invoice, error) {
	body, err := json.Marshal(createRequest{
		Out:    false,
		Amount: amountSats,
		Memo:   memo,
		Expiry: int64(c.expiry / time.Second),
		Unit:   "sat",
	})
	if err != nil {
		return nil, payment.NewProviderError(payment.ErrorInternal, ProviderID, "encode invoice request", err)
	}

	var out createResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+paymentsPath, body, &out); err != nil {
		return nil, err
	}

	if out.request() == "" {
		return nil, payment.NewProviderError(payment.ErrorBadData, ProviderID, "no payment request in invoice data", nil)
	}
	ref, err := domain.ParseInvoiceReference(out.hash())
	if err != nil {
		return nil, payment.NewProviderError(payment.ErrorBadData, ProviderID, "invalid payment hash in invoice data", err)
	}

	c.logger.InfoContext(ctx, "lnbits invoice created",
		"request_id", requestcontext.RequestID(ctx),
		"reference", ref.Short(),
		"amount_sats", amountSats,
	)
	return &payment.Invoice{
		Reference:      ref,
		PaymentRequest: out.request(),
		AmountSats:     amountSats,
		ExpiresAt:      c.now().Add(c.expiry),
	}, nil
}

func (c *Client) Status(ctx context.Context, ref domain.InvoiceReference) (*payment.Status, error) {
	var out statusResponse
	if err := c.do(ctx, http.MethodGet, c.baseURL+paymentsPath+"/"+url.PathEscape(ref.String()), nil, &out); err != nil {
		return nil, err
	}
	return &payment.Status{Settled: out.Paid, Expired: out.Expired}, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return payment.NewProviderError(payment.ErrorInternal, ProviderID, "build request", err)
	}
	req.Header.Set(headerAPIKey, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return err
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return payment.NewProviderError(payment.ErrorBadData, ProviderID, "decode response", err)
	}
	return nil
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		return nil
	case status == http.StatusNotFound:
		return payment.NewProviderError(payment.ErrorNotFound, ProviderID, "invoice not found", nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return payment.NewProviderError(payment.ErrorAuthentication, ProviderID, "wallet key rejected", nil)
	case status == http.StatusTooManyRequests:
		return payment.NewProviderError(payment.ErrorRateLimited, ProviderID, "rate limited", nil)
	case status >= 500:
		return payment.NewProviderError(payment.ErrorProviderOutage, ProviderID, fmt.Sprintf("status %d", status), nil)
	default:
		return payment.NewProviderError(payment.ErrorBadData, ProviderID, fmt.Sprintf("unexpected status %d", status), nil)
	}
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return payment.NewProviderError(payment.ErrorTimeout, ProviderID, "request timed out", err)
	}
	return payment.NewProviderError(payment.ErrorProviderOutage, ProviderID, "connection error", err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
