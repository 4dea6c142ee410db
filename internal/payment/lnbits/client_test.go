package lnbits

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nip05/internal/payment"
	"nip05/internal/payment/contract"
	"nip05/pkg/domain"
)

const testKey = "invoice-key"

// fakeLNbits mimics the wallet endpoints the client uses.
type fakeLNbits struct {
	mu       sync.Mutex
	seq      int
	paid     map[string]bool
	lastBody createRequest
}

func newFakeLNbits() *fakeLNbits {
	return &fakeLNbits{paid: make(map[string]bool)}
}

func (f *fakeLNbits) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(headerAPIKey) != testKey {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == paymentsPath:
		var body createRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.lastBody = body
		f.seq++
		sum := sha256.Sum256(fmt.Appendf(nil, "invoice-%d", f.seq))
		hash := hex.EncodeToString(sum[:])
		f.paid[hash] = false
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"payment_hash": hash,
			"bolt11":       "lnbc" + hash[:20],
		})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, paymentsPath+"/"):
		hash := strings.TrimPrefix(r.URL.Path, paymentsPath+"/")
		paid, ok := f.paid[hash]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"paid": paid, "pending": !paid})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeLNbits) settle(ref domain.InvoiceReference) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paid[ref.String()] = true
}

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/", testKey, opts...)
	require.NoError(t, err)
	return c
}

func TestLNbitsContract(t *testing.T) {
	fake := newFakeLNbits()
	c := newTestClient(t, fake)

	s := &contract.ProviderSuite{
		Provider: c,
		Settle: func(_ *testing.T, ref domain.InvoiceReference) {
			fake.settle(ref)
		},
	}
	s.Run(t)

	(&contract.ErrorContractTest{
		Name: "unknown invoice",
		Call: func(ctx context.Context) error {
			_, err := c.Status(ctx, domain.InvoiceReference(strings.Repeat("ab", 32)))
			return err
		},
		ExpectedError: payment.ErrorNotFound,
	}).Run(t)
}

func TestCreateInvoiceRequest(t *testing.T) {
	fake := newFakeLNbits()
	c := newTestClient(t, fake, WithInvoiceExpiry(10*time.Minute))

	inv, err := c.CreateInvoice(context.Background(), 1000, "NIP-05: alice@example.com")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(inv.PaymentRequest, "lnbc"))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.False(t, fake.lastBody.Out)
	assert.Equal(t, int64(1000), fake.lastBody.Amount)
	assert.Equal(t, "NIP-05: alice@example.com", fake.lastBody.Memo)
	assert.Equal(t, int64(600), fake.lastBody.Expiry)
}

func TestResponseAliases(t *testing.T) {
	hash := strings.Repeat("CD", 32)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"checking_id": hash, "pr": "lnbc1alias"})
	}))

	inv, err := c.CreateInvoice(context.Background(), 10, "memo")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceReference(strings.ToLower(hash)), inv.Reference)
	assert.Equal(t, "lnbc1alias", inv.PaymentRequest)
}

func TestErrorTaxonomy(t *testing.T) {
	respond := func(status int, body string) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
		})
	}

	cases := []struct {
		name     string
		handler  http.Handler
		key      string
		category payment.ErrorCategory
		retry    bool
	}{
		{name: "wrong key", handler: newFakeLNbits(), key: "other", category: payment.ErrorAuthentication},
		{name: "server error", handler: respond(http.StatusBadGateway, ""), key: testKey, category: payment.ErrorProviderOutage, retry: true},
		{name: "throttled", handler: respond(http.StatusTooManyRequests, ""), key: testKey, category: payment.ErrorRateLimited, retry: true},
		{name: "malformed body", handler: respond(http.StatusOK, "{"), key: testKey, category: payment.ErrorBadData},
		{name: "missing payment request", handler: respond(http.StatusOK, `{"payment_hash":"`+strings.Repeat("a", 64)+`"}`), key: testKey, category: payment.ErrorBadData},
		{name: "bad payment hash", handler: respond(http.StatusOK, `{"payment_hash":"xyz","bolt11":"lnbc1"}`), key: testKey, category: payment.ErrorBadData},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(tc.handler)
		c, err := New(srv.URL, tc.key)
		require.NoError(t, err)
		(&contract.ErrorContractTest{
			Name: tc.name,
			Call: func(ctx context.Context) error {
				_, err := c.CreateInvoice(ctx, 10, "memo")
				return err
			},
			ExpectedError: tc.category,
			ExpectedRetry: tc.retry,
		}).Run(t)
		srv.Close()
	}
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c, err := New(srv.URL, testKey)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Status(ctx, domain.InvoiceReference(strings.Repeat("ab", 32)))
	assert.Equal(t, payment.ErrorTimeout, payment.GetCategory(err))
	assert.True(t, payment.IsRetryable(err))
}

func TestHTTPClientTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c, err := New(srv.URL, testKey, WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
	require.NoError(t, err)

	_, err = c.CreateInvoice(context.Background(), 1000, "NIP-05: alice@example.com")
	require.Error(t, err)
	assert.True(t, payment.IsRetryable(err), "a client timeout is transient: %v", err)
}

func TestNewValidatesURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://wallet", "wallet.example.com", "https://"} {
		_, err := New(raw, testKey)
		assert.Error(t, err, raw)
	}
	_, err := New("https://wallet.example.com", "")
	assert.Error(t, err)
}
