package admin

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestRequireAdminKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name   string
		hash   string
		key    string
		status int
	}{
		{name: "disabled without hash", hash: "", key: "s3cret", status: http.StatusNotImplemented},
		{name: "missing key", hash: string(hash), key: "", status: http.StatusUnauthorized},
		{name: "wrong key", hash: string(hash), key: "nope", status: http.StatusUnauthorized},
		{name: "valid key", hash: string(hash), key: "s3cret", status: http.StatusNoContent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/register", nil)
			if tc.key != "" {
				req.Header.Set(HeaderAdminKey, tc.key)
			}
			rec := httptest.NewRecorder()
			RequireAdminKey(tc.hash, logger)(ok).ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}
