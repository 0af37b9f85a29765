package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendJSONPostsBodyAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "ping", in["msg"])
		_, _ = w.Write([]byte(`{"msg":"pong"}`))
	}))
	defer srv.Close()

	raw, err := SendJSON(context.Background(), srv.Client(), srv.URL, map[string]string{"msg": "ping"},
		map[string]string{"X-Api-Key": "secret"}, quietLogger())
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"pong"}`, string(raw))
}

func TestSendJSONUsesRequestIDFromContext(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("X-Request-ID"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx := common.WithRequestID(context.Background(), "req-123")
	for i := 0; i < 2; i++ {
		_, err := SendJSON(ctx, srv.Client(), srv.URL, map[string]string{}, nil, quietLogger())
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"req-123", "req-123"}, got)
}

func TestSendJSONReturnsStatusError(t *testing.T) {
	cases := []struct {
		code      int
		temporary bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			_, err := SendJSON(context.Background(), srv.Client(), srv.URL, struct{}{}, nil, quietLogger())
			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tc.code, se.Code)
			assert.Equal(t, "nope", se.Body)
			assert.Equal(t, tc.temporary, se.Temporary())
		})
	}
}
