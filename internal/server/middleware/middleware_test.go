package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
})

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestAuthWebsocketQueryKey(t *testing.T) {
	h := Auth("secret")(okHandler)

	r := httptest.NewRequest(http.MethodGet, "/ws?api_key=secret", nil)
	assert.Equal(t, http.StatusUnauthorized, serve(h, r).Code, "query key needs an upgrade request")

	r.Header.Set("Upgrade", "websocket")
	assert.Equal(t, http.StatusOK, serve(h, r).Code)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"https://ops.example"})(okHandler)

	r := httptest.NewRequest(http.MethodOptions, "/api/status", nil)
	r.Header.Set("Origin", "https://OPS.example")
	r.Header.Set("Access-Control-Request-Method", "POST")
	rec := serve(h, r)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://OPS.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")

	r = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	r.Header.Set("Origin", "https://evil.example")
	rec = serve(h, r)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))
}

func TestLoggingRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := Logging(logger, "/metrics")(okHandler)

	r := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	r.Header.Set(RequestIDHeader, "req-1")
	rec := serve(h, r)
	assert.Equal(t, "req-1", rec.Header().Get(RequestIDHeader))
	assert.Contains(t, buf.String(), `"request_id":"req-1"`)
	assert.Contains(t, buf.String(), `"bytes":2`)

	buf.Reset()
	rec = serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	assert.Empty(t, buf.String(), "quiet paths log at debug")
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(r))
}
