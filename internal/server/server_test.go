package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sandbox "github.com/ryanpotat/potat-eval"
)

const testSecret = "swordfish"

func newTestServer(run sandbox.RunFunc) *Server {
	if run == nil {
		run = func(code string, _ map[string]any) string { return "ran:" + code }
	}
	return New(Options{
		Auth:  testSecret,
		Queue: sandbox.NewQueue(run, zerolog.Nop()),
		Log:   zerolog.Nop(),
	})
}

func postEval(t *testing.T, srv *Server, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/eval", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestHandleEval_Success(t *testing.T) {
	srv := newTestServer(nil)
	rec := postEval(t, srv, testSecret, `{"code": "1 + 1", "msg": {}}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, []string{"ran:1 + 1"}, env.Data)
	assert.Equal(t, http.StatusOK, env.StatusCode)
	assert.GreaterOrEqual(t, env.Duration, 0.0)
	assert.Empty(t, env.Errors)
}

func TestHandleEval_AuthFailure(t *testing.T) {
	srv := newTestServer(nil)
	rec := postEval(t, srv, "wrong token", `{"code": "1", "msg": {}}`)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Empty(t, env.Data)
	require.Len(t, env.Errors, 1)
	assert.Equal(t, "not today my little bish xqcL", env.Errors[0].Message)
}

func TestHandleEval_MissingAuth(t *testing.T) {
	srv := newTestServer(nil)
	rec := postEval(t, srv, "", `{"code": "1", "msg": {}}`)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestHandleEval_MalformedBody(t *testing.T) {
	srv := newTestServer(nil)
	rec := postEval(t, srv, testSecret, `{"code": `)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Empty(t, env.Data)
	require.Len(t, env.Errors, 1)
	assert.Equal(t, "Internal server error", env.Errors[0].Message)
}

func TestHandleEval_GuestErrorIs200(t *testing.T) {
	srv := newTestServer(func(string, map[string]any) string {
		return "🚫 TypeError: x"
	})
	rec := postEval(t, srv, testSecret, `{"code": "throw new TypeError('x')", "msg": {}}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, []string{"🚫 TypeError: x"}, env.Data)
}

func TestHandleEval_QueueOverflow(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	srv := newTestServer(func(string, map[string]any) string {
		once.Do(func() { close(started) })
		<-release
		return ""
	})

	// Occupy the consumer.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		postEval(t, srv, testSecret, `{"code": "busy", "msg": {}}`)
	}()
	<-started

	// Fill the 20 queue slots.
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			postEval(t, srv, testSecret, `{"code": "queued", "msg": {}}`)
		}()
	}
	require.Eventually(t, func() bool {
		return srv.queue.Depth() == 20
	}, 2*time.Second, 5*time.Millisecond)

	// The next request is rejected with HTTP 500, synchronously.
	rec := postEval(t, srv, testSecret, `{"code": "overflow", "msg": {}}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decodeEnvelope(t, rec)
	require.Len(t, env.Errors, 1)
	assert.Equal(t, "Internal server error", env.Errors[0].Message)

	close(release)
	wg.Wait()
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRoundMS(t *testing.T) {
	assert.Equal(t, 12.3457, roundMS(12345678*time.Nanosecond))
	assert.Equal(t, 0.0, roundMS(0))
	assert.Equal(t, 1.0, roundMS(time.Millisecond))
}
