package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_Exposition(t *testing.T) {
	m := New(
		func() float64 { return 7 },
		func() float64 { return 2 },
	)
	m.ObserveEval(200, 0.05)
	m.ObserveEval(200, 0.10)
	m.ObserveEval(500, 0.01)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, `potat_eval_requests_total{status="200"} 2`)
	assert.Contains(t, body, `potat_eval_requests_total{status="500"} 1`)
	assert.Contains(t, body, `potat_eval_queue_depth 7`)
	assert.Contains(t, body, `potat_eval_inflight_fetches 2`)
	assert.Contains(t, body, "potat_eval_duration_seconds")
}
