package monitoring

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/welldata/prodstream/internal/replay"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRegister_ExposesPipelineMetrics(t *testing.T) {
	reg := NewRegistry()
	cursor := time.Date(2015, 3, 4, 0, 0, 0, 0, time.UTC)
	err := Register(reg,
		fixedConsumer{Handled: 9, Acked: 7, Requeued: 1, DeadLettered: 1},
		fixedReplay{State: replay.Running.String(), Cursor: &cursor, Ticks: 4, Skipped: 2},
		fixedQueue(3),
	)
	require.NoError(t, err)

	body := scrape(t, Handler(reg))
	assert.Contains(t, body, `prodstream_consumer_deliveries_total{outcome="acked"} 7`)
	assert.Contains(t, body, `prodstream_consumer_deliveries_total{outcome="dead_lettered"} 1`)
	assert.Contains(t, body, "prodstream_replay_ticks_total 4")
	assert.Contains(t, body, "prodstream_replay_skipped_ticks_total 2")
	assert.Contains(t, body, "prodstream_replay_running 1")
	assert.Contains(t, body, "prodstream_queue_pending 3")
	assert.Contains(t, body, "prodstream_replay_cursor_timestamp_seconds 1.4254272e+09")
	assert.Contains(t, body, "go_goroutines")
}

func TestRegister_SkipsNilSources(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, Register(reg, nil, nil, nil))

	body := scrape(t, Handler(reg))
	assert.NotContains(t, body, "prodstream_")
}

func TestRegister_Twice(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, Register(reg, nil, nil, fixedQueue(1)))
	assert.Error(t, Register(reg, nil, nil, fixedQueue(1)))
}
