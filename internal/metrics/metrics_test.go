package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCollector_Counters(t *testing.T) {
	c := NewCollector()

	c.PacketDecodedInc()
	c.PacketDroppedInc()
	c.PacketDroppedInc()
	c.FixIngestedInc()
	c.FixRejectedInc("unknown_tracker")
	c.SelectionInc("fallback")
	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()
	c.NATSSetConnected(true)
	c.IngestObserve(3 * time.Millisecond)

	out := scrape(t, c)
	assert.Contains(t, out, "bustrack_packets_decoded_total 1")
	assert.Contains(t, out, "bustrack_packets_dropped_total 2")
	assert.Contains(t, out, "bustrack_fixes_ingested_total 1")
	assert.Contains(t, out, `bustrack_fixes_rejected_total{reason="unknown_tracker"} 1`)
	assert.Contains(t, out, `bustrack_bus_selections_total{type="fallback"} 1`)
	assert.Contains(t, out, "bustrack_websocket_sessions 1")
	assert.Contains(t, out, "bustrack_nats_connected 1")
	assert.Contains(t, out, "bustrack_ingest_duration_seconds_count 1")
}

func TestCollector_NATSDisconnected(t *testing.T) {
	c := NewCollector()
	c.NATSSetConnected(true)
	c.NATSSetConnected(false)

	assert.Contains(t, scrape(t, c), "bustrack_nats_connected 0")
}
