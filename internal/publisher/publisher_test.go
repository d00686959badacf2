package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"bustrack/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

type fakeMetrics struct {
	published, errs, observed int
}

func (m *fakeMetrics) NATSPublishedInc()            { m.published++ }
func (m *fakeMetrics) NATSPublishErrInc()           { m.errs++ }
func (m *fakeMetrics) PublishObserve(time.Duration) { m.observed++ }
func (m *fakeMetrics) NATSSetConnected(bool)        {}

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "C5", subjectToken(" C5 "))
	assert.Equal(t, "Rea_Vaya", subjectToken("Rea Vaya"))
	assert.Equal(t, "a_b_c_d", subjectToken("a.b*c>d"))
	assert.Equal(t, "_", subjectToken(""))
}

func TestNATSPublisher_Publish(t *testing.T) {
	conn := &fakeConn{}
	m := &fakeMetrics{}
	p := newNATSPublisher(conn, "bus.position.", m, zap.NewNop())

	fix := &models.PositionFix{TrackerID: "866", BusID: "BUS 1", BusNumber: "C5", Lat: -26.2}
	require.NoError(t, p.Publish(context.Background(), fix))

	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "bus.position.C5.BUS_1", conn.subjects[0])
	var got models.PositionFix
	require.NoError(t, json.Unmarshal(conn.payloads[0], &got))
	assert.Equal(t, "866", got.TrackerID)
	assert.Equal(t, 1, m.published)
	assert.Equal(t, 1, m.observed)
}

func TestNATSPublisher_PublishError(t *testing.T) {
	m := &fakeMetrics{}
	p := newNATSPublisher(&fakeConn{err: errors.New("no responders")}, "", m, zap.NewNop())

	err := p.Publish(context.Background(), &models.PositionFix{BusID: "BUS-1", BusNumber: "C5"})
	assert.Error(t, err)
	assert.Equal(t, 1, m.errs)
	assert.Equal(t, "C5.BUS-1", p.Subject(&models.PositionFix{BusID: "BUS-1", BusNumber: "C5"}))
}

func TestStreamPublisher_Publish(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	p := NewStreamPublisher(client, "bus:position:stream", 0)
	require.NoError(t, p.Publish(ctx, &models.PositionFix{TrackerID: "866", BusID: "BUS-1"}))

	msgs, err := client.XRange(ctx, "bus:position:stream", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var got models.PositionFix
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &got))
	assert.Equal(t, "BUS-1", got.BusID)
	assert.NotEmpty(t, msgs[0].Values["timestamp"])
}
