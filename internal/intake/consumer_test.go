package intake

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attendguard/attendguard/internal/proxy"
)

var published = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeSubmitter struct {
	events []*proxy.Event
	err    error
}

func (f *fakeSubmitter) Submit(e *proxy.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

type settlement struct {
	acked    bool
	nacked   bool
	requeued bool
}

func message(body string, s *settlement) Message {
	return Message{
		Body:      []byte(body),
		Timestamp: published,
		Ack: func(bool) error {
			s.acked = true
			return nil
		},
		Nack: func(_ bool, requeue bool) error {
			s.nacked = true
			s.requeued = requeue
			return nil
		},
	}
}

func newTestConsumer(sub Submitter) *Consumer {
	c := NewConsumer(Config{URL: "amqp://unused", Queue: "attendance.marked"}, sub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.now = func() time.Time { return published.Add(time.Hour) }
	return c
}

const validBody = `{
	"sessionId": "sess-1",
	"studentId": "s1",
	"location": {"lat": 28.6139, "lng": 77.2090, "accuracyMeters": 20},
	"requestContext": {"networkAddress": "10.0.0.7", "clientSignature": "Mozilla/5.0", "localeHint": "en-IN"},
	"occurredAt": "2026-03-02T08:55:00Z",
	"attendanceRef": "att-77"
}`

func TestHandle_Accepts(t *testing.T) {
	sub := &fakeSubmitter{}
	var s settlement
	newTestConsumer(sub).Handle(message(validBody, &s))

	assert.True(t, s.acked)
	assert.False(t, s.nacked)
	require.Len(t, sub.events, 1)
	e := sub.events[0]
	assert.Equal(t, "s1", e.StudentID)
	assert.Equal(t, "att-77", e.AttendanceRef)
	assert.Equal(t, "10.0.0.7", e.Request.NetworkAddress)
	assert.Equal(t, 20.0, e.Location.AccuracyMeters)
	assert.True(t, e.OccurredAt.Equal(time.Date(2026, 3, 2, 8, 55, 0, 0, time.UTC)))
}

func TestHandle_MalformedIsDropped(t *testing.T) {
	for name, body := range map[string]string{
		"not json":        `attendance!`,
		"missing student": `{"sessionId": "sess-1"}`,
		"bad latitude":    `{"sessionId": "sess-1", "studentId": "s1", "location": {"lat": 99, "lng": 0}}`,
	} {
		t.Run(name, func(t *testing.T) {
			sub := &fakeSubmitter{}
			var s settlement
			newTestConsumer(sub).Handle(message(body, &s))

			assert.True(t, s.nacked)
			assert.False(t, s.requeued)
			assert.False(t, s.acked)
			assert.Empty(t, sub.events)
		})
	}
}

func TestHandle_QueueFullRequeues(t *testing.T) {
	var s settlement
	newTestConsumer(&fakeSubmitter{err: proxy.ErrQueueFull}).Handle(message(validBody, &s))

	assert.True(t, s.nacked)
	assert.True(t, s.requeued)
	assert.False(t, s.acked)
}

func TestDecode_OccurredAtFallbacks(t *testing.T) {
	now := func() time.Time { return published.Add(time.Hour) }
	body := []byte(`{"sessionId": "sess-1", "studentId": "s1"}`)

	e, err := Decode(body, published, now)
	require.NoError(t, err)
	assert.True(t, e.OccurredAt.Equal(published))

	e, err = Decode(body, time.Time{}, now)
	require.NoError(t, err)
	assert.True(t, e.OccurredAt.Equal(published.Add(time.Hour)))

	_, err = Decode([]byte(`[]`), published, now)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestPing_NotConnected(t *testing.T) {
	c := newTestConsumer(&fakeSubmitter{})
	assert.Error(t, c.Ping(t.Context()))
	assert.NoError(t, c.Close())
	_, err := c.QueueLength()
	assert.Error(t, err)
}

func TestReconnectDelay(t *testing.T) {
	tests := []struct {
		name string
		prev time.Duration
		ran  time.Duration
		want time.Duration
	}{
		{"quick failure keeps backoff", 16 * time.Second, 2 * time.Second, 16 * time.Second},
		{"capped backoff stays capped", maxReconnectDelay, 0, maxReconnectDelay},
		{"healthy run resets", maxReconnectDelay, healthyRun, minReconnectDelay},
		{"long run resets", 8 * time.Second, 6 * time.Hour, minReconnectDelay},
		{"unset delay starts at minimum", 0, time.Second, minReconnectDelay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reconnectDelay(tt.prev, tt.ran))
		})
	}
}

func TestReconnectDelay_BackoffRecoversAfterOutage(t *testing.T) {
	delay := minReconnectDelay
	// a long outage of immediate failures drives the wait to the cap
	for range 10 {
		delay = reconnectDelay(delay, 0)
		delay = min(delay*2, maxReconnectDelay)
	}
	require.Equal(t, maxReconnectDelay, delay)

	// the broker comes back and the connection holds for an hour
	delay = reconnectDelay(delay, time.Hour)
	assert.Equal(t, minReconnectDelay, delay)
}
