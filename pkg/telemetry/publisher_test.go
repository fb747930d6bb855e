package telemetry

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubeops/operator/pkg/config"
	customlog "github.com/cubeops/operator/pkg/log"
)

func testLogger(t *testing.T) customlog.Logger {
	t.Helper()
	logger, err := customlog.NewLogrusLogger("error", "")
	require.NoError(t, err)
	return logger
}

func TestDispatcherDeliversSamples(t *testing.T) {
	var mu sync.Mutex
	var payloads [][]byte
	d := newDispatcher(testLogger(t), func(payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		payloads = append(payloads, payload)
		return nil
	})

	d.enqueue(Sample{Left: 40, Right: -40, Collision: 1.0})
	d.enqueue(Sample{Left: 0, Right: 0})
	d.stop() // drains the queue

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 2)

	var s Sample
	require.NoError(t, json.Unmarshal(payloads[0], &s))
	assert.Equal(t, 40, s.Left)
	assert.Equal(t, -40, s.Right)
	assert.Equal(t, 1.0, s.Collision)
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	d := newDispatcher(testLogger(t), func([]byte) error {
		<-block
		return nil
	})

	// One sample occupies the worker; queueSize more fill the queue. The
	// rest must be dropped without blocking this goroutine.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < queueSize+16; i++ {
			d.enqueue(Sample{Left: i})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}

	close(block)
	d.stop()
}

func TestNewSelectsBackend(t *testing.T) {
	p, err := New(config.TelemetryConfig{Backend: config.TelemetryNone}, testLogger(t))
	require.NoError(t, err)
	assert.IsType(t, NopPublisher{}, p)
	assert.NoError(t, p.Close())

	_, err = New(config.TelemetryConfig{Backend: "bogus"}, testLogger(t))
	assert.Error(t, err)
}
