// Package telemetry publishes per-tick control loop samples to an external
// monitoring or training pipeline. Publishing is fire-and-forget: samples are
// handed to a worker over a bounded queue and dropped when it is full, so the
// control tick never blocks on the telemetry transport.
package telemetry

import (
	"encoding/json"
	"fmt"

	"github.com/cubeops/operator/pkg/config"
	customlog "github.com/cubeops/operator/pkg/log"
)

// Sample is one control tick's worth of telemetry.
type Sample struct {
	SessionID    string  `json:"session_id"`
	RobotID      string  `json:"robot_id"`
	TimestampNs  int64   `json:"timestamp_ns"`
	Left         int     `json:"left"`
	Right        int     `json:"right"`
	Estopped     bool    `json:"estopped"`
	Alive        bool    `json:"alive"`
	Collision    float64 `json:"collision"`
	Direction    float64 `json:"rotation_direction"`
	Progress     float64 `json:"progress"`
	Recording    bool    `json:"recording"`
	EpisodeIndex int     `json:"episode_index,omitempty"`
}

// Publisher accepts telemetry samples. Publish must not block the caller.
type Publisher interface {
	Publish(sample Sample)
	Close() error
}

// New creates the publisher selected by the telemetry configuration.
func New(cfg config.TelemetryConfig, logger customlog.Logger) (Publisher, error) {
	switch cfg.Backend {
	case config.TelemetryNone, "":
		return NopPublisher{}, nil
	case config.TelemetryZMQ:
		return newZMQPublisher(cfg, logger)
	case config.TelemetryMQTT:
		return newMQTTPublisher(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown telemetry backend: %q", cfg.Backend)
	}
}

// NopPublisher discards all samples.
type NopPublisher struct{}

// Publish discards the sample.
func (NopPublisher) Publish(Sample) {}

// Close is a no-op.
func (NopPublisher) Close() error { return nil }

// dispatcher is the bounded-queue worker shared by the ZMQ and MQTT
// backends. The transport socket/client is owned by the worker goroutine.
type dispatcher struct {
	queue  chan Sample
	done   chan struct{}
	logger customlog.Logger
	send   func(payload []byte) error
}

const queueSize = 128

func newDispatcher(logger customlog.Logger, send func(payload []byte) error) *dispatcher {
	d := &dispatcher{
		queue:  make(chan Sample, queueSize),
		done:   make(chan struct{}),
		logger: logger,
		send:   send,
	}
	go d.worker()
	return d
}

// enqueue hands off a sample without blocking; a full queue drops it.
func (d *dispatcher) enqueue(sample Sample) {
	select {
	case d.queue <- sample:
	default:
		d.logger.Warnf("Telemetry queue is full, discarding sample")
	}
}

func (d *dispatcher) worker() {
	defer close(d.done)
	for sample := range d.queue {
		payload, err := json.Marshal(sample)
		if err != nil {
			d.logger.Errorf("Failed to marshal telemetry sample: %v", err)
			continue
		}
		if err := d.send(payload); err != nil {
			d.logger.Errorf("Failed to publish telemetry sample: %v", err)
		}
	}
}

// stop drains the queue and waits for the worker to finish.
func (d *dispatcher) stop() {
	close(d.queue)
	<-d.done
}
