package telemetry

import (
	"fmt"
	"sync"

	"github.com/pebbe/zmq4"

	"github.com/cubeops/operator/pkg/config"
	customlog "github.com/cubeops/operator/pkg/log"
)

// zmqPublisher publishes samples on a PUB socket with the configured topic
// as the envelope frame, so monitoring clients can subscribe selectively.
type zmqPublisher struct {
	ctx        *zmq4.Context
	socket     *zmq4.Socket
	topic      string
	dispatcher *dispatcher
	logger     customlog.Logger
	closeOnce  sync.Once
}

func newZMQPublisher(cfg config.TelemetryConfig, logger customlog.Logger) (*zmqPublisher, error) {
	ctx, err := zmq4.NewContext()
	if err != nil {
		return nil, fmt.Errorf("failed to create ZeroMQ context: %w", err)
	}

	socket, err := ctx.NewSocket(zmq4.PUB)
	if err != nil {
		ctx.Term()
		return nil, fmt.Errorf("failed to create PUB socket: %w", err)
	}
	if err := socket.Bind(cfg.BindAddress); err != nil {
		socket.Close()
		ctx.Term()
		return nil, fmt.Errorf("failed to bind to %s: %w", cfg.BindAddress, err)
	}
	if err := socket.SetLinger(0); err != nil {
		socket.Close()
		ctx.Term()
		return nil, fmt.Errorf("failed to set linger option: %w", err)
	}

	p := &zmqPublisher{
		ctx:    ctx,
		socket: socket,
		topic:  cfg.Topic,
		logger: logger,
	}
	// The worker goroutine is the only user of the socket.
	p.dispatcher = newDispatcher(logger, p.sendPayload)

	logger.Infof("Telemetry publisher bound on %s (topic %s)", cfg.BindAddress, cfg.Topic)
	return p, nil
}

func (p *zmqPublisher) sendPayload(payload []byte) error {
	if _, err := p.socket.Send(p.topic, zmq4.SNDMORE); err != nil {
		return err
	}
	_, err := p.socket.SendBytes(payload, 0)
	return err
}

// Publish enqueues the sample for the PUB worker.
func (p *zmqPublisher) Publish(sample Sample) {
	p.dispatcher.enqueue(sample)
}

// Close stops the worker and tears down the socket.
func (p *zmqPublisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.dispatcher.stop()
		if cerr := p.socket.Close(); cerr != nil {
			err = cerr
		}
		if terr := p.ctx.Term(); terr != nil && err == nil {
			err = terr
		}
		p.logger.Infof("Telemetry publisher closed")
	})
	return err
}
