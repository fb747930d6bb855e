package telemetry

import (
	"fmt"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cubeops/operator/pkg/config"
	customlog "github.com/cubeops/operator/pkg/log"
)

// mqttPublisher publishes samples to an MQTT broker at QoS 0.
type mqttPublisher struct {
	client     mqtt.Client
	topic      string
	dispatcher *dispatcher
	logger     customlog.Logger
	closeOnce  sync.Once
}

func newMQTTPublisher(cfg config.TelemetryConfig, logger customlog.Logger) (*mqttPublisher, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "cube-operator"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(clientID)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.BrokerURL, token.Error())
	}
	logger.Infof("Telemetry publisher connected to MQTT broker %s (topic %s)", cfg.BrokerURL, cfg.Topic)

	p := &mqttPublisher{
		client: client,
		topic:  cfg.Topic,
		logger: logger,
	}
	p.dispatcher = newDispatcher(logger, p.sendPayload)
	return p, nil
}

func (p *mqttPublisher) sendPayload(payload []byte) error {
	token := p.client.Publish(p.topic, 0, false, payload)
	token.Wait()
	return token.Error()
}

// Publish enqueues the sample for the MQTT worker.
func (p *mqttPublisher) Publish(sample Sample) {
	p.dispatcher.enqueue(sample)
}

// Close stops the worker and disconnects from the broker.
func (p *mqttPublisher) Close() error {
	p.closeOnce.Do(func() {
		p.dispatcher.stop()
		p.client.Disconnect(250)
		p.logger.Infof("Telemetry publisher disconnected")
	})
	return nil
}
