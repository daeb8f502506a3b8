package n2k

import (
	"encoding/json"
	"fmt"
	"log"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTSinkConfig configures MQTTSink's broker connection and topic scheme.
type MQTTSinkConfig struct {
	Broker      string // e.g. "tcp://localhost:1883"
	ClientID    string
	TopicPrefix string // messages publish to TopicPrefix + "/" + Message.ID
	QoS         byte
}

// MQTTSink republishes decoded messages to an MQTT broker, one topic per
// message id, so shore-side or fleet telemetry consumers can subscribe
// without understanding the NMEA 2000 wire format.
type MQTTSink struct {
	config MQTTSinkConfig
	client mqtt.Client
}

// NewMQTTSink connects to config.Broker and returns a ready-to-use sink.
func NewMQTTSink(config MQTTSinkConfig) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("# mqtt sink: connection lost: %v\n", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt sink: connect: %w", token.Error())
	}
	return &MQTTSink{config: config, client: client}, nil
}

// Write publishes msg as JSON to config.TopicPrefix + "/" + msg.ID.
func (s *MQTTSink) Write(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mqtt sink: marshal: %w", err)
	}
	topic := s.config.TopicPrefix + "/" + msg.ID
	token := s.client.Publish(topic, s.config.QoS, false, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt sink: publish: %w", token.Error())
	}
	return nil
}

// Close disconnects from the broker, waiting up to 250ms to flush in-flight
// publishes.
func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
