// Package mqttbroker adapts paho.mqtt.golang to the pipeline.Publisher
// interface, publishing a batch message per tick and a change message per
// ParamChanged event, per spec §6's two broker topics.
// Grounded on the teacher's pkg/nodes/network/mqtt_out.go client
// connection setup (LWT, keepalive, auto-reconnect, handlers).
package mqttbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/modflux/acquisitiond/internal/model"
)

// Config configures the broker connection and publish topic template. See
// spec §6 broker config.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	BaseTopic      string // e.g. "acquisitiond"; topics are <base>/<conn>/<device>/{data,changes}
	QoS            byte
	Retain         bool
	CleanSession   bool
	AutoReconnect  bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// Publisher is a pipeline.Publisher backed by an MQTT broker connection.
type Publisher struct {
	client mqtt.Client
	cfg    Config
}

// New connects to the broker and returns a ready Publisher.
func New(cfg Config) (*Publisher, error) {
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "acquisitiond"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("acquisitiond_%d", time.Now().UnixNano())
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(cfg.CleanSession)
	opts.SetAutoReconnect(cfg.AutoReconnect)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if token.Error() != nil {
		return nil, fmt.Errorf("mqttbroker: connect failed: %w", token.Error())
	}

	return &Publisher{client: client, cfg: cfg}, nil
}

type changedMessage struct {
	ConnID   string      `json:"conn_id"`
	DeviceID string      `json:"device_id"`
	Code     string      `json:"code"`
	Old      interface{} `json:"old"`
	New      interface{} `json:"new"`
	Ts       time.Time   `json:"ts"`
}

type sampleMessage struct {
	Code   string      `json:"code"`
	Value  interface{} `json:"value"`
	Unit   string      `json:"unit"`
}

type batchMessage struct {
	ConnID   string          `json:"conn_id"`
	DeviceID string          `json:"device_id"`
	Ts       time.Time       `json:"ts"`
	Samples  []sampleMessage `json:"samples"`
}

func (p *Publisher) dataTopic(connID, deviceID string) string {
	return fmt.Sprintf("%s/%s/%s/data", p.cfg.BaseTopic, connID, deviceID)
}

func (p *Publisher) changesTopic(connID, deviceID string) string {
	return fmt.Sprintf("%s/%s/%s/changes", p.cfg.BaseTopic, connID, deviceID)
}

// Publish implements pipeline.Publisher, publishing one message per
// ParamChanged event to the device's changes topic.
func (p *Publisher) Publish(ctx context.Context, ev model.ParamChanged) error {
	payload, err := json.Marshal(changedMessage{
		ConnID: ev.ConnID, DeviceID: ev.DeviceID, Code: ev.Code,
		Old: ev.Old, New: ev.New, Ts: ev.Ts,
	})
	if err != nil {
		return fmt.Errorf("mqttbroker: marshal failed: %w", err)
	}
	return p.publish(ctx, p.changesTopic(ev.ConnID, ev.DeviceID), payload)
}

// PublishBatch implements pipeline.Publisher, publishing one message per
// acquisition tick, carrying every parsed sample, to the device's data
// topic.
func (p *Publisher) PublishBatch(ctx context.Context, ev model.DataParsed) error {
	samples := make([]sampleMessage, 0, len(ev.Samples))
	for _, s := range ev.Samples {
		samples = append(samples, sampleMessage{Code: s.Code, Value: s.Parsed, Unit: s.Unit})
	}
	payload, err := json.Marshal(batchMessage{
		ConnID: ev.ConnID, DeviceID: ev.DeviceID, Ts: ev.Ts, Samples: samples,
	})
	if err != nil {
		return fmt.Errorf("mqttbroker: marshal failed: %w", err)
	}
	return p.publish(ctx, p.dataTopic(ev.ConnID, ev.DeviceID), payload)
}

// publish honors ctx's deadline by waiting on the publish token only up to
// that deadline.
func (p *Publisher) publish(ctx context.Context, topic string, payload []byte) error {
	token := p.client.Publish(topic, p.cfg.QoS, p.cfg.Retain, payload)
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
