// Package notify pushes assignment notifications to technician devices
// over MQTT. Devices subscribe to their own topic and receive work as
// soon as dispatch commits it, even on flaky mobile links where the
// broker's QoS handles redelivery.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"fieldops/internal/config"
)

// Publisher sends retained per-technician messages. Topic layout:
// <prefix>/<tenant>/tech/<technicianId>/assignments.
type Publisher struct {
	client mqtt.Client
	cfg    config.MQTTConfig
	log    zerolog.Logger
}

func NewPublisher(cfg config.MQTTConfig, log zerolog.Logger) (*Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(5 * time.Second)
	client := mqtt.NewClient(opts)
	if tok := client.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", tok.Error())
	}
	return &Publisher{client: client, cfg: cfg, log: log}, nil
}

// Notify publishes to the technician's topic. Failures are logged, not
// returned: the device also learns its schedule on next sync, MQTT is
// the fast path only.
func (p *Publisher) Notify(tenantID, technicianID, eventType string, data any) {
	topic := fmt.Sprintf("%s/%s/tech/%s/assignments", p.cfg.TopicPrefix, tenantID, technicianID)
	body, err := json.Marshal(map[string]any{
		"type": eventType,
		"ts":   time.Now().UTC().Format(time.RFC3339),
		"data": data,
	})
	if err != nil {
		return
	}
	tok := p.client.Publish(topic, p.cfg.QoS, false, body)
	go func() {
		if tok.Wait() && tok.Error() != nil {
			p.log.Warn().Err(tok.Error()).Str("topic", topic).Msg("mqtt publish failed")
		}
	}()
}

func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
