package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/icodeforyou/southpool-go/types"
)

const (
	payloadOnline      = "online"
	payloadOffline     = "offline"
	payloadUnavailable = "unavailable"

	publishTimeout = 5 * time.Second
)

type MqttOptions struct {
	Host        string
	Port        int16
	Username    string
	Password    string
	TopicPrefix string
	Retain      bool
}

// mqttPublisher is the part of mqtt.Client used for publishing.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Message struct {
	Topic   string
	Payload string
}

// MQTT publishes one state topic per metric and an attributes topic
// carrying the whole value including the forecast window.
type MQTT struct {
	client mqtt.Client
	pub    mqttPublisher
	prefix string
	retain bool
	logger *slog.Logger
}

func NewMQTT(o MqttOptions) *MQTT {
	logger := slog.Default().With("module", "mqtt")
	m := &MQTT{prefix: o.TopicPrefix, retain: o.Retain, logger: logger}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", o.Host, o.Port))
	opts.SetClientID("southpool-" + uuid.NewString()[:8])
	opts.SetUsername(o.Username)
	opts.SetPassword(o.Password)
	opts.SetAutoReconnect(true)
	opts.SetWill(m.AvailabilityTopic(), payloadOffline, 1, true)
	opts.OnConnect = func(client mqtt.Client) {
		logger.Info("MQTT connected")
		token := client.Publish(m.AvailabilityTopic(), 1, true, payloadOnline)
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			logger.Warn("failed to publish availability", slog.Any("error", token.Error()))
		}
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", slog.Any("error", err))
	}

	mqttLog := slog.Default().With("module", "paho")
	mqtt.CRITICAL = newMqttLogger(mqttLog, slog.LevelError)
	mqtt.ERROR = newMqttLogger(mqttLog, slog.LevelError)
	mqtt.WARN = newMqttLogger(mqttLog, slog.LevelWarn)

	m.client = mqtt.NewClient(opts)
	m.pub = m.client
	return m
}

func (m *MQTT) Connect() error {
	m.logger.Debug("connecting MQTT client")
	if token := m.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (m *MQTT) Disconnect() {
	m.logger.Info("disconnecting MQTT client")
	token := m.client.Publish(m.AvailabilityTopic(), 1, true, payloadOffline)
	token.WaitTimeout(time.Second)
	m.client.Disconnect(250)
}

func (m *MQTT) AvailabilityTopic() string {
	return m.prefix + "/status"
}

func (m *MQTT) Publish(ctx context.Context, v types.PublishedValue) error {
	msgs, err := Messages(m.prefix, v)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		token := m.pub.Publish(msg.Topic, 0, m.retain, msg.Payload)
		select {
		case <-token.Done():
		case <-ctx.Done():
			return fmt.Errorf("publishing %s: %w", msg.Topic, ctx.Err())
		case <-time.After(publishTimeout):
			return fmt.Errorf("timeout when publishing %s", msg.Topic)
		}
		if token.Error() != nil {
			return fmt.Errorf("error when publishing %s: %w", msg.Topic, token.Error())
		}
	}

	m.logger.Debug("published value",
		slog.String("region", string(v.Region)),
		slog.String("granularity", v.Granularity.String()),
		slog.Int("messages", len(msgs)))
	return nil
}

// Messages renders a value as MQTT messages. Metrics without a current
// record are published as "unavailable".
func Messages(prefix string, v types.PublishedValue) ([]Message, error) {
	base := fmt.Sprintf("%s/%s/%s", prefix, v.Region, v.Granularity)
	state := func(metric, payload string) Message {
		return Message{Topic: fmt.Sprintf("%s/%s/state", base, metric), Payload: payload}
	}

	price, volume, baseload, status := payloadUnavailable, payloadUnavailable, payloadUnavailable, payloadUnavailable
	if v.Available() {
		r := v.Current.Value()
		price = r.Price.String()
		volume = r.TradedVolume.String()
		status = string(r.Status)
		if r.BaseloadPrice.IsValid() {
			baseload = r.BaseloadPrice.Value().String()
		}
	}

	attrs, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshalling attributes: %w", err)
	}

	return []Message{
		state("price", price),
		state("traded_volume", volume),
		state("baseload_price", baseload),
		state("status", status),
		state("freshness", string(v.Freshness)),
		{Topic: base + "/attributes", Payload: string(attrs)},
	}, nil
}
