package mqttingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fleetwork/fleetwork/pkg/engine"
	"github.com/fleetwork/fleetwork/pkg/telemetry"
)

// Config holds the broker connection settings.
type Config struct {
	// BrokerURL is the broker address, e.g. "tcp://broker.local:1883".
	BrokerURL string

	// ClientID identifies this subscriber to the broker.
	ClientID string

	// TopicPrefix is the device topic root; the subscription is
	// <prefix>/+/status.
	TopicPrefix string
}

// statusMessage is the published report body. The device id is carried by
// the topic, the work item id by the payload.
type statusMessage struct {
	WorkItemID string `json:"work_item_id"`
	engine.StatusReport
}

// Subscriber bridges broker-published status reports into the ingest path.
type Subscriber struct {
	cfg    Config
	ingest *engine.Ingestor
	log    *telemetry.Logger
	client mqtt.Client
}

// NewSubscriber creates a subscriber; Start connects it.
func NewSubscriber(cfg Config, ingest *engine.Ingestor, log *telemetry.Logger) *Subscriber {
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "fleetwork-ingest"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "fleet/devices"
	}
	return &Subscriber{
		cfg:    cfg,
		ingest: ingest,
		log:    log.NewComponentLogger("mqttingest"),
	}
}

// Start connects to the broker and subscribes. The subscription is restored
// on every reconnect.
func (s *Subscriber) Start() error {
	topic := s.cfg.TopicPrefix + "/+/status"

	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.BrokerURL).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		SetOrderMatters(false)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(topic, 1, s.handleMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			s.log.WithError(err).WithField("topic", topic).Error("mqtt subscribe failed")
			return
		}
		s.log.WithField("topic", topic).Info("mqtt subscription established")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.log.WithError(err).Warn("mqtt connection lost")
	})

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker %s: %w", s.cfg.BrokerURL, err)
	}
	return nil
}

// Stop disconnects from the broker, waiting briefly for in-flight messages.
func (s *Subscriber) Stop() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
}

func (s *Subscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	deviceID, ok := deviceFromTopic(msg.Topic(), s.cfg.TopicPrefix)
	if !ok {
		s.log.WithField("topic", msg.Topic()).Warn("ignoring message on unexpected topic")
		return
	}

	var report statusMessage
	if err := json.Unmarshal(msg.Payload(), &report); err != nil {
		s.log.WithDevice(deviceID).WithError(err).Warn("malformed status payload dropped")
		return
	}
	if report.WorkItemID == "" {
		s.log.WithDevice(deviceID).Warn("status payload without work item id dropped")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.ingest.Report(ctx, report.WorkItemID, deviceID, report.StatusReport); err != nil {
		// No reply channel over MQTT: rejected reports are logged, never
		// redelivered.
		s.log.WithWorkItem(report.WorkItemID).WithDevice(deviceID).
			WithError(err).Warn("mqtt status report rejected")
	}
}

// deviceFromTopic extracts the device id from <prefix>/<device>/status.
func deviceFromTopic(topic, prefix string) (string, bool) {
	rest, found := strings.CutPrefix(topic, prefix+"/")
	if !found {
		return "", false
	}
	deviceID, found := strings.CutSuffix(rest, "/status")
	if !found || deviceID == "" || strings.Contains(deviceID, "/") {
		return "", false
	}
	return deviceID, true
}
