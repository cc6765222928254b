package integration

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-faster/errors"
	log "github.com/sirupsen/logrus"
)

// Publisher is the subset of the paho client the notifier uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTNotifier publishes notifications to <prefix>/<dealershipId>.
type MQTTNotifier struct {
	client Publisher
	prefix string
	log    *log.Entry
}

// NewMQTTNotifier wraps an already connected publisher.
func NewMQTTNotifier(client Publisher, prefix string, logger *log.Entry) *MQTTNotifier {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &MQTTNotifier{client: client, prefix: strings.TrimRight(prefix, "/"), log: logger}
}

// ConnectMQTT connects to broker with automatic reconnects.
func ConnectMQTT(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, errors.Wrap(token.Error(), "mqtt connect")
	}
	return client, nil
}

// Topic returns the topic a dealership's notifications go to.
func (n *MQTTNotifier) Topic(dealershipID string) string {
	return n.prefix + "/" + dealershipID
}

// Notify publishes with QoS 0 and returns without waiting for the broker.
// Delivery failures are only logged.
func (n *MQTTNotifier) Notify(_ context.Context, note Notification) {
	entry := n.log.WithFields(log.Fields{
		"event":         note.Event,
		"assistance_id": note.AssistanceID,
		"dealership_id": note.DealershipID,
	})
	if note.DealershipID == "" {
		entry.Debug("Notification without dealership dropped")
		return
	}
	payload, err := json.Marshal(note)
	if err != nil {
		entry.WithError(err).Error("Failed to encode notification")
		return
	}
	token := n.client.Publish(n.Topic(note.DealershipID), 0, false, payload)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			entry.WithError(token.Error()).Warn("Notification not delivered")
		}
	}()
}
