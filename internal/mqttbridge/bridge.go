// Package mqttbridge republishes relay events to an external MQTT broker so
// building-automation and dashboard systems can consume venue state without
// speaking the relay's WebSocket or SSE protocols. The bridge is one-way
// and optional; the relay runs identically without it.
package mqttbridge

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/relay"
)

// forwardTypes are the event types worth a broker round-trip. Preview
// frames are excluded: they are large, frequent, and only meaningful to the
// dashboard that asked for them.
var forwardTypes = []string{
	"venue_connected",
	"venue_disconnected",
	"status_update",
	"alert",
	"command_result",
}

// publisher is the slice of mqtt.Client the forward path needs; tests
// substitute a recorder.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

// Options configures the bridge connection.
type Options struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	Log         zerolog.Logger
}

// Bridge owns one broker connection and one bus subscription.
type Bridge struct {
	log    zerolog.Logger
	prefix string
	bus    *relay.EventBus

	conn      mqtt.Client
	pub       publisher
	connected atomic.Bool
}

// Connect dials the broker and returns the bridge. The initial dial fails
// fast so a misconfigured broker URL surfaces at startup; once up, paho
// reconnects on its own.
func Connect(opts Options, bus *relay.EventBus) (*Bridge, error) {
	b := &Bridge{
		log:    opts.Log.With().Str("component", "mqtt-bridge").Logger(),
		prefix: opts.TopicPrefix,
		bus:    bus,
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(b.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	b.conn = mqtt.NewClient(clientOpts)
	b.pub = b.conn
	token := b.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return b, nil
}

func (b *Bridge) onConnect(mqtt.Client) {
	b.connected.Store(true)
	b.log.Info().Str("prefix", b.prefix).Msg("mqtt connected")
}

func (b *Bridge) onConnectionLost(_ mqtt.Client, err error) {
	b.connected.Store(false)
	b.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// IsConnected reports broker connectivity.
func (b *Bridge) IsConnected() bool {
	return b.connected.Load()
}

// Run forwards bus events until ctx is cancelled, then disconnects.
func (b *Bridge) Run(ctx context.Context) {
	events, cancel := b.bus.Subscribe(relay.EventFilter{Types: forwardTypes})
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			b.close()
			return
		case e := <-events:
			b.forward(e)
		}
	}
}

// forward publishes one event. Telemetry and presence are retained so a
// consumer attaching later still sees the current state; alerts and command
// results are moments, not state, and are not.
func (b *Bridge) forward(e relay.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	topic := b.topicFor(e)
	retained := e.Type == "status_update" || e.Type == "venue_connected" || e.Type == "venue_disconnected"

	b.pub.Publish(topic, 0, retained, payload)
	b.log.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("event forwarded")
}

// topicFor maps an event onto {prefix}/{venueId}/{type}. Events without a
// venue (none today, but the bus does not forbid them) land under relay/.
func (b *Bridge) topicFor(e relay.Event) string {
	venue := e.VenueID
	if venue == "" {
		venue = "relay"
	}
	return b.prefix + "/" + venue + "/" + e.Type
}

func (b *Bridge) close() {
	if b.conn == nil {
		return
	}
	b.log.Info().Msg("disconnecting mqtt bridge")
	b.conn.Disconnect(1000)
}
