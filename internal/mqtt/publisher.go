package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/bernard/internal/config"
	"github.com/nugget/bernard/internal/events"
)

// Publisher timing.
const (
	publishTimeout = 5 * time.Second
	stateInterval  = time.Minute
	eventBuffer    = 256
)

// Client is the part of the connection manager the publisher uses.
type Client interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher relays bus events to the broker.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	bus      *events.Bus
	tokens   *DailyTokens
	logger   *slog.Logger

	cm     *autopaho.ConnectionManager
	client Client
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and begin relaying.
func New(cfg config.MQTTConfig, clientID string, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:      cfg,
		clientID: clientID,
		bus:      bus,
		tokens:   NewDailyTokens(nil),
		logger:   logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and starts relaying events until ctx is
// cancelled or Stop is called. On every (re-)connect it publishes the
// online status.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.statusTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker, "client_id", p.clientID)
			p.publishStatus(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm
	p.client = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	ch := p.bus.Subscribe(eventBuffer)
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		defer p.bus.Unsubscribe(ch)
		p.run(runCtx, ch, stateInterval)
	}()
	return nil
}

// Stop ends the relay, publishes the offline status and disconnects.
// ctx bounds the goodbye.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	if p.cm == nil {
		return nil
	}
	p.publishStatus(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// run relays events from ch until ctx ends or ch closes, publishing the
// token state every interval.
func (p *Publisher) run(ctx context.Context, ch <-chan events.Event, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishState(ctx)
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.tokens.Observe(e)
			p.relay(ctx, e)
		}
	}
}

func (p *Publisher) relay(ctx context.Context, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("mqtt marshal event", "type", e.Type, "error", err)
		return
	}
	topic := EventTopic(p.cfg.TopicPrefix, e)
	// Terminal task events are retained so late subscribers see the outcome.
	if err := p.publish(ctx, topic, payload, 0, e.Terminal()); err != nil {
		p.logger.Debug("mqtt event publish failed", "topic", topic, "type", e.Type, "error", err)
	}
}

func (p *Publisher) publishState(ctx context.Context) {
	in, out, calls := p.tokens.Snapshot()
	states := map[string]string{
		"tokens_today": strconv.FormatInt(in+out, 10),
		"calls_today":  strconv.FormatInt(calls, 10),
	}
	for name, value := range states {
		if err := p.publish(ctx, p.stateTopic(name), []byte(value), 0, true); err != nil {
			p.logger.Debug("mqtt state publish failed", "state", name, "error", err)
		}
	}
}

func (p *Publisher) publishStatus(ctx context.Context, c Client, status string) {
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := c.Publish(pctx, &paho.Publish{
		Topic:   p.statusTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt status publish failed", "status", status, "error", err)
		return
	}
	p.logger.Debug("mqtt status published", "status", status)
}

func (p *Publisher) publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if p.client == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	_, err := p.client.Publish(pctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	return err
}

func (p *Publisher) statusTopic() string {
	return p.cfg.TopicPrefix + "/status"
}

func (p *Publisher) stateTopic(name string) string {
	return p.cfg.TopicPrefix + "/state/" + name
}

// EventTopic is where an event is published: under its task when it has
// one, else under its conversation, else the shared events topic.
func EventTopic(prefix string, e events.Event) string {
	switch {
	case e.TaskID != "":
		return prefix + "/tasks/" + e.TaskID + "/events"
	case e.ConversationID != "":
		return prefix + "/conversations/" + e.ConversationID + "/events"
	default:
		return prefix + "/events"
	}
}
