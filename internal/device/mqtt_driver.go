package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/audiolibrelab/ripplefb/internal/config"
)

// MQTTDriver reaches the acquisition device through a bridge process that
// mirrors the device SDK onto MQTT topics under a common root:
//
//	<root>/continuous   retained JSON array of channel indices
//	<root>/config/<ch>  retained JSON {"label": "..."}
//	<root>/comment/in   JSON {"timestamp", "text", "charset"} per device comment
//	<root>/comment/out  plain-text comments to inject (published here)
type MQTTDriver struct {
	cfg    config.DeviceConfig
	client mqtt.Client

	mu        sync.Mutex
	channels  []int
	labels    map[int]string
	comments  []Annotation
	ready     chan struct{}
	readyOnce sync.Once
}

type bridgeComment struct {
	Timestamp float64 `json:"timestamp"`
	Text      string  `json:"text"`
	Charset   int     `json:"charset"`
}

type bridgeChannelConfig struct {
	Label string `json:"label"`
}

// NewMQTTDriver creates an unconnected driver.
func NewMQTTDriver(cfg config.DeviceConfig) *MQTTDriver {
	return &MQTTDriver{
		cfg:    cfg,
		labels: make(map[int]string),
		ready:  make(chan struct{}),
	}
}

func (d *MQTTDriver) topic(parts ...string) string {
	return strings.Join(append([]string{d.cfg.TopicRoot}, parts...), "/")
}

func (d *MQTTDriver) Open(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(d.cfg.Broker)
	opts.SetClientID(d.cfg.ClientID)
	opts.SetUsername(d.cfg.Username)
	opts.SetPassword(d.cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(d.cfg.ConnectTimeout)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		slog.Info("Device bridge connected", "broker", d.cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		slog.Warn("Device bridge connection lost", "error", err)
	})

	d.client = mqtt.NewClient(opts)

	token := d.client.Connect()
	if err := waitToken(ctx, token, d.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", d.cfg.Broker, err)
	}

	subs := map[string]mqtt.MessageHandler{
		d.topic("continuous"):    d.handleContinuous,
		d.topic("config", "+"):   d.handleChannelConfig,
		d.topic("comment", "in"): d.handleComment,
	}
	for topic, handler := range subs {
		if err := waitToken(ctx, d.client.Subscribe(topic, 1, handler), d.cfg.ConnectTimeout); err != nil {
			d.client.Disconnect(250)
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		slog.Debug("Subscribed to bridge topic", "topic", topic)
	}

	return nil
}

// Channels waits up to the connect timeout for the bridge's retained
// channel list.
func (d *MQTTDriver) Channels(ctx context.Context) ([]int, error) {
	timeout := d.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-d.ready:
	case <-timer.C:
		return nil, fmt.Errorf("no channel list from bridge after %s", timeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("no channel list from bridge: %w", ctx.Err())
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int, len(d.channels))
	copy(out, d.channels)
	return out, nil
}

func (d *MQTTDriver) Label(ctx context.Context, ch int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	label, ok := d.labels[ch]
	if !ok {
		return "", fmt.Errorf("no configuration received for channel %d", ch)
	}
	return label, nil
}

func (d *MQTTDriver) SetComment(ctx context.Context, text string) error {
	if d.client == nil {
		return fmt.Errorf("bridge not connected")
	}
	token := d.client.Publish(d.topic("comment", "out"), 1, false, text)
	return waitToken(ctx, token, d.cfg.ConnectTimeout)
}

// Comments drains buffered comments. It does not wait for new ones.
func (d *MQTTDriver) Comments(ctx context.Context) ([]Annotation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.comments
	d.comments = nil
	return out, nil
}

func (d *MQTTDriver) Close() error {
	if d.client != nil && d.client.IsConnected() {
		d.client.Disconnect(250)
		slog.Debug("Device bridge disconnected")
	}
	return nil
}

func (d *MQTTDriver) handleContinuous(_ mqtt.Client, msg mqtt.Message) {
	var chans []int
	if err := json.Unmarshal(msg.Payload(), &chans); err != nil {
		slog.Warn("Ignoring malformed channel list", "topic", msg.Topic(), "error", err)
		return
	}
	sort.Ints(chans)

	d.mu.Lock()
	d.channels = chans
	d.mu.Unlock()

	d.readyOnce.Do(func() { close(d.ready) })
	slog.Debug("Channel list received", "channels", len(chans))
}

func (d *MQTTDriver) handleChannelConfig(_ mqtt.Client, msg mqtt.Message) {
	chStr := strings.TrimPrefix(msg.Topic(), d.topic("config")+"/")
	ch, err := strconv.Atoi(chStr)
	if err != nil {
		slog.Warn("Ignoring channel config on unexpected topic", "topic", msg.Topic())
		return
	}

	var cc bridgeChannelConfig
	if err := json.Unmarshal(msg.Payload(), &cc); err != nil || cc.Label == "" {
		slog.Warn("Ignoring malformed channel config", "topic", msg.Topic(), "error", err)
		return
	}

	d.mu.Lock()
	d.labels[ch] = cc.Label
	d.mu.Unlock()
}

func (d *MQTTDriver) handleComment(_ mqtt.Client, msg mqtt.Message) {
	var bc bridgeComment
	if err := json.Unmarshal(msg.Payload(), &bc); err != nil {
		slog.Warn("Ignoring malformed comment", "topic", msg.Topic(), "error", err)
		return
	}

	d.mu.Lock()
	d.comments = append(d.comments, Annotation{
		Timestamp: bc.Timestamp,
		Text:      bc.Text,
		Tag:       uint8(bc.Charset),
	})
	d.mu.Unlock()
}

// waitToken waits for token, bounded by both ctx and timeout.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
