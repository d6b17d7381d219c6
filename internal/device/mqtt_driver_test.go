package device

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/audiolibrelab/ripplefb/internal/config"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func newTestDriver() *MQTTDriver {
	cfg := config.Default().Device
	cfg.TopicRoot = "rig1"
	return NewMQTTDriver(cfg)
}

func TestMQTTDriver_ChannelDirectoryFromRetainedTopics(t *testing.T) {
	d := newTestDriver()
	ctx := context.Background()

	d.handleChannelConfig(nil, &fakeMessage{topic: "rig1/config/9", payload: []byte(`{"label":"tt6_1"}`)})
	d.handleChannelConfig(nil, &fakeMessage{topic: "rig1/config/1", payload: []byte(`{"label":"tt5_1"}`)})
	d.handleChannelConfig(nil, &fakeMessage{topic: "rig1/config/x", payload: []byte(`{"label":"bad"}`)})
	d.handleContinuous(nil, &fakeMessage{topic: "rig1/continuous", payload: []byte(`[9, 1]`)})

	chans, err := d.Channels(ctx)
	if err != nil {
		t.Fatalf("Channels: %v", err)
	}
	if !reflect.DeepEqual(chans, []int{1, 9}) {
		t.Errorf("Channels = %v", chans)
	}

	if label, err := d.Label(ctx, 9); err != nil || label != "tt6_1" {
		t.Errorf("Label(9) = %q, %v", label, err)
	}
	if _, err := d.Label(ctx, 2); err == nil {
		t.Error("expected error for channel without config")
	}
}

func TestMQTTDriver_ChannelsWaitIsBounded(t *testing.T) {
	d := newTestDriver()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := d.Channels(ctx); err == nil {
		t.Error("expected error when the bridge never published a channel list")
	}
}

func TestMQTTDriver_ChannelsTimesOutWithoutDeadline(t *testing.T) {
	cfg := config.Default().Device
	cfg.ConnectTimeout = 10 * time.Millisecond
	d := NewMQTTDriver(cfg)

	if _, err := d.Channels(context.Background()); err == nil {
		t.Error("expected timeout error")
	}
}

func TestMQTTDriver_CommentsDrainInOrder(t *testing.T) {
	d := newTestDriver()
	ctx := context.Background()

	d.handleComment(nil, &fakeMessage{topic: "rig1/comment/in", payload: []byte(`{"timestamp":1.5,"text":"plugin;128;1","charset":255}`)})
	d.handleComment(nil, &fakeMessage{topic: "rig1/comment/in", payload: []byte(`not json`)})
	d.handleComment(nil, &fakeMessage{topic: "rig1/comment/in", payload: []byte(`{"timestamp":2.0,"text":"stim","charset":0}`)})

	got, err := d.Comments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []Annotation{
		{Timestamp: 1.5, Text: "plugin;128;1", Tag: 255},
		{Timestamp: 2.0, Text: "stim", Tag: 0},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Comments = %+v, want %+v", got, want)
	}

	if again, _ := d.Comments(ctx); len(again) != 0 {
		t.Errorf("expected drained buffer, got %v", again)
	}
}

func TestMQTTDriver_SetCommentWithoutConnection(t *testing.T) {
	if err := newTestDriver().SetComment(context.Background(), "plugin;119;1"); err == nil {
		t.Error("expected error when not connected")
	}
}
