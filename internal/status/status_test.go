package status

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type fakePublisher struct {
	mu    sync.Mutex
	kinds []string
	last  []byte
	err   error
	block chan struct{}
}

func (f *fakePublisher) Publish(kind string, payload []byte) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.kinds = append(f.kinds, kind)
	f.last = payload
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.kinds)
}

func TestParseEncoding(t *testing.T) {
	tests := []struct {
		in      string
		want    Encoding
		wantErr bool
	}{
		{"", EncodingJSON, false},
		{"json", EncodingJSON, false},
		{"msgpack", EncodingMsgpack, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEncoding(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncode_FieldNames(t *testing.T) {
	ev := Event{
		Receiver: "studio-1",
		Kind:     KindState,
		From:     "connecting",
		State:    "connected",
		Source:   "CAM-A",
		Index:    0,
		At:       time.Unix(1700000000, 0).UTC(),
	}

	raw, err := Encode(ev, EncodingJSON)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "connected", m["state"])
	assert.Equal(t, "CAM-A", m["source"])
	assert.NotContains(t, m, "error", "empty error omitted")
	assert.NotContains(t, m, "stats")

	raw, err = Encode(ev, EncodingMsgpack)
	require.NoError(t, err)
	var back Event
	require.NoError(t, msgpack.Unmarshal(raw, &back))
	assert.Equal(t, ev.Source, back.Source)
	assert.True(t, ev.At.Equal(back.At))

	_, err = Encode(ev, Encoding("yaml"))
	assert.Error(t, err)
}

func TestEmitter_SendsAndFlushesOnClose(t *testing.T) {
	pub := &fakePublisher{}
	e := NewEmitter(pub, EncodingJSON, 8, nil)

	for i := 0; i < 5; i++ {
		e.Emit(Event{Kind: KindStats, Stats: &Counters{Sources: i}})
	}
	e.Close()
	e.Close()

	assert.Equal(t, 5, pub.count())
	sent, dropped, failed := e.Counts()
	assert.Equal(t, uint64(5), sent)
	assert.Zero(t, dropped)
	assert.Zero(t, failed)

	e.Emit(Event{Kind: KindStats})
	_, dropped, _ = e.Counts()
	assert.Equal(t, uint64(1), dropped, "emit after close is dropped")
}

func TestEmitter_DropsWhenFull(t *testing.T) {
	pub := &fakePublisher{block: make(chan struct{})}
	e := NewEmitter(pub, EncodingJSON, 1, nil)

	start := time.Now()
	for i := 0; i < 10; i++ {
		e.Emit(Event{Kind: KindState})
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "Emit never blocks")

	close(pub.block)
	e.Close()

	sent, dropped, _ := e.Counts()
	assert.Equal(t, uint64(10), sent+dropped)
	assert.Greater(t, dropped, uint64(0))
}

func TestEmitter_CountsPublishFailures(t *testing.T) {
	pub := &fakePublisher{err: errors.New("mqtt not connected")}
	e := NewEmitter(pub, EncodingMsgpack, 4, nil)
	e.Emit(Event{Kind: KindState})
	e.Close()

	_, _, failed := e.Counts()
	assert.Equal(t, uint64(1), failed)
}

func TestNewMQTTPublisher_Validation(t *testing.T) {
	_, err := NewMQTTPublisher(MQTTConfig{ClientID: "x"}, nil)
	assert.Error(t, err)

	_, err = NewMQTTPublisher(MQTTConfig{Broker: "localhost:1883"}, nil)
	assert.Error(t, err)

	_, err = NewMQTTPublisher(MQTTConfig{Broker: "localhost:1883", ClientID: "x", QoS: 3}, nil)
	assert.Error(t, err)

	p, err := NewMQTTPublisher(MQTTConfig{Broker: "localhost:1883", ClientID: "studio-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ndi/receiver/studio-1", p.cfg.Topic)

	// not connected yet
	assert.Error(t, p.Publish(KindState, []byte("{}")))
	assert.Equal(t, uint64(1), p.Stats().Errors)
	assert.NoError(t, p.Close())
}
