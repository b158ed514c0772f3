package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	ndireceiver "github.com/e7canasta/orion-care-sensor/modules/ndi-receiver"
	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/internal/status"
)

// Reporter sends state changes and periodic stats to MQTT and answers
// remote commands while Run is active. A nil *Reporter is valid and does
// nothing, so callers need no broker checks.
type Reporter struct {
	name     string
	pub      status.Publisher
	sub      status.Subscriber
	enc      status.Encoding
	closer   func() error
	emitter  *status.Emitter
	interval time.Duration
	logger   *slog.Logger
}

// NewReporter connects to the broker in fc.MQTT. It returns nil, nil when
// no broker is configured.
func NewReporter(ctx context.Context, fc *ndireceiver.FileConfig, logger *slog.Logger) (*Reporter, error) {
	if fc.MQTT.Broker == "" {
		return nil, nil
	}
	enc, err := status.ParseEncoding(fc.MQTT.Encoding)
	if err != nil {
		return nil, err
	}
	pub, err := status.NewMQTTPublisher(status.MQTTConfig{
		Broker:   fc.MQTT.Broker,
		ClientID: fc.MQTT.ClientID,
		Topic:    fc.MQTT.Topic,
		QoS:      fc.MQTT.QoS,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := pub.Connect(ctx); err != nil {
		return nil, fmt.Errorf("cli: status reporting: %w", err)
	}
	return newReporter(fc.Name, pub, pub, pub.Close, enc, time.Duration(fc.MQTT.StatsS)*time.Second, logger), nil
}

func newReporter(name string, pub status.Publisher, sub status.Subscriber, closer func() error, enc status.Encoding, interval time.Duration, logger *slog.Logger) *Reporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reporter{
		name:     name,
		pub:      pub,
		sub:      sub,
		enc:      enc,
		closer:   closer,
		emitter:  status.NewEmitter(pub, enc, 64, logger),
		interval: interval,
		logger:   logger,
	}
}

// OnStateChange is meant for Config.OnStateChange. Never blocks.
func (r *Reporter) OnStateChange(c ndireceiver.StateChange) {
	if r == nil {
		return
	}
	ev := status.Event{
		Receiver: r.name,
		Kind:     status.KindState,
		At:       c.At,
		From:     c.From.String(),
		State:    c.To.String(),
		Source:   c.Name,
		Index:    c.Index,
	}
	if c.Err != nil {
		ev.Error = c.Err.Error()
	}
	r.emitter.Emit(ev)
}

// Run emits a stats event every interval and serves remote commands
// until ctx ends.
func (r *Reporter) Run(ctx context.Context, rx *ndireceiver.Receiver) {
	if r == nil {
		return
	}
	if r.sub != nil {
		ctl := status.NewController(r.sub, r.pub, r.enc, status.Controls{
			Status: func() *status.Counters {
				return StatsEvent(r.name, rx.Stats(), time.Now()).Stats
			},
			Switch:     rx.SwitchSource,
			Disconnect: rx.Disconnect,
		}, r.logger)
		if err := ctl.Start(ctx); err != nil {
			r.logger.Warn("cli: remote control unavailable", "error", err)
		} else {
			defer ctl.Stop()
		}
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.emitter.Emit(StatsEvent(r.name, rx.Stats(), now))
		}
	}
}

// Close flushes pending events and disconnects.
func (r *Reporter) Close() {
	if r == nil {
		return
	}
	r.emitter.Close()
	sent, dropped, failed := r.emitter.Counts()
	r.logger.Info("cli: status reporter closed", "sent", sent, "dropped", dropped, "failed", failed)
	if r.closer != nil {
		_ = r.closer()
	}
}

// StatsEvent converts receiver stats into a status event.
func StatsEvent(name string, s ndireceiver.ReceiverStats, at time.Time) status.Event {
	return status.Event{
		Receiver: name,
		Kind:     status.KindStats,
		At:       at,
		State:    s.State.String(),
		Source:   s.SourceName,
		Index:    -1,
		Stats: &status.Counters{
			Sources:          s.SourceCount,
			VideoFrames:      s.VideoFrames,
			MetadataFrames:   s.MetadataFrames,
			FramesOverwrite:  s.FramesOverwritten,
			ConnectAttempts:  s.ConnectAttempts,
			ConnectFailures:  s.ConnectFailures,
			Reconnects:       s.Reconnects,
			Losses:           s.Losses,
			FPS:              s.FPS,
			UptimeSeconds:    s.Uptime.Seconds(),
			WaitingPreferred: s.WaitingForPreferred,
		},
	}
}
