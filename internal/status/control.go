package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Control topic kinds, relative to the base topic.
const (
	KindCommand  = "cmd"
	KindResponse = "response"
)

// Command is a remote control request.
type Command struct {
	Command string `json:"command" msgpack:"command"`
	Index   *int   `json:"index,omitempty" msgpack:"index,omitempty"`
}

// Response acknowledges one command.
type Response struct {
	CommandAck string    `json:"command_ack" msgpack:"command_ack"`
	Status     string    `json:"status" msgpack:"status"`
	Error      string    `json:"error,omitempty" msgpack:"error,omitempty"`
	Data       *Counters `json:"data,omitempty" msgpack:"data,omitempty"`
	Timestamp  time.Time `json:"timestamp" msgpack:"timestamp"`
}

// Subscriber receives payloads for a topic kind.
type Subscriber interface {
	Subscribe(kind string, handler func(payload []byte)) error
	Unsubscribe(kind string) error
}

// Controls are the receiver operations exposed to remote commands. Nil
// fields answer "not supported".
type Controls struct {
	Status     func() *Counters
	Switch     func(ctx context.Context, index int) error
	Disconnect func()
}

// Controller executes commands received on <Topic>/cmd and answers on
// <Topic>/response. Commands run one at a time off the MQTT goroutine.
type Controller struct {
	sub    Subscriber
	pub    Publisher
	enc    Encoding
	ctl    Controls
	logger *slog.Logger

	mu       sync.Mutex
	stopped  bool
	commands chan Command
	wg       sync.WaitGroup
}

// NewController wires sub/pub to ctl. Call Start to subscribe.
func NewController(sub Subscriber, pub Publisher, enc Encoding, ctl Controls, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		sub:      sub,
		pub:      pub,
		enc:      enc,
		ctl:      ctl,
		logger:   logger,
		commands: make(chan Command, 10),
	}
}

// Start subscribes and processes commands until ctx ends or Stop.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.sub.Subscribe(KindCommand, c.onMessage); err != nil {
		return err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.process(ctx)
	}()
	c.logger.Info("status: control handler started")
	return nil
}

// Stop unsubscribes and waits for the command in flight. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.commands)
	c.mu.Unlock()

	if err := c.sub.Unsubscribe(KindCommand); err != nil {
		c.logger.Debug("status: unsubscribe failed", "error", err)
	}
	c.wg.Wait()
	c.logger.Info("status: control handler stopped")
}

func (c *Controller) onMessage(payload []byte) {
	cmd, err := c.decode(payload)
	if err != nil {
		c.logger.Warn("status: invalid control command", "error", err)
		c.respond(Response{CommandAck: "unknown", Status: "error", Error: "invalid payload"})
		return
	}

	c.logger.Info("status: control command received", "command", cmd.Command)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	select {
	case c.commands <- cmd:
	default:
		c.logger.Warn("status: command queue full, dropping command", "command", cmd.Command)
	}
}

func (c *Controller) process(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-c.commands:
			if !ok {
				return
			}
			c.respond(c.handle(ctx, cmd))
		}
	}
}

func (c *Controller) handle(ctx context.Context, cmd Command) Response {
	resp := Response{CommandAck: cmd.Command, Status: "success"}
	fail := func(err error) Response {
		resp.Status = "error"
		resp.Error = err.Error()
		return resp
	}

	switch cmd.Command {
	case "get_status":
		if c.ctl.Status == nil {
			return fail(fmt.Errorf("get_status not supported"))
		}
		resp.Data = c.ctl.Status()

	case "switch_source":
		if c.ctl.Switch == nil {
			return fail(fmt.Errorf("switch_source not supported"))
		}
		if cmd.Index == nil {
			return fail(fmt.Errorf("switch_source requires index"))
		}
		if err := c.ctl.Switch(ctx, *cmd.Index); err != nil {
			return fail(err)
		}

	case "disconnect":
		if c.ctl.Disconnect == nil {
			return fail(fmt.Errorf("disconnect not supported"))
		}
		c.ctl.Disconnect()

	default:
		return fail(fmt.Errorf("unknown command %q", cmd.Command))
	}
	return resp
}

func (c *Controller) decode(payload []byte) (Command, error) {
	var cmd Command
	var err error
	if c.enc == EncodingMsgpack {
		err = msgpack.Unmarshal(payload, &cmd)
	} else {
		err = json.Unmarshal(payload, &cmd)
	}
	if err == nil && cmd.Command == "" {
		err = fmt.Errorf("missing command")
	}
	return cmd, err
}

func (c *Controller) respond(resp Response) {
	resp.Timestamp = time.Now()

	var payload []byte
	var err error
	if c.enc == EncodingMsgpack {
		payload, err = msgpack.Marshal(resp)
	} else {
		payload, err = json.Marshal(resp)
	}
	if err != nil {
		c.logger.Warn("status: encode response failed", "error", err)
		return
	}
	if err := c.pub.Publish(KindResponse, payload); err != nil {
		c.logger.Debug("status: publish response failed", "command", resp.CommandAck, "error", err)
	}
}
