package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// combined glues a Discoverer and a SessionOpener into one Binding.
type combined struct {
	Discoverer
	opener SessionOpener
}

// Combine assembles a Binding from independent discovery and session halves,
// e.g. an mDNS finder plus a GStreamer session opener.
func Combine(d Discoverer, o SessionOpener) Binding {
	return &combined{Discoverer: d, opener: o}
}

func (c *combined) Initialize() error {
	if err := c.Discoverer.Initialize(); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	if err := c.opener.Initialize(); err != nil {
		_ = c.Discoverer.Close()
		return fmt.Errorf("sessions: %w", err)
	}
	return nil
}

func (c *combined) OpenConnection(ctx context.Context, sourceName string) (Session, error) {
	return c.opener.OpenConnection(ctx, sourceName)
}

func (c *combined) CloseConnection(s Session) error {
	return c.opener.CloseConnection(s)
}

func (c *combined) SetVisibility(s Session, program, preview bool) error {
	return c.opener.SetVisibility(s, program, preview)
}

func (c *combined) CaptureNext(s Session, timeout time.Duration) (Capture, error) {
	return c.opener.CaptureNext(s, timeout)
}

func (c *combined) ReleaseVideo(s Session, buf *VideoBuffer) {
	c.opener.ReleaseVideo(s, buf)
}

func (c *combined) ReleaseMetadata(s Session, buf *MetadataBuffer) {
	c.opener.ReleaseMetadata(s, buf)
}

// Close shuts sessions down before discovery.
func (c *combined) Close() error {
	return errors.Join(c.opener.Close(), c.Discoverer.Close())
}
