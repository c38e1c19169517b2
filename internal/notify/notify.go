// Package notify delivers operator messages through a chat transport.
// Delivery is best effort: failures are logged and never retried.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sentinel/internal/audit"
)

const (
	// MaxChars is the longest message body sent before truncation.
	MaxChars = 3800

	// TruncationMarker is appended to truncated messages.
	TruncationMarker = "\n\n[... message truncated, too long (4096 chars limit) ...]"

	// DefaultTimeout bounds a fire-and-forget alert notification.
	DefaultTimeout = time.Second

	// DefaultSummaryTimeout bounds a synchronous summary send.
	DefaultSummaryTimeout = 10 * time.Second
)

// Transport sends one formatted message.
type Transport interface {
	Name() string
	Send(ctx context.Context, text string) error
}

// TransportError wraps a failed delivery.
type TransportError struct {
	Transport string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("notify: %s: %v", e.Transport, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Truncate cuts text to MaxChars runes and appends TruncationMarker when it
// was longer.
func Truncate(text string) string {
	n := 0
	for i := range text {
		if n == MaxChars {
			return text[:i] + TruncationMarker
		}
		n++
	}
	return text
}

// Nop is a transport that discards messages.
type Nop struct{}

// Name implements Transport.
func (Nop) Name() string { return "none" }

// Send implements Transport.
func (Nop) Send(context.Context, string) error { return nil }

// Hooks observe delivery outcomes.
type Hooks struct {
	// OnSend is called once per delivery attempt with "ok", "error" or "timeout".
	OnSend func(transport, status string)
}

// Dispatcher sends messages through a transport.
type Dispatcher struct {
	transport Transport
	timeout   time.Duration
	logger    log.Logger
	audit     *audit.Journal
	hooks     Hooks
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher. timeout bounds each fire-and-forget send.
// Failed deliveries are written to journal when it is non-nil.
func NewDispatcher(t Transport, timeout time.Duration, logger log.Logger, journal *audit.Journal, hooks Hooks) *Dispatcher {
	if t == nil {
		t = Nop{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Dispatcher{transport: t, timeout: timeout, logger: logger, audit: journal, hooks: hooks}
}

// Transport returns the name of the configured transport.
func (d *Dispatcher) Transport() string { return d.transport.Name() }

// Send delivers msg in the background and returns immediately. The send is
// detached from the caller's lifetime and bounded by the dispatcher timeout.
func (d *Dispatcher) Send(msg string) {
	text := Truncate(msg)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.deliver(ctx, text); err != nil {
			d.logger.Warn(ctx, "notification not delivered", "transport", d.transport.Name(), "err", err)
		}
	}()
}

// SendSync delivers msg and waits for the result, bounded by timeout.
func (d *Dispatcher) SendSync(ctx context.Context, msg string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultSummaryTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.deliver(ctx, Truncate(msg))
}

// Wait blocks until in-flight background sends finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, text string) error {
	err := d.transport.Send(ctx, text)
	status := "ok"
	switch {
	case err == nil:
	case ctx.Err() != nil:
		status = "timeout"
	default:
		status = "error"
	}
	if d.hooks.OnSend != nil {
		d.hooks.OnSend(d.transport.Name(), status)
	}
	if err == nil {
		return nil
	}
	terr := &TransportError{Transport: d.transport.Name(), Err: err}
	d.audit.Event("notification not delivered", terr, map[string]any{
		"event":     "notify_failed",
		"transport": d.transport.Name(),
		"status":    status,
		"chars":     len(text),
	})
	return terr
}
