package creditgate

import (
	"context"
	"fmt"
	"time"
)

// Transport delivers text through bounded-size, editable units. The
// platform enforces a hard per-unit limit (~4096 text units); the
// coalescer's chunk size must stay under it.
type Transport interface {
	CreateUnit(ctx context.Context, channel, text string) (unitID string, err error)
	UpdateUnit(ctx context.Context, unitID, text string) error
}

// defaultCursor marks the still-growing tail of a streamed response.
const defaultCursor = " ▌"

// Coalescer accumulates a cumulatively-produced text result, throttles
// outbound edits to one per interval, and splits overflow into an
// ordered sequence of delivery units. One Coalescer serves exactly one
// generation call; it is not goroutine-safe and does not need to be,
// since the streaming callback is invoked sequentially.
type Coalescer struct {
	transport Transport
	channel   string
	chunkSize int
	interval  time.Duration
	cursor    string
	now       func() time.Time

	pending   string
	lastFlush time.Time
	units     []deliveryUnit
}

type deliveryUnit struct {
	id     string
	text   string // last text actually delivered
	sealed bool   // full chunk delivered, never edited again
}

// CoalescerOption configures a Coalescer.
type CoalescerOption func(*Coalescer)

// WithChunkSize sets the per-unit payload limit (default 4000).
func WithChunkSize(n int) CoalescerOption {
	return func(c *Coalescer) { c.chunkSize = n }
}

// WithEditInterval sets the minimum spacing between transport calls
// (default 1s).
func WithEditInterval(d time.Duration) CoalescerOption {
	return func(c *Coalescer) { c.interval = d }
}

// WithCursor sets the provisional tail marker.
func WithCursor(cursor string) CoalescerOption {
	return func(c *Coalescer) { c.cursor = cursor }
}

// WithCoalescerClock overrides the time source.
func WithCoalescerClock(now func() time.Time) CoalescerOption {
	return func(c *Coalescer) { c.now = now }
}

// NewCoalescer creates a Coalescer delivering to one channel.
func NewCoalescer(transport Transport, channel string, opts ...CoalescerOption) *Coalescer {
	c := &Coalescer{
		transport: transport,
		channel:   channel,
		chunkSize: 4000,
		interval:  time.Second,
		cursor:    defaultCursor,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Feed records the cumulative text produced so far and, at most once
// per interval, pushes it out. Calls between flushes only buffer; the
// skipped content is picked up by the next flush or by Finalize.
func (c *Coalescer) Feed(ctx context.Context, cumulative string) error {
	c.pending = cumulative

	now := c.now()
	if !c.lastFlush.IsZero() && now.Sub(c.lastFlush) < c.interval {
		return nil
	}
	c.lastFlush = now
	return c.flush(ctx, false)
}

// Finalize delivers the complete text, ignoring the rate limit, and
// freezes every unit with the cursor removed.
func (c *Coalescer) Finalize(ctx context.Context, text string) error {
	c.pending = text
	c.lastFlush = c.now()
	return c.flush(ctx, true)
}

// Units returns how many delivery units exist so far.
func (c *Coalescer) Units() int { return len(c.units) }

// flush renders the pending text into chunk-sized units, updating them
// strictly in creation order. Earlier units are sealed at their full
// chunk before a later unit is ever touched, so a later chunk can never
// be visible before its prefix is.
func (c *Coalescer) flush(ctx context.Context, final bool) error {
	chunks := splitChunks(c.pending, c.chunkSize)
	if len(chunks) == 0 {
		return nil
	}

	for i, chunk := range chunks {
		last := i == len(chunks)-1
		text := chunk
		if last && !final {
			text += c.cursor
		}

		if i < len(c.units) {
			u := &c.units[i]
			if u.sealed || u.text == text {
				continue
			}
			if err := c.deliver(ctx, u, text); err != nil {
				return err
			}
		} else {
			id, err := c.transport.CreateUnit(ctx, c.channel, text)
			if err != nil {
				return fmt.Errorf("%w: create unit %d: %v", ErrDeliveryFailed, i, err)
			}
			c.units = append(c.units, deliveryUnit{id: id, text: text})
		}

		if !last || final {
			c.units[i].sealed = true
		}
	}
	return nil
}

// deliver edits a unit in place, falling back to a fresh unit when the
// transport rejects the edit. Only a second consecutive failure
// surfaces an error; content is never silently dropped.
func (c *Coalescer) deliver(ctx context.Context, u *deliveryUnit, text string) error {
	if err := c.transport.UpdateUnit(ctx, u.id, text); err != nil {
		id, cerr := c.transport.CreateUnit(ctx, c.channel, text)
		if cerr != nil {
			return fmt.Errorf("%w: update then create: %v", ErrDeliveryFailed, cerr)
		}
		u.id = id
	}
	u.text = text
	return nil
}

// splitChunks cuts text into rune-safe pieces of at most size runes.
func splitChunks(text string, size int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	var chunks []string
	for len(runes) > size {
		chunks = append(chunks, string(runes[:size]))
		runes = runes[size:]
	}
	return append(chunks, string(runes))
}
