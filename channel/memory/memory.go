// Package memory provides an in-process channel for tests and single-node
// deployments. Leases, redelivery, dedup, and dead-lettering all behave like
// the Redis channel, minus persistence.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	djr "github.com/ankurrokad/distributed-job-runner"
	"github.com/ankurrokad/distributed-job-runner/backoff"
	"github.com/ankurrokad/distributed-job-runner/channel"
	"github.com/ankurrokad/distributed-job-runner/id"
)

type queued struct {
	msg         *channel.Message
	readyAt     time.Time
	attempts    int
	maxAttempts int
}

type lease struct {
	msgID    string
	deadline time.Time
}

// Channel is an in-memory channel.Channel. Safe for concurrent use.
type Channel struct {
	mu       sync.Mutex
	messages map[string]*queued // message ID -> queued
	dedup    map[string]string  // dedup key -> message ID
	leases   map[string]*lease  // lease token -> lease
	dead     []*channel.Message
	closed   bool

	ackDeadline time.Duration
	maxAttempts int
	strategy    backoff.Strategy
	now         func() time.Time
}

// Option configures a memory channel.
type Option func(*Channel)

// WithAckDeadline sets how long a delivery stays leased before redelivery.
func WithAckDeadline(d time.Duration) Option {
	return func(c *Channel) { c.ackDeadline = d }
}

// WithMaxAttempts sets the default delivery attempt bound.
func WithMaxAttempts(n int) Option {
	return func(c *Channel) { c.maxAttempts = n }
}

// WithBackoff sets the redelivery delay strategy.
func WithBackoff(s backoff.Strategy) Option {
	return func(c *Channel) { c.strategy = s }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

// New creates an in-memory channel.
func New(opts ...Option) *Channel {
	cfg := djr.DefaultConfig()
	c := &Channel{
		messages:    make(map[string]*queued),
		dedup:       make(map[string]string),
		leases:      make(map[string]*lease),
		ackDeadline: cfg.AckDeadline,
		maxAttempts: cfg.ChannelMaxAttempts,
		strategy:    backoff.DefaultStrategy(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) Enqueue(_ context.Context, msg *channel.Message, opts channel.EnqueueOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return djr.ErrStoreClosed
	}

	if opts.DedupKey != "" {
		if _, dup := c.dedup[opts.DedupKey]; dup {
			return nil
		}
		c.dedup[opts.DedupKey] = msg.ID
	}

	max := opts.MaxAttempts
	if max <= 0 {
		max = c.maxAttempts
	}
	cp := *msg
	cp.DedupKey = opts.DedupKey
	c.messages[msg.ID] = &queued{
		msg:         &cp,
		readyAt:     c.now().Add(opts.Delay),
		maxAttempts: max,
	}
	return nil
}

func (c *Channel) Receive(_ context.Context, max int) ([]*channel.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, djr.ErrStoreClosed
	}
	now := c.now()
	c.expireLeasesLocked(now)

	leased := make(map[string]bool, len(c.leases))
	for _, l := range c.leases {
		leased[l.msgID] = true
	}

	var ready []*queued
	for _, q := range c.messages {
		if leased[q.msg.ID] || q.readyAt.After(now) {
			continue
		}
		ready = append(ready, q)
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].readyAt.Before(ready[j].readyAt) })
	if len(ready) > max {
		ready = ready[:max]
	}

	deliveries := make([]*channel.Delivery, 0, len(ready))
	for _, q := range ready {
		q.attempts++
		token := id.New("lease").String()
		c.leases[token] = &lease{msgID: q.msg.ID, deadline: now.Add(c.ackDeadline)}
		cp := *q.msg
		deliveries = append(deliveries, &channel.Delivery{
			Msg:     &cp,
			Attempt: q.attempts,
			Token:   token,
		})
	}
	return deliveries, nil
}

func (c *Channel) Ack(_ context.Context, d *channel.Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.leases[d.Token]
	if !ok {
		return fmt.Errorf("lease %s: %w", d.Token, djr.ErrLeaseExpired)
	}
	delete(c.leases, d.Token)
	delete(c.messages, l.msgID)
	return nil
}

func (c *Channel) Nack(_ context.Context, d *channel.Delivery, _ string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.leases[d.Token]
	if !ok {
		return false, fmt.Errorf("lease %s: %w", d.Token, djr.ErrLeaseExpired)
	}
	delete(c.leases, d.Token)
	q, ok := c.messages[l.msgID]
	if !ok {
		return false, nil
	}
	if q.attempts >= q.maxAttempts {
		delete(c.messages, l.msgID)
		c.dead = append(c.dead, q.msg)
		return true, nil
	}
	q.readyAt = c.now().Add(c.strategy.Delay(q.attempts))
	return false, nil
}

func (c *Channel) DeadLetters(_ context.Context, limit int) ([]*channel.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit <= 0 || limit > len(c.dead) {
		limit = len(c.dead)
	}
	out := make([]*channel.Message, 0, limit)
	for _, m := range c.dead[:limit] {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Depth reports the number of pending messages. Tests only.
func (c *Channel) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// expireLeasesLocked releases leases past their deadline so their messages
// become receivable again.
func (c *Channel) expireLeasesLocked(now time.Time) {
	for token, l := range c.leases {
		if l.deadline.After(now) {
			continue
		}
		delete(c.leases, token)
	}
}
