// Package redis provides a Redis-backed delivery channel. Ready messages
// live in a sorted set scored by ready time, leased messages in a second
// sorted set scored by lease deadline, so delayed delivery, lease expiry,
// and redelivery are all range queries over scores.
//
// Key layout, under the configured prefix (default "djr"):
//
//	{prefix}:chan:{name}:ready       ZSET  message ID scored by ready time (ms)
//	{prefix}:chan:{name}:processing  ZSET  message ID scored by lease deadline (ms)
//	{prefix}:chan:{name}:msg:{id}    HASH  data, attempts, max_attempts
//	{prefix}:chan:{name}:dedup:{key} STRING dedup token, expires with the window
//	{prefix}:chan:{name}:dead        LIST  encoded dead-lettered messages
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	djr "github.com/ankurrokad/distributed-job-runner"
	"github.com/ankurrokad/distributed-job-runner/backoff"
	"github.com/ankurrokad/distributed-job-runner/channel"
)

const defaultDedupWindow = 24 * time.Hour

// Channel is a Redis-backed channel.Channel.
type Channel struct {
	client redis.UniversalClient
	name   string
	prefix string
	codec  channel.Codec

	ackDeadline time.Duration
	maxAttempts int
	dedupWindow time.Duration
	strategy    backoff.Strategy
}

// Option configures a Redis channel.
type Option func(*Channel)

// WithPrefix overrides the key prefix. Default "djr".
func WithPrefix(prefix string) Option {
	return func(c *Channel) { c.prefix = prefix }
}

// WithCodec sets the message codec. Default JSON.
func WithCodec(codec channel.Codec) Option {
	return func(c *Channel) { c.codec = codec }
}

// WithAckDeadline sets how long a delivery stays leased before redelivery.
func WithAckDeadline(d time.Duration) Option {
	return func(c *Channel) { c.ackDeadline = d }
}

// WithMaxAttempts sets the default delivery attempt bound.
func WithMaxAttempts(n int) Option {
	return func(c *Channel) { c.maxAttempts = n }
}

// WithDedupWindow sets the TTL on dedup tokens.
func WithDedupWindow(d time.Duration) Option {
	return func(c *Channel) { c.dedupWindow = d }
}

// WithBackoff sets the redelivery delay strategy.
func WithBackoff(s backoff.Strategy) Option {
	return func(c *Channel) { c.strategy = s }
}

// New creates a Redis channel named name on client.
func New(client redis.UniversalClient, name string, opts ...Option) *Channel {
	cfg := djr.DefaultConfig()
	c := &Channel{
		client:      client,
		name:        name,
		prefix:      "djr",
		codec:       channel.JSONCodec{},
		ackDeadline: cfg.AckDeadline,
		maxAttempts: cfg.ChannelMaxAttempts,
		dedupWindow: defaultDedupWindow,
		strategy:    backoff.DefaultStrategy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) readyKey() string      { return fmt.Sprintf("%s:chan:%s:ready", c.prefix, c.name) }
func (c *Channel) processingKey() string { return fmt.Sprintf("%s:chan:%s:processing", c.prefix, c.name) }
func (c *Channel) msgKey(id string) string {
	return fmt.Sprintf("%s:chan:%s:msg:%s", c.prefix, c.name, id)
}
func (c *Channel) dedupKey(key string) string {
	return fmt.Sprintf("%s:chan:%s:dedup:%s", c.prefix, c.name, key)
}
func (c *Channel) deadKey() string { return fmt.Sprintf("%s:chan:%s:dead", c.prefix, c.name) }

func (c *Channel) Enqueue(ctx context.Context, msg *channel.Message, opts channel.EnqueueOptions) error {
	if opts.DedupKey != "" {
		ok, err := c.client.SetNX(ctx, c.dedupKey(opts.DedupKey), msg.ID, c.dedupWindow).Result()
		if err != nil {
			return fmt.Errorf("dedup reserve: %w", err)
		}
		if !ok {
			return nil
		}
	}

	cp := *msg
	cp.DedupKey = opts.DedupKey
	data, err := c.codec.Encode(&cp)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	max := opts.MaxAttempts
	if max <= 0 {
		max = c.maxAttempts
	}
	readyAt := time.Now().Add(opts.Delay)

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, c.msgKey(msg.ID), "data", data, "attempts", 0, "max_attempts", max)
	pipe.ZAdd(ctx, c.readyKey(), redis.Z{Score: float64(readyAt.UnixMilli()), Member: msg.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue %s: %w", msg.ID, err)
	}
	return nil
}

func (c *Channel) Receive(ctx context.Context, max int) ([]*channel.Delivery, error) {
	now := time.Now()
	if err := c.requeueExpired(ctx, now); err != nil {
		return nil, err
	}

	ids, err := c.client.ZRangeByScore(ctx, c.readyKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan ready: %w", err)
	}

	deadline := float64(now.Add(c.ackDeadline).UnixMilli())
	deliveries := make([]*channel.Delivery, 0, len(ids))
	for _, msgID := range ids {
		// ZRem arbitrates between concurrent receivers: only the caller
		// that removes the member owns the lease.
		removed, err := c.client.ZRem(ctx, c.readyKey(), msgID).Result()
		if err != nil {
			return deliveries, fmt.Errorf("claim %s: %w", msgID, err)
		}
		if removed == 0 {
			continue
		}

		pipe := c.client.TxPipeline()
		attemptsCmd := pipe.HIncrBy(ctx, c.msgKey(msgID), "attempts", 1)
		dataCmd := pipe.HGet(ctx, c.msgKey(msgID), "data")
		pipe.ZAdd(ctx, c.processingKey(), redis.Z{Score: deadline, Member: msgID})
		if _, err := pipe.Exec(ctx); err != nil {
			return deliveries, fmt.Errorf("lease %s: %w", msgID, err)
		}

		msg, err := c.codec.Decode([]byte(dataCmd.Val()))
		if err != nil {
			return deliveries, err
		}
		deliveries = append(deliveries, &channel.Delivery{
			Msg:     msg,
			Attempt: int(attemptsCmd.Val()),
			Token:   msgID,
		})
	}
	return deliveries, nil
}

func (c *Channel) Ack(ctx context.Context, d *channel.Delivery) error {
	removed, err := c.client.ZRem(ctx, c.processingKey(), d.Token).Result()
	if err != nil {
		return fmt.Errorf("ack %s: %w", d.Token, err)
	}
	if removed == 0 {
		return fmt.Errorf("ack %s: %w", d.Token, djr.ErrLeaseExpired)
	}
	return c.client.Del(ctx, c.msgKey(d.Token)).Err()
}

func (c *Channel) Nack(ctx context.Context, d *channel.Delivery, _ string) (bool, error) {
	removed, err := c.client.ZRem(ctx, c.processingKey(), d.Token).Result()
	if err != nil {
		return false, fmt.Errorf("nack %s: %w", d.Token, err)
	}
	if removed == 0 {
		return false, fmt.Errorf("nack %s: %w", d.Token, djr.ErrLeaseExpired)
	}

	vals, err := c.client.HMGet(ctx, c.msgKey(d.Token), "data", "attempts", "max_attempts").Result()
	if err != nil {
		return false, fmt.Errorf("nack %s: %w", d.Token, err)
	}
	if vals[0] == nil {
		return false, nil
	}
	data := []byte(vals[0].(string))
	attempts, _ := strconv.Atoi(vals[1].(string))
	maxAttempts, _ := strconv.Atoi(vals[2].(string))

	if attempts >= maxAttempts {
		pipe := c.client.TxPipeline()
		pipe.LPush(ctx, c.deadKey(), data)
		pipe.Del(ctx, c.msgKey(d.Token))
		if _, err := pipe.Exec(ctx); err != nil {
			return false, fmt.Errorf("dead-letter %s: %w", d.Token, err)
		}
		return true, nil
	}

	readyAt := time.Now().Add(c.strategy.Delay(attempts))
	err = c.client.ZAdd(ctx, c.readyKey(), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: d.Token,
	}).Err()
	if err != nil {
		return false, fmt.Errorf("requeue %s: %w", d.Token, err)
	}
	return false, nil
}

func (c *Channel) DeadLetters(ctx context.Context, limit int) ([]*channel.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.client.LRange(ctx, c.deadKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("scan dead letters: %w", err)
	}
	out := make([]*channel.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := c.codec.Decode([]byte(row))
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (c *Channel) Close() error { return nil }

// requeueExpired moves messages whose lease deadline passed back to the
// ready set for immediate redelivery.
func (c *Channel) requeueExpired(ctx context.Context, now time.Time) error {
	expired, err := c.client.ZRangeByScore(ctx, c.processingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("scan expired leases: %w", err)
	}
	if len(expired) == 0 {
		return nil
	}
	pipe := c.client.TxPipeline()
	for _, msgID := range expired {
		pipe.ZRem(ctx, c.processingKey(), msgID)
		pipe.ZAdd(ctx, c.readyKey(), redis.Z{Score: float64(now.UnixMilli()), Member: msgID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue expired: %w", err)
	}
	return nil
}
