package channels

import (
	"context"
	"sync"
	"time"
)

// RateLimiter implements a token bucket. It allows a burst of operations up
// to the bucket capacity, then refills at a steady rate.
type RateLimiter struct {
	rate       float64
	capacity   int
	tokens     float64
	lastRefill time.Time

	mu sync.Mutex
}

// NewRateLimiter creates a limiter adding rate tokens per second with the
// given burst capacity.
func NewRateLimiter(rate float64, capacity int) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		capacity:   capacity,
		tokens:     float64(capacity),
		lastRefill: time.Now(),
	}
}

// Wait blocks until a token is available or the context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		wait := r.take()
		if wait == 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Allow consumes a token if one is available.
func (r *RateLimiter) Allow() bool {
	return r.take() == 0
}

// take consumes a token and returns zero, or returns how long until one
// becomes available.
func (r *RateLimiter) take() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.tokens += now.Sub(r.lastRefill).Seconds() * r.rate
	if r.tokens > float64(r.capacity) {
		r.tokens = float64(r.capacity)
	}
	r.lastRefill = now

	if r.tokens >= 1 {
		r.tokens--
		return 0
	}
	if r.rate <= 0 {
		return time.Second
	}
	return time.Duration((1 - r.tokens) / r.rate * float64(time.Second))
}

// ChatLimiter combines a global bucket with a lazily created bucket per chat.
// Telegram throttles both the bot as a whole and each individual chat.
type ChatLimiter struct {
	global      *RateLimiter
	perChatRate float64
	perChatCap  int

	mu    sync.Mutex
	chats map[string]*RateLimiter
}

// NewChatLimiter builds a limiter with the global rate/burst and a per-chat
// rate/burst. A non-positive per-chat rate disables the per-chat buckets.
func NewChatLimiter(rate float64, burst int, perChatRate float64, perChatBurst int) *ChatLimiter {
	return &ChatLimiter{
		global:      NewRateLimiter(rate, burst),
		perChatRate: perChatRate,
		perChatCap:  perChatBurst,
		chats:       make(map[string]*RateLimiter),
	}
}

// Wait blocks until both the chat bucket and the global bucket grant a token.
func (c *ChatLimiter) Wait(ctx context.Context, chatID string) error {
	if chat := c.chat(chatID); chat != nil {
		if err := chat.Wait(ctx); err != nil {
			return err
		}
	}
	return c.global.Wait(ctx)
}

func (c *ChatLimiter) chat(chatID string) *RateLimiter {
	if c.perChatRate <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.chats[chatID]
	if !ok {
		capacity := c.perChatCap
		if capacity < 1 {
			capacity = 1
		}
		l = NewRateLimiter(c.perChatRate, capacity)
		c.chats[chatID] = l
	}
	return l
}
