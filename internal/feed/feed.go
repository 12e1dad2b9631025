// Package feed is the reference-price ingress adapter: a websocket client
// that turns tick messages into SetReferencePrice commands on a bounded
// channel. The core never sees the adapter's connection state except through
// its health callback; reconnection is the adapter's own state machine.
package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	initialBackoff   = time.Second
	maxReconnectWait = 30 * time.Second
)

// State is the adapter's connection posture.
type State int

const (
	Connecting State = iota
	Connected
	Reconnecting
	Terminated
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	case Terminated:
		return "TERMINATED"
	}
	return "UNKNOWN"
}

// Tick is the wire shape of one reference-price update.
type Tick struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	TsMs   int64  `json:"ts"`
}

// Options configure the feed.
type Options struct {
	URL         string
	Symbol      string
	DialTimeout time.Duration
	ReadTimeout time.Duration
	QueueSize   int
}

// Feed maintains one websocket connection and publishes parsed reference
// prices. Prices the consumer is too slow for are dropped in favor of newer
// ones; only the latest reference matters.
type Feed struct {
	opts   Options
	prices chan decimal.Decimal

	mu      sync.Mutex
	state   State
	healthy func(State) // optional health callback
}

func New(opts Options) *Feed {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Feed{
		opts:   opts,
		prices: make(chan decimal.Decimal, opts.QueueSize),
		state:  Connecting,
	}
}

// Prices is the consumer side: each value is one reference-price update.
func (f *Feed) Prices() <-chan decimal.Decimal {
	return f.prices
}

// State returns the adapter's current posture.
func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// OnStateChange registers the health callback the core observes.
func (f *Feed) OnStateChange(fn func(State)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = fn
}

func (f *Feed) setState(s State) {
	f.mu.Lock()
	f.state = s
	cb := f.healthy
	f.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// Run connects and maintains the websocket with exponential backoff capped
// at 30s. Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := initialBackoff

	for {
		f.setState(Connecting)
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			f.setState(Terminated)
			close(f.prices)
			return ctx.Err()
		}

		f.setState(Reconnecting)
		log.Warn().
			Err(err).
			Dur("backoff", backoff).
			Str("url", f.opts.URL).
			Msg("feed disconnected, reconnecting")

		select {
		case <-ctx.Done():
			f.setState(Terminated)
			close(f.prices)
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// connectAndRead holds one connection until it fails or the context ends.
func (f *Feed) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: f.opts.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, f.opts.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	f.setState(Connected)
	log.Info().Str("url", f.opts.URL).Msg("feed connected")

	// Close the socket when the context dies so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(f.opts.ReadTimeout)); err != nil {
			return err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleMessage(raw)
	}
}

func (f *Feed) handleMessage(raw []byte) {
	var tick Tick
	if err := json.Unmarshal(raw, &tick); err != nil {
		log.Warn().Err(err).Msg("feed: unparseable tick")
		return
	}
	if f.opts.Symbol != "" && tick.Symbol != f.opts.Symbol {
		return
	}
	price, err := decimal.NewFromString(tick.Price)
	if err != nil || price.Sign() <= 0 {
		log.Warn().Str("price", tick.Price).Msg("feed: bad tick price")
		return
	}

	select {
	case f.prices <- price:
	default:
		// Consumer is behind: shed the oldest queued price for the newest.
		select {
		case <-f.prices:
		default:
		}
		f.prices <- price
	}
}
