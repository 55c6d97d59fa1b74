package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// StreamConfig tunes the websocket mention receiver.
type StreamConfig struct {
	// URL is the extraction layer's push endpoint (ws:// or wss://).
	URL string
	// DialTimeout bounds one connection attempt.
	DialTimeout time.Duration
	// BackoffBase and BackoffMax bound the reconnect delay, which doubles
	// per consecutive failure and resets after a successful dial.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// PingInterval paces keepalive pings; a connection that answers
	// nothing for two intervals is considered dead.
	PingInterval time.Duration
	// Buffer is the mention channel capacity.
	Buffer int
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 2 * time.Minute
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	return c
}

const streamWriteWait = 10 * time.Second

// StreamReceiver is the live side of ingest: it holds one websocket to
// the extraction layer, decodes mention frames onto a channel, and
// reconnects with exponential backoff whenever the connection drops.
type StreamReceiver struct {
	cfg      StreamConfig
	log      zerolog.Logger
	dialer   *websocket.Dialer
	mentions chan Mention
}

func NewStreamReceiver(cfg StreamConfig, log zerolog.Logger) *StreamReceiver {
	cfg = cfg.withDefaults()
	return &StreamReceiver{
		cfg:      cfg,
		log:      log.With().Str("component", "mention_stream").Logger(),
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		mentions: make(chan Mention, cfg.Buffer),
	}
}

// Mentions is the delivery channel. It closes when Run returns, so
// consumers can range over it.
func (s *StreamReceiver) Mentions() <-chan Mention { return s.mentions }

// Run dials and reads until ctx is cancelled. Dial failures and dropped
// connections retry forever with doubling backoff; the stream being down
// must never take the tracker down with it.
func (s *StreamReceiver) Run(ctx context.Context) error {
	defer close(s.mentions)

	backoff := s.cfg.BackoffBase
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
		if resp != nil {
			resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn().Err(err).Dur("retry_in", backoff).Msg("Mention stream dial failed")
			if !s.sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, s.cfg.BackoffMax)
			continue
		}

		s.log.Info().Str("url", s.cfg.URL).Msg("Mention stream connected")
		backoff = s.cfg.BackoffBase

		err = s.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn().Err(err).Dur("retry_in", backoff).Msg("Mention stream dropped")
		if !s.sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, s.cfg.BackoffMax)
	}
}

func (s *StreamReceiver) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)

	readWait := 2 * s.cfg.PingInterval
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	// The pinger doubles as the cancellation hook: closing the conn is
	// the only way to unblock a pending read.
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait))
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		var m Mention
		if err := json.Unmarshal(data, &m); err != nil {
			s.log.Warn().Err(err).Msg("Malformed mention frame dropped")
			continue
		}
		if err := m.normalize(); err != nil {
			s.log.Warn().Err(err).Msg("Invalid mention dropped")
			continue
		}

		select {
		case s.mentions <- m:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *StreamReceiver) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
