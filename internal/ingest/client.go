package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/neuroclass/ncc/internal/config"
)

// StreamFunc writes device bytes to w until ctx is done or the stream ends.
// Returning nil ends Client.Run.
type StreamFunc func(ctx context.Context, w io.Writer) error

// Client is a producer that dials the ingest server and re-establishes the
// connection according to a Reconnector.
type Client struct {
	addr        string
	handshake   Handshake
	reconnector *Reconnector
	dialer      net.Dialer
	log         zerolog.Logger

	// sleep waits d or until ctx is done.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client for the server at addr.
func NewClient(addr string, hs Handshake, reconnectConfig config.ReconnectConfig, log zerolog.Logger) *Client {
	c := &Client{
		addr:        addr,
		handshake:   hs,
		reconnector: NewReconnector(reconnectConfig),
		dialer:      net.Dialer{Timeout: 5 * time.Second},
		log:         log.With().Str("component", "ingest-client").Str("producer", hs.ProducerID).Logger(),
		sleep:       sleepContext,
	}
	c.reconnector.OnTransition(func(from, to State, attempt int) {
		c.log.Debug().Str("from", string(from)).Str("to", string(to)).Int("attempt", attempt).Msg("reconnect state")
	})
	return c
}

// Reconnector exposes the client's retry state.
func (c *Client) Reconnector() *Reconnector { return c.reconnector }

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Dial connects and completes the handshake. A refused handshake is returned
// as *RejectError.
func (c *Client) Dial(ctx context.Context) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	}

	if err := writeLine(conn, c.handshake); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	// The server sends nothing after the reply, so the reader can be dropped.
	line, err := readLine(bufio.NewReaderSize(conn, 256))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read handshake reply: %w", err)
	}
	var reply Reply
	if err := decodeStrict(line, &reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decode handshake reply: %w", err)
	}
	if reply.Status != statusOK {
		_ = conn.Close()
		return nil, &RejectError{ReplyCode: reply.Code, Message: reply.Message}
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

// Run connects and calls stream on each established connection until stream
// returns nil, ctx is done, the server refuses the handshake for a reason that
// retrying cannot fix, or the reconnector gives up.
func (c *Client) Run(ctx context.Context, stream StreamFunc) error {
	for {
		if err := c.reconnector.Connecting(); err != nil {
			return err
		}

		conn, err := c.Dial(ctx)
		if err == nil {
			if err = c.reconnector.Connected(); err != nil {
				_ = conn.Close()
				return err
			}
			c.log.Info().Str("addr", c.addr).Str("session", c.handshake.SessionID).Msg("connected")

			err = stream(ctx, conn)
			_ = conn.Close()
			if err == nil {
				c.reconnector.Reset()
				return nil
			}
		}

		if ctx.Err() != nil {
			c.reconnector.Reset()
			return ctx.Err()
		}

		var reject *RejectError
		if errors.As(err, &reject) && !reject.Retryable() {
			c.reconnector.Reset()
			return err
		}

		wait, rerr := c.reconnector.Failed()
		if rerr != nil {
			c.log.Error().Err(err).Msg("giving up")
			return fmt.Errorf("%w: last error: %v", rerr, err)
		}
		c.log.Warn().Err(err).Dur("backoff", wait).Int("attempt", c.reconnector.Attempts()).Msg("connection failed, retrying")

		if err := c.sleep(ctx, wait); err != nil {
			c.reconnector.Reset()
			return err
		}
	}
}
