package client

import (
	"context"
	"errors"
	"time"

	"grid-clash/internal/config"
	"grid-clash/internal/grid"
	"grid-clash/internal/logger"
	"grid-clash/internal/metrics"
	"grid-clash/internal/protocol"
	"grid-clash/internal/transport"

	"github.com/sirupsen/logrus"
)

// ErrClaimQueueFull is returned when claims are submitted faster than the
// run loop picks them up.
var ErrClaimQueueFull = errors.New("claim queue full")

type inbound struct {
	env protocol.Envelope
	at  time.Time
}

// Client drives an Engine over a transport endpoint.
type Client struct {
	cfg    config.ClientConfig
	ep     transport.Endpoint
	server transport.Addr
	engine *Engine

	intents chan grid.Coord
	lastAck uint32 // last snapshot id acked, stamped on outgoing envelopes
}

// New creates a client that talks to server over ep.
func New(cfg config.ClientConfig, ep transport.Endpoint, server transport.Addr) *Client {
	return &Client{
		cfg:     cfg,
		ep:      ep,
		server:  server,
		engine:  NewEngine(cfg),
		intents: make(chan grid.Coord, 64),
	}
}

// View returns the latest rendered view.
func (c *Client) View() *View { return c.engine.View() }

// Stats returns the engine counters.
func (c *Client) Stats() Stats { return c.engine.Stats() }

// Events delivers acquire, game-over and state notifications.
func (c *Client) Events() <-chan Event { return c.engine.Events() }

// Claim queues a claim for the run loop. It never blocks.
func (c *Client) Claim(row, col int) error {
	select {
	case c.intents <- grid.Coord{Row: row, Col: col}:
		return nil
	default:
		return ErrClaimQueueFull
	}
}

// Run joins the server and plays until the game ends, the connection is
// lost, or ctx is cancelled. It returns nil after a finished game.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := make(chan inbound, 256)
	go c.readLoop(ctx, in)

	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()

	logger.Log.WithField("server", c.server).Info("🔌 Joining server")
	c.send(c.engine.Start(time.Now()), time.Now())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case m := <-in:
			c.send(c.engine.Handle(m.env, m.at), m.at)

		case cell := <-c.intents:
			now := time.Now()
			out, err := c.engine.Claim(cell, now)
			if err != nil {
				logger.Log.WithField("cell", cell).WithError(err).Debug("claim not sent")
				continue
			}
			c.send(out, now)

		case now := <-poll.C:
			c.send(c.engine.Poll(now), now)
		}

		if err := c.engine.Err(); err != nil {
			return err
		}
		if c.engine.State() == Finished && time.Since(c.engine.FinishedAt()) >= c.cfg.FinishLinger {
			return nil
		}
	}
}

func (c *Client) readLoop(ctx context.Context, in chan<- inbound) {
	for {
		from, data, err := c.ep.RecvFrom(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, transport.ErrClosed) {
				logger.Log.WithError(err).Warn("⚠️ Receive failed")
			}
			return
		}
		if from != c.server {
			metrics.RecordDropped("violation")
			continue
		}
		env, err := protocol.Decode(data)
		if err != nil {
			metrics.RecordDropped("malformed")
			logger.Log.WithError(err).Debug("malformed datagram dropped")
			continue
		}
		metrics.RecordReceived(env.Type().String())
		select {
		case in <- inbound{env: env, at: time.Now()}:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) send(msgs []protocol.Message, now time.Time) {
	for _, m := range msgs {
		var seq uint32
		switch v := m.(type) {
		case protocol.SnapshotAck:
			c.lastAck = v.ID
		case protocol.AcquireAck:
			seq = v.Seq
		}
		data, err := protocol.Encode(protocol.Envelope{
			Role:       protocol.RoleClient,
			SnapshotID: c.lastAck,
			Seq:        seq,
			Timestamp:  uint64(now.UnixMilli()),
			Msg:        m,
		})
		if err != nil {
			logger.Log.WithError(err).WithField("type", m.Type().String()).Error("❌ Encode failed")
			continue
		}
		if err := c.ep.Send(c.server, data); err != nil {
			metrics.RecordSendError()
			logger.Log.WithFields(logrus.Fields{
				"type": m.Type().String(),
			}).WithError(err).Debug("send failed")
			continue
		}
		metrics.RecordSent(m.Type().String())
	}
}
