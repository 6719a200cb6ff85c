// Package transport implements the WebSocket client side of the prover
// wire protocol. One Client manages the connection to one backend worker:
// dialing, request/response correlation, liveness pings, and background
// redial after a dropped connection.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/proofgate/proofgate"
	"github.com/proofgate/proofgate/backoff"
	"github.com/proofgate/proofgate/job"
	"github.com/proofgate/proofgate/wire"
)

// Client is a prover connection to a single worker address. It is safe
// for concurrent use: the dispatcher forwards jobs and the health monitor
// pings over the same connection.
type Client struct {
	addr   string
	url    string
	codec  wire.Codec
	logger *slog.Logger

	dialTimeout time.Duration
	bo          backoff.Strategy

	mu   sync.RWMutex // guards conn
	conn net.Conn

	writeMu sync.Mutex // serializes frame writes

	// pending tracks request-response correlation (frame ID → chan).
	pending sync.Map

	closed       atomic.Bool
	reconnecting atomic.Bool
	wg           sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

// WithCodec sets the frame codec. Defaults to JSON.
func WithCodec(c wire.Codec) Option {
	return func(cl *Client) { cl.codec = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// WithDialTimeout bounds a single dial attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.dialTimeout = d }
}

// WithBackoff sets the redial delay strategy.
func WithBackoff(b backoff.Strategy) Option {
	return func(cl *Client) { cl.bo = b }
}

// NewClient creates a client for the worker at addr (host:port). The
// connection is established lazily on first use or via Connect.
func NewClient(addr string, opts ...Option) *Client {
	c := &Client{
		addr:        addr,
		url:         "ws://" + addr + "/prove",
		codec:       &wire.JSONCodec{},
		logger:      slog.Default(),
		dialTimeout: 5 * time.Second,
		bo:          backoff.DefaultStrategy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Addr returns the worker address this client talks to.
func (c *Client) Addr() string { return c.addr }

// Connected reports whether a live connection is currently held.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Connect dials the worker, retrying with backoff until the context is
// done. Used at registration so a freshly added worker is ready before
// its first probe.
func (c *Client) Connect(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		if err := c.ensureConn(ctx); err == nil {
			return nil
		} else if c.closed.Load() {
			return proofgate.ErrProxyClosed
		}

		delay := c.bo.Delay(attempt)
		c.logger.Debug("worker dial failed, backing off",
			slog.String("addr", c.addr),
			slog.Duration("backoff", delay),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("transport: connect %s: %w", c.addr, ctx.Err())
		}
	}
}

// Prove forwards a job to the worker and blocks until the proof, a worker
// error, or context cancellation. Communication failures wrap
// ErrTransport so the retry coordinator can distinguish them from
// worker-reported proving errors.
func (c *Client) Prove(ctx context.Context, j *job.Job) (*job.Result, error) {
	frame, err := wire.NewRequestFrame(wire.GenerateFrameID(), wire.MethodProve, wire.ProveRequest{
		JobID:   j.ID.String(),
		Payload: j.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: marshal prove request: %w", err)
	}

	resp, err := c.request(ctx, frame)
	if err != nil {
		return nil, err
	}

	if resp.Type == wire.FrameErr {
		msg := "unknown worker error"
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		return nil, fmt.Errorf("transport: worker %s rejected job: %s", c.addr, msg)
	}

	var pr wire.ProveResponse
	if err := decodeData(resp.Data, &pr); err != nil {
		return nil, fmt.Errorf("transport: decode prove response from %s: %w", c.addr, err)
	}

	return &job.Result{JobID: j.ID, Proof: pr.Proof}, nil
}

// Ping sends a liveness probe and waits for the pong. Used by the health
// monitor; any failure counts as a failed probe.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, wire.NewPingFrame())
	return err
}

// Close tears the connection down. Pending requests fail with
// ErrTransport.
func (c *Client) Close() error {
	c.closed.Store(true)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	return nil
}

// ── request/response ───────────────────────────────

func (c *Client) request(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	if c.closed.Load() {
		return nil, proofgate.ErrProxyClosed
	}
	if err := c.ensureConn(ctx); err != nil {
		return nil, err
	}

	ch := make(chan *wire.Frame, 1)
	c.pending.Store(frame.ID, ch)
	defer c.pending.Delete(frame.ID)

	if err := c.writeFrame(frame); err != nil {
		return nil, fmt.Errorf("%w: write to %s: %v", proofgate.ErrTransport, c.addr, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, fmt.Errorf("%w: connection to %s lost", proofgate.ErrTransport, c.addr)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) writeFrame(frame *wire.Frame) error {
	data, err := c.codec.Encode(frame)
	if err != nil {
		return err
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(conn, ws.OpBinary, data)
}

// ── connection management ──────────────────────────

func (c *Client) ensureConn(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		return nil
	}

	dialer := ws.Dialer{Timeout: c.dialTimeout}
	newConn, _, _, err := dialer.Dial(ctx, c.url)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", proofgate.ErrTransport, c.addr, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		// Lost a dial race; keep the existing connection.
		c.mu.Unlock()
		newConn.Close()
		return nil
	}
	c.conn = newConn
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop(newConn)
	}()

	c.logger.Debug("worker connected", slog.String("addr", c.addr))
	return nil
}

func (c *Client) readLoop(conn net.Conn) {
	for {
		data, _, err := wsutil.ReadServerData(conn)
		if err != nil {
			c.dropConn(conn)
			return
		}

		frame, decErr := c.codec.Decode(data)
		if decErr != nil {
			c.logger.Warn("undecodable frame from worker",
				slog.String("addr", c.addr),
				slog.String("error", decErr.Error()),
			)
			continue
		}

		switch frame.Type {
		case wire.FrameResponse, wire.FrameErr, wire.FramePong:
			if val, ok := c.pending.LoadAndDelete(frame.CorrelID); ok {
				val.(chan *wire.Frame) <- frame
			}
		default:
			// Workers do not initiate requests.
		}
	}
}

// dropConn clears the failed connection and fails every pending request.
// A background redial starts unless the client is closed.
func (c *Client) dropConn(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()

	c.pending.Range(func(key, val any) bool {
		if _, loaded := c.pending.LoadAndDelete(key); loaded {
			close(val.(chan *wire.Frame))
		}
		return true
	})

	if c.closed.Load() {
		return
	}

	c.logger.Warn("worker connection lost", slog.String("addr", c.addr))

	if c.reconnecting.CompareAndSwap(false, true) {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer c.reconnecting.Store(false)
			c.redial()
		}()
	}
}

func (c *Client) redial() {
	for attempt := 1; !c.closed.Load(); attempt++ {
		if c.Connected() {
			return
		}
		time.Sleep(c.bo.Delay(attempt))

		ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
		err := c.ensureConn(ctx)
		cancel()
		if err == nil {
			return
		}
	}
}

// decodeData unpacks a frame payload. Payloads are JSON inside Data no
// matter which frame codec carried them.
func decodeData(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("empty response data")
	}
	return json.Unmarshal(data, v)
}
