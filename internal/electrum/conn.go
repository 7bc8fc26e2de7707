package electrum

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"
)

// Client is the request surface of a live server connection
type Client interface {
	Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error)
	Batch(ctx context.Context, method string, params [][]interface{}) ([]BatchResult, error)
	Close() error
}

// Dialer opens a Client to a peer
type Dialer func(ctx context.Context, peer Peer, opts ConnOptions) (Client, error)

// BatchResult is one item of a batched call, in request order
type BatchResult struct {
	Result json.RawMessage
	Err    error
}

// ConnOptions configures a transport connection
type ConnOptions struct {
	DialTimeout time.Duration
	// KeepAlive is the server.ping interval. Zero disables it.
	KeepAlive time.Duration
	// RateLimit caps requests per second. Zero means unlimited.
	RateLimit int
	// OnNotification receives server pushed messages
	OnNotification func(method string, params json.RawMessage)
	// OnError receives the error that broke the connection. It is not
	// called after Close.
	OnError func(err error)
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// UnmarshalJSON accepts both the object form and the bare string some
// servers send.
func (e *rpcError) UnmarshalJSON(data []byte) error {
	var message string
	if err := json.Unmarshal(data, &message); err == nil {
		e.Message = message
		return nil
	}
	type plain rpcError
	return json.Unmarshal(data, (*plain)(e))
}

// Conn is a newline-delimited JSON-RPC connection to an Electrum server
type Conn struct {
	conn    net.Conn
	opts    ConnOptions
	limiter ratelimit.Limiter

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan *rpcResponse
	closed  bool
	err     error

	nextID   atomic.Uint64
	lastCall atomic.Int64
	done     chan struct{}
}

// Dial connects to peer over TLS when it has an SSL port, plain TCP
// otherwise.
func Dial(ctx context.Context, peer Peer, opts ConnOptions) (*Conn, error) {
	if !peer.Valid() {
		return nil, fmt.Errorf("invalid peer %q", peer.String())
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 10 * time.Second
	}

	address := net.JoinHostPort(peer.Host, strconv.Itoa(peer.Port()))
	netDialer := &net.Dialer{Timeout: opts.DialTimeout}

	var (
		conn net.Conn
		err  error
	)
	if peer.UseTLS() {
		tlsDialer := &tls.Dialer{
			NetDialer: netDialer,
			// Electrum servers routinely run on self-signed certificates
			Config: &tls.Config{ServerName: peer.Host, InsecureSkipVerify: true},
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", address)
	} else {
		conn, err = netDialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, transportError(fmt.Errorf("failed to dial %s: %w", address, err))
	}

	return NewConn(conn, opts), nil
}

// DialClient is the default Dialer
func DialClient(ctx context.Context, peer Peer, opts ConnOptions) (Client, error) {
	conn, err := Dial(ctx, peer, opts)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// NewConn wraps an established connection and starts its read loop
func NewConn(conn net.Conn, opts ConnOptions) *Conn {
	c := &Conn{
		conn:    conn,
		opts:    opts,
		pending: make(map[uint64]chan *rpcResponse),
		done:    make(chan struct{}),
	}
	if opts.RateLimit > 0 {
		c.limiter = ratelimit.New(opts.RateLimit)
	} else {
		c.limiter = ratelimit.NewUnlimited()
	}

	go c.readLoop()
	if opts.KeepAlive > 0 {
		go c.keepAlive(opts.KeepAlive)
	}
	return c
}

// Call sends a single request and waits for its response
func (c *Conn) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	id, ch, err := c.register()
	if err != nil {
		return nil, err
	}

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := c.write(ctx, req); err != nil {
		c.unregister(id)
		return nil, err
	}

	resp, err := c.await(ctx, id, ch)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, classifyServerError(resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

// Batch sends one request per params entry as a single JSON array and
// returns the results in request order. A per-item server error is reported
// on that item only; a transport failure fails the whole batch.
func (c *Conn) Batch(ctx context.Context, method string, params [][]interface{}) ([]BatchResult, error) {
	if len(params) == 0 {
		return nil, nil
	}

	ids := make([]uint64, len(params))
	chans := make([]chan *rpcResponse, len(params))
	reqs := make([]rpcRequest, len(params))
	for i, p := range params {
		id, ch, err := c.register()
		if err != nil {
			for _, registered := range ids[:i] {
				c.unregister(registered)
			}
			return nil, err
		}
		if p == nil {
			p = []interface{}{}
		}
		ids[i], chans[i] = id, ch
		reqs[i] = rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: p}
	}

	if err := c.write(ctx, reqs); err != nil {
		for _, id := range ids {
			c.unregister(id)
		}
		return nil, err
	}

	results := make([]BatchResult, len(params))
	for i := range params {
		resp, err := c.await(ctx, ids[i], chans[i])
		if err != nil {
			for _, id := range ids[i+1:] {
				c.unregister(id)
			}
			return nil, err
		}
		if resp.Error != nil {
			results[i].Err = classifyServerError(resp.Error.Code, resp.Error.Message)
			continue
		}
		results[i].Result = resp.Result
	}
	return results, nil
}

// LastCall returns the time the last request was written
func (c *Conn) LastCall() time.Time {
	ms := c.lastCall.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Close closes the connection without reporting an error
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.err = ErrConnClosed
	c.mu.Unlock()

	close(c.done)
	err := c.conn.Close()
	c.failPending()
	return err
}

func (c *Conn) register() (uint64, chan *rpcResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, transportError(c.err)
	}
	id := c.nextID.Add(1)
	ch := make(chan *rpcResponse, 1)
	c.pending[id] = ch
	return id, ch, nil
}

func (c *Conn) unregister(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) write(ctx context.Context, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	data = append(data, '\n')

	c.limiter.Take()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := c.conn.Write(data); err != nil {
		werr := transportError(fmt.Errorf("failed to write request: %w", err))
		c.fail(werr)
		return werr
	}
	c.lastCall.Store(time.Now().UnixMilli())
	return nil
}

func (c *Conn) await(ctx context.Context, id uint64, ch chan *rpcResponse) (*rpcResponse, error) {
	select {
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			return nil, transportError(err)
		}
		return resp, nil
	case <-ctx.Done():
		c.unregister(id)
		return nil, transportError(ctx.Err())
	}
}

func (c *Conn) readLoop() {
	reader := bufio.NewReaderSize(c.conn, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			c.dispatch(line)
		}
		if err != nil {
			c.fail(transportError(fmt.Errorf("read failed: %w", err)))
			return
		}
	}
}

func (c *Conn) dispatch(line []byte) {
	line = bytes.TrimSpace(line)
	var responses []*rpcResponse
	if line[0] == '[' {
		if err := json.Unmarshal(line, &responses); err != nil {
			log.WithError(err).Warn("dropping malformed electrum batch response")
			return
		}
	} else {
		resp := &rpcResponse{}
		if err := json.Unmarshal(line, resp); err != nil {
			log.WithError(err).Warn("dropping malformed electrum response")
			return
		}
		responses = append(responses, resp)
	}

	for _, resp := range responses {
		if resp.ID == nil {
			if resp.Method != "" && c.opts.OnNotification != nil {
				c.opts.OnNotification(resp.Method, resp.Params)
			}
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[*resp.ID]
		delete(c.pending, *resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// fail marks the connection broken, releases every waiter and reports the
// error once.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	c.mu.Unlock()

	close(c.done)
	c.conn.Close()
	c.failPending()

	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}

func (c *Conn) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan *rpcResponse)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

func (c *Conn) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			_, err := c.Call(ctx, "server.ping")
			cancel()
			if err != nil && IsKind(err, KindTransport) {
				c.fail(err)
				return
			}
		case <-c.done:
			return
		}
	}
}
