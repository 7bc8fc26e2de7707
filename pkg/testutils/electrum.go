package testutils

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"sync"
	"testing"
)

// ElectrumError is the error object a handler answers with
type ElectrumError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ElectrumHandler answers one request
type ElectrumHandler func(params []json.RawMessage) (interface{}, *ElectrumError)

type electrumRequest struct {
	ID     *uint64           `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type electrumResponse struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      *uint64        `json:"id"`
	Result  interface{}    `json:"result"`
	Error   *ElectrumError `json:"error,omitempty"`
}

// ElectrumServer is a line-delimited JSON-RPC server speaking enough of the
// Electrum protocol for tests. It answers server.version, server.ping and
// blockchain.headers.subscribe out of the box.
type ElectrumServer struct {
	t        *testing.T
	listener net.Listener

	mu       sync.Mutex
	handlers map[string]ElectrumHandler
	calls    map[string]int
	batches  int
	conns    []net.Conn

	wg sync.WaitGroup
}

// NewElectrumServer starts a server on a random local port. It is closed
// when the test ends.
func NewElectrumServer(t *testing.T) *ElectrumServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &ElectrumServer{
		t:        t,
		listener: listener,
		handlers: make(map[string]ElectrumHandler),
		calls:    make(map[string]int),
	}
	s.Handle("server.version", func([]json.RawMessage) (interface{}, *ElectrumError) {
		return []string{"ElectrumX 1.16.0", "1.4"}, nil
	})
	s.Handle("server.ping", func([]json.RawMessage) (interface{}, *ElectrumError) {
		return nil, nil
	})
	s.Handle("blockchain.headers.subscribe", func([]json.RawMessage) (interface{}, *ElectrumError) {
		return map[string]interface{}{"height": 800000, "hex": ""}, nil
	})

	s.wg.Add(1)
	go s.accept()
	t.Cleanup(s.Close)
	return s
}

// Handle sets the handler for method
func (s *ElectrumServer) Handle(method string, h ElectrumHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Host returns the listening host
func (s *ElectrumServer) Host() string {
	return s.listener.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listening port
func (s *ElectrumServer) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Calls returns how many requests for method were received, batched or not
func (s *ElectrumServer) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Batches returns how many batch arrays were received
func (s *ElectrumServer) Batches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

// Notify pushes a notification to every open connection
func (s *ElectrumServer) Notify(method string, params interface{}) {
	data, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
	if err != nil {
		s.t.Errorf("failed to encode notification: %v", err)
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	conns := append([]net.Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, conn := range conns {
		conn.Write(data)
	}
}

// DropConnections closes every open connection, leaving the listener up
func (s *ElectrumServer) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

// Close stops the server
func (s *ElectrumServer) Close() {
	s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *ElectrumServer) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *ElectrumServer) serve(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var out interface{}
		if line[0] == '[' {
			var reqs []electrumRequest
			if err := json.Unmarshal(line, &reqs); err != nil {
				return
			}
			s.mu.Lock()
			s.batches++
			s.mu.Unlock()
			responses := make([]electrumResponse, len(reqs))
			for i, req := range reqs {
				responses[i] = s.answer(req)
			}
			out = responses
		} else {
			var req electrumRequest
			if err := json.Unmarshal(line, &req); err != nil {
				return
			}
			out = s.answer(req)
		}

		data, err := json.Marshal(out)
		if err != nil {
			s.t.Errorf("failed to encode response: %v", err)
			return
		}
		if _, err := conn.Write(append(data, '\n')); err != nil {
			return
		}
	}
}

func (s *ElectrumServer) answer(req electrumRequest) electrumResponse {
	s.mu.Lock()
	s.calls[req.Method]++
	h, ok := s.handlers[req.Method]
	s.mu.Unlock()

	resp := electrumResponse{JSONRPC: "2.0", ID: req.ID}
	if !ok {
		resp.Error = &ElectrumError{Code: -32601, Message: "unknown method " + req.Method}
		return resp
	}
	resp.Result, resp.Error = h(req.Params)
	return resp
}
