package device

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/wire"
)

// The video router speaks a text protocol over TCP 9990. Messages are blocks
// separated by a blank line: a header of the form "SOME HEADER:" followed by
// "index payload" lines. Mutations are acknowledged with a bare "ACK" or
// "NAK" block. The device pushes unsolicited blocks when state changes on
// its panel.
const routerPort = 9990

// routerPending is one in-flight request. expect is a block header without
// the trailing colon, or "ACK" for mutations; incoming blocks resolve the
// oldest matching entry.
type routerPending struct {
	expect string
	ch     chan routerResult
}

type routerResult struct {
	lines []string
	err   error
}

// Router drives the video router.
type Router struct {
	log     zerolog.Logger
	addr    string
	onEvent EventFunc
	recon   reconnector

	mu     sync.Mutex
	conn   net.Conn
	closed bool
	ctx    context.Context

	pending []*routerPending

	inputLabels  map[int]string
	outputLabels map[int]string
	routing      map[int]int // output -> input
}

// NewRouter creates a router driver for host (port 9990 unless addr already
// carries one). onEvent may be nil.
func NewRouter(log zerolog.Logger, addr string, onEvent EventFunc) *Router {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = fmt.Sprintf("%s:%d", addr, routerPort)
	}
	l := log.With().Str("device", "router").Logger()
	return &Router{
		log:          l,
		addr:         addr,
		onEvent:      onEvent,
		recon:        reconnector{log: l},
		inputLabels:  make(map[int]string),
		outputLabels: make(map[int]string),
		routing:      make(map[int]int),
	}
}

func (r *Router) Name() string { return "router" }

// Connect dials the router, starts the read loop, and issues the three
// rehydration queries (input labels, output labels, routing). Calling it
// while connected is a no-op.
func (r *Router) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.conn != nil {
		r.mu.Unlock()
		return nil
	}
	r.closed = false
	r.ctx = ctx
	r.mu.Unlock()

	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return wire.WrapErr(wire.KindDeviceUnreachable, "router dial", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return nil
	}
	r.conn = conn
	r.mu.Unlock()

	r.log.Info().Str("addr", r.addr).Msg("connected")
	go r.readLoop(conn)
	go r.rehydrate()
	return nil
}

// rehydrate refreshes labels and routing after a connect. Failures are
// swallowed; the device pushes the same blocks on change anyway.
func (r *Router) rehydrate() {
	for _, header := range []string{"INPUT LABELS", "OUTPUT LABELS", "VIDEO OUTPUT ROUTING"} {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := r.query(ctx, header); err != nil {
			r.log.Debug().Str("block", header).Err(err).Msg("rehydrate query failed")
		}
		cancel()
	}
}

// Disconnect closes the link and stops reconnect attempts. Idempotent.
func (r *Router) Disconnect() {
	r.mu.Lock()
	r.closed = true
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// IsReachable probes the TCP port without keeping the connection.
func (r *Router) IsReachable(ctx context.Context) bool {
	r.mu.Lock()
	up := r.conn != nil
	r.mu.Unlock()
	if up {
		return true
	}
	d := net.Dialer{Timeout: probeTimeout}
	conn, err := d.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Connected reports whether the link is up.
func (r *Router) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// Snapshot returns the mirrored router state.
func (r *Router) Snapshot() wire.RouterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return wire.RouterStatus{
		Connected:  r.conn != nil,
		RouteCount: len(r.routing),
		Inputs:     len(r.inputLabels),
		Outputs:    len(r.outputLabels),
	}
}

func (r *Router) Status() any { return r.Snapshot() }

// InputLabel returns the label for an input, if known.
func (r *Router) InputLabel(input int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.inputLabels[input]
	return l, ok
}

// RouteOf returns the input currently routed to an output, if known.
func (r *Router) RouteOf(output int) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.routing[output]
	return in, ok
}

// Routes returns a copy of the full output -> input table.
func (r *Router) Routes() map[int]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]int, len(r.routing))
	for k, v := range r.routing {
		out[k] = v
	}
	return out
}

// Route connects an input to an output and waits for the ACK.
func (r *Router) Route(ctx context.Context, output, input int) error {
	if output < 0 || input < 0 {
		return wire.Errorf(wire.KindInvalidParams, "output and input must be >= 0")
	}
	return r.sendAwaitAck(ctx, fmt.Sprintf("VIDEO OUTPUT ROUTING:\n%d %d\n\n", output, input))
}

// SetInputLabel renames a router input and waits for the ACK.
func (r *Router) SetInputLabel(ctx context.Context, input int, label string) error {
	if input < 0 {
		return wire.Errorf(wire.KindInvalidParams, "input must be >= 0")
	}
	if label == "" {
		return wire.Errorf(wire.KindInvalidParams, "label is required")
	}
	return r.sendAwaitAck(ctx, fmt.Sprintf("INPUT LABELS:\n%d %s\n\n", input, label))
}

// SetOutputLabel renames a router output and waits for the ACK.
func (r *Router) SetOutputLabel(ctx context.Context, output int, label string) error {
	if output < 0 {
		return wire.Errorf(wire.KindInvalidParams, "output must be >= 0")
	}
	if label == "" {
		return wire.Errorf(wire.KindInvalidParams, "label is required")
	}
	return r.sendAwaitAck(ctx, fmt.Sprintf("OUTPUT LABELS:\n%d %s\n\n", output, label))
}

// query sends a bare block header and waits for the matching block.
func (r *Router) query(ctx context.Context, header string) ([]string, error) {
	res, err := r.send(ctx, header+":\n\n", header)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// sendAwaitAck sends a mutation block and waits for ACK or NAK.
func (r *Router) sendAwaitAck(ctx context.Context, block string) error {
	_, err := r.send(ctx, block, "ACK")
	return err
}

// send writes a block and registers a pending entry resolved by the read
// loop when a block matching expect arrives.
func (r *Router) send(ctx context.Context, block, expect string) ([]string, error) {
	p := &routerPending{expect: expect, ch: make(chan routerResult, 1)}

	r.mu.Lock()
	conn := r.conn
	if conn == nil {
		r.mu.Unlock()
		return nil, wire.Errorf(wire.KindDeviceUnreachable, "router not connected")
	}
	r.pending = append(r.pending, p)
	r.mu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte(block)); err != nil {
		r.removePending(p)
		r.dropConn(conn)
		return nil, wire.WrapErr(wire.KindDeviceUnreachable, "router write", err)
	}

	select {
	case res := <-p.ch:
		return res.lines, res.err
	case <-ctx.Done():
		r.removePending(p)
		return nil, wire.WrapErr(wire.KindTimeout, "router response", ctx.Err())
	}
}

func (r *Router) removePending(p *routerPending) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, q := range r.pending {
		if q == p {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}

// takePending removes and returns the oldest pending entry matching expect.
func (r *Router) takePending(expect string) *routerPending {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.pending {
		if p.expect == expect {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return p
		}
	}
	return nil
}

// readLoop accumulates lines into blocks and dispatches them.
func (r *Router) readLoop(conn net.Conn) {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)

	var lines []string
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line != "" {
			lines = append(lines, line)
			continue
		}
		if len(lines) > 0 {
			r.handleBlock(lines)
			lines = nil
		}
	}
	r.dropConn(conn)
}

// handleBlock applies one complete block: ACK/NAK resolve the oldest
// mutation, named blocks update state and resolve matching queries;
// unsolicited routing blocks push routeChanged events.
func (r *Router) handleBlock(lines []string) {
	head := lines[0]
	switch head {
	case "ACK":
		if p := r.takePending("ACK"); p != nil {
			p.ch <- routerResult{}
		}
		return
	case "NAK":
		if p := r.takePending("ACK"); p != nil {
			p.ch <- routerResult{err: wire.Errorf(wire.KindInvalidParams, "router rejected command")}
		}
		return
	}

	if !strings.HasSuffix(head, ":") {
		r.log.Debug().Str("block", head).Msg("unframed block")
		return
	}
	header := strings.TrimSuffix(head, ":")
	body := lines[1:]
	changed := r.applyBlock(header, body)

	if p := r.takePending(header); p != nil {
		p.ch <- routerResult{lines: body}
		return
	}
	// Unsolicited push from the device panel.
	for _, c := range changed {
		r.emit("route_changed", c)
	}
}

// applyBlock folds a block's lines into local state and returns routeChanged
// payloads for routing rows that actually changed.
func (r *Router) applyBlock(header string, body []string) []map[string]any {
	var changed []map[string]any

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, line := range body {
		idxStr, payload, _ := strings.Cut(line, " ")
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			continue
		}
		switch header {
		case "INPUT LABELS":
			r.inputLabels[idx] = payload
		case "OUTPUT LABELS":
			r.outputLabels[idx] = payload
		case "VIDEO OUTPUT ROUTING":
			input, err := strconv.Atoi(payload)
			if err != nil {
				continue
			}
			if prev, ok := r.routing[idx]; !ok || prev != input {
				changed = append(changed, map[string]any{"output": idx, "input": input})
			}
			r.routing[idx] = input
		}
	}
	return changed
}

// dropConn clears the connection if it is still current, fails outstanding
// requests, and schedules a reconnect unless Disconnect was called.
func (r *Router) dropConn(conn net.Conn) {
	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	closed := r.closed
	ctx := r.ctx
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	conn.Close()
	for _, p := range pending {
		p.ch <- routerResult{err: wire.Errorf(wire.KindDeviceUnreachable, "router connection lost")}
	}
	if closed {
		return
	}
	r.log.Warn().Msg("connection lost")
	r.recon.trigger(ctx, r.Connect)
}

func (r *Router) emit(event string, data map[string]any) {
	if r.onEvent != nil {
		r.onEvent(event, data)
	}
}
