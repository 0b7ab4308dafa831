// Package interceptor implements the captured-syscall stream contract of
// spec §4.6/§6.2: on the leader, every accept/read/write/close on an
// accepted client connection is turned into a log entry before the
// connection's data reaches the backing application; on a follower, the
// same entries are replayed against a second, locally dialed connection to
// the same application.
//
// Go cannot hook libc accept/read/write/close directly, so this package
// gets the same effect the idiomatic Go way: by wrapping net.Listener and
// net.Conn, the way the teacher's pkg/ingress wraps net.Listener to front
// an HTTP reverse proxy. A wrapped Accept/Read/Write/Close is exactly the
// "syscall capture" the spec describes, narrowed from a process-wide
// interposition to the connections this package itself hands out.
package interceptor

import (
	"context"
	"hash/crc64"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dare-rsm/dare-core/pkg/logging"
	"github.com/dare-rsm/dare-core/pkg/types"
	"github.com/rs/zerolog"
)

// Proposer is the subset of consensus.Engine the capture path needs: submit
// a header+payload and get back the offset it landed at. Keeping this as an
// interface (rather than importing pkg/consensus directly) avoids a
// dependency cycle, since consensus already depends on pkg/ledger/transport.
type Proposer interface {
	Propose(ctx context.Context, header types.EntryHeader, payload []byte) (int64, error)
}

// outputChunkBytes is the §6.2 rolling-hash chunk size: the CRC is folded in
// 16-byte chunks of output.
const outputChunkBytes = 16

// Config tunes the capture path.
type Config struct {
	SelfIdx uint8
	// CheckOutput mirrors mgr_global_config.check_output (§6.5): when false,
	// writes are passed through without ever producing an OUTPUT entry.
	CheckOutput bool
	// OutputInterval is the number of output chunks accumulated before an
	// OUTPUT entry is submitted (a hash index advances by one per entry).
	OutputInterval int
}

// Capture wraps a net.Listener, turning each accepted connection's
// lifecycle and traffic into CONNECT/SEND/CLOSE/OUTPUT log entries (§4.6
// leader side) before handing the connection to appHandler.
type Capture struct {
	ln      net.Listener
	propose Proposer
	stamp   func() types.MsgVS
	cfg     Config
	logger  zerolog.Logger
}

// NewCapture creates a capture wrapper around ln. stamp assigns the next
// {cur_view, prev_req_id+1} position (§4.4.1 step 1) to every entry this
// capture originates; ordinarily consensus.Engine.NextMsgVS, so captured
// traffic and the replication engine's own entries (election blanks, config
// changes) share one counter and can never collide within a view.
func NewCapture(ln net.Listener, propose Proposer, stamp func() types.MsgVS, cfg Config) *Capture {
	return &Capture{
		ln:      ln,
		propose: propose,
		stamp:   stamp,
		cfg:     cfg,
		logger:  logging.WithComponent("interceptor").With().Uint8("node", cfg.SelfIdx).Logger(),
	}
}

// Serve accepts connections until the listener closes, capturing each one.
// appHandler receives the captured net.Conn in place of the raw accepted
// connection and should treat it exactly like a normal client connection.
func (c *Capture) Serve(appHandler func(net.Conn)) error {
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			return err
		}
		cltID := c.stamp()
		if _, err := c.propose.Propose(context.Background(), types.EntryHeader{
			MsgVS:  cltID,
			NodeID: c.cfg.SelfIdx,
			Type:   types.EntryConnect,
			CltID:  cltID,
		}, nil); err != nil {
			c.logger.Warn().Err(err).Msg("interceptor: CONNECT propose failed")
			conn.Close()
			continue
		}
		wrapped := &capturingConn{
			Conn:    conn,
			capture: c,
			cltID:   cltID,
		}
		if c.cfg.CheckOutput {
			wrapped.hashing = true
		}
		go appHandler(wrapped)
	}
}

// Close closes the underlying listener.
func (c *Capture) Close() error { return c.ln.Close() }

// capturingConn wraps an accepted net.Conn, submitting SEND on Read, OUTPUT
// on Write (when enabled), and CLOSE on Close (§4.6 leader side).
type capturingConn struct {
	net.Conn
	capture *Capture
	cltID   types.MsgVS

	hashing    bool
	crcTable   *crc64.Table
	acc        uint64
	accBytes   int
	hashIndex  uint64
	closeOnce  sync.Once
}

func (cc *capturingConn) Read(p []byte) (int, error) {
	n, err := cc.Conn.Read(p)
	if n > 0 {
		data := append([]byte(nil), p[:n]...)
		if _, pErr := cc.capture.propose.Propose(context.Background(), types.EntryHeader{
			MsgVS:  cc.capture.stamp(),
			NodeID: cc.capture.cfg.SelfIdx,
			Type:   types.EntrySend,
			CltID:  cc.cltID,
		}, data); pErr != nil {
			cc.capture.logger.Warn().Err(pErr).Msg("interceptor: SEND propose failed")
		}
	}
	return n, err
}

func (cc *capturingConn) Write(p []byte) (int, error) {
	n, err := cc.Conn.Write(p)
	if n > 0 && cc.hashing {
		cc.foldOutput(p[:n])
	}
	return n, err
}

// foldOutput folds written bytes into the rolling CRC-64 in 16-byte chunks
// and submits an OUTPUT entry once a full hash interval has accumulated
// (§4.6, §6.2: "rolling 64-bit CRC over 16-byte chunks").
func (cc *capturingConn) foldOutput(p []byte) {
	if cc.crcTable == nil {
		cc.crcTable = crc64.MakeTable(crc64.ISO)
	}
	off := 0
	for off < len(p) {
		end := off + outputChunkBytes
		if end > len(p) {
			end = len(p)
		}
		cc.acc = crc64.Update(cc.acc, cc.crcTable, p[off:end])
		cc.accBytes += end - off
		off = end

		interval := cc.capture.cfg.OutputInterval
		if interval <= 0 {
			interval = 1
		}
		if cc.accBytes >= interval*outputChunkBytes {
			cc.emitOutput()
		}
	}
}

func (cc *capturingConn) emitOutput() {
	idx := atomic.AddUint64(&cc.hashIndex, 1)
	payload := EncodeOutputPayload(idx, cc.acc)
	if _, err := cc.capture.propose.Propose(context.Background(), types.EntryHeader{
		MsgVS:  cc.capture.stamp(),
		NodeID: cc.capture.cfg.SelfIdx,
		Type:   types.EntryOutput,
		CltID:  cc.cltID,
	}, payload); err != nil {
		cc.capture.logger.Warn().Err(err).Msg("interceptor: OUTPUT propose failed")
	}
	cc.accBytes = 0
}

func (cc *capturingConn) Close() error {
	var err error
	cc.closeOnce.Do(func() {
		err = cc.Conn.Close()
		if _, pErr := cc.capture.propose.Propose(context.Background(), types.EntryHeader{
			MsgVS:  cc.capture.stamp(),
			NodeID: cc.capture.cfg.SelfIdx,
			Type:   types.EntryClose,
			CltID:  cc.cltID,
		}, nil); pErr != nil {
			cc.capture.logger.Warn().Err(pErr).Msg("interceptor: CLOSE propose failed")
		}
		// NOP entry, piggy-backing the CLOSE commit onto the next
		// heartbeat-equivalent message (§4.6).
		_, _ = cc.capture.propose.Propose(context.Background(), types.EntryHeader{
			MsgVS:  cc.capture.stamp(),
			NodeID: cc.capture.cfg.SelfIdx,
			Type:   types.EntryNop,
			CltID:  cc.cltID,
		}, nil)
	})
	return err
}
