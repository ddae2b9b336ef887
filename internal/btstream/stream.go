package btstream

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/quic-go/quic-go"

	"github.com/mpretty-cyro/oxen-libquic/internal/config"
	"github.com/mpretty-cyro/oxen-libquic/internal/logging"
	"github.com/mpretty-cyro/oxen-libquic/internal/loop"
	"github.com/mpretty-cyro/oxen-libquic/internal/ticker"
)

// protocolErrorCode is the QUIC stream error code used when closing a
// stream for a framing violation.
const protocolErrorCode quic.StreamErrorCode = 1

var (
	ErrClosed          = errors.New("btstream: stream closed")
	ErrTimedOut        = errors.New("btstream: request timed out")
	ErrOversized       = errors.New("btstream: message exceeds MaxReqLen")
	ErrBadLengthPrefix = errors.New("btstream: bad length prefix")
)

// Stream is the subset of *quic.Stream BTRequestStream needs. Defined as an
// interface so tests can exercise parsing and dispatch against an in-memory
// fake or a go.uber.org/mock-generated double without a live QUIC
// handshake.
type Stream interface {
	io.Reader
	io.Writer
	CancelRead(quic.StreamErrorCode)
	CancelWrite(quic.StreamErrorCode)
	Close() error
}

// HandlerFunc handles an inbound Command dispatched to a registered
// endpoint name. It runs on the owning Loop thread; msg.Respond may be
// called synchronously or stashed for later use.
type HandlerFunc func(msg *Message)

// CompletionFunc is invoked, on the owning Loop thread, exactly once per
// outbound request: with the peer's Response/Error message and a nil error
// on success, or with a nil message and a non-nil error (ErrTimedOut or
// ErrClosed) if the request never completed.
type CompletionFunc func(msg *Message, err error)

// Option configures a BTRequestStream at construction time.
type Option func(*BTRequestStream)

// WithLogger overrides the default no-op Logger.
func WithLogger(l logging.Logger) Option {
	return func(s *BTRequestStream) { s.logger = l }
}

// WithCallerID tags the timeout-sweep Ticker this stream creates, so a
// Network that owns this stream can cancel it via loop.StopTickers without
// disturbing sibling streams on the same Loop.
func WithCallerID(id loop.CallerID) Option {
	return func(s *BTRequestStream) { s.callerID = id }
}

// WithSweepInterval overrides config.DefaultSweepInterval.
func WithSweepInterval(d time.Duration) Option {
	return func(s *BTRequestStream) { s.sweepInterval = d }
}

type pendingRequest struct {
	id          int64
	hasDeadline bool
	deadline    time.Time
	complete    CompletionFunc
}

// BTRequestStream is a framed request/response protocol layered atop a
// single Stream.
type BTRequestStream struct {
	lp       *loop.Loop
	callerID loop.CallerID
	logger   logging.Logger
	conn     Stream

	sweepInterval time.Duration
	sweep         *ticker.Ticker

	nextReqID atomic.Int64

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  []*pendingRequest // sorted ascending by id
	handlers map[string]HandlerFunc
	closed   bool

	// receive-side incremental parser state; owned by the single reader
	// goroutine in readLoop, never touched elsewhere.
	inBodyState bool
	lengthBuf   []byte
	expectedLen int
	bodyBuf     []byte
}

// Open starts a BTRequestStream atop conn and begins reading immediately.
func Open(l *loop.Loop, conn Stream, opts ...Option) *BTRequestStream {
	s := &BTRequestStream{
		lp:            l,
		logger:        logging.NewNop(),
		conn:          conn,
		sweepInterval: config.DefaultSweepInterval,
		handlers:      make(map[string]HandlerFunc),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.sweep = ticker.Every(l, s.sweepInterval, s.sweepTimeouts,
		ticker.WithCallerID(s.callerID), ticker.WithStartImmediately())

	go s.readLoop()

	return s
}

// Handle registers h to receive Commands addressed to endpoint. Replaces
// any previously registered handler for the same name.
func (s *BTRequestStream) Handle(endpoint string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers[endpoint] = h
}

// SendCommand issues a Command to endpoint with the given body. If
// deadline > 0, complete fires with ErrTimedOut if no Response/Error
// arrives in time; the timeout is reported by the periodic sweep, which
// does not pass an older request that is still pending (see
// sweepTimeouts). It returns the assigned request id.
func (s *BTRequestStream) SendCommand(endpoint string, body []byte, deadline time.Duration, complete CompletionFunc) (int64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}

	id := s.nextReqID.Add(1)

	pr := &pendingRequest{id: id, complete: complete}
	if deadline > 0 {
		pr.hasDeadline = true
		pr.deadline = time.Now().Add(deadline)
	}

	// Ids are assigned monotonically and appended in order, so pending
	// stays sorted by id without needing an insertion search.
	s.pending = append(s.pending, pr)
	s.mu.Unlock()

	if err := s.sendFrame(encodeCommand(id, []byte(endpoint), body)); err != nil {
		s.removePending(id)
		return 0, err
	}

	return id, nil
}

func (s *BTRequestStream) sendFrame(frame []byte) error {
	if len(frame) > config.MaxReqLen {
		return ErrOversized
	}

	prefix := strconv.Itoa(len(frame))
	if len(prefix) > config.MaxReqLenEncoded {
		return ErrOversized
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := io.WriteString(s.conn, prefix+":"); err != nil {
		return err
	}

	_, err := s.conn.Write(frame)

	return err
}

func (s *BTRequestStream) removePending(id int64) *pendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.pending), func(i int) bool { return s.pending[i].id >= id })
	if i < len(s.pending) && s.pending[i].id == id {
		pr := s.pending[i]
		s.pending = append(s.pending[:i:i], s.pending[i+1:]...)

		return pr
	}

	return nil
}

// sweepTimeouts runs on the Loop thread (invoked via the Ticker). pending
// is sorted by id and the sweep walks it from the oldest entry, halting at
// the first one that has no deadline or whose deadline has not passed. With
// equal deadlines that leaves exactly the expired entries behind; an entry
// with a shorter deadline than an older pending one is not timed out until
// every older entry ahead of it has completed or expired.
func (s *BTRequestStream) sweepTimeouts() {
	now := time.Now()

	s.mu.Lock()
	i := 0
	for ; i < len(s.pending); i++ {
		pr := s.pending[i]
		if !pr.hasDeadline || pr.deadline.After(now) {
			break
		}
	}
	expired := s.pending[:i:i]
	s.pending = s.pending[i:]
	s.mu.Unlock()

	for _, pr := range expired {
		pr.complete(nil, ErrTimedOut)
	}
}

const readChunkSize = 4096

func (s *BTRequestStream) readLoop() {
	buf := make([]byte, readChunkSize)

	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if perr := s.feed(buf[:n]); perr != nil {
				s.closeWithProtocolError(perr)
				return
			}
		}

		if err != nil {
			_ = s.closeTransport(ErrClosed)
			return
		}
	}
}

// feed advances the two-state incremental parser over a freshly read
// chunk. Leftover bytes after a completed message continue being consumed
// from the same chunk, re-entering length state.
func (s *BTRequestStream) feed(chunk []byte) error {
	for _, b := range chunk {
		if !s.inBodyState {
			switch {
			case b == ':':
				if len(s.lengthBuf) == 0 {
					return ErrBadLengthPrefix
				}

				n, err := strconv.Atoi(string(s.lengthBuf))
				if err != nil || n <= 0 || n > config.MaxReqLen {
					return ErrBadLengthPrefix
				}

				s.expectedLen = n
				s.bodyBuf = make([]byte, 0, n)
				s.lengthBuf = s.lengthBuf[:0]
				s.inBodyState = true

			case b >= '0' && b <= '9':
				s.lengthBuf = append(s.lengthBuf, b)
				if len(s.lengthBuf) > config.MaxReqLenEncoded {
					return ErrBadLengthPrefix
				}

			default:
				return ErrBadLengthPrefix
			}

			continue
		}

		s.bodyBuf = append(s.bodyBuf, b)

		if len(s.bodyBuf) == s.expectedLen {
			body := s.bodyBuf
			s.bodyBuf = nil
			s.inBodyState = false
			s.expectedLen = 0

			msg, err := parseMessage(body)
			if err != nil {
				return err
			}

			s.dispatch(msg)
		}
	}

	return nil
}

func (s *BTRequestStream) dispatch(msg *Message) {
	msg.stream = weak.Make(s)

	_ = s.lp.CallSoon(func() {
		if msg.Kind == KindCommand {
			s.dispatchCommand(msg)
			return
		}

		s.dispatchCompletion(msg)
	})
}

func (s *BTRequestStream) dispatchCommand(msg *Message) {
	s.mu.Lock()
	h, ok := s.handlers[string(msg.Endpoint)]
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("btstream: no handler registered for endpoint", string(msg.Endpoint))
		return
	}

	h(msg)
}

func (s *BTRequestStream) dispatchCompletion(msg *Message) {
	pr := s.removePending(msg.ReqID)
	if pr == nil {
		// An unmatched Response/Error (no pending request with this id,
		// already timed out, or a duplicate) is dropped and logged rather
		// than treated as a protocol violation.
		s.logger.Debug("btstream: dropping unmatched response for req_id", msg.ReqID)
		return
	}

	pr.complete(msg, nil)
}

// Close gracefully closes the underlying stream and fails every in-flight
// request with ErrClosed. The handler table is left intact.
func (s *BTRequestStream) Close() error {
	return s.closeTransport(ErrClosed)
}

func (s *BTRequestStream) closeTransport(cause error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.closed = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	s.sweep.Close()

	closeErr := s.conn.Close()

	_ = s.lp.CallSoon(func() {
		for _, pr := range pending {
			pr.complete(nil, cause)
		}
	})

	return closeErr
}

func (s *BTRequestStream) closeWithProtocolError(cause error) {
	s.logger.Error("btstream: protocol error, closing stream:", cause)

	s.conn.CancelWrite(protocolErrorCode)
	s.conn.CancelRead(protocolErrorCode)

	_ = s.closeTransport(fmt.Errorf("%w: %v", ErrClosed, cause))
}
