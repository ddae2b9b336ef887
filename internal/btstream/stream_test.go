package btstream

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/mock/gomock"

	"github.com/mpretty-cyro/oxen-libquic/internal/loop"
)

// pipeStream adapts a net.Conn (from net.Pipe) to the Stream interface;
// QUIC stream cancellation has no analogue over a plain pipe, so those
// methods are no-ops for this fake.
type pipeStream struct {
	net.Conn
}

func (pipeStream) CancelRead(quic.StreamErrorCode)  {}
func (pipeStream) CancelWrite(quic.StreamErrorCode) {}

func TestRoundTrip_CommandAndResponse(t *testing.T) {
	l := loop.New()
	defer l.Shutdown(false)

	a, b := net.Pipe()
	client := Open(l, pipeStream{a})
	server := Open(l, pipeStream{b})
	defer client.Close()
	defer server.Close()

	server.Handle("end", func(msg *Message) {
		_ = msg.Respond([]byte("pong"), false)
	})

	done := make(chan struct{})
	var gotBody []byte

	if _, err := client.SendCommand("end", []byte("ping"), time.Second, func(msg *Message, err error) {
		if err != nil {
			t.Errorf("completion error: %v", err)
		} else {
			gotBody = append([]byte(nil), msg.Body...)
		}
		close(done)
	}); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("round trip never completed")
	}

	if string(gotBody) != "pong" {
		t.Fatalf("completion body = %q, want %q", gotBody, "pong")
	}
}

func TestFeed_ChunkBoundariesAllDeliverOneCommand(t *testing.T) {
	frame := encodeCommand(42, []byte("end"), nil)
	prefixed := []byte(itoa(len(frame)) + ":")
	full := append(prefixed, frame...)

	for _, chunkSize := range []int{1, 3, 5, len(full)} {
		l := loop.New()

		a, b := net.Pipe()
		srv := Open(l, pipeStream{b})

		var dispatched atomic.Int64
		var mu sync.Mutex
		var lastEndpoint string
		var lastReqID int64

		srv.Handle("end", func(msg *Message) {
			mu.Lock()
			lastEndpoint = string(msg.Endpoint)
			lastReqID = msg.ReqID
			mu.Unlock()
			dispatched.Add(1)
		})

		go func() {
			for off := 0; off < len(full); {
				n := chunkSize
				if off+n > len(full) {
					n = len(full) - off
				}
				_, _ = a.Write(full[off : off+n])
				off += n
			}
		}()

		deadline := time.Now().Add(time.Second)
		for dispatched.Load() == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}

		if got := dispatched.Load(); got != 1 {
			t.Fatalf("chunk size %d: dispatched %d commands, want 1", chunkSize, got)
		}

		mu.Lock()
		if lastEndpoint != "end" || lastReqID != 42 {
			t.Fatalf("chunk size %d: got endpoint=%q req_id=%d", chunkSize, lastEndpoint, lastReqID)
		}
		mu.Unlock()

		srv.Close()
		_ = a.Close()
		l.Shutdown(false)
	}
}

func TestOversizedLengthPrefix_ClosesWithProtocolError(t *testing.T) {
	l := loop.New()
	defer l.Shutdown(false)

	ctrl := gomock.NewController(t)
	mock := NewMockStream(ctrl)

	readCh := make(chan struct{})
	mock.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
		n := copy(p, []byte("999999999999999:"))
		return n, nil
	}).Times(1)
	mock.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
		<-readCh
		return 0, net.ErrClosed
	}).AnyTimes()
	mock.EXPECT().CancelWrite(protocolErrorCode)
	mock.EXPECT().CancelRead(protocolErrorCode)
	mock.EXPECT().Close().Return(nil)

	Open(l, mock)

	time.Sleep(50 * time.Millisecond)
	close(readCh)
}

func TestRequestTimeout_FiresWithoutResponse(t *testing.T) {
	l := loop.New()
	defer l.Shutdown(false)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	client := Open(l, pipeStream{a}, WithSweepInterval(5*time.Millisecond))
	defer client.Close()

	// Drain whatever the client writes so net.Pipe doesn't block it, but
	// never answer: the peer never responds.
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := b.Read(buf); err != nil {
				return
			}
		}
	}()

	done := make(chan error, 1)
	start := time.Now()

	if _, err := client.SendCommand("end", []byte("ping"), 30*time.Millisecond, func(msg *Message, err error) {
		done <- err
	}); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	select {
	case err := <-done:
		if err != ErrTimedOut {
			t.Fatalf("completion err = %v, want ErrTimedOut", err)
		}
		if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
			t.Fatalf("timeout fired too early: %v", elapsed)
		}
	case <-time.After(time.Second):
		t.Fatal("request never timed out")
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}

	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}

	return string(buf[i:])
}
