package bridge

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws/wsflate"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hicat-tech/livera-bridge/internal/buffer"
	"github.com/hicat-tech/livera-bridge/internal/capture"
	"github.com/hicat-tech/livera-bridge/internal/model"
	"github.com/hicat-tech/livera-bridge/internal/reassembly"
	"github.com/hicat-tech/livera-bridge/internal/serial"
	"github.com/hicat-tech/livera-bridge/internal/serial/serialtest"
	"github.com/hicat-tech/livera-bridge/internal/session"
)

type testBridge struct {
	*Dispatcher
	driver *serialtest.FakeDriver
}

func newTestBridge(t *testing.T, echoLimit int, mutate func(*Options)) *testBridge {
	t.Helper()

	driver := serialtest.NewFakeDriver()
	channel := serial.NewChannel(driver, serial.Options{
		Device: "/dev/ttyTEST0",
		Baud:   115200,
		Logger: zerolog.Nop(),
	})
	registry := session.NewRegistry(session.Options{
		MaxPayload: 16,
		SendQueue:  8,
		EchoLimit:  echoLimit,
		Logger:     zerolog.Nop(),
	})

	opts := Options{
		MaxPayload:   16,
		PollInterval: 5 * time.Millisecond,
		DrainTimeout: 50 * time.Millisecond,
		Logger:       zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	return &testBridge{Dispatcher: New(channel, registry, opts), driver: driver}
}

func text(payload string) reassembly.Frame {
	return reassembly.Frame{Op: reassembly.OpText, Fin: true, Payload: []byte(payload)}
}

func nextOutbound(t *testing.T, s *session.Session) []byte {
	t.Helper()
	select {
	case p := <-s.Outbound():
		return p
	case <-time.After(time.Second):
		t.Fatalf("session %s received nothing", s.ID())
		return nil
	}
}

func TestDispatcher_SingleMessage(t *testing.T) {
	b := newTestBridge(t, -1, nil)
	s, err := b.Connect("127.0.0.1:1000")
	require.NoError(t, err)

	require.NoError(t, b.HandleFrame(s.ID(), text("hello")))

	require.Equal(t, "hello", string(b.driver.Written()))
	require.Equal(t, 1, b.driver.Opens())
	require.Equal(t, serial.StateOpen, b.Channel().State())
}

func TestDispatcher_FragmentedMessageIsWrittenOnce(t *testing.T) {
	b := newTestBridge(t, -1, nil)
	s, err := b.Connect("")
	require.NoError(t, err)

	require.NoError(t, b.HandleFrame(s.ID(), reassembly.Frame{Op: reassembly.OpText, Payload: []byte("he")}))
	require.NoError(t, b.HandleFrame(s.ID(), reassembly.Frame{Op: reassembly.OpContinuation, Payload: []byte("ll")}))
	require.Empty(t, b.driver.Writes())
	require.NoError(t, b.HandleFrame(s.ID(), reassembly.Frame{Op: reassembly.OpContinuation, Fin: true, Payload: []byte("o")}))

	require.Equal(t, [][]byte{[]byte("hello")}, b.driver.Writes())
}

func TestDispatcher_SerialOutputReachesEverySession(t *testing.T) {
	b := newTestBridge(t, -1, nil)
	first, err := b.Connect("")
	require.NoError(t, err)
	second, err := b.Connect("")
	require.NoError(t, err)

	_, err = b.Channel().EnsureOpen()
	require.NoError(t, err)

	b.driver.Feed([]byte("ACK\n"))
	b.pollOnce()

	require.Equal(t, "ACK\n", string(nextOutbound(t, first)))
	require.Equal(t, "ACK\n", string(nextOutbound(t, second)))
}

func TestDispatcher_AbsentDeviceThenReconnect(t *testing.T) {
	b := newTestBridge(t, -1, nil)
	s, err := b.Connect("")
	require.NoError(t, err)

	b.driver.SetAbsent(true)
	require.NoError(t, b.HandleFrame(s.ID(), text("lost")))
	require.Empty(t, b.driver.Writes())
	require.Equal(t, serial.StateUnopened, b.Channel().State())

	_, ok := b.Registry().Get(s.ID())
	require.True(t, ok, "serial failure must not close the session")

	b.driver.SetAbsent(false)
	require.NoError(t, b.HandleFrame(s.ID(), text("hello")))
	require.Equal(t, "hello", string(b.driver.Written()))
	require.Equal(t, 2, b.driver.Opens())
}

func TestDispatcher_WriteFailureDoesNotBlockNextMessage(t *testing.T) {
	b := newTestBridge(t, -1, nil)
	s, err := b.Connect("")
	require.NoError(t, err)

	_, err = b.Channel().EnsureOpen()
	require.NoError(t, err)

	b.driver.FailWrites(1)
	require.NoError(t, b.HandleFrame(s.ID(), text("M")))
	require.Equal(t, serial.StateError, b.Channel().State())

	require.NoError(t, b.HandleFrame(s.ID(), text("M+1")))
	require.Equal(t, "M+1", string(b.driver.Written()))
	require.Equal(t, serial.StateOpen, b.Channel().State())
}

func TestDispatcher_OversizedMessageKeepsSession(t *testing.T) {
	b := newTestBridge(t, -1, nil)
	s, err := b.Connect("")
	require.NoError(t, err)

	require.NoError(t, b.HandleFrame(s.ID(), text("0123456789abcdefXYZ")))
	require.Empty(t, b.driver.Writes())

	require.NoError(t, b.HandleFrame(s.ID(), text("ok")))
	require.Equal(t, "ok", string(b.driver.Written()))
}

func TestDispatcher_ProtocolViolationIsReturned(t *testing.T) {
	b := newTestBridge(t, -1, nil)
	s, err := b.Connect("")
	require.NoError(t, err)

	err = b.HandleFrame(s.ID(), reassembly.Frame{Op: reassembly.OpContinuation, Fin: true, Payload: []byte("x")})
	require.True(t, model.IsTransportError(err))

	require.ErrorIs(t, b.HandleFrame("unknown", text("x")), model.ErrSessionNotFound)
}

func TestDispatcher_CompressedMessageIsInflated(t *testing.T) {
	b := newTestBridge(t, -1, nil)
	s, err := b.Connect("")
	require.NoError(t, err)

	compressed, err := wsflate.DefaultHelper.Compress([]byte("hello"))
	require.NoError(t, err)

	frame := reassembly.Frame{Op: reassembly.OpBinary, Fin: true, Payload: compressed, Compressed: true}
	require.NoError(t, b.HandleFrame(s.ID(), frame))
	require.Equal(t, "hello", string(b.driver.Written()))

	bad := reassembly.Frame{Op: reassembly.OpBinary, Fin: true, Payload: []byte{0xff, 0xff, 0xff}, Compressed: true}
	require.True(t, model.IsTransportError(b.HandleFrame(s.ID(), bad)))
}

func TestDispatcher_EchoLimit(t *testing.T) {
	b := newTestBridge(t, 2, nil)
	s, err := b.Connect("")
	require.NoError(t, err)

	require.NoError(t, b.HandleFrame(s.ID(), text("one")))
	require.ErrorIs(t, b.HandleFrame(s.ID(), text("two")), model.ErrEchoLimitReached)
	require.Equal(t, "onetwo", string(b.driver.Written()))
}

func TestDispatcher_ReplayAndCapture(t *testing.T) {
	var cast bytes.Buffer
	recorder, err := capture.NewWithWriter(&cast, "/dev/ttyTEST0", 115200)
	require.NoError(t, err)

	b := newTestBridge(t, -1, func(o *Options) {
		o.Replay = buffer.NewRingBuffer(64)
		o.Capture = recorder
	})

	early, err := b.Connect("")
	require.NoError(t, err)
	require.NoError(t, b.HandleFrame(early.ID(), text("AT\r")))

	b.driver.Feed([]byte("boot ok\n"))
	b.pollOnce()
	require.Equal(t, "boot ok\n", string(nextOutbound(t, early)))

	late, err := b.Connect("")
	require.NoError(t, err)
	require.Equal(t, "boot ok\n", string(nextOutbound(t, late)))

	require.Contains(t, cast.String(), `"i","AT\r"`)
	require.Contains(t, cast.String(), `"o","boot ok\n"`)
}

func TestDispatcher_SlowSessionDoesNotStarveOthers(t *testing.T) {
	b := newTestBridge(t, -1, nil)
	slow, err := b.Connect("")
	require.NoError(t, err)
	fast, err := b.Connect("")
	require.NoError(t, err)

	_, err = b.Channel().EnsureOpen()
	require.NoError(t, err)

	// The queue holds 8 payloads; the slow session never drains.
	for i := 0; i < 12; i++ {
		b.driver.Feed([]byte(fmt.Sprintf("line %d\n", i)))
		b.pollOnce()
		require.Equal(t, fmt.Sprintf("line %d\n", i), string(nextOutbound(t, fast)))
	}

	require.True(t, slow.IsClosed())
	_, ok := b.Registry().Get(slow.ID())
	require.False(t, ok)
}

func TestDispatcher_ConcurrentSessionsNeverInterleave(t *testing.T) {
	b := newTestBridge(t, -1, nil)

	const sessions, messages = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, sessions*messages)
	for i := 0; i < sessions; i++ {
		s, err := b.Connect("")
		require.NoError(t, err)

		wg.Add(1)
		go func(id string, n int) {
			defer wg.Done()
			for j := 0; j < messages; j++ {
				if err := b.HandleFrame(id, text(fmt.Sprintf("s%d-m%02d;", n, j))); err != nil {
					errs <- err
				}
			}
		}(s.ID(), i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	writes := b.driver.Writes()
	require.Len(t, writes, sessions*messages)

	next := make(map[string]int)
	for _, w := range writes {
		var n, j int
		_, err := fmt.Sscanf(string(w), "s%d-m%d;", &n, &j)
		require.NoError(t, err, "write %q is not a whole message", w)

		key := fmt.Sprint(n)
		require.Equal(t, next[key], j, "session %d out of order", n)
		next[key]++
	}
}

func TestDispatcher_RunAndShutdown(t *testing.T) {
	b := newTestBridge(t, -1, func(o *Options) {
		o.OpenOnStart = true
		o.ReconnectInterval = 10 * time.Millisecond
	})

	s, err := b.Connect("")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool {
		return b.Channel().State() == serial.StateOpen
	}, time.Second, 5*time.Millisecond)

	b.driver.Feed([]byte("tick"))
	require.Equal(t, "tick", string(nextOutbound(t, s)))

	// A read failure moves the channel to Error; the reconnect ticker reopens it.
	b.driver.FailNextRead(fmt.Errorf("device reset"))
	require.Eventually(t, func() bool {
		return b.driver.Opens() >= 2 && b.Channel().State() == serial.StateOpen
	}, time.Second, 5*time.Millisecond)

	// Simulate the write pump of the session finishing its queue.
	go func() {
		<-s.Done()
		s.MarkFlushed()
	}()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	require.Equal(t, StateStopped, b.State())
	require.Equal(t, serial.StateClosed, b.Channel().State())
	require.True(t, s.IsClosed())
	require.Zero(t, b.Registry().Len())

	_, err = b.Connect("")
	require.ErrorIs(t, err, model.ErrDraining)
}

func TestDispatcher_OpenOnStartFailureIsNotFatal(t *testing.T) {
	b := newTestBridge(t, -1, func(o *Options) { o.OpenOnStart = true })
	b.driver.SetAbsent(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return b.driver.Opens() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, StateRunning, b.State())

	cancel()
	require.NoError(t, <-done)
}

func TestDispatcher_InvalidUTF8Text(t *testing.T) {
	b := newTestBridge(t, -1, nil)
	s, err := b.Connect("")
	require.NoError(t, err)

	err = b.HandleFrame(s.ID(), reassembly.Frame{Op: reassembly.OpText, Fin: true, Payload: []byte{0xff, 0xfe, 'x'}})
	require.ErrorIs(t, err, model.ErrInvalidUTF8)
	require.True(t, model.IsTransportError(err))
	require.Empty(t, b.driver.Written())

	// A rune split across fragments is checked on the whole message.
	require.NoError(t, b.HandleFrame(s.ID(), reassembly.Frame{Op: reassembly.OpText, Payload: []byte{'h', 0xc3}}))
	require.NoError(t, b.HandleFrame(s.ID(), reassembly.Frame{Op: reassembly.OpContinuation, Fin: true, Payload: []byte{0xa9}}))
	require.Equal(t, "hé", string(b.driver.Written()))

	// Binary messages are opaque.
	require.NoError(t, b.HandleFrame(s.ID(), reassembly.Frame{Op: reassembly.OpBinary, Fin: true, Payload: []byte{0xff}}))
	require.Equal(t, "hé\xff", string(b.driver.Written()))
}

func TestDispatcher_InvalidUTF8CompressedText(t *testing.T) {
	b := newTestBridge(t, -1, nil)
	s, err := b.Connect("")
	require.NoError(t, err)

	compressed, err := wsflate.DefaultHelper.Compress([]byte{0xc3, 0x28})
	require.NoError(t, err)

	err = b.HandleFrame(s.ID(), reassembly.Frame{Op: reassembly.OpText, Fin: true, Payload: compressed, Compressed: true})
	require.ErrorIs(t, err, model.ErrInvalidUTF8)
	require.Empty(t, b.driver.Written())
}

func TestInflate_StopsPastLimit(t *testing.T) {
	compressed, err := wsflate.DefaultHelper.Compress(bytes.Repeat([]byte{0}, 1<<20))
	require.NoError(t, err)

	out, err := inflate(compressed, 16)
	require.NoError(t, err)
	require.Len(t, out, 17)

	compressed, err = wsflate.DefaultHelper.Compress([]byte("hello"))
	require.NoError(t, err)
	out, err = inflate(compressed, 16)
	require.NoError(t, err)
	require.Equal(t, "hello", string(out))
}

func TestDispatcher_ReplayIsNeverDuplicated(t *testing.T) {
	const chunks, sessions = 6, 4

	var want bytes.Buffer
	for i := 0; i < chunks; i++ {
		fmt.Fprintf(&want, "c%d;", i)
	}

	for round := 0; round < 50; round++ {
		b := newTestBridge(t, -1, func(o *Options) {
			o.Replay = buffer.NewRingBuffer(1024)
		})
		_, err := b.Channel().EnsureOpen()
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < chunks; i++ {
				b.driver.Feed([]byte(fmt.Sprintf("c%d;", i)))
				b.pollOnce()
			}
		}()

		connected := make(chan *session.Session, sessions)
		for i := 0; i < sessions; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s, err := b.Connect("")
				if err == nil {
					connected <- s
				}
			}()
		}
		wg.Wait()
		close(connected)

		n := 0
		for s := range connected {
			n++
			var got bytes.Buffer
			for len(s.Outbound()) > 0 {
				got.Write(<-s.Outbound())
			}
			require.Equal(t, want.String(), got.String(), "round %d session %s", round, s.ID())
		}
		require.Equal(t, sessions, n)
	}
}

func TestSplitPartialRune(t *testing.T) {
	tests := []struct {
		name     string
		in       []byte
		complete string
		tail     string
	}{
		{"ascii", []byte("ACK\n"), "ACK\n", ""},
		{"complete rune", []byte("hé"), "hé", ""},
		{"two byte prefix", []byte{'h', 0xc3}, "h", "\xc3"},
		{"three byte prefix", []byte{'x', 0xe2, 0x82}, "x", "\xe2\x82"},
		{"four byte prefix", []byte{0xf0, 0x9f, 0x98}, "", "\xf0\x9f\x98"},
		{"invalid lead", []byte{'a', 0xff}, "a\xff", ""},
		{"stray continuation", []byte{'a', 0x80}, "a\x80", ""},
		{"empty", nil, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			complete, tail := splitPartialRune(tt.in)
			require.Equal(t, tt.complete, string(complete))
			require.Equal(t, tt.tail, string(tail))
		})
	}
}

func TestDispatcher_HoldsRuneSplitAcrossReads(t *testing.T) {
	b := newTestBridge(t, -1, func(o *Options) {
		o.HoldPartialRunes = true
	})
	s, err := b.Connect("")
	require.NoError(t, err)
	_, err = b.Channel().EnsureOpen()
	require.NoError(t, err)

	b.driver.Feed([]byte{'h', 0xc3})
	b.pollOnce()
	require.Equal(t, "h", string(nextOutbound(t, s)))

	b.driver.Feed([]byte{0xa9, '\n'})
	b.pollOnce()
	require.Equal(t, "é\n", string(nextOutbound(t, s)))

	// A tail with no continuation is flushed on the next idle poll.
	b.driver.Feed([]byte{'x', 0xe2, 0x82})
	b.pollOnce()
	require.Equal(t, "x", string(nextOutbound(t, s)))
	b.pollOnce()
	require.Equal(t, []byte{0xe2, 0x82}, nextOutbound(t, s))
	require.Zero(t, s.Pending())
}
