package serial_test

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hicat-tech/livera-bridge/internal/model"
	"github.com/hicat-tech/livera-bridge/internal/serial"
	"github.com/hicat-tech/livera-bridge/internal/serial/serialtest"
)

func newTestChannel(driver serial.Driver) *serial.Channel {
	return serial.NewChannel(driver, serial.Options{
		Device: "/dev/ttyTEST0",
		Baud:   115200,
		Logger: zerolog.Nop(),
	})
}

func collect(t *testing.T, ch *serial.Channel) ([]byte, error) {
	t.Helper()
	var out []byte
	for chunk, err := range ch.Poll() {
		if err != nil {
			return out, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func TestChannel_EnsureOpenIsIdempotent(t *testing.T) {
	driver := serialtest.NewFakeDriver()
	ch := newTestChannel(driver)
	require.Equal(t, serial.StateUnopened, ch.State())

	first, err := ch.EnsureOpen()
	require.NoError(t, err)
	second, err := ch.EnsureOpen()
	require.NoError(t, err)

	require.Same(t, first, second)
	require.Equal(t, 1, driver.Opens())
	require.Equal(t, []int{115200}, driver.Configured())
	require.Equal(t, serial.StateOpen, ch.State())
}

func TestChannel_ConcurrentEnsureOpenOpensOnce(t *testing.T) {
	driver := serialtest.NewFakeDriver()
	driver.OpenDelay = 20 * time.Millisecond
	ch := newTestChannel(driver)

	const callers = 50
	handles := make([]serial.Device, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = ch.EnsureOpen()
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, driver.Opens())
	for i, h := range handles {
		require.NoError(t, errs[i])
		require.Same(t, handles[0], h)
	}
}

func TestChannel_OpenFailureLeavesChannelUnopened(t *testing.T) {
	driver := serialtest.NewFakeDriver()
	driver.SetAbsent(true)
	ch := newTestChannel(driver)

	_, err := ch.EnsureOpen()
	require.Error(t, err)
	require.True(t, model.IsSerialError(err, model.SerialOpenFailed))
	require.ErrorIs(t, err, serialtest.ErrAbsent)
	require.Equal(t, serial.StateUnopened, ch.State())
	require.Contains(t, ch.Stats().LastError, "no such device")

	// The peripheral attaches later; the next use succeeds.
	driver.SetAbsent(false)
	require.NoError(t, ch.Send([]byte("hello")))
	require.Equal(t, []byte("hello"), driver.Written())
	require.Equal(t, 2, driver.Opens())
}

func TestChannel_SendDrainsPartialWrites(t *testing.T) {
	driver := serialtest.NewFakeDriver()
	driver.LimitWrite(2)
	ch := newTestChannel(driver)

	require.NoError(t, ch.Send([]byte("hello world")))
	require.Equal(t, []byte("hello world"), driver.Written())
	require.Len(t, driver.Writes(), 6)
	require.Equal(t, uint64(11), ch.Stats().BytesOut)
}

func TestChannel_WriteFailureRecoversOnNextSend(t *testing.T) {
	driver := serialtest.NewFakeDriver()
	ch := newTestChannel(driver)

	driver.FailWrites(1)
	err := ch.Send([]byte("lost"))
	require.True(t, model.IsSerialError(err, model.SerialWriteFailed))
	require.Equal(t, serial.StateError, ch.State())

	require.NoError(t, ch.Send([]byte("next")))
	require.Equal(t, []byte("next"), driver.Written())
	require.Equal(t, serial.StateOpen, ch.State())
	require.Equal(t, 2, driver.Opens())
}

func TestChannel_Poll(t *testing.T) {
	driver := serialtest.NewFakeDriver()
	ch := newTestChannel(driver)

	t.Run("unopened channel yields nothing", func(t *testing.T) {
		driver.Feed([]byte("early"))
		out, err := collect(t, ch)
		require.NoError(t, err)
		require.Empty(t, out)
		require.Equal(t, 0, driver.Opens())
	})

	_, err := ch.EnsureOpen()
	require.NoError(t, err)

	t.Run("drains pending bytes", func(t *testing.T) {
		driver.Feed([]byte("ACK\n"))
		out, err := collect(t, ch)
		require.NoError(t, err)
		require.Equal(t, []byte("earlyACK\n"), out)
	})

	t.Run("empty read is not an error", func(t *testing.T) {
		out, err := collect(t, ch)
		require.NoError(t, err)
		require.Empty(t, out)
	})

	t.Run("read failure is reported once and closes the handle", func(t *testing.T) {
		driver.FailNextRead(errors.New("device unplugged"))
		_, err := collect(t, ch)
		require.True(t, model.IsSerialError(err, model.SerialReadFailed))
		require.Equal(t, serial.StateError, ch.State())

		out, err := collect(t, ch)
		require.NoError(t, err)
		require.Empty(t, out)
	})
}

func TestChannel_PollIsRestartable(t *testing.T) {
	driver := serialtest.NewFakeDriver()
	ch := newTestChannel(driver)
	_, err := ch.EnsureOpen()
	require.NoError(t, err)

	driver.Feed([]byte("one"))
	driver.Feed([]byte("two"))

	seq := ch.Poll()
	for chunk := range seq {
		require.Equal(t, []byte("one"), chunk)
		break
	}
	for chunk := range seq {
		require.Equal(t, []byte("two"), chunk)
	}
}

func TestChannel_Close(t *testing.T) {
	t.Run("close on unopened channel", func(t *testing.T) {
		ch := newTestChannel(serialtest.NewFakeDriver())
		require.NoError(t, ch.Close())
		require.NoError(t, ch.Close())
		require.Equal(t, serial.StateClosed, ch.State())
	})

	t.Run("close is terminal", func(t *testing.T) {
		driver := serialtest.NewFakeDriver()
		ch := newTestChannel(driver)
		dev, err := ch.EnsureOpen()
		require.NoError(t, err)

		require.NoError(t, ch.Close())
		require.True(t, dev.(*serialtest.FakeDevice).Closed())

		_, err = ch.EnsureOpen()
		require.True(t, serial.IsClosed(err))
		require.True(t, serial.IsClosed(ch.Send([]byte("x"))))
		require.Equal(t, 1, driver.Opens())
	})
}

func TestChannelSendProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("sent messages reach the device whole and in order", prop.ForAll(
		func(messages [][]byte, limit int) bool {
			driver := serialtest.NewFakeDriver()
			driver.LimitWrite(limit)
			ch := newTestChannel(driver)

			var want []byte
			for _, msg := range messages {
				if err := ch.Send(msg); err != nil {
					return false
				}
				want = append(want, msg...)
			}
			return bytes.Equal(want, driver.Written())
		},
		gen.SliceOf(gen.SliceOf(gen.UInt8())),
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}
