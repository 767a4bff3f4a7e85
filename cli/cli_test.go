package cli

import (
	"io"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func testLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  "clitest",
		Level: hclog.Trace,
	})
}

func TestFlushOnSignal(t *testing.T) {
	t.Run("runs the handler per signal and stops cleanly", func(t *testing.T) {
		r := require.New(t)

		var calls atomic.Int32
		called := make(chan struct{}, 4)

		stop := flushOnSignal(testLogger(), unix.SIGUSR1, func() error {
			calls.Add(1)
			called <- struct{}{}
			return errors.New("sync failed")
		})

		r.NoError(unix.Kill(os.Getpid(), unix.SIGUSR1))

		select {
		case <-called:
		case <-time.After(5 * time.Second):
			r.FailNow("handler never ran")
		}

		stopped := make(chan struct{})
		go func() {
			stop()
			close(stopped)
		}()

		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			r.FailNow("stop did not return")
		}

		r.Equal(int32(1), calls.Load())
	})
}

func TestServeMetrics(t *testing.T) {
	t.Run("serves the registry until closed", func(t *testing.T) {
		r := require.New(t)

		l, err := serveMetrics(testLogger(), "127.0.0.1:0")
		r.NoError(err)

		resp, err := http.Get("http://" + l.Addr().String() + "/metrics")
		r.NoError(err)

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		r.NoError(err)

		r.Equal(http.StatusOK, resp.StatusCode)
		r.Contains(string(body), "go_goroutines")

		r.NoError(l.Close())
	})

	t.Run("returns listen errors to the caller", func(t *testing.T) {
		r := require.New(t)

		busy, err := net.Listen("tcp", "127.0.0.1:0")
		r.NoError(err)
		defer busy.Close()

		_, err = serveMetrics(testLogger(), busy.Addr().String())
		r.Error(err)
		r.ErrorContains(err, "listening for metrics")
	})
}

func TestParseSize(t *testing.T) {
	r := require.New(t)

	sz, err := parseSize("8M")
	r.NoError(err)
	r.Equal(int64(8_000_000), sz)

	_, err = parseSize("lots")
	r.Error(err)
}
