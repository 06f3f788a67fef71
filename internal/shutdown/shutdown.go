// Package shutdown turns a termination signal into an orderly exit: stop
// accepting requests, terminate the gateway, then exit, with a hard deadline.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds the whole graceful sequence.
const DefaultTimeout = 10 * time.Second

// Server is the HTTP listener being drained.
type Server interface {
	Shutdown(ctx context.Context) error
}

// Gateway is the supervised child.
type Gateway interface {
	Terminate() error
	Wait(ctx context.Context) error
}

// Coordinator runs the shutdown sequence exactly once.
type Coordinator struct {
	server  Server
	gw      Gateway
	timeout time.Duration
	log     logrus.FieldLogger

	// Exit terminates the process; tests replace it.
	Exit func(code int)

	once     sync.Once
	exitOnce sync.Once
	done     chan struct{}
}

// New creates a Coordinator. A non-positive timeout uses DefaultTimeout.
func New(server Server, gw Gateway, timeout time.Duration, logger logrus.FieldLogger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Coordinator{
		server:  server,
		gw:      gw,
		timeout: timeout,
		log:     logger,
		Exit:    os.Exit,
		done:    make(chan struct{}),
	}
}

// NotifyContext returns a context cancelled by SIGINT or SIGTERM.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// Run blocks until ctx is cancelled and then shuts down.
func (c *Coordinator) Run(ctx context.Context) {
	<-ctx.Done()
	c.log.Info("[shutdown] Termination signal received")
	c.Shutdown()
}

// Done is closed once an exit code has been chosen.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Shutdown closes the listener and terminates the gateway concurrently,
// then exits 0 once both are finished. If that takes longer than the
// timeout it exits 1 instead. Later calls are no-ops.
func (c *Coordinator) Shutdown() {
	c.once.Do(c.shutdown)
}

func (c *Coordinator) shutdown() {
	forced := time.AfterFunc(c.timeout, func() {
		c.log.Error("[shutdown] Graceful shutdown timeout, forcing exit")
		c.exit(1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	closed := make(chan error, 1)
	go func() {
		closed <- c.server.Shutdown(ctx)
	}()

	c.log.Info("[shutdown] Stopping gateway process")
	if err := c.gw.Terminate(); err != nil {
		c.log.WithError(err).Warn("[shutdown] Failed to signal gateway")
	}

	if err := <-closed; err != nil {
		c.log.WithError(err).Warn("[shutdown] HTTP server shutdown error")
		<-c.done
		return
	}
	if err := c.gw.Wait(ctx); err != nil {
		c.log.WithError(err).Warn("[shutdown] Gateway did not exit")
		<-c.done
		return
	}

	forced.Stop()
	c.log.Info("[shutdown] HTTP server closed, exiting cleanly")
	c.exit(0)
}

func (c *Coordinator) exit(code int) {
	c.exitOnce.Do(func() {
		close(c.done)
		c.Exit(code)
	})
}
