// Package signal turns OS signals and internal shutdown requests into a
// single graceful shutdown notification.
package signal

import (
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/btcsuite/btclog/v2"
)

// started ensures only one interceptor captures the process signals.
var started int32

// ErrAlreadyStarted is returned by Intercept when signals are already being
// intercepted.
var ErrAlreadyStarted = errors.New("signal interceptor already started")

// Interceptor listens for shutdown signals and shutdown requests.
type Interceptor struct {
	log btclog.Logger

	// interruptChannel is used to receive SIGINT (Ctrl+C) signals.
	interruptChannel chan os.Signal

	// shutdownChannel is closed once the main interrupt handler exits.
	shutdownChannel chan struct{}

	// shutdownRequestChannel is used to request the daemon to shutdown
	// gracefully, similar to when receiving SIGINT.
	shutdownRequestChannel chan struct{}

	// quit is closed when instructing the main interrupt handler to exit.
	quit chan struct{}
}

// Intercept starts the interception of interrupt signals and returns an
// Interceptor instance. Note that any previous active interceptor must be
// stopped before a new one can be created.
func Intercept(log btclog.Logger) (Interceptor, error) {
	if !atomic.CompareAndSwapInt32(&started, 0, 1) {
		return Interceptor{}, ErrAlreadyStarted
	}
	if log == nil {
		log = btclog.Disabled
	}

	c := Interceptor{
		log:                    log,
		interruptChannel:       make(chan os.Signal, 1),
		shutdownChannel:        make(chan struct{}),
		shutdownRequestChannel: make(chan struct{}),
		quit:                   make(chan struct{}),
	}

	signalsToCatch := []os.Signal{
		os.Interrupt,
		os.Kill,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	}
	signal.Notify(c.interruptChannel, signalsToCatch...)
	go c.mainInterruptHandler()

	return c, nil
}

// mainInterruptHandler listens for SIGINT (Ctrl+C) signals on the
// interruptChannel and shutdown requests on the shutdownRequestChannel.
//
// NOTE: This must be run as a goroutine.
func (c *Interceptor) mainInterruptHandler() {
	defer atomic.StoreInt32(&started, 0)

	// isShutdown is a flag which is used to indicate whether or not the
	// shutdown signal has already been received.
	var isShutdown bool

	shutdown := func() {
		// Ignore more than one shutdown signal.
		if isShutdown {
			c.log.Infof("Already shutting down...")
			return
		}
		isShutdown = true
		c.log.Infof("Shutting down...")

		// Signal the main interrupt handler to exit, and stop accept
		// post-facto requests.
		close(c.quit)
	}

	for {
		select {
		case sig := <-c.interruptChannel:
			c.log.Infof("Received %v", sig)
			shutdown()

		case <-c.shutdownRequestChannel:
			c.log.Infof("Received shutdown request.")
			shutdown()

		case <-c.quit:
			c.log.Infof("Gracefully shutting down.")
			close(c.shutdownChannel)
			signal.Stop(c.interruptChannel)

			return
		}
	}
}

// Listening returns true if the main interrupt handler has not been killed.
func (c *Interceptor) Listening() bool {
	// If our quit channel is closed, we are no longer listening for
	// interrupt signals.
	select {
	case <-c.quit:
		return false
	default:
		return true
	}
}

// RequestShutdown initiates a graceful shutdown from the application.
func (c *Interceptor) RequestShutdown() {
	select {
	case c.shutdownRequestChannel <- struct{}{}:
	case <-c.quit:
	}
}

// ShutdownChannel returns the channel that will be closed once the main
// interrupt handler has exited.
func (c *Interceptor) ShutdownChannel() <-chan struct{} {
	return c.shutdownChannel
}
