package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/towerd"
	"github.com/lightningnetwork/towerd/signal"
)

func main() {
	// Load the configuration, and parse any command line options.
	loadedConfig, err := towerd.LoadConfig(os.Args[1:])
	if err != nil {
		var flagErr *flags.Error
		if !errors.As(err, &flagErr) || flagErr.Type != flags.ErrHelp {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	logMgr, logWriter, err := towerd.SetupLogging(loadedConfig)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Hook interceptor for os signals.
	interceptor, err := signal.Intercept(towerd.SignalLogger(logMgr))
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Call the "real" main in a nested manner so the defers will properly
	// be executed in the case of a graceful shutdown.
	err = towerd.Main(loadedConfig, logMgr, interceptor)
	if logWriter != nil {
		_ = logWriter.Close()
	}
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
