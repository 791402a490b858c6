package towerd

import (
	"fmt"

	"github.com/btcsuite/btclog/v2"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/towerd/build"
)

// Subsystem tags of the tower's loggers.
const (
	towrSubsystem = "TOWR"
	wtchSubsystem = "WTCH"
	rspdSubsystem = "RSPD"
	gtkpSubsystem = "GTKP"
	chmnSubsystem = "CHMN"
	bldrSubsystem = "BLDR"
	chanSubsystem = "CHAN"
	wtdbSubsystem = "WTDB"
	mntrSubsystem = "MNTR"
	sgnlSubsystem = "SGNL"
)

// loggers holds one logger per subsystem.
type loggers struct {
	towr  btclog.Logger
	wtch  btclog.Logger
	rspd  btclog.Logger
	gtkp  btclog.Logger
	chmn  btclog.Logger
	bldr  btclog.Logger
	chain btclog.Logger
	wtdb  btclog.Logger
	mntr  btclog.Logger
	sgnl  btclog.Logger
}

// SetupLoggers registers every subsystem of the tower with mgr. It must be
// called before the debug levels are parsed so they can be applied.
func SetupLoggers(mgr *build.SubLoggerManager) {
	newLoggers(mgr)
}

func newLoggers(mgr *build.SubLoggerManager) *loggers {
	if mgr == nil {
		return &loggers{
			towr:  btclog.Disabled,
			wtch:  btclog.Disabled,
			rspd:  btclog.Disabled,
			gtkp:  btclog.Disabled,
			chmn:  btclog.Disabled,
			bldr:  btclog.Disabled,
			chain: btclog.Disabled,
			wtdb:  btclog.Disabled,
			mntr:  btclog.Disabled,
			sgnl:  btclog.Disabled,
		}
	}

	return &loggers{
		towr:  mgr.GenSubLogger(towrSubsystem),
		wtch:  mgr.GenSubLogger(wtchSubsystem),
		rspd:  mgr.GenSubLogger(rspdSubsystem),
		gtkp:  mgr.GenSubLogger(gtkpSubsystem),
		chmn:  mgr.GenSubLogger(chmnSubsystem),
		bldr:  mgr.GenSubLogger(bldrSubsystem),
		chain: mgr.GenSubLogger(chanSubsystem),
		wtdb:  mgr.GenSubLogger(wtdbSubsystem),
		mntr:  mgr.GenSubLogger(mntrSubsystem),
		sgnl:  mgr.GenSubLogger(sgnlSubsystem),
	}
}

// logClosure is used to provide a closure over expensive logging operations
// so they aren't performed when the logging level doesn't warrant it.
type logClosure func() string

// String invokes the underlying function and returns the result.
func (c logClosure) String() string {
	return c()
}

// newLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}

// spewClosure dumps v when the log line is actually written.
func spewClosure(v any) fmt.Stringer {
	return newLogClosure(func() string {
		return spew.Sdump(v)
	})
}
