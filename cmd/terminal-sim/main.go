// Command terminal-sim serves a fake Geidea bridge on ws://<addr>/messages for
// manual testing of the POS terminal service.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/pos-terminal/internal/telemetry"
	"github.com/akylbek/payment-system/pos-terminal/internal/terminal"
	"github.com/akylbek/payment-system/pos-terminal/internal/terminal/terminaltest"
)

func script(mode string) (terminaltest.Script, error) {
	switch mode {
	case "approve":
		return terminaltest.Approve(terminaltest.SampleResult()), nil
	case "decline":
		return terminaltest.Decline("DECLINED"), nil
	case "busy":
		return terminaltest.Busy(), nil
	case "cancel":
		return terminaltest.Reply(terminal.Frame{
			Event:          terminal.EventTerminalAction,
			TerminalAction: terminal.ActionUserCancelled,
		}), nil
	case "error":
		return terminaltest.Reply(terminal.Frame{Event: terminal.EventError}), nil
	case "silent":
		return terminaltest.Silent(), nil
	}
	return nil, fmt.Errorf("unknown mode %q", mode)
}

func main() {
	addr := flag.String("addr", ":8055", "listen address")
	mode := flag.String("mode", "approve", "reply to purchases: approve, decline, busy, cancel, error or silent")
	delay := flag.Duration("delay", 2*time.Second, "delay before each reply")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()
	telemetry.Logger = logger

	s, err := script(*mode)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	bridge := terminaltest.New(s)
	bridge.Delay = *delay

	telemetry.Logger.Info("Terminal simulator listening",
		zap.String("addr", *addr),
		zap.String("mode", *mode),
	)
	if err := http.ListenAndServe(*addr, bridge); err != nil {
		telemetry.Logger.Fatal("Simulator stopped", zap.Error(err))
	}
}
