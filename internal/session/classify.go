package session

import (
	"errors"
	"fmt"

	"github.com/akylbek/payment-system/pos-terminal/internal/models"
	"github.com/akylbek/payment-system/pos-terminal/internal/terminal"
)

const (
	ReasonDeclined      = "Payment Declined"
	ReasonBusy          = "Payment terminal busy"
	ReasonTerminalError = "Payment terminal error"
	ReasonUserCancelled = "Payment cancelled by user"
	ReasonCommFailed    = "Communication failed with payment terminal"
	ReasonInvalidResult = "Invalid response from payment terminal"
	ReasonNoResponse    = "terminal did not respond"
	ReasonReset         = "payment attempt was reset"

	CancelAdvice = "Please cancel the payment directly on the terminal."

	noticeTitleConfig  = "Configuration Error"
	noticeTitlePayment = "Payment Error"
	noticeTitleCancel  = "Cancel Payment"
)

// verdict is what one inbound delivery does to a WAITING session.
type verdict struct {
	ignore bool
	state  models.SessionState
	reason string
	txn    *models.TransactionRecord
}

func ignored() verdict { return verdict{ignore: true} }

// classify maps a delivery onto the transition table. It never panics.
func classify(in terminal.Inbound) (v verdict) {
	defer func() {
		if r := recover(); r != nil {
			v = verdict{state: models.StateCommError, reason: fmt.Sprintf("%s: %v", ReasonInvalidResult, r)}
		}
	}()

	if in.Err != nil {
		if errors.Is(in.Err, terminal.ErrMalformedFrame) {
			return verdict{state: models.StateCommError, reason: ReasonInvalidResult}
		}
		return verdict{state: models.StateCommError, reason: ReasonCommFailed}
	}

	f := in.Frame
	switch f.Event {
	case terminal.EventDataReceive:
		res, err := f.Result()
		if err != nil {
			return verdict{state: models.StateCommError, reason: ReasonInvalidResult}
		}
		switch {
		case res.Approved():
			rec := res.Record()
			return verdict{state: models.StateApproved, txn: &rec}
		case res.TransactionResponseEnglish != "":
			return verdict{state: models.StateDeclined, reason: ReasonDeclined}
		}
	case terminal.EventTerminalStatus:
		if f.TerminalStatus == terminal.StatusBusy {
			return verdict{state: models.StateTerminalBusy, reason: ReasonBusy}
		}
	case terminal.EventError:
		return verdict{state: models.StateCommError, reason: ReasonTerminalError}
	case terminal.EventTerminalAction:
		switch f.TerminalAction {
		case terminal.ActionCardReadError, terminal.ActionIdleScreen:
			reason := f.OptionalMessage
			if reason == "" {
				reason = "Terminal Error: " + f.TerminalAction
			}
			return verdict{state: models.StateUserCancelled, reason: reason}
		case terminal.ActionUserCancelled:
			return verdict{state: models.StateUserCancelled, reason: ReasonUserCancelled}
		}
	}
	return ignored()
}
