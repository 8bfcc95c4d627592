package terminaltest

import (
	"github.com/akylbek/payment-system/pos-terminal/internal/terminal"
)

// SampleResult is a complete approved result as the terminal reports it.
func SampleResult() terminal.TransactionResult {
	return terminal.TransactionResult{
		TransactionResponseEnglish: terminal.ResponseApproved,
		PrimaryAccountNumber:       "************4242",
		RetrievalReferenceNumber:   "512300123456",
		TransactionAuthCode:        "A1B2C3",
		CardAcceptorTerminalID:     "66100011",
		CardNameEnglish:            "VISA",
		TransactionTypeAsReadable:  "PURCHASE",
		TransactionDateTime:        "250503173311",
		POSEntryMode:               "CONTACTLESS",
	}
}

// Approve answers every purchase with result.
func Approve(result terminal.TransactionResult) Script {
	return func(terminal.PurchaseFrame) []any {
		frame, err := terminal.NewDataReceiveFrame(result)
		if err != nil {
			return nil
		}
		return []any{frame}
	}
}

// Decline answers with a non-approval response.
func Decline(response string) Script {
	return Approve(terminal.TransactionResult{TransactionResponseEnglish: response})
}

func Busy() Script {
	return Reply(terminal.Frame{Event: terminal.EventTerminalStatus, TerminalStatus: terminal.StatusBusy})
}

// Reply answers every purchase with the given frames.
func Reply(frames ...any) Script {
	return func(terminal.PurchaseFrame) []any { return frames }
}

// Silent never answers.
func Silent() Script {
	return func(terminal.PurchaseFrame) []any { return nil }
}
