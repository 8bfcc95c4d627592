package terminal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/pos-terminal/internal/models"
)

const (
	EventConnection  = "CONNECTION"
	EventTransaction = "TRANSACTION"

	OperationConnect    = "CONNECT"
	OperationDisconnect = "DISCONNECT"
	OperationPurchase   = "PURCHASE"

	EventDataReceive    = "OnDataReceive"
	EventTerminalStatus = "OnTerminalStatus"
	EventError          = "OnError"
	EventTerminalAction = "OnTerminalAction"

	ResponseApproved = "APPROVED"
	StatusBusy       = "BUSY"

	ActionCardReadError = "CARD_READ_ERROR"
	ActionIdleScreen    = "IDLE_SCREEN"
	ActionUserCancelled = "USER_CANCELLED_AND_TIMEOUT"
)

var ErrMalformedFrame = errors.New("malformed terminal frame")

type ConnectFrame struct {
	Event          string                `json:"Event"`
	Operation      string                `json:"Operation"`
	ConnectionMode models.ConnectionMode `json:"ConnectionMode"`
	ComName        string                `json:"ComName,omitempty"`
	BaudRate       string                `json:"BaudRate,omitempty"`
	DataBits       string                `json:"DataBits,omitempty"`
	Parity         string                `json:"Parity,omitempty"`
	IPAddress      string                `json:"IpAddress,omitempty"`
	Port           int                   `json:"Port,omitempty"`
}

// NewConnectFrame builds the CONNECT frame for the method's endpoint variant.
func NewConnectFrame(m models.PaymentMethod) ConnectFrame {
	f := ConnectFrame{
		Event:          EventConnection,
		Operation:      OperationConnect,
		ConnectionMode: m.ConnectionMode,
	}
	switch ep := m.Endpoint().(type) {
	case models.SerialEndpoint:
		f.ComName = ep.ComName
		f.BaudRate = ep.BaudRate
		f.DataBits = ep.DataBits
		f.Parity = ep.Parity
	case models.NetworkEndpoint:
		f.IPAddress = ep.IPAddress
		f.Port = ep.Port
	}
	return f
}

type DisconnectFrame struct {
	Event     string `json:"Event"`
	Operation string `json:"Operation"`
}

func NewDisconnectFrame() DisconnectFrame {
	return DisconnectFrame{Event: EventConnection, Operation: OperationDisconnect}
}

type PurchaseFrame struct {
	Event         string `json:"Event"`
	Operation     string `json:"Operation"`
	Amount        string `json:"Amount"`
	ECRNumber     string `json:"ECRNumber"`
	PrintSettings string `json:"PrintSettings"`
	AppID         string `json:"AppId"`
}

// NewPurchaseFrame formats amount with exactly two fraction digits.
func NewPurchaseFrame(amount decimal.Decimal, ecrNumber string, m models.PaymentMethod) PurchaseFrame {
	return PurchaseFrame{
		Event:         EventTransaction,
		Operation:     OperationPurchase,
		Amount:        amount.StringFixed(2),
		ECRNumber:     ecrNumber,
		PrintSettings: m.PrintSettings,
		AppID:         m.AppID,
	}
}

// Frame is any inbound event from the terminal bridge.
type Frame struct {
	Event           string          `json:"Event"`
	JSONResult      json.RawMessage `json:"JsonResult,omitempty"`
	TerminalStatus  string          `json:"TerminalStatus,omitempty"`
	TerminalAction  string          `json:"TerminalAction,omitempty"`
	OptionalMessage string          `json:"OptionalMessage,omitempty"`
}

// DecodeFrame parses one inbound frame. A frame without Event is malformed.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("%w: missing Event", ErrMalformedFrame)
	}
	return f, nil
}

// TransactionResult is the object carried in OnDataReceive.JsonResult.
type TransactionResult struct {
	TransactionResponseEnglish string `json:"TransactionResponseEnglish"`
	PrimaryAccountNumber       string `json:"PrimaryAccountNumber,omitempty"`
	RetrievalReferenceNumber   string `json:"RetrievalReferenceNumber,omitempty"`
	TransactionAuthCode        string `json:"TransactionAuthCode,omitempty"`
	CardAcceptorTerminalID     string `json:"CardAcceptorTerminalId,omitempty"`
	CardNameEnglish            string `json:"CardNameEnglish,omitempty"`
	TransactionTypeAsReadable  string `json:"TransactionTypeAsReadable,omitempty"`
	TransactionDateTime        string `json:"TransactionDateTime,omitempty"`
	POSEntryMode               string `json:"POSEntryMode,omitempty"`
}

func (r TransactionResult) Approved() bool {
	return r.TransactionResponseEnglish == ResponseApproved
}

func (r TransactionResult) Record() models.TransactionRecord {
	return models.TransactionRecord{
		CardNumber:      r.PrimaryAccountNumber,
		RRN:             r.RetrievalReferenceNumber,
		AuthCode:        r.TransactionAuthCode,
		TerminalID:      r.CardAcceptorTerminalID,
		CardType:        r.CardNameEnglish,
		Response:        r.TransactionResponseEnglish,
		TransactionType: r.TransactionTypeAsReadable,
		TransactionDate: r.TransactionDateTime,
		EntryMode:       r.POSEntryMode,
	}
}

// Result decodes JsonResult. The bridge sends it as a JSON string holding an
// object; a bare object is accepted too.
func (f Frame) Result() (TransactionResult, error) {
	raw := bytes.TrimSpace(f.JSONResult)
	if len(raw) == 0 {
		return TransactionResult{}, fmt.Errorf("%w: empty JsonResult", ErrMalformedFrame)
	}
	if raw[0] == '"' {
		var nested string
		if err := json.Unmarshal(raw, &nested); err != nil {
			return TransactionResult{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		raw = []byte(nested)
	}
	var r TransactionResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return TransactionResult{}, fmt.Errorf("%w: JsonResult: %v", ErrMalformedFrame, err)
	}
	return r, nil
}

// NewDataReceiveFrame wraps a result the way the bridge does, nested as a string.
func NewDataReceiveFrame(r TransactionResult) (Frame, error) {
	inner, err := json.Marshal(r)
	if err != nil {
		return Frame{}, err
	}
	quoted, err := json.Marshal(string(inner))
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: EventDataReceive, JSONResult: quoted}, nil
}
