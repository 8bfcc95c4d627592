package models

import (
	"errors"
	"fmt"
)

// TerminalGeidea is the only terminal kind this bridge drives.
const TerminalGeidea = "geidea"

type ConnectionMode string

const (
	ModeSerial  ConnectionMode = "COM"
	ModeNetwork ConnectionMode = "TCP"
)

// Defaults carried over from the POS payment method form.
const (
	DefaultBaudRate      = "38400"
	DefaultDataBits      = "8"
	DefaultParity        = "none"
	DefaultPrintSettings = "1"
	DefaultAppID         = "11"
)

// ErrConfig classifies every payment method configuration failure.
var ErrConfig = errors.New("terminal configuration error")

// ConfigError names the method and the field that made it unusable.
type ConfigError struct {
	MethodID string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("payment method %s: %s", e.MethodID, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// PaymentMethod is a configured POS payment method.
type PaymentMethod struct {
	ID             string         `mapstructure:"id" json:"id"`
	Name           string         `mapstructure:"name" json:"name"`
	Terminal       string         `mapstructure:"terminal" json:"terminal"`
	Host           string         `mapstructure:"host" json:"host,omitempty"`
	Port           int            `mapstructure:"port" json:"port"`
	ConnectionMode ConnectionMode `mapstructure:"connection_mode" json:"connection_mode"`
	ComName        string         `mapstructure:"com_name" json:"com_name,omitempty"`
	BaudRate       string         `mapstructure:"baud_rate" json:"baud_rate,omitempty"`
	DataBits       string         `mapstructure:"data_bits" json:"data_bits,omitempty"`
	Parity         string         `mapstructure:"parity" json:"parity,omitempty"`
	IPAddress      string         `mapstructure:"ip_address" json:"ip_address,omitempty"`
	PrintSettings  string         `mapstructure:"print_settings" json:"print_settings"`
	AppID          string         `mapstructure:"app_id" json:"app_id"`
}

func (m PaymentMethod) UsesTerminal() bool {
	return m.Terminal == TerminalGeidea
}

// WithDefaults fills the fields the POS form pre-populates.
func (m PaymentMethod) WithDefaults() PaymentMethod {
	if m.ConnectionMode == "" {
		m.ConnectionMode = ModeSerial
	}
	if m.BaudRate == "" {
		m.BaudRate = DefaultBaudRate
	}
	if m.DataBits == "" {
		m.DataBits = DefaultDataBits
	}
	if m.Parity == "" {
		m.Parity = DefaultParity
	}
	if m.PrintSettings == "" {
		m.PrintSettings = DefaultPrintSettings
	}
	if m.AppID == "" {
		m.AppID = DefaultAppID
	}
	if m.Host == "" {
		m.Host = "localhost"
	}
	return m
}

// Validate checks the method can reach a terminal. All failures wrap ErrConfig.
func (m PaymentMethod) Validate() error {
	if !m.UsesTerminal() {
		return &ConfigError{MethodID: m.ID, Reason: "not configured for a Geidea terminal"}
	}
	if m.Port <= 0 {
		return &ConfigError{MethodID: m.ID, Reason: "terminal port not configured"}
	}
	switch m.ConnectionMode {
	case ModeSerial:
		if m.ComName == "" {
			return &ConfigError{MethodID: m.ID, Reason: "COM port not configured"}
		}
	case ModeNetwork:
		if m.IPAddress == "" {
			return &ConfigError{MethodID: m.ID, Reason: "terminal IP address not configured"}
		}
	default:
		return &ConfigError{MethodID: m.ID, Reason: fmt.Sprintf("unknown connection mode %q", m.ConnectionMode)}
	}
	return nil
}

// Endpoint is either SerialEndpoint or NetworkEndpoint.
type Endpoint interface {
	Mode() ConnectionMode
}

type SerialEndpoint struct {
	ComName  string
	BaudRate string
	DataBits string
	Parity   string
}

func (SerialEndpoint) Mode() ConnectionMode { return ModeSerial }

type NetworkEndpoint struct {
	IPAddress string
	Port      int
}

func (NetworkEndpoint) Mode() ConnectionMode { return ModeNetwork }

// Endpoint selects the endpoint variant by connection mode.
func (m PaymentMethod) Endpoint() Endpoint {
	if m.ConnectionMode == ModeNetwork {
		return NetworkEndpoint{IPAddress: m.IPAddress, Port: m.Port}
	}
	return SerialEndpoint{ComName: m.ComName, BaudRate: m.BaudRate, DataBits: m.DataBits, Parity: m.Parity}
}
