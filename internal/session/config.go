package session

import (
	"time"

	"github.com/shopspring/decimal"
)

// Default deadlines.
const (
	DefaultConnectTimeout  = 60 * time.Second
	DefaultResponseTimeout = 10 * time.Second
	DefaultCloseTimeout    = 30 * time.Second
	DefaultExpiresAfter    = time.Hour
)

// Config holds the parameters of the channel handshake.
type Config struct {
	// MaxDeposit caps Open. Zero means no cap.
	MaxDeposit decimal.Decimal

	// ConnectTimeout bounds the whole open, from dial to Active.
	ConnectTimeout time.Duration
	// ResponseTimeout bounds each request/response exchange.
	ResponseTimeout time.Duration
	// CloseTimeout bounds the whole close.
	CloseTimeout time.Duration

	Application  string
	Scope        string
	Asset        string
	ExpiresAfter time.Duration

	ChainID int64
	Token   string
	// TokenDecimals converts the deposit into token base units.
	TokenDecimals int32
	// FundsDestination receives the funds on resize and close. Empty means
	// the wallet address.
	FundsDestination string
}

// DefaultConfig returns the stock handshake parameters.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  DefaultConnectTimeout,
		ResponseTimeout: DefaultResponseTimeout,
		CloseTimeout:    DefaultCloseTimeout,
		Application:     "yellowbet",
		Scope:           "app.bet",
		Asset:           "usdc",
		ExpiresAfter:    DefaultExpiresAfter,
		TokenDecimals:   6,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = d.ResponseTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = d.CloseTimeout
	}
	if c.Application == "" {
		c.Application = d.Application
	}
	if c.Scope == "" {
		c.Scope = d.Scope
	}
	if c.Asset == "" {
		c.Asset = d.Asset
	}
	if c.ExpiresAfter <= 0 {
		c.ExpiresAfter = d.ExpiresAfter
	}
	return c
}
