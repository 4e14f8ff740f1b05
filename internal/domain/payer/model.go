// Package payer implements external payer forwarding: durable forward
// records, authenticated HTTP delivery with retry backoff, asynchronous
// status polling, and the periodic durability sweep.
package payer

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// ForwardStatus is the delivery lifecycle state of a forward record.
type ForwardStatus string

const (
	ForwardQueued       ForwardStatus = "QUEUED"
	ForwardSending      ForwardStatus = "SENDING"
	ForwardSent         ForwardStatus = "SENT"
	ForwardAcknowledged ForwardStatus = "ACKNOWLEDGED"
	ForwardFailedRetry  ForwardStatus = "FAILED_RETRY"
	ForwardFailed       ForwardStatus = "FAILED"
	ForwardCompleted    ForwardStatus = "COMPLETED"
	ForwardRejected     ForwardStatus = "REJECTED"
)

// IsTerminal reports whether the forward needs no further delivery or
// polling work.
func (s ForwardStatus) IsTerminal() bool {
	switch s {
	case ForwardFailed, ForwardCompleted, ForwardRejected:
		return true
	}
	return false
}

// Forward is one durable delivery attempt sequence for a claim against a
// payer endpoint. Timers are rebuilt from these records after a restart.
type Forward struct {
	ID           uuid.UUID     `db:"id" json:"id"`
	ClaimID      uuid.UUID     `db:"claim_id" json:"claim_id"`
	PayerID      string        `db:"payer_id" json:"payer_id"`
	Endpoint     string        `db:"endpoint" json:"endpoint"`
	Status       ForwardStatus `db:"status" json:"status"`
	AttemptCount int           `db:"attempt_count" json:"attempt_count"`
	MaxRetries   int           `db:"max_retries" json:"max_retries"`
	NextAttempt  *time.Time    `db:"next_attempt" json:"next_attempt,omitempty"`
	ExternalRef  *string       `db:"external_ref" json:"external_ref,omitempty"`
	StatusChecks int           `db:"status_checks" json:"status_checks"`
	LastError    *string       `db:"last_error" json:"last_error,omitempty"`
	CompletedAt  *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
}

// Auth schemes for payer connections.
const (
	AuthNone   = "none"
	AuthBasic  = "basic"
	AuthBearer = "bearer"
	AuthAPIKey = "api_key"
)

// Connection is the configured route to one payer. A connection with no
// endpoint runs in simulated mode: deliveries and status checks succeed
// locally without any network traffic.
type Connection struct {
	PayerID        string `mapstructure:"payer_id" json:"payer_id"`
	Name           string `mapstructure:"name" json:"name"`
	Endpoint       string `mapstructure:"endpoint" json:"endpoint"`
	AuthType       string `mapstructure:"auth_type" json:"auth_type"`
	Username       string `mapstructure:"username" json:"-"`
	Password       string `mapstructure:"password" json:"-"`
	Token          string `mapstructure:"token" json:"-"`
	APIKeyHeader   string `mapstructure:"api_key_header" json:"api_key_header,omitempty"`
	APIKey         string `mapstructure:"api_key" json:"-"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" json:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries" json:"max_retries"`
	RetrySeconds   int    `mapstructure:"retry_seconds" json:"retry_seconds"`
	Realtime       bool   `mapstructure:"realtime" json:"realtime"`
	Active         bool   `mapstructure:"active" json:"active"`
}

// Defaults applied to connection fields left unset in the payers file.
const (
	DefaultTimeoutSeconds = 10
	DefaultMaxRetries     = 3
	DefaultRetrySeconds   = 60
)

func (c *Connection) applyDefaults() {
	if c.AuthType == "" {
		c.AuthType = AuthNone
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetrySeconds <= 0 {
		c.RetrySeconds = DefaultRetrySeconds
	}
}

// Timeout is the per-request HTTP timeout for this connection.
func (c *Connection) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryInterval is the base delay for retry backoff and status polling.
func (c *Connection) RetryInterval() time.Duration {
	return time.Duration(c.RetrySeconds) * time.Second
}

// Simulated reports whether this connection has no real endpoint.
func (c *Connection) Simulated() bool {
	return c.Endpoint == ""
}

// Connections resolves payer IDs to configured connections, with an
// optional "default" entry as fallback.
type Connections struct {
	byPayer map[string]*Connection
}

// ErrNoConnection is returned when a payer has no configured or default
// connection.
var ErrNoConnection = fmt.Errorf("no payer connection configured")

// Resolve returns the active connection for payerID, falling back to the
// "default" connection when the payer has no dedicated entry.
func (cs *Connections) Resolve(payerID string) (*Connection, error) {
	if c, ok := cs.byPayer[payerID]; ok && c.Active {
		return c, nil
	}
	if c, ok := cs.byPayer["default"]; ok && c.Active {
		return c, nil
	}
	return nil, fmt.Errorf("%w: payer %q", ErrNoConnection, payerID)
}

// NewConnections builds a resolver from a connection list.
func NewConnections(list []*Connection) *Connections {
	byPayer := make(map[string]*Connection, len(list))
	for _, c := range list {
		c.applyDefaults()
		byPayer[c.PayerID] = c
	}
	return &Connections{byPayer: byPayer}
}

// LoadConnections reads the payers file (YAML or JSON). A missing path
// yields an empty resolver; every payer then fails resolution unless a
// default connection is added later.
func LoadConnections(path string) (*Connections, error) {
	if path == "" {
		return NewConnections(nil), nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read payers file: %w", err)
	}

	var raw struct {
		Connections []*Connection `mapstructure:"connections"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("parse payers file: %w", err)
	}
	return NewConnections(raw.Connections), nil
}
