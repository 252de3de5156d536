// Package model holds the data types exchanged between the queue, the worker
// pipeline, and the order store.
package model

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Dead-letter reason tags attached to messages forwarded to the DLQ.
const (
	ReasonParseError      = "parse_error"
	ReasonUserNotFound    = "user_not_found"
	ReasonProductNotFound = "product_not_found"
	ReasonTotalExceeded   = "total_exceeded"
	ReasonInvalidTotal    = "invalid_total"
	ReasonMaxReceives     = "max_receives_exceeded"
)

// OrderMessage is the wire form of a submitted order. The total price is
// deliberately absent: it is computed server-side from the product's unit
// price and never trusted from the wire.
type OrderMessage struct {
	UserID        uint64     `json:"userId" validate:"required"`
	ProductID     uint64     `json:"productId" validate:"required"`
	Quantity      uint32     `json:"quantity" validate:"required,gte=1"`
	CorrelationID string     `json:"correlationId,omitempty"`
	SubmittedAt   *time.Time `json:"submittedAt,omitempty"`
}

var validate = validator.New()

// Validate checks the decoded message against its field constraints.
func (m *OrderMessage) Validate() error {
	return validate.Struct(m)
}

// Message is a single delivery received from the broker, pairing the raw
// body with the broker metadata needed to delete, extend, or dead-letter it.
type Message struct {
	Body []byte
	// Handle is the opaque delivery handle, required to delete or extend.
	Handle          string
	ReceiveCount    int
	FirstReceivedAt time.Time
	ReceivedAt      time.Time
	// DedupID, when present, is used as the idempotency key for the order
	// row insert.
	DedupID string
	// Traceparent carries W3C trace context for span continuation.
	Traceparent string
	Attributes  map[string]string
}

// OrderStatus enumerates the order row lifecycle. Transitions only move
// forward.
type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusProcessing OrderStatus = "processing"
	StatusComplete   OrderStatus = "complete"
	StatusRejected   OrderStatus = "rejected"
)

// Order is the persisted order row.
type Order struct {
	ID         int64
	UserID     uint64
	ProductID  uint64
	Quantity   uint32
	TotalPrice decimal.Decimal
	Status     OrderStatus
	// DedupKey is the optional idempotency key; empty means none.
	DedupKey  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// User is the read-only view of a user record; the core only verifies
// existence before insert.
type User struct {
	ID       uint64
	Username string
}

// DisplayName derives a human-readable name from the username.
func (u User) DisplayName() string {
	if u.Username == "" {
		return fmt.Sprintf("user-%d", u.ID)
	}
	var name = strings.ReplaceAll(u.Username, ".", " ")
	return strings.ToUpper(name[:1]) + name[1:]
}

// Product is the read-only view of a product record, consulted for price
// computation.
type Product struct {
	ID        uint64
	Name      string
	SKU       string
	UnitPrice decimal.Decimal
}

// Credential is a database credential fetched from the secret store. It is
// exclusively owned by the current DB pool instance after handoff.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
}

// DSN renders the credential as a Postgres connection string.
func (c Credential) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		url.QueryEscape(c.Username), url.QueryEscape(c.Password),
		c.Host, c.Port, url.PathEscape(c.Database))
}

// Fingerprint is a loggable stand-in for the password: its length and the
// first eight hex digits of its SHA-256. The raw password is never logged.
func (c Credential) Fingerprint() string {
	var sum = sha256.Sum256([]byte(c.Password))
	return fmt.Sprintf("%d:%x", len(c.Password), sum[:4])
}
