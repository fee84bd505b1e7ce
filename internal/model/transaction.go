package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TxStatus is the lifecycle state of a payment request.
type TxStatus string

const (
	StatusPending   TxStatus = "pending"
	StatusPaid      TxStatus = "paid"
	StatusFailed    TxStatus = "failed"
	StatusCancelled TxStatus = "cancelled"
	StatusExpired   TxStatus = "expired"
	StatusUnknown   TxStatus = "unknown"
)

// Terminal reports whether no further automatic transition is allowed.
// "unknown" is not terminal: the poller keeps retrying it.
func (s TxStatus) Terminal() bool {
	switch s {
	case StatusPaid, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// NormalizeGatewayStatus maps a gateway-reported status string (any casing)
// onto the local enum. Anything unrecognised becomes "unknown".
func NormalizeGatewayStatus(raw string) TxStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "paid", "success", "successful":
		return StatusPaid
	case "failed", "error":
		return StatusFailed
	case "cancelled", "canceled":
		return StatusCancelled
	case "pending":
		return StatusPending
	default:
		return StatusUnknown
	}
}

type Transaction struct {
	ID               uint64          `gorm:"primaryKey"`
	InvoiceNumber    string          `gorm:"size:64;not null;uniqueIndex"`
	Nonce            string          `gorm:"size:64;not null"`
	Amount           decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Status           TxStatus        `gorm:"size:16;not null;default:'pending'"`
	PaymentReference *string         `gorm:"size:64"`
	RetryCount       int             `gorm:"not null;default:0"`
	Signature        string          `gorm:"size:128;not null"`
	AdminID          uint64          `gorm:"not null;index"`
	CreatedAt        time.Time       `gorm:"autoCreateTime"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime"`
}

func (Transaction) TableName() string { return "transaction" }
