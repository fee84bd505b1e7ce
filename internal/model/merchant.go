package model

import "time"

// MerchantCredential is the per-admin credential set used to talk to the
// payment gateway.
type MerchantCredential struct {
	AdminID        uint64    `gorm:"primaryKey;column:admin_id"`
	MerchantID     string    `gorm:"size:64;not null"`
	MerchantSecret string    `gorm:"size:128;not null"`
	PaymentURL     string    `gorm:"size:255;not null"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

func (MerchantCredential) TableName() string { return "merchant_credential" }
