package model

import "time"

// AgentProfile accumulates per-agent history. Created on the first observed
// payment request, updated additively afterwards, never deleted.
type AgentProfile struct {
	Address           string `gorm:"primaryKey;size:64"`
	TotalTransactions int
	TotalVolumeWei    string `gorm:"type:text;default:'0'"` // decimal string
	AvgAmountWei      string `gorm:"type:text;default:'0'"` // decimal string
	LastActive        int64  // unix seconds
	RiskLevel         string `gorm:"size:16;default:'low'"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Vendor is scoped to the owning wallet; the same payee address can be
// trusted by one user and untrusted for another.
type Vendor struct {
	ID               uint   `gorm:"primaryKey"`
	WalletAddress    string `gorm:"size:64;index:idx_vendor_scope,unique"`
	Address          string `gorm:"size:64;index:idx_vendor_scope,unique"`
	Trusted          bool   `gorm:"index"`
	TotalReceivedWei string `gorm:"type:text;default:'0'"`
	TransactionCount int
	Name             string `gorm:"size:128"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AgentWallet holds the delegated signing key for scheduled payments. One
// live record per (user, network); the key material is stored encrypted and
// only ever decrypted in memory by the executor.
type AgentWallet struct {
	ID           uint   `gorm:"primaryKey"`
	UserAddress  string `gorm:"size:64;index:idx_wallet_user_net,unique"`
	Network      string `gorm:"size:32;index:idx_wallet_user_net,unique"`
	AgentAddress string `gorm:"size:64;index"`
	VaultAddress string `gorm:"size:64"`
	EncryptedKey string `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
