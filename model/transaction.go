package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Transaction mirrors one observed PaymentRequested event. The executed and
// revoked flags are the only fields that change after creation; Hash is
// derived once from the identity fields and never rewritten.
type Transaction struct {
	ID           uint    `gorm:"primaryKey"`
	TxID         int64   `gorm:"index:idx_tx_vault,unique"`
	VaultAddress string  `gorm:"size:64;index:idx_tx_vault,unique"`
	Agent        string  `gorm:"size:64;index"`
	Vendor       string  `gorm:"size:64;index"`
	AmountWei    string  `gorm:"type:text"` // decimal string, wei
	Timestamp    int64   `gorm:"index"`     // unix seconds, observation time
	ExecuteAfter int64   // unix seconds, earliest on-chain execution
	Executed     bool    `gorm:"index"`
	Revoked      bool    `gorm:"index"`
	Reason       string  `gorm:"type:text"`
	RiskScore    float64 `gorm:"index"`
	RiskFactors  string  `gorm:"type:text"` // JSON array of factor names
	Hash         string  `gorm:"size:64"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ComputeTransactionHash derives the tamper-evidence hash over the identity
// fields. json.Marshal on a map emits keys in sorted order, which is the
// canonical form the stored hash was computed from.
func ComputeTransactionHash(txID int64, agent, vendor, amountWei string, timestamp int64) string {
	payload, _ := json.Marshal(map[string]interface{}{
		"tx_id":     txID,
		"agent":     agent,
		"vendor":    vendor,
		"amount":    amountWei,
		"timestamp": timestamp,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// VerifyIntegrity re-derives the hash from the stored fields and compares
// it to the stored value.
func (t *Transaction) VerifyIntegrity() bool {
	return ComputeTransactionHash(t.TxID, t.Agent, t.Vendor, t.AmountWei, t.Timestamp) == t.Hash
}

type Alert struct {
	ID             uint   `gorm:"primaryKey"`
	TxID           int64  `gorm:"index"`
	AlertType      string `gorm:"size:32"`
	Severity       string `gorm:"size:16;index"`
	Message        string `gorm:"type:text"`
	Acknowledged   bool   `gorm:"index"`
	AcknowledgedBy string `gorm:"size:64"`
	AcknowledgedAt *time.Time
	CreatedAt      time.Time
}

// AuditLog is append-only; every entry carries its own hash so the trail is
// independently verifiable.
type AuditLog struct {
	ID          uint   `gorm:"primaryKey"`
	Action      string `gorm:"size:64;index"`
	EntityType  string `gorm:"size:32"`
	EntityID    string `gorm:"size:64"`
	OldValue    string `gorm:"type:text"`
	NewValue    string `gorm:"type:text"`
	PerformedBy string `gorm:"size:64"`
	Hash        string `gorm:"size:64"`
	CreatedAt   time.Time
}

// ComputeAuditHash covers the audit identity fields plus the wall-clock
// instant the entry was written.
func ComputeAuditHash(action, entityType, entityID, performedBy string, at time.Time) string {
	payload, _ := json.Marshal(map[string]interface{}{
		"action":       action,
		"entity_type":  entityType,
		"entity_id":    entityID,
		"performed_by": performedBy,
		"timestamp":    at.UTC().Format(time.RFC3339Nano),
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// AutoMigrate creates all supervisor tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Transaction{},
		&Alert{},
		&AuditLog{},
		&AgentProfile{},
		&Vendor{},
		&AgentWallet{},
		&RecurringSchedule{},
		&SavingsPlan{},
		&ExecutionLog{},
		&Notification{},
	)
}
