package repository

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sentinel_vault/model"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Insert stores an observed payment request. Re-observing the same
// (tx_id, vault) only refreshes the mutable flags; the identity fields and
// the integrity hash are written once.
func (r *TransactionRepository) Insert(ctx context.Context, tx *model.Transaction) error {
	tx.Agent = strings.ToLower(tx.Agent)
	tx.Vendor = strings.ToLower(tx.Vendor)
	tx.VaultAddress = strings.ToLower(tx.VaultAddress)
	if tx.Hash == "" {
		tx.Hash = model.ComputeTransactionHash(tx.TxID, tx.Agent, tx.Vendor, tx.AmountWei, tx.Timestamp)
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_id"}, {Name: "vault_address"}},
		DoUpdates: clause.AssignmentColumns([]string{"executed", "revoked", "updated_at"}),
	}).Create(tx).Error
}

func (r *TransactionRepository) SetExecuted(ctx context.Context, txID int64) error {
	return r.db.WithContext(ctx).Model(&model.Transaction{}).
		Where("tx_id = ?", txID).
		Update("executed", true).Error
}

func (r *TransactionRepository) SetRevoked(ctx context.Context, txID int64, reason string) error {
	return r.db.WithContext(ctx).Model(&model.Transaction{}).
		Where("tx_id = ?", txID).
		Updates(map[string]interface{}{"revoked": true, "reason": reason}).Error
}

// Pending returns transactions neither executed nor revoked, newest first.
func (r *TransactionRepository) Pending(ctx context.Context) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("executed = false AND revoked = false").
		Order("timestamp desc").
		Find(&txs).Error
	return txs, err
}

func (r *TransactionRepository) History(ctx context.Context, limit, offset int) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Order("timestamp desc").
		Limit(limit).Offset(offset).
		Find(&txs).Error
	return txs, err
}

func (r *TransactionRepository) ByTxID(ctx context.Context, txID int64) (*model.Transaction, error) {
	var tx model.Transaction
	if err := r.db.WithContext(ctx).Where("tx_id = ?", txID).First(&tx).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &tx, nil
}

type AlertRepository struct {
	db *gorm.DB
}

func NewAlertRepository(db *gorm.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

func (r *AlertRepository) Insert(ctx context.Context, txID int64, alertType, severity, message string) error {
	return r.db.WithContext(ctx).Create(&model.Alert{
		TxID:      txID,
		AlertType: alertType,
		Severity:  severity,
		Message:   message,
	}).Error
}

func (r *AlertRepository) List(ctx context.Context, acknowledged *bool, limit int) ([]model.Alert, error) {
	q := r.db.WithContext(ctx).Order("created_at desc").Limit(limit)
	if acknowledged != nil {
		q = q.Where("acknowledged = ?", *acknowledged)
	}
	var alerts []model.Alert
	err := q.Find(&alerts).Error
	return alerts, err
}

func (r *AlertRepository) Acknowledge(ctx context.Context, id uint, by string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&model.Alert{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"acknowledged":    true,
			"acknowledged_by": by,
			"acknowledged_at": &now,
		}).Error
}

type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Append(ctx context.Context, action, entityType, entityID, oldValue, newValue, performedBy string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Create(&model.AuditLog{
		Action:      action,
		EntityType:  entityType,
		EntityID:    entityID,
		OldValue:    oldValue,
		NewValue:    newValue,
		PerformedBy: performedBy,
		Hash:        model.ComputeAuditHash(action, entityType, entityID, performedBy, now),
	}).Error
}
