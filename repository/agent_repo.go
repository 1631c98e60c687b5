package repository

import (
	"context"
	"math/big"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/sentinel_vault/model"
)

type AgentRepository struct {
	db *gorm.DB
}

func NewAgentRepository(db *gorm.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

// Profile returns the agent's accumulated history, or nil if the agent has
// never been observed.
func (r *AgentRepository) Profile(ctx context.Context, address string) (*model.AgentProfile, error) {
	var p model.AgentProfile
	if err := r.db.WithContext(ctx).Where("address = ?", strings.ToLower(address)).First(&p).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// RecordPayment additively folds one observed payment into the profile,
// creating it on first sight. Volume and average are decimal wei strings.
func (r *AgentRepository) RecordPayment(ctx context.Context, agent string, amountWei *big.Int, at time.Time) error {
	agent = strings.ToLower(agent)
	existing, err := r.Profile(ctx, agent)
	if err != nil {
		return err
	}
	if existing == nil {
		return r.db.WithContext(ctx).Create(&model.AgentProfile{
			Address:           agent,
			TotalTransactions: 1,
			TotalVolumeWei:    amountWei.String(),
			AvgAmountWei:      amountWei.String(),
			LastActive:        at.Unix(),
		}).Error
	}

	total, ok := new(big.Int).SetString(existing.TotalVolumeWei, 10)
	if !ok {
		total = new(big.Int)
	}
	total.Add(total, amountWei)
	count := existing.TotalTransactions + 1
	avg := new(big.Int).Div(total, big.NewInt(int64(count)))

	return r.db.WithContext(ctx).Model(&model.AgentProfile{}).
		Where("address = ?", agent).
		Updates(map[string]interface{}{
			"total_transactions": count,
			"total_volume_wei":   total.String(),
			"avg_amount_wei":     avg.String(),
			"last_active":        at.Unix(),
		}).Error
}

type VendorRepository struct {
	db *gorm.DB
}

func NewVendorRepository(db *gorm.DB) *VendorRepository {
	return &VendorRepository{db: db}
}

func (r *VendorRepository) byKey(ctx context.Context, wallet, address string) (*model.Vendor, error) {
	var v model.Vendor
	err := r.db.WithContext(ctx).
		Where("wallet_address = ? AND address = ?", strings.ToLower(wallet), strings.ToLower(address)).
		First(&v).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &v, nil
}

// RecordPayment folds one observed payment into the vendor record, creating
// it with the observed trust flag on first sight.
func (r *VendorRepository) RecordPayment(ctx context.Context, wallet, vendor string, amountWei *big.Int, trusted bool) error {
	existing, err := r.byKey(ctx, wallet, vendor)
	if err != nil {
		return err
	}
	if existing == nil {
		return r.db.WithContext(ctx).Create(&model.Vendor{
			WalletAddress:    strings.ToLower(wallet),
			Address:          strings.ToLower(vendor),
			Trusted:          trusted,
			TotalReceivedWei: amountWei.String(),
			TransactionCount: 1,
		}).Error
	}

	total, ok := new(big.Int).SetString(existing.TotalReceivedWei, 10)
	if !ok {
		total = new(big.Int)
	}
	total.Add(total, amountWei)

	return r.db.WithContext(ctx).Model(&model.Vendor{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"total_received_wei": total.String(),
			"transaction_count":  existing.TransactionCount + 1,
		}).Error
}

// Upsert applies an explicit trust-list edit.
func (r *VendorRepository) Upsert(ctx context.Context, wallet, address, name string, trusted bool) error {
	existing, err := r.byKey(ctx, wallet, address)
	if err != nil {
		return err
	}
	if existing == nil {
		return r.db.WithContext(ctx).Create(&model.Vendor{
			WalletAddress: strings.ToLower(wallet),
			Address:       strings.ToLower(address),
			Name:          name,
			Trusted:       trusted,
		}).Error
	}
	updates := map[string]interface{}{"trusted": trusted}
	if name != "" {
		updates["name"] = name
	}
	return r.db.WithContext(ctx).Model(&model.Vendor{}).Where("id = ?", existing.ID).Updates(updates).Error
}

func (r *VendorRepository) List(ctx context.Context, wallet string, trustedOnly bool) ([]model.Vendor, error) {
	q := r.db.WithContext(ctx).Order("transaction_count desc")
	if wallet != "" {
		q = q.Where("wallet_address = ?", strings.ToLower(wallet))
	}
	if trustedOnly {
		q = q.Where("trusted = true")
	}
	var vendors []model.Vendor
	err := q.Find(&vendors).Error
	return vendors, err
}

type WalletRepository struct {
	db *gorm.DB
}

func NewWalletRepository(db *gorm.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

// Save overwrites the live record for (user, network) on re-registration.
func (r *WalletRepository) Save(ctx context.Context, w *model.AgentWallet) error {
	w.UserAddress = strings.ToLower(w.UserAddress)
	w.AgentAddress = strings.ToLower(w.AgentAddress)
	w.VaultAddress = strings.ToLower(w.VaultAddress)

	var existing model.AgentWallet
	err := r.db.WithContext(ctx).
		Where("user_address = ? AND network = ?", w.UserAddress, w.Network).
		First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return r.db.WithContext(ctx).Create(w).Error
	}
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&model.AgentWallet{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"agent_address": w.AgentAddress,
			"vault_address": w.VaultAddress,
			"encrypted_key": w.EncryptedKey,
		}).Error
}

func (r *WalletRepository) Get(ctx context.Context, user, network string) (*model.AgentWallet, error) {
	var w model.AgentWallet
	err := r.db.WithContext(ctx).
		Where("user_address = ? AND network = ?", strings.ToLower(user), network).
		First(&w).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &w, nil
}

func (r *WalletRepository) Delete(ctx context.Context, user, network string) error {
	return r.db.WithContext(ctx).
		Where("user_address = ? AND network = ?", strings.ToLower(user), network).
		Delete(&model.AgentWallet{}).Error
}
