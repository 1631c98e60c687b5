package repository

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/sentinel_vault/model"
)

// failureLimit is how many consecutive failed cycles a schedule survives
// before it is deactivated.
const failureLimit = 3

type ScheduleRepository struct {
	db *gorm.DB
}

func NewScheduleRepository(db *gorm.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

func (r *ScheduleRepository) Save(ctx context.Context, s *model.RecurringSchedule) error {
	s.UserAddress = strings.ToLower(s.UserAddress)
	s.AgentAddress = strings.ToLower(s.AgentAddress)
	s.VaultAddress = strings.ToLower(s.VaultAddress)
	s.VendorAddress = strings.ToLower(s.VendorAddress)
	return r.db.WithContext(ctx).Save(s).Error
}

func (r *ScheduleRepository) ByID(ctx context.Context, id string) (*model.RecurringSchedule, error) {
	var s model.RecurringSchedule
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// Due returns active schedules whose next execution has passed, oldest
// first so starved items run ahead of fresh ones.
func (r *ScheduleRepository) Due(ctx context.Context, before time.Time) ([]model.RecurringSchedule, error) {
	var due []model.RecurringSchedule
	err := r.db.WithContext(ctx).
		Where("is_active = true AND next_execution <= ?", before.UTC()).
		Order("next_execution asc").
		Find(&due).Error
	return due, err
}

// MarkExecuted records a successful run: counter reset, next occurrence set.
func (r *ScheduleRepository) MarkExecuted(ctx context.Context, id string, next time.Time) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&model.RecurringSchedule{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"next_execution":  next.UTC(),
			"last_executed":   &now,
			"execution_count": gorm.Expr("execution_count + 1"),
			"failed_count":    0,
			"last_error":      "",
		}).Error
}

// MarkFailed increments the failure counter and deactivates the schedule
// once it reaches the limit. Returns whether the schedule was deactivated.
func (r *ScheduleRepository) MarkFailed(ctx context.Context, id string, errMsg string) (bool, error) {
	s, err := r.ByID(ctx, id)
	if err != nil || s == nil {
		return false, err
	}
	failed := s.FailedCount + 1
	active := failed < failureLimit
	err = r.db.WithContext(ctx).Model(&model.RecurringSchedule{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"failed_count": failed,
			"last_error":   errMsg,
			"is_active":    active,
		}).Error
	return !active, err
}

// SetActive pauses or resumes a schedule; resuming clears the failure count.
func (r *ScheduleRepository) SetActive(ctx context.Context, id string, active bool) error {
	updates := map[string]interface{}{"is_active": active}
	if active {
		updates["failed_count"] = 0
	}
	return r.db.WithContext(ctx).Model(&model.RecurringSchedule{}).
		Where("id = ?", id).Updates(updates).Error
}

func (r *ScheduleRepository) ListByUser(ctx context.Context, user string, activeOnly bool) ([]model.RecurringSchedule, error) {
	q := r.db.WithContext(ctx).
		Where("user_address = ?", strings.ToLower(user)).
		Order("next_execution asc")
	if activeOnly {
		q = q.Where("is_active = true")
	}
	var out []model.RecurringSchedule
	err := q.Find(&out).Error
	return out, err
}

func (r *ScheduleRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.RecurringSchedule{}).Error
}

// ActiveUsers lists distinct users with active schedules, for the
// low-balance sweep.
func (r *ScheduleRepository) ActiveUsers(ctx context.Context) ([]string, error) {
	var users []string
	err := r.db.WithContext(ctx).Model(&model.RecurringSchedule{}).
		Where("is_active = true").
		Distinct("user_address").
		Pluck("user_address", &users).Error
	return users, err
}

type SavingsRepository struct {
	db *gorm.DB
}

func NewSavingsRepository(db *gorm.DB) *SavingsRepository {
	return &SavingsRepository{db: db}
}

func (r *SavingsRepository) Save(ctx context.Context, p *model.SavingsPlan) error {
	p.UserAddress = strings.ToLower(p.UserAddress)
	p.AgentAddress = strings.ToLower(p.AgentAddress)
	p.VaultAddress = strings.ToLower(p.VaultAddress)
	return r.db.WithContext(ctx).Save(p).Error
}

func (r *SavingsRepository) ByID(ctx context.Context, id string) (*model.SavingsPlan, error) {
	var p model.SavingsPlan
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// Due returns recurring, non-withdrawn, active plans whose next deposit has
// passed. Plans without a next-deposit timestamp are never due.
func (r *SavingsRepository) Due(ctx context.Context, before time.Time) ([]model.SavingsPlan, error) {
	var due []model.SavingsPlan
	err := r.db.WithContext(ctx).
		Where("is_active = true AND is_recurring = true AND withdrawn = false").
		Where("next_deposit IS NOT NULL AND next_deposit <= ?", before.UTC()).
		Order("next_deposit asc").
		Find(&due).Error
	return due, err
}

func (r *SavingsRepository) RecordDeposit(ctx context.Context, id string, amount float64, next *time.Time) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"deposits_completed": gorm.Expr("deposits_completed + 1"),
		"total_saved":        gorm.Expr("total_saved + ?", amount),
		"last_deposit":       &now,
	}
	if next != nil {
		utc := next.UTC()
		updates["next_deposit"] = &utc
	}
	return r.db.WithContext(ctx).Model(&model.SavingsPlan{}).
		Where("id = ?", id).Updates(updates).Error
}

func (r *SavingsRepository) ListByUser(ctx context.Context, user string, activeOnly bool) ([]model.SavingsPlan, error) {
	q := r.db.WithContext(ctx).
		Where("user_address = ?", strings.ToLower(user)).
		Order("unlock_date asc")
	if activeOnly {
		q = q.Where("is_active = true AND withdrawn = false")
	}
	var out []model.SavingsPlan
	err := q.Find(&out).Error
	return out, err
}

func (r *SavingsRepository) MarkWithdrawn(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&model.SavingsPlan{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"withdrawn": true, "is_active": false}).Error
}

func (r *SavingsRepository) ActiveUsers(ctx context.Context) ([]string, error) {
	var users []string
	err := r.db.WithContext(ctx).Model(&model.SavingsPlan{}).
		Where("is_active = true AND withdrawn = false").
		Distinct("user_address").
		Pluck("user_address", &users).Error
	return users, err
}

type ExecutionLogRepository struct {
	db *gorm.DB
}

func NewExecutionLogRepository(db *gorm.DB) *ExecutionLogRepository {
	return &ExecutionLogRepository{db: db}
}

func (r *ExecutionLogRepository) Append(ctx context.Context, entry *model.ExecutionLog) error {
	entry.UserAddress = strings.ToLower(entry.UserAddress)
	entry.Destination = strings.ToLower(entry.Destination)
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *ExecutionLogRepository) History(ctx context.Context, user string, limit int) ([]model.ExecutionLog, error) {
	var out []model.ExecutionLog
	err := r.db.WithContext(ctx).
		Where("user_address = ?", strings.ToLower(user)).
		Order("executed_at desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *ExecutionLogRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("executed_at < ?", before.UTC()).
		Delete(&model.ExecutionLog{})
	return res.RowsAffected, res.Error
}

type NotificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

func (r *NotificationRepository) Create(ctx context.Context, user, notificationType, message string, txHash *string) error {
	return r.db.WithContext(ctx).Create(&model.Notification{
		UserAddress:      strings.ToLower(user),
		NotificationType: notificationType,
		Message:          message,
		TxHash:           txHash,
	}).Error
}

func (r *NotificationRepository) List(ctx context.Context, user string, unreadOnly bool, limit int) ([]model.Notification, error) {
	q := r.db.WithContext(ctx).
		Where("user_address = ?", strings.ToLower(user)).
		Order("created_at desc").
		Limit(limit)
	if unreadOnly {
		q = q.Where("is_read = false")
	}
	var out []model.Notification
	err := q.Find(&out).Error
	return out, err
}

func (r *NotificationRepository) MarkRead(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&model.Notification{}).
		Where("id = ?", id).Update("is_read", true).Error
}

func (r *NotificationRepository) MarkAllRead(ctx context.Context, user string) error {
	return r.db.WithContext(ctx).Model(&model.Notification{}).
		Where("user_address = ?", strings.ToLower(user)).
		Update("is_read", true).Error
}
