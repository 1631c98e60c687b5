package model

import "time"

// Payment kinds and frequencies stored on schedules.
const (
	PaymentTypeVendor  = "vendor"
	PaymentTypeSavings = "savings"
)

// RecurringSchedule is created by the user-facing API and driven by the
// executor. Three consecutive failures deactivate it; the user must resume
// it explicitly.
type RecurringSchedule struct {
	ID             string `gorm:"primaryKey;size:64"`
	UserAddress    string `gorm:"size:64;index"`
	AgentAddress   string `gorm:"size:64"`
	VaultAddress   string `gorm:"size:64"`
	PaymentType    string `gorm:"size:16;default:'vendor'"`
	Vendor         string `gorm:"size:128"`
	VendorAddress  string `gorm:"size:64"`
	Amount         float64   // token units
	Frequency      string    `gorm:"size:16"`
	ExecutionTime  string    `gorm:"size:8;default:'09:00'"` // HH:MM, UTC
	StartDate      time.Time
	NextExecution  time.Time `gorm:"index"`
	Reason         string    `gorm:"type:text"`
	IsTrusted      bool      // trust flag snapshot at creation time
	IsActive       bool      `gorm:"index"`
	Network        string    `gorm:"size:32;default:'sepolia'"`
	ExecutionCount int
	FailedCount    int
	LastExecuted   *time.Time
	LastError      string `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SavingsPlan mirrors RecurringSchedule but terminates via explicit
// withdrawal rather than indefinite recurrence.
type SavingsPlan struct {
	ID                string `gorm:"primaryKey;size:64"`
	UserAddress       string `gorm:"size:64;index"`
	AgentAddress      string `gorm:"size:64"`
	VaultAddress      string `gorm:"size:64"`
	ContractPlanID    *int64 // on-chain plan id, nil until registered
	Name              string `gorm:"size:128"`
	Amount            float64    // per-deposit token units
	Frequency         string     `gorm:"size:16"`
	LockDays          int
	ExecutionTime     string     `gorm:"size:8;default:'09:00'"`
	StartDate         time.Time
	NextDeposit       *time.Time `gorm:"index"`
	UnlockDate        time.Time
	IsRecurring       bool `gorm:"default:true"`
	IsActive          bool `gorm:"index"`
	TotalDeposits     int  `gorm:"default:1"`
	DepositsCompleted int
	TotalSaved        float64
	TargetAmount      float64
	Withdrawn         bool
	LastDeposit       *time.Time
	Network           string `gorm:"size:32;default:'sepolia'"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ExecutionLog is the append-only record of every execution attempt.
type ExecutionLog struct {
	ID            uint    `gorm:"primaryKey"`
	ScheduleID    *string `gorm:"size:64"`
	SavingsPlanID *string `gorm:"size:64"`
	UserAddress   string  `gorm:"size:64;index"`
	ExecutionType string  `gorm:"size:16"` // auto / manual
	Amount        float64
	Destination   string  `gorm:"size:64"`
	TxHash        *string `gorm:"size:128"`
	Status        string  `gorm:"size:16"` // success / failed
	ErrorMessage  string  `gorm:"type:text"`
	ExecutedAt    time.Time `gorm:"autoCreateTime;index"`
}

type Notification struct {
	ID               uint    `gorm:"primaryKey"`
	UserAddress      string  `gorm:"size:64;index"`
	NotificationType string  `gorm:"size:32"`
	Message          string  `gorm:"type:text"`
	TxHash           *string `gorm:"size:128"`
	IsRead           bool    `gorm:"index"`
	CreatedAt        time.Time
}
