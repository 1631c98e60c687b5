package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sentinel_vault/config"
	"github.com/sentinel_vault/middleware"
	"github.com/sentinel_vault/model"
	"github.com/sentinel_vault/repository"
	"github.com/sentinel_vault/service"
)

type ScheduleHandler struct {
	cfg       *config.Config
	schedules *repository.ScheduleRepository
	savings   *repository.SavingsRepository
	execLog   *repository.ExecutionLogRepository
	inbox     *repository.NotificationRepository
	audit     *repository.AuditRepository
}

func NewScheduleHandler(cfg *config.Config, schedules *repository.ScheduleRepository, savings *repository.SavingsRepository, execLog *repository.ExecutionLogRepository, inbox *repository.NotificationRepository, audit *repository.AuditRepository) *ScheduleHandler {
	return &ScheduleHandler{
		cfg:       cfg,
		schedules: schedules,
		savings:   savings,
		execLog:   execLog,
		inbox:     inbox,
		audit:     audit,
	}
}

type createScheduleRequest struct {
	AgentAddress  string  `json:"agent_address" binding:"required"`
	VaultAddress  string  `json:"vault_address" binding:"required"`
	PaymentType   string  `json:"payment_type"`
	Vendor        string  `json:"vendor" binding:"required"`
	VendorAddress string  `json:"vendor_address" binding:"required"`
	Amount        float64 `json:"amount" binding:"required,gt=0"`
	Frequency     string  `json:"frequency" binding:"required"`
	ExecutionTime string  `json:"execution_time"`
	StartDate     string  `json:"start_date"` // YYYY-MM-DD, optional
	Reason        string  `json:"reason"`
	IsTrusted     bool    `json:"is_trusted"`
	Network       string  `json:"network"`
}

// firstExecution places the first run on the start date when that is still
// ahead, otherwise one full interval from now.
func firstExecution(freq service.Frequency, executionTime, startDate string, now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	if startDate != "" {
		if d, err := time.Parse("2006-01-02", startDate); err == nil {
			if first := service.AtTimeOfDay(d, executionTime); first.After(now) {
				return d, first
			}
		}
	}
	return now, service.NextOccurrence(freq, executionTime, now)
}

// POST /api/schedules
func (h *ScheduleHandler) CreateSchedule(c *gin.Context) {
	var req createScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	freq, known := service.ParseFrequency(req.Frequency)
	if req.ExecutionTime == "" {
		req.ExecutionTime = "09:00"
	}
	if req.PaymentType == "" {
		req.PaymentType = model.PaymentTypeVendor
	}
	network := h.cfg.NetworkOrDefault(req.Network).Name

	start, next := firstExecution(freq, req.ExecutionTime, req.StartDate, time.Now())
	s := &model.RecurringSchedule{
		ID:            uuid.NewString(),
		UserAddress:   middleware.CallerAddress(c),
		AgentAddress:  req.AgentAddress,
		VaultAddress:  req.VaultAddress,
		PaymentType:   req.PaymentType,
		Vendor:        req.Vendor,
		VendorAddress: req.VendorAddress,
		Amount:        req.Amount,
		Frequency:     string(freq),
		ExecutionTime: req.ExecutionTime,
		StartDate:     start,
		NextExecution: next,
		Reason:        req.Reason,
		IsTrusted:     req.IsTrusted,
		IsActive:      true,
		Network:       network,
	}
	if err := h.schedules.Save(c.Request.Context(), s); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.audit.Append(c.Request.Context(), "schedule_created", "schedule", s.ID, "", s.Vendor, s.UserAddress); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{"schedule": s}
	if !known {
		resp["warning"] = "unknown frequency, defaulted to monthly"
	}
	c.JSON(http.StatusCreated, resp)
}

// GET /api/schedules
func (h *ScheduleHandler) ListSchedules(c *gin.Context) {
	activeOnly, _ := strconv.ParseBool(c.Query("active"))
	out, err := h.schedules.ListByUser(c.Request.Context(), middleware.CallerAddress(c), activeOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": len(out), "records": out})
}

// GET /api/schedules/:id
func (h *ScheduleHandler) GetSchedule(c *gin.Context) {
	s, ok := h.ownedSchedule(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s)
}

// POST /api/schedules/:id/pause
func (h *ScheduleHandler) PauseSchedule(c *gin.Context) {
	h.setScheduleActive(c, false)
}

// POST /api/schedules/:id/resume
func (h *ScheduleHandler) ResumeSchedule(c *gin.Context) {
	h.setScheduleActive(c, true)
}

func (h *ScheduleHandler) setScheduleActive(c *gin.Context, active bool) {
	s, ok := h.ownedSchedule(c)
	if !ok {
		return
	}
	if err := h.schedules.SetActive(c.Request.Context(), s.ID, active); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	action := "schedule_paused"
	if active {
		action = "schedule_resumed"
	}
	if err := h.audit.Append(c.Request.Context(), action, "schedule", s.ID, strconv.FormatBool(s.IsActive),
		strconv.FormatBool(active), s.UserAddress); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": s.ID, "is_active": active})
}

// DELETE /api/schedules/:id
func (h *ScheduleHandler) DeleteSchedule(c *gin.Context) {
	s, ok := h.ownedSchedule(c)
	if !ok {
		return
	}
	if err := h.schedules.Delete(c.Request.Context(), s.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.audit.Append(c.Request.Context(), "schedule_deleted", "schedule", s.ID, s.Vendor, "", s.UserAddress); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *ScheduleHandler) ownedSchedule(c *gin.Context) (*model.RecurringSchedule, bool) {
	s, err := h.schedules.ByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if s == nil || s.UserAddress != middleware.CallerAddress(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
		return nil, false
	}
	return s, true
}

// GET /api/schedules/executions
func (h *ScheduleHandler) ExecutionHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	out, err := h.execLog.History(c.Request.Context(), middleware.CallerAddress(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": len(out), "records": out})
}

type createSavingsRequest struct {
	AgentAddress   string  `json:"agent_address" binding:"required"`
	VaultAddress   string  `json:"vault_address" binding:"required"`
	ContractPlanID *int64  `json:"contract_plan_id"`
	Name           string  `json:"name" binding:"required"`
	Amount         float64 `json:"amount" binding:"required,gt=0"`
	Frequency      string  `json:"frequency" binding:"required"`
	LockDays       int     `json:"lock_days" binding:"required,gt=0"`
	ExecutionTime  string  `json:"execution_time"`
	IsRecurring    bool    `json:"is_recurring"`
	TotalDeposits  int     `json:"total_deposits"`
	TargetAmount   float64 `json:"target_amount"`
	Network        string  `json:"network"`
}

// POST /api/savings
func (h *ScheduleHandler) CreateSavingsPlan(c *gin.Context) {
	var req createSavingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	freq, _ := service.ParseFrequency(req.Frequency)
	if req.ExecutionTime == "" {
		req.ExecutionTime = "09:00"
	}
	if req.TotalDeposits <= 0 {
		req.TotalDeposits = 1
	}

	now := time.Now().UTC()
	var nextDeposit *time.Time
	if req.IsRecurring {
		n := service.NextOccurrence(freq, req.ExecutionTime, now)
		nextDeposit = &n
	}
	p := &model.SavingsPlan{
		ID:             uuid.NewString(),
		UserAddress:    middleware.CallerAddress(c),
		AgentAddress:   req.AgentAddress,
		VaultAddress:   req.VaultAddress,
		ContractPlanID: req.ContractPlanID,
		Name:           req.Name,
		Amount:         req.Amount,
		Frequency:      string(freq),
		LockDays:       req.LockDays,
		ExecutionTime:  req.ExecutionTime,
		StartDate:      now,
		NextDeposit:    nextDeposit,
		UnlockDate:     now.AddDate(0, 0, req.LockDays),
		IsRecurring:    req.IsRecurring,
		IsActive:       true,
		TotalDeposits:  req.TotalDeposits,
		TargetAmount:   req.TargetAmount,
		Network:        h.cfg.NetworkOrDefault(req.Network).Name,
	}
	if err := h.savings.Save(c.Request.Context(), p); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.audit.Append(c.Request.Context(), "savings_plan_created", "savings_plan", p.ID, "", p.Name, p.UserAddress); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, p)
}

// GET /api/savings
func (h *ScheduleHandler) ListSavingsPlans(c *gin.Context) {
	activeOnly, _ := strconv.ParseBool(c.Query("active"))
	out, err := h.savings.ListByUser(c.Request.Context(), middleware.CallerAddress(c), activeOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": len(out), "records": out})
}

// POST /api/savings/:id/withdrawn
func (h *ScheduleHandler) MarkSavingsWithdrawn(c *gin.Context) {
	p, err := h.savings.ByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	user := middleware.CallerAddress(c)
	if p == nil || p.UserAddress != user {
		c.JSON(http.StatusNotFound, gin.H{"error": "savings plan not found"})
		return
	}
	if time.Now().UTC().Before(p.UnlockDate) {
		c.JSON(http.StatusConflict, gin.H{"error": "plan is still locked", "unlock_date": p.UnlockDate})
		return
	}
	if err := h.savings.MarkWithdrawn(c.Request.Context(), p.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.audit.Append(c.Request.Context(), "savings_plan_withdrawn", "savings_plan", p.ID, "", "", user); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawn": true})
}

// GET /api/notifications
func (h *ScheduleHandler) ListNotifications(c *gin.Context) {
	unreadOnly, _ := strconv.ParseBool(c.Query("unread"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	out, err := h.inbox.List(c.Request.Context(), middleware.CallerAddress(c), unreadOnly, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": len(out), "records": out})
}

// POST /api/notifications/:id/read
func (h *ScheduleHandler) MarkNotificationRead(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification id"})
		return
	}
	if err := h.inbox.MarkRead(c.Request.Context(), uint(id)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"read": true})
}

// POST /api/notifications/read-all
func (h *ScheduleHandler) MarkAllNotificationsRead(c *gin.Context) {
	if err := h.inbox.MarkAllRead(c.Request.Context(), middleware.CallerAddress(c)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"read": true})
}
