package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sentinel_vault/middleware"
	"github.com/sentinel_vault/repository"
	"github.com/sentinel_vault/service"
)

type MonitorHandler struct {
	watchdog *service.Watchdog
	ledger   *service.LedgerClient
	txs      *repository.TransactionRepository
	alerts   *repository.AlertRepository
	agents   *repository.AgentRepository
	vendors  *repository.VendorRepository
	audit    *repository.AuditRepository
}

func NewMonitorHandler(watchdog *service.Watchdog, ledger *service.LedgerClient, txs *repository.TransactionRepository, alerts *repository.AlertRepository, agents *repository.AgentRepository, vendors *repository.VendorRepository, audit *repository.AuditRepository) *MonitorHandler {
	return &MonitorHandler{
		watchdog: watchdog,
		ledger:   ledger,
		txs:      txs,
		alerts:   alerts,
		agents:   agents,
		vendors:  vendors,
		audit:    audit,
	}
}

// GET /api/monitor/health
func (h *MonitorHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "stats": h.watchdog.Stats()})
}

// GET /api/monitor/limits
func (h *MonitorHandler) Limits(c *gin.Context) {
	limits, err := h.ledger.Limits(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, limits)
}

// GET /api/monitor/transactions
func (h *MonitorHandler) Transactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	txs, err := h.txs.History(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": len(txs), "records": txs})
}

// GET /api/monitor/transactions/pending
func (h *MonitorHandler) PendingTransactions(c *gin.Context) {
	txs, err := h.txs.Pending(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": len(txs), "records": txs})
}

// GET /api/monitor/transactions/:txId
func (h *MonitorHandler) Transaction(c *gin.Context) {
	txID, err := strconv.ParseInt(c.Param("txId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid txId"})
		return
	}
	tx, err := h.txs.ByTxID(c.Request.Context(), txID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if tx == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx, "integrity_ok": tx.VerifyIntegrity()})
}

// GET /api/monitor/alerts
func (h *MonitorHandler) Alerts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var acknowledged *bool
	if v := c.Query("acknowledged"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid acknowledged flag"})
			return
		}
		acknowledged = &b
	}

	alerts, err := h.alerts.List(c.Request.Context(), acknowledged, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": len(alerts), "records": alerts})
}

// POST /api/monitor/alerts/:id/ack
func (h *MonitorHandler) AcknowledgeAlert(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
		return
	}
	by := middleware.CallerAddress(c)

	if err := h.alerts.Acknowledge(c.Request.Context(), uint(id), by); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.audit.Append(c.Request.Context(), "alert_acknowledged", "alert", c.Param("id"), "", "", by); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

// GET /api/monitor/agents/:address
func (h *MonitorHandler) AgentProfile(c *gin.Context) {
	profile, err := h.agents.Profile(c.Request.Context(), c.Param("address"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if profile == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not observed"})
		return
	}
	c.JSON(http.StatusOK, profile)
}

// GET /api/monitor/vendors
func (h *MonitorHandler) Vendors(c *gin.Context) {
	trustedOnly, _ := strconv.ParseBool(c.Query("trusted"))
	vendors, err := h.vendors.List(c.Request.Context(), c.Query("wallet"), trustedOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": len(vendors), "records": vendors})
}

type vendorUpsertRequest struct {
	WalletAddress string `json:"wallet_address" binding:"required"`
	Address       string `json:"address" binding:"required"`
	Name          string `json:"name"`
	Trusted       bool   `json:"trusted"`
}

// POST /api/monitor/vendors
func (h *MonitorHandler) UpsertVendor(c *gin.Context) {
	var req vendorUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.vendors.Upsert(c.Request.Context(), req.WalletAddress, req.Address, req.Name, req.Trusted); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.audit.Append(c.Request.Context(), "vendor_upserted", "vendor", req.Address, "",
		strconv.FormatBool(req.Trusted), middleware.CallerAddress(c)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}
