package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinel_vault/config"
	"github.com/sentinel_vault/handler"
	"github.com/sentinel_vault/middleware"
)

func SetupRouter(cfg *config.Config, authHandler *handler.AuthHandler, monitorHandler *handler.MonitorHandler, scheduleHandler *handler.ScheduleHandler, walletHandler *handler.WalletHandler) *gin.Engine {
	r := gin.Default()

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/api/auth/token", authHandler.IssueToken)

	auth := middleware.JwtAuthMiddleware(cfg.JWTSecret)

	monitor := r.Group("/api/monitor", auth)
	{
		monitor.GET("/health", monitorHandler.Health)
		monitor.GET("/limits", monitorHandler.Limits)
		monitor.GET("/transactions", monitorHandler.Transactions)
		monitor.GET("/transactions/pending", monitorHandler.PendingTransactions)
		monitor.GET("/transactions/:txId", monitorHandler.Transaction)
		monitor.GET("/alerts", monitorHandler.Alerts)
		monitor.POST("/alerts/:id/ack", monitorHandler.AcknowledgeAlert)
		monitor.GET("/agents/:address", monitorHandler.AgentProfile)
		monitor.GET("/vendors", monitorHandler.Vendors)
		monitor.POST("/vendors", monitorHandler.UpsertVendor)
	}

	schedules := r.Group("/api/schedules", auth)
	{
		schedules.POST("", scheduleHandler.CreateSchedule)
		schedules.GET("", scheduleHandler.ListSchedules)
		schedules.GET("/executions", scheduleHandler.ExecutionHistory)
		schedules.GET("/:id", scheduleHandler.GetSchedule)
		schedules.POST("/:id/pause", scheduleHandler.PauseSchedule)
		schedules.POST("/:id/resume", scheduleHandler.ResumeSchedule)
		schedules.DELETE("/:id", scheduleHandler.DeleteSchedule)
	}

	savings := r.Group("/api/savings", auth)
	{
		savings.POST("", scheduleHandler.CreateSavingsPlan)
		savings.GET("", scheduleHandler.ListSavingsPlans)
		savings.POST("/:id/withdrawn", scheduleHandler.MarkSavingsWithdrawn)
	}

	notifications := r.Group("/api/notifications", auth)
	{
		notifications.GET("", scheduleHandler.ListNotifications)
		notifications.POST("/read-all", scheduleHandler.MarkAllNotificationsRead)
		notifications.POST("/:id/read", scheduleHandler.MarkNotificationRead)
	}

	wallet := r.Group("/api/wallet", auth)
	{
		wallet.POST("/register", walletHandler.Register)
		wallet.GET("", walletHandler.Get)
		wallet.GET("/balance", walletHandler.Balance)
		wallet.DELETE("", walletHandler.Delete)
	}

	return r
}
