package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_events_processed_total",
		Help: "Ledger events observed and persisted by the watchdog.",
	})
	metricAlertsGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_alerts_generated_total",
		Help: "Alerts raised by the watchdog and pending monitor.",
	})
	metricPollingErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_polling_errors_total",
		Help: "Failed watchdog polling cycles.",
	})
	metricExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_executions_total",
		Help: "Recurring payment execution attempts by outcome.",
	}, []string{"status"})
)
