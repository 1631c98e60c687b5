package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/sentinel_vault/backoff"
	"github.com/sentinel_vault/model"
)

// Loop cadences for the watchdog's periodic tasks.
const (
	pollInterval      = 2 * time.Second
	chunkSpan         = 100
	recoveryDelay     = time.Minute
	pendingInterval   = 30 * time.Second
	pendingErrorDelay = 10 * time.Second
	healthInterval    = 5 * time.Minute
	windowRetention   = time.Hour
)

// VaultLedger is the slice of the ledger client the watchdog drives.
type VaultLedger interface {
	BlockNumber(ctx context.Context) (uint64, error)
	VaultEvents(ctx context.Context, from, to uint64) ([]VaultEvent, error)
	IsTrustedVendor(ctx context.Context, vendor common.Address) (bool, error)
	VaultAddress() common.Address
}

type TransactionStore interface {
	Insert(ctx context.Context, tx *model.Transaction) error
	SetExecuted(ctx context.Context, txID int64) error
	SetRevoked(ctx context.Context, txID int64, reason string) error
	Pending(ctx context.Context) ([]model.Transaction, error)
}

type AgentStore interface {
	Profile(ctx context.Context, address string) (*model.AgentProfile, error)
	RecordPayment(ctx context.Context, agent string, amountWei *big.Int, at time.Time) error
}

type VendorStore interface {
	RecordPayment(ctx context.Context, wallet, vendor string, amountWei *big.Int, trusted bool) error
}

type AlertStore interface {
	Insert(ctx context.Context, txID int64, alertType, severity, message string) error
}

type AuditStore interface {
	Append(ctx context.Context, action, entityType, entityID, oldValue, newValue, performedBy string) error
}

// WatchdogStats is a point-in-time snapshot for the health endpoint.
type WatchdogStats struct {
	EventsProcessed uint64    `json:"events_processed"`
	AlertsGenerated uint64    `json:"alerts_generated"`
	Errors          uint64    `json:"errors"`
	LastBlock       uint64    `json:"last_block"`
	RecentTxCount   int       `json:"recent_tx_count"`
	StartedAt       time.Time `json:"started_at"`
}

// Watchdog polls the ledger, scores observed payment requests, and raises
// alerts. It is designed to never die from connectivity issues: an
// exhausted retry budget falls back to a long recovery delay and resumes.
type Watchdog struct {
	ledger   VaultLedger
	txs      TransactionStore
	agents   AgentStore
	vendors  VendorStore
	alerts   AlertStore
	audit    AuditStore
	notifier *Notifier

	risk   RiskConfig
	window *TxWindow
	retry  *backoff.Policy
	now    func() time.Time

	// lastProcessed is only touched by the polling loop; stats is shared
	// with the health loop and the HTTP health endpoint.
	lastProcessed uint64

	mu    sync.Mutex
	stats WatchdogStats
}

func NewWatchdog(ledger VaultLedger, txs TransactionStore, agents AgentStore, vendors VendorStore, alerts AlertStore, audit AuditStore, notifier *Notifier) *Watchdog {
	return &Watchdog{
		ledger:   ledger,
		txs:      txs,
		agents:   agents,
		vendors:  vendors,
		alerts:   alerts,
		audit:    audit,
		notifier: notifier,
		risk:     DefaultRiskConfig(),
		window:   NewTxWindow(windowRetention),
		retry:    backoff.NewPolicy(),
		now:      time.Now,
	}
}

// Run drives the polling loop, the pending-transaction monitor, and the
// health reporter until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	head, err := w.ledger.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("initial block height: %w", err)
	}
	w.lastProcessed = head
	w.mu.Lock()
	w.stats.StartedAt = w.now().UTC()
	w.mu.Unlock()
	log.Printf("watchdog started vault=%s block=%d", w.ledger.VaultAddress().Hex(), head)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.pollLoop(ctx) })
	g.Go(func() error { return w.pendingLoop(ctx) })
	g.Go(func() error { return w.healthLoop(ctx) })
	return g.Wait()
}

func (w *Watchdog) bumpEvents() {
	w.mu.Lock()
	w.stats.EventsProcessed++
	w.mu.Unlock()
}

func (w *Watchdog) bumpAlerts() {
	w.mu.Lock()
	w.stats.AlertsGenerated++
	w.mu.Unlock()
}

func (w *Watchdog) bumpErrors() {
	w.mu.Lock()
	w.stats.Errors++
	w.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (w *Watchdog) pollLoop(ctx context.Context) error {
	for {
		err := w.pollOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			w.retry.Reset()
			if err := sleepCtx(ctx, pollInterval); err != nil {
				return err
			}
			continue
		}

		w.bumpErrors()
		metricPollingErrors.Inc()
		log.Printf("polling error: %v", err)

		if w.retry.ShouldRetry() {
			delay := w.retry.NextDelay()
			log.Printf("retrying in %s (attempt %d)", delay, w.retry.Attempt())
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		} else {
			// budget exhausted: back off hard, then start over
			log.Printf("max retries exceeded, resuming in %s", recoveryDelay)
			w.retry.Reset()
			if err := sleepCtx(ctx, recoveryDelay); err != nil {
				return err
			}
		}
	}
}

// pollOnce processes at most one bounded chunk of new blocks. The cursor
// only advances after the whole chunk succeeds, so a crash or RPC failure
// mid-chunk replays it instead of skipping events.
func (w *Watchdog) pollOnce(ctx context.Context) error {
	head, err := w.ledger.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if head <= w.lastProcessed {
		return nil
	}

	from := w.lastProcessed + 1
	to := from + chunkSpan - 1
	if to > head {
		to = head
	}

	events, err := w.ledger.VaultEvents(ctx, from, to)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := w.processEvent(ctx, ev); err != nil {
			return fmt.Errorf("process tx %d: %w", ev.TxID, err)
		}
	}

	w.lastProcessed = to
	w.mu.Lock()
	w.stats.LastBlock = to
	w.mu.Unlock()
	return nil
}

func (w *Watchdog) processEvent(ctx context.Context, ev VaultEvent) error {
	switch ev.Kind {
	case EventPaymentRequested:
		return w.processPaymentRequested(ctx, ev)
	case EventPaymentExecuted:
		if err := w.txs.SetExecuted(ctx, ev.TxID); err != nil {
			return err
		}
		w.bumpEvents()
		metricEventsProcessed.Inc()
		log.Printf("payment executed tx_id=%d", ev.TxID)
		return w.audit.Append(ctx, "payment_executed", "transaction", fmt.Sprint(ev.TxID), "", "", "contract")
	case EventPaymentRevoked:
		if err := w.txs.SetRevoked(ctx, ev.TxID, ev.Reason); err != nil {
			return err
		}
		if err := w.alerts.Insert(ctx, ev.TxID, "revoked", SeverityInfo, fmt.Sprintf("Transaction revoked: %s", ev.Reason)); err != nil {
			return err
		}
		w.bumpEvents()
		metricEventsProcessed.Inc()
		log.Printf("payment revoked tx_id=%d reason=%q", ev.TxID, ev.Reason)
		return w.audit.Append(ctx, "payment_revoked", "transaction", fmt.Sprint(ev.TxID), "", ev.Reason, "owner")
	}
	return nil
}

func (w *Watchdog) processPaymentRequested(ctx context.Context, ev VaultEvent) error {
	// A chunk that failed mid-way replays in full on the next cycle. Events
	// already in the window were fully handled, so skip them instead of
	// double-counting the rapid-transactions signal and re-firing alerts.
	if w.window.Contains(ev.TxID) {
		return nil
	}

	agent := ev.Agent.Hex()
	trusted, err := w.ledger.IsTrustedVendor(ctx, ev.Vendor)
	if err != nil {
		return err
	}

	now := w.now()
	w.window.Prune(now)

	profile, err := w.agents.Profile(ctx, agent)
	if err != nil {
		return err
	}
	recent := w.window.Recent(agent, w.risk.RapidTxWindow, now)
	score, factors := ScoreRisk(w.risk, profile, trusted, ev.Amount, recent)

	factorsJSON, _ := json.Marshal(factors)
	tx := &model.Transaction{
		TxID:         ev.TxID,
		VaultAddress: w.ledger.VaultAddress().Hex(),
		Agent:        agent,
		Vendor:       ev.Vendor.Hex(),
		AmountWei:    ev.Amount.String(),
		Timestamp:    now.Unix(),
		ExecuteAfter: ev.ExecuteAfter,
		RiskScore:    score,
		RiskFactors:  string(factorsJSON),
	}
	if err := w.txs.Insert(ctx, tx); err != nil {
		return err
	}
	if err := w.agents.RecordPayment(ctx, agent, ev.Amount, now); err != nil {
		return err
	}
	if err := w.vendors.RecordPayment(ctx, w.ledger.VaultAddress().Hex(), ev.Vendor.Hex(), ev.Amount, trusted); err != nil {
		return err
	}

	w.window.Append(RecentTransaction{TxID: ev.TxID, Agent: agent, At: now, Amount: ev.Amount})
	w.bumpEvents()
	metricEventsProcessed.Inc()

	switch w.risk.Severity(score) {
	case SeverityCritical:
		msg := fmt.Sprintf("High risk transaction detected. Score: %.2f. Factors: %v", score, factors)
		if err := w.alerts.Insert(ctx, ev.TxID, "high_risk", SeverityCritical, msg); err != nil {
			return err
		}
		w.bumpAlerts()
		metricAlertsGenerated.Inc()
		w.notifier.Notify(ctx, "high_risk_transaction", SeverityCritical, msg, map[string]interface{}{
			"tx_id":      ev.TxID,
			"amount":     ev.Amount.String(),
			"risk_score": score,
			"factors":    factors,
		})
		log.Printf("high risk transaction tx_id=%d score=%.2f factors=%v", ev.TxID, score, factors)
	case SeverityWarning:
		msg := fmt.Sprintf("Medium risk transaction. Score: %.2f. Factors: %v", score, factors)
		if err := w.alerts.Insert(ctx, ev.TxID, "medium_risk", SeverityWarning, msg); err != nil {
			return err
		}
		w.bumpAlerts()
		metricAlertsGenerated.Inc()
		log.Printf("medium risk transaction tx_id=%d score=%.2f factors=%v", ev.TxID, score, factors)
	default:
		log.Printf("transaction processed tx_id=%d score=%.2f", ev.TxID, score)
	}

	txJSON, _ := json.Marshal(tx)
	return w.audit.Append(ctx, "payment_requested", "transaction", fmt.Sprint(ev.TxID), "", string(txJSON), "watchdog")
}

// pendingLoop raises urgent-review alerts for high-risk transactions whose
// timelock is about to expire.
func (w *Watchdog) pendingLoop(ctx context.Context) error {
	for {
		if err := w.checkPending(ctx); err != nil {
			w.bumpErrors()
			log.Printf("pending monitor error: %v", err)
			if err := sleepCtx(ctx, pendingErrorDelay); err != nil {
				return err
			}
			continue
		}
		if err := sleepCtx(ctx, pendingInterval); err != nil {
			return err
		}
	}
}

func (w *Watchdog) checkPending(ctx context.Context) error {
	pending, err := w.txs.Pending(ctx)
	if err != nil {
		return err
	}
	now := w.now().Unix()

	for _, tx := range pending {
		timeLeft := tx.ExecuteAfter - now
		switch {
		case tx.RiskScore >= w.risk.HighRiskScore && timeLeft > 0 && timeLeft < 300:
			msg := fmt.Sprintf("High risk TX %d executing in %ds. Review immediately.", tx.TxID, timeLeft)
			if err := w.alerts.Insert(ctx, tx.TxID, "urgent_review", SeverityCritical, msg); err != nil {
				return err
			}
			w.bumpAlerts()
			metricAlertsGenerated.Inc()
			w.notifier.Notify(ctx, "urgent_review", SeverityCritical, msg, map[string]interface{}{
				"tx_id":      tx.TxID,
				"time_left":  timeLeft,
				"risk_score": tx.RiskScore,
			})
			log.Printf("urgent review needed tx_id=%d time_left=%d", tx.TxID, timeLeft)
		case tx.RiskScore >= w.risk.MediumRiskScore && timeLeft > 0 && timeLeft < 600:
			log.Printf("pending review suggested tx_id=%d time_left=%d", tx.TxID, timeLeft)
		}
	}
	return nil
}

func (w *Watchdog) healthLoop(ctx context.Context) error {
	for {
		if err := sleepCtx(ctx, healthInterval); err != nil {
			return err
		}
		s := w.Stats()
		log.Printf("health events=%d alerts=%d errors=%d last_block=%d window=%d uptime=%s",
			s.EventsProcessed, s.AlertsGenerated, s.Errors, s.LastBlock, s.RecentTxCount,
			w.now().UTC().Sub(s.StartedAt).Round(time.Second))
	}
}

// Stats is safe to call from any goroutine.
func (w *Watchdog) Stats() WatchdogStats {
	w.mu.Lock()
	s := w.stats
	w.mu.Unlock()
	s.RecentTxCount = w.window.Len()
	return s
}
