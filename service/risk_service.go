package service

import (
	"math/big"
	"sync"
	"time"

	"github.com/sentinel_vault/model"
)

// Risk factor names, in the order the scorer applies them.
const (
	FactorAmountAnomaly   = "amount_anomaly"
	FactorNewAgent        = "new_agent"
	FactorUnknownAgent    = "unknown_agent"
	FactorUntrustedVendor = "untrusted_vendor"
	FactorRapidTxs        = "rapid_transactions"
	FactorVolumeSpike     = "volume_spike"
)

// Severity classification used by callers of the scorer.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

type RiskConfig struct {
	HighAmountMultiplier float64
	RapidTxWindow        time.Duration
	RapidTxCount         int
	NewAgentThreshold    int
	HighRiskScore        float64
	MediumRiskScore      float64

	AmountAnomalyWeight   float64
	NewAgentWeight        float64
	UnknownAgentWeight    float64
	UntrustedVendorWeight float64
	RapidTxWeight         float64
	VolumeSpikeWeight     float64
}

func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		HighAmountMultiplier:  5.0,
		RapidTxWindow:         5 * time.Minute,
		RapidTxCount:          5,
		NewAgentThreshold:     3,
		HighRiskScore:         0.7,
		MediumRiskScore:       0.4,
		AmountAnomalyWeight:   0.3,
		NewAgentWeight:        0.2,
		UnknownAgentWeight:    0.25,
		UntrustedVendorWeight: 0.3,
		RapidTxWeight:         0.25,
		VolumeSpikeWeight:     0.15,
	}
}

// RecentTransaction is one entry of the monitor's in-memory sliding window.
type RecentTransaction struct {
	TxID   int64
	Agent  string
	At     time.Time
	Amount *big.Int
}

// ScoreRisk is pure: identical inputs always produce the identical score
// and factor list. recent must already be limited to the requesting agent's
// transactions inside the rapid-transaction window.
func ScoreRisk(cfg RiskConfig, profile *model.AgentProfile, trusted bool, amount *big.Int, recent []RecentTransaction) (float64, []string) {
	score := 0.0
	var factors []string

	if profile != nil {
		avg, _ := new(big.Float).SetString(profile.AvgAmountWei)
		if avg == nil {
			avg = new(big.Float)
		}
		if avg.Sign() > 0 {
			threshold := new(big.Float).Mul(avg, big.NewFloat(cfg.HighAmountMultiplier))
			if new(big.Float).SetInt(amount).Cmp(threshold) > 0 {
				score += cfg.AmountAnomalyWeight
				factors = append(factors, FactorAmountAnomaly)
			}
		}
		if profile.TotalTransactions < cfg.NewAgentThreshold {
			score += cfg.NewAgentWeight
			factors = append(factors, FactorNewAgent)
		}
	} else {
		score += cfg.UnknownAgentWeight
		factors = append(factors, FactorUnknownAgent)
	}

	if !trusted {
		score += cfg.UntrustedVendorWeight
		factors = append(factors, FactorUntrustedVendor)
	}

	if len(recent) >= cfg.RapidTxCount {
		score += cfg.RapidTxWeight
		factors = append(factors, FactorRapidTxs)
	}

	if profile != nil {
		windowVolume := new(big.Int)
		for _, tx := range recent {
			windowVolume.Add(windowVolume, tx.Amount)
		}
		avg, ok := new(big.Int).SetString(profile.AvgAmountWei, 10)
		if !ok {
			avg = new(big.Int)
		}
		spike := new(big.Int).Mul(avg, big.NewInt(10))
		if windowVolume.Cmp(spike) > 0 {
			score += cfg.VolumeSpikeWeight
			factors = append(factors, FactorVolumeSpike)
		}
	}

	if score > 1.0 {
		score = 1.0
	}
	return score, factors
}

// Severity maps a score onto the alert classification. Scores below the
// medium threshold carry no alert.
func (cfg RiskConfig) Severity(score float64) string {
	switch {
	case score >= cfg.HighRiskScore:
		return SeverityCritical
	case score >= cfg.MediumRiskScore:
		return SeverityWarning
	default:
		return ""
	}
}

// TxWindow is the monitor's in-memory sliding window of recently observed
// transactions. The polling loop writes it while the health loop and the
// HTTP health endpoint read it, so every accessor locks.
type TxWindow struct {
	mu        sync.Mutex
	retention time.Duration
	txs       []RecentTransaction
}

func NewTxWindow(retention time.Duration) *TxWindow {
	return &TxWindow{retention: retention}
}

func (w *TxWindow) Append(tx RecentTransaction) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.txs = append(w.txs, tx)
}

// Prune drops entries older than the retention horizon.
func (w *TxWindow) Prune(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-w.retention)
	kept := w.txs[:0]
	for _, tx := range w.txs {
		if tx.At.After(cutoff) {
			kept = append(kept, tx)
		}
	}
	w.txs = kept
}

// Recent returns the agent's transactions newer than now minus window.
func (w *TxWindow) Recent(agent string, window time.Duration, now time.Time) []RecentTransaction {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-window)
	var out []RecentTransaction
	for _, tx := range w.txs {
		if tx.Agent == agent && tx.At.After(cutoff) {
			out = append(out, tx)
		}
	}
	return out
}

// Contains reports whether a transaction id is still in the window.
func (w *TxWindow) Contains(txID int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, tx := range w.txs {
		if tx.TxID == txID {
			return true
		}
	}
	return false
}

func (w *TxWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.txs)
}
