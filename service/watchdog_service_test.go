package service

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel_vault/model"
)

type fakeLedger struct {
	head      uint64
	headErr   error
	events    []VaultEvent
	eventsErr error
	trusted   map[common.Address]bool
	queried   [][2]uint64
}

func (f *fakeLedger) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, f.headErr
}

func (f *fakeLedger) VaultEvents(ctx context.Context, from, to uint64) ([]VaultEvent, error) {
	f.queried = append(f.queried, [2]uint64{from, to})
	if f.eventsErr != nil {
		return nil, f.eventsErr
	}
	var out []VaultEvent
	for _, ev := range f.events {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeLedger) IsTrustedVendor(ctx context.Context, vendor common.Address) (bool, error) {
	return f.trusted[vendor], nil
}

func (f *fakeLedger) VaultAddress() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000aa")
}

type memTxStore struct {
	inserted    []*model.Transaction
	executed    []int64
	revoked     []int64
	pending     []model.Transaction
	insertErrOn int64
}

func (s *memTxStore) Insert(ctx context.Context, tx *model.Transaction) error {
	if s.insertErrOn != 0 && tx.TxID == s.insertErrOn {
		return errors.New("store unavailable")
	}
	s.inserted = append(s.inserted, tx)
	return nil
}
func (s *memTxStore) SetExecuted(ctx context.Context, txID int64) error {
	s.executed = append(s.executed, txID)
	return nil
}
func (s *memTxStore) SetRevoked(ctx context.Context, txID int64, reason string) error {
	s.revoked = append(s.revoked, txID)
	return nil
}
func (s *memTxStore) Pending(ctx context.Context) ([]model.Transaction, error) {
	return s.pending, nil
}

type memAgentStore struct {
	profiles map[string]*model.AgentProfile
	recorded []string
}

func (s *memAgentStore) Profile(ctx context.Context, address string) (*model.AgentProfile, error) {
	return s.profiles[strings.ToLower(address)], nil
}
func (s *memAgentStore) RecordPayment(ctx context.Context, agent string, amountWei *big.Int, at time.Time) error {
	s.recorded = append(s.recorded, strings.ToLower(agent))
	return nil
}

type memVendorStore struct {
	recorded []string
}

func (s *memVendorStore) RecordPayment(ctx context.Context, wallet, vendor string, amountWei *big.Int, trusted bool) error {
	s.recorded = append(s.recorded, strings.ToLower(vendor))
	return nil
}

type memAlert struct {
	txID      int64
	alertType string
	severity  string
}

type memAlertStore struct {
	alerts []memAlert
}

func (s *memAlertStore) Insert(ctx context.Context, txID int64, alertType, severity, message string) error {
	s.alerts = append(s.alerts, memAlert{txID: txID, alertType: alertType, severity: severity})
	return nil
}

type memAuditStore struct {
	actions []string
}

func (s *memAuditStore) Append(ctx context.Context, action, entityType, entityID, oldValue, newValue, performedBy string) error {
	s.actions = append(s.actions, action)
	return nil
}

type watchdogFixture struct {
	w       *Watchdog
	ledger  *fakeLedger
	txs     *memTxStore
	agents  *memAgentStore
	vendors *memVendorStore
	alerts  *memAlertStore
	audit   *memAuditStore
}

func newWatchdogFixture(t *testing.T) *watchdogFixture {
	t.Helper()
	f := &watchdogFixture{
		ledger:  &fakeLedger{trusted: map[common.Address]bool{}},
		txs:     &memTxStore{},
		agents:  &memAgentStore{profiles: map[string]*model.AgentProfile{}},
		vendors: &memVendorStore{},
		alerts:  &memAlertStore{},
		audit:   &memAuditStore{},
	}
	f.w = NewWatchdog(f.ledger, f.txs, f.agents, f.vendors, f.alerts, f.audit, NewNotifier("", ""))
	return f
}

func requested(txID int64, block uint64, agent, vendor common.Address, amount *big.Int) VaultEvent {
	return VaultEvent{
		Kind:        EventPaymentRequested,
		TxID:        txID,
		Agent:       agent,
		Vendor:      vendor,
		Amount:      amount,
		BlockNumber: block,
	}
}

func TestPollOnceProcessesRequestedEvent(t *testing.T) {
	f := newWatchdogFixture(t)
	agent := common.HexToAddress("0x1111111111111111111111111111111111111111")
	vendor := common.HexToAddress("0x2222222222222222222222222222222222222222")
	f.ledger.trusted[vendor] = true
	f.agents.profiles[strings.ToLower(agent.Hex())] = &model.AgentProfile{
		Address:           strings.ToLower(agent.Hex()),
		TotalTransactions: 10,
		AvgAmountWei:      wei(5).String(),
	}

	f.w.lastProcessed = 100
	f.ledger.head = 105
	f.ledger.events = []VaultEvent{requested(1, 103, agent, vendor, wei(5))}

	require.NoError(t, f.w.pollOnce(context.Background()))

	assert.Equal(t, uint64(105), f.w.lastProcessed)
	require.Len(t, f.txs.inserted, 1)
	tx := f.txs.inserted[0]
	assert.Equal(t, int64(1), tx.TxID)
	assert.Equal(t, wei(5).String(), tx.AmountWei)
	assert.Zero(t, tx.RiskScore)
	assert.Empty(t, f.alerts.alerts)
	assert.Equal(t, []string{strings.ToLower(agent.Hex())}, f.agents.recorded)
	assert.Equal(t, []string{strings.ToLower(vendor.Hex())}, f.vendors.recorded)
	assert.Contains(t, f.audit.actions, "payment_requested")
	assert.Equal(t, 1, f.w.window.Len())
}

func TestPollOnceRaisesWarningAlert(t *testing.T) {
	f := newWatchdogFixture(t)
	agent := common.HexToAddress("0x1111111111111111111111111111111111111111")
	vendor := common.HexToAddress("0x3333333333333333333333333333333333333333")
	// unknown agent (0.25) plus untrusted vendor (0.3) lands in warning

	f.w.lastProcessed = 10
	f.ledger.head = 11
	f.ledger.events = []VaultEvent{requested(2, 11, agent, vendor, wei(1))}

	require.NoError(t, f.w.pollOnce(context.Background()))

	require.Len(t, f.alerts.alerts, 1)
	assert.Equal(t, "medium_risk", f.alerts.alerts[0].alertType)
	assert.Equal(t, SeverityWarning, f.alerts.alerts[0].severity)
	assert.InDelta(t, 0.55, f.txs.inserted[0].RiskScore, 1e-9)
}

func TestPollOnceRaisesCriticalAlert(t *testing.T) {
	f := newWatchdogFixture(t)
	agent := common.HexToAddress("0x1111111111111111111111111111111111111111")
	vendor := common.HexToAddress("0x3333333333333333333333333333333333333333")

	now := time.Now()
	f.w.now = func() time.Time { return now }
	for i := 0; i < 5; i++ {
		f.w.window.Append(RecentTransaction{
			TxID:   int64(100 + i),
			Agent:  agent.Hex(),
			At:     now.Add(-time.Minute),
			Amount: wei(1),
		})
	}

	f.w.lastProcessed = 10
	f.ledger.head = 11
	f.ledger.events = []VaultEvent{requested(3, 11, agent, vendor, wei(1))}

	require.NoError(t, f.w.pollOnce(context.Background()))

	// unknown agent + untrusted vendor + rapid transactions = 0.8
	require.Len(t, f.alerts.alerts, 1)
	assert.Equal(t, "high_risk", f.alerts.alerts[0].alertType)
	assert.Equal(t, SeverityCritical, f.alerts.alerts[0].severity)
	assert.InDelta(t, 0.8, f.txs.inserted[0].RiskScore, 1e-9)
}

func TestPollOnceChunksLargeRanges(t *testing.T) {
	f := newWatchdogFixture(t)
	f.w.lastProcessed = 1000
	f.ledger.head = 1500

	require.NoError(t, f.w.pollOnce(context.Background()))

	require.Len(t, f.ledger.queried, 1)
	assert.Equal(t, [2]uint64{1001, 1100}, f.ledger.queried[0])
	assert.Equal(t, uint64(1100), f.w.lastProcessed)
}

func TestPollOnceKeepsCursorOnError(t *testing.T) {
	f := newWatchdogFixture(t)
	f.w.lastProcessed = 50
	f.ledger.head = 60
	f.ledger.eventsErr = errors.New("rpc down")

	assert.Error(t, f.w.pollOnce(context.Background()))
	assert.Equal(t, uint64(50), f.w.lastProcessed)
}

func TestPollOnceNoNewBlocks(t *testing.T) {
	f := newWatchdogFixture(t)
	f.w.lastProcessed = 70
	f.ledger.head = 70

	require.NoError(t, f.w.pollOnce(context.Background()))
	assert.Empty(t, f.ledger.queried)
}

func TestProcessExecutedAndRevoked(t *testing.T) {
	f := newWatchdogFixture(t)
	f.w.lastProcessed = 5
	f.ledger.head = 6
	f.ledger.events = []VaultEvent{
		{Kind: EventPaymentExecuted, TxID: 9, BlockNumber: 6},
		{Kind: EventPaymentRevoked, TxID: 10, Reason: "limit exceeded", BlockNumber: 6},
	}

	require.NoError(t, f.w.pollOnce(context.Background()))

	assert.Equal(t, []int64{9}, f.txs.executed)
	assert.Equal(t, []int64{10}, f.txs.revoked)
	require.Len(t, f.alerts.alerts, 1)
	assert.Equal(t, "revoked", f.alerts.alerts[0].alertType)
	assert.Equal(t, SeverityInfo, f.alerts.alerts[0].severity)
}

func TestReplayedChunkSkipsAlreadyHandledEvents(t *testing.T) {
	f := newWatchdogFixture(t)
	agent := common.HexToAddress("0x1111111111111111111111111111111111111111")
	vendor := common.HexToAddress("0x2222222222222222222222222222222222222222")

	f.w.lastProcessed = 10
	f.ledger.head = 11
	f.ledger.events = []VaultEvent{
		requested(1, 11, agent, vendor, wei(1)),
		requested(2, 11, agent, vendor, wei(1)),
	}

	// first pass fails on the second event, so the whole chunk replays
	f.txs.insertErrOn = 2
	require.Error(t, f.w.pollOnce(context.Background()))
	assert.Equal(t, uint64(10), f.w.lastProcessed)
	assert.Equal(t, 1, f.w.window.Len())

	f.txs.insertErrOn = 0
	require.NoError(t, f.w.pollOnce(context.Background()))
	assert.Equal(t, uint64(11), f.w.lastProcessed)

	// the replay must not double-process the event that already succeeded
	require.Len(t, f.txs.inserted, 2)
	assert.Equal(t, int64(1), f.txs.inserted[0].TxID)
	assert.Equal(t, int64(2), f.txs.inserted[1].TxID)
	assert.Equal(t, 2, f.w.window.Len())
	assert.Len(t, f.agents.recorded, 2)

	var forFirst int
	for _, a := range f.alerts.alerts {
		if a.txID == 1 {
			forFirst++
		}
	}
	assert.Equal(t, 1, forFirst)
}

func TestStatsSafeDuringConcurrentPolling(t *testing.T) {
	f := newWatchdogFixture(t)
	agent := common.HexToAddress("0x1111111111111111111111111111111111111111")
	vendor := common.HexToAddress("0x2222222222222222222222222222222222222222")

	const rounds = 200
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer close(done)
		for i := 0; i < rounds; i++ {
			f.ledger.head++
			f.ledger.events = append(f.ledger.events,
				requested(int64(i+1), f.ledger.head, agent, vendor, wei(1)))
			assert.NoError(t, f.w.pollOnce(context.Background()))
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				s := f.w.Stats()
				assert.LessOrEqual(t, s.EventsProcessed, uint64(rounds))
			}
		}
	}()
	wg.Wait()

	s := f.w.Stats()
	assert.EqualValues(t, rounds, s.EventsProcessed)
	assert.Equal(t, rounds, s.RecentTxCount)
}

func TestCheckPendingUrgentReview(t *testing.T) {
	f := newWatchdogFixture(t)
	now := time.Now()
	f.w.now = func() time.Time { return now }

	f.txs.pending = []model.Transaction{
		{TxID: 1, RiskScore: 0.8, ExecuteAfter: now.Unix() + 100},  // urgent
		{TxID: 2, RiskScore: 0.8, ExecuteAfter: now.Unix() + 900},  // too far out
		{TxID: 3, RiskScore: 0.2, ExecuteAfter: now.Unix() + 100},  // low risk
		{TxID: 4, RiskScore: 0.9, ExecuteAfter: now.Unix() - 10},   // already executable
		{TxID: 5, RiskScore: 0.5, ExecuteAfter: now.Unix() + 100},  // medium, log only
	}

	require.NoError(t, f.w.checkPending(context.Background()))

	require.Len(t, f.alerts.alerts, 1)
	assert.Equal(t, int64(1), f.alerts.alerts[0].txID)
	assert.Equal(t, "urgent_review", f.alerts.alerts[0].alertType)
	assert.Equal(t, SeverityCritical, f.alerts.alerts[0].severity)
}
