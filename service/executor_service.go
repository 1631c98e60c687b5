package service

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/errgroup"

	"github.com/sentinel_vault/config"
	"github.com/sentinel_vault/model"
)

const (
	dueScanInterval  = time.Minute
	executionTimeout = 5 * time.Minute
	sweepInterval    = time.Hour
	upcomingWindow   = 7 * 24 * time.Hour
	cleanupHourUTC   = 3
	logRetention     = 90 * 24 * time.Hour
)

// PaymentLedger is the slice of the ledger client the executor drives.
type PaymentLedger interface {
	Network() config.Network
	VaultAddress() common.Address
	SavingsAddress() common.Address
	TokenBalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	SuggestFees(ctx context.Context) (FeeQuote, error)
	TransferToken(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amountWei *big.Int, nonce uint64, fee FeeQuote) (common.Hash, error)
	ApproveToken(ctx context.Context, key *ecdsa.PrivateKey, amountWei *big.Int, nonce uint64, fee FeeQuote) (common.Hash, error)
	DepositToSavings(ctx context.Context, key *ecdsa.PrivateKey, planID int64, amountWei *big.Int, agent common.Address, nonce uint64, fee FeeQuote) (common.Hash, error)
	WaitReceipt(ctx context.Context, txHash common.Hash) error
}

type ScheduleStore interface {
	Due(ctx context.Context, before time.Time) ([]model.RecurringSchedule, error)
	MarkExecuted(ctx context.Context, id string, next time.Time) error
	MarkFailed(ctx context.Context, id string, errMsg string) (bool, error)
	ActiveUsers(ctx context.Context) ([]string, error)
	ListByUser(ctx context.Context, user string, activeOnly bool) ([]model.RecurringSchedule, error)
}

type SavingsStore interface {
	Due(ctx context.Context, before time.Time) ([]model.SavingsPlan, error)
	RecordDeposit(ctx context.Context, id string, amount float64, next *time.Time) error
	ActiveUsers(ctx context.Context) ([]string, error)
	ListByUser(ctx context.Context, user string, activeOnly bool) ([]model.SavingsPlan, error)
}

type WalletStore interface {
	Get(ctx context.Context, user, network string) (*model.AgentWallet, error)
}

type ExecutionStore interface {
	Append(ctx context.Context, entry *model.ExecutionLog) error
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

type NotificationStore interface {
	Create(ctx context.Context, user, notificationType, message string, txHash *string) error
}

// Executor scans for due recurring payments and savings deposits and
// submits them on chain. Due items run strictly one at a time so an
// agent's nonces never race.
type Executor struct {
	ledgers    map[string]PaymentLedger
	defaultNet string

	schedules ScheduleStore
	savings   SavingsStore
	wallets   WalletStore
	execLog   ExecutionStore
	inbox     NotificationStore
	keys      *KeyService
	notifier  *Notifier

	now func() time.Time
}

func NewExecutor(ledgers map[string]PaymentLedger, defaultNet string, schedules ScheduleStore, savings SavingsStore, wallets WalletStore, execLog ExecutionStore, inbox NotificationStore, keys *KeyService, notifier *Notifier) *Executor {
	return &Executor{
		ledgers:    ledgers,
		defaultNet: defaultNet,
		schedules:  schedules,
		savings:    savings,
		wallets:    wallets,
		execLog:    execLog,
		inbox:      inbox,
		keys:       keys,
		notifier:   notifier,
		now:        time.Now,
	}
}

func (e *Executor) ledgerFor(network string) (PaymentLedger, error) {
	if l, ok := e.ledgers[network]; ok {
		return l, nil
	}
	if l, ok := e.ledgers[e.defaultNet]; ok {
		return l, nil
	}
	return nil, fmt.Errorf("no ledger client for network %q", network)
}

// Run drives the due scan, the hourly low-balance sweep, and the daily
// execution-log cleanup until the context is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	log.Printf("executor started networks=%d default=%s", len(e.ledgers), e.defaultNet)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.dueLoop(ctx) })
	g.Go(func() error { return e.sweepLoop(ctx) })
	g.Go(func() error { return e.cleanupLoop(ctx) })
	return g.Wait()
}

func (e *Executor) dueLoop(ctx context.Context) error {
	for {
		if err := e.RunDueCycle(ctx); err != nil {
			log.Printf("due scan error: %v", err)
		}
		if err := sleepCtx(ctx, dueScanInterval); err != nil {
			return err
		}
	}
}

// RunDueCycle executes every due schedule and savings plan once,
// sequentially. One item failing never stops the rest of the cycle.
func (e *Executor) RunDueCycle(ctx context.Context) error {
	now := e.now().UTC()

	due, err := e.schedules.Due(ctx, now)
	if err != nil {
		return fmt.Errorf("load due schedules: %w", err)
	}
	for i := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.executeSchedule(ctx, &due[i])
	}

	deposits, err := e.savings.Due(ctx, now)
	if err != nil {
		return fmt.Errorf("load due savings: %w", err)
	}
	for i := range deposits {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.executeSavingsDeposit(ctx, &deposits[i])
	}
	return nil
}

func (e *Executor) executeSchedule(parent context.Context, s *model.RecurringSchedule) {
	ctx, cancel := context.WithTimeout(parent, executionTimeout)
	defer cancel()

	txHash, err := e.submitSchedulePayment(ctx, s)
	if err != nil {
		e.recordScheduleFailure(parent, s, err)
		return
	}

	freq, known := ParseFrequency(s.Frequency)
	if !known {
		log.Printf("schedule %s has unknown frequency %q, treating as monthly", s.ID, s.Frequency)
	}
	next := NextOccurrence(freq, s.ExecutionTime, e.now())
	if err := e.schedules.MarkExecuted(parent, s.ID, next); err != nil {
		log.Printf("mark executed %s: %v", s.ID, err)
	}

	hashHex := txHash.Hex()
	e.appendLog(parent, &model.ExecutionLog{
		ScheduleID:    &s.ID,
		UserAddress:   s.UserAddress,
		ExecutionType: "auto",
		Amount:        s.Amount,
		Destination:   s.VendorAddress,
		TxHash:        &hashHex,
		Status:        "success",
	})
	e.createNotification(parent, s.UserAddress, "payment_executed",
		fmt.Sprintf("Recurring payment of %.4f to %s executed.", s.Amount, s.Vendor), &hashHex)
	metricExecutions.WithLabelValues("success").Inc()
	log.Printf("schedule executed id=%s tx=%s next=%s", s.ID, hashHex, next.Format(time.RFC3339))
}

func (e *Executor) submitSchedulePayment(ctx context.Context, s *model.RecurringSchedule) (common.Hash, error) {
	ledger, err := e.ledgerFor(s.Network)
	if err != nil {
		return common.Hash{}, err
	}
	key, agentAddr, err := e.agentKey(ctx, s.UserAddress, s.Network)
	if err != nil {
		return common.Hash{}, err
	}

	amountWei := ToWei(s.Amount)
	balance, err := ledger.TokenBalanceOf(ctx, agentAddr)
	if err != nil {
		return common.Hash{}, fmt.Errorf("balance check: %w", err)
	}
	if balance.Cmp(amountWei) < 0 {
		e.createNotification(ctx, s.UserAddress, "low_balance",
			fmt.Sprintf("Agent wallet balance %.4f is below the %.4f needed for %q.", FromWei(balance), s.Amount, s.Vendor), nil)
		metricExecutions.WithLabelValues("low_balance").Inc()
		return common.Hash{}, fmt.Errorf("insufficient balance: have %s wei, need %s wei", balance, amountWei)
	}

	dest, err := validDestination(ledger, s)
	if err != nil {
		return common.Hash{}, err
	}

	fee, err := ledger.SuggestFees(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fees: %w", err)
	}
	nonce, err := ledger.PendingNonce(ctx, agentAddr)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce: %w", err)
	}

	txHash, err := ledger.TransferToken(ctx, key, dest, amountWei, nonce, fee)
	if err != nil {
		return common.Hash{}, err
	}
	if err := ledger.WaitReceipt(ctx, txHash); err != nil {
		return common.Hash{}, err
	}
	return txHash, nil
}

// validDestination resolves where a schedule's funds may go: the vault,
// the savings contract, or for vendor-type payments whatever address the
// schedule names. The vendor trust flag was snapshotted at creation time
// and is not re-checked here.
// TODO: re-check trustedVendors on chain at execution time once the
// vault exposes a batched view for it.
func validDestination(ledger PaymentLedger, s *model.RecurringSchedule) (common.Address, error) {
	dest := common.HexToAddress(s.VendorAddress)
	if dest == (common.Address{}) {
		return common.Address{}, fmt.Errorf("schedule %s has no destination", s.ID)
	}
	if dest == ledger.VaultAddress() || dest == ledger.SavingsAddress() {
		return dest, nil
	}
	if s.PaymentType != model.PaymentTypeVendor {
		return common.Address{}, fmt.Errorf("schedule %s: destination %s not a system contract", s.ID, dest.Hex())
	}
	return dest, nil
}

func (e *Executor) recordScheduleFailure(ctx context.Context, s *model.RecurringSchedule, cause error) {
	log.Printf("schedule failed id=%s err=%v", s.ID, cause)

	deactivated, err := e.schedules.MarkFailed(ctx, s.ID, cause.Error())
	if err != nil {
		log.Printf("mark failed %s: %v", s.ID, err)
	}
	e.appendLog(ctx, &model.ExecutionLog{
		ScheduleID:    &s.ID,
		UserAddress:   s.UserAddress,
		ExecutionType: "auto",
		Amount:        s.Amount,
		Destination:   s.VendorAddress,
		Status:        "failed",
		ErrorMessage:  cause.Error(),
	})
	metricExecutions.WithLabelValues("failed").Inc()

	if deactivated {
		msg := fmt.Sprintf("Recurring payment %q was deactivated after repeated failures. Last error: %s", s.Vendor, cause)
		e.createNotification(ctx, s.UserAddress, "schedule_deactivated", msg, nil)
		e.notifier.Notify(ctx, "schedule_deactivated", SeverityWarning, msg, map[string]interface{}{
			"schedule_id": s.ID,
			"user":        s.UserAddress,
		})
		return
	}
	e.createNotification(ctx, s.UserAddress, "payment_failed",
		fmt.Sprintf("Recurring payment of %.4f to %s failed: %s", s.Amount, s.Vendor, cause), nil)
}

func (e *Executor) executeSavingsDeposit(parent context.Context, p *model.SavingsPlan) {
	ctx, cancel := context.WithTimeout(parent, executionTimeout)
	defer cancel()

	txHash, err := e.submitSavingsDeposit(ctx, p)
	if err != nil {
		// Savings deposits retry on the next due scan; only the user is
		// told, the plan stays active.
		log.Printf("savings deposit failed plan=%s err=%v", p.ID, err)
		e.appendLog(parent, &model.ExecutionLog{
			SavingsPlanID: &p.ID,
			UserAddress:   p.UserAddress,
			ExecutionType: "auto",
			Amount:        p.Amount,
			Destination:   strings.ToLower(p.VaultAddress),
			Status:        "failed",
			ErrorMessage:  err.Error(),
		})
		e.createNotification(parent, p.UserAddress, "deposit_failed",
			fmt.Sprintf("Savings deposit of %.4f for %q failed: %s", p.Amount, p.Name, err), nil)
		metricExecutions.WithLabelValues("failed").Inc()
		return
	}

	var next *time.Time
	if p.IsRecurring && p.DepositsCompleted+1 < p.TotalDeposits {
		freq, _ := ParseFrequency(p.Frequency)
		n := NextOccurrence(freq, p.ExecutionTime, e.now())
		next = &n
	}
	if err := e.savings.RecordDeposit(parent, p.ID, p.Amount, next); err != nil {
		log.Printf("record deposit %s: %v", p.ID, err)
	}

	hashHex := txHash.Hex()
	e.appendLog(parent, &model.ExecutionLog{
		SavingsPlanID: &p.ID,
		UserAddress:   p.UserAddress,
		ExecutionType: "auto",
		Amount:        p.Amount,
		Destination:   strings.ToLower(p.VaultAddress),
		TxHash:        &hashHex,
		Status:        "success",
	})
	e.createNotification(parent, p.UserAddress, "deposit_executed",
		fmt.Sprintf("Savings deposit of %.4f into %q executed.", p.Amount, p.Name), &hashHex)
	metricExecutions.WithLabelValues("success").Inc()
	log.Printf("savings deposit executed plan=%s tx=%s", p.ID, hashHex)
}

func (e *Executor) submitSavingsDeposit(ctx context.Context, p *model.SavingsPlan) (common.Hash, error) {
	if p.ContractPlanID == nil {
		return common.Hash{}, fmt.Errorf("plan %s is not registered on chain", p.ID)
	}
	ledger, err := e.ledgerFor(p.Network)
	if err != nil {
		return common.Hash{}, err
	}
	key, agentAddr, err := e.agentKey(ctx, p.UserAddress, p.Network)
	if err != nil {
		return common.Hash{}, err
	}

	amountWei := ToWei(p.Amount)
	balance, err := ledger.TokenBalanceOf(ctx, agentAddr)
	if err != nil {
		return common.Hash{}, fmt.Errorf("balance check: %w", err)
	}
	if balance.Cmp(amountWei) < 0 {
		e.createNotification(ctx, p.UserAddress, "low_balance",
			fmt.Sprintf("Agent wallet balance %.4f is below the %.4f needed for savings plan %q.", FromWei(balance), p.Amount, p.Name), nil)
		metricExecutions.WithLabelValues("low_balance").Inc()
		return common.Hash{}, fmt.Errorf("insufficient balance: have %s wei, need %s wei", balance, amountWei)
	}

	fee, err := ledger.SuggestFees(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fees: %w", err)
	}
	nonce, err := ledger.PendingNonce(ctx, agentAddr)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce: %w", err)
	}

	approveHash, err := ledger.ApproveToken(ctx, key, amountWei, nonce, fee)
	if err != nil {
		return common.Hash{}, fmt.Errorf("approve: %w", err)
	}
	if err := ledger.WaitReceipt(ctx, approveHash); err != nil {
		return common.Hash{}, fmt.Errorf("approve: %w", err)
	}

	depositHash, err := ledger.DepositToSavings(ctx, key, *p.ContractPlanID, amountWei, agentAddr, nonce+1, fee)
	if err != nil {
		return common.Hash{}, fmt.Errorf("deposit: %w", err)
	}
	if err := ledger.WaitReceipt(ctx, depositHash); err != nil {
		return common.Hash{}, fmt.Errorf("deposit: %w", err)
	}
	return depositHash, nil
}

func (e *Executor) agentKey(ctx context.Context, user, network string) (*ecdsa.PrivateKey, common.Address, error) {
	wallet, err := e.wallets.Get(ctx, user, network)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("load wallet: %w", err)
	}
	if wallet == nil {
		return nil, common.Address{}, fmt.Errorf("no agent wallet for %s on %s", user, network)
	}
	key, err := e.keys.Decrypt(wallet.EncryptedKey, user)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("decrypt agent key: %w", err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey), nil
}

// sweepLoop warns users whose agent wallets cannot cover the payments
// coming due inside the next week.
func (e *Executor) sweepLoop(ctx context.Context) error {
	for {
		if err := sleepCtx(ctx, sweepInterval); err != nil {
			return err
		}
		if err := e.RunBalanceSweep(ctx); err != nil {
			log.Printf("balance sweep error: %v", err)
		}
	}
}

func (e *Executor) RunBalanceSweep(ctx context.Context) error {
	users := map[string]struct{}{}
	fromSchedules, err := e.schedules.ActiveUsers(ctx)
	if err != nil {
		return err
	}
	fromSavings, err := e.savings.ActiveUsers(ctx)
	if err != nil {
		return err
	}
	for _, u := range fromSchedules {
		users[u] = struct{}{}
	}
	for _, u := range fromSavings {
		users[u] = struct{}{}
	}

	for user := range users {
		if err := e.sweepUser(ctx, user); err != nil {
			log.Printf("balance sweep user=%s err=%v", user, err)
		}
	}
	return nil
}

func (e *Executor) sweepUser(ctx context.Context, user string) error {
	horizon := e.now().UTC().Add(upcomingWindow)
	needed := map[string]*big.Int{}

	addNeed := func(network string, amount float64) {
		if needed[network] == nil {
			needed[network] = new(big.Int)
		}
		needed[network].Add(needed[network], ToWei(amount))
	}

	schedules, err := e.schedules.ListByUser(ctx, user, true)
	if err != nil {
		return err
	}
	for _, s := range schedules {
		if s.NextExecution.Before(horizon) {
			addNeed(s.Network, s.Amount)
		}
	}
	plans, err := e.savings.ListByUser(ctx, user, true)
	if err != nil {
		return err
	}
	for _, p := range plans {
		if p.IsRecurring && p.NextDeposit != nil && p.NextDeposit.Before(horizon) {
			addNeed(p.Network, p.Amount)
		}
	}

	for network, need := range needed {
		if need.Sign() == 0 {
			continue
		}
		wallet, err := e.wallets.Get(ctx, user, network)
		if err != nil || wallet == nil {
			continue
		}
		ledger, err := e.ledgerFor(network)
		if err != nil {
			continue
		}
		balance, err := ledger.TokenBalanceOf(ctx, common.HexToAddress(wallet.AgentAddress))
		if err != nil {
			log.Printf("sweep balance user=%s network=%s err=%v", user, network, err)
			continue
		}
		if balance.Cmp(need) < 0 {
			e.createNotification(ctx, user, "low_balance_warning",
				fmt.Sprintf("Agent wallet on %s holds %.4f but %.4f is due within 7 days. Top up to avoid failed payments.",
					network, FromWei(balance), FromWei(need)), nil)
			log.Printf("low balance warning user=%s network=%s have=%s need=%s", user, network, balance, need)
		}
	}
	return nil
}

// cleanupLoop trims old execution logs every day at 03:00 UTC.
func (e *Executor) cleanupLoop(ctx context.Context) error {
	for {
		if err := sleepCtx(ctx, untilNextCleanup(e.now().UTC())); err != nil {
			return err
		}
		removed, err := e.execLog.DeleteOlderThan(ctx, e.now().UTC().Add(-logRetention))
		if err != nil {
			log.Printf("execution log cleanup error: %v", err)
			continue
		}
		log.Printf("execution log cleanup removed=%d", removed)
	}
}

func untilNextCleanup(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), cleanupHourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

func (e *Executor) appendLog(ctx context.Context, entry *model.ExecutionLog) {
	if err := e.execLog.Append(ctx, entry); err != nil {
		log.Printf("append execution log: %v", err)
	}
}

func (e *Executor) createNotification(ctx context.Context, user, notificationType, message string, txHash *string) {
	if err := e.inbox.Create(ctx, user, notificationType, message, txHash); err != nil {
		log.Printf("create notification: %v", err)
	}
}

// ToWei converts token units to wei. Amounts are user-entered decimals,
// so float precision at 18 decimals is acceptable here.
func ToWei(amount float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(amount), big.NewFloat(1e18)).Int(nil)
	return wei
}

func FromWei(wei *big.Int) float64 {
	out, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18)).Float64()
	return out
}
