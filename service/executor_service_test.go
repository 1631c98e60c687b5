package service

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel_vault/config"
	"github.com/sentinel_vault/model"
)

type transferCall struct {
	to     common.Address
	amount *big.Int
	nonce  uint64
}

type fakePaymentLedger struct {
	network config.Network
	balance *big.Int
	nonce   uint64

	transfers  []transferCall
	approves   []uint64
	deposits   []uint64
	depositIDs []int64

	transferErr error
	receiptErr  error
	balanceErr  error
}

func (f *fakePaymentLedger) Network() config.Network { return f.network }
func (f *fakePaymentLedger) VaultAddress() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000aa")
}
func (f *fakePaymentLedger) SavingsAddress() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000bb")
}
func (f *fakePaymentLedger) TokenBalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	return f.balance, f.balanceErr
}
func (f *fakePaymentLedger) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}
func (f *fakePaymentLedger) SuggestFees(ctx context.Context) (FeeQuote, error) {
	return FeeQuote{GasPrice: big.NewInt(1)}, nil
}
func (f *fakePaymentLedger) TransferToken(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amountWei *big.Int, nonce uint64, fee FeeQuote) (common.Hash, error) {
	if f.transferErr != nil {
		return common.Hash{}, f.transferErr
	}
	f.transfers = append(f.transfers, transferCall{to: to, amount: amountWei, nonce: nonce})
	return common.BigToHash(big.NewInt(int64(len(f.transfers)))), nil
}
func (f *fakePaymentLedger) ApproveToken(ctx context.Context, key *ecdsa.PrivateKey, amountWei *big.Int, nonce uint64, fee FeeQuote) (common.Hash, error) {
	f.approves = append(f.approves, nonce)
	return common.BigToHash(big.NewInt(100)), nil
}
func (f *fakePaymentLedger) DepositToSavings(ctx context.Context, key *ecdsa.PrivateKey, planID int64, amountWei *big.Int, agent common.Address, nonce uint64, fee FeeQuote) (common.Hash, error) {
	f.deposits = append(f.deposits, nonce)
	f.depositIDs = append(f.depositIDs, planID)
	return common.BigToHash(big.NewInt(200)), nil
}
func (f *fakePaymentLedger) WaitReceipt(ctx context.Context, txHash common.Hash) error {
	return f.receiptErr
}

type memScheduleStore struct {
	due         []model.RecurringSchedule
	executed    map[string]time.Time
	failures    map[string]int
	deactivated map[string]bool
	users       []string
	byUser      map[string][]model.RecurringSchedule
	failAt      int
}

func newMemScheduleStore() *memScheduleStore {
	return &memScheduleStore{
		executed:    map[string]time.Time{},
		failures:    map[string]int{},
		deactivated: map[string]bool{},
		byUser:      map[string][]model.RecurringSchedule{},
		failAt:      3,
	}
}

func (s *memScheduleStore) Due(ctx context.Context, before time.Time) ([]model.RecurringSchedule, error) {
	return s.due, nil
}
func (s *memScheduleStore) MarkExecuted(ctx context.Context, id string, next time.Time) error {
	s.executed[id] = next
	return nil
}
func (s *memScheduleStore) MarkFailed(ctx context.Context, id string, errMsg string) (bool, error) {
	s.failures[id]++
	if s.failures[id] >= s.failAt {
		s.deactivated[id] = true
		return true, nil
	}
	return false, nil
}
func (s *memScheduleStore) ActiveUsers(ctx context.Context) ([]string, error) { return s.users, nil }
func (s *memScheduleStore) ListByUser(ctx context.Context, user string, activeOnly bool) ([]model.RecurringSchedule, error) {
	return s.byUser[user], nil
}

type memSavingsStore struct {
	due      []model.SavingsPlan
	deposits map[string]*time.Time
	users    []string
	byUser   map[string][]model.SavingsPlan
}

func newMemSavingsStore() *memSavingsStore {
	return &memSavingsStore{deposits: map[string]*time.Time{}, byUser: map[string][]model.SavingsPlan{}}
}

func (s *memSavingsStore) Due(ctx context.Context, before time.Time) ([]model.SavingsPlan, error) {
	return s.due, nil
}
func (s *memSavingsStore) RecordDeposit(ctx context.Context, id string, amount float64, next *time.Time) error {
	s.deposits[id] = next
	return nil
}
func (s *memSavingsStore) ActiveUsers(ctx context.Context) ([]string, error) { return s.users, nil }
func (s *memSavingsStore) ListByUser(ctx context.Context, user string, activeOnly bool) ([]model.SavingsPlan, error) {
	return s.byUser[user], nil
}

type memWalletStore struct {
	wallets map[string]*model.AgentWallet
}

func (s *memWalletStore) Get(ctx context.Context, user, network string) (*model.AgentWallet, error) {
	return s.wallets[strings.ToLower(user)+"|"+network], nil
}

type memExecStore struct {
	entries []model.ExecutionLog
	removed int64
}

func (s *memExecStore) Append(ctx context.Context, entry *model.ExecutionLog) error {
	s.entries = append(s.entries, *entry)
	return nil
}
func (s *memExecStore) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	return s.removed, nil
}

type memNotifStore struct {
	types []string
}

func (s *memNotifStore) Create(ctx context.Context, user, notificationType, message string, txHash *string) error {
	s.types = append(s.types, notificationType)
	return nil
}

type executorFixture struct {
	e         *Executor
	ledger    *fakePaymentLedger
	schedules *memScheduleStore
	savings   *memSavingsStore
	wallets   *memWalletStore
	execLog   *memExecStore
	inbox     *memNotifStore
}

const (
	testUser   = "0xuser000000000000000000000000000000000001"
	testVendor = "0x4444444444444444444444444444444444444444"
	testVault  = "0x00000000000000000000000000000000000000aa"
)

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()
	f := &executorFixture{
		ledger: &fakePaymentLedger{
			network: config.Network{Name: "sepolia"},
			balance: wei(100),
			nonce:   7,
		},
		schedules: newMemScheduleStore(),
		savings:   newMemSavingsStore(),
		wallets: &memWalletStore{wallets: map[string]*model.AgentWallet{
			testUser + "|sepolia": {
				UserAddress:  testUser,
				Network:      "sepolia",
				AgentAddress: "0xagent",
				EncryptedKey: testPrivHex,
			},
		}},
		execLog: &memExecStore{},
		inbox:   &memNotifStore{},
	}
	f.e = NewExecutor(
		map[string]PaymentLedger{"sepolia": f.ledger}, "sepolia",
		f.schedules, f.savings, f.wallets, f.execLog, f.inbox,
		NewKeyService("", ""), NewNotifier("", ""),
	)
	return f
}

func testSchedule() model.RecurringSchedule {
	return model.RecurringSchedule{
		ID:            "sched-1",
		UserAddress:   testUser,
		VaultAddress:  testVault,
		PaymentType:   model.PaymentTypeVendor,
		Vendor:        "Cloud Hosting",
		VendorAddress: testVendor,
		Amount:        1.5,
		Frequency:     "monthly",
		ExecutionTime: "09:00",
		IsActive:      true,
		Network:       "sepolia",
	}
}

func TestDueCycleExecutesSchedule(t *testing.T) {
	f := newExecutorFixture(t)
	f.schedules.due = []model.RecurringSchedule{testSchedule()}

	require.NoError(t, f.e.RunDueCycle(context.Background()))

	require.Len(t, f.ledger.transfers, 1)
	call := f.ledger.transfers[0]
	assert.Equal(t, common.HexToAddress(testVendor), call.to)
	assert.Equal(t, ToWei(1.5), call.amount)
	assert.Equal(t, uint64(7), call.nonce)

	next, ok := f.schedules.executed["sched-1"]
	require.True(t, ok)
	assert.True(t, next.After(time.Now()))

	require.Len(t, f.execLog.entries, 1)
	assert.Equal(t, "success", f.execLog.entries[0].Status)
	assert.NotNil(t, f.execLog.entries[0].TxHash)
	assert.Contains(t, f.inbox.types, "payment_executed")
}

func TestDueCycleLowBalanceSkipsSubmission(t *testing.T) {
	f := newExecutorFixture(t)
	f.ledger.balance = big.NewInt(0)
	f.schedules.due = []model.RecurringSchedule{testSchedule()}

	require.NoError(t, f.e.RunDueCycle(context.Background()))

	assert.Empty(t, f.ledger.transfers)
	assert.Equal(t, 1, f.schedules.failures["sched-1"])
	assert.Empty(t, f.schedules.executed)
	require.Len(t, f.execLog.entries, 1)
	assert.Equal(t, "failed", f.execLog.entries[0].Status)
	assert.Contains(t, f.inbox.types, "low_balance")
	assert.Contains(t, f.inbox.types, "payment_failed")
}

func TestDueCycleDeactivatesAfterRepeatedFailures(t *testing.T) {
	f := newExecutorFixture(t)
	f.ledger.transferErr = errors.New("nonce too low")
	f.schedules.due = []model.RecurringSchedule{testSchedule()}

	for i := 0; i < 3; i++ {
		require.NoError(t, f.e.RunDueCycle(context.Background()))
	}

	assert.True(t, f.schedules.deactivated["sched-1"])
	assert.Contains(t, f.inbox.types, "schedule_deactivated")
}

func TestDueCycleVendorDestinationNotRevalidated(t *testing.T) {
	f := newExecutorFixture(t)
	s := testSchedule()
	// an address never observed by the monitor still gets paid; the trust
	// decision was made when the schedule was created
	s.VendorAddress = "0x9999999999999999999999999999999999999999"
	f.schedules.due = []model.RecurringSchedule{s}

	require.NoError(t, f.e.RunDueCycle(context.Background()))

	require.Len(t, f.ledger.transfers, 1)
	assert.Equal(t, common.HexToAddress(s.VendorAddress), f.ledger.transfers[0].to)
	assert.Empty(t, f.schedules.failures)
	assert.Contains(t, f.schedules.executed, "sched-1")
}

func TestDueCycleRejectsNonSystemDestinationForSavingsType(t *testing.T) {
	f := newExecutorFixture(t)
	s := testSchedule()
	s.PaymentType = model.PaymentTypeSavings
	s.VendorAddress = "0x9999999999999999999999999999999999999999"
	f.schedules.due = []model.RecurringSchedule{s}

	require.NoError(t, f.e.RunDueCycle(context.Background()))

	assert.Empty(t, f.ledger.transfers)
	assert.Equal(t, 1, f.schedules.failures["sched-1"])
	require.Len(t, f.execLog.entries, 1)
	assert.Contains(t, f.execLog.entries[0].ErrorMessage, "not a system contract")
}

func TestDueCycleAllowsSystemContractDestination(t *testing.T) {
	f := newExecutorFixture(t)
	s := testSchedule()
	s.PaymentType = model.PaymentTypeSavings
	s.VendorAddress = "0x00000000000000000000000000000000000000bb"
	f.schedules.due = []model.RecurringSchedule{s}

	require.NoError(t, f.e.RunDueCycle(context.Background()))

	require.Len(t, f.ledger.transfers, 1)
	assert.Equal(t, f.ledger.SavingsAddress(), f.ledger.transfers[0].to)
}

func TestDueCycleFailureDoesNotStopRemainingItems(t *testing.T) {
	f := newExecutorFixture(t)
	broken := testSchedule()
	broken.ID = "sched-broken"
	broken.UserAddress = "0xnobody"
	healthy := testSchedule()
	f.schedules.due = []model.RecurringSchedule{broken, healthy}

	require.NoError(t, f.e.RunDueCycle(context.Background()))

	assert.Equal(t, 1, f.schedules.failures["sched-broken"])
	assert.Contains(t, f.schedules.executed, "sched-1")
}

func TestDueCycleSavingsDeposit(t *testing.T) {
	f := newExecutorFixture(t)
	planID := int64(12)
	f.savings.due = []model.SavingsPlan{{
		ID:                "plan-1",
		UserAddress:       testUser,
		VaultAddress:      testVault,
		ContractPlanID:    &planID,
		Name:              "Emergency Fund",
		Amount:            2,
		Frequency:         "weekly",
		ExecutionTime:     "09:00",
		IsRecurring:       true,
		TotalDeposits:     10,
		DepositsCompleted: 3,
		Network:           "sepolia",
	}}

	require.NoError(t, f.e.RunDueCycle(context.Background()))

	require.Len(t, f.ledger.approves, 1)
	require.Len(t, f.ledger.deposits, 1)
	assert.Equal(t, uint64(7), f.ledger.approves[0])
	assert.Equal(t, uint64(8), f.ledger.deposits[0])
	assert.Equal(t, []int64{12}, f.ledger.depositIDs)

	next, ok := f.savings.deposits["plan-1"]
	require.True(t, ok)
	require.NotNil(t, next)
	assert.True(t, next.After(time.Now()))
	assert.Contains(t, f.inbox.types, "deposit_executed")
}

func TestDueCycleSavingsLastDepositClearsNext(t *testing.T) {
	f := newExecutorFixture(t)
	planID := int64(12)
	f.savings.due = []model.SavingsPlan{{
		ID:                "plan-2",
		UserAddress:       testUser,
		ContractPlanID:    &planID,
		Amount:            2,
		Frequency:         "weekly",
		IsRecurring:       true,
		TotalDeposits:     4,
		DepositsCompleted: 3,
		Network:           "sepolia",
	}}

	require.NoError(t, f.e.RunDueCycle(context.Background()))

	next, ok := f.savings.deposits["plan-2"]
	require.True(t, ok)
	assert.Nil(t, next)
}

func TestDueCycleSavingsUnregisteredPlanFails(t *testing.T) {
	f := newExecutorFixture(t)
	f.savings.due = []model.SavingsPlan{{
		ID:          "plan-3",
		UserAddress: testUser,
		Amount:      2,
		IsRecurring: true,
		Network:     "sepolia",
	}}

	require.NoError(t, f.e.RunDueCycle(context.Background()))

	assert.Empty(t, f.ledger.deposits)
	require.Len(t, f.execLog.entries, 1)
	assert.Equal(t, "failed", f.execLog.entries[0].Status)
	assert.Contains(t, f.inbox.types, "deposit_failed")
	// savings failures never touch the schedule failure counter
	assert.Empty(t, f.schedules.failures)
}

func TestBalanceSweepWarnsUnderfundedUser(t *testing.T) {
	f := newExecutorFixture(t)
	f.ledger.balance = ToWei(1)
	f.schedules.users = []string{testUser}
	soon := time.Now().UTC().Add(24 * time.Hour)
	s := testSchedule()
	s.Amount = 5
	s.NextExecution = soon
	f.schedules.byUser[testUser] = []model.RecurringSchedule{s}

	require.NoError(t, f.e.RunBalanceSweep(context.Background()))

	assert.Contains(t, f.inbox.types, "low_balance_warning")
}

func TestBalanceSweepIgnoresDistantPayments(t *testing.T) {
	f := newExecutorFixture(t)
	f.ledger.balance = big.NewInt(0)
	f.schedules.users = []string{testUser}
	s := testSchedule()
	s.NextExecution = time.Now().UTC().Add(30 * 24 * time.Hour)
	f.schedules.byUser[testUser] = []model.RecurringSchedule{s}

	require.NoError(t, f.e.RunBalanceSweep(context.Background()))

	assert.Empty(t, f.inbox.types)
}

func TestUntilNextCleanup(t *testing.T) {
	before := time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, 2*time.Hour, untilNextCleanup(before))

	after := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	assert.Equal(t, 23*time.Hour, untilNextCleanup(after))

	exactly := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, 24*time.Hour, untilNextCleanup(exactly))
}

func TestWeiConversion(t *testing.T) {
	assert.Equal(t, "1500000000000000000", ToWei(1.5).String())
	assert.InDelta(t, 1.5, FromWei(ToWei(1.5)), 1e-9)
	assert.Equal(t, "0", ToWei(0).String())
}
