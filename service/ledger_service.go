package service

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/sentinel_vault/config"
)

// Receipt polling bounds. A receipt that does not land inside the timeout is
// treated the same as a submission error.
const (
	receiptTimeout      = 2 * time.Minute
	receiptPollInterval = 2 * time.Second
)

// Minimal ABIs, only the fragments the supervisor touches.
const vaultABIJSON = `[
{"anonymous":false,"inputs":[{"indexed":true,"name":"txId","type":"uint256"},{"indexed":true,"name":"agent","type":"address"},{"indexed":true,"name":"vendor","type":"address"},{"indexed":false,"name":"amount","type":"uint256"},{"indexed":false,"name":"executeAfter","type":"uint256"}],"name":"PaymentRequested","type":"event"},
{"anonymous":false,"inputs":[{"indexed":true,"name":"txId","type":"uint256"}],"name":"PaymentExecuted","type":"event"},
{"anonymous":false,"inputs":[{"indexed":true,"name":"txId","type":"uint256"},{"indexed":false,"name":"reason","type":"string"}],"name":"PaymentRevoked","type":"event"},
{"inputs":[{"name":"vendor","type":"address"}],"name":"trustedVendors","outputs":[{"type":"bool"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"dailyLimit","outputs":[{"type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"perTransactionLimit","outputs":[{"type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"timelockDuration","outputs":[{"type":"uint256"}],"stateMutability":"view","type":"function"}]`

const erc20ABIJSON = `[
{"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"type":"bool"}],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"type":"bool"}],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"type":"uint256"}],"stateMutability":"view","type":"function"}]`

const savingsABIJSON = `[
{"inputs":[{"name":"planId","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"agent","type":"address"}],"name":"depositFromAgent","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

var (
	paymentRequestedSig = crypto.Keccak256Hash([]byte("PaymentRequested(uint256,address,address,uint256,uint256)"))
	paymentExecutedSig  = crypto.Keccak256Hash([]byte("PaymentExecuted(uint256)"))
	paymentRevokedSig   = crypto.Keccak256Hash([]byte("PaymentRevoked(uint256,string)"))
)

type VaultEventKind int

const (
	EventPaymentRequested VaultEventKind = iota
	EventPaymentExecuted
	EventPaymentRevoked
)

// VaultEvent is one decoded vault log.
type VaultEvent struct {
	Kind         VaultEventKind
	TxID         int64
	Agent        common.Address
	Vendor       common.Address
	Amount       *big.Int
	ExecuteAfter int64
	Reason       string
	BlockNumber  uint64
}

// VaultLimits are the on-chain enforcement parameters, read-only here.
type VaultLimits struct {
	DailyLimitWei string `json:"daily_limit_wei"`
	PerTxLimitWei string `json:"per_tx_limit_wei"`
	TimelockSecs  int64  `json:"timelock_seconds"`
}

// FeeQuote is the priced fee parameters for one transaction, shaped by the
// network's fee strategy.
type FeeQuote struct {
	GasPrice  *big.Int // legacy networks
	GasFeeCap *big.Int // dynamic networks
	GasTipCap *big.Int
}

func (f FeeQuote) Dynamic() bool { return f.GasFeeCap != nil }

// LedgerClient is the explicit JSON-RPC handle to one network, constructed
// once and passed to every component.
type LedgerClient struct {
	client  *ethclient.Client
	network config.Network

	vaultAddr   common.Address
	tokenAddr   common.Address
	savingsAddr common.Address

	vaultABI   abi.ABI
	erc20ABI   abi.ABI
	savingsABI abi.ABI
}

func NewLedgerClient(network config.Network) (*LedgerClient, error) {
	client, err := ethclient.Dial(network.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", network.Name, err)
	}
	vaultABI, err := abi.JSON(strings.NewReader(vaultABIJSON))
	if err != nil {
		return nil, err
	}
	erc20ABI, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, err
	}
	savingsABI, err := abi.JSON(strings.NewReader(savingsABIJSON))
	if err != nil {
		return nil, err
	}
	return &LedgerClient{
		client:      client,
		network:     network,
		vaultAddr:   common.HexToAddress(network.VaultAddress),
		tokenAddr:   common.HexToAddress(network.TokenAddress),
		savingsAddr: common.HexToAddress(network.SavingsAddress),
		vaultABI:    vaultABI,
		erc20ABI:    erc20ABI,
		savingsABI:  savingsABI,
	}, nil
}

func (l *LedgerClient) Network() config.Network        { return l.network }
func (l *LedgerClient) VaultAddress() common.Address   { return l.vaultAddr }
func (l *LedgerClient) SavingsAddress() common.Address { return l.savingsAddr }

func (l *LedgerClient) BlockNumber(ctx context.Context) (uint64, error) {
	return l.client.BlockNumber(ctx)
}

// VaultEvents fetches and decodes the vault's payment events over a bounded
// block range. Undecodable logs are dropped; they are not vault payment
// events.
func (l *LedgerClient) VaultEvents(ctx context.Context, from, to uint64) ([]VaultEvent, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{l.vaultAddr},
		Topics:    [][]common.Hash{{paymentRequestedSig, paymentExecutedSig, paymentRevokedSig}},
	}
	logs, err := l.client.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}

	events := make([]VaultEvent, 0, len(logs))
	for _, lg := range logs {
		ev, err := l.decodeLog(lg)
		if err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (l *LedgerClient) decodeLog(lg types.Log) (VaultEvent, error) {
	if len(lg.Topics) == 0 {
		return VaultEvent{}, fmt.Errorf("log without topics")
	}
	ev := VaultEvent{BlockNumber: lg.BlockNumber}

	switch lg.Topics[0] {
	case paymentRequestedSig:
		if len(lg.Topics) < 4 {
			return VaultEvent{}, fmt.Errorf("short PaymentRequested topics")
		}
		ev.Kind = EventPaymentRequested
		ev.TxID = new(big.Int).SetBytes(lg.Topics[1].Bytes()).Int64()
		ev.Agent = common.BytesToAddress(lg.Topics[2].Bytes()[12:])
		ev.Vendor = common.BytesToAddress(lg.Topics[3].Bytes()[12:])
		vals, err := l.vaultABI.Events["PaymentRequested"].Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil || len(vals) < 2 {
			return VaultEvent{}, fmt.Errorf("unpack PaymentRequested: %w", err)
		}
		ev.Amount = vals[0].(*big.Int)
		ev.ExecuteAfter = vals[1].(*big.Int).Int64()

	case paymentExecutedSig:
		if len(lg.Topics) < 2 {
			return VaultEvent{}, fmt.Errorf("short PaymentExecuted topics")
		}
		ev.Kind = EventPaymentExecuted
		ev.TxID = new(big.Int).SetBytes(lg.Topics[1].Bytes()).Int64()

	case paymentRevokedSig:
		if len(lg.Topics) < 2 {
			return VaultEvent{}, fmt.Errorf("short PaymentRevoked topics")
		}
		ev.Kind = EventPaymentRevoked
		ev.TxID = new(big.Int).SetBytes(lg.Topics[1].Bytes()).Int64()
		vals, err := l.vaultABI.Events["PaymentRevoked"].Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil || len(vals) < 1 {
			return VaultEvent{}, fmt.Errorf("unpack PaymentRevoked: %w", err)
		}
		ev.Reason = vals[0].(string)

	default:
		return VaultEvent{}, fmt.Errorf("unknown topic %s", lg.Topics[0].Hex())
	}
	return ev, nil
}

func (l *LedgerClient) callView(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	out, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return contractABI.Unpack(method, out)
}

func (l *LedgerClient) IsTrustedVendor(ctx context.Context, vendor common.Address) (bool, error) {
	vals, err := l.callView(ctx, l.vaultAddr, l.vaultABI, "trustedVendors", vendor)
	if err != nil {
		return false, err
	}
	return vals[0].(bool), nil
}

func (l *LedgerClient) TokenBalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	vals, err := l.callView(ctx, l.tokenAddr, l.erc20ABI, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

func (l *LedgerClient) Limits(ctx context.Context) (VaultLimits, error) {
	daily, err := l.callView(ctx, l.vaultAddr, l.vaultABI, "dailyLimit")
	if err != nil {
		return VaultLimits{}, err
	}
	perTx, err := l.callView(ctx, l.vaultAddr, l.vaultABI, "perTransactionLimit")
	if err != nil {
		return VaultLimits{}, err
	}
	timelock, err := l.callView(ctx, l.vaultAddr, l.vaultABI, "timelockDuration")
	if err != nil {
		return VaultLimits{}, err
	}
	return VaultLimits{
		DailyLimitWei: daily[0].(*big.Int).String(),
		PerTxLimitWei: perTx[0].(*big.Int).String(),
		TimelockSecs:  timelock[0].(*big.Int).Int64(),
	}, nil
}

func (l *LedgerClient) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	return l.client.PendingNonceAt(ctx, account)
}

// SuggestFees prices a transaction for this network. The strategy is a
// function of network identity alone.
func (l *LedgerClient) SuggestFees(ctx context.Context) (FeeQuote, error) {
	if l.network.FeeStrategy == config.FeeStrategyDynamic {
		header, err := l.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return FeeQuote{}, err
		}
		if header.BaseFee == nil {
			return FeeQuote{}, fmt.Errorf("network %s has no base fee", l.network.Name)
		}
		tip := new(big.Int).Mul(big.NewInt(l.network.PriorityFeeGwei), big.NewInt(1e9))
		feeCap := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
		feeCap.Add(feeCap, tip)
		return FeeQuote{GasFeeCap: feeCap, GasTipCap: tip}, nil
	}
	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return FeeQuote{}, err
	}
	return FeeQuote{GasPrice: gasPrice}, nil
}

func (l *LedgerClient) signAndSend(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, data []byte, gas, nonce uint64, fee FeeQuote) (common.Hash, error) {
	var tx *types.Transaction
	chainID := big.NewInt(l.network.ChainID)
	if fee.Dynamic() {
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			To:        &to,
			Gas:       gas,
			GasFeeCap: fee.GasFeeCap,
			GasTipCap: fee.GasTipCap,
			Data:      data,
		})
	} else {
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Gas:      gas,
			GasPrice: fee.GasPrice,
			Data:     data,
		})
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := l.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}
	return signed.Hash(), nil
}

// TransferToken submits an ERC-20 transfer from the key's address.
func (l *LedgerClient) TransferToken(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amountWei *big.Int, nonce uint64, fee FeeQuote) (common.Hash, error) {
	data, err := l.erc20ABI.Pack("transfer", to, amountWei)
	if err != nil {
		return common.Hash{}, err
	}
	return l.signAndSend(ctx, key, l.tokenAddr, data, 100000, nonce, fee)
}

// ApproveToken approves the savings contract to pull amountWei.
func (l *LedgerClient) ApproveToken(ctx context.Context, key *ecdsa.PrivateKey, amountWei *big.Int, nonce uint64, fee FeeQuote) (common.Hash, error) {
	data, err := l.erc20ABI.Pack("approve", l.savingsAddr, amountWei)
	if err != nil {
		return common.Hash{}, err
	}
	return l.signAndSend(ctx, key, l.tokenAddr, data, 60000, nonce, fee)
}

// DepositToSavings invokes depositFromAgent on the savings contract.
func (l *LedgerClient) DepositToSavings(ctx context.Context, key *ecdsa.PrivateKey, planID int64, amountWei *big.Int, agent common.Address, nonce uint64, fee FeeQuote) (common.Hash, error) {
	data, err := l.savingsABI.Pack("depositFromAgent", big.NewInt(planID), amountWei, agent)
	if err != nil {
		return common.Hash{}, err
	}
	return l.signAndSend(ctx, key, l.savingsAddr, data, 150000, nonce, fee)
}

// WaitReceipt blocks until the transaction lands or the receipt timeout
// passes. A reverted receipt is returned as an error.
func (l *LedgerClient) WaitReceipt(ctx context.Context, txHash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := l.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("tx %s reverted", txHash.Hex())
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait receipt %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
