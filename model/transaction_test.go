package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeTransactionHashStable(t *testing.T) {
	a := ComputeTransactionHash(7, "0xagent", "0xvendor", "1000000000000000000", 1700000000)
	b := ComputeTransactionHash(7, "0xagent", "0xvendor", "1000000000000000000", 1700000000)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestComputeTransactionHashSensitivity(t *testing.T) {
	base := ComputeTransactionHash(7, "0xagent", "0xvendor", "100", 1700000000)

	assert.NotEqual(t, base, ComputeTransactionHash(8, "0xagent", "0xvendor", "100", 1700000000))
	assert.NotEqual(t, base, ComputeTransactionHash(7, "0xother", "0xvendor", "100", 1700000000))
	assert.NotEqual(t, base, ComputeTransactionHash(7, "0xagent", "0xvendor", "101", 1700000000))
	assert.NotEqual(t, base, ComputeTransactionHash(7, "0xagent", "0xvendor", "100", 1700000001))
}

func TestVerifyIntegrity(t *testing.T) {
	tx := Transaction{
		TxID:      42,
		Agent:     "0xagent",
		Vendor:    "0xvendor",
		AmountWei: "5000000000000000000",
		Timestamp: 1700000000,
	}
	tx.Hash = ComputeTransactionHash(tx.TxID, tx.Agent, tx.Vendor, tx.AmountWei, tx.Timestamp)
	assert.True(t, tx.VerifyIntegrity())

	tx.AmountWei = "6000000000000000000"
	assert.False(t, tx.VerifyIntegrity())
}

func TestComputeAuditHashIncludesInstant(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := ComputeAuditHash("schedule_created", "schedule", "abc", "0xuser", at)
	b := ComputeAuditHash("schedule_created", "schedule", "abc", "0xuser", at.Add(time.Nanosecond))

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, ComputeAuditHash("schedule_created", "schedule", "abc", "0xuser", at))
}
