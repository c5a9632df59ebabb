package fifo

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bengkelpos/backend/internal/domain"
)

func TestLedgerContinuesAcrossConsumptions(t *testing.T) {
	ledger := NewLedger(map[string][]domain.Lot{
		"prod-1": {
			lot("lot-a", 3, "10.00", t0),
			lot("lot-b", 5, "12.00", t0.Add(time.Hour)),
		},
	})

	first, err := ledger.Consume("prod-1", 2)
	require.NoError(t, err)
	assert.Equal(t, "lot-a", first.Movements[0].LotID)

	second, err := ledger.Consume("prod-1", 2)
	require.NoError(t, err)
	require.Len(t, second.Movements, 2)
	assert.Equal(t, 1, second.Movements[0].Qty)
	assert.Equal(t, "lot-b", second.Movements[1].LotID)
	assert.Equal(t, 4, second.Movements[1].RemainingAfter)

	assert.Equal(t, 4, ledger.Available("prod-1"))
	assert.True(t, ledger.CurrentCost("prod-1").Equal(decimal.RequireFromString("12.00")))

	touched := ledger.Touched()
	require.Len(t, touched, 2)
	assert.Equal(t, "lot-a", touched[0].ID)
	assert.Equal(t, 0, touched[0].RemainingQty)
	assert.Equal(t, "lot-b", touched[1].ID)
	assert.Equal(t, 4, touched[1].RemainingQty)
}

func TestLedgerFailedConsumptionLeavesSnapshot(t *testing.T) {
	ledger := NewLedger(map[string][]domain.Lot{
		"prod-1": {lot("lot-a", 3, "10.00", t0)},
	})

	_, err := ledger.Consume("prod-1", 4)
	require.Error(t, err)
	assert.Equal(t, 3, ledger.Available("prod-1"))
	assert.Empty(t, ledger.Touched())
}

func TestLedgerDoesNotAliasInput(t *testing.T) {
	input := map[string][]domain.Lot{
		"prod-1": {lot("lot-a", 3, "10.00", t0)},
	}
	ledger := NewLedger(input)

	_, err := ledger.Consume("prod-1", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, input["prod-1"][0].RemainingQty)
	assert.Equal(t, domain.LotStateExhausted, ledger.Lots("prod-1")[0].State)
}
