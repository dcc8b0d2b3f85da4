package wallet

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seeded(t *testing.T) *Ledger {
	t.Helper()
	l := NewLedger(nil)
	require.NoError(t, l.Credit("USDT", d("10000")))
	return l
}

func TestGetDefaultsToZero(t *testing.T) {
	l := NewLedger(nil)
	b := l.Get("btc")
	assert.Equal(t, "BTC", b.Asset)
	assert.True(t, b.Available.IsZero())
	assert.True(t, b.Reserved.IsZero())
	assert.Empty(t, l.Balances())
}

func TestReserveMovesAvailableToReserved(t *testing.T) {
	l := seeded(t)
	require.NoError(t, l.Reserve("USDT", d("9700")))

	b := l.Get("USDT")
	assert.True(t, b.Available.Equal(d("300")), b.Available.String())
	assert.True(t, b.Reserved.Equal(d("9700")), b.Reserved.String())
	assert.True(t, b.Total().Equal(d("10000")))
}

func TestReserveInsufficientLeavesStateUnchanged(t *testing.T) {
	l := seeded(t)
	err := l.Reserve("USDT", d("10000.01"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientFunds))

	b := l.Get("USDT")
	assert.True(t, b.Available.Equal(d("10000")))
	assert.True(t, b.Reserved.IsZero())
}

func TestReleaseDebitsReservedAndCreditsCounterAsset(t *testing.T) {
	l := seeded(t)
	require.NoError(t, l.Reserve("USDT", d("9809.8")))
	require.NoError(t, l.Release("USDT", "BTC", d("9809.8"), d("0.999")))

	assert.True(t, l.Available("USDT").Equal(d("190.2")))
	assert.True(t, l.Reserved("USDT").IsZero())
	assert.True(t, l.Available("BTC").Equal(d("0.999")))
}

func TestReleaseSameAsset(t *testing.T) {
	l := seeded(t)
	require.NoError(t, l.Reserve("USDT", d("100")))
	require.NoError(t, l.Release("USDT", "USDT", d("100"), d("40")))

	assert.True(t, l.Available("USDT").Equal(d("9940")))
	assert.True(t, l.Reserved("USDT").IsZero())
}

func TestRevertReservation(t *testing.T) {
	l := seeded(t)
	require.NoError(t, l.Reserve("USDT", d("500")))
	require.NoError(t, l.RevertReservation("USDT", d("500")))
	assert.True(t, l.Available("USDT").Equal(d("10000")))

	err := l.RevertReservation("USDT", d("1"))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestDebit(t *testing.T) {
	l := seeded(t)
	require.NoError(t, l.Debit("USDT", d("1")))
	assert.ErrorIs(t, l.Debit("BTC", d("1")), ErrInsufficientFunds)
}

func TestNegativeAmountRejected(t *testing.T) {
	l := seeded(t)
	assert.ErrorIs(t, l.Credit("USDT", d("-1")), ErrInvalidAmount)
	assert.ErrorIs(t, l.Release("USDT", "BTC", d("0"), d("-1")), ErrInvalidAmount)
	assert.True(t, l.Available("USDT").Equal(d("10000")))
}

func TestBatchIsAllOrNothing(t *testing.T) {
	l := seeded(t)
	require.NoError(t, l.Credit("BTC", d("1")))

	err := l.Apply(
		Reserve("USDT", d("5000")),
		Reserve("BTC", d("2")), // 余额不足
	)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	assert.True(t, l.Available("USDT").Equal(d("10000")))
	assert.True(t, l.Reserved("USDT").IsZero())
	assert.True(t, l.Available("BTC").Equal(d("1")))
}

func TestBatchCannotOverdrawWithRepeatedReserve(t *testing.T) {
	l := seeded(t)
	err := l.Apply(Reserve("USDT", d("6000")), Reserve("USDT", d("6000")))
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.True(t, l.Available("USDT").Equal(d("10000")))
}

func TestBatchRevertThenReserve(t *testing.T) {
	// 改单：解冻旧订单后冻结新订单
	l := seeded(t)
	require.NoError(t, l.Reserve("USDT", d("10000")))
	require.NoError(t, l.Apply(RevertReservation("USDT", d("10000")), Reserve("USDT", d("9000"))))

	assert.True(t, l.Available("USDT").Equal(d("1000")))
	assert.True(t, l.Reserved("USDT").Equal(d("9000")))
}

func TestSetAssetAndReservedOverwrite(t *testing.T) {
	l := seeded(t)
	require.NoError(t, l.Apply(SetAsset("usdt", d("42")), SetReserved("USDT", d("8"))))

	b := l.Get("USDT")
	assert.True(t, b.Available.Equal(d("42")))
	assert.True(t, b.Reserved.Equal(d("8")))
	assert.ErrorIs(t, l.SetAsset("USDT", d("-1")), ErrInvalidAmount)
}

func TestBalancesSorted(t *testing.T) {
	l := NewLedger(nil)
	require.NoError(t, l.Credit("USDT", d("1")))
	require.NoError(t, l.Credit("BTC", d("1")))
	require.NoError(t, l.Credit("ETH", d("1")))

	var assets []string
	for _, b := range l.Balances() {
		assets = append(assets, b.Asset)
	}
	assert.Equal(t, []string{"BTC", "ETH", "USDT"}, assets)
}

func TestPropertyBalancesNeverNegative(t *testing.T) {
	assets := []string{"BTC", "USDT"}
	rapid.Check(t, func(t *rapid.T) {
		l := NewLedger(nil)
		_ = l.Credit("USDT", decimal.NewFromInt(rapid.Int64Range(0, 10000).Draw(t, "usdt")))
		_ = l.Credit("BTC", decimal.NewFromInt(rapid.Int64Range(0, 10).Draw(t, "btc")))

		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			asset := rapid.SampledFrom(assets).Draw(t, "asset")
			other := rapid.SampledFrom(assets).Draw(t, "other")
			qty := decimal.New(rapid.Int64Range(0, 20000).Draw(t, "qty"), -2)
			toQty := decimal.New(rapid.Int64Range(0, 20000).Draw(t, "toQty"), -2)

			before := l.Balances()
			var err error
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				err = l.Reserve(asset, qty)
			case 1:
				err = l.RevertReservation(asset, qty)
			case 2:
				err = l.Release(asset, other, qty, toQty)
			}
			if err != nil {
				if !errors.Is(err, ErrInsufficientFunds) {
					t.Fatalf("unexpected error: %v", err)
				}
				if after := l.Balances(); !sameBalances(before, after) {
					t.Fatalf("failed operation mutated the ledger: %v -> %v", before, after)
				}
			}

			for _, b := range l.Balances() {
				if b.Available.IsNegative() || b.Reserved.IsNegative() {
					t.Fatalf("negative balance after step %d: %+v", i, b)
				}
			}
		}
	})
}

func sameBalances(a, b []Balance) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Asset != b[i].Asset || !a[i].Available.Equal(b[i].Available) || !a[i].Reserved.Equal(b[i].Reserved) {
			return false
		}
	}
	return true
}
