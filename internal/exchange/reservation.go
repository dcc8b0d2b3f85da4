package exchange

import (
	"github.com/shopspring/decimal"

	"crypto-trading-bot/internal/model"
	"crypto-trading-bot/internal/wallet"
)

// reservation 一个订单冻结的资产
//   - 买单：冻结 quote，数量 qty × price
//   - 卖单：冻结 base，数量 qty
type reservation struct {
	asset     string
	remaining decimal.Decimal
}

func reservationFor(pair model.Pair, side model.Side, price, qty decimal.Decimal) reservation {
	if side == model.SideBuy {
		return reservation{asset: pair.Quote, remaining: qty.Mul(price)}
	}
	return reservation{asset: pair.Base, remaining: qty}
}

// settlementOps 成交时的钱包批次：从冻结资产扣减，给对手资产入账。
// 返回批次和批次成功后剩余的冻结数量；final 为 true 时，
// 冻结中剩余的部分 (例如成交价优于限价) 退回可用余额。
// 实际花费超过冻结时，差额从可用余额扣，余额不够则整个批次失败
func settlementOps(o model.Order, r reservation, fill model.Fill, final bool) ([]wallet.Op, decimal.Decimal) {
	pair := o.Pair
	var (
		spent    decimal.Decimal
		toAsset  string
		received decimal.Decimal
	)

	if o.Side == model.SideBuy {
		spent = fill.Quantity.Mul(fill.Price)
		toAsset = pair.Base
		received = fill.Quantity
		if fill.CommissionAsset == pair.Base {
			received = received.Sub(fill.Commission)
		}
	} else {
		spent = fill.Quantity
		toAsset = pair.Quote
		received = fill.Quantity.Mul(fill.Price)
		if fill.CommissionAsset == pair.Quote {
			received = received.Sub(fill.Commission)
		}
	}

	var ops []wallet.Op
	remaining := r.remaining
	if spent.GreaterThan(remaining) {
		ops = append(ops,
			wallet.Release(r.asset, toAsset, remaining, received),
			wallet.Debit(r.asset, spent.Sub(remaining)))
		remaining = decimal.Zero
	} else {
		ops = append(ops, wallet.Release(r.asset, toAsset, spent, received))
		remaining = remaining.Sub(spent)
	}

	if final && remaining.IsPositive() {
		ops = append(ops, wallet.RevertReservation(r.asset, remaining))
		remaining = decimal.Zero
	}
	if fill.CommissionAsset != "" && fill.CommissionAsset != pair.Base && fill.CommissionAsset != pair.Quote {
		ops = append(ops, wallet.Debit(fill.CommissionAsset, fill.Commission))
	}
	return ops, remaining
}
