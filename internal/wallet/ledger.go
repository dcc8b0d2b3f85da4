// Package wallet 维护每个资产的 available / reserved 余额。
//
// 下单时冻结 (reserve) 支出资产；成交时从冻结部分扣减并给对手资产入账 (release)；
// 撤单/过期时解冻 (revertReservation)。所有修改都以批次 (batch) 原子提交：
// 任意一步余额不足，整个批次都不生效。
package wallet

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrInsufficientFunds 余额不足，状态保持不变
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidAmount 数量为负
	ErrInvalidAmount = errors.New("invalid amount")
)

// Balance 单个资产的余额
type Balance struct {
	Asset     string
	Available decimal.Decimal
	Reserved  decimal.Decimal
}

func (b Balance) Total() decimal.Decimal { return b.Available.Add(b.Reserved) }

type opKind int

const (
	opReserve opKind = iota + 1
	opRevert
	opRelease
	opCredit
	opDebit
	opSetAvailable
	opSetReserved
)

func (k opKind) String() string {
	switch k {
	case opReserve:
		return "reserve"
	case opRevert:
		return "revertReservation"
	case opRelease:
		return "release"
	case opCredit:
		return "credit"
	case opDebit:
		return "debit"
	case opSetAvailable:
		return "setAsset"
	case opSetReserved:
		return "setReserved"
	}
	return "unknown"
}

// Op 批次中的一步，用 Reserve/Release/... 构造
type Op struct {
	kind    opKind
	asset   string // release 时为冻结资产
	toAsset string // 仅 release 使用
	qty     decimal.Decimal
	toQty   decimal.Decimal
}

func Reserve(asset string, qty decimal.Decimal) Op {
	return Op{kind: opReserve, asset: norm(asset), qty: qty}
}

func RevertReservation(asset string, qty decimal.Decimal) Op {
	return Op{kind: opRevert, asset: norm(asset), qty: qty}
}

// Release 从 fromAsset 的冻结中扣除 fromQty，给 toAsset 的可用余额增加 toQty
func Release(fromAsset, toAsset string, fromQty, toQty decimal.Decimal) Op {
	return Op{kind: opRelease, asset: norm(fromAsset), toAsset: norm(toAsset), qty: fromQty, toQty: toQty}
}

func Credit(asset string, qty decimal.Decimal) Op {
	return Op{kind: opCredit, asset: norm(asset), qty: qty}
}

func Debit(asset string, qty decimal.Decimal) Op {
	return Op{kind: opDebit, asset: norm(asset), qty: qty}
}

// SetAsset / SetReserved 绝对覆盖，用于实盘钱包同步
func SetAsset(asset string, available decimal.Decimal) Op {
	return Op{kind: opSetAvailable, asset: norm(asset), qty: available}
}

func SetReserved(asset string, reserved decimal.Decimal) Op {
	return Op{kind: opSetReserved, asset: norm(asset), qty: reserved}
}

func norm(asset string) string { return strings.ToUpper(asset) }

func (o Op) String() string {
	if o.kind == opRelease {
		return fmt.Sprintf("%s(%s %s -> %s %s)", o.kind, o.qty, o.asset, o.toQty, o.toAsset)
	}
	return fmt.Sprintf("%s(%s %s)", o.kind, o.qty, o.asset)
}

// Ledger 资产余额表。不是并发安全的：由拥有交易所实例的单个 goroutine 修改
type Ledger struct {
	balances map[string]Balance
	logger   *zap.Logger
}

func NewLedger(logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		balances: make(map[string]Balance),
		logger:   logger,
	}
}

// Get 不存在的资产返回零余额
func (l *Ledger) Get(asset string) Balance {
	asset = norm(asset)
	if b, ok := l.balances[asset]; ok {
		return b
	}
	return Balance{Asset: asset, Available: decimal.Zero, Reserved: decimal.Zero}
}

// Available / Reserved 快捷读取
func (l *Ledger) Available(asset string) decimal.Decimal { return l.Get(asset).Available }

func (l *Ledger) Reserved(asset string) decimal.Decimal { return l.Get(asset).Reserved }

// Balances 按资产代码排序的快照
func (l *Ledger) Balances() []Balance {
	out := make([]Balance, 0, len(l.balances))
	for _, b := range l.balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

func (l *Ledger) Reserve(asset string, qty decimal.Decimal) error {
	return l.Apply(Reserve(asset, qty))
}

func (l *Ledger) RevertReservation(asset string, qty decimal.Decimal) error {
	return l.Apply(RevertReservation(asset, qty))
}

func (l *Ledger) Release(fromAsset, toAsset string, fromQty, toQty decimal.Decimal) error {
	return l.Apply(Release(fromAsset, toAsset, fromQty, toQty))
}

func (l *Ledger) Credit(asset string, qty decimal.Decimal) error {
	return l.Apply(Credit(asset, qty))
}

func (l *Ledger) Debit(asset string, qty decimal.Decimal) error {
	return l.Apply(Debit(asset, qty))
}

func (l *Ledger) SetAsset(asset string, available decimal.Decimal) error {
	return l.Apply(SetAsset(asset, available))
}

func (l *Ledger) SetReserved(asset string, reserved decimal.Decimal) error {
	return l.Apply(SetReserved(asset, reserved))
}

// Apply 原子执行一个批次。
// 所有步骤先在工作副本上依次校验和计算，全部成功后才提交；
// 任意一步失败返回错误，账本不变。
func (l *Ledger) Apply(ops ...Op) error {
	work := make(map[string]Balance, 2)
	get := func(asset string) Balance {
		if b, ok := work[asset]; ok {
			return b
		}
		return l.Get(asset)
	}

	for i, op := range ops {
		if op.qty.IsNegative() || op.toQty.IsNegative() {
			return fmt.Errorf("step %d %s: %w", i, op, ErrInvalidAmount)
		}

		b := get(op.asset)
		switch op.kind {
		case opReserve:
			if b.Available.LessThan(op.qty) {
				return insufficient(i, op, "available", b.Available)
			}
			b.Available = b.Available.Sub(op.qty)
			b.Reserved = b.Reserved.Add(op.qty)
		case opRevert:
			if b.Reserved.LessThan(op.qty) {
				return insufficient(i, op, "reserved", b.Reserved)
			}
			b.Reserved = b.Reserved.Sub(op.qty)
			b.Available = b.Available.Add(op.qty)
		case opRelease:
			if b.Reserved.LessThan(op.qty) {
				return insufficient(i, op, "reserved", b.Reserved)
			}
			b.Reserved = b.Reserved.Sub(op.qty)
		case opCredit:
			b.Available = b.Available.Add(op.qty)
		case opDebit:
			if b.Available.LessThan(op.qty) {
				return insufficient(i, op, "available", b.Available)
			}
			b.Available = b.Available.Sub(op.qty)
		case opSetAvailable:
			b.Available = op.qty
		case opSetReserved:
			b.Reserved = op.qty
		default:
			return fmt.Errorf("step %d: unknown wallet operation", i)
		}
		work[op.asset] = b

		// release 的入账要在冻结扣减写回之后读取，同一资产时才能叠加
		if op.kind == opRelease {
			to := get(op.toAsset)
			to.Available = to.Available.Add(op.toQty)
			work[op.toAsset] = to
		}
	}

	for asset, b := range work {
		b.Asset = asset
		l.balances[asset] = b
	}
	l.logger.Debug("Wallet batch applied", zap.Stringers("ops", ops))
	return nil
}

func insufficient(step int, op Op, field string, have decimal.Decimal) error {
	return fmt.Errorf("step %d %s: %s %s is %s: %w", step, op, op.asset, field, have, ErrInsufficientFunds)
}
