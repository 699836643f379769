// Package enginetest provides in-memory implementations of the engine's
// store and ledger interfaces so the matching and settlement scenarios run
// without a database. The fakes reproduce the persistence semantics the SQL
// layer provides: price-time candidate selection, available-balance
// bracketing, avg-cost weighting and P&L realization.
package enginetest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"predmarket/internal/ledger"
	"predmarket/internal/model"
	"predmarket/internal/trading"
	"predmarket/internal/types"
)

// DB satisfies db.DB by running the function once without a transaction.
type DB struct{}

func (DB) WithSerializableTx(_ context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

type positionKey struct {
	UserID   int64
	MarketID int64
}

// World holds the whole in-memory state: accounts, positions, the book and
// the audit trail. It implements the matching and settlement Store and Ledger
// interfaces.
type World struct {
	Accounts     map[int64]*model.Account
	Positions    map[positionKey]*model.Position
	Transactions []model.Transaction

	Markets map[int64]*model.Market
	Events  map[int64]*model.Event
	Orders  map[int64]*model.Order
	Trades  []*model.Trade

	Pools     map[int64]*model.AMMPool
	AMMTrades []*model.AMMTrade

	Now time.Time

	nextOrderID int64
	nextTradeID int64
	nextPosID   int64
	nextTxID    int64
	nextPoolID  int64
}

func NewWorld() *World {
	return &World{
		Accounts:  make(map[int64]*model.Account),
		Positions: make(map[positionKey]*model.Position),
		Markets:   make(map[int64]*model.Market),
		Events:    make(map[int64]*model.Event),
		Orders:    make(map[int64]*model.Order),
		Pools:     make(map[int64]*model.AMMPool),
		Now:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

// AddAccount seeds a user with the given balance in dollars.
func (w *World) AddAccount(id int64, balance string) {
	w.Accounts[id] = &model.Account{
		ID:       id,
		Username: fmt.Sprintf("user%d", id),
		Balance:  decimal.RequireFromString(balance),
		Reserved: decimal.Zero,
	}
}

// AddMarket seeds an active market inside an active event window.
func (w *World) AddMarket(id int64) *model.Market {
	eventID := id * 100
	w.Events[eventID] = &model.Event{
		ID:            eventID,
		Title:         fmt.Sprintf("event %d", eventID),
		Status:        types.EventStatusActive,
		TradingStarts: w.Now.Add(-time.Hour),
		TradingEnds:   w.Now.Add(24 * time.Hour),
	}
	w.Markets[id] = &model.Market{
		ID:            id,
		EventID:       eventID,
		Title:         fmt.Sprintf("market %d", id),
		Status:        types.MarketStatusActive,
		LastYesPrice:  50,
		LastNoPrice:   50,
		AMMEnabled:    true,
		FeesCollected: decimal.Zero,
		CreatedAt:     w.Now.Add(-time.Hour),
	}
	return w.Markets[id]
}

// SeedPosition installs holdings directly (available pool).
func (w *World) SeedPosition(userID, marketID, yesQty, noQty int64, yesAvg, noAvg string) {
	w.nextPosID++
	w.Positions[positionKey{userID, marketID}] = &model.Position{
		ID:          w.nextPosID,
		UserID:      userID,
		MarketID:    marketID,
		YesQuantity: yesQty,
		NoQuantity:  noQty,
		YesAvgCost:  decimal.RequireFromString(yesAvg),
		NoAvgCost:   decimal.RequireFromString(noAvg),
		RealizedPnL: decimal.Zero,
	}
}

func (w *World) Position(userID, marketID int64) *model.Position {
	return w.position(userID, marketID)
}

func (w *World) Order(id int64) *model.Order { return w.Orders[id] }

// TransactionsOf filters the audit trail by user.
func (w *World) TransactionsOf(userID int64) []model.Transaction {
	var out []model.Transaction
	for _, t := range w.Transactions {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out
}

// ---- Ledger ----

func (w *World) account(userID int64) (*model.Account, error) {
	a, ok := w.Accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %d not found", userID)
	}
	return a, nil
}

func (w *World) record(userID int64, txType types.TransactionType, amount, before, after decimal.Decimal, ref ledger.Ref, desc string) {
	w.nextTxID++
	w.Transactions = append(w.Transactions, model.Transaction{
		ID:            w.nextTxID,
		UserID:        userID,
		Type:          txType,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		OrderID:       ref.OrderID,
		TradeID:       ref.TradeID,
		MarketID:      ref.MarketID,
		Description:   desc,
		CreatedAt:     w.Now,
	})
}

func (w *World) LockAccounts(_ context.Context, _ pgx.Tx, userIDs ...int64) error {
	for _, id := range userIDs {
		if _, err := w.account(id); err != nil {
			return err
		}
	}
	return nil
}

func (w *World) AvailableBalance(_ context.Context, _ pgx.Tx, userID int64) (decimal.Decimal, error) {
	a, err := w.account(userID)
	if err != nil {
		return decimal.Zero, err
	}
	return a.Available(), nil
}

func (w *World) ReserveFunds(_ context.Context, _ pgx.Tx, userID int64, amount decimal.Decimal, ref ledger.Ref, desc string) error {
	a, err := w.account(userID)
	if err != nil {
		return err
	}
	if a.Available().LessThan(amount) {
		return &trading.InsufficientFundsError{Required: amount, Available: a.Available()}
	}
	before := a.Available()
	a.Reserved = a.Reserved.Add(amount)
	w.record(userID, types.TxOrderReserve, amount.Neg(), before, a.Available(), ref, desc)
	return nil
}

func (w *World) ReleaseFunds(_ context.Context, _ pgx.Tx, userID int64, amount decimal.Decimal, ref ledger.Ref, desc string) error {
	a, err := w.account(userID)
	if err != nil {
		return err
	}
	before := a.Available()
	a.Reserved = a.Reserved.Sub(amount)
	w.record(userID, types.TxOrderRelease, amount, before, a.Available(), ref, desc)
	return nil
}

func (w *World) Charge(_ context.Context, _ pgx.Tx, userID int64, amount decimal.Decimal, txType types.TransactionType, ref ledger.Ref, desc string) error {
	a, err := w.account(userID)
	if err != nil {
		return err
	}
	if a.Available().LessThan(amount) {
		return &trading.InsufficientFundsError{Required: amount, Available: a.Available()}
	}
	before := a.Available()
	a.Balance = a.Balance.Sub(amount)
	w.record(userID, txType, amount.Neg(), before, a.Available(), ref, desc)
	return nil
}

func (w *World) Credit(_ context.Context, _ pgx.Tx, userID int64, amount decimal.Decimal, txType types.TransactionType, ref ledger.Ref, desc string) error {
	a, err := w.account(userID)
	if err != nil {
		return err
	}
	before := a.Available()
	a.Balance = a.Balance.Add(amount)
	w.record(userID, txType, amount, before, a.Available(), ref, desc)
	return nil
}

func (w *World) RecordZero(_ context.Context, _ pgx.Tx, userID int64, txType types.TransactionType, ref ledger.Ref, desc string) error {
	a, err := w.account(userID)
	if err != nil {
		return err
	}
	w.record(userID, txType, decimal.Zero, a.Available(), a.Available(), ref, desc)
	return nil
}

func (w *World) position(userID, marketID int64) *model.Position {
	key := positionKey{userID, marketID}
	p, ok := w.Positions[key]
	if !ok {
		w.nextPosID++
		p = &model.Position{
			ID:          w.nextPosID,
			UserID:      userID,
			MarketID:    marketID,
			YesAvgCost:  decimal.Zero,
			NoAvgCost:   decimal.Zero,
			RealizedPnL: decimal.Zero,
		}
		w.Positions[key] = p
	}
	return p
}

func (w *World) GetPositionForUpdate(_ context.Context, _ pgx.Tx, userID, marketID int64) (model.Position, error) {
	return *w.position(userID, marketID), nil
}

func (w *World) ReserveShares(_ context.Context, _ pgx.Tx, userID, marketID int64, ct types.ContractType, qty int64) error {
	p := w.position(userID, marketID)
	if p.Quantity(ct) < qty {
		return &trading.InsufficientPositionError{Required: qty, Available: p.Quantity(ct), ContractType: ct}
	}
	if ct == types.ContractYes {
		p.YesQuantity -= qty
		p.ReservedYes += qty
	} else {
		p.NoQuantity -= qty
		p.ReservedNo += qty
	}
	return nil
}

func (w *World) ReleaseShares(_ context.Context, _ pgx.Tx, userID, marketID int64, ct types.ContractType, qty int64) error {
	p := w.position(userID, marketID)
	if ct == types.ContractYes {
		p.ReservedYes -= qty
		p.YesQuantity += qty
	} else {
		p.ReservedNo -= qty
		p.NoQuantity += qty
	}
	return nil
}

func (w *World) BurnReservedShares(_ context.Context, _ pgx.Tx, userID, marketID int64, ct types.ContractType, qty int64) error {
	p := w.position(userID, marketID)
	reserved := p.ReservedYes
	if ct == types.ContractNo {
		reserved = p.ReservedNo
	}
	if reserved < qty {
		return &trading.InsufficientPositionError{Required: qty, Available: reserved, ContractType: ct}
	}
	if ct == types.ContractYes {
		p.ReservedYes -= qty
	} else {
		p.ReservedNo -= qty
	}
	w.zeroIfFlat(p)
	return nil
}

func (w *World) ApplyBuyFill(_ context.Context, _ pgx.Tx, userID, marketID int64, ct types.ContractType, qty int64, priceCents decimal.Decimal) error {
	p := w.position(userID, marketID)
	if ct == types.ContractYes {
		oldTotal := p.YesQuantity + p.ReservedYes
		p.YesAvgCost = weighted(oldTotal, p.YesAvgCost, qty, priceCents)
		p.YesQuantity += qty
	} else {
		oldTotal := p.NoQuantity + p.ReservedNo
		p.NoAvgCost = weighted(oldTotal, p.NoAvgCost, qty, priceCents)
		p.NoQuantity += qty
	}
	return nil
}

func (w *World) RealizeSale(_ context.Context, _ pgx.Tx, userID, marketID int64, ct types.ContractType, qty int64, priceCents decimal.Decimal, fromReserved bool) error {
	p := w.position(userID, marketID)
	if !fromReserved {
		if p.Quantity(ct) < qty {
			return &trading.InsufficientPositionError{Required: qty, Available: p.Quantity(ct), ContractType: ct}
		}
		if ct == types.ContractYes {
			p.YesQuantity -= qty
		} else {
			p.NoQuantity -= qty
		}
	}
	avg := p.YesAvgCost
	if ct == types.ContractNo {
		avg = p.NoAvgCost
	}
	pnl := decimal.NewFromInt(qty).Mul(priceCents.Sub(avg)).Div(decimal.NewFromInt(100)).Round(2)
	p.RealizedPnL = p.RealizedPnL.Add(pnl)
	w.zeroIfFlat(p)
	return nil
}

func (w *World) zeroIfFlat(p *model.Position) {
	if p.YesQuantity+p.ReservedYes == 0 {
		p.YesAvgCost = decimal.Zero
	}
	if p.NoQuantity+p.ReservedNo == 0 {
		p.NoAvgCost = decimal.Zero
	}
}

func weighted(oldQty int64, oldCost decimal.Decimal, qty int64, price decimal.Decimal) decimal.Decimal {
	newQty := oldQty + qty
	if newQty <= 0 {
		return decimal.Zero
	}
	total := decimal.NewFromInt(oldQty).Mul(oldCost).Add(decimal.NewFromInt(qty).Mul(price))
	return total.Div(decimal.NewFromInt(newQty)).Round(2)
}

// ---- Store ----

func (w *World) GetMarketForUpdate(_ context.Context, _ pgx.Tx, marketID int64) (model.Market, model.Event, error) {
	m, ok := w.Markets[marketID]
	if !ok {
		return model.Market{}, model.Event{}, fmt.Errorf("market %d not found", marketID)
	}
	e := w.Events[m.EventID]
	return *m, *e, nil
}

func (w *World) SaveMarketTrade(_ context.Context, _ pgx.Tx, m model.Market) error {
	existing := w.Markets[m.ID]
	existing.LastYesPrice = m.LastYesPrice
	existing.LastNoPrice = m.LastNoPrice
	existing.TotalVolume = m.TotalVolume
	existing.TotalSharesOutstanding = m.TotalSharesOutstanding
	existing.FeesCollected = m.FeesCollected
	return nil
}

func (w *World) SaveMarketQuotes(_ context.Context, _ pgx.Tx, marketID int64, q model.QuoteSet) error {
	m := w.Markets[marketID]
	m.BestYesBid = q.BestYesBid
	m.BestYesAsk = q.BestYesAsk
	m.BestNoBid = q.BestNoBid
	m.BestNoAsk = q.BestNoAsk
	return nil
}

func (w *World) ComputeQuotes(_ context.Context, _ pgx.Tx, marketID int64) (model.QuoteSet, error) {
	var q model.QuoteSet
	for _, o := range w.Orders {
		if o.MarketID != marketID || !o.IsActive() {
			continue
		}
		if o.OrderType != types.OrderTypeLimit && o.OrderType != types.OrderTypeMarket {
			continue
		}
		cents := o.PriceCents()
		switch {
		case o.Side == types.OrderSideBuy && o.ContractType == types.ContractYes:
			q.BestYesBid = maxQuote(q.BestYesBid, cents)
		case o.Side == types.OrderSideSell && o.ContractType == types.ContractYes:
			q.BestYesAsk = minQuote(q.BestYesAsk, cents)
		case o.Side == types.OrderSideBuy && o.ContractType == types.ContractNo:
			q.BestNoBid = maxQuote(q.BestNoBid, cents)
		default:
			q.BestNoAsk = minQuote(q.BestNoAsk, cents)
		}
	}
	return q, nil
}

func maxQuote(cur *int, cents int) *int {
	if cur == nil || cents > *cur {
		return &cents
	}
	return cur
}

func minQuote(cur *int, cents int) *int {
	if cur == nil || cents < *cur {
		return &cents
	}
	return cur
}

func (w *World) InsertOrder(_ context.Context, _ pgx.Tx, o *model.Order) error {
	w.nextOrderID++
	o.ID = w.nextOrderID
	o.CreatedAt = w.Now.Add(time.Duration(w.nextOrderID) * time.Millisecond)
	o.UpdatedAt = o.CreatedAt
	stored := *o
	w.Orders[o.ID] = &stored
	return nil
}

func (w *World) GetOrder(_ context.Context, _ pgx.Tx, orderID int64) (model.Order, error) {
	o, ok := w.Orders[orderID]
	if !ok {
		return model.Order{}, &trading.OrderNotFoundError{ID: orderID}
	}
	return *o, nil
}

func (w *World) GetOrderForUpdate(_ context.Context, _ pgx.Tx, orderID int64) (model.Order, error) {
	o, ok := w.Orders[orderID]
	if !ok {
		return model.Order{}, &trading.OrderNotFoundError{ID: orderID}
	}
	return *o, nil
}

func (w *World) SaveOrderFill(_ context.Context, _ pgx.Tx, orderID int64, filled int64, status types.OrderStatus) error {
	o := w.Orders[orderID]
	o.FilledQuantity = filled
	o.Status = status
	return nil
}

func (w *World) SaveOrderStatus(_ context.Context, _ pgx.Tx, orderID int64, status types.OrderStatus) error {
	w.Orders[orderID].Status = status
	return nil
}

// candidates returns active book orders of the market sorted for price-time
// priority. bestHigh selects descending price.
func (w *World) candidates(marketID int64, side types.OrderSide, ct types.ContractType, excludeUser int64, bestHigh bool) []*model.Order {
	var out []*model.Order
	for _, o := range w.Orders {
		if o.MarketID != marketID || o.Side != side || o.ContractType != ct {
			continue
		}
		if !o.IsActive() || o.Remaining() <= 0 || o.UserID == excludeUser {
			continue
		}
		if o.OrderType != types.OrderTypeLimit && o.OrderType != types.OrderTypeMarket {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Price.Equal(out[j].Price) {
			if bestHigh {
				return out[i].Price.GreaterThan(out[j].Price)
			}
			return out[i].Price.LessThan(out[j].Price)
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (w *World) BestDirectMatch(_ context.Context, _ pgx.Tx, incoming model.Order) (*model.Order, error) {
	if incoming.Side == types.OrderSideBuy {
		for _, o := range w.candidates(incoming.MarketID, types.OrderSideSell, incoming.ContractType, incoming.UserID, false) {
			if o.Price.LessThanOrEqual(incoming.Price) {
				clone := *o
				return &clone, nil
			}
		}
		return nil, nil
	}
	for _, o := range w.candidates(incoming.MarketID, types.OrderSideBuy, incoming.ContractType, incoming.UserID, true) {
		if o.Price.GreaterThanOrEqual(incoming.Price) {
			clone := *o
			return &clone, nil
		}
	}
	return nil, nil
}

func (w *World) BestMintMatch(_ context.Context, _ pgx.Tx, incoming model.Order) (*model.Order, error) {
	minPrice := decimal.NewFromInt(1).Sub(incoming.Price)
	for _, o := range w.candidates(incoming.MarketID, types.OrderSideBuy, incoming.ContractType.Opposite(), incoming.UserID, true) {
		if o.Price.GreaterThanOrEqual(minPrice) {
			clone := *o
			return &clone, nil
		}
	}
	return nil, nil
}

func (w *World) BestMergeMatch(_ context.Context, _ pgx.Tx, incoming model.Order) (*model.Order, error) {
	maxPrice := decimal.NewFromInt(1).Sub(incoming.Price)
	for _, o := range w.candidates(incoming.MarketID, types.OrderSideSell, incoming.ContractType.Opposite(), incoming.UserID, false) {
		if o.Price.LessThanOrEqual(maxPrice) {
			clone := *o
			return &clone, nil
		}
	}
	return nil, nil
}

func (w *World) InsertTrade(_ context.Context, _ pgx.Tx, t *model.Trade) error {
	w.nextTradeID++
	t.ID = w.nextTradeID
	t.ExecutedAt = w.Now
	stored := *t
	w.Trades = append(w.Trades, &stored)
	return nil
}

// ---- amm.Store ----

func (w *World) GetOrCreatePoolForUpdate(_ context.Context, _ pgx.Tx, marketID int64) (model.AMMPool, error) {
	p, ok := w.Pools[marketID]
	if !ok {
		w.nextPoolID++
		p = &model.AMMPool{
			ID:            w.nextPoolID,
			MarketID:      marketID,
			Engine:        types.AMMEngineLMSR,
			LiquidityB:    decimal.NewFromInt(100),
			FeePercentage: decimal.RequireFromString("0.02"),
		}
		w.Pools[marketID] = p
	}
	return *p, nil
}

func (w *World) SavePool(_ context.Context, _ pgx.Tx, p model.AMMPool) error {
	for _, existing := range w.Pools {
		if existing.ID == p.ID {
			existing.YesShares = p.YesShares
			existing.NoShares = p.NoShares
			existing.PoolBalance = p.PoolBalance
			existing.TotalFeesCollected = p.TotalFeesCollected
		}
	}
	return nil
}

func (w *World) InsertAMMTrade(_ context.Context, _ pgx.Tx, t *model.AMMTrade) error {
	w.nextTradeID++
	t.ID = w.nextTradeID
	t.ExecutedAt = w.Now
	stored := *t
	w.AMMTrades = append(w.AMMTrades, &stored)
	return nil
}

// ---- settlement.Store extras ----

func (w *World) SetMarketStatus(_ context.Context, _ pgx.Tx, marketID int64, status types.MarketStatus) error {
	w.Markets[marketID].Status = status
	return nil
}

func (w *World) ListOpenOrders(_ context.Context, _ pgx.Tx, marketID int64) ([]model.Order, error) {
	var out []model.Order
	for _, o := range w.Orders {
		if o.MarketID == marketID && o.IsActive() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (w *World) ListHeldPositions(_ context.Context, _ pgx.Tx, marketID int64) ([]model.Position, error) {
	var out []model.Position
	for _, p := range w.Positions {
		if p.MarketID != marketID {
			continue
		}
		if p.YesQuantity > 0 || p.NoQuantity > 0 || p.ReservedYes > 0 || p.ReservedNo > 0 {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (w *World) ClearPosition(_ context.Context, _ pgx.Tx, positionID int64) error {
	for _, p := range w.Positions {
		if p.ID == positionID {
			p.YesQuantity, p.NoQuantity = 0, 0
			p.ReservedYes, p.ReservedNo = 0, 0
			p.YesAvgCost, p.NoAvgCost = decimal.Zero, decimal.Zero
		}
	}
	return nil
}

func (w *World) ClaimOpenOrderIDs(_ context.Context, _ pgx.Tx, marketID int64, orderTypes []types.OrderType, limit int) ([]int64, error) {
	kinds := make(map[types.OrderType]bool, len(orderTypes))
	for _, t := range orderTypes {
		kinds[t] = true
	}
	var ids []int64
	for _, o := range w.Orders {
		if o.MarketID == marketID && o.IsActive() && kinds[o.OrderType] {
			ids = append(ids, o.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}
