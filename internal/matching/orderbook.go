package matching

import (
	"context"
	"sort"

	"github.com/jackc/pgx/v5"

	"predmarket/internal/db"
	"predmarket/internal/model"
	"predmarket/internal/types"
)

// BookReader serves the read-only orderbook projection.
type BookReader struct {
	db    db.DB
	store *SQLStore
}

func NewBookReader(database db.DB, store *SQLStore) *BookReader {
	return &BookReader{db: database, store: store}
}

func (r *BookReader) GetOrderBook(ctx context.Context, marketID int64, depth int) (model.OrderBook, error) {
	var book model.OrderBook
	err := r.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		orders, err := r.store.ListOpenOrders(ctx, tx, marketID)
		if err != nil {
			return err
		}
		book = BuildOrderBook(orders, depth)
		return nil
	})
	return book, err
}

// BuildOrderBook aggregates open orders into price levels, best first,
// truncated to depth. Bids order from highest price down, asks from lowest up.
// Queued complete-set orders are not part of the book.
func BuildOrderBook(orders []model.Order, depth int) model.OrderBook {
	if depth <= 0 {
		depth = 10
	}
	levels := func(side types.OrderSide, ct types.ContractType, bestHigh bool) []model.BookLevel {
		byPrice := make(map[int]int64)
		for _, o := range orders {
			if o.Side != side || o.ContractType != ct || !o.IsActive() {
				continue
			}
			if o.OrderType != types.OrderTypeLimit && o.OrderType != types.OrderTypeMarket {
				continue
			}
			if o.Remaining() <= 0 {
				continue
			}
			byPrice[o.PriceCents()] += o.Remaining()
		}
		out := make([]model.BookLevel, 0, len(byPrice))
		for price, qty := range byPrice {
			out = append(out, model.BookLevel{PriceCents: price, Quantity: qty})
		}
		sort.Slice(out, func(i, j int) bool {
			if bestHigh {
				return out[i].PriceCents > out[j].PriceCents
			}
			return out[i].PriceCents < out[j].PriceCents
		})
		if len(out) > depth {
			out = out[:depth]
		}
		return out
	}
	return model.OrderBook{
		YesBids: levels(types.OrderSideBuy, types.ContractYes, true),
		YesAsks: levels(types.OrderSideSell, types.ContractYes, false),
		NoBids:  levels(types.OrderSideBuy, types.ContractNo, true),
		NoAsks:  levels(types.OrderSideSell, types.ContractNo, false),
	}
}
