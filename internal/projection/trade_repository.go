// Package projection builds read models off the live order book: a
// durable trade history in MySQL via GORM (grounded in the
// matching engine's own trade repository) and a Redis read-through
// cache of each symbol's best bid/ask for low-latency quote serving.
// Neither is on the write path; both are fed from OrderBook.SubscribeUpdates
// and are best-effort — a projection failure never blocks a mutation.
package projection

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/quantmesh/lobcore/internal/book"
)

// TradeModel is one fill leg, durable for trade history queries.
type TradeModel struct {
	gorm.Model
	Symbol     string `gorm:"column:symbol;type:varchar(20);index:idx_symbol_time;uniqueIndex:idx_symbol_sequence;not null"`
	Sequence   uint64 `gorm:"column:sequence;type:bigint;uniqueIndex:idx_symbol_sequence;not null"`
	LegIndex   int    `gorm:"column:leg_index;uniqueIndex:idx_symbol_sequence;not null"`
	TakerID    string `gorm:"column:taker_id;type:varchar(64);index;not null"`
	MakerID    string `gorm:"column:maker_id;type:varchar(64);index;not null"`
	Price      string `gorm:"column:price;type:decimal(32,18);not null"`
	Quantity   string `gorm:"column:quantity;type:decimal(32,18);not null"`
	ExecutedAt int64  `gorm:"column:executed_at;type:bigint;index:idx_symbol_time"`
}

func (TradeModel) TableName() string { return "lob_trades" }

// TradeRepository persists fills and serves trade history.
type TradeRepository struct {
	db *gorm.DB
}

// NewTradeRepository wraps an already-connected *gorm.DB.
func NewTradeRepository(db *gorm.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// AutoMigrate creates/updates the trades table.
func (r *TradeRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&TradeModel{})
}

// RecordUpdate persists every fill in u, upserting by (symbol, sequence,
// leg index) so a replayed or duplicated update is idempotent.
func (r *TradeRepository) RecordUpdate(ctx context.Context, u book.Update, nowNano int64) error {
	if len(u.Fills) == 0 {
		return nil
	}
	models := make([]TradeModel, 0, len(u.Fills))
	for i, f := range u.Fills {
		models = append(models, TradeModel{
			Symbol: u.Symbol, Sequence: u.Sequence, LegIndex: i, TakerID: u.OrderID,
			MakerID: f.MakerID, Price: f.Price.String(), Quantity: f.Quantity.String(),
			ExecutedAt: nowNano,
		})
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "sequence"}, {Name: "leg_index"}},
		UpdateAll: true,
	}).Create(&models).Error
}

// History returns the most recent trades for symbol, newest first.
func (r *TradeRepository) History(ctx context.Context, symbol string, limit int) ([]TradeModel, error) {
	var models []TradeModel
	err := r.db.WithContext(ctx).Where("symbol = ?", symbol).Order("executed_at desc").Limit(limit).Find(&models).Error
	return models, err
}

// Leg converts a persisted trade row back to decimal form.
func (m TradeModel) Leg() (price, quantity decimal.Decimal, err error) {
	price, err = decimal.NewFromString(m.Price)
	if err != nil {
		return price, quantity, fmt.Errorf("projection: bad price %q: %w", m.Price, err)
	}
	quantity, err = decimal.NewFromString(m.Quantity)
	if err != nil {
		return price, quantity, fmt.Errorf("projection: bad quantity %q: %w", m.Quantity, err)
	}
	return price, quantity, nil
}
