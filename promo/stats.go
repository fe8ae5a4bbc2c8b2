package promo

import (
	"context"

	"github.com/shopspring/decimal"
)

// Stats are ledger totals with derived rates in percent.
type Stats struct {
	Counts
	UsageRate decimal.Decimal
	SyncRate  decimal.Decimal
}

// Stats returns ledger totals and rates rounded to two decimals.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.ledger.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Counts:    counts,
		UsageRate: percent(counts.Used, counts.Total),
		SyncRate:  percent(counts.Synced, counts.Total),
	}, nil
}

func percent(part, total int) decimal.Decimal {
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(part)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(total))).
		Round(2)
}
