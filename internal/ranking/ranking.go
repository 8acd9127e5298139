// Package ranking builds the leaderboard from user accounts and the current
// market price. It never mutates its inputs.
package ranking

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/fxsim/internal/ledger"
	"github.com/atmx/fxsim/internal/model"
)

// Rank values every account at price and orders them by total net worth,
// highest first. Ties are broken by registration order, then username, so
// the result is deterministic.
func Rank(users map[string]*model.UserAccount, price decimal.Decimal) []model.RankEntry {
	type row struct {
		entry model.RankEntry
		seq   int64
	}

	rows := make([]row, 0, len(users))
	for name, u := range users {
		if u == nil {
			continue
		}
		v := ledger.Mark(*u, price)
		qty := decimal.Zero
		if u.Position != nil {
			qty = u.Position.Quantity
		}
		username := u.Username
		if username == "" {
			username = name
		}
		rows = append(rows, row{
			seq: u.Seq,
			entry: model.RankEntry{
				Username:     username,
				Cash:         u.Cash,
				Quantity:     qty,
				HoldingValue: v.HoldingValue,
				OpenPnL:      v.OpenPnL,
				RealizedPnL:  u.RealizedPnL,
				Total:        v.Total,
			},
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if c := rows[i].entry.Total.Cmp(rows[j].entry.Total); c != 0 {
			return c > 0
		}
		if rows[i].seq != rows[j].seq {
			return rows[i].seq < rows[j].seq
		}
		return rows[i].entry.Username < rows[j].entry.Username
	})

	out := make([]model.RankEntry, len(rows))
	for i, r := range rows {
		r.entry.Rank = i + 1
		out[i] = r.entry
	}
	return out
}
