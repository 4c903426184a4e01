package balance

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store is the persistence surface the balance pipeline reads and writes.
type Store interface {
	ProductionTotals(ctx context.Context, session Session, w Window) (ProductionTotals, error)
	SalesTotal(ctx context.Context, w Window) (float64, error)
	Summary(ctx context.Context, date string) (Summary, error)
	UpsertSummary(ctx context.Context, s Summary) (Summary, error)
	Summaries(ctx context.Context, from, to string) ([]Summary, error)
}

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PGStore struct {
	db Querier
}

func NewPGStore(db Querier) *PGStore {
	return &PGStore{db: db}
}

// Calf rows are excluded: milk fed back to calves is tracked via calf_fed on
// the mother's row, and a calf's own row would double count.
const productionTotalsSQL = `
	SELECT COALESCE(SUM(p.quantity), 0)::float8, COALESCE(SUM(p.calf_fed), 0)::float8
	FROM %s p
	JOIN animals a ON a.id = p.animal_id
	WHERE a.category <> 'calf' AND p.production_date = $1::date
`

// SessionTable is the production table a session is stored in.
func SessionTable(session Session) (string, error) {
	switch session {
	case Morning:
		return "morning_production", nil
	case Evening:
		return "evening_production", nil
	default:
		return "", fmt.Errorf("unknown milking session %q", session)
	}
}

func (s *PGStore) ProductionTotals(ctx context.Context, session Session, w Window) (ProductionTotals, error) {
	table, err := SessionTable(session)
	if err != nil {
		return ProductionTotals{}, err
	}

	var out ProductionTotals
	err = s.db.QueryRow(ctx, fmt.Sprintf(productionTotalsSQL, table), w.Date()).Scan(&out.Quantity, &out.CalfFed)
	if err != nil {
		return ProductionTotals{}, fmt.Errorf("sum %s production for %s: %w", session, w.Date(), err)
	}
	return out, nil
}

func (s *PGStore) SalesTotal(ctx context.Context, w Window) (float64, error) {
	var total float64
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0)::float8
		FROM sales
		WHERE sold_at >= $1 AND sold_at < $2
	`, w.Start, w.End).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum sales for %s: %w", w.Date(), err)
	}
	return total, nil
}

const summaryColumns = `to_char(summary_date, 'YYYY-MM-DD'), total_production::float8, total_calf_fed::float8,
	net_production::float8, total_sales::float8, balance_yesterday::float8, balance_evening::float8,
	final_balance::float8, updated_at`

func scanSummary(row pgx.Row) (Summary, error) {
	var out Summary
	err := row.Scan(&out.Date, &out.TotalProduction, &out.TotalCalfFed, &out.NetProduction,
		&out.TotalSales, &out.BalanceYesterday, &out.BalanceEvening, &out.FinalBalance, &out.UpdatedAt)
	return out, err
}

func (s *PGStore) Summary(ctx context.Context, date string) (Summary, error) {
	out, err := scanSummary(s.db.QueryRow(ctx, `SELECT `+summaryColumns+` FROM production_summaries WHERE summary_date = $1::date`, date))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Summary{}, ErrNoSummary
		}
		return Summary{}, fmt.Errorf("load summary %s: %w", date, err)
	}
	return out, nil
}

// UpsertSummary writes the row for s.Date; a concurrent writer for the same
// date simply overwrites (last write wins).
func (s *PGStore) UpsertSummary(ctx context.Context, in Summary) (Summary, error) {
	out, err := scanSummary(s.db.QueryRow(ctx, `
		INSERT INTO production_summaries(summary_date, total_production, total_calf_fed, net_production,
			total_sales, balance_yesterday, balance_evening, final_balance, updated_at)
		VALUES ($1::date, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (summary_date) DO UPDATE
		SET total_production = EXCLUDED.total_production,
			total_calf_fed = EXCLUDED.total_calf_fed,
			net_production = EXCLUDED.net_production,
			total_sales = EXCLUDED.total_sales,
			balance_yesterday = EXCLUDED.balance_yesterday,
			balance_evening = EXCLUDED.balance_evening,
			final_balance = EXCLUDED.final_balance,
			updated_at = NOW()
		RETURNING `+summaryColumns,
		in.Date, in.TotalProduction, in.TotalCalfFed, in.NetProduction,
		in.TotalSales, in.BalanceYesterday, in.BalanceEvening, in.FinalBalance))
	if err != nil {
		return Summary{}, fmt.Errorf("upsert summary %s: %w", in.Date, err)
	}
	return out, nil
}

func (s *PGStore) Summaries(ctx context.Context, from, to string) ([]Summary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+summaryColumns+`
		FROM production_summaries
		WHERE summary_date >= $1::date AND summary_date <= $2::date
		ORDER BY summary_date
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	out := make([]Summary, 0)
	for rows.Next() {
		item, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	return out, nil
}
