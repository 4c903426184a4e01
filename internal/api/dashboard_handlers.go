package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"dairyfarm/backend/internal/balance"
)

// percentChange is the change from previous to current in percent, 0 when
// there is no previous value.
func percentChange(current, previous float64) float64 {
	if previous <= 0 {
		return 0
	}
	d := decimal.NewFromFloat(current).Sub(decimal.NewFromFloat(previous)).
		Div(decimal.NewFromFloat(previous)).Mul(decimal.NewFromInt(100)).Round(1)
	return d.InexactFloat64()
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	today := s.now()
	y, m, _ := today.Date()
	monthStart := time.Date(y, m, 1, 0, 0, 0, 0, s.loc())
	todayISO := s.formatISODate(today)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var totalAnimals, sickAnimals, upcomingTreatments, pregnant int64
	var monthLiters, monthRevenue float64
	categoryCounts := make(map[string]int64)
	var day balance.DayBalance

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.db.QueryRow(gctx, `
			SELECT COUNT(*), COUNT(*) FILTER (WHERE health_status <> 'healthy')
			FROM animals WHERE is_active = true
		`).Scan(&totalAnimals, &sickAnimals)
	})
	g.Go(func() error {
		rows, err := s.db.Query(gctx, `
			SELECT category, COUNT(*) FROM animals WHERE is_active = true GROUP BY category
		`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var category string
			var count int64
			if err := rows.Scan(&category, &count); err != nil {
				return err
			}
			categoryCounts[category] = count
		}
		return rows.Err()
	})
	g.Go(func() error {
		return s.db.QueryRow(gctx, `
			SELECT COUNT(*) FROM treatments
			WHERE next_due >= $1::date AND next_due <= $1::date + 7
		`, todayISO).Scan(&upcomingTreatments)
	})
	g.Go(func() error {
		return s.db.QueryRow(gctx, `
			SELECT COUNT(*) FROM breeding_records WHERE status = 'confirmed'
		`).Scan(&pregnant)
	})
	g.Go(func() error {
		return s.db.QueryRow(gctx, `
			SELECT COALESCE(SUM(quantity), 0)::float8, COALESCE(SUM(amount), 0)::float8
			FROM sales WHERE sold_at >= $1
		`, monthStart).Scan(&monthLiters, &monthRevenue)
	})
	g.Go(func() error {
		var err error
		day, err = s.balance.Calculate(gctx, today)
		return err
	})
	if err := g.Wait(); err != nil {
		s.internalError(w, r, "failed to load dashboard", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"date":               todayISO,
		"totalAnimals":       totalAnimals,
		"sickAnimals":        sickAnimals,
		"categoryCounts":     categoryCounts,
		"upcomingTreatments": upcomingTreatments,
		"confirmedPregnant":  pregnant,
		"monthlySalesLiters": monthLiters,
		"monthlyRevenue":     monthRevenue,
		"today":              day,
	})
}

type productionPoint struct {
	Date         string   `json:"date"`
	Morning      float64  `json:"morning"`
	Evening      float64  `json:"evening"`
	Total        float64  `json:"total"`
	CalfFed      float64  `json:"calfFed"`
	Sales        float64  `json:"sales"`
	FinalBalance *float64 `json:"finalBalance"`
}

// handleProductionAnalytics returns a per-day series over the last ?days=
// days (default 7) with the change against the period before it.
func (s *Server) handleProductionAnalytics(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := strings.TrimSpace(r.URL.Query().Get("days")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 90 {
			respondError(w, http.StatusBadRequest, "days must be between 1 and 90")
			return
		}
		days = n
	}
	end := balance.DayWindow(s.now(), s.loc())
	start := end.Start.AddDate(0, 0, -(days - 1))
	startISO := start.Format(balance.DateLayout)
	endISO := end.Date()

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		WITH days AS (
			SELECT d::date AS day FROM generate_series($1::date, $2::date, INTERVAL '1 day') AS d
		),
		morning AS (
			SELECT p.production_date AS day, SUM(p.quantity) AS qty, SUM(p.calf_fed) AS fed
			FROM morning_production p JOIN animals a ON a.id = p.animal_id
			WHERE a.category <> 'calf' AND p.production_date BETWEEN $1::date AND $2::date
			GROUP BY p.production_date
		),
		evening AS (
			SELECT p.production_date AS day, SUM(p.quantity) AS qty, SUM(p.calf_fed) AS fed
			FROM evening_production p JOIN animals a ON a.id = p.animal_id
			WHERE a.category <> 'calf' AND p.production_date BETWEEN $1::date AND $2::date
			GROUP BY p.production_date
		),
		sold AS (
			SELECT (sold_at AT TIME ZONE $3)::date AS day, SUM(quantity) AS qty
			FROM sales
			WHERE (sold_at AT TIME ZONE $3)::date BETWEEN $1::date AND $2::date
			GROUP BY 1
		)
		SELECT days.day,
			COALESCE(m.qty, 0)::float8, COALESCE(e.qty, 0)::float8,
			(COALESCE(m.fed, 0) + COALESCE(e.fed, 0))::float8,
			COALESCE(sold.qty, 0)::float8,
			ps.final_balance::float8
		FROM days
		LEFT JOIN morning m ON m.day = days.day
		LEFT JOIN evening e ON e.day = days.day
		LEFT JOIN sold ON sold.day = days.day
		LEFT JOIN production_summaries ps ON ps.summary_date = days.day
		ORDER BY days.day
	`, startISO, endISO, s.loc().String())
	if err != nil {
		s.internalError(w, r, "failed to load production analytics", err)
		return
	}
	defer rows.Close()

	series := make([]productionPoint, 0, days)
	var total float64
	for rows.Next() {
		var p productionPoint
		var d time.Time
		if err := rows.Scan(&d, &p.Morning, &p.Evening, &p.CalfFed, &p.Sales, &p.FinalBalance); err != nil {
			s.internalError(w, r, "failed to parse production analytics", err)
			return
		}
		p.Date = d.Format(balance.DateLayout)
		p.Total = decimal.NewFromFloat(p.Morning).Add(decimal.NewFromFloat(p.Evening)).InexactFloat64()
		total += p.Total
		series = append(series, p)
	}
	if err := rows.Err(); err != nil {
		s.internalError(w, r, "failed to load production analytics", err)
		return
	}

	prevStart := start.AddDate(0, 0, -days).Format(balance.DateLayout)
	prevEnd := start.AddDate(0, 0, -1).Format(balance.DateLayout)
	var previous float64
	err = s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(t.qty), 0)::float8 FROM (
			SELECT p.quantity AS qty FROM morning_production p JOIN animals a ON a.id = p.animal_id
			WHERE a.category <> 'calf' AND p.production_date BETWEEN $1::date AND $2::date
			UNION ALL
			SELECT p.quantity FROM evening_production p JOIN animals a ON a.id = p.animal_id
			WHERE a.category <> 'calf' AND p.production_date BETWEEN $1::date AND $2::date
		) t
	`, prevStart, prevEnd).Scan(&previous)
	if err != nil {
		s.internalError(w, r, "failed to load production analytics", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"from":           startISO,
		"to":             endISO,
		"days":           days,
		"series":         series,
		"totalLiters":    total,
		"previousLiters": previous,
		"changePercent":  percentChange(total, previous),
	})
}
