package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"dairyfarm/backend/internal/balance"
)

type saleInput struct {
	Date          string  `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Buyer         string  `json:"buyer" validate:"required,max=120"`
	Quantity      float64 `json:"quantity" validate:"gt=0"`
	PricePerLiter float64 `json:"pricePerLiter" validate:"gte=0"`
}

func saleAmount(quantity, pricePerLiter float64) float64 {
	v, _ := decimal.NewFromFloat(quantity).Mul(decimal.NewFromFloat(pricePerLiter)).Round(2).Float64()
	return v
}

// saleTime places a sale on its calendar day: now for today, local noon for
// any other day.
func (s *Server) saleTime(day time.Time) time.Time {
	now := s.now()
	if s.formatISODate(day) == s.formatISODate(now) {
		return now
	}
	y, m, d := day.In(s.loc()).Date()
	return time.Date(y, m, d, 12, 0, 0, 0, s.loc())
}

// checkAvailable reports a client message when quantity exceeds the milk left
// on day. credit is added back for an existing sale being edited.
func (s *Server) checkAvailable(ctx context.Context, day time.Time, quantity, credit float64) (string, error) {
	available, err := s.balance.AvailableMilk(ctx, day)
	if err != nil {
		return "", err
	}
	available = decimal.NewFromFloat(available).Add(decimal.NewFromFloat(credit)).InexactFloat64()
	if quantity > available {
		return fmt.Sprintf("only %.2f L available for sale on %s", available, s.formatISODate(day)), nil
	}
	return "", nil
}

func (s *Server) handleSales(w http.ResponseWriter, r *http.Request) {
	page, pageSize := parsePagination(r)
	search := parseSearch(r)
	offset := (page - 1) * pageSize

	var from, to *time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("date")); raw != "" {
		day, err := s.parseDay(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		win := balance.DayWindow(day, s.loc())
		from, to = &win.Start, &win.End
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	const filter = `
		WHERE ($1 = '' OR buyer ILIKE '%' || $1 || '%')
			AND ($2::timestamptz IS NULL OR (sold_at >= $2::timestamptz AND sold_at < $3::timestamptz))
	`

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM sales`+filter, search, from, to).Scan(&total); err != nil {
		s.internalError(w, r, "failed to load sales", err)
		return
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, sold_at, buyer, quantity::float8, price_per_liter::float8, amount::float8, recorded_by
		FROM sales`+filter+`
		ORDER BY sold_at DESC, id DESC
		LIMIT $4 OFFSET $5
	`, search, from, to, pageSize, offset)
	if err != nil {
		s.internalError(w, r, "failed to load sales", err)
		return
	}
	defer rows.Close()

	out := make([]map[string]any, 0)
	for rows.Next() {
		var id int64
		var soldAt time.Time
		var buyer string
		var quantity, price, amount float64
		var recordedBy *int64
		if err := rows.Scan(&id, &soldAt, &buyer, &quantity, &price, &amount, &recordedBy); err != nil {
			s.internalError(w, r, "failed to parse sales", err)
			return
		}
		out = append(out, map[string]any{
			"id":            id,
			"date":          s.formatISODate(soldAt),
			"soldAt":        soldAt.In(s.loc()).Format(time.RFC3339),
			"buyer":         buyer,
			"quantity":      quantity,
			"pricePerLiter": price,
			"amount":        amount,
			"recordedBy":    recordedBy,
		})
	}
	if err := rows.Err(); err != nil {
		s.internalError(w, r, "failed to load sales", err)
		return
	}

	respondJSON(w, http.StatusOK, paged(out, total, page, pageSize))
}

func (s *Server) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var in saleInput
	if err := decodeAndValidate(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	in.Buyer = strings.TrimSpace(in.Buyer)
	day, err := s.parseDay(in.Date)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if day.After(s.now()) {
		respondError(w, http.StatusBadRequest, "date cannot be in the future")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	msg, err := s.checkAvailable(ctx, day, in.Quantity, 0)
	if err != nil {
		s.internalError(w, r, "failed to check available milk", err)
		return
	}
	if msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	var userID *int64
	if uid, ok := currentUserID(r); ok {
		userID = &uid
	}
	amount := saleAmount(in.Quantity, in.PricePerLiter)

	var id int64
	err = s.db.QueryRow(ctx, `
		INSERT INTO sales(sold_at, buyer, quantity, price_per_liter, amount, recorded_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, s.saleTime(day), in.Buyer, in.Quantity, in.PricePerLiter, amount, userID).Scan(&id)
	if err != nil {
		s.internalError(w, r, "failed to record sale", err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": id, "amount": amount})
}

func (s *Server) handleUpdateSale(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid sale id")
		return
	}
	var in saleInput
	if err := decodeAndValidate(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	in.Buyer = strings.TrimSpace(in.Buyer)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var oldSoldAt time.Time
	var oldQuantity float64
	err = s.db.QueryRow(ctx, `SELECT sold_at, quantity::float8 FROM sales WHERE id = $1`, id).Scan(&oldSoldAt, &oldQuantity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			respondError(w, http.StatusNotFound, "sale not found")
			return
		}
		s.internalError(w, r, "failed to update sale", err)
		return
	}

	day := oldSoldAt.In(s.loc())
	soldAt := oldSoldAt
	if strings.TrimSpace(in.Date) != "" {
		if day, err = s.parseDay(in.Date); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		if day.After(s.now()) {
			respondError(w, http.StatusBadRequest, "date cannot be in the future")
			return
		}
		if s.formatISODate(day) != s.formatISODate(oldSoldAt) {
			soldAt = s.saleTime(day)
		}
	}

	credit := 0.0
	if s.formatISODate(soldAt) == s.formatISODate(oldSoldAt) {
		credit = oldQuantity
	}
	msg, err := s.checkAvailable(ctx, day, in.Quantity, credit)
	if err != nil {
		s.internalError(w, r, "failed to check available milk", err)
		return
	}
	if msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	amount := saleAmount(in.Quantity, in.PricePerLiter)
	res, err := s.db.Exec(ctx, `
		UPDATE sales
		SET sold_at = $1, buyer = $2, quantity = $3, price_per_liter = $4, amount = $5
		WHERE id = $6
	`, soldAt, in.Buyer, in.Quantity, in.PricePerLiter, amount, id)
	if err != nil {
		s.internalError(w, r, "failed to update sale", err)
		return
	}
	if res.RowsAffected() == 0 {
		respondError(w, http.StatusNotFound, "sale not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "amount": amount})
}

func (s *Server) handleDeleteSale(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid sale id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	res, err := s.db.Exec(ctx, `DELETE FROM sales WHERE id = $1`, id)
	if err != nil {
		s.internalError(w, r, "failed to delete sale", err)
		return
	}
	if res.RowsAffected() == 0 {
		respondError(w, http.StatusNotFound, "sale not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSalesSummary(w http.ResponseWriter, r *http.Request) {
	today := balance.DayWindow(s.now(), s.loc())
	y, m, _ := today.Start.Date()
	monthStart := time.Date(y, m, 1, 0, 0, 0, 0, s.loc())

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var todayLiters, todayRevenue, monthLiters, monthRevenue float64
	err := s.db.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(quantity) FILTER (WHERE sold_at >= $1), 0)::float8,
			COALESCE(SUM(amount) FILTER (WHERE sold_at >= $1), 0)::float8,
			COALESCE(SUM(quantity), 0)::float8,
			COALESCE(SUM(amount), 0)::float8
		FROM sales
		WHERE sold_at >= $2 AND sold_at < $3
	`, today.Start, monthStart, today.End).Scan(&todayLiters, &todayRevenue, &monthLiters, &monthRevenue)
	if err != nil {
		s.internalError(w, r, "failed to load sales summary", err)
		return
	}

	rows, err := s.db.Query(ctx, `
		SELECT buyer, SUM(quantity)::float8, SUM(amount)::float8
		FROM sales
		WHERE sold_at >= $1 AND sold_at < $2
		GROUP BY buyer
		ORDER BY SUM(amount) DESC
		LIMIT 5
	`, monthStart, today.End)
	if err != nil {
		s.internalError(w, r, "failed to load sales summary", err)
		return
	}
	defer rows.Close()

	buyers := make([]map[string]any, 0)
	for rows.Next() {
		var buyer string
		var liters, revenue float64
		if err := rows.Scan(&buyer, &liters, &revenue); err != nil {
			s.internalError(w, r, "failed to parse sales summary", err)
			return
		}
		buyers = append(buyers, map[string]any{"buyer": buyer, "liters": liters, "revenue": revenue})
	}
	if err := rows.Err(); err != nil {
		s.internalError(w, r, "failed to load sales summary", err)
		return
	}

	available, err := s.balance.AvailableMilk(ctx, today.Start)
	if err != nil {
		s.internalError(w, r, "failed to calculate available milk", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"date":          today.Date(),
		"todayLiters":   todayLiters,
		"todayRevenue":  todayRevenue,
		"monthLiters":   monthLiters,
		"monthRevenue":  monthRevenue,
		"availableMilk": available,
		"topBuyers":     buyers,
	})
}
