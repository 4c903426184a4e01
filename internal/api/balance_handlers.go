package api

import (
	"net/http"
	"strings"

	"dairyfarm/backend/internal/balance"
)

// handleBalance serves the day's balance (type=daily, the default) or the
// milk still available for sale (type=available).
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	date, err := s.parseDay(r.URL.Query().Get("date"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("type"))) {
	case "", "daily":
		b, err := s.balance.Calculate(r.Context(), date)
		if err != nil {
			s.internalError(w, r, "failed to calculate balance", err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"dailyBalance": b})
	case "available":
		available, err := s.balance.AvailableMilk(r.Context(), date)
		if err != nil {
			s.internalError(w, r, "failed to calculate available milk", err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"date":          s.formatISODate(date),
			"availableMilk": available,
		})
	default:
		respondError(w, http.StatusBadRequest, "type must be daily or available")
	}
}

type dayEndResponse struct {
	Date             string  `json:"date"`
	TotalProduction  float64 `json:"totalProduction"`
	TotalCalfFed     float64 `json:"totalCalfFed"`
	NetProduction    float64 `json:"netProduction"`
	TotalSales       float64 `json:"totalSales"`
	BalanceYesterday float64 `json:"balanceYesterday"`
	BalanceEvening   float64 `json:"balanceEvening"`
	FinalBalance     float64 `json:"finalBalance"`
	UpdatedAt        string  `json:"updatedAt"`
	NextDate         string  `json:"nextDate"`
	BalanceCarried   float64 `json:"balanceCarried"`
	CarryOverMessage string  `json:"carryOverMessage"`
	Message          string  `json:"message"`
}

func newDayEndResponse(res balance.CloseResult) dayEndResponse {
	sum := res.Summary
	out := dayEndResponse{
		Date:             sum.Date,
		TotalProduction:  sum.TotalProduction,
		TotalCalfFed:     sum.TotalCalfFed,
		NetProduction:    sum.NetProduction,
		TotalSales:       sum.TotalSales,
		BalanceYesterday: sum.BalanceYesterday,
		BalanceEvening:   sum.BalanceEvening,
		FinalBalance:     sum.FinalBalance,
		NextDate:         res.CarryOver.Date,
		BalanceCarried:   res.CarryOver.BalanceAdded,
		CarryOverMessage: res.CarryOver.Message,
		Message:          "Day-end summary saved",
	}
	if !sum.UpdatedAt.IsZero() {
		out.UpdatedAt = sum.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return out
}

// handleDayEndSummary closes a day: it recalculates the balance, stores the
// summary and reports what carries into the next morning. The body is
// optional and defaults to today.
func (s *Server) handleDayEndSummary(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Date string `json:"date" validate:"omitempty,datetime=2006-01-02"`
	}
	if err := decodeOptional(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	date, err := s.parseDay(in.Date)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.balance.CloseDay(r.Context(), date)
	if err != nil {
		s.internalError(w, r, "failed to save day-end summary", err)
		return
	}
	respondJSON(w, http.StatusOK, newDayEndResponse(res))
}

func (s *Server) handleMorningTotalWithBalance(w http.ResponseWriter, r *http.Request) {
	date, err := s.parseDay(r.URL.Query().Get("date"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.balance.MorningTotalWithBalance(r.Context(), date)
	if err != nil {
		s.internalError(w, r, "failed to load morning total", err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// handleProductionSummaries lists stored day summaries, the last 30 days by
// default.
func (s *Server) handleProductionSummaries(w http.ResponseWriter, r *http.Request) {
	to, err := s.parseDay(r.URL.Query().Get("to"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "to must be YYYY-MM-DD")
		return
	}
	from := to.AddDate(0, 0, -29)
	if raw := r.URL.Query().Get("from"); strings.TrimSpace(raw) != "" {
		if from, err = s.parseDay(raw); err != nil {
			respondError(w, http.StatusBadRequest, "from must be YYYY-MM-DD")
			return
		}
	}
	if from.After(to) {
		respondError(w, http.StatusBadRequest, "from must not be after to")
		return
	}

	items, err := s.balance.History(r.Context(), from, to)
	if err != nil {
		s.internalError(w, r, "failed to load production summaries", err)
		return
	}
	if items == nil {
		items = []balance.Summary{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"from":  s.formatISODate(from),
		"to":    s.formatISODate(to),
		"items": items,
	})
}
