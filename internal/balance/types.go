package balance

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

// ErrNoSummary is returned by a Store when no summary row exists for a date.
var ErrNoSummary = errors.New("balance: no summary for date")

// Session identifies a milking session.
type Session string

const (
	Morning Session = "morning"
	Evening Session = "evening"
)

// ParseSession accepts "morning" or "evening" in any case.
func ParseSession(raw string) (Session, error) {
	switch Session(strings.ToLower(strings.TrimSpace(raw))) {
	case Morning:
		return Morning, nil
	case Evening:
		return Evening, nil
	default:
		return "", fmt.Errorf("unknown milking session %q", raw)
	}
}

// Window is one local calendar day, [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// DayWindow returns the calendar day containing t in loc.
func DayWindow(t time.Time, loc *time.Location) Window {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return Window{Start: start, End: start.AddDate(0, 0, 1)}
}

// Date is the window's calendar date as YYYY-MM-DD.
func (w Window) Date() string {
	return w.Start.Format(DateLayout)
}

func (w Window) Previous() Window {
	start := w.Start.AddDate(0, 0, -1)
	return Window{Start: start, End: w.Start}
}

func (w Window) Next() Window {
	return Window{Start: w.End, End: w.End.AddDate(0, 0, 1)}
}

// ProductionTotals is the sum of one session's rows for a day.
type ProductionTotals struct {
	Quantity float64
	CalfFed  float64
}

// Summary mirrors a production_summaries row.
type Summary struct {
	Date             string    `json:"date"`
	TotalProduction  float64   `json:"totalProduction"`
	TotalCalfFed     float64   `json:"totalCalfFed"`
	NetProduction    float64   `json:"netProduction"`
	TotalSales       float64   `json:"totalSales"`
	BalanceYesterday float64   `json:"balanceYesterday"`
	BalanceEvening   float64   `json:"balanceEvening"`
	FinalBalance     float64   `json:"finalBalance"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// DayBalance is the computed, not yet persisted, balance of a day.
type DayBalance struct {
	Date             string  `json:"date"`
	MorningTotal     float64 `json:"morningTotal"`
	EveningTotal     float64 `json:"eveningTotal"`
	TotalProduction  float64 `json:"totalProduction"`
	TotalCalfFed     float64 `json:"totalCalfFed"`
	NetProduction    float64 `json:"netProduction"`
	TotalSales       float64 `json:"totalSales"`
	BalanceYesterday float64 `json:"balanceYesterday"`
	FinalBalance     float64 `json:"finalBalance"`
}

func (b DayBalance) summary() Summary {
	return Summary{
		Date:             b.Date,
		TotalProduction:  b.TotalProduction,
		TotalCalfFed:     b.TotalCalfFed,
		NetProduction:    b.NetProduction,
		TotalSales:       b.TotalSales,
		BalanceYesterday: b.BalanceYesterday,
		BalanceEvening:   b.EveningTotal,
		FinalBalance:     b.FinalBalance,
	}
}

// CarryOver reports how much of the previous day's balance is added to Date.
type CarryOver struct {
	Date             string  `json:"date"`
	FromDate         string  `json:"fromDate"`
	YesterdayBalance float64 `json:"yesterdayBalance"`
	BalanceAdded     float64 `json:"balanceAdded"`
	Message          string  `json:"message"`
}

// MorningTotal is the morning session total including the carried-over balance.
type MorningTotal struct {
	Date             string  `json:"date"`
	MorningTotal     float64 `json:"morningTotal"`
	BalanceAdded     float64 `json:"balanceAdded"`
	TotalWithBalance float64 `json:"totalWithBalance"`
	Message          string  `json:"message"`
}

// CloseResult is returned by CloseDay.
type CloseResult struct {
	Summary   Summary   `json:"summary"`
	CarryOver CarryOver `json:"carryOver"`
}
