package dairyapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const dateLayout = "2006-01-02"

// Client talks to a running dairy backend over its JSON API.
type Client struct {
	http *resty.Client
}

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// DaySummary is the response body of the day-end summary endpoint.
type DaySummary struct {
	Date             string  `json:"date"`
	TotalProduction  float64 `json:"totalProduction"`
	TotalCalfFed     float64 `json:"totalCalfFed"`
	NetProduction    float64 `json:"netProduction"`
	TotalSales       float64 `json:"totalSales"`
	BalanceYesterday float64 `json:"balanceYesterday"`
	FinalBalance     float64 `json:"finalBalance"`
	CarryOverMessage string  `json:"carryOverMessage"`
	BalanceCarried   float64 `json:"balanceCarried"`
}

type apiError struct {
	Error string `json:"error"`
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		c.SetAuthToken(cfg.Token)
	}
	return &Client{http: c}
}

// DayEndSummary asks the backend to recompute and persist the summary for date.
func (c *Client) DayEndSummary(ctx context.Context, date time.Time) (DaySummary, error) {
	var out DaySummary
	var apiErr apiError

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"date": date.Format(dateLayout)}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/api/production/day-end-summary")
	if err != nil {
		return DaySummary{}, fmt.Errorf("call day-end summary: %w", err)
	}
	if resp.IsError() {
		msg := apiErr.Error
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return DaySummary{}, fmt.Errorf("day-end summary returned %d: %s", resp.StatusCode(), msg)
	}
	return out, nil
}

// TriggerDayEnd lets the client act as a scheduler trigger.
func (c *Client) TriggerDayEnd(ctx context.Context, date time.Time) error {
	_, err := c.DayEndSummary(ctx, date)
	return err
}

// Balance fetches the computed balance of date.
func (c *Client) Balance(ctx context.Context, date time.Time) (json.RawMessage, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"date": date.Format(dateLayout), "type": "daily"}).
		Get("/api/balance")
	if err != nil {
		return nil, fmt.Errorf("call balance: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("balance returned %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return json.RawMessage(resp.Body()), nil
}
