package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dairyfarm/backend/internal/balance"
)

var eat = time.FixedZone("EAT", 3*60*60)

// 23:00 on 2026-03-10 in EAT.
var fixedNow = time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)

type fakeBalance struct {
	mu        sync.Mutex
	day       balance.DayBalance
	available float64
	closeRes  balance.CloseResult
	history   []balance.Summary
	err       error
	delay     time.Duration

	calculated []string
	closed     []string
	ranges     [][2]string
}

func (f *fakeBalance) wait(ctx context.Context) error {
	if f.delay == 0 {
		return nil
	}
	select {
	case <-time.After(f.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeBalance) Calculate(ctx context.Context, date time.Time) (balance.DayBalance, error) {
	if err := f.wait(ctx); err != nil {
		return balance.DayBalance{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calculated = append(f.calculated, date.Format(balance.DateLayout))
	out := f.day
	out.Date = date.Format(balance.DateLayout)
	return out, f.err
}

func (f *fakeBalance) AvailableMilk(ctx context.Context, date time.Time) (float64, error) {
	if err := f.wait(ctx); err != nil {
		return 0, err
	}
	return f.available, f.err
}

func (f *fakeBalance) CloseDay(_ context.Context, date time.Time) (balance.CloseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, date.Format(balance.DateLayout))
	return f.closeRes, f.err
}

func (f *fakeBalance) MorningTotalWithBalance(_ context.Context, date time.Time) (balance.MorningTotal, error) {
	return balance.MorningTotal{
		Date:             date.Format(balance.DateLayout),
		MorningTotal:     40,
		BalanceAdded:     12.5,
		TotalWithBalance: 52.5,
		Message:          "Added 12.50 L balance from 2026-03-09",
	}, f.err
}

func (f *fakeBalance) History(_ context.Context, from, to time.Time) ([]balance.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges = append(f.ranges, [2]string{from.Format(balance.DateLayout), to.Format(balance.DateLayout)})
	return f.history, f.err
}

var testRoles = map[int64]string{1: "owner", 2: "manager", 3: "worker", 4: "veterinarian"}

func newTestServer(t *testing.T, bal BalanceService) *Server {
	t.Helper()
	s := NewServer(nil, bal, Options{
		JWTSecret:      "test-secret",
		Location:       eat,
		RequestTimeout: 2 * time.Second,
		LoginRateLimit: 3,
	})
	s.clock = func() time.Time { return fixedNow }
	s.lookupUser = func(_ context.Context, uid int64) (string, error) {
		role, ok := testRoles[uid]
		if !ok {
			return "", errors.New("no such user")
		}
		return role, nil
	}
	return s
}

func bearer(t *testing.T, s *Server, uid int64) string {
	t.Helper()
	token, err := s.signToken(uid, "user@example.com", testRoles[uid])
	require.NoError(t, err)
	return "Bearer " + token
}

func do(t *testing.T, s *Server, method, target, body string, uid int64) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if uid != 0 {
		req.Header.Set("Authorization", bearer(t, s, uid))
	}
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &fakeBalance{})
	rec := do(t, s, http.MethodGet, "/api/health", "", 0)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, &fakeBalance{})

	rec := do(t, s, http.MethodGet, "/api/balance", "", 0)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing bearer token", decodeBody(t, rec)["error"])

	req := httptest.NewRequest(http.MethodGet, "/api/balance", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Signed correctly but for a user that no longer exists.
	rec = do(t, s, http.MethodGet, "/api/balance", "", 99)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid user session", decodeBody(t, rec)["error"])
}

func TestExpiredTokenRejected(t *testing.T) {
	s := newTestServer(t, &fakeBalance{})
	auth := bearer(t, s, 1)
	s.clock = func() time.Time { return fixedNow.Add(tokenTTL + time.Minute) }

	req := httptest.NewRequest(http.MethodGet, "/api/balance", nil)
	req.Header.Set("Authorization", auth)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDayEndRequiresOwnerOrManager(t *testing.T) {
	bal := &fakeBalance{}
	s := newTestServer(t, bal)

	for _, uid := range []int64{3, 4} {
		rec := do(t, s, http.MethodPost, "/api/production/day-end-summary", `{}`, uid)
		assert.Equal(t, http.StatusForbidden, rec.Code, testRoles[uid])
	}
	assert.Empty(t, bal.closed)

	rec := do(t, s, http.MethodPost, "/api/production/day-end-summary", `{}`, 2)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDayEndSummary(t *testing.T) {
	bal := &fakeBalance{closeRes: balance.CloseResult{
		Summary: balance.Summary{
			Date:             "2026-03-08",
			TotalProduction:  75,
			TotalCalfFed:     5,
			NetProduction:    70,
			TotalSales:       30,
			BalanceYesterday: 10,
			BalanceEvening:   35,
			FinalBalance:     50,
			UpdatedAt:        fixedNow,
		},
		CarryOver: balance.CarryOver{
			Date:             "2026-03-09",
			FromDate:         "2026-03-08",
			YesterdayBalance: 50,
			BalanceAdded:     50,
			Message:          "Added 50.00 L balance from 2026-03-08",
		},
	}}
	s := newTestServer(t, bal)

	rec := do(t, s, http.MethodPost, "/api/production/day-end-summary", `{"date":"2026-03-08"}`, 1)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"2026-03-08"}, bal.closed)

	body := decodeBody(t, rec)
	assert.Equal(t, "2026-03-08", body["date"])
	assert.Equal(t, 50.0, body["finalBalance"])
	assert.Equal(t, 70.0, body["netProduction"])
	assert.Equal(t, 50.0, body["balanceCarried"])
	assert.Equal(t, "2026-03-09", body["nextDate"])
	assert.Equal(t, "Added 50.00 L balance from 2026-03-08", body["carryOverMessage"])
	assert.Equal(t, "2026-03-10T20:00:00Z", body["updatedAt"])
}

func TestDayEndSummaryDefaultsToToday(t *testing.T) {
	bal := &fakeBalance{}
	s := newTestServer(t, bal)

	rec := do(t, s, http.MethodPost, "/api/production/day-end-summary", "", 1)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"2026-03-10"}, bal.closed)
}

func TestDayEndSummaryRejectsBadDate(t *testing.T) {
	bal := &fakeBalance{}
	s := newTestServer(t, bal)

	rec := do(t, s, http.MethodPost, "/api/production/day-end-summary", `{"date":"10/03/2026"}`, 1)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "date must be YYYY-MM-DD", decodeBody(t, rec)["error"])

	rec = do(t, s, http.MethodPost, "/api/production/day-end-summary", `{"date":`, 1)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, bal.closed)
}

func TestDayEndSummaryFailureIs500(t *testing.T) {
	s := newTestServer(t, &fakeBalance{err: errors.New("connection refused")})

	rec := do(t, s, http.MethodPost, "/api/production/day-end-summary", `{}`, 1)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "failed to save day-end summary", decodeBody(t, rec)["error"])
}

func TestBalanceDaily(t *testing.T) {
	bal := &fakeBalance{day: balance.DayBalance{
		MorningTotal:     40,
		EveningTotal:     35,
		TotalProduction:  75,
		TotalCalfFed:     5,
		NetProduction:    70,
		TotalSales:       30,
		BalanceYesterday: 10,
		FinalBalance:     50,
	}}
	s := newTestServer(t, bal)

	for _, target := range []string{"/api/balance?date=2026-03-09", "/api/balance?date=2026-03-09&type=daily"} {
		rec := do(t, s, http.MethodGet, target, "", 3)
		require.Equal(t, http.StatusOK, rec.Code)
		daily, ok := decodeBody(t, rec)["dailyBalance"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "2026-03-09", daily["date"])
		assert.Equal(t, 50.0, daily["finalBalance"])
		assert.Equal(t, 10.0, daily["balanceYesterday"])
	}
}

func TestBalanceAvailable(t *testing.T) {
	s := newTestServer(t, &fakeBalance{available: 18.5})

	rec := do(t, s, http.MethodGet, "/api/balance?type=available", "", 3)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, 18.5, body["availableMilk"])
	assert.Equal(t, "2026-03-10", body["date"])
}

func TestBalanceRejectsUnknownType(t *testing.T) {
	s := newTestServer(t, &fakeBalance{})

	rec := do(t, s, http.MethodGet, "/api/balance?type=weekly", "", 3)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/balance?date=yesterday", "", 3)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMorningTotalWithBalance(t *testing.T) {
	s := newTestServer(t, &fakeBalance{})

	rec := do(t, s, http.MethodGet, "/api/production/morning-total-with-balance?date=2026-03-10", "", 3)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "2026-03-10", body["date"])
	assert.Equal(t, 52.5, body["totalWithBalance"])
	assert.Equal(t, 12.5, body["balanceAdded"])
}

func TestProductionSummariesRange(t *testing.T) {
	bal := &fakeBalance{}
	s := newTestServer(t, bal)

	rec := do(t, s, http.MethodGet, "/api/production/summaries", "", 3)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "2026-02-09", body["from"])
	assert.Equal(t, "2026-03-10", body["to"])
	assert.Equal(t, []any{}, body["items"])

	rec = do(t, s, http.MethodGet, "/api/production/summaries?from=2026-03-01&to=2026-03-05", "", 3)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, [][2]string{{"2026-02-09", "2026-03-10"}, {"2026-03-01", "2026-03-05"}}, bal.ranges)

	rec = do(t, s, http.MethodGet, "/api/production/summaries?from=2026-03-06&to=2026-03-05", "", 3)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownProductionSession(t *testing.T) {
	s := newTestServer(t, &fakeBalance{})

	rec := do(t, s, http.MethodGet, "/api/production/night", "", 3)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateProductionValidation(t *testing.T) {
	s := newTestServer(t, &fakeBalance{})

	tests := []struct {
		body string
		want string
	}{
		{`{"quantity": 10}`, "animalTagId is required"},
		{`{"animalTagId": "C-001", "quantity": -1}`, "quantity must be >= 0"},
		{`{"animalTagId": "C-001", "quantity": 10, "calfFed": 12}`, "calfFed cannot exceed quantity"},
		{`{"animalTagId": "C 001", "quantity": 10}`, "animalTagId must be 2-24 chars (A-Z, 0-9, hyphen)"},
		{`{"animalTagId": "C-001", "quantity": 10, "date": "2026-03-11"}`, "date cannot be in the future"},
	}
	for _, tt := range tests {
		rec := do(t, s, http.MethodPost, "/api/production/morning", tt.body, 3)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tt.body)
		assert.Equal(t, tt.want, decodeBody(t, rec)["error"], tt.body)
	}
}

func TestCreateSaleRejectsMoreThanAvailable(t *testing.T) {
	s := newTestServer(t, &fakeBalance{available: 10})

	rec := do(t, s, http.MethodPost, "/api/sales", `{"buyer": "Brookside", "quantity": 12, "pricePerLiter": 55}`, 3)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "only 10.00 L available for sale on 2026-03-10", decodeBody(t, rec)["error"])
}

func TestCreateSaleValidation(t *testing.T) {
	s := newTestServer(t, &fakeBalance{available: 100})

	rec := do(t, s, http.MethodPost, "/api/sales", `{"buyer": "", "quantity": 5}`, 3)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "buyer is required", decodeBody(t, rec)["error"])

	rec = do(t, s, http.MethodPost, "/api/sales", `{"buyer": "Brookside", "quantity": 0}`, 3)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "quantity must be > 0", decodeBody(t, rec)["error"])

	rec = do(t, s, http.MethodPost, "/api/sales", `{"buyer": "Brookside", "quantity": 5}`, 4)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUsersOwnerOnly(t *testing.T) {
	s := newTestServer(t, &fakeBalance{})

	rec := do(t, s, http.MethodPost, "/api/users", `{}`, 2)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/users", `{"name": "Jo", "email": "jo@example.com", "role": "boss"}`, 1)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "role must be one of: owner, manager, worker, veterinarian", decodeBody(t, rec)["error"])

	rec = do(t, s, http.MethodDelete, "/api/users/1", "", 1)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "you cannot delete your own account", decodeBody(t, rec)["error"])
}

func TestRegisterOnlyBootstrapsOwner(t *testing.T) {
	s := newTestServer(t, &fakeBalance{})
	var created []string
	s.createOwner = func(_ context.Context, _, email, passwordHash, _ string) (int64, error) {
		assert.NotEqual(t, "secret123", passwordHash)
		if len(created) > 0 {
			return 0, errRegistrationClosed
		}
		created = append(created, email)
		return 1, nil
	}

	rec := do(t, s, http.MethodPost, "/api/auth/register",
		`{"name": "Amina", "email": "Amina@Example.com", "password": "secret123", "phone": "0712345678"}`, 0)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	user := decodeBody(t, rec)["user"].(map[string]any)
	assert.Equal(t, "owner", user["role"])
	assert.Equal(t, "amina@example.com", user["email"])
	assert.Equal(t, []string{"amina@example.com"}, created)

	rec = do(t, s, http.MethodPost, "/api/auth/register",
		`{"name": "Stranger", "email": "x@example.com", "password": "secret123"}`, 0)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "registration is closed; ask the farm owner for an account", decodeBody(t, rec)["error"])
	assert.Len(t, created, 1)
}

func TestRegisterValidation(t *testing.T) {
	s := newTestServer(t, &fakeBalance{})
	var calls atomic.Int32
	s.createOwner = func(context.Context, string, string, string, string) (int64, error) {
		calls.Add(1)
		return 0, errors.New("unexpected insert")
	}

	rec := do(t, s, http.MethodPost, "/api/auth/register", `{"name": "A", "email": "a@example.com", "password": "123"}`, 0)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, s, http.MethodPost, "/api/auth/register", `{"name": "A", "email": "a@example.com", "password": "secret123", "phone": "12"}`, 0)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid phone number", decodeBody(t, rec)["error"])
	assert.Zero(t, calls.Load())
}

func TestLoginRateLimited(t *testing.T) {
	s := newTestServer(t, &fakeBalance{})
	mux := s.Mux()

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{}`))
		req.RemoteAddr = "10.0.0.7:51234"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusBadRequest, send().Code)
	}
	rec := send()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))
}

func TestLoginRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	s := newTestServer(t, &fakeBalance{})
	mux := s.Mux()

	send := func(i int) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{}`))
		req.RemoteAddr = "198.51.100.4:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusBadRequest, send(i).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, send(99).Code)
}

func TestCORSPreflight(t *testing.T) {
	s := NewServer(nil, &fakeBalance{}, Options{CORSAllowedOrigins: []string{"https://farm.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/balance", nil)
	req.Header.Set("Origin", "https://farm.example.com")
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://farm.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/balance", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t, &fakeBalance{})

	rec := do(t, s, http.MethodGet, "/api/health", "", 0)
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestSlowRequestTimesOut(t *testing.T) {
	bal := &fakeBalance{delay: time.Second}
	s := newTestServer(t, bal)
	s.requestTimeout = 50 * time.Millisecond

	rec := do(t, s, http.MethodGet, "/api/balance", "", 3)
	assert.Equal(t, http.StatusRequestTimeout, rec.Code)
	assert.Equal(t, "request timed out", decodeBody(t, rec)["error"])
}
