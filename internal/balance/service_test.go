package balance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type memStore struct {
	mu         sync.Mutex
	production map[Session]map[string]ProductionTotals
	sales      map[string]float64
	summaries  map[string]Summary
	upserts    int
	failSales  error
	failUpsert error
}

func newMemStore() *memStore {
	return &memStore{
		production: map[Session]map[string]ProductionTotals{Morning: {}, Evening: {}},
		sales:      map[string]float64{},
		summaries:  map[string]Summary{},
	}
}

func (m *memStore) ProductionTotals(_ context.Context, session Session, w Window) (ProductionTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.production[session][w.Date()], nil
}

func (m *memStore) SalesTotal(_ context.Context, w Window) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSales != nil {
		return 0, m.failSales
	}
	return m.sales[w.Date()], nil
}

func (m *memStore) Summary(_ context.Context, date string) (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaries[date]
	if !ok {
		return Summary{}, ErrNoSummary
	}
	return s, nil
}

func (m *memStore) UpsertSummary(_ context.Context, s Summary) (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpsert != nil {
		return Summary{}, m.failUpsert
	}
	m.upserts++
	s.UpdatedAt = time.Date(2026, 1, 1, 0, 0, m.upserts, 0, time.UTC)
	m.summaries[s.Date] = s
	return s, nil
}

func (m *memStore) Summaries(_ context.Context, from, to string) ([]Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Summary{}
	for d := range m.summaries {
		if d >= from && d <= to {
			out = append(out, m.summaries[d])
		}
	}
	return out, nil
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []Summary
	err error
}

func (p *recordingPublisher) Publish(_ context.Context, s Summary) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, s)
	return p.err
}

func (p *recordingPublisher) summaries() []Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Summary(nil), p.got...)
}

// gatedPublisher blocks until release is closed or its context ends.
type gatedPublisher struct {
	release chan struct{}
	ctxErr  chan error
}

func newGatedPublisher() *gatedPublisher {
	return &gatedPublisher{release: make(chan struct{}), ctxErr: make(chan error, 1)}
}

func (p *gatedPublisher) Publish(ctx context.Context, _ Summary) error {
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	p.ctxErr <- ctx.Err()
	return ctx.Err()
}

func drain(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Drain(ctx))
}

var nairobi = time.FixedZone("EAT", 3*60*60)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 30, 0, 0, nairobi)
}

func TestCalculateWorkedExample(t *testing.T) {
	store := newMemStore()
	store.production[Morning]["2026-03-10"] = ProductionTotals{Quantity: 40, CalfFed: 3}
	store.production[Evening]["2026-03-10"] = ProductionTotals{Quantity: 35, CalfFed: 2}
	store.sales["2026-03-10"] = 30
	store.summaries["2026-03-09"] = Summary{Date: "2026-03-09", FinalBalance: 10}

	svc := NewService(store, nairobi)
	got, err := svc.Calculate(context.Background(), day(2026, 3, 10))
	require.NoError(t, err)

	assert.Equal(t, DayBalance{
		Date:             "2026-03-10",
		MorningTotal:     40,
		EveningTotal:     35,
		TotalProduction:  75,
		TotalCalfFed:     5,
		NetProduction:    70,
		TotalSales:       30,
		BalanceYesterday: 10,
		FinalBalance:     50,
	}, got)
}

func TestCalculateWithoutSalesOrCalfFeed(t *testing.T) {
	store := newMemStore()
	store.production[Morning]["2026-03-10"] = ProductionTotals{Quantity: 12.5}
	store.production[Evening]["2026-03-10"] = ProductionTotals{Quantity: 7.25}
	store.summaries["2026-03-09"] = Summary{FinalBalance: 3.1}

	got, err := NewService(store, nairobi).Calculate(context.Background(), day(2026, 3, 10))
	require.NoError(t, err)
	assert.InDelta(t, got.BalanceYesterday+got.TotalProduction, got.FinalBalance, 1e-9)
	assert.Equal(t, 22.85, got.FinalBalance)
}

func TestCalculateNoPreviousSummary(t *testing.T) {
	store := newMemStore()
	store.production[Morning]["2026-03-10"] = ProductionTotals{Quantity: 0.1}
	store.production[Evening]["2026-03-10"] = ProductionTotals{Quantity: 0.2}

	got, err := NewService(store, nairobi).Calculate(context.Background(), day(2026, 3, 10))
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.BalanceYesterday)
	assert.Equal(t, 0.3, got.FinalBalance)
}

func TestCalculateIsIdempotent(t *testing.T) {
	store := newMemStore()
	store.production[Morning]["2026-03-10"] = ProductionTotals{Quantity: 40, CalfFed: 1}
	store.sales["2026-03-10"] = 12
	svc := NewService(store, nairobi)

	first, err := svc.Calculate(context.Background(), day(2026, 3, 10))
	require.NoError(t, err)
	_, err = svc.CloseDay(context.Background(), day(2026, 3, 10))
	require.NoError(t, err)
	second, err := svc.Calculate(context.Background(), day(2026, 3, 10))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestCalculatePropagatesStoreErrors(t *testing.T) {
	store := newMemStore()
	store.failSales = errors.New("connection reset")

	_, err := NewService(store, nairobi).Calculate(context.Background(), day(2026, 3, 10))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.failSales)
	assert.Contains(t, err.Error(), "2026-03-10")
}

func TestCarryOverFloorsNegativeBalance(t *testing.T) {
	store := newMemStore()
	store.summaries["2026-03-09"] = Summary{Date: "2026-03-09", FinalBalance: -5}

	got, err := NewService(store, nairobi).CarryOver(context.Background(), day(2026, 3, 10))
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.BalanceAdded)
	assert.Equal(t, -5.0, got.YesterdayBalance)
	assert.Equal(t, "2026-03-09", got.FromDate)
	assert.Contains(t, got.Message, "No balance to carry over")
}

func TestCarryOverPositiveBalance(t *testing.T) {
	store := newMemStore()
	store.summaries["2026-03-09"] = Summary{FinalBalance: 18.5}

	got, err := NewService(store, nairobi).CarryOver(context.Background(), day(2026, 3, 10))
	require.NoError(t, err)
	assert.Equal(t, 18.5, got.BalanceAdded)
	assert.Equal(t, "Added 18.50 L balance from 2026-03-09", got.Message)
}

func TestCarryOverDoesNotWrite(t *testing.T) {
	store := newMemStore()
	store.summaries["2026-03-09"] = Summary{FinalBalance: 4}

	_, err := NewService(store, nairobi).CarryOver(context.Background(), day(2026, 3, 10))
	require.NoError(t, err)
	assert.Zero(t, store.upserts)
	assert.Len(t, store.summaries, 1)
}

func TestMorningTotalWithBalance(t *testing.T) {
	store := newMemStore()
	store.production[Morning]["2026-03-10"] = ProductionTotals{Quantity: 40, CalfFed: 4}
	store.summaries["2026-03-09"] = Summary{FinalBalance: 10}

	got, err := NewService(store, nairobi).MorningTotalWithBalance(context.Background(), day(2026, 3, 10))
	require.NoError(t, err)
	assert.Equal(t, 40.0, got.MorningTotal)
	assert.Equal(t, 10.0, got.BalanceAdded)
	assert.Equal(t, 50.0, got.TotalWithBalance)
}

func TestAvailableMilkNeverNegative(t *testing.T) {
	store := newMemStore()
	store.production[Morning]["2026-03-10"] = ProductionTotals{Quantity: 10}
	store.sales["2026-03-10"] = 25

	got, err := NewService(store, nairobi).AvailableMilk(context.Background(), day(2026, 3, 10))
	require.NoError(t, err)
	assert.Equal(t, 0.0, got)
}

func TestCloseDayLastWriteWins(t *testing.T) {
	store := newMemStore()
	store.production[Morning]["2026-03-10"] = ProductionTotals{Quantity: 20}
	svc := NewService(store, nairobi)

	_, err := svc.CloseDay(context.Background(), day(2026, 3, 10))
	require.NoError(t, err)

	store.mu.Lock()
	store.production[Evening]["2026-03-10"] = ProductionTotals{Quantity: 15}
	store.mu.Unlock()

	res, err := svc.CloseDay(context.Background(), day(2026, 3, 10))
	require.NoError(t, err)

	assert.Equal(t, 2, store.upserts)
	assert.Equal(t, 35.0, store.summaries["2026-03-10"].FinalBalance)
	assert.Equal(t, 15.0, store.summaries["2026-03-10"].BalanceEvening)
	assert.Equal(t, res.Summary, store.summaries["2026-03-10"])
}

func TestCloseDayChainsIntoNextDay(t *testing.T) {
	store := newMemStore()
	store.production[Morning]["2026-03-10"] = ProductionTotals{Quantity: 30}
	store.sales["2026-03-10"] = 8
	store.production[Morning]["2026-03-11"] = ProductionTotals{Quantity: 10}
	svc := NewService(store, nairobi)

	res, err := svc.CloseDay(context.Background(), day(2026, 3, 10))
	require.NoError(t, err)
	assert.Equal(t, "2026-03-11", res.CarryOver.Date)
	assert.Equal(t, 22.0, res.CarryOver.BalanceAdded)

	next, err := svc.CloseDay(context.Background(), day(2026, 3, 11))
	require.NoError(t, err)
	assert.Equal(t, 22.0, next.Summary.BalanceYesterday)
	assert.Equal(t, 32.0, next.Summary.FinalBalance)
}

func TestCloseDayPublisherFailureIsLogged(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{err: errors.New("mongo down")}
	core, logs := observer.New(zapcore.WarnLevel)
	svc := NewService(store, nairobi, WithPublisher(pub), WithLogger(zap.New(core)))

	_, err := svc.CloseDay(context.Background(), day(2026, 3, 10))
	require.NoError(t, err)
	drain(t, svc)

	got := pub.summaries()
	require.Len(t, got, 1)
	assert.Equal(t, "2026-03-10", got[0].Date)
	assert.Equal(t, 1, logs.FilterMessage("publish day summary failed").Len())
}

func TestCloseDayDoesNotWaitForPublisher(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemStore()
	store.production[Morning]["2026-03-10"] = ProductionTotals{Quantity: 30}
	pub := newGatedPublisher()
	svc := NewService(store, nairobi, WithPublisher(pub))

	ctx, cancel := context.WithCancel(context.Background())
	res, err := svc.CloseDay(ctx, day(2026, 3, 10))
	require.NoError(t, err)
	assert.Equal(t, 30.0, res.CarryOver.BalanceAdded)
	assert.Equal(t, 1, store.upserts)

	// The request is over; the publish must not see its cancellation.
	cancel()
	close(pub.release)
	drain(t, svc)
	assert.NoError(t, <-pub.ctxErr)
}

func TestCloseDayPublishIsBounded(t *testing.T) {
	defer goleak.VerifyNone(t)

	pub := newGatedPublisher()
	core, logs := observer.New(zapcore.WarnLevel)
	svc := NewService(newMemStore(), nairobi, WithPublisher(pub),
		WithPublishTimeout(20*time.Millisecond), WithLogger(zap.New(core)))

	_, err := svc.CloseDay(context.Background(), day(2026, 3, 10))
	require.NoError(t, err)
	drain(t, svc)

	assert.ErrorIs(t, <-pub.ctxErr, context.DeadlineExceeded)
	assert.Equal(t, 1, logs.FilterMessage("publish day summary failed").Len())
}

func TestDrainGivesUp(t *testing.T) {
	pub := newGatedPublisher()
	svc := NewService(newMemStore(), nairobi, WithPublisher(pub))
	_, err := svc.CloseDay(context.Background(), day(2026, 3, 10))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.Drain(ctx), context.DeadlineExceeded)

	close(pub.release)
	drain(t, svc)
}

func TestCloseDayPersistFailure(t *testing.T) {
	store := newMemStore()
	store.failUpsert = errors.New("disk full")
	pub := &recordingPublisher{}

	_, err := NewService(store, nairobi, WithPublisher(pub)).CloseDay(context.Background(), day(2026, 3, 10))
	assert.ErrorIs(t, err, store.failUpsert)
	assert.Empty(t, pub.summaries())
}

func TestDayWindowUsesLocalCalendar(t *testing.T) {
	// 22:30 UTC on the 9th is already the 10th in Nairobi.
	w := DayWindow(time.Date(2026, 3, 9, 22, 30, 0, 0, time.UTC), nairobi)
	assert.Equal(t, "2026-03-10", w.Date())
	assert.Equal(t, 24*time.Hour, w.End.Sub(w.Start))
	assert.Equal(t, "2026-03-09", w.Previous().Date())
	assert.Equal(t, "2026-03-11", w.Next().Date())
}

func TestParseSession(t *testing.T) {
	s, err := ParseSession(" Evening ")
	require.NoError(t, err)
	assert.Equal(t, Evening, s)

	_, err = ParseSession("noon")
	assert.Error(t, err)
}
