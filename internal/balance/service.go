package balance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Publisher receives every persisted day summary. Publishing runs in the
// background after CloseDay has returned; errors are logged only.
type Publisher interface {
	Publish(ctx context.Context, s Summary) error
}

// Service computes, persists and carries over daily milk balances.
type Service struct {
	store          Store
	loc            *time.Location
	publisher      Publisher
	publishTimeout time.Duration
	logger         *zap.Logger

	publishing sync.WaitGroup
}

const defaultPublishTimeout = time.Minute

type Option func(*Service)

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithPublishTimeout bounds one background publish of a summary.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.publishTimeout = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(store Store, loc *time.Location, opts ...Option) *Service {
	if loc == nil {
		loc = time.UTC
	}
	s := &Service{
		store:          store,
		loc:            loc,
		publishTimeout: defaultPublishTimeout,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Calculate computes the balance of the day containing date. The four reads
// are independent and run concurrently; a missing summary for the previous
// day counts as a zero balance.
func (s *Service) Calculate(ctx context.Context, date time.Time) (DayBalance, error) {
	w := DayWindow(date, s.loc)

	var morning, evening ProductionTotals
	var sales, yesterday float64

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		morning, err = s.store.ProductionTotals(gctx, Morning, w)
		return err
	})
	g.Go(func() error {
		var err error
		evening, err = s.store.ProductionTotals(gctx, Evening, w)
		return err
	})
	g.Go(func() error {
		var err error
		sales, err = s.store.SalesTotal(gctx, w)
		return err
	})
	g.Go(func() error {
		prev, err := s.store.Summary(gctx, w.Previous().Date())
		if errors.Is(err, ErrNoSummary) {
			return nil
		}
		if err != nil {
			return err
		}
		yesterday = prev.FinalBalance
		return nil
	})
	if err := g.Wait(); err != nil {
		return DayBalance{}, fmt.Errorf("calculate balance for %s: %w", w.Date(), err)
	}

	return computeBalance(w.Date(), morning, evening, sales, yesterday), nil
}

// computeBalance applies
// finalBalance = balanceYesterday + (totalProduction - totalCalfFed) - totalSales.
func computeBalance(date string, morning, evening ProductionTotals, sales, yesterday float64) DayBalance {
	morningQty := decimal.NewFromFloat(morning.Quantity)
	eveningQty := decimal.NewFromFloat(evening.Quantity)
	production := morningQty.Add(eveningQty)
	calfFed := decimal.NewFromFloat(morning.CalfFed).Add(decimal.NewFromFloat(evening.CalfFed))
	net := production.Sub(calfFed)
	sold := decimal.NewFromFloat(sales)
	carried := decimal.NewFromFloat(yesterday)
	final := carried.Add(net).Sub(sold)

	return DayBalance{
		Date:             date,
		MorningTotal:     round2(morningQty),
		EveningTotal:     round2(eveningQty),
		TotalProduction:  round2(production),
		TotalCalfFed:     round2(calfFed),
		NetProduction:    round2(net),
		TotalSales:       round2(sold),
		BalanceYesterday: round2(carried),
		FinalBalance:     round2(final),
	}
}

func round2(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}

// Persist upserts the computed balance as the day's summary.
func (s *Service) Persist(ctx context.Context, b DayBalance) (Summary, error) {
	out, err := s.store.UpsertSummary(ctx, b.summary())
	if err != nil {
		return Summary{}, fmt.Errorf("persist summary for %s: %w", b.Date, err)
	}
	return out, nil
}

// CarryOver reports how much of the previous day's stored final balance is
// added to date. Negative balances are not carried forward.
func (s *Service) CarryOver(ctx context.Context, date time.Time) (CarryOver, error) {
	w := DayWindow(date, s.loc)
	from := w.Previous().Date()
	out := CarryOver{Date: w.Date(), FromDate: from}

	prev, err := s.store.Summary(ctx, from)
	if err != nil && !errors.Is(err, ErrNoSummary) {
		return CarryOver{}, fmt.Errorf("carry-over for %s: %w", w.Date(), err)
	}
	if err == nil {
		out.YesterdayBalance = prev.FinalBalance
	}

	if out.YesterdayBalance > 0 {
		out.BalanceAdded = out.YesterdayBalance
		out.Message = fmt.Sprintf("Added %.2f L balance from %s", out.BalanceAdded, from)
	} else {
		out.Message = fmt.Sprintf("No balance to carry over from %s", from)
	}
	return out, nil
}

// MorningTotalWithBalance returns the morning session total of date plus the
// carried-over balance.
func (s *Service) MorningTotalWithBalance(ctx context.Context, date time.Time) (MorningTotal, error) {
	w := DayWindow(date, s.loc)

	morning, err := s.store.ProductionTotals(ctx, Morning, w)
	if err != nil {
		return MorningTotal{}, fmt.Errorf("morning total for %s: %w", w.Date(), err)
	}
	carry, err := s.CarryOver(ctx, date)
	if err != nil {
		return MorningTotal{}, err
	}

	total := decimal.NewFromFloat(morning.Quantity)
	added := decimal.NewFromFloat(carry.BalanceAdded)
	return MorningTotal{
		Date:             w.Date(),
		MorningTotal:     round2(total),
		BalanceAdded:     round2(added),
		TotalWithBalance: round2(total.Add(added)),
		Message:          carry.Message,
	}, nil
}

// AvailableMilk is the milk still available for sale on date.
func (s *Service) AvailableMilk(ctx context.Context, date time.Time) (float64, error) {
	b, err := s.Calculate(ctx, date)
	if err != nil {
		return 0, err
	}
	if b.FinalBalance < 0 {
		return 0, nil
	}
	return b.FinalBalance, nil
}

// CloseDay recomputes and persists the summary of date and reports what will
// carry into the next day. The summary is then handed to the publisher in the
// background, detached from ctx, so a slow archive never delays or fails the
// close. There is no transaction around the read-then-write: concurrent runs
// for one date are last-write-wins.
func (s *Service) CloseDay(ctx context.Context, date time.Time) (CloseResult, error) {
	b, err := s.Calculate(ctx, date)
	if err != nil {
		return CloseResult{}, err
	}
	summary, err := s.Persist(ctx, b)
	if err != nil {
		return CloseResult{}, err
	}

	next := DayWindow(date, s.loc).Next()
	carry, err := s.CarryOver(ctx, next.Start)
	if err != nil {
		return CloseResult{}, err
	}

	s.logger.Info("day closed",
		zap.String("date", summary.Date),
		zap.Float64("net_production", summary.NetProduction),
		zap.Float64("total_sales", summary.TotalSales),
		zap.Float64("final_balance", summary.FinalBalance))

	s.publish(ctx, summary)
	return CloseResult{Summary: summary, CarryOver: carry}, nil
}

func (s *Service) publish(ctx context.Context, summary Summary) {
	if s.publisher == nil {
		return
	}
	detached := context.WithoutCancel(ctx)

	s.publishing.Add(1)
	go func() {
		defer s.publishing.Done()
		pctx, cancel := context.WithTimeout(detached, s.publishTimeout)
		defer cancel()
		if err := s.publisher.Publish(pctx, summary); err != nil {
			s.logger.Warn("publish day summary failed", zap.String("date", summary.Date), zap.Error(err))
		}
	}()
}

// Drain waits for background publishes to finish or for ctx to end.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.publishing.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain summary publishes: %w", ctx.Err())
	}
}

// TriggerDayEnd runs CloseDay for the scheduler.
func (s *Service) TriggerDayEnd(ctx context.Context, date time.Time) error {
	_, err := s.CloseDay(ctx, date)
	return err
}

// History lists stored summaries between from and to inclusive.
func (s *Service) History(ctx context.Context, from, to time.Time) ([]Summary, error) {
	f := DayWindow(from, s.loc).Date()
	t := DayWindow(to, s.loc).Date()
	if f > t {
		f, t = t, f
	}
	return s.store.Summaries(ctx, f, t)
}
