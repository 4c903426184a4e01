package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const minutesPerDay = 24 * 60

// Trigger closes the books for one calendar day.
type Trigger interface {
	TriggerDayEnd(ctx context.Context, date time.Time) error
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func(ctx context.Context, date time.Time) error

func (f TriggerFunc) TriggerDayEnd(ctx context.Context, date time.Time) error {
	return f(ctx, date)
}

// ClockTime is a wall-clock minute. DayOffset is 1 when the trigger time has
// wrapped past midnight and therefore belongs to the previous calendar day.
type ClockTime struct {
	Hour      int
	Minute    int
	DayOffset int
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// TriggerTime resolves the minute to fire at: dayEndHour minus minutesBefore.
// TriggerTime(24, 60) is 23:00.
func TriggerTime(dayEndHour, minutesBefore int) (ClockTime, error) {
	if dayEndHour < 1 || dayEndHour > 24 {
		return ClockTime{}, fmt.Errorf("dayEndHour %d out of range 1-24", dayEndHour)
	}
	total := dayEndHour*60 - minutesBefore
	if minutesBefore < 0 || total < 0 {
		return ClockTime{}, fmt.Errorf("triggerMinutesBefore %d out of range 0-%d", minutesBefore, dayEndHour*60)
	}
	offset := 0
	if total >= minutesPerDay {
		total -= minutesPerDay
		offset = 1
	}
	return ClockTime{Hour: total / 60, Minute: total % 60, DayOffset: offset}, nil
}

type Options struct {
	Active               bool
	DayEndHour           int
	TriggerMinutesBefore int
	Location             *time.Location
	// Timeout bounds a single trigger call. Zero means two minutes.
	Timeout time.Duration
	// Now overrides time.Now.
	Now func() time.Time
}

// DayEnd fires a Trigger once a day at a fixed wall-clock minute. It is idle
// until Start and armed until Stop. A minute tick that is missed (process
// paused, clock jump) is not made up later.
type DayEnd struct {
	trigger Trigger
	logger  *zap.Logger
	loc     *time.Location
	now     func() time.Time
	timeout time.Duration
	active  bool
	at      ClockTime

	mu   sync.Mutex
	cron *cron.Cron

	fireMu    sync.Mutex
	lastFired string
}

func NewDayEnd(opts Options, trigger Trigger, logger *zap.Logger) (*DayEnd, error) {
	if trigger == nil {
		return nil, errors.New("scheduler: nil trigger")
	}
	at, err := TriggerTime(opts.DayEndHour, opts.TriggerMinutesBefore)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &DayEnd{
		trigger: trigger,
		logger:  logger,
		loc:     loc,
		now:     now,
		timeout: timeout,
		active:  opts.Active,
		at:      at,
	}, nil
}

// At is the resolved trigger minute.
func (d *DayEnd) At() ClockTime {
	return d.at
}

// Start arms the minute ticker. It is a no-op when inactive or already armed.
func (d *DayEnd) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.active {
		d.logger.Info("day-end trigger inactive")
		return nil
	}
	if d.cron != nil {
		return nil
	}

	c := cron.New(cron.WithLocation(d.loc))
	if _, err := c.AddFunc("* * * * *", func() { d.Check(d.now()) }); err != nil {
		return fmt.Errorf("schedule day-end tick: %w", err)
	}
	c.Start()
	d.cron = c

	d.logger.Info("day-end trigger armed",
		zap.String("at", d.at.String()),
		zap.String("location", d.loc.String()))
	return nil
}

// Stop disarms the ticker and waits for an in-flight trigger to return.
func (d *DayEnd) Stop() {
	d.mu.Lock()
	c := d.cron
	d.cron = nil
	d.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	d.logger.Info("day-end trigger stopped")
}

func (d *DayEnd) Armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cron != nil
}

// Check fires the trigger if now is exactly the trigger minute and it has not
// fired during that minute yet. It reports whether the trigger was called.
func (d *DayEnd) Check(now time.Time) bool {
	local := now.In(d.loc)
	if local.Hour() != d.at.Hour || local.Minute() != d.at.Minute {
		return false
	}

	key := local.Format("2006-01-02 15:04")
	d.fireMu.Lock()
	if d.lastFired == key {
		d.fireMu.Unlock()
		return false
	}
	d.lastFired = key
	d.fireMu.Unlock()

	date := local.AddDate(0, 0, -d.at.DayOffset)
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	start := time.Now()
	if err := d.trigger.TriggerDayEnd(ctx, date); err != nil {
		d.logger.Error("day-end trigger failed", zap.String("date", date.Format("2006-01-02")), zap.Error(err))
		return true
	}
	d.logger.Info("day-end trigger completed",
		zap.String("date", date.Format("2006-01-02")),
		zap.Duration("duration", time.Since(start)))
	return true
}
