// Command dayend closes the farm's books from outside the API process. It
// either runs the minute ticker against a remote backend or closes one day
// on demand.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dairyfarm/backend/internal/config"
	"dairyfarm/backend/internal/scheduler"
	"dairyfarm/backend/pkg/clients/dairyapi"
	"dairyfarm/backend/pkg/logger"
)

type options struct {
	apiURL        string
	token         string
	timezone      string
	dayEndHour    int
	minutesBefore int
	timeout       time.Duration
	logLevel      string
}

func main() {
	_ = config.LoadEnvFiles(".env")
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "dayend",
		Short:        "Trigger the daily milk balance close against a running backend",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if strings.TrimSpace(opts.token) == "" {
				return errNoToken
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.apiURL, "api-url", envOr("DAIRY_API_URL", "http://localhost:8080"), "backend base URL")
	flags.StringVar(&opts.token, "token", os.Getenv("DAIRY_API_TOKEN"), "bearer token of an owner or manager (env DAIRY_API_TOKEN)")
	flags.StringVar(&opts.timezone, "timezone", envOr("APP_TIMEZONE", "Africa/Nairobi"), "farm time zone")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "HTTP timeout per call")
	flags.StringVar(&opts.logLevel, "log-level", os.Getenv("LOG_LEVEL"), "zap log level")

	root.AddCommand(newRunCmd(opts), newCloseCmd(opts), newBalanceCmd(opts))
	return root
}

func newRunCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Arm the minute ticker and close each day until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loc, err := opts.location()
			if err != nil {
				return err
			}
			log, err := logger.New(opts.logLevel)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer func() { _ = log.Sync() }()

			d, err := scheduler.NewDayEnd(scheduler.Options{
				Active:               true,
				DayEndHour:           opts.dayEndHour,
				TriggerMinutesBefore: opts.minutesBefore,
				Location:             loc,
				Timeout:              opts.timeout,
			}, opts.client(), logger.Named(log, "scheduler.dayend"))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := d.Start(); err != nil {
				return err
			}
			log.Info("waiting for day end",
				zap.String("api_url", opts.apiURL),
				zap.String("at", d.At().String()))
			<-ctx.Done()
			d.Stop()
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.dayEndHour, "day-end-hour", envInt("DAY_END_HOUR", 24), "hour the farm day ends (1-24)")
	cmd.Flags().IntVar(&opts.minutesBefore, "minutes-before", envInt("DAY_END_TRIGGER_MINUTES_BEFORE", 60), "minutes before day end to fire")
	return cmd
}

func newCloseCmd(opts *options) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "close",
		Short: "Close a single day now and print the summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			day, err := opts.day(date)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			sum, err := opts.client().DayEndSummary(ctx, day)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), sum)
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day to close, YYYY-MM-DD (default today)")
	return cmd
}

func newBalanceCmd(opts *options) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Print the computed balance of a day without closing it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			day, err := opts.day(date)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			raw, err := opts.client().Balance(ctx, day)
			if err != nil {
				return err
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, raw, "", "  "); err != nil {
				return fmt.Errorf("decode balance: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day, YYYY-MM-DD (default today)")
	return cmd
}

// day resolves a --date value in the farm's zone, today when empty.
func (o *options) day(raw string) (time.Time, error) {
	loc, err := o.location()
	if err != nil {
		return time.Time{}, err
	}
	if strings.TrimSpace(raw) == "" {
		return time.Now().In(loc), nil
	}
	d, err := time.ParseInLocation("2006-01-02", raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
	}
	return d, nil
}

func (o *options) location() (*time.Location, error) {
	loc, err := time.LoadLocation(o.timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid --timezone %q: %w", o.timezone, err)
	}
	return loc, nil
}

func (o *options) client() *dairyapi.Client {
	return dairyapi.NewClient(dairyapi.Config{BaseURL: o.apiURL, Token: o.token, Timeout: o.timeout})
}

func printSummary(w io.Writer, s dairyapi.DaySummary) {
	fmt.Fprintf(w, "Day %s closed\n", s.Date)
	fmt.Fprintf(w, "  production   %8.2f L\n", s.TotalProduction)
	fmt.Fprintf(w, "  calf fed     %8.2f L\n", s.TotalCalfFed)
	fmt.Fprintf(w, "  net          %8.2f L\n", s.NetProduction)
	fmt.Fprintf(w, "  sales        %8.2f L\n", s.TotalSales)
	fmt.Fprintf(w, "  yesterday    %8.2f L\n", s.BalanceYesterday)
	fmt.Fprintf(w, "  final        %8.2f L\n", s.FinalBalance)
	if s.CarryOverMessage != "" {
		fmt.Fprintln(w, s.CarryOverMessage)
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return n
}

var errNoToken = errors.New("a token is required: pass --token or set DAIRY_API_TOKEN")
