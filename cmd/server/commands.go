package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/estate-billing/api"
	"github.com/warp/estate-billing/billing"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(f *flags) *cobra.Command {
	var noScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run scheduled jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			if noScheduler {
				cfg.Scheduler.Enabled = false
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()
			return a.serve(ctx)
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run generation and sweep on a schedule")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	deps := api.Deps{
		Store:      a.store,
		Generator:  a.generator,
		Settlement: a.settlement,
		Sweeper:    a.sweeper,
		Log:        a.log,
	}
	// Metrics share the API listener unless a separate address is configured.
	if a.cfg.MetricsAddr == "" {
		deps.Metrics = a.metrics.Handler()
	}
	router := api.NewRouter(api.NewHandler(deps))

	servers := []*http.Server{{
		Addr:         a.cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}}
	if a.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		servers = append(servers, &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	var scheduler *api.BillingScheduler
	if a.cfg.Scheduler.Enabled {
		loc, err := a.cfg.Location()
		if err != nil {
			return err
		}
		scheduler, err = api.NewBillingScheduler(api.SchedulerConfig{
			Generator:      a.generator,
			Sweeper:        a.sweeper,
			Log:            a.log,
			GenerationSpec: a.cfg.Scheduler.GenerationCron,
			SweepSpec:      a.cfg.Scheduler.SweepCron,
			Location:       loc,
		})
		if err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		scheduler.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			a.log.Info("listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if scheduler != nil {
			select {
			case <-scheduler.Stop().Done():
			case <-shutdownCtx.Done():
				a.log.Warn("scheduled job still running at shutdown")
			}
		}
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func newGenerateCmd(f *flags) *cobra.Command {
	var period string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate charges for one period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := billing.PeriodOf(time.Now())
			if period != "" {
				var err error
				if p, err = billing.ParsePeriod(period); err != nil {
					return err
				}
			}
			return runOnce(cmd.Context(), f, func(ctx context.Context, a *app) error {
				report, err := a.generator.Generate(ctx, p)
				if err != nil {
					return err
				}
				cmd.Printf("period %s: %d created, %d skipped, %d ineligible, %d failed\n",
					report.Period, report.Created, report.Skipped, report.Ineligible, report.Failed)
				if report.Failed > 0 {
					return fmt.Errorf("%d charges failed; rerun to retry", report.Failed)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&period, "period", "", "billing period YYYY-MM (default: current month)")
	return cmd
}

func newSweepCmd(f *flags) *cobra.Command {
	var asOf string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Mark pending charges past their due date as overdue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			date := billing.DateOf(time.Now())
			if asOf != "" {
				var err error
				if date, err = billing.ParseDate(asOf); err != nil {
					return fmt.Errorf("--as-of: %w", err)
				}
			}
			return runOnce(cmd.Context(), f, func(ctx context.Context, a *app) error {
				n, err := a.sweeper.Sweep(ctx, date)
				if err != nil {
					return err
				}
				cmd.Printf("%d charges marked overdue as of %s\n", n, date.Format("2006-01-02"))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "sweep date YYYY-MM-DD (default: today)")
	return cmd
}

func newMigrateCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd.Context(), f, func(ctx context.Context, a *app) error {
				cmd.Printf("%s schema up to date\n", a.cfg.Store.Driver)
				return nil
			})
		},
	}
}

// runOnce wires the engine, runs fn and tears everything down.
func runOnce(ctx context.Context, f *flags, fn func(context.Context, *app) error) error {
	cfg, err := f.load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}
