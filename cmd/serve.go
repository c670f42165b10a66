// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Jake Morgan

package cmd

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jmorgan-eng/canmaster/internal/config"
	"github.com/jmorgan-eng/canmaster/pkg/bus"
	"github.com/jmorgan-eng/canmaster/pkg/defs"
	"github.com/jmorgan-eng/canmaster/pkg/engine"
	"github.com/jmorgan-eng/canmaster/pkg/gateway"
	"github.com/jmorgan-eng/canmaster/pkg/inventory"
	"github.com/jmorgan-eng/canmaster/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the master controller daemon",
	Long: `Serve opens the CAN bus and the operator HTTP endpoint and runs
the controller until interrupted. State survives restarts through the
sqlite database named in the configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel)
	log.Info("starting canmaster", "version", rootCmd.Version, "driver", cfg.Bus.Driver)

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	reg, err := loadRegistry(cfg, db, log)
	if err != nil {
		return err
	}
	log.Info("message definitions loaded", "count", reg.Len())

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := gateway.NewHub(log, promReg)
	go hub.Run(ctx)

	canBus, err := openBus(ctx, cfg.Bus, log)
	if err != nil {
		return err
	}
	defer canBus.Close()

	eng, err := engine.New(engine.Config{
		Log:              log,
		Bus:              canBus,
		Inventory:        inventory.NewStore(),
		DB:               db,
		Registry:         reg,
		Hub:              hub,
		Requests:         hub.Requests(),
		MasterID:         cfg.MasterID(),
		Registerer:       promReg,
		ReqIntroInterval: cfg.Intervals.ReqIntro,
		EpochInterval:    cfg.Intervals.Epoch,
	})
	if err != nil {
		return err
	}
	if err := eng.WarmStart(); err != nil {
		return err
	}

	srv := newHTTPServer(cfg.HTTP, hub, promReg, log)
	go func() {
		log.Info("http listening", "addr", cfg.HTTP.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			stop()
		}
	}()

	err = eng.Run(ctx)

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutCtx); serr != nil {
		log.Warn("http shutdown", "error", serr)
	}
	if errors.Is(err, context.Canceled) {
		log.Info("shutdown complete")
		return nil
	}
	return err
}

// loadRegistry prefers a fresh CSV export and mirrors it into sqlite;
// without one it falls back to whatever the database already holds.
func loadRegistry(cfg config.Config, db *store.Store, log *slog.Logger) (*defs.Registry, error) {
	if cfg.DefinitionsCSV != "" {
		list, err := defs.LoadCSV(cfg.DefinitionsCSV, log)
		if err != nil {
			return nil, err
		}
		if err := db.ReplaceDefinitions(list); err != nil {
			return nil, err
		}
		return defs.NewRegistry(list), nil
	}
	list, err := db.LoadDefinitions()
	if err != nil {
		return nil, err
	}
	return defs.NewRegistry(list), nil
}

// openBus dials the configured CAN transport, retrying with backoff so
// a late-enumerating USB adapter does not kill the daemon at boot.
func openBus(ctx context.Context, cfg config.Bus, log *slog.Logger) (bus.Bus, error) {
	dial := func() (bus.Bus, error) {
		switch cfg.Driver {
		case config.DriverSocketCAN:
			return bus.DialSocketCAN(cfg.Interface)
		case config.DriverSLCAN:
			return bus.DialSLCAN(cfg.Port, cfg.BaudRate, cfg.SpeedCode)
		case config.DriverLoopback:
			return bus.NewLoopback(), nil
		default:
			return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = time.Minute
	return backoff.RetryWithData(func() (bus.Bus, error) {
		b, err := dial()
		if err != nil {
			log.Warn("bus dial failed, retrying", "driver", cfg.Driver, "error", err)
		}
		return b, err
	}, backoff.WithContext(bo, ctx))
}

func newHTTPServer(cfg config.HTTP, hub *gateway.Hub, promReg *prometheus.Registry, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	if cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	var handler http.Handler = mux
	if cfg.Username != "" {
		handler = basicAuth(cfg.Username, cfg.Password, mux)
	}
	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}
}

func basicAuth(username, password string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="canmaster"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
