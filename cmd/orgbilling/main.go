package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/TheLab-ms/orgbilling/internal/conf"
	"github.com/TheLab-ms/orgbilling/internal/flowcontrol"
	"github.com/TheLab-ms/orgbilling/internal/logging"
	"github.com/TheLab-ms/orgbilling/internal/payment"
	"github.com/TheLab-ms/orgbilling/internal/reporting"
	"github.com/TheLab-ms/orgbilling/internal/server"
	"github.com/TheLab-ms/orgbilling/internal/store"
	"github.com/TheLab-ms/orgbilling/internal/upgrade"
)

// Set at build time with -ldflags
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "orgbilling",
	Short:   "Stripe checkout and upgrade service for organizations",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and checkout fulfillment workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		env := loadEnv()
		db, err := store.New(cmd.Context(), env.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		return db.Migrate(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("orgbilling %s\n", Version)
	},
}

var fulfillmentWorkers int

func init() {
	serveCmd.Flags().IntVar(&fulfillmentWorkers, "workers", 2, "number of checkout fulfillment workers")
	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadEnv reads the config and re-initializes logging with it.
func loadEnv() *conf.Env {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "orgbilling"})

	// Load the app's configuration from env vars bound to the config struct through magic
	env := &conf.Env{}
	env.MustLoad()

	logging.Init(logging.Config{Format: env.LogFormat, Level: env.LogLevel, Component: "orgbilling"})
	return env
}

func runServer(ctx context.Context) error {
	env := loadEnv()

	db, err := store.New(ctx, env.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	// Reporting allows meaningful billing actions to be stored somewhere for reference
	sink, err := reporting.NewSink(ctx, env)
	if err != nil {
		return err
	}

	// Price cache polls Stripe to load the org plan prices, and is refreshed when they change (via webhook)
	stripeClient := payment.NewClient(env)
	priceCache := stripeClient.NewPriceCache()
	go priceCache.Run(ctx)

	flow := &upgrade.Flow{
		Checkout: stripeClient,
		Store:    db,
		Upgrader: db,
		Events:   sink,
	}

	// Checkouts reported by webhook are applied in the background
	queue := flowcontrol.NewQueue[upgrade.Request]()
	queue.MaxAttempts = 10
	go queue.Run(ctx)
	for i := 0; i < fulfillmentWorkers; i++ {
		go flowcontrol.RunWorker(ctx, queue, flow.Fulfill)
	}

	startMetricsServer(ctx, env.MetricsAddr)

	svr := &server.Server{
		Env:         env,
		Store:       db,
		Checkout:    stripeClient,
		PriceCache:  priceCache,
		Upgrades:    flow,
		Fulfillment: queue,
		Reporting:   sink,
	}
	httpServer := &http.Server{
		Addr:              env.HttpAddr,
		Handler:           instrument(svr.NewHandler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("failed to shut down http server cleanly")
		}
	}()

	log.Info().Str("addr", env.HttpAddr).Str("version", Version).Msg("starting orgbilling server")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
