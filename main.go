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

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"agrimanagement/internal/ai"
	"agrimanagement/internal/assistant"
	"agrimanagement/internal/billing"
	"agrimanagement/internal/config"
	"agrimanagement/internal/db"
	"agrimanagement/internal/email"
	"agrimanagement/internal/entitlements"
	"agrimanagement/internal/export"
	httpapi "agrimanagement/internal/http"
	"agrimanagement/internal/logging"
	"agrimanagement/internal/plans"
	"agrimanagement/internal/receipts"
	"agrimanagement/internal/services"
	"agrimanagement/internal/store"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var useMemory bool

var rootCmd = &cobra.Command{
	Use:          "agrimanagement",
	Short:        "Farm bookkeeping API with metered AI features and subscription billing",
	Version:      Version,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the subscription sweeper",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := bootstrap()
		pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		return db.Migrate(pool)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Revert lapsed canceled subscriptions to the free tier once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := bootstrap()
		pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		n, err := billing.NewSweeper(store.NewPostgres(pool), cfg.SweepInterval).Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("reverted %d subscription(s)\n", n)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("agrimanagement %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&useMemory, "memory", false, "use the in-memory store instead of Postgres")
	rootCmd.AddCommand(serveCmd, migrateCmd, sweepCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func bootstrap() config.Config {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "load .env failed: %v\n", err)
		}
	} else if !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "stat .env failed: %v\n", err)
	}
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	return cfg
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	if useMemory {
		log.Warn().Msg("using in-memory store; data is lost on exit")
		return store.NewMemory(), func() {}, nil
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store.NewPostgres(pool), pool.Close, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := bootstrap()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	ctx := cmd.Context()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	catalog := plans.NewCatalog(
		plans.FreeQuotas{Scan: cfg.FreeScanLimit, Assistant: cfg.FreeAssistantLimit, Export: cfg.FreeExportLimit},
		plans.PriceRefs{Standard: cfg.StripePriceStandard, Premium: cfg.StripePricePremium, ProYearly: cfg.StripePriceProYearly},
	)
	svc := services.New(st, cfg)
	checker := entitlements.New(st, catalog, entitlements.WithLocation(cfg.Location()))

	var gateway billing.Gateway
	var checkout *billing.Checkout
	if cfg.StripeSecretKey != "" {
		gw := billing.NewStripeGateway(cfg.StripeSecretKey)
		gateway = gw
		checkout = billing.NewCheckout(st, catalog, gw, billing.CheckoutURLs{
			Success: cfg.CheckoutSuccessURL,
			Cancel:  cfg.CheckoutCancelURL,
		})
	} else {
		log.Warn().Msg("STRIPE_SECRET_KEY not set; checkout disabled")
	}

	var notifier billing.Notifier
	if mailer := email.NewResendClient(cfg.ResendAPIKey, cfg.ResendFromEmail); mailer.IsConfigured() {
		notifier = mailer
	} else {
		log.Warn().Msg("Resend not configured; payment failure emails disabled")
	}
	reconciler := billing.NewReconciler(st, catalog, gateway, notifier)

	deps := httpapi.Deps{
		Services:   svc,
		Catalog:    catalog,
		Checker:    checker,
		Checkout:   checkout,
		Reconciler: reconciler,
	}

	model := ai.New(ai.Config{
		APIKey:            cfg.AIAPIKey,
		BaseURL:           cfg.AIBaseURL,
		Model:             cfg.AIModel,
		Timeout:           cfg.AITimeout,
		RequestsPerSecond: cfg.AIRequestsPerSecond,
	})
	if model.Configured() {
		deps.Scanner = receipts.NewScanner(model)
		deps.Assistant = assistant.New(model, svc)
	} else {
		log.Warn().Msg("AI_API_KEY not set; receipt scan and assistant disabled")
	}

	var objects export.ObjectStore
	if cfg.ExportS3.Enabled() {
		s3Store, err := export.NewS3Store(ctx, cfg.ExportS3)
		if err != nil {
			return err
		}
		objects = s3Store
	}
	deps.Exporter = export.New(svc, objects, cfg.ExportURLTTL)

	httpServer := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           httpapi.NewServer(cfg, deps).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.ServerAddr).Str("version", Version).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		billing.NewSweeper(st, cfg.SweepInterval).Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
