// File: cmd/relayer/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/smartdevs17/bridge-relayer/internal/config"
	"github.com/smartdevs17/bridge-relayer/internal/connection"
	"github.com/smartdevs17/bridge-relayer/internal/metrics"
	"github.com/smartdevs17/bridge-relayer/internal/models"
	"github.com/smartdevs17/bridge-relayer/internal/monitor"
	"github.com/smartdevs17/bridge-relayer/internal/notification"
	"github.com/smartdevs17/bridge-relayer/internal/processor"
	"github.com/smartdevs17/bridge-relayer/internal/query"
	"github.com/smartdevs17/bridge-relayer/internal/registry"
	"github.com/smartdevs17/bridge-relayer/internal/server"
	"github.com/smartdevs17/bridge-relayer/internal/storage"
	"github.com/smartdevs17/bridge-relayer/internal/voucher"
	"github.com/smartdevs17/bridge-relayer/pkg/utils"
)

// AppVersion contains the application version
var AppVersion = "1.0.0"

// Application wires the relayer components together
type Application struct {
	config       *config.Config
	logger       *logrus.Entry
	metrics      *metrics.Manager
	pool         *connection.ConnectionPool
	storage      storage.Storage
	notification *notification.NotificationManager
	monitor      *monitor.EventMonitor
	registry     *registry.Registry
	issuer       *voucher.Issuer
	processor    *processor.EventProcessor
	server       *server.HTTPServer
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewApplication creates the components in dependency order. Nothing is
// started yet.
func NewApplication(cfg *config.Config) (*Application, error) {
	ctx, cancel := context.WithCancel(context.Background())

	app := &Application{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := app.initializeLogger(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := app.initializeComponents(); err != nil {
		app.close()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return app, nil
}

func (app *Application) initializeLogger() error {
	logCfg := app.config.Logging

	if err := utils.InitLogger(logCfg.Level, logCfg.Format, logCfg.Output, logCfg.File); err != nil {
		return err
	}

	app.logger = utils.ComponentLogger("app")
	app.logger.WithFields(logrus.Fields{
		"level":  logCfg.Level,
		"format": logCfg.Format,
		"output": logCfg.Output,
	}).Info("Logger initialized")
	return nil
}

func (app *Application) initializeComponents() error {
	app.logger.Info("Initializing application components")
	app.metrics = metrics.NewManager()

	if err := app.initializeStorage(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := app.initializeConnection(); err != nil {
		return fmt.Errorf("failed to initialize connection: %w", err)
	}

	app.notification = notification.NewNotificationManager(
		notification.ManagerConfigFrom(app.config.Notifications), app.metrics)

	if err := app.initializeEngine(); err != nil {
		return err
	}

	app.logger.Info("All components initialized successfully")
	return nil
}

func (app *Application) initializeStorage() error {
	store, err := storage.Open(&app.config.Storage)
	if err != nil {
		return err
	}
	app.storage = storage.NewStorageWithMetrics(store, app.metrics)

	app.logger.WithField("type", app.config.Storage.Type).Info("Storage layer initialized")
	return nil
}

// initializeConnection dials both chains and checks that each endpoint
// serves the configured chain
func (app *Application) initializeConnection() error {
	app.pool = connection.NewConnectionPool(app.config, app.metrics)

	ctx, cancel := context.WithTimeout(app.ctx, app.config.RPC.RequestTimeout)
	defer cancel()

	for chain, chainCfg := range map[models.Chain]config.ChainConfig{
		models.ChainSource:      app.config.Source,
		models.ChainDestination: app.config.Destination,
	} {
		id, err := app.pool.Client(chain).ChainID(ctx)
		if err != nil {
			return fmt.Errorf("failed to reach %s chain: %w", chain, err)
		}
		if id.Uint64() != chainCfg.ChainID {
			return utils.NewAppError(utils.ErrCodeConfiguration, "Chain ID mismatch",
				fmt.Sprintf("%s endpoint serves chain %s, configured %d", chain, id, chainCfg.ChainID))
		}
	}

	app.logger.Info("Connection pool initialized")
	return nil
}

// initializeEngine builds the monitor, registry, issuer and processor. The
// monitor and processor depend on each other, so the handler is set last.
func (app *Application) initializeEngine() error {
	cfg := app.config
	sourceClient := app.pool.Client(models.ChainSource)
	destinationClient := app.pool.Client(models.ChainDestination)

	app.monitor = monitor.NewEventMonitor(
		map[models.Chain]connection.ChainClient{
			models.ChainSource:      sourceClient,
			models.ChainDestination: destinationClient,
		},
		map[models.Chain]uint64{
			models.ChainSource:      cfg.Source.ChainID,
			models.ChainDestination: cfg.Destination.ChainID,
		},
		app.storage,
		monitor.WatcherConfigFrom(cfg.Monitor),
		app.notification,
		app.metrics,
	)

	app.registry = registry.New(app.storage, sourceClient, cfg.Source.Bridge(), app.monitor,
		cfg.Registry.ResolveInterval, app.metrics)

	key, err := voucher.ParsePrivateKey(cfg.Voucher.PrivateKey)
	if err != nil {
		return err
	}
	app.issuer = voucher.NewIssuer(key,
		voucher.ChainFromConfig(cfg.Source, sourceClient),
		voucher.ChainFromConfig(cfg.Destination, destinationClient),
		app.storage, app.metrics)

	app.processor = processor.NewEventProcessor(app.storage, app.issuer, app.registry, app.notification,
		processor.ConfigFrom(cfg.Processor, cfg.Voucher), app.metrics)
	app.monitor.SetHandler(app.processor)

	if _, err := app.monitor.AddContract(monitor.WatchSpec{
		Chain:    models.ChainSource,
		Contract: cfg.Source.Bridge(),
		Kinds:    []models.EventKind{models.EventLocked, models.EventReleased},
	}); err != nil {
		return err
	}
	if cfg.Destination.BridgeAddress != "" {
		if _, err := app.monitor.AddContract(monitor.WatchSpec{
			Chain:    models.ChainDestination,
			Contract: cfg.Destination.Bridge(),
			Kinds:    []models.EventKind{models.EventClaimed, models.EventBurned},
		}); err != nil {
			return err
		}
	}

	// Wrapped tokens registered before a restart get their watchers back
	if err := app.registry.Restore(app.ctx); err != nil {
		return err
	}

	app.logger.WithField("signer", app.issuer.Signer().Hex()).Info("Relay engine initialized")
	return nil
}

func (app *Application) initializeServer() error {
	srv, err := server.NewHTTPServer(&app.config.Server, server.Dependencies{
		Query:     query.NewService(app.storage),
		Storage:   app.storage,
		Monitor:   app.monitor,
		Processor: app.processor,
		Notifier:  app.notification,
		Registry:  app.registry,
	}, app.metrics)
	if err != nil {
		return err
	}
	app.server = srv
	return nil
}

// Start starts all components
func (app *Application) Start() error {
	app.logger.Info("Starting bridge relayer")

	if err := app.notification.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start notification manager: %w", err)
	}
	if err := app.processor.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start processor: %w", err)
	}
	if err := app.monitor.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start monitor: %w", err)
	}
	go app.registry.Run(app.ctx)

	if err := app.initializeServer(); err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := app.server.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	app.logger.WithFields(logrus.Fields{
		"version":   AppVersion,
		"contracts": len(app.monitor.GetContracts()),
	}).Info("Bridge relayer started")
	return nil
}

// Stop stops components in reverse order. Watchers stop first so no batch
// arrives at a stopped processor.
func (app *Application) Stop() error {
	app.logger.Info("Stopping bridge relayer")

	if app.server != nil {
		if err := app.server.Stop(); err != nil {
			app.logger.WithError(err).Warn("Failed to stop server")
		}
	}
	if err := app.monitor.Stop(); err != nil {
		app.logger.WithError(err).Warn("Failed to stop monitor")
	}
	if err := app.processor.Stop(); err != nil {
		app.logger.WithError(err).Warn("Failed to stop processor")
	}
	if err := app.notification.Stop(); err != nil {
		app.logger.WithError(err).Warn("Failed to stop notification manager")
	}

	app.close()
	app.logger.Info("Bridge relayer stopped")
	return nil
}

func (app *Application) close() {
	app.cancel()
	if app.pool != nil {
		app.pool.Close()
	}
	if app.storage != nil {
		app.storage.Close()
	}
}

// CLI Commands

var rootCmd = &cobra.Command{
	Use:     "relayer",
	Short:   "Cross-chain bridge relayer",
	Long:    `Watches the bridge contracts on both chains, reconciles the per-user token ledger and issues signed claim and release vouchers.`,
	Version: AppVersion,
	RunE:    runRelayer,
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if level := viper.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// runRelayer runs the relayer until SIGINT or SIGTERM
func runRelayer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app, err := NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	if err := app.Start(); err != nil {
		app.Stop()
		return fmt.Errorf("failed to start application: %w", err)
	}

	sig := <-signalChan
	app.logger.WithField("signal", sig.String()).Info("Received shutdown signal")

	return app.Stop()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bridge-relayer %s\n", AppVersion)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		fmt.Printf("Configuration is valid!\n")
		fmt.Printf("Environment: %s\n", cfg.App.Environment)
		fmt.Printf("Source: chain %d bridge %s\n", cfg.Source.ChainID, cfg.Source.Bridge().Hex())
		fmt.Printf("Destination: chain %d\n", cfg.Destination.ChainID)
		fmt.Printf("Database: %s\n", cfg.Storage.Type)
		return nil
	},
}

var backfillFlags struct {
	chain    string
	contract string
	from     uint64
	to       uint64
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Replay a historical block range of a contract through the ledger",
	Long: `Replays every bridge event of a contract in [from, to]. Events already applied are
skipped, so overlapping a range that was processed before is safe. Vouchers left pending
are issued by the next run.`,
	RunE: runBackfill,
}

func runBackfill(cmd *cobra.Command, args []string) error {
	chain := models.Chain(strings.ToLower(backfillFlags.chain))
	if chain != models.ChainSource && chain != models.ChainDestination {
		return fmt.Errorf("--chain must be %q or %q", models.ChainSource, models.ChainDestination)
	}
	if !common.IsHexAddress(backfillFlags.contract) {
		return fmt.Errorf("--contract is not a valid address: %q", backfillFlags.contract)
	}
	if backfillFlags.to < backfillFlags.from {
		return fmt.Errorf("--to must not be below --from")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	app, err := NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(app.ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	contract := common.HexToAddress(backfillFlags.contract)
	app.logger.WithFields(logrus.Fields{
		"chain":    chain,
		"contract": contract.Hex(),
		"from":     backfillFlags.from,
		"to":       backfillFlags.to,
	}).Info("Starting backfill")

	if err := app.monitor.Backfill(ctx, chain, contract, backfillFlags.from, backfillFlags.to); err != nil {
		return fmt.Errorf("backfill failed: %w", err)
	}

	stats := app.processor.GetStats()
	fmt.Printf("Backfill complete: %d applied, %d duplicate, %d deferred, %d invalid\n",
		stats.EventsApplied, stats.EventsDuplicate, stats.EventsDeferred, stats.EventsInvalid)
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "log level (debug, info, warn, error)")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))

	backfillCmd.Flags().StringVar(&backfillFlags.chain, "chain", "", "chain of the contract (source or destination)")
	backfillCmd.Flags().StringVar(&backfillFlags.contract, "contract", "", "contract address")
	backfillCmd.Flags().Uint64Var(&backfillFlags.from, "from", 0, "first block")
	backfillCmd.Flags().Uint64Var(&backfillFlags.to, "to", 0, "last block")
	backfillCmd.MarkFlagRequired("chain")
	backfillCmd.MarkFlagRequired("contract")
	backfillCmd.MarkFlagRequired("to")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(backfillCmd)
	configCmd.AddCommand(validateConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
