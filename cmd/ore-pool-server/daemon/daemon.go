// Package daemon provides the pool operator server daemon.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ore-pool/server/internal/aggregator"
	"github.com/ore-pool/server/internal/cli"
	"github.com/ore-pool/server/internal/config"
	"github.com/ore-pool/server/internal/constants"
	"github.com/ore-pool/server/internal/database"
	"github.com/ore-pool/server/internal/metrics"
	"github.com/ore-pool/server/internal/operator"
	"github.com/ore-pool/server/internal/service"
	"github.com/ore-pool/server/internal/webservice"
)

const (
	// contributionQueueSize bounds how many contributions may be in flight
	// between the HTTP handlers and the aggregator.
	contributionQueueSize = 1024

	// rewardsQueueSize bounds pending reward webhook deliveries.
	rewardsQueueSize = 8
)

// Default program IDs on mainnet.
const (
	defaultOreProgramID  = "oreV2ZymfyeXgNgBdqMkumTqqAprVqgBWQfoYkrtKWQ"
	defaultNoopProgramID = "noopb9bkMVfRPU8AsbpTUg8AQkHtKwMYZiFUjNRtMmV"
)

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	daemon *service.Service

	ready chan struct{}
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int
	JSONLogs  bool

	ListenHost     string
	ListenPort     int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxHeaderBytes int
	MaxBodyBytes   int64

	WebhookToken     string
	PolicyPath       string
	AttributionEpoch time.Duration

	MetricsConfig  metrics.Config
	DBConfig       database.Config
	OperatorConfig operator.Config

	MigrationsDir string

	ConfigPath string
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{ready: make(chan struct{})}

	a.cmd = &cobra.Command{
		Use:           constants.CmdName,
		Short:         "ORE mining pool operator server",
		Long: "The ORE mining pool operator server coordinates pool members mining a shared challenge, " +
			"submits the pool's best solution on-chain, and attributes rewards to member balances.",
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Set verbosity before loading config
			if err := cli.InitViperConfig(constants.CmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			))); err != nil {
				return fmt.Errorf("unable to strictly decode configuration into struct: %w", err)
			}
			slog.Info("got app config", "config", a.config)

			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Update logging after loading config if necessary
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.cmd.SilenceUsage = true

			return a.run()
		},
	}
	a.viper = viper.New()
	a.cmd.CompletionOptions.HiddenDefaultCmd = true

	installRootCmd(&a)
	installMigrateCmd(&a)
	cli.InstallConfigFlag(a.cmd)

	if err := a.viper.BindPFlags(a.cmd.PersistentFlags()); err != nil {
		return nil, err
	}

	a.installVersion()

	return &a, nil
}

func installRootCmd(app *App) {
	cmd := app.cmd

	cmd.PersistentFlags().CountVarP(&app.config.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	cmd.PersistentFlags().BoolVar(&app.config.JSONLogs, "json-logs", false, "enable JSON formatted logs")

	// Daemon flags
	cmd.Flags().StringVar(&app.config.ListenHost, "listen-host", "", "host for the pool API")
	cmd.Flags().IntVar(&app.config.ListenPort, "listen-port", constants.DefaultListenPort, "port for the pool API")
	cmd.Flags().DurationVar(&app.config.ReadTimeout, "read-timeout", 5*time.Second, "read timeout for the pool API server")
	cmd.Flags().DurationVar(&app.config.WriteTimeout, "write-timeout", 10*time.Second, "write timeout for the pool API server")
	cmd.Flags().DurationVar(&app.config.RequestTimeout, "request-timeout", 3*time.Second, "request timeout for the pool API server")
	cmd.Flags().IntVar(&app.config.MaxHeaderBytes, "max-header-bytes", 1<<13, "maximum header bytes for the pool API server")
	cmd.Flags().Int64Var(&app.config.MaxBodyBytes, "max-body-bytes", 1<<17, "maximum request body bytes for the pool API server")

	cmd.Flags().StringVar(&app.config.WebhookToken, "webhook-token", "", "shared token authenticating the rewards webhook")
	cmd.Flags().StringVar(&app.config.PolicyPath, "policy-path", "pool-policy.json", "path to the pool policy file")
	cmd.Flags().DurationVar(&app.config.AttributionEpoch, "attribution-epoch", 10*time.Minute, "how often member balances are attributed on-chain")

	// Metrics server flags
	cmd.Flags().StringVar(&app.config.MetricsConfig.Host, "metrics-host", "", "host for the metrics endpoint")
	cmd.Flags().IntVar(&app.config.MetricsConfig.Port, "metrics-port", constants.DefaultMetricsPort, "port for the metrics endpoint")
	cmd.Flags().DurationVar(&app.config.MetricsConfig.ReadTimeout, "metrics-read-timeout", 5*time.Second, "read timeout for the metrics HTTP server")
	cmd.Flags().DurationVar(&app.config.MetricsConfig.WriteTimeout, "metrics-write-timeout", 10*time.Second, "write timeout for the metrics HTTP server")

	addDBFlags(cmd, &app.config.DBConfig)
	addOperatorFlags(cmd, &app.config.OperatorConfig)

	if err := cmd.MarkFlagFilename("policy-path", "json"); err != nil {
		panic(fmt.Sprintf("failed to mark policy-path flag as filename: %v", err))
	}
}

func addDBFlags(cmd *cobra.Command, config *database.Config) {
	cmd.Flags().StringVar(&config.Host, "db-host", "", "database host")
	cmd.Flags().IntVarP(&config.Port, "db-port", "p", 5432, "database port")
	cmd.Flags().StringVarP(&config.User, "db-user", "u", "", "database user")
	cmd.Flags().StringVarP(&config.Password, "db-password", "P", "", "database password")
	cmd.Flags().StringVarP(&config.DBName, "db-name", "n", "", "database name")
	cmd.Flags().StringVarP(&config.SSLMode, "db-sslmode", "s", "", "database SSL mode")
}

func addOperatorFlags(cmd *cobra.Command, config *operator.Config) {
	cmd.Flags().StringVar(&config.RPCURL, "rpc-url", constants.DefaultRPCURL, "Solana RPC endpoint")
	cmd.Flags().StringVar(&config.KeypairPath, "keypair", constants.DefaultKeypairPath, "path to the pool authority keypair")
	cmd.Flags().StringVar(&config.PoolProgramID, "pool-program-id", "", "pool program id")
	cmd.Flags().StringVar(&config.OreProgramID, "ore-program-id", defaultOreProgramID, "ORE program id")
	cmd.Flags().StringVar(&config.BoostProgramID, "boost-program-id", "", "boost program id, boosts disabled when empty")
	cmd.Flags().StringVar(&config.NoopProgramID, "noop-program-id", defaultNoopProgramID, "noop program id")
	cmd.Flags().Uint64Var(&config.OperatorCommission, "operator-commission", 10, "percentage of rewards kept by the operator")
	cmd.Flags().Uint64Var(&config.StakerCommission, "staker-commission", 50, "percentage of boost rewards attributed to stakers")
	cmd.Flags().Uint64Var(&config.MinDifficulty, "min-difficulty", 0, "minimum accepted solution difficulty, 0 uses the on-chain value")

	if err := cmd.MarkFlagFilename("keypair", "json"); err != nil {
		panic(fmt.Sprintf("failed to mark keypair flag as filename: %v", err))
	}
}

// Run executes the command and associated process, returning an error if any.
func (a App) Run() error {
	return a.cmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a App) UsageError() bool {
	return !a.cmd.SilenceUsage
}

// Hup prints all goroutine stack traces and return false to signal you shouldn't quit.
func (a App) Hup() (shouldQuit bool) {
	buf := make([]byte, 1<<16)
	runtime.Stack(buf, true)
	fmt.Printf("%s", buf)
	return false
}

// Quit gracefully shuts down the daemon.
func (a *App) Quit() {
	a.WaitReady()
	if a.daemon != nil {
		a.daemon.Quit(false)
	}
}

// WaitReady waits for the daemon to be ready.
func (a *App) WaitReady() {
	<-a.ready
}

// RootCmd returns the root command.
func (a App) RootCmd() cobra.Command {
	return *a.cmd
}

func (a *App) run() (err error) {
	// Unblock WaitReady even when setup fails.
	defer func() {
		select {
		case <-a.ready:
		default:
			close(a.ready)
		}
	}()

	if a.config.OperatorConfig.PoolProgramID == "" {
		a.cmd.SilenceUsage = false
		return fmt.Errorf("pool-program-id is required")
	}

	a.config.PolicyPath, err = filepath.Abs(a.config.PolicyPath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path for policy file: %v", err)
	}
	pm := config.New(a.config.PolicyPath)
	if err := pm.Load(); err != nil {
		return fmt.Errorf("failed to load pool policy: %v", err)
	}

	db, err := database.New(context.Background(), a.config.DBConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}

	op, err := operator.New(a.config.OperatorConfig)
	if err != nil {
		return fmt.Errorf("failed to create operator: %v", err)
	}
	slog.Info("Operator initialized", "authority", op.Authority())

	registry := prometheus.NewRegistry()
	contributionsCh := make(chan aggregator.Contribution, contributionQueueSize)
	rewardsCh := make(chan aggregator.Rewards, rewardsQueueSize)

	agg, err := aggregator.New(context.Background(), op, db, pm, rewardsCh, registry)
	if err != nil {
		return fmt.Errorf("failed to create aggregator: %v", err)
	}

	ws, err := webservice.New(context.Background(), pm, agg, op, db, contributionsCh, rewardsCh, registry,
		webservice.StaticConfig{
			WebhookToken:   a.config.WebhookToken,
			ReadTimeout:    a.config.ReadTimeout,
			WriteTimeout:   a.config.WriteTimeout,
			RequestTimeout: a.config.RequestTimeout,
			MaxHeaderBytes: a.config.MaxHeaderBytes,
			MaxBodyBytes:   a.config.MaxBodyBytes,
			ListenHost:     a.config.ListenHost,
			ListenPort:     a.config.ListenPort,
		})
	if err != nil {
		return fmt.Errorf("failed to create web service: %v", err)
	}

	metricsServer := metrics.New(a.config.MetricsConfig, registry)

	a.daemon = service.New(context.Background(), ws,
		rounds{agg: agg, contributions: contributionsCh},
		attributor{op: op, db: db},
		metricsServer, a.config.AttributionEpoch)
	close(a.ready)

	return a.daemon.Run()
}

// rounds adapts the aggregator loop and its contribution source to the service.
type rounds struct {
	agg           *aggregator.Aggregator
	contributions <-chan aggregator.Contribution
}

func (r rounds) Run(ctx context.Context) error {
	return r.agg.Run(ctx, r.contributions)
}

// attributor binds the operator's attribution pass to the member store.
type attributor struct {
	op *operator.Operator
	db *database.Manager
}

func (at attributor) Attribute(ctx context.Context) error {
	return at.op.AttributeMembers(ctx, at.db)
}
