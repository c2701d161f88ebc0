// Package daemon implements the `run` sub-command that drives the key
// retrieval and key removal tasks.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/restakefi/keyguard/alert"
	"github.com/restakefi/keyguard/analyzer"
	"github.com/restakefi/keyguard/analyzer/scheduled"
	"github.com/restakefi/keyguard/analyzer/util"
	"github.com/restakefi/keyguard/beacon"
	"github.com/restakefi/keyguard/chain"
	"github.com/restakefi/keyguard/checkpoint"
	cmdCommon "github.com/restakefi/keyguard/cmd/common"
	"github.com/restakefi/keyguard/common"
	"github.com/restakefi/keyguard/config"
	"github.com/restakefi/keyguard/keysync"
	"github.com/restakefi/keyguard/log"
	"github.com/restakefi/keyguard/metrics"
	"github.com/restakefi/keyguard/removal"
	"github.com/restakefi/keyguard/storage"
	"github.com/restakefi/keyguard/storage/postgres"
	"github.com/restakefi/keyguard/subgraph"
	"github.com/restakefi/keyguard/verifier"
)

const (
	moduleName = "daemon"

	alertTimeout = 10 * time.Second
)

var (
	// Path to the configuration file.
	configFile string

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the key retrieval and removal tasks",
		Run:   runDaemon,
	}
)

func runDaemon(cmd *cobra.Command, args []string) {
	cfg, err := config.InitConfig(configFile)
	if err != nil {
		log.NewDefaultLogger("init").Error("config init failed",
			"error", err,
		)
		os.Exit(1)
	}

	if err = cmdCommon.Init(cfg); err != nil {
		log.NewDefaultLogger("init").Error("init failed",
			"error", err,
		)
		os.Exit(1)
	}
	logger := cmdCommon.RootLogger()

	if cfg.Daemon == nil {
		logger.Error("daemon config not provided")
		os.Exit(1)
	}

	service, err := Init(cfg)
	if err != nil {
		os.Exit(1)
	}
	service.Start()
}

// Init prepares storage and builds the daemon service.
func Init(cfg *config.Config) (*Service, error) {
	logger := cmdCommon.RootLogger().WithModule(moduleName)
	storageCfg := cfg.Daemon.Storage

	logger.Info("initializing daemon", "storage_backend", storageCfg.Backend)
	var backend config.StorageBackend
	if err := backend.Set(storageCfg.Backend); err != nil {
		logger.Error("invalid storage backend", "error", err)
		return nil, err
	}
	if backend == config.BackendPostgres {
		if storageCfg.WipeStorage {
			logger.Warn("wiping storage")
			if err := wipeStorage(storageCfg, logger); err != nil {
				logger.Error("failed to wipe storage", "error", err)
				return nil, err
			}
			logger.Info("storage wiped")
		}
		if err := postgres.RunMigrations(storageCfg.Migrations, storageCfg.Endpoint, logger); err != nil {
			logger.Error("failed to run migrations", "error", err)
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	service, err := NewService(ctx, cfg.Daemon, cfg.Metrics, logger)
	if err != nil {
		logger.Error("service failed to start",
			"error", err,
		)
		return nil, err
	}
	return service, nil
}

func wipeStorage(cfg *config.StorageConfig, logger *log.Logger) error {
	db, err := postgres.NewClient(cfg.Endpoint, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Wipe(context.Background())
}

// Service runs the scheduled tasks of the daemon.
type Service struct {
	Analyzers []analyzer.Analyzer

	db      storage.Storage
	metrics *metrics.PullService
	logger  *log.Logger
}

// chainDeps lazily builds the clients of each configured chain so that
// tasks running on the same chain share them.
type chainDeps struct {
	cfg    *config.DaemonConfig
	alerts alert.Sink
	logger *log.Logger

	clients   map[common.ChainID]*chain.Client
	subgraphs map[common.ChainID]*subgraph.Client
}

func (d *chainDeps) client(ctx context.Context, c *config.ChainConfig) (*chain.Client, error) {
	id := common.ChainID(c.ChainID)
	if client, ok := d.clients[id]; ok {
		return client, nil
	}
	client, err := chain.Dial(ctx, c, d.cfg.Signer, d.logger)
	if err != nil {
		return nil, err
	}
	d.clients[id] = client
	return client, nil
}

func (d *chainDeps) subgraph(c *config.ChainConfig) *subgraph.Client {
	id := common.ChainID(c.ChainID)
	if s, ok := d.subgraphs[id]; ok {
		return s
	}
	s := subgraph.NewClient(id, c.SubgraphURL, c.RequestTimeout, d.logger)
	d.subgraphs[id] = s
	return s
}

func (d *chainDeps) verifier(c *config.ChainConfig, client *chain.Client) (*verifier.Verifier, error) {
	forkVersion, err := c.ForkVersion()
	if err != nil {
		return nil, err
	}
	deposits := beacon.NewClient(c.BeaconAPIURL, c.BeaconAPIKey, c.RequestTimeout, d.logger)
	return verifier.New(verifier.Config{
		ChainID:         common.ChainID(c.ChainID),
		ForkVersion:     forkVersion,
		DepositContract: ethCommon.HexToAddress(c.DepositContract),
	}, client, deposits, d.alerts, d.logger), nil
}

// newAlertSink logs every alert and also posts it to Discord when a
// webhook is configured.
func newAlertSink(cfg *config.AlertConfig, logger *log.Logger) alert.Sink {
	sinks := alert.Multi{alert.NewLogSink(logger)}
	if cfg != nil && cfg.DiscordWebhookURL != "" {
		sinks = append(sinks, alert.NewDiscordSink(cfg.DiscordWebhookURL, alertTimeout, logger))
	}
	return sinks
}

// NewService wires the tasks enabled in cfg. metricsCfg may be nil.
func NewService(ctx context.Context, cfg *config.DaemonConfig, metricsCfg *config.MetricsConfig, logger *log.Logger) (*Service, error) {
	db, err := cmdCommon.NewStorage(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	s := &Service{db: db, logger: logger}
	if metricsCfg != nil {
		if s.metrics, err = metrics.NewPullService(metricsCfg.PullEndpoint, logger); err != nil {
			db.Close()
			return nil, err
		}
	}

	alerts := newAlertSink(cfg.Alerts, logger)
	checkpoints := checkpoint.NewStore(db, logger)
	deps := &chainDeps{
		cfg:       cfg,
		alerts:    alerts,
		logger:    logger,
		clients:   make(map[common.ChainID]*chain.Client),
		subgraphs: make(map[common.ChainID]*subgraph.Client),
	}

	fail := func(err error) (*Service, error) {
		db.Close()
		return nil, err
	}

	if chains := cfg.ChainsFor(common.TaskKeyRemoval); len(chains) > 0 {
		var removalChains []*removal.Chain
		for _, c := range chains {
			client, err := deps.client(ctx, c)
			if err != nil {
				return fail(err)
			}
			id := common.ChainID(c.ChainID)
			removalChains = append(removalChains, &removal.Chain{
				ID:            id,
				Confirmations: c.Confirmations,
				StartBlock:    c.StartBlock,
				KeyRetrieval:  cfg.TaskEnabled(common.TaskKeyRetrieval, id),
				Client:        client,
				Tokens:        deps.subgraph(c),
			})
		}
		m := removal.NewManager(removalChains, db, checkpoints, alerts, cfg.AlertAfterFailures(), logger)
		a, err := scheduled.NewAnalyzer(cfg.Schedule(common.TaskKeyRemoval), true, m, logger)
		if err != nil {
			return fail(err)
		}
		s.Analyzers = append(s.Analyzers, a)
	}

	if chains := cfg.ChainsFor(common.TaskKeyRetrieval); len(chains) > 0 {
		var syncChains []*keysync.Chain
		for _, c := range chains {
			client, err := deps.client(ctx, c)
			if err != nil {
				return fail(err)
			}
			v, err := deps.verifier(c, client)
			if err != nil {
				return fail(err)
			}
			syncChains = append(syncChains, &keysync.Chain{
				ID:            common.ChainID(c.ChainID),
				Confirmations: c.Confirmations,
				StartBlock:    c.StartBlock,
				Head:          client,
				Keys:          deps.subgraph(c),
				Verifier:      v,
			})
		}
		m := keysync.NewManager(syncChains, db, checkpoints, alerts, cfg.AlertAfterFailures(), logger)
		a, err := scheduled.NewAnalyzer(cfg.Schedule(common.TaskKeyRetrieval), true, m, logger)
		if err != nil {
			return fail(err)
		}
		s.Analyzers = append(s.Analyzers, a)
	}

	if len(s.Analyzers) == 0 {
		return fail(fmt.Errorf("no tasks enabled"))
	}
	return s, nil
}

// startAll starts the analyzers and the metrics server. The returned channel
// closes once every analyzer has returned.
func (s *Service) startAll(ctx context.Context) <-chan struct{} {
	if s.metrics != nil {
		go func() {
			if err := s.metrics.Run(ctx); err != nil {
				s.logger.Error("metrics service failed", "err", err)
			}
		}()
	}

	var wg sync.WaitGroup
	for _, an := range s.Analyzers {
		wg.Add(1)
		go func(an analyzer.Analyzer) {
			defer wg.Done()
			an.Start(ctx)
			s.logger.Info("analyzer stopped", "analyzer", an.Name())
		}(an)
	}
	return util.ClosingChannel(&wg)
}

// Start starts the daemon and blocks until interrupted.
func (s *Service) Start() {
	defer s.cleanup()
	s.logger.Info("starting daemon")

	ctx, cancelAnalyzers := context.WithCancel(context.Background())
	defer cancelAnalyzers()

	analyzersDone := s.startAll(ctx)

	// Trap Ctrl+C and SIGTERM; the latter is issued by Kubernetes to request a shutdown.
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalChan)

	select {
	case <-analyzersDone:
		s.logger.Info("all analyzers have completed")
	case <-signalChan:
		s.logger.Info("received interrupt, shutting down")
		cancelAnalyzers()
		// Let the default handler handle ctrl+C so people can kill the process in a hurry.
		signal.Stop(signalChan)
		<-analyzersDone
		s.logger.Info("all analyzers have exited cleanly")
	}
}

func (s *Service) cleanup() {
	s.db.Close()
	s.logger.Info("storage closed cleanly")
}

// Register registers the run sub-command.
func Register(parentCmd *cobra.Command) {
	runCmd.Flags().StringVar(&configFile, "config", "./config/local.yml", "path to the config.yml file")
	parentCmd.AddCommand(runCmd)
}
