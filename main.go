package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ahmadzakiakmal/htlc-escrow/app"
	htlcconfig "github.com/ahmadzakiakmal/htlc-escrow/config"
	"github.com/ahmadzakiakmal/htlc-escrow/repository"
	"github.com/ahmadzakiakmal/htlc-escrow/server"
	"github.com/ahmadzakiakmal/htlc-escrow/srvreg"
	cfg "github.com/cometbft/cometbft/config"
	cmtflags "github.com/cometbft/cometbft/libs/cli/flags"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	"github.com/cometbft/cometbft/p2p"
	"github.com/cometbft/cometbft/privval"
	"github.com/cometbft/cometbft/proxy"
	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/viper"
)

var (
	homeDir     string
	httpPort    string
	postgresDSN string
)

func init() {
	flag.StringVar(&homeDir, "cmt-home", "./node-config/htlc-node", "Path to the CometBFT config directory")
	flag.StringVar(&httpPort, "http-port", "", "HTTP web server port (overrides htlc.toml)")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Read model DSN (overrides htlc.toml)")
}

func main() {
	// Load Config
	flag.Parse()

	if homeDir == "" {
		homeDir = os.ExpandEnv("$HOME/.cometbft")
	}
	config := cfg.DefaultConfig()
	config.SetRoot(homeDir)
	viper.SetConfigFile(fmt.Sprintf("%s/%s", homeDir, "config/config.toml"))
	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Reading config: %v", err)
	}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("Decoding config: %v", err)
	}
	if err := config.ValidateBasic(); err != nil {
		log.Fatalf("Invalid configuration data: %v", err)
	}

	nodeConfig, err := htlcconfig.Load(homeDir)
	if err != nil {
		log.Fatalf("Loading htlc config: %v", err)
	}
	if httpPort != "" {
		nodeConfig.HTTPPort = httpPort
	}
	if postgresDSN != "" {
		nodeConfig.PostgresDSN = postgresDSN
		nodeConfig.IndexerEnabled = true
	}

	logger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout))
	logger, err = cmtflags.ParseLogLevel(config.LogLevel, logger, cfg.DefaultLogLevel)
	if err != nil {
		log.Fatalf("failed to parse log level: %v", err)
	}

	// Connect the Postgres read model when configured
	repo := repository.NewRepository(logger)
	var indexer app.Indexer
	if nodeConfig.IndexerEnabled {
		if err := repo.ConnectDB(nodeConfig.PostgresDSN, nodeConfig.DBConnectRetries); err != nil {
			log.Fatalf("Connecting read model: %v", err)
		}
		if err := repo.Migrate(); err != nil {
			log.Fatalf("Migrating read model: %v", err)
		}
		indexer = repo
	}

	// Initialize Badger DB
	badgerPath := filepath.Join(homeDir, "badger")
	db, err := badger.Open(badger.DefaultOptions(badgerPath))
	if err != nil {
		log.Fatalf("Opening database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Fatalf("Closing database: %v", err)
		}
	}()

	// Create ABCI Application
	appConfig := &app.AppConfig{
		LogAllTxs: nodeConfig.LogAllTxs,
	}
	escrowApp, err := app.NewABCIApplication(db, appConfig, logger, indexer)
	if err != nil {
		log.Fatalf("Creating application: %v", err)
	}

	// Private Validator
	pv := privval.LoadFilePV(
		config.PrivValidatorKeyFile(),
		config.PrivValidatorStateFile(),
	)

	// P2P network identity
	nodeKey, err := p2p.LoadNodeKey(config.NodeKeyFile())
	if err != nil {
		log.Fatalf("failed to load node's key: %v", err)
	}

	// Initialize CometBFT node
	node, err := nm.NewNode(
		context.Background(),
		config,
		pv,
		nodeKey,
		proxy.NewLocalClientCreator(escrowApp),
		nm.DefaultGenesisDocProviderFunc(config),
		cfg.DefaultDBProvider,
		nm.DefaultMetricsProvider(config.Instrumentation),
		logger,
	)
	if err != nil {
		log.Fatalf("Creating node: %v", err)
	}

	// Instantiate rpc client from node
	repo.SetupRpcClient(cmtrpc.New(node))

	// Initialize Service Registry
	serviceRegistry := srvreg.NewServiceRegistry(repo, logger, nodeConfig.BroadcastTimeout)
	serviceRegistry.RegisterDefaultServices()

	// Start CometBFT node
	if err := node.Start(); err != nil {
		log.Fatalf("Starting node: %v", err)
	}
	defer func() {
		node.Stop()
		node.Wait()
	}()

	// Start Web Server
	webserver := server.NewWebServer(nodeConfig.HTTPPort, logger, node, serviceRegistry)
	if err := webserver.Start(); err != nil {
		log.Fatalf("Starting HTTP server: %v", err)
	}

	// Wait for interrupt signal to gracefully shut down the server
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	// Create deadline to wait for server shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := webserver.Shutdown(ctx); err != nil {
		logger.Error("Shutting down HTTP web server", "err", err)
	}
	logger.Info("HTTP web server gracefully stopped")
}
