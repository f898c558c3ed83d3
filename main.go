package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/spf13/viper"

	"github.com/KevinDyerAU/NytroAI-sub008/dispatch"
	"github.com/KevinDyerAU/NytroAI-sub008/orchestrator"
	"github.com/KevinDyerAU/NytroAI-sub008/publisher"
	"github.com/KevinDyerAU/NytroAI-sub008/repository"
	"github.com/KevinDyerAU/NytroAI-sub008/retry"
	"github.com/KevinDyerAU/NytroAI-sub008/server"
	"github.com/KevinDyerAU/NytroAI-sub008/sweep"
)

var (
	configPath    string
	httpPort      string
	postgresHost  string
	workflowURL   string
	sweepInterval time.Duration
	stuckTimeout  time.Duration
	dispatchGrace time.Duration
)

func init() {
	flag.StringVar(&configPath, "config", "", "Optional config file path")
	flag.StringVar(&httpPort, "http-port", "5000", "HTTP web server port")
	flag.StringVar(&postgresHost, "postgres-host", "validation-postgres:5432", "DB host address")
	flag.StringVar(&workflowURL, "workflow-url", "http://validation-workflow:8080/dispatch", "Validation workflow dispatch URL")
	flag.DurationVar(&sweepInterval, "sweep-interval", 30*time.Second, "Reconciliation sweep interval")
	flag.DurationVar(&stuckTimeout, "stuck-timeout", 5*time.Minute, "Timeout for sessions stuck in dispatched/validating")
	flag.DurationVar(&dispatchGrace, "dispatch-grace", time.Minute, "Age before an unattempted dispatch is redelivered")
}

func main() {
	// Load Config
	flag.Parse()

	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			log.Fatalf("Reading config: %v", err)
		}
		visited := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { visited[f.Name] = true })
		// File values apply where no flag was given explicitly.
		if viper.IsSet("http_port") && !visited["http-port"] {
			httpPort = viper.GetString("http_port")
		}
		if viper.IsSet("postgres_host") && !visited["postgres-host"] {
			postgresHost = viper.GetString("postgres_host")
		}
		if viper.IsSet("workflow_url") && !visited["workflow-url"] {
			workflowURL = viper.GetString("workflow_url")
		}
		if viper.IsSet("sweep_interval") && !visited["sweep-interval"] {
			sweepInterval = viper.GetDuration("sweep_interval")
		}
		if viper.IsSet("stuck_timeout") && !visited["stuck-timeout"] {
			stuckTimeout = viper.GetDuration("stuck_timeout")
		}
		if viper.IsSet("dispatch_grace") && !visited["dispatch-grace"] {
			dispatchGrace = viper.GetDuration("dispatch_grace")
		}
	}

	logger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout))

	// Connect Postgresql DB
	dsn := fmt.Sprintf("postgresql://postgres:postgrespassword@%s/postgres", postgresHost)
	repo := repository.NewRepository()
	log.Printf("Connecting to: %s\n", dsn)
	if err := repo.ConnectDB(dsn); err != nil {
		log.Fatalf("Connecting to database: %v", err)
	}
	if err := repo.Migrate(); err != nil {
		log.Fatalf("Migrating database: %v", err)
	}

	broker := publisher.NewBroker()
	dispatcher := dispatch.NewDispatcher(repo, broker, workflowURL, retry.DefaultPolicy, logger)
	orch := orchestrator.NewOrchestrator(repo, dispatcher, broker, logger)

	sweeper := sweep.NewSweeper(sweep.Config{
		Interval:      sweepInterval,
		StuckTimeout:  stuckTimeout,
		DispatchGrace: dispatchGrace,
	}, repo, dispatcher, broker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweeper.Run(ctx)

	ws := server.NewWebServer(httpPort, orch, logger)
	ws.Start()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := ws.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutting down web server: %v", err)
	}
}
