// Command discovery runs a DiscoveryNode: the role-election winner that
// answers Register/Deregister/LookupAllPubs/LookupPubByTopic for every
// publisher, subscriber and broker, and that every replica's peers watch
// via /discovery/leader to know who currently holds it.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/spf13/cobra"
	gracefully "github.com/tj/go-gracefully"

	"github.com/muradazp/warren-jocko-pubsub/discovery"
	"github.com/muradazp/warren-jocko-pubsub/internal/config"
	"github.com/muradazp/warren-jocko-pubsub/internal/log"
	"github.com/muradazp/warren-jocko-pubsub/internal/tracing"
)

var (
	cli = &cobra.Command{
		Use:   "discovery",
		Short: "Run a discovery node",
		Run:   run,
	}

	cfg = config.DiscoveryConfig{Base: config.DefaultBase()}
)

func init() {
	cli.Flags().StringVar(&cfg.Name, "name", "discovery-1", "Name advertised for this node")
	cli.Flags().StringVar(&cfg.Addr, "addr", cfg.Addr, "Address to advertise and bind on")
	cli.Flags().IntVar(&cfg.Port, "port", 9100, "Port to advertise and bind on")
	cli.Flags().StringVar(&cfg.CoordAddr, "coord-addr", cfg.CoordAddr, "Coordination service control address")
	cli.Flags().StringVar(&cfg.ConfigPath, "config", "", "Dissemination config YAML (dissemination.strategy: direct|broker); direct if omitted")
	cli.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	cli.Flags().BoolVar(&cfg.LogJSON, "log-json", false, "Emit logs as JSON instead of console format")
}

func run(cmd *cobra.Command, args []string) {
	logger := log.New(log.Config{Level: log.ParseLevel(cfg.LogLevel), JSONOutput: cfg.LogJSON, Component: "discovery"}).
		With(log.String("name", cfg.Name))

	file, err := config.LoadFile(cfg.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading dissemination config: %v\n", err)
		os.Exit(1)
	}
	cfg.BrokerMode = file.Dissemination.Strategy == config.StrategyBroker
	logger.Info("dissemination strategy resolved", log.String("strategy", string(file.Dissemination.Strategy)))

	tracer, closer, err := tracing.New("discovery")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error starting tracer: %v\n", err)
		os.Exit(1)
	}
	opentracing.SetGlobalTracer(tracer)
	defer closer.Close()

	node, err := discovery.NewNode(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating discovery node: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- node.Run(ctx) }()

	logger.Info("discovery node running", log.String("addr", cfg.AdvertiseAddr()))

	go func() {
		if err := <-runErr; err != nil {
			logger.Error("discovery node stopped", log.Error("error", err))
			cancel()
		}
	}()

	gracefully.Timeout = 10 * time.Second
	gracefully.Shutdown()
	cancel()
}

func main() {
	cli.Execute()
}
