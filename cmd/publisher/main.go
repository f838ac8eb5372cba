// Command publisher runs a PublisherNode: it registers its topic list
// with discovery, evaluates per-topic ownership strength against any
// pre-existing publisher, and disseminates synthetic readings for every
// topic it owns uncontested.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/spf13/cobra"
	gracefully "github.com/tj/go-gracefully"

	"github.com/muradazp/warren-jocko-pubsub/internal/config"
	"github.com/muradazp/warren-jocko-pubsub/internal/log"
	"github.com/muradazp/warren-jocko-pubsub/internal/tracing"
	"github.com/muradazp/warren-jocko-pubsub/publisher"
)

var (
	cli = &cobra.Command{
		Use:   "publisher",
		Short: "Run a publisher node",
		Run:   run,
	}

	cfg    = config.PublisherConfig{Base: config.DefaultBase()}
	topics []string
)

func init() {
	cli.Flags().StringVar(&cfg.Name, "name", "pub-1", "Name advertised for this node")
	cli.Flags().StringVar(&cfg.Addr, "addr", cfg.Addr, "Address to advertise and bind on")
	cli.Flags().IntVar(&cfg.Port, "port", 9300, "Port to advertise and bind on")
	cli.Flags().StringVar(&cfg.CoordAddr, "coord-addr", cfg.CoordAddr, "Coordination service control address")
	cli.Flags().StringVar(&cfg.ConfigPath, "config", "", "Dissemination config YAML (dissemination.strategy: direct|broker); direct if omitted")
	cli.Flags().StringSliceVar(&topics, "topics", []string{"temperature"}, "Topics this publisher carries")
	cli.Flags().IntVar(&cfg.History, "history", 5, "Per-topic sliding history window size")
	cli.Flags().IntVar(&cfg.Iters, "iters", 1000, "Number of dissemination rounds to run before idling until stopped")
	cli.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	cli.Flags().BoolVar(&cfg.LogJSON, "log-json", false, "Emit logs as JSON instead of console format")
}

func run(cmd *cobra.Command, args []string) {
	cfg.Topics = topics
	logger := log.New(log.Config{Level: log.ParseLevel(cfg.LogLevel), JSONOutput: cfg.LogJSON, Component: "publisher"}).
		With(log.String("name", cfg.Name), log.Strings("topics", cfg.Topics))

	if _, err := config.LoadFile(cfg.ConfigPath); err != nil {
		fmt.Fprintf(os.Stderr, "error loading dissemination config: %v\n", err)
		os.Exit(1)
	}

	tracer, closer, err := tracing.New("publisher")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error starting tracer: %v\n", err)
		os.Exit(1)
	}
	opentracing.SetGlobalTracer(tracer)
	defer closer.Close()

	node, err := publisher.NewNode(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating publisher node: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- node.Run(ctx) }()

	logger.Info("publisher node running", log.String("addr", cfg.AdvertiseAddr()))

	go func() {
		if err := <-runErr; err != nil {
			logger.Error("publisher node stopped", log.Error("error", err))
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
