// Command subscriber runs a SubscriberNode: it resolves the publishers
// (or brokers) that carry its configured topics, connects to each, and
// enforces a minimum history requirement on every frame received.
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
	"github.com/muradazp/warren-jocko-pubsub/subscriber"
)

var (
	cli = &cobra.Command{
		Use:   "subscriber",
		Short: "Run a subscriber node",
		Run:   run,
	}

	cfg    = config.SubscriberConfig{Base: config.DefaultBase()}
	topics []string
)

func init() {
	cli.Flags().StringVar(&cfg.Name, "name", "sub-1", "Name advertised for this node")
	cli.Flags().StringVar(&cfg.Addr, "addr", cfg.Addr, "Address to advertise and bind on")
	cli.Flags().IntVar(&cfg.Port, "port", 9400, "Port to advertise and bind on")
	cli.Flags().StringVar(&cfg.CoordAddr, "coord-addr", cfg.CoordAddr, "Coordination service control address")
	cli.Flags().StringVar(&cfg.ConfigPath, "config", "", "Dissemination config YAML (dissemination.strategy: direct|broker); direct if omitted")
	cli.Flags().StringSliceVar(&topics, "topics", []string{"temperature"}, "Topics this subscriber is interested in")
	cli.Flags().IntVar(&cfg.History, "min-history", 3, "Minimum history window a publisher must offer before we stay subscribed")
	cli.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	cli.Flags().BoolVar(&cfg.LogJSON, "log-json", false, "Emit logs as JSON instead of console format")
}

func run(cmd *cobra.Command, args []string) {
	cfg.Topics = topics
	logger := log.New(log.Config{Level: log.ParseLevel(cfg.LogLevel), JSONOutput: cfg.LogJSON, Component: "subscriber"}).
		With(log.String("name", cfg.Name), log.Strings("topics", cfg.Topics))

	if _, err := config.LoadFile(cfg.ConfigPath); err != nil {
		fmt.Fprintf(os.Stderr, "error loading dissemination config: %v\n", err)
		os.Exit(1)
	}

	tracer, closer, err := tracing.New("subscriber")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error starting tracer: %v\n", err)
		os.Exit(1)
	}
	opentracing.SetGlobalTracer(tracer)
	defer closer.Close()

	node, err := subscriber.NewNode(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating subscriber node: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- node.Run(ctx) }()

	logger.Info("subscriber node running", log.String("addr", cfg.AdvertiseAddr()))

	go func() {
		if err := <-runErr; err != nil {
			logger.Error("subscriber node stopped", log.Error("error", err))
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
