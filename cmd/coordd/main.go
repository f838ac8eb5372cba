// Command coordd runs one replica of the coordination service: a
// raft-replicated hierarchical ephemeral-node tree that every other role
// dials to register, watch, and tear down on disconnect.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/spf13/cobra"
	gracefully "github.com/tj/go-gracefully"

	"github.com/muradazp/warren-jocko-pubsub/coord"
	"github.com/muradazp/warren-jocko-pubsub/internal/log"
	"github.com/muradazp/warren-jocko-pubsub/internal/tracing"
)

var (
	cli = &cobra.Command{
		Use:   "coordd",
		Short: "Run a coordination service replica",
		Run:   run,
	}

	cfg = coord.Config{}

	logLevel  string
	logJSON   bool
	joinAddrs []string
)

func init() {
	cli.Flags().StringVar(&cfg.NodeID, "node-id", "node1", "Unique ID for this coordination replica")
	cli.Flags().StringVar(&cfg.RaftAddr, "raft-addr", "127.0.0.1:9201", "Address for raft to bind and advertise on")
	cli.Flags().StringVar(&cfg.ControlAddr, "control-addr", "127.0.0.1:2289", "Address clients dial to reach the coordination tree")
	cli.Flags().StringVar(&cfg.DataDir, "data-dir", "/tmp/coordd", "Directory to store raft log and snapshots under")
	cli.Flags().BoolVar(&cfg.Bootstrap, "bootstrap", false, "Bootstrap a new single-node raft cluster")
	cli.Flags().StringVar(&cfg.GossipAddr, "gossip-addr", "", "Address for serf gossip to bind on (empty disables multi-replica discovery)")
	cli.Flags().StringSliceVar(&joinAddrs, "join", nil, "Gossip address of an existing replica to join at start time")
	cli.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	cli.Flags().BoolVar(&logJSON, "log-json", false, "Emit logs as JSON instead of console format")
}

func run(cmd *cobra.Command, args []string) {
	cfg.JoinAddrs = joinAddrs
	logger := log.New(log.Config{Level: log.ParseLevel(logLevel), JSONOutput: logJSON, Component: "coordd"}).
		With(log.String("node_id", cfg.NodeID), log.String("raft_addr", cfg.RaftAddr))

	tracer, closer, err := tracing.New("coordd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error starting tracer: %v\n", err)
		os.Exit(1)
	}
	opentracing.SetGlobalTracer(tracer)
	defer closer.Close()

	srv, err := coord.NewServer(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error starting coordination server: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenControl(ctx) }()

	logger.Info("coordd listening", log.String("control_addr", cfg.ControlAddr))

	go func() {
		if err := <-serveErr; err != nil {
			logger.Error("control listener failed", log.Error("error", err))
			cancel()
		}
	}()

	gracefully.Timeout = 10 * time.Second
	gracefully.Shutdown()

	cancel()
	if err := srv.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "error shutting down coordination server: %v\n", err)
		os.Exit(1)
	}
}

func main() {
	cli.Execute()
}
