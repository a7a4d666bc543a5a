// Command kraken-node runs one parameter-server shard: join, serve
// dense/sparse table RPCs, proxy reads during a predecessor's transfer, and
// (if -save-dir is set) answer save/load triggers from the scheduler
// (spec.md §4.2, §4.7).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kraken-ps/kraken/internal/klog"
	"github.com/kraken-ps/kraken/kraken"
)

func main() {
	fs := flag.NewFlagSet("kraken-node", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:0", "address to listen on")
	schedAddr := fs.String("scheduler", "", "scheduler address to join (required)")
	saveDir := fs.String("save-dir", "", "shared checkpoint directory; empty disables save/load for this node")
	maxSaveCount := fs.Int("max-save-count", 5, "maximum timestamped snapshots retained per shard")
	debug := fs.Bool("debug", false, "enable verbose per-request logging")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}
	if *schedAddr == "" {
		fmt.Fprintln(os.Stderr, "kraken-node: -scheduler is required")
		os.Exit(1)
	}

	logger := klog.Default(*debug)
	ctx := context.Background()

	node, err := kraken.StartNode(ctx, *addr, *schedAddr, *saveDir, *maxSaveCount, logger.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kraken-node: %v\n", err)
		os.Exit(1)
	}
	logger.Printf("kraken-node: node %d listening on %s, joined %s", node.ID(), node.Addr(), *schedAddr)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	node.Close()
}
