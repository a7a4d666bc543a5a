// Command kraken-scheduler runs the cluster's single coordination point:
// node admission, router publication, and model/table registration
// (spec.md §4.6).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kraken-ps/kraken/internal/klog"
	"github.com/kraken-ps/kraken/kraken"
	"github.com/kraken-ps/kraken/scheduler"
)

func main() {
	fs := flag.NewFlagSet("kraken-scheduler", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:7000", "address to listen on")
	bootstrap := fs.String("bootstrap", "", "optional YAML file listing expected node addresses, used only to size join-retry logging")
	debug := fs.Bool("debug", false, "enable verbose per-request logging")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	logger := klog.Default(*debug)

	if *bootstrap != "" {
		spec, err := scheduler.LoadBootstrapFile(*bootstrap)
		if err != nil {
			fmt.Fprintf(os.Stderr, "kraken-scheduler: %v\n", err)
			os.Exit(1)
		}
		logger.Printf("kraken-scheduler: bootstrap expects %d node(s), retry backoff %s", len(spec.ExpectedNodes), spec.RetryBackoff())
	}

	sched, err := kraken.StartScheduler(*addr, logger.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kraken-scheduler: %v\n", err)
		os.Exit(1)
	}
	logger.Printf("kraken-scheduler: listening on %s", sched.Addr())

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	sched.Close()
}
