// Command kraken-worker-example is a minimal client demonstrating the
// worker library: it optionally stands up a model from a YAML ClusterSpec,
// then runs a toy training loop pushing and pulling constant all-ones gradients
// through whichever nodes the router currently names as owners (spec.md
// §4.5, §9).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kraken-ps/kraken/internal/klog"
	"github.com/kraken-ps/kraken/kraken"
	"github.com/kraken-ps/kraken/tensor"
)

func main() {
	fs := flag.NewFlagSet("kraken-worker-example", flag.ExitOnError)
	schedAddr := fs.String("scheduler", "", "scheduler address (required)")
	configPath := fs.String("config", "", "YAML ClusterSpec describing the model and tables to register (required)")
	apply := fs.Bool("apply", true, "register the model and tables described by -config before training")
	steps := fs.Int("steps", 100, "number of toy push/pull steps to run before exiting (0 = run until interrupted)")
	lr := fs.Float64("lr", 0.1, "learning rate used for every push")
	debug := fs.Bool("debug", false, "enable verbose per-request logging")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}
	if *schedAddr == "" || *configPath == "" {
		fmt.Fprintln(os.Stderr, "kraken-worker-example: -scheduler and -config are required")
		os.Exit(1)
	}

	logger := klog.Default(*debug)
	ctx := context.Background()

	spec, err := kraken.LoadClusterSpec(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kraken-worker-example: %v\n", err)
		os.Exit(1)
	}
	spec.Scheduler = *schedAddr

	ids := map[string]uint64{}
	if *apply {
		ids, err = spec.Apply(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "kraken-worker-example: %v\n", err)
			os.Exit(1)
		}
		logger.Printf("kraken-worker-example: registered %d table(s): %v", len(ids), ids)
	}

	w, err := kraken.NewWorker(ctx, *schedAddr, logger.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kraken-worker-example: %v\n", err)
		os.Exit(1)
	}
	defer w.Close()

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)

	for i := 0; *steps == 0 || i < *steps; i++ {
		select {
		case <-interrupted:
			logger.Printf("kraken-worker-example: interrupted after %d step(s)", i)
			return
		default:
		}
		for _, t := range spec.Tables {
			if err := trainStep(ctx, w, t, ids[t.Name], *lr); err != nil {
				logger.Printf("kraken-worker-example: step %d table %q: %v", i, t.Name, err)
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	logger.Printf("kraken-worker-example: completed %d step(s)", *steps)
}

// trainStep pushes a constant gradient into t and pulls it back, the
// minimal round trip exercising the worker's routed push/pull path; a real
// caller would push gradients produced by an actual model instead.
func trainStep(ctx context.Context, w *kraken.Worker, t kraken.TableSpec, tableID uint64, lr float64) error {
	if t.Dense {
		_, val, err := t.DenseSpec()
		if err != nil {
			return err
		}
		grad := val.Fill(1)
		if err := w.PushDense(ctx, tableID, grad, lr); err != nil {
			return err
		}
		_, err = w.PullDense(ctx, tableID)
		return err
	}
	_, dimension, elem, _, err := t.SparseSpec()
	if err != nil {
		return err
	}
	ids := []uint64{0, 1, 2}
	grad := tensor.NewDense(tensor.Shape{dimension}, elem).Fill(1)
	grads := make([]*tensor.Dense, len(ids))
	for i := range grads {
		grads[i] = grad
	}
	if err := w.PushSparse(ctx, tableID, ids, grads, lr); err != nil {
		return err
	}
	_, err = w.PullSparse(ctx, tableID, ids)
	return err
}
