// offlineq-train runs an offline Q-learning training job: it fits the feature
// normalization, trains the configured network over the recorded timeline with one
// or more data-parallel workers, writes the model artifact and, when an evaluation
// timeline is configured, reports the frozen policy's value estimates.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"

	"github.com/janpfeifer/must"
	"github.com/offlineq/offlineq/internal/config"
	"github.com/offlineq/offlineq/internal/evaluator"
	"github.com/offlineq/offlineq/internal/modelio"
	"github.com/offlineq/offlineq/internal/normalize"
	"github.com/offlineq/offlineq/internal/parameters"
	"github.com/offlineq/offlineq/internal/timeline"
	"github.com/offlineq/offlineq/internal/trainer"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Flags
var (
	flagConfig = flag.String("config", "", "Path to the JSON job configuration. Required.")
	flagSet    = flag.String("set", "", "Comma-separated key=value hyperparameter overrides, "+
		"e.g. -set epochs=10,learning_rate=0.0005.")
	flagWorkers = flag.Int("workers", 0, "Override the number of data-parallel workers. "+
		"A value of <= 0 derives the worker count from the configured topology.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	// Capture Control+C: the stop signal is honored between training steps.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	must.M(run(ctx))
}

// workerCount derives the data-parallel group size from the configured topology.
// Workers are simulated device-bound processes on the host.
func workerCount(cfg *config.Config) int {
	if *flagWorkers > 0 {
		return *flagWorkers
	}
	devicesPerNode := 1
	if cfg.UseGPU && cfg.UseAllAvailGPUs {
		devicesPerNode = runtime.NumCPU()
	}
	return cfg.NumNodes * devicesPerNode
}

func run(ctx context.Context) error {
	if *flagConfig == "" {
		return errors.New("-config is required")
	}
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		return err
	}
	if err = cfg.ApplyOverrides(parameters.NewFromConfigString(*flagSet)); err != nil {
		return err
	}
	if cfg.TrainingDataPath == "" {
		return errors.Wrap(config.ErrInvalidConfig, "training_data_path is required")
	}

	ds, err := timeline.Open(cfg.TrainingDataPath, cfg.Actions)
	if err != nil {
		return err
	}

	// Fit normalization once, before training: every worker and the evaluator use
	// the identical transform.
	normSource := ds
	if cfg.StateNormDataPath != "" {
		if normSource, err = timeline.Open(cfg.StateNormDataPath, cfg.Actions); err != nil {
			return err
		}
	}
	norm, err := normalize.Fit(normSource.SampleStates(cfg.NormParams.NumSamples), cfg.NormParams.ColsToNorm)
	if err != nil {
		return err
	}

	workers := workerCount(cfg)
	fmt.Printf("Training %d epochs over %d transitions with %d worker(s)\n", cfg.Epochs, ds.Len(), workers)
	bar := progressbar.Default(int64(cfg.Epochs), "epochs")
	result, err := trainer.RunJob(ctx, cfg, ds, norm, workers, func(epoch int) {
		_ = bar.Add(1)
	})
	if err != nil {
		return err
	}
	_ = bar.Finish()
	for rank, rep := range result.Reports {
		klog.Infof("Worker %d: %d steps, %d skipped, final loss %g, mean loss %g",
			rank, rep.Steps, rep.Skipped, rep.FinalLoss, rep.MeanLoss)
	}

	if err = modelio.Save(cfg.ModelOutputPath, modelio.FromTraining(result.Network, norm, cfg.Actions)); err != nil {
		return err
	}

	if cfg.EvalDataPath != "" {
		evalDS, err := timeline.Open(cfg.EvalDataPath, cfg.Actions)
		if err != nil {
			return err
		}
		rep, err := evaluator.Evaluate(result.Network, norm, evalDS, cfg.RL.Gamma)
		if err != nil {
			return err
		}
		fmt.Printf("Evaluation over %d transitions: meanQ=%g tdResidual=%g greedyMatch=%.3f\n",
			rep.Count, rep.MeanQ, rep.MeanTDResidual, rep.GreedyMatch)
	}
	return nil
}
