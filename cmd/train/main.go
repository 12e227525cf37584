// linnet-train: single-process trainer for dense networks
//
// Usage:
//
//	linnet-train --config=train.yaml --epochs=20 --lr=0.05 --output=weights.json
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"linnet/data"
	"linnet/model"
	"linnet/train"
	"linnet/utils"
)

var (
	configFile = flag.String("config", "", "YAML training configuration")
	arch       = flag.String("arch", "", "Layer widths, input first, e.g. 4,8,2")
	epochs     = flag.Int("epochs", 0, "Number of training epochs")
	batchSize  = flag.Int("batch", 0, "Mini-batch size")
	lr         = flag.Float64("lr", 0, "Learning rate")
	optimizer  = flag.String("optimizer", "", "Optimizer: sgd, adam")
	dropout    = flag.Float64("dropout", 0, "Dropout probability in [0, 1)")
	l1         = flag.Float64("l1", 0, "L1 regularization coefficient")
	l2         = flag.Float64("l2", 0, "L2 regularization coefficient")
	seed       = flag.Uint64("seed", 0, "Random seed, 0 for a random one")
	dataFile   = flag.String("data", "", "CSV data file, synthetic data if empty")
	classes    = flag.Int("classes", 0, "Number of classes when the first CSV column is a label")
	samples    = flag.Int("samples", 200, "Number of synthetic samples")
	outputFile = flag.String("output", "", "Output weights file (JSON)")
	verbose    = flag.Bool("verbose", true, "Print configuration and timing statistics")
	progress   = flag.Bool("progress", true, "Show a progress bar")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()
	utils.Verbose = *verbose

	cfg, err := loadConfig()
	if err != nil {
		klog.Exitf("Configuration: %v", err)
	}

	if *verbose {
		fmt.Println("╔══════════════════════════════════════════════════════════════╗")
		fmt.Println("║                       linnet Trainer                         ║")
		fmt.Println("╚══════════════════════════════════════════════════════════════╝")
		printConfig(cfg)
	}

	stats := &utils.TimingStats{}
	totalStart := time.Now()

	loadStart := time.Now()
	lines, err := loadData(cfg)
	if err != nil {
		klog.Exitf("Loading data: %v", err)
	}
	inputs, expected, err := lines.Tensors()
	if err != nil {
		klog.Exitf("Loading data: %v", err)
	}
	stats.DataLoadingTime = time.Since(loadStart)
	klog.V(1).Infof("Loaded %d examples", len(lines))

	bar := newProgress(cfg.Epochs*batchesPerEpoch(len(lines), cfg.BatchSize), *progress)
	initStart := time.Now()
	trainer, err := model.Trainer(cfg,
		train.WithStats(stats),
		train.OnBatch(func(r train.BatchResult) error {
			bar.add(1, r.Cost)
			return nil
		}),
		train.OnEpoch(func(r train.EpochResult) error {
			klog.V(1).Infof("Epoch %d: cost %.6f (%s)", r.Epoch, r.Cost, r.Duration)
			return nil
		}),
	)
	if err != nil {
		klog.Exitf("Building model: %v", err)
	}
	stats.ModelInitTime = time.Since(initStart)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	costs, trainErr := trainer.Train(ctx, inputs, expected, cfg.BatchSize, cfg.Epochs)
	bar.finish()
	if trainErr != nil {
		klog.Errorf("Training stopped after %d epochs: %v", len(costs), trainErr)
	}
	stats.TotalTime = time.Since(totalStart)

	if len(costs) > 0 {
		fmt.Printf("\nFinal cost after %d epochs: %.6f\n", len(costs), costs[len(costs)-1])
	}
	utils.PrintTimingStats(stats)

	if cfg.WeightsOut != "" {
		weights, err := utils.ExportWeights(trainer.Graph())
		if err != nil {
			klog.Exitf("Exporting weights: %v", err)
		}
		if err := utils.SaveWeights(cfg.WeightsOut, weights); err != nil {
			klog.Exitf("Saving weights: %v", err)
		}
		fmt.Printf("Weights saved to %s\n", cfg.WeightsOut)
	}
	if trainErr != nil {
		klog.Flush()
		os.Exit(1)
	}
}

// loadConfig reads the configuration file if one is given and applies the
// flags that were set explicitly on top of it.
func loadConfig() (*utils.Config, error) {
	cfg := utils.DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = utils.LoadConfig(*configFile); err != nil {
			return nil, err
		}
	}

	var err error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "arch":
			a, perr := utils.ParseArchitecture(*arch)
			if perr != nil {
				err = perr
				return
			}
			cfg.Architecture = a
		case "epochs":
			cfg.Epochs = *epochs
		case "batch":
			cfg.BatchSize = *batchSize
		case "lr":
			cfg.Optimizer.Alpha = *lr
		case "optimizer":
			cfg.Optimizer.Name = *optimizer
		case "dropout":
			cfg.Dropout = *dropout
		case "l1":
			cfg.Regularization.L1 = *l1
		case "l2":
			cfg.Regularization.L2 = *l2
		case "seed":
			cfg.Seed = *seed
		case "data":
			cfg.DataPath = *dataFile
		case "classes":
			cfg.Classes = *classes
		case "output":
			cfg.WeightsOut = *outputFile
		}
	})
	if err != nil {
		return nil, err
	}
	if len(cfg.Architecture) == 0 {
		cfg.Architecture = []int{4, 8, 2}
	}
	return cfg, utils.ValidateConfig(cfg)
}

func printConfig(cfg *utils.Config) {
	fmt.Printf("\nConfiguration:\n")
	fmt.Printf("  Architecture:  %v\n", cfg.Architecture)
	fmt.Printf("  Activations:   %s / %s\n", cfg.Activation, cfg.OutputActivation)
	fmt.Printf("  Epochs:        %d\n", cfg.Epochs)
	fmt.Printf("  Batch size:    %d\n", cfg.BatchSize)
	fmt.Printf("  Optimizer:     %s (alpha %.4f)\n", cfg.Optimizer.Name, cfg.Optimizer.Alpha)
	fmt.Printf("  Cost:          %s\n", cfg.Cost)
	fmt.Printf("  Dropout:       %.2f\n", cfg.Dropout)
	fmt.Printf("  L1 / L2:       %g / %g\n", cfg.Regularization.L1, cfg.Regularization.L2)
	if cfg.DataPath != "" {
		fmt.Printf("  Data:          %s\n", cfg.DataPath)
	} else {
		fmt.Printf("  Samples:       %d (synthetic)\n", *samples)
	}
	fmt.Println()
}

func loadData(cfg *utils.Config) (data.Lines, error) {
	in, out := cfg.Architecture[0], cfg.Architecture[len(cfg.Architecture)-1]
	var lines data.Lines
	if cfg.DataPath == "" {
		s := cfg.Seed
		if s == 0 {
			s = rand.Uint64()
		}
		lines = data.Synthetic(rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15)), in, out, *samples)
	} else {
		var err error
		if lines, err = data.Load(cfg.DataPath, in, out, cfg.Classes); err != nil {
			return nil, err
		}
	}
	if cfg.Normalize {
		lines = data.NormalizeLines(lines, data.CalculateStdDev(lines), data.CalculateMean(lines))
	}
	return lines, nil
}

func batchesPerEpoch(n, batch int) int {
	if batch <= 0 {
		return 0
	}
	return (n + batch - 1) / batch
}

type progressUpdate struct {
	amount int
	cost   float64
}

// progressBar draws asynchronously so a slow terminal never holds up
// training. Updates that do not fit in the buffer are dropped.
type progressBar struct {
	bar     *progressbar.ProgressBar
	updates chan progressUpdate
	done    sync.WaitGroup
}

func newProgress(steps int, enabled bool) *progressBar {
	p := &progressBar{}
	if !enabled || steps <= 0 {
		return p
	}
	p.bar = progressbar.NewOptions(steps,
		progressbar.OptionSetDescription("Training"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
	p.updates = make(chan progressUpdate, 100)
	p.done.Add(1)
	go func() {
		defer p.done.Done()
		for u := range p.updates {
			amount := u.amount
		exhaust:
			for {
				select {
				case next, ok := <-p.updates:
					if !ok {
						break exhaust
					}
					amount += next.amount
					u = next
				default:
					break exhaust
				}
			}
			p.bar.Describe(fmt.Sprintf("Training (cost %.4f)", u.cost))
			_ = p.bar.Add(amount)
		}
	}()
	return p
}

func (p *progressBar) add(n int, cost float64) {
	if p.updates == nil {
		return
	}
	select {
	case p.updates <- progressUpdate{amount: n, cost: cost}:
	default:
	}
}

func (p *progressBar) finish() {
	if p.updates == nil {
		return
	}
	close(p.updates)
	p.done.Wait()
	_ = p.bar.Finish()
	fmt.Fprintln(os.Stderr)
}
