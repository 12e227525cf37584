// linnet-infer: inference with saved weights
//
// Usage:
//
//	linnet-infer --weights=weights.json --input=test.csv --targets
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"

	"linnet/data"
	"linnet/model"
	"linnet/nn"
	"linnet/tensor"
	"linnet/utils"
)

var (
	weightsFile = flag.String("weights", "", "Weights JSON file")
	inputFile   = flag.String("input", "", "Input CSV file")
	targets     = flag.Bool("targets", false, "Input rows carry target values after the inputs")
	classes     = flag.Int("classes", 0, "Number of classes when the first CSV column is a label")
	costName    = flag.String("cost", "mse", "Cost reported when targets are present: mse, cross_entropy")
	topK        = flag.Int("topk", 3, "Top outputs to show per example")
	maxRows     = flag.Int("show", 5, "Number of examples to print")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                       linnet Inference                       ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")

	if *weightsFile == "" || *inputFile == "" {
		fmt.Fprintln(os.Stderr, "both --weights and --input are required")
		flag.Usage()
		os.Exit(2)
	}

	weights, err := utils.LoadWeights(*weightsFile)
	if err != nil {
		klog.Exitf("Loading weights: %v", err)
	}
	g, err := buildFromWeights(weights)
	if err != nil {
		klog.Exitf("Building model: %v", err)
	}
	fmt.Printf("Loaded %d layers, architecture %v\n", len(weights.Layers), weights.Architecture)

	in, out := weights.Architecture[0], weights.Architecture[len(weights.Architecture)-1]
	outputs := 0
	if *targets {
		outputs = out
	}
	lines, err := data.Load(*inputFile, in, outputs, *classes)
	if err != nil {
		klog.Exitf("Loading input: %v", err)
	}
	x, expected, err := lines.Tensors()
	if err != nil {
		klog.Exitf("Loading input: %v", err)
	}

	start := time.Now()
	y, err := g.Exec(x)
	if err != nil {
		klog.Exitf("Inference: %v", err)
	}
	fmt.Printf("Inference on %d examples: %.4fs\n", x.Examples(), time.Since(start).Seconds())

	showResults(y, *topK, *maxRows)
	if *targets || *classes > 0 {
		if err := report(y, expected, *costName); err != nil {
			klog.Exitf("Evaluating: %v", err)
		}
	}
}

// buildFromWeights rebuilds the network and loads the saved parameters
// into it.
func buildFromWeights(w *utils.ModelWeights) (nn.Graph, error) {
	stage, err := model.StageFromWeights(w)
	if err != nil {
		return nil, err
	}
	g, err := nn.Init(stage, rand.New(rand.NewPCG(1, 1)), w.Architecture[0])
	if err != nil {
		return nil, err
	}
	return g, utils.ImportWeights(g, w)
}

func showResults(y *tensor.Tensor, k, rows int) {
	n := y.Examples()
	if rows > n {
		rows = n
	}
	fmt.Println("\nPredictions:")
	for j := 0; j < rows; j++ {
		col := tensor.Column(y, j).Data
		idx := make([]int, len(col))
		for i := range idx {
			idx[i] = i
		}
		sort.Slice(idx, func(a, b int) bool { return col[idx[a]] > col[idx[b]] })
		if k > len(idx) {
			k = len(idx)
		}
		fmt.Printf("  #%d:", j)
		for _, i := range idx[:k] {
			fmt.Printf("  [%d] %.4f", i, col[i])
		}
		fmt.Println()
	}
}

// report prints the cost against the targets and, for more than one
// output, the fraction of examples whose largest output matches the target's.
func report(y, expected *tensor.Tensor, name string) error {
	cost, err := model.Cost(name)
	if err != nil {
		return err
	}
	c, err := cost.Cost(y, expected)
	if err != nil {
		return err
	}
	fmt.Printf("\nCost (%s): %.6f\n", name, c)

	if y.Features() < 2 {
		return nil
	}
	correct := 0
	for j := 0; j < y.Examples(); j++ {
		if floats.MaxIdx(tensor.Column(y, j).Data) == floats.MaxIdx(tensor.Column(expected, j).Data) {
			correct++
		}
	}
	fmt.Printf("Accuracy: %.2f%% (%d/%d)\n", 100*float64(correct)/float64(y.Examples()), correct, y.Examples())
	return nil
}
