// Package data reads CSV datasets into the tensors the trainer consumes.
package data

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"linnet/tensor"
)

type Line struct {
	Inputs  []float64
	Targets []float64
}
type Lines []Line

type errInvalidLine struct {
	lineNum  int
	splits   int
	expected int
}

func (e errInvalidLine) Error() string {
	return fmt.Sprintf("at line %d, expected %d values, got %d",
		e.lineNum, e.expected, e.splits)
}

func readRecords(reader io.Reader, fields int, fn func(lineNum int, record []string) error) error {
	r := csv.NewReader(reader)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.Comment = '#'
	lineNum := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "reading csv")
		}
		lineNum++
		if len(record) != fields {
			return errInvalidLine{lineNum: lineNum, splits: len(record), expected: fields}
		}
		if err := fn(lineNum, record); err != nil {
			return err
		}
	}
}

func parseFloats(dst []float64, fields []string) error {
	for i, f := range fields {
		num, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return err
		}
		dst[i] = num
	}
	return nil
}

// GetLines reads rows of inputNum inputs followed by outputNum targets.
func GetLines(reader io.Reader, inputNum, outputNum int) (Lines, error) {
	var lines Lines
	err := readRecords(reader, inputNum+outputNum, func(lineNum int, record []string) error {
		line := Line{Inputs: make([]float64, inputNum), Targets: make([]float64, outputNum)}
		if err := parseFloats(line.Inputs, record[:inputNum]); err != nil {
			return errors.Wrapf(err, "line %d: parsing input", lineNum)
		}
		if err := parseFloats(line.Targets, record[inputNum:]); err != nil {
			return errors.Wrapf(err, "line %d: parsing target", lineNum)
		}
		lines = append(lines, line)
		return nil
	})
	return lines, err
}

// GetLabeledLines reads rows whose first value is a class label in
// [0, classes) followed by inputNum inputs. Targets are one-hot.
func GetLabeledLines(reader io.Reader, inputNum, classes int) (Lines, error) {
	var lines Lines
	err := readRecords(reader, inputNum+1, func(lineNum int, record []string) error {
		label, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil {
			return errors.Wrapf(err, "line %d: parsing label", lineNum)
		}
		if label < 0 || label >= classes {
			return errors.Errorf("line %d: label %d out of range [0, %d)", lineNum, label, classes)
		}
		line := Line{Inputs: make([]float64, inputNum), Targets: make([]float64, classes)}
		if err := parseFloats(line.Inputs, record[1:]); err != nil {
			return errors.Wrapf(err, "line %d: parsing input", lineNum)
		}
		line.Targets[label] = 1
		lines = append(lines, line)
		return nil
	})
	return lines, err
}

// Load opens path and reads it with GetLabeledLines when classes > 0,
// GetLines otherwise.
func Load(path string, inputNum, outputNum, classes int) (Lines, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening dataset")
	}
	defer f.Close()
	if classes > 0 {
		return GetLabeledLines(f, inputNum, classes)
	}
	return GetLines(f, inputNum, outputNum)
}

func column(lines Lines, i int) []float64 {
	col := make([]float64, len(lines))
	for j, line := range lines {
		col[j] = line.Inputs[i]
	}
	return col
}

/*------------------------------------------------------------------------------------------------------------------------*/
// NormalizeLines rescales every input to zero mean and unit deviation.
// Inputs with zero deviation are only centered.
func NormalizeLines(lines Lines, std []float64, mean []float64) Lines {
	normalizedLines := make(Lines, len(lines))
	for i, line := range lines {
		normalizedInputs := make([]float64, len(line.Inputs))
		for j, x := range line.Inputs {
			normalizedInputs[j] = x - mean[j]
			if std[j] != 0 {
				normalizedInputs[j] /= std[j]
			}
		}

		normalizedLines[i] = Line{
			Inputs:  normalizedInputs,
			Targets: line.Targets,
		}
	}
	return normalizedLines
}

func CalculateMean(lines Lines) []float64 {
	if len(lines) == 0 {
		return nil
	}
	mean := make([]float64, len(lines[0].Inputs))
	for i := range mean {
		mean[i] = stat.Mean(column(lines, i), nil)
	}
	return mean
}

// CalculateStdDev returns the population standard deviation of every input.
func CalculateStdDev(lines Lines) []float64 {
	if len(lines) == 0 {
		return nil
	}
	stdDev := make([]float64, len(lines[0].Inputs))
	for i := range stdDev {
		_, stdDev[i] = stat.PopMeanStdDev(column(lines, i), nil)
	}
	return stdDev
}

// Tensors lays the lines out as [inputs, N] and [targets, N] tensors, one
// example per column.
func (lines Lines) Tensors() (*tensor.Tensor, *tensor.Tensor, error) {
	if len(lines) == 0 {
		return nil, nil, errors.New("no lines")
	}
	n := len(lines)
	in, out := len(lines[0].Inputs), len(lines[0].Targets)
	x, e := tensor.New(in, n), tensor.New(out, n)
	for j, line := range lines {
		if len(line.Inputs) != in || len(line.Targets) != out {
			return nil, nil, errors.Errorf("line %d has %d inputs and %d targets, want %d and %d", j, len(line.Inputs), len(line.Targets), in, out)
		}
		for i, v := range line.Inputs {
			x.Data[i*n+j] = v
		}
		for i, v := range line.Targets {
			e.Data[i*n+j] = v
		}
	}
	return x, e, nil
}

// Synthetic draws n examples with inputs uniform in [-1, 1] and targets
// sigmoid(W·x) for a fixed random W.
func Synthetic(rng *rand.Rand, inputNum, outputNum, n int) Lines {
	u := distuv.Uniform{Min: -1, Max: 1, Src: rng}
	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}
	w := make([]float64, inputNum*outputNum)
	for i := range w {
		w[i] = norm.Rand()
	}

	lines := make(Lines, n)
	for j := range lines {
		line := Line{Inputs: make([]float64, inputNum), Targets: make([]float64, outputNum)}
		for i := range line.Inputs {
			line.Inputs[i] = u.Rand()
		}
		for o := range line.Targets {
			z := 0.0
			for i, x := range line.Inputs {
				z += w[o*inputNum+i] * x
			}
			line.Targets[o] = 1 / (1 + math.Exp(-z))
		}
		lines[j] = line
	}
	return lines
}
