// Package infer runs models over loaded datasets and writes prediction files.
package infer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/efebarandurmaz/evalbridge/internal/dataset"
	"github.com/efebarandurmaz/evalbridge/internal/llm"
)

// Placeholder is replaced with the rendered record input in Prompt.
const Placeholder = "{input}"

// DatasetSpec says where a dataset lives and how to turn its records into
// prompts.
type DatasetSpec struct {
	Abbr   string
	Path   string
	Name   string
	Split  string
	Role   string
	Prompt string
}

// Task pairs one model with one dataset.
type Task struct {
	Model       llm.Model
	ModelConfig llm.ModelConfig
	Dataset     DatasetSpec
	Loader      *dataset.Loader
	WorkDir     string
	Logger      *zerolog.Logger
}

// Prediction is one entry of a predictions file.
type Prediction struct {
	OriginPrompt string `json:"origin_prompt"`
	Prediction   string `json:"prediction"`
	Gold         string `json:"gold"`
	Error        string `json:"error,omitempty"`
}

// Report summarises one task.
type Report struct {
	Model     string
	Dataset   string
	Total     int
	Succeeded int
	Failed    int
	Output    string
	Duration  time.Duration
}

// OutputPath returns <workDir>/predictions/<model>/<dataset>.json.
func OutputPath(workDir, model, ds string) string {
	return filepath.Join(workDir, "predictions", model, ds+".json")
}

// Render fills the prompt template with a record's input. CSV rows are
// joined with commas.
func Render(template string, rec dataset.Record) string {
	var text string
	if row, ok := rec.Row(); ok {
		text = strings.Join(row, ",")
	} else {
		parts := make([]string, len(rec.Input))
		for i, v := range rec.Input {
			parts[i] = fmt.Sprint(v)
		}
		text = strings.Join(parts, ",")
	}
	return strings.ReplaceAll(template, Placeholder, text)
}

// Run loads the task's dataset split, generates a prediction per record in
// batches and writes the predictions file. Per-input failures are written as
// entries with an error and returned joined after every batch has run.
func Run(ctx context.Context, task Task) (Report, error) {
	start := time.Now()
	l := log.Logger
	if task.Logger != nil {
		l = *task.Logger
	}
	ds := task.Dataset
	modelName := task.ModelConfig.Abbr
	if modelName == "" {
		modelName = task.Model.Name()
	}
	l = l.With().Str("model", modelName).Str("dataset", ds.Abbr).Logger()

	loader := task.Loader
	if loader == nil {
		loader = dataset.NewLoader(dataset.WithLogger(l))
	}
	dd, err := loader.Load(ctx, ds.Path, ds.Name)
	if err != nil {
		return Report{}, err
	}
	recs, err := dd.Split(ds.Split)
	if err != nil {
		return Report{}, err
	}

	inputs := make([]llm.Input, len(recs))
	preds := make([]Prediction, len(recs))
	for i, rec := range recs {
		prompt := Render(ds.Prompt, rec)
		inputs[i] = llm.Turns(llm.Turn{Role: ds.Role, Prompt: prompt})
		preds[i] = Prediction{OriginPrompt: prompt, Gold: rec.Target}
	}

	batchSize := task.ModelConfig.BatchSize
	if batchSize <= 0 {
		batchSize = len(inputs)
	}

	var errs []error
	report := Report{Model: modelName, Dataset: ds.Abbr, Total: len(inputs)}
	for lo := 0; lo < len(inputs); lo += batchSize {
		hi := min(lo+batchSize, len(inputs))
		out, err := task.Model.Generate(ctx, inputs[lo:hi], task.ModelConfig.MaxOutLen, task.ModelConfig.Temperature)

		failed := make(map[int]error)
		var be *llm.BatchError
		switch {
		case errors.As(err, &be):
			for _, f := range be.Failures {
				failed[lo+f.Index] = f.Err
			}
		case err != nil:
			for i := lo; i < hi; i++ {
				failed[i] = err
			}
		}

		for i := lo; i < hi; i++ {
			if ferr, ok := failed[i]; ok {
				preds[i].Error = ferr.Error()
				errs = append(errs, fmt.Errorf("input %d: %w", i, ferr))
				report.Failed++
				continue
			}
			preds[i].Prediction = out[i-lo]
			report.Succeeded++
		}
		l.Debug().Int("done", hi).Int("total", len(inputs)).Msg("batch finished")

		if ctx.Err() != nil {
			for i := hi; i < len(inputs); i++ {
				preds[i].Error = ctx.Err().Error()
				report.Failed++
			}
			errs = append(errs, ctx.Err())
			break
		}
	}

	report.Output = OutputPath(task.WorkDir, modelName, ds.Abbr)
	if err := writePredictions(report.Output, preds); err != nil {
		return report, err
	}
	report.Duration = time.Since(start)
	l.Info().Int("succeeded", report.Succeeded).Int("failed", report.Failed).Str("output", report.Output).Msg("inference finished")

	if len(errs) > 0 {
		return report, fmt.Errorf("%s on %s: %w", modelName, ds.Abbr, errors.Join(errs...))
	}
	return report, nil
}

// RunAll runs tasks with at most maxWorkers in parallel. One task failing
// does not stop the others; reports keep task order.
func RunAll(ctx context.Context, tasks []Task, maxWorkers int) ([]Report, error) {
	reports := make([]Report, len(tasks))
	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	if maxWorkers > 0 {
		g.SetLimit(maxWorkers)
	}
	for i, task := range tasks {
		g.Go(func() error {
			r, err := Run(ctx, task)
			reports[i] = r
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}

func writePredictions(path string, preds []Prediction) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create predictions dir: %w", err)
	}

	entries := make(map[string]Prediction, len(preds))
	for i, p := range preds {
		entries[strconv.Itoa(i)] = p
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create predictions file: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(entries); err != nil {
		f.Close()
		return fmt.Errorf("write predictions: %w", err)
	}
	return f.Close()
}
