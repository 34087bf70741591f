package infer

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/efebarandurmaz/evalbridge/internal/dataset"
	"github.com/efebarandurmaz/evalbridge/internal/llm"
	"github.com/efebarandurmaz/evalbridge/internal/llm/mock"
)

// scriptedModel upper-cases each prompt and fails prompts containing "bad".
type scriptedModel struct {
	mu      sync.Mutex
	batches []int
	temps   []float64
}

func (m *scriptedModel) Name() string                 { return "scripted" }
func (m *scriptedModel) TokenLen(string) (int, error) { return 0, nil }

func (m *scriptedModel) Generate(ctx context.Context, inputs []llm.Input, maxOutLen int, temperature float64) ([]string, error) {
	m.mu.Lock()
	m.batches = append(m.batches, len(inputs))
	m.temps = append(m.temps, temperature)
	m.mu.Unlock()

	results := make([]llm.Result, len(inputs))
	for i, in := range inputs {
		if strings.Contains(in.String(), "bad") {
			results[i] = llm.Result{Err: errors.New("upstream rejected")}
			continue
		}
		results[i] = llm.Result{Text: strings.ToUpper(in.String())}
	}
	return llm.Collect(results)
}

func writeDataset(t *testing.T, name, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "dev"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "dev", name+"_dev.csv"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func readPredictions(t *testing.T, path string) map[string]Prediction {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read predictions: %v", err)
	}
	var out map[string]Prediction
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode predictions: %v", err)
	}
	return out
}

func quietLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func spec(path string) DatasetSpec {
	return DatasetSpec{Abbr: "foo", Path: path, Name: "foo", Split: dataset.SplitDev, Role: "HUMAN", Prompt: "Q: {input}"}
}

func TestRender(t *testing.T) {
	row := dataset.Record{Input: []any{[]string{"a", "b"}}, Target: "ok"}
	if got := Render("{input}", row); got != "a,b" {
		t.Fatalf("expected a,b, got %q", got)
	}
	fixture := dataset.Record{Input: []any{"1"}, Target: "2"}
	if got := Render("Q: {input}?", fixture); got != "Q: 1?" {
		t.Fatalf("expected Q: 1?, got %q", got)
	}
}

func TestRun_WritesPredictions(t *testing.T) {
	dir := writeDataset(t, "foo", "a,b\nc,d\ne,f\n")
	work := t.TempDir()
	model := &scriptedModel{}

	cfg := llm.DefaultModelConfig()
	cfg.Abbr = "scripted"
	cfg.BatchSize = 2
	cfg.Temperature = 0.3

	report, err := Run(context.Background(), Task{
		Model: model, ModelConfig: cfg, Dataset: spec(dir), WorkDir: work, Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Total != 3 || report.Succeeded != 3 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(model.batches) != 2 || model.batches[0] != 2 || model.batches[1] != 1 {
		t.Fatalf("expected batches [2 1], got %v", model.batches)
	}
	if model.temps[0] != 0.3 {
		t.Fatalf("expected configured temperature, got %v", model.temps[0])
	}

	wantPath := filepath.Join(work, "predictions", "scripted", "foo.json")
	if report.Output != wantPath {
		t.Fatalf("expected output %s, got %s", wantPath, report.Output)
	}
	preds := readPredictions(t, wantPath)
	if len(preds) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(preds))
	}
	p := preds["1"]
	if p.OriginPrompt != "Q: c,d" || p.Prediction != "HUMAN: Q: C,D" || p.Gold != "ok" {
		t.Fatalf("unexpected entry %+v", p)
	}
}

func TestRun_RecordsFailuresPerInput(t *testing.T) {
	dir := writeDataset(t, "foo", "good\nbad\nfine\n")
	work := t.TempDir()

	cfg := llm.DefaultModelConfig()
	cfg.Abbr = "scripted"

	report, err := Run(context.Background(), Task{
		Model: &scriptedModel{}, ModelConfig: cfg, Dataset: spec(dir), WorkDir: work, Logger: quietLogger(),
	})
	if err == nil || !strings.Contains(err.Error(), "upstream rejected") {
		t.Fatalf("expected joined run error, got %v", err)
	}
	if report.Succeeded != 2 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	preds := readPredictions(t, report.Output)
	if preds["1"].Error == "" || preds["1"].Prediction != "" {
		t.Fatalf("expected failed entry, got %+v", preds["1"])
	}
	if preds["2"].Prediction == "" {
		t.Fatalf("later inputs must still be predicted, got %+v", preds["2"])
	}
}

func TestRun_TestSplitWithMock(t *testing.T) {
	dir := writeDataset(t, "foo", "a,b\n")
	ds := spec(dir)
	ds.Split = dataset.SplitTest

	report, err := Run(context.Background(), Task{
		Model:       mock.New(llm.ModelConfig{}, mock.WithLogger(zerolog.Nop())),
		ModelConfig: llm.DefaultModelConfig(),
		Dataset:     ds,
		WorkDir:     t.TempDir(),
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	preds := readPredictions(t, report.Output)
	if preds["0"].Prediction != mock.Response || preds["0"].Gold != "2" || preds["0"].OriginPrompt != "Q: 1" {
		t.Fatalf("unexpected entry %+v", preds["0"])
	}
	if !strings.Contains(report.Output, filepath.Join("predictions", mock.DefaultName)) {
		t.Fatalf("expected model name in path, got %s", report.Output)
	}
}

func TestRun_UnknownSplit(t *testing.T) {
	dir := writeDataset(t, "foo", "a\n")
	ds := spec(dir)
	ds.Split = "train"

	_, err := Run(context.Background(), Task{
		Model: &scriptedModel{}, ModelConfig: llm.DefaultModelConfig(), Dataset: ds, WorkDir: t.TempDir(), Logger: quietLogger(),
	})
	if !errors.Is(err, dataset.ErrUnknownSplit) {
		t.Fatalf("expected ErrUnknownSplit, got %v", err)
	}
}

func TestRun_MissingDataset(t *testing.T) {
	ds := spec(t.TempDir())
	_, err := Run(context.Background(), Task{
		Model: &scriptedModel{}, ModelConfig: llm.DefaultModelConfig(), Dataset: ds, WorkDir: t.TempDir(), Logger: quietLogger(),
	})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestRunAll_IsolatesTasks(t *testing.T) {
	good := writeDataset(t, "foo", "a\nb\n")
	work := t.TempDir()
	cfg := llm.DefaultModelConfig()
	cfg.Abbr = "scripted"

	missing := spec(t.TempDir())
	missing.Abbr = "missing"

	tasks := []Task{
		{Model: &scriptedModel{}, ModelConfig: cfg, Dataset: missing, WorkDir: work, Logger: quietLogger()},
		{Model: &scriptedModel{}, ModelConfig: cfg, Dataset: spec(good), WorkDir: work, Logger: quietLogger()},
	}
	reports, err := RunAll(context.Background(), tasks, 1)
	if err == nil {
		t.Fatal("expected error from missing dataset")
	}
	if len(reports) != 2 || reports[1].Succeeded != 2 {
		t.Fatalf("second task should still run, got %+v", reports)
	}
}
