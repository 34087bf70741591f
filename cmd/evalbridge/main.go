package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/efebarandurmaz/evalbridge/internal/config"
	"github.com/efebarandurmaz/evalbridge/internal/dataset"
	"github.com/efebarandurmaz/evalbridge/internal/infer"
	"github.com/efebarandurmaz/evalbridge/internal/llm"
	"github.com/efebarandurmaz/evalbridge/internal/llmutil"
	"github.com/efebarandurmaz/evalbridge/internal/logging"
	"github.com/efebarandurmaz/evalbridge/internal/observability"
	"github.com/efebarandurmaz/evalbridge/internal/secrets"
	"github.com/efebarandurmaz/evalbridge/internal/server"
	"github.com/efebarandurmaz/evalbridge/internal/tokenizer"
)

var version = "dev"

var (
	okText   = color.New(color.FgGreen).SprintFunc()
	failText = color.New(color.FgRed).SprintFunc()
	bold     = color.New(color.Bold).SprintFunc()
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "evalbridge",
		Short:   "Dataset loader and model clients for LLM evaluation runs",
		Version: version,
	}

	var opts inferOptions
	inferCmd := &cobra.Command{
		Use:   "infer",
		Short: "Run every configured model over every configured dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfer(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	inferCmd.Flags().StringVar(&opts.configPath, "config", "configs/eval_puyu.yaml", "Config file path")
	inferCmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address")
	inferCmd.Flags().StringSliceVar(&opts.models, "model", nil, "Only run models with these abbreviations")
	inferCmd.Flags().StringSliceVar(&opts.datasets, "dataset", nil, "Only run datasets with these abbreviations")
	inferCmd.Flags().StringVar(&opts.workDir, "work-dir", "", "Override infer.work_dir")

	datasetCmd := &cobra.Command{
		Use:   "dataset",
		Short: "Dataset operations",
	}
	var (
		dsPath  string
		dsName  string
		dsSplit string
		dsLimit int
	)
	datasetShowCmd := &cobra.Command{
		Use:   "show",
		Short: "Load a CSV dataset and print its records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showDataset(cmd.OutOrStdout(), dsPath, dsName, dsSplit, dsLimit)
		},
	}
	datasetShowCmd.Flags().StringVar(&dsPath, "path", "", "Dataset directory")
	datasetShowCmd.Flags().StringVar(&dsName, "name", "", "Dataset name (reads <path>/dev/<name>_dev.csv)")
	datasetShowCmd.Flags().StringVar(&dsSplit, "split", "", "Only print this split")
	datasetShowCmd.Flags().IntVar(&dsLimit, "limit", 10, "Records to print per split (0 = all)")
	_ = datasetShowCmd.MarkFlagRequired("path")
	_ = datasetShowCmd.MarkFlagRequired("name")
	datasetCmd.AddCommand(datasetShowCmd)

	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "List available model types",
		Run: func(cmd *cobra.Command, args []string) {
			factory := llm.NewFactory()
			llmutil.RegisterDefaultModels(factory, llmutil.Deps{})
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Available model types:")
			for _, name := range factory.Names() {
				fmt.Fprintf(out, "  %s\n", name)
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Set key: ENV to read EVALBRIDGE_PUYU_KEY (or OPENAI_API_KEY).")
		},
	}

	var encoding string
	tokensCmd := &cobra.Command{
		Use:   "tokens [text...]",
		Short: "Count tokens the way TokenLen does",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := tokenizer.NewBPE(encoding).Count(strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
	tokensCmd.Flags().StringVar(&encoding, "encoding", tokenizer.DefaultEncoding, "BPE encoding name")

	rootCmd.AddCommand(inferCmd, datasetCmd, modelsCmd, tokensCmd)
	return rootCmd
}

type inferOptions struct {
	configPath  string
	metricsAddr string
	workDir     string
	models      []string
	datasets    []string
}

func runInfer(ctx context.Context, opts inferOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	for _, w := range cfg.Validate() {
		logger.Warn().Msg(w)
	}
	if opts.workDir != "" {
		cfg.Infer.WorkDir = opts.workDir
	}
	if opts.metricsAddr == "" {
		opts.metricsAddr = cfg.Metrics.Addr
	}

	tp, err := observability.InitTracing(ctx, cfg.Tracing.ToObservability())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	metrics := observability.NewMetrics()
	sm, err := secrets.NewManager(cfg.Secrets.ToSecrets())
	if err != nil {
		return err
	}

	factory := llm.NewFactory()
	llmutil.RegisterDefaultModels(factory, llmutil.Deps{Logger: &logger, Metrics: metrics, Secrets: sm})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := server.NewGracefulServer(&server.HealthConfig{Version: version, Metrics: metrics, Logger: &logger}, nil)
	srv.Add(server.RunCancelHook(cancel))
	srv.Add(server.TracingShutdownHook(tp.Shutdown))

	tasks, err := buildTasks(cfg, opts, factory, srv.Health, &logger, metrics)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return fmt.Errorf("no model/dataset pairs selected")
	}

	if _, err := srv.Start(opts.metricsAddr); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}
	logger.Info().Int("tasks", len(tasks)).Int("max_workers", cfg.Infer.MaxNumWorkers).Msg("starting inference")

	reports, runErr := infer.RunAll(ctx, tasks, cfg.Infer.MaxNumWorkers)

	srv.Shutdown.Shutdown()
	srv.Wait()

	printSummary(out, reports)
	return runErr
}

func buildTasks(cfg *config.Config, opts inferOptions, factory *llm.ModelFactory, health *server.HealthServer, logger *zerolog.Logger, metrics *observability.Metrics) ([]infer.Task, error) {
	loader := dataset.NewLoader(dataset.WithLogger(*logger), dataset.WithMetrics(metrics))

	var specs []infer.DatasetSpec
	for _, d := range cfg.Datasets {
		if !selected(opts.datasets, d.Abbr) {
			continue
		}
		specs = append(specs, infer.DatasetSpec(d))
		health.RegisterCheck("dataset:"+d.Abbr, server.FileHealthChecker(dataset.Path(d.Path, d.Name, dataset.SplitDev)))
	}

	var tasks []infer.Task
	for _, entry := range cfg.Models {
		if !selected(opts.models, entry.Name()) {
			continue
		}
		mc := entry.ToModelConfig()
		model, err := factory.Create(mc)
		if err != nil {
			return nil, err
		}
		health.RegisterCheck("model:"+mc.Abbr, server.ModelHealthChecker(model.Name(), func(ctx context.Context) error {
			return llm.Check(ctx, model)
		}))
		for _, ds := range specs {
			tasks = append(tasks, infer.Task{
				Model:       model,
				ModelConfig: mc,
				Dataset:     ds,
				Loader:      loader,
				WorkDir:     cfg.Infer.WorkDir,
				Logger:      logger,
			})
		}
	}
	return tasks, nil
}

func selected(filter []string, name string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == name {
			return true
		}
	}
	return false
}

func printSummary(out io.Writer, reports []infer.Report) {
	fmt.Fprintln(out, bold("Inference summary"))
	for _, r := range reports {
		if r.Output == "" {
			fmt.Fprintf(out, "  %-24s %-20s %s\n", r.Model, r.Dataset, failText("not run"))
			continue
		}
		status := okText(fmt.Sprintf("%d/%d ok", r.Succeeded, r.Total))
		if r.Failed > 0 {
			status = failText(fmt.Sprintf("%d/%d failed", r.Failed, r.Total))
		}
		fmt.Fprintf(out, "  %-24s %-20s %s  %s (%s)\n", r.Model, r.Dataset, status, r.Output, r.Duration.Round(time.Millisecond))
	}
}

func showDataset(out io.Writer, path, name, split string, limit int) error {
	dd, err := dataset.NewLoader(dataset.WithLogger(zerolog.Nop())).Load(context.Background(), path, name)
	if err != nil {
		return err
	}

	names := dd.Names()
	if split != "" {
		if _, err := dd.Split(split); err != nil {
			return err
		}
		names = []string{split}
	}

	for _, s := range names {
		recs := dd[s]
		fmt.Fprintf(out, "%s %s\n", bold(s), okText(fmt.Sprintf("(%d records)", len(recs))))
		for i, rec := range recs {
			if limit > 0 && i >= limit {
				fmt.Fprintf(out, "  ... %d more\n", len(recs)-limit)
				break
			}
			fmt.Fprintf(out, "  [%d] input=%s target=%q\n", i, infer.Render(infer.Placeholder, rec), rec.Target)
		}
	}
	return nil
}
