package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hannes/policylens/analysis"
	"github.com/hannes/policylens/hub"
	"github.com/hannes/policylens/models"
	"github.com/hannes/policylens/pipeline"
	"github.com/hannes/policylens/server"
)

var forceAnalysis bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <url>",
	Short: "Summarise what a policy collects and shares",
	Long: `Fetches the policy, runs the full pipeline and prints the personal
information collected by the first party and shared with third parties.
Results are cached until the policy's last-updated marker changes.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

var classifyCmd = &cobra.Command{
	Use:   "classify <url>",
	Short: "Classify the paragraphs of a policy",
	Args:  cobra.ExactArgs(1),
	RunE:  runClassify,
}

var questionCmd = &cobra.Command{
	Use:   "question <url> <conflict_statement|third_party_sharing>",
	Short: "Answer a question from a stored analysis",
	Args:  cobra.ExactArgs(2),
	RunE:  runQuestion,
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage the model files",
}

var modelsPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Download missing model files from the hub",
	RunE: func(cmd *cobra.Command, args []string) error {
		return newHubClient(cfg, logger).Pull(cmd.Context(), models.DefaultSpecs)
	},
}

var modelsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Load the models and run a validation inference",
	RunE:  runModelsCheck,
}

func init() {
	analyzeCmd.Flags().BoolVar(&forceAnalysis, "force", false, "ignore the cached result")
	modelsCmd.AddCommand(modelsPullCmd, modelsCheckCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	queue := analysis.NewQueue(a.analysis, analysis.QueueConfig{
		Workers:      cfg.Jobs.Workers,
		MaxQueueSize: cfg.Jobs.MaxQueueSize,
		JobTTL:       cfg.Jobs.TTL.Std(),
	}, logger)
	queue.Start(ctx)
	defer queue.Stop()

	go analysis.RunCleanup(ctx, a.store, time.Hour, time.Duration(cfg.Database.CleanupHours)*time.Hour, logger)

	srv := server.New(server.Deps{
		Fetcher:  a.fetcher,
		Pipeline: a.pipeline,
		Analysis: a.analysis,
		Jobs:     queue,
		Models:   a.models,
	}, server.Options{
		Addr:              cfg.Server.Addr,
		ReadTimeout:       cfg.Server.ReadTimeout.Std(),
		WriteTimeout:      cfg.Server.WriteTimeout.Std(),
		ShutdownTimeout:   cfg.Server.ShutdownTimeout.Std(),
		LogRequests:       cfg.Logging.LogRequests,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		ExtractTTL:        cfg.Cache.ExtractTTL.Std(),
		ExtractSize:       cfg.Cache.ExtractSize,
		Sentry:            cfg.Sentry.DSN != "",
	}, logger)

	if !a.models.IsHealthy() {
		logger.Warn("starting without working models; inference endpoints answer 503", zap.Error(a.models.LastError()))
	}
	return srv.ListenAndServe(ctx)
}

// openReady builds the app and fails when the models did not load.
func openReady(ctx context.Context) (*app, error) {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if !a.models.IsHealthy() {
		err := a.models.LastError()
		a.Close()
		return nil, fmt.Errorf("models are not ready: %w", err)
	}
	return a, nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	a, err := openReady(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.analysis.Analyze(cmd.Context(), analysis.Request{URL: args[0], Force: forceAnalysis})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(res)
	}

	marker := "unknown"
	if res.LastUpdated != nil {
		marker = *res.LastUpdated
	}
	fmt.Printf("%s\nlast updated: %s  cached: %t\n\n", res.URL, marker, res.Cached)
	fmt.Println("Collected by the first party")
	fmt.Println(renderTable(detailHeaders(false), detailRows(res.FirstPartyCollected, false), nil))
	fmt.Println("\nShared with third parties")
	fmt.Println(renderTable(detailHeaders(true), detailRows(res.ThirdPartyShared, true), nil))
	return nil
}

func runClassify(cmd *cobra.Command, args []string) error {
	a, err := openReady(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	page, err := a.fetcher.Fetch(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	labelled, err := a.pipeline.ClassifyParagraphs(cmd.Context(), page.Paragraphs)
	if err != nil {
		return err
	}
	counts := pipeline.LabelCounts(labelled)
	if jsonOutput {
		return printJSON(map[string]any{"paragraphs": labelled, "label_counts": counts})
	}

	labels := make([]string, 0, len(counts))
	for l := range counts {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool {
		if counts[labels[i]] != counts[labels[j]] {
			return counts[labels[i]] > counts[labels[j]]
		}
		return labels[i] < labels[j]
	})
	rows := make([][]string, 0, len(labels))
	for _, l := range labels {
		rows = append(rows, []string{l, strconv.Itoa(counts[l])})
	}
	fmt.Printf("%d paragraphs\n", len(labelled))
	fmt.Println(renderTable([]string{"Category", "Paragraphs"}, rows, []columnAlignment{alignLeft, alignRight}))
	return nil
}

func runQuestion(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	answer, err := a.analysis.Answer(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(answer)
	}

	switch ans := answer.(type) {
	case *analysis.ConflictAnswer:
		fmt.Printf("%s %s\n", ans.Question, ans.Answer)
		for _, attr := range ans.ConflictingAttributes {
			fmt.Printf("  - %s\n", attr)
		}
	case *analysis.SharingAnswer:
		fmt.Println(ans.Question)
		rows := make([][]string, 0, len(ans.SharedInfo))
		for _, s := range ans.SharedInfo {
			rows = append(rows, []string{s.PersonalInfo, s.ThirdParty, s.Sentence})
		}
		fmt.Println(renderTable([]string{"Information", "Third party", "Sentence"}, rows, nil))
	}
	return nil
}

func runModelsCheck(cmd *cobra.Command, args []string) error {
	if missing := hub.Missing(cfg.Models.Directory, models.DefaultSpecs); cfg.Models.Backend == models.BackendONNX && len(missing) > 0 {
		return fmt.Errorf("missing model files in %s: %v", cfg.Models.Directory, missing)
	}
	a, err := openReady(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	info := a.models.Info()
	if jsonOutput {
		return printJSON(info)
	}
	fmt.Println(renderTable([]string{"Backend", "Directory", "Healthy", "Loaded"}, [][]string{{
		info.Backend, info.Directory, strconv.FormatBool(info.Healthy), info.LoadedAt.Format(time.RFC3339),
	}}, nil))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
