package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kraklabs/embedpipe/internal/config"
	"github.com/kraklabs/embedpipe/internal/domain"
	"github.com/kraklabs/embedpipe/internal/orchestrator"
	"github.com/kraklabs/embedpipe/internal/progress"
	"github.com/kraklabs/embedpipe/internal/store"
	"github.com/kraklabs/embedpipe/pipeline"
)

var warn = color.New(color.FgYellow).SprintFunc()

func main() {
	root := &cobra.Command{
		Use:   "embedpipe",
		Short: "Standalone operator for the embedding pipeline",
		Long:  "embedpipe — smoke-test and batch-backfill driver for the embedding generation and deduplication pipeline.",
	}

	var configPath string
	var ortLib string
	var manifestPath string
	root.PersistentFlags().StringVar(&configPath, "config", "embedpipe.toml", "pipeline TOML config file")
	root.PersistentFlags().StringVar(&ortLib, "ort-lib", "", "path to onnxruntime shared library (auto-detected if empty)")
	root.PersistentFlags().StringVar(&manifestPath, "manifest", "", "TOML manifest of images to seed standalone mode's in-memory store")

	// openPipeline loads the config and an in-memory store (optionally
	// seeded from --manifest), printing status so the user knows loading
	// isn't stuck — model construction can take a few seconds on first run.
	openPipeline := func(ctx context.Context) (*pipeline.Pipeline, *store.Memory, error) {
		fmt.Fprint(os.Stderr, "Loading config and encoders… ")
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "")
			fmt.Fprintln(os.Stderr, warn("no usable config at "+configPath+": "+err.Error()))
			fmt.Fprintln(os.Stderr, warn("continuing with defaults — every encoder role will be unavailable"))
			cfg = config.Default()
		}

		st := store.NewMemory()
		if manifestPath != "" {
			records, err := loadManifest(manifestPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, "")
				return nil, nil, err
			}
			st.SeedImages(records)
		}

		var opts []pipeline.Option
		if ortLib != "" {
			opts = append(opts, pipeline.WithOrtSharedLibPath(ortLib))
		}
		p, err := pipeline.Open(ctx, cfg, st, opts...)
		if err != nil {
			fmt.Fprintln(os.Stderr, "")
			return nil, nil, err
		}
		fmt.Fprintln(os.Stderr, "ready.")
		return p, st, nil
	}

	// ---- embedpipe preload --------------------------------------------
	var preloadLimit int
	preloadCmd := &cobra.Command{
		Use:   "preload",
		Short: "Warm the embedding cache with every distinct prompt pair known to the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p, _, err := openPipeline(ctx)
			if err != nil {
				return err
			}
			defer p.Shutdown()

			bar := newBar("preloading prompts")
			err = p.PreloadPrompts(ctx, preloadLimit, barSink(bar))
			bar.Finish()
			if err != nil {
				return err
			}
			fmt.Println("Done.")
			return nil
		},
	}
	preloadCmd.Flags().IntVar(&preloadLimit, "limit", 0, "cap the number of distinct prompt pairs preloaded (0 = no limit)")
	root.AddCommand(preloadCmd)

	// ---- embedpipe process-all -----------------------------------------
	var batchSize int
	processAllCmd := &cobra.Command{
		Use:   "process-all",
		Short: "Deduplicate and embed every image the store reports as missing embeddings",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p, _, err := openPipeline(ctx)
			if err != nil {
				return err
			}
			defer p.Shutdown()

			bar := newBar("encoding representatives")
			summary, err := p.ProcessAll(ctx, batchSize, barSink(bar))
			bar.Finish()
			if err != nil {
				return err
			}
			fmt.Printf("Done. %d/%d groups encoded, %d fanned out, %d failed.\n",
				summary.RepresentativesOK, summary.GroupsTotal, summary.FannedOut, len(summary.FailedGroups))
			for _, f := range summary.FailedGroups {
				fmt.Fprintln(os.Stderr, warn(fmt.Sprintf("  group %s: %v", f.MetadataFP.Hex()[:12], f.Err)))
			}
			return nil
		},
	}
	processAllCmd.Flags().IntVar(&batchSize, "batch-size", 4, "representatives encoded concurrently")
	root.AddCommand(processAllCmd)

	// ---- embedpipe process <path> ---------------------------------------
	var (
		imageID        int64
		prompt         string
		negativePrompt string
		modelName      string
		seed           int64
		steps          int
		cfgScale       float64
		sampler        string
		schedulerName  string
		width, height  int
	)
	processCmd := &cobra.Command{
		Use:   "process <path>",
		Short: "Embed and persist a single image, bypassing the deduplication planner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p, _, err := openPipeline(ctx)
			if err != nil {
				return err
			}
			defer p.Shutdown()

			req := orchestrator.ImageEmbeddingRequest{
				ImageID: imageID,
				Path:    args[0],
				Params: domain.GenerationParameters{
					Prompt: prompt, NegativePrompt: negativePrompt, ModelName: modelName,
					Seed: seed, Steps: steps, CFGScale: cfgScale, Sampler: sampler,
					Scheduler: schedulerName, Width: width, Height: height,
				},
			}
			if err := p.ProcessOne(ctx, req); err != nil {
				return err
			}
			fmt.Printf("Embedded and persisted image %d.\n", imageID)
			return nil
		},
	}
	processCmd.Flags().Int64Var(&imageID, "image-id", 1, "image ID to persist under")
	processCmd.Flags().StringVar(&prompt, "prompt", "", "generation prompt")
	processCmd.Flags().StringVar(&negativePrompt, "negative-prompt", "", "generation negative prompt")
	processCmd.Flags().StringVar(&modelName, "model", "", "generation model name")
	processCmd.Flags().Int64Var(&seed, "seed", 0, "generation seed")
	processCmd.Flags().IntVar(&steps, "steps", 20, "generation step count")
	processCmd.Flags().Float64Var(&cfgScale, "cfg-scale", 7.5, "generation CFG scale")
	processCmd.Flags().StringVar(&sampler, "sampler", "euler_a", "generation sampler")
	processCmd.Flags().StringVar(&schedulerName, "scheduler", "karras", "generation scheduler")
	processCmd.Flags().IntVar(&width, "width", 1024, "generation width")
	processCmd.Flags().IntVar(&height, "height", 1024, "generation height")
	root.AddCommand(processCmd)

	// ---- embedpipe stats -------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache, throughput, and queue-depth statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p, _, err := openPipeline(ctx)
			if err != nil {
				return err
			}
			defer p.Shutdown()

			s := p.Statistics()
			fmt.Printf("cache entries:    %d\n", s.CacheSize)
			fmt.Printf("cache hit rate:   %.1f%% (%d hits / %d misses)\n", s.CacheHitRate*100, s.CacheHits, s.CacheMisses)
			fmt.Printf("images processed: %d\n", s.ImagesProcessed)
			fmt.Printf("images failed:    %d\n", s.ImagesFailed)
			for lane, depth := range s.QueueDepth {
				fmt.Printf("queue[%s]:        %d\n", lane, depth)
			}
			return nil
		},
	})

	// ---- embedpipe serve --------------------------------------------------
	serveCmd := &cobra.Command{
		Use:   "serve <dir> [dir...]",
		Short: "Watch directories and embed new images as they settle",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p, _, err := openPipeline(ctx)
			if err != nil {
				return err
			}
			defer p.Shutdown()

			fmt.Fprintf(os.Stderr, "Watching %v for new images… (Ctrl+C to stop)\n", args)
			return runServe(ctx, p, args)
		},
	}
	root.AddCommand(serveCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// newBar builds a terminal progress bar matching vjache-cie's
// phase-labelled progressbar.ProgressBar usage, re-created per stage.
func newBar(label string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(label),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

// barSink adapts a progressbar.ProgressBar into a progress.Sink.
func barSink(bar *progressbar.ProgressBar) progress.Sink {
	return func(p progress.Progress) {
		if p.Total > 0 {
			_ = bar.ChangeMax(p.Total)
		}
		_ = bar.Set(p.Current)
	}
}
