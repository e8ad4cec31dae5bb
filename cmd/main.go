package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/xhad/capture/internal/models"
	"github.com/xhad/capture/pkg/config"
	"github.com/xhad/capture/pkg/ingest"
	"github.com/xhad/capture/pkg/llm"
	"github.com/xhad/capture/pkg/processor"
	"github.com/xhad/capture/pkg/rag"
	"github.com/xhad/capture/pkg/scraper"
	"github.com/xhad/capture/pkg/search"
	"github.com/xhad/capture/pkg/store"
	"github.com/xhad/capture/server"
)

type flags struct {
	ConfigPath string
	Serve      bool
	Port       string
	BaseURL    string
	DBUrl      string
	Backend    string
	Model      string
}

func main() {
	f := parseFlags()

	if err := run(f); err != nil {
		log.Fatal(err)
	}
}

func parseFlags() flags {
	var f flags

	flag.StringVar(&f.ConfigPath, "config", "", "Path to config file")
	flag.BoolVar(&f.Serve, "serve", false, "Run the HTTP API server instead of the interactive chat")
	flag.StringVar(&f.Port, "port", "", "HTTP server port")
	flag.StringVar(&f.BaseURL, "ollama-url", "", "Ollama server URL")
	flag.StringVar(&f.DBUrl, "db-url", "", "PostgreSQL connection string")
	flag.StringVar(&f.Backend, "backend", "", "Storage backend (postgres or sqlite)")
	flag.StringVar(&f.Model, "model", "", "LLM model to use")
	flag.Parse()

	return f
}

func loadConfig(f flags) (*config.Config, error) {
	cfg, err := config.LoadConfig(f.ConfigPath)
	if err != nil {
		return nil, err
	}

	// Command line flags override the config file
	if f.BaseURL != "" {
		cfg.LLM.BaseURL = f.BaseURL
	}
	if f.DBUrl != "" {
		cfg.Database.URL = f.DBUrl
	}
	if f.Backend != "" {
		cfg.Database.Backend = f.Backend
	}
	if f.Model != "" {
		cfg.LLM.Model = f.Model
	}
	if f.Port != "" {
		cfg.Server.Port = f.Port
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			color.Red("config: %s: %s", e.Field, e.Message)
		}
		return nil, fmt.Errorf("invalid configuration")
	}

	return cfg, nil
}

func run(f flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	driver, err := store.Open(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %v", err)
	}
	defer driver.Close()

	embedder, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		Model:     cfg.LLM.EmbeddingModel,
		BaseURL:   cfg.LLM.BaseURL,
		Dimension: cfg.Database.VectorDim,
		Version:   cfg.LLM.EmbeddingVersion,
		BatchSize: cfg.Database.BatchSize,
		Rate:      cfg.Ingest.EmbedRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize embedder: %v", err)
	}

	chatEngine, err := llm.NewWithConfig(llm.ChatConfig{
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		BaseURL:     cfg.LLM.BaseURL,
		Temperature: cfg.LLM.Temperature,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize chat engine: %v", err)
	}

	proc := processor.NewWithConfig(processor.ProcessorConfig{
		ChunkSize:      cfg.Processor.ChunkSize,
		ChunkOverlap:   cfg.Processor.ChunkOverlap,
		MinChunkLength: cfg.Processor.MinChunkLength,
	})

	coordinator := ingest.NewCoordinator(ingest.CoordinatorConfig{
		MaxRetries:     cfg.Ingest.MaxRetries,
		BackoffBase:    time.Duration(cfg.Ingest.BackoffBaseSec) * time.Second,
		BackoffCap:     time.Duration(cfg.Ingest.BackoffCapSec) * time.Second,
		PollInterval:   time.Duration(cfg.Ingest.PollIntervalSec) * time.Second,
		Workers:        cfg.Ingest.Workers,
		StepTimeout:    time.Duration(cfg.Ingest.StepTimeoutSec) * time.Second,
		MaxContentSize: cfg.Ingest.MaxContentSize,
	}, driver, proc, embedder)

	pipeline := search.NewPipeline(search.PipelineConfig{
		RRFK:             cfg.Search.RRFK,
		VectorWeight:     cfg.Search.VectorWeight,
		KeywordWeight:    cfg.Search.KeywordWeight,
		RerankCandidates: cfg.Search.RerankCandidates,
		SideTimeout:      time.Duration(cfg.Search.SideTimeoutSec) * time.Second,
	}, driver, embedder, search.NewLexicalReranker())

	assembler := rag.NewAssembler(rag.AssemblerConfig{}, pipeline, chatEngine)

	fetcher := scraper.NewWithConfig(scraper.FetcherConfig{
		RateLimit: 2.0,
		Timeout:   30 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go coordinator.Run(ctx)

	if f.Serve {
		srv := server.New(server.Config{
			Port: cfg.Server.Port,
		}, coordinator, assembler, driver, fetcher)
		return srv.ListenAndServe()
	}

	return chatLoop(ctx, coordinator, assembler, fetcher)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

var urlRegex = regexp.MustCompile(`https?://[^\s]+`)

func chatLoop(ctx context.Context, coordinator *ingest.Coordinator, assembler *rag.Assembler, fetcher *scraper.Fetcher) error {
	color.Cyan("\nCapture knowledge chat (type 'exit' to quit, paste a URL to ingest it)")

	scanner := bufio.NewScanner(os.Stdin)
	userPrompt := color.New(color.FgGreen).PrintfFunc()
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()

	for {
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			break
		}

		query := strings.TrimSpace(scanner.Text())
		if strings.ToLower(query) == "exit" {
			break
		}
		if query == "" {
			continue
		}

		if pageURL := urlRegex.FindString(query); pageURL != "" {
			if err := ingestURL(ctx, coordinator, fetcher, pageURL); err != nil {
				color.Red("Failed to ingest %s: %v\n", pageURL, err)
			}
			if query == pageURL {
				continue
			}
		}

		spinner := getSpinner(" Thinking...")

		stream, errCh, sources, err := assembler.AnswerStream(ctx, query, 0)
		if err != nil {
			spinner.Finish()
			color.Red("Error: %v\n", err)
			continue
		}

		first := true
		for chunk := range stream {
			if first {
				spinner.Finish()
				fmt.Println()
				assistantPrompt("Assistant: ")
				first = false
			}
			fmt.Print(chunk)
		}
		fmt.Println()

		if err := <-errCh; err != nil {
			spinner.Finish()
			color.Red("Generation failed: %v\n", err)
			continue
		}

		if len(sources) > 0 {
			color.Yellow("\nSources:")
			for i, src := range sources {
				color.Yellow("  [%d] %s (%.3f)", i+1, src.Title, src.Score)
			}
		}
	}

	return nil
}

// ingestURL fetches a page, submits it and waits for the pipeline to
// finish with it, reporting progress on the way.
func ingestURL(ctx context.Context, coordinator *ingest.Coordinator, fetcher *scraper.Fetcher, pageURL string) error {
	color.Blue("\nDetected URL: %s", pageURL)

	spinner := getSpinner(" Fetching page...")
	sub, err := fetcher.Fetch(ctx, pageURL)
	spinner.Finish()
	if err != nil {
		return err
	}

	id, err := coordinator.Submit(ctx, *sub)
	if err != nil {
		return err
	}

	spinner = getSpinner(" Processing document...")
	defer spinner.Finish()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snapshot, err := coordinator.GetStatus(ctx, id)
			if err != nil {
				return err
			}
			switch snapshot.Status {
			case models.StatusCompleted:
				spinner.Finish()
				color.Green("✓ Ingested %q (%s)\n", sub.Title, id)
				return nil
			case models.StatusFailed:
				spinner.Finish()
				return fmt.Errorf("ingestion failed: %s", snapshot.LastError)
			}
		}
	}
}
