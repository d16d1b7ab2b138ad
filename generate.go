package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"sdforge/core"
	"sdforge/db"
	"sdforge/imagegen"
	"sdforge/logging"
	"sdforge/sdruntime"
	"sdforge/shutdown"
	"sdforge/storage"
)

// GenerateCmd runs one generation request. Flag names with underscores match
// the long-standing script interface.
type GenerateCmd struct {
	PosPrompt      string  `name:"pos_prompt" required:"" help:"What the image should show." placeholder:"TEXT"`
	NegPrompt      string  `name:"neg_prompt" help:"What to steer away from." placeholder:"TEXT"`
	PromptStrength float64 `name:"prompt_strength" default:"1.0" help:"Prompt adherence; guidance = 7.5 x strength."`
	BatchSize      int     `name:"batch_size" default:"1" help:"Images to generate in one call (max 10)."`
	Height         int     `help:"Image height in pixels (multiple of 8)."`
	Width          int     `help:"Image width in pixels (multiple of 8)."`
	Size           string  `help:"Both dimensions as WxH; overrides --width and --height." placeholder:"WxH"`
	Steps          int     `help:"Denoising steps (default 20)."`
	Seed           *int64  `help:"Seed for reproducible output. Omit for a random result."`
	Loras          string  `help:"Comma-separated adapters, each id or id:weight (weight defaults to 1.0)." placeholder:"LIST"`
	Output         string  `short:"o" help:"Output file or directory. Batches get _NN suffixes." type:"path" placeholder:"PATH"`

	Model        string `help:"Base model identifier." placeholder:"ID"`
	Encoder      string `help:"Auxiliary encoder (VAE) override." placeholder:"ID"`
	Device       string `help:"accelerator or host."`
	Config       string `help:"YAML pipeline preset." type:"existingfile" placeholder:"FILE"`
	Watermark    bool   `help:"Keep the vendor watermark on outputs."`
	SafetyFilter bool   `name:"safety-filter" help:"Blank out images the safety checker flags."`
	OutputDir    string `name:"output-dir" help:"Directory for generated file names." type:"path" placeholder:"DIR"`
	Progress     bool   `default:"true" negatable:"" help:"Show a progress bar for remote backends."`

	HistoryRetentionDays *int `name:"history-retention-days" help:"Prune history rows older than this after the run; 0 keeps all."`
}

// loadPreset reads a YAML pipeline preset. Besides the pipeline fields a
// preset may pin adapter weight files by SHA256; only the procedural backend
// checks them.
//
//	model: stabilityai/stable-diffusion-xl-base-1.0
//	adapters:
//	  - id: pixel-art-xl
//	    weight: 0.8
//	adapter_checksums:
//	  pixel-art-xl: 3f5c...e1
func loadPreset(path string) (sdruntime.PipelineConfig, map[string]string, error) {
	pc, err := sdruntime.LoadPipelineConfigFile(path)
	if err != nil {
		return pc, nil, core.ErrInvalidValue("--config", path, err.Error())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return pc, nil, fmt.Errorf("read pipeline preset: %w", err)
	}
	var extras struct {
		AdapterChecksums map[string]string `yaml:"adapter_checksums"`
	}
	if err := yaml.Unmarshal(data, &extras); err != nil {
		return pc, nil, core.ErrInvalidValue("--config", path, err.Error())
	}
	return pc, extras.AdapterChecksums, nil
}

// request builds the generation request. Flags win over environment defaults.
func (c *GenerateCmd) request(cfg *core.Config) (sdruntime.GenerationRequest, error) {
	req := sdruntime.DefaultRequest()
	req.PositivePrompt = c.PosPrompt
	req.NegativePrompt = c.NegPrompt
	req.NumImages = c.BatchSize
	req.Seed = c.Seed

	guidance, err := sdruntime.Normalize(c.PromptStrength)
	if err != nil {
		return req, err
	}
	req.Guidance = guidance

	if cfg.DefaultWidth > 0 && cfg.DefaultHeight > 0 {
		req.Width, req.Height = cfg.DefaultWidth, cfg.DefaultHeight
	}
	if c.Width != 0 {
		req.Width = c.Width
	}
	if c.Height != 0 {
		req.Height = c.Height
	}
	if c.Size != "" {
		req.Width, req.Height, err = sdruntime.ParseSize(c.Size)
		if err != nil {
			return req, err
		}
	}

	if cfg.DefaultSteps > 0 {
		req.Steps = cfg.DefaultSteps
	}
	if c.Steps != 0 {
		req.Steps = c.Steps
	}

	return req, req.Validate()
}

// pipelineConfig resolves the pipeline settings. Precedence is flags, then the
// preset file, then the environment, then the built-in defaults.
func (c *GenerateCmd) pipelineConfig(cfg *core.Config) (sdruntime.PipelineConfig, map[string]string, error) {
	var checksums map[string]string
	pc := sdruntime.DefaultPipelineConfig()

	if c.Config != "" {
		var err error
		pc, checksums, err = loadPreset(c.Config)
		if err != nil {
			return pc, nil, err
		}
	} else {
		if cfg.ModelID != "" {
			pc.ModelID = cfg.ModelID
		}
		pc.EncoderOverride = cfg.Encoder
		if cfg.Device != "" {
			device, err := sdruntime.ParseDevice(cfg.Device)
			if err != nil {
				return pc, nil, core.ErrInvalidValue("SDFORGE_DEVICE", cfg.Device, err.Error())
			}
			pc.Device = device
		}
	}

	if c.Model != "" {
		pc.ModelID = c.Model
	}
	if c.Encoder != "" {
		pc.EncoderOverride = c.Encoder
	}
	if c.Device != "" {
		device, err := sdruntime.ParseDevice(c.Device)
		if err != nil {
			return pc, nil, err
		}
		pc.Device = device
	}
	if c.Loras != "" {
		adapters, err := sdruntime.ParseAdapters(c.Loras)
		if err != nil {
			return pc, nil, err
		}
		pc.Adapters = adapters
	}
	if c.Watermark {
		pc.DisableWatermark = false
	}
	if c.SafetyFilter {
		pc.DisableSafetyFilter = false
	}
	return pc, checksums, nil
}

// Run provisions the pipeline, generates, writes the images and records them.
func (c *GenerateCmd) Run(a *app) error {
	ctx := a.shutdown.Context()
	cfg := a.cfg
	if c.OutputDir != "" {
		cfg.OutputDir = c.OutputDir
	}
	if c.HistoryRetentionDays != nil {
		cfg.HistoryRetentionDays = *c.HistoryRetentionDays
		if cfg.HistoryRetentionDays < 0 {
			return core.ErrInvalidValue("--history-retention-days", fmt.Sprint(*c.HistoryRetentionDays), "must not be negative")
		}
	}

	req, err := c.request(cfg)
	if err != nil {
		return err
	}
	pc, checksums, err := c.pipelineConfig(cfg)
	if err != nil {
		return err
	}

	requestID := uuid.NewString()
	log := a.logger.Named("generate").With(zap.String("request_id", requestID))

	a.shutdown.Register("temp-files", 30, sweepTempFiles(a, c.Output))

	var history *db.Database
	if cfg.HistoryDB != "" {
		history, err = db.Open(ctx, cfg.HistoryDB)
		if err != nil {
			// History is optional; generation goes ahead without it.
			log.Warn("History database unavailable", zap.String("path", cfg.HistoryDB), zap.Error(err))
		} else {
			a.shutdown.Register("history", 20, func(context.Context) error { return history.Close() })
		}
	}

	bar := newProgressBar(a.stderr, c.Progress && cfg.Backend != core.BackendProcedural)
	backend, err := imagegen.NewBackend(imagegen.Options{
		Name:       cfg.Backend,
		BaseURL:    cfg.BackendURL,
		APIKey:     cfg.APIKey,
		HTTPClient: cfg.HTTPClient(),
		Procedural: imagegen.ProceduralConfig{
			AdapterDir:       cfg.AdapterDir,
			AdapterChecksums: checksums,
		},
		Progress: bar.update,
		Logger:   a.logger.Named(cfg.Backend),
	})
	if err != nil {
		return err
	}

	pipeline, err := sdruntime.Provision(ctx, backend, pc, sdruntime.WithProvisionLogger(a.logger.Named("provision")))
	if err != nil {
		return err
	}
	a.shutdown.Register("pipeline", 10, func(context.Context) error { return pipeline.Close() })

	orchestrator, err := sdruntime.NewOrchestrator(
		storage.NewResolver(cfg.OutputDir, req.NumImages, requestID),
		storage.NewPNGWriter(a.logger.Named("storage")),
		log,
	)
	if err != nil {
		return err
	}

	log.Info("Generating",
		zap.String("backend", pipeline.Backend()),
		zap.String("model", pc.ModelID),
		zap.Int("width", req.Width),
		zap.Int("height", req.Height),
		zap.Int("steps", req.Steps),
		zap.Float64("guidance", req.Guidance),
		zap.Int("batch", req.NumImages),
		zap.Strings("adapters", adapterNames(pc.Adapters)),
	)

	result, err := orchestrator.Generate(ctx, pipeline, req, c.Output)
	bar.finish()
	if err != nil {
		return err
	}

	log.Info("Generation complete", logging.GenerationFields(metricsFor(pipeline.Backend(), req, result)))
	if history != nil {
		recordHistory(ctx, log, history, cfg.HistoryRetentionDays, requestID, result)
	}

	printSummary(a.stdout, requestID, result)

	if n := len(result.PersistErrors); n > 0 {
		return fmt.Errorf("%w: %d of %d images could not be written", sdruntime.ErrPersistence, n, len(result.Images))
	}
	return nil
}

func recordHistory(ctx context.Context, log *logging.Logger, history *db.Database, retentionDays int, requestID string, result *sdruntime.GenerationResult) {
	repo := db.NewRepository(history)
	if _, err := repo.InsertGenerations(ctx, db.RecordsFromResult(requestID, result)); err != nil {
		log.Warn("Failed to record generation history", zap.Error(err))
		return
	}

	if retentionDays <= 0 {
		return
	}
	cleanup, err := history.Cleanup(ctx, retentionDays)
	if err != nil {
		log.Warn("History cleanup failed", zap.Error(err))
		return
	}
	if cleanup.Deleted > 0 {
		log.Info("Pruned generation history",
			zap.Int64("deleted", cleanup.Deleted),
			zap.Int("retention_days", retentionDays),
			zap.Duration("duration", cleanup.Duration),
		)
	}
}

// sweepTempFiles removes half-written images from every directory this run
// may have written to.
func sweepTempFiles(a *app, requested string) shutdown.Func {
	dirs := []string{a.cfg.OutputDir}
	if requested != "" {
		if info, err := os.Stat(requested); err == nil && info.IsDir() {
			dirs = append(dirs, requested)
		} else {
			dirs = append(dirs, filepath.Dir(requested))
		}
	}
	return func(ctx context.Context) error {
		for _, dir := range dirs {
			shutdown.RemoveTempFiles(a.logger.Zap(), dir)(ctx)
		}
		return nil
	}
}

func metricsFor(backend string, req sdruntime.GenerationRequest, result *sdruntime.GenerationResult) logging.GenerationMetrics {
	m := logging.GenerationMetrics{
		Backend:   backend,
		Width:     req.Width,
		Height:    req.Height,
		Steps:     req.Steps,
		Requested: req.NumImages,
		Saved:     result.Saved(),
		Seed:      -1,
		Duration:  result.Duration,
	}
	if req.Seed != nil {
		m.Seed = *req.Seed
	}
	if primary := result.Primary(); primary != nil {
		m.ModelID = primary.Info.ModelID
	}
	return m
}

func adapterNames(adapters []sdruntime.Adapter) []string {
	out := make([]string, len(adapters))
	for i, a := range adapters {
		out[i] = a.String()
	}
	return out
}
