// Package pipeline runs a preparation run: scan and deduplicate the input,
// obfuscate faces in the unique images, then consolidate the output. Stages
// run strictly in order and the run context is checked between them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"petprep/config"
	"petprep/imageprocessor"
	"petprep/logging"
	"petprep/resolver"
	"petprep/scanner"
	"petprep/similarity"
	"petprep/types"
	"petprep/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNothingToDo is returned when a run enables no stage
var ErrNothingToDo = errors.New("no stage enabled")

// ReportFunc writes the duplicate report for a resolved corpus
type ReportFunc func(path string, records []types.ImageRecord, clusters []types.DuplicateCluster, threshold float64) error

// Deps are the collaborators of a pipeline. Extractor is required for
// deduplication and Obfuscator for obfuscation; the rest are optional.
type Deps struct {
	Extractor  scanner.Extractor
	Oracle     resolver.Oracle
	Obfuscator Obfuscator
	Loader     *imageprocessor.ImageLoaderRegistry
	Store      RunStore
	Report     ReportFunc
}

// RunOptions select the stages of one run
type RunOptions struct {
	Dedup     bool
	Obfuscate bool
	Output    io.Writer // progress lines, nil for none
	OnEvent   EventFunc
}

// Manifest is the record of one run written to pipeline_manifest.json
type Manifest struct {
	RunID           string                   `json:"run_id"`
	PipelineVersion string                   `json:"pipeline_version"`
	Status          types.RunStatus          `json:"status"`
	StartedAt       time.Time                `json:"started_at"`
	FinishedAt      time.Time                `json:"finished_at"`
	Error           string                   `json:"error,omitempty"`
	Threshold       float64                  `json:"dedup_similarity_threshold"`
	Method          string                   `json:"anonymization_method,omitempty"`
	Dedup           *DedupStats              `json:"deduplication,omitempty"`
	Clusters        []types.DuplicateCluster `json:"clusters,omitempty"`
	Statistics      *types.Counters          `json:"statistics,omitempty"`
	CounterMismatch string                   `json:"counter_mismatch,omitempty"`
	Final           *FinalManifest           `json:"final_output,omitempty"`
	Images          []types.ImageEntry       `json:"images"`
}

// Pipeline executes one run at a time
type Pipeline struct {
	cfg        *config.Config
	extractor  scanner.Extractor
	resolver   *resolver.Engine
	obfuscator Obfuscator
	loader     *imageprocessor.ImageLoaderRegistry
	store      RunStore
	report     ReportFunc

	metrics  *Metrics
	failures *logging.FailureLog
}

// New creates a pipeline for cfg
func New(cfg *config.Config, deps Deps) *Pipeline {
	store := deps.Store
	if store == nil {
		store = NewMemoryStore()
	}
	loader := deps.Loader
	if loader == nil {
		loader = imageprocessor.NewImageLoaderRegistry()
	}
	return &Pipeline{
		cfg:        cfg,
		extractor:  deps.Extractor,
		resolver:   resolver.New(similarity.NewScorer(cfg.Dedup.SimilarityThreshold), deps.Oracle),
		obfuscator: deps.Obfuscator,
		loader:     loader,
		store:      store,
		report:     deps.Report,
	}
}

// Store returns the run store
func (p *Pipeline) Store() RunStore {
	return p.store
}

// Run executes the selected stages. Per image failures never abort the run;
// the returned error is a setup failure or the context error when the run
// was cancelled. The manifest is returned and written in both cases.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*Manifest, error) {
	if !opts.Dedup && !opts.Obfuscate {
		return nil, ErrNothingToDo
	}
	if opts.Dedup && p.extractor == nil {
		return nil, errors.New("deduplication needs a feature extractor")
	}
	if opts.Obfuscate && p.obfuscator == nil {
		return nil, errors.New("obfuscation needs an obfuscator")
	}
	if err := utils.EnsureDirs(p.cfg.WorkspaceDir); err != nil {
		return nil, err
	}

	if p.cfg.Workers.PipelineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Workers.PipelineTimeout)
		defer cancel()
	}

	runID := uuid.NewString()
	p.metrics = NewMetrics(runID)
	p.failures = logging.NewFailureLog(filepath.Join(p.cfg.WorkspaceDir, "failed_images.log"))
	defer func() {
		if err := p.failures.Close(); err != nil {
			logging.LogWarning("Cannot close failure log: %v", err)
		}
	}()

	tr := newTracker(runID, p.store, opts.OnEvent)
	tr.persist(ctx)
	logging.Logger().Info("Run started",
		zap.String("run_id", runID),
		zap.Bool("dedup", opts.Dedup),
		zap.Bool("obfuscate", opts.Obfuscate),
		zap.String("workspace", p.cfg.WorkspaceDir))

	manifest := &Manifest{
		RunID:           runID,
		PipelineVersion: p.cfg.Output.PipelineVersion,
		Threshold:       p.cfg.Dedup.SimilarityThreshold,
	}
	if opts.Obfuscate {
		manifest.Method = p.obfuscator.Method()
	}

	runErr := p.execute(ctx, tr, opts, manifest)

	state := tr.finish(ctx, runErr)
	manifest.Status = state.Status
	manifest.StartedAt = state.StartedAt
	manifest.FinishedAt = state.FinishedAt
	manifest.Error = state.Error

	p.writeRunOutputs(ctx, manifest)

	logging.Logger().Info("Run finished",
		zap.String("run_id", runID),
		zap.String("status", string(state.Status)),
		zap.Duration("elapsed", state.FinishedAt.Sub(state.StartedAt)),
		zap.Int("failures", p.failures.Count()))
	return manifest, runErr
}

func (p *Pipeline) execute(ctx context.Context, tr *tracker, opts RunOptions, manifest *Manifest) error {
	var (
		outcome *DedupOutcome
		input   []string
	)

	if opts.Dedup {
		var err error
		outcome, err = p.dedup(ctx, tr, opts)
		if err != nil {
			return fmt.Errorf("deduplication: %w", err)
		}
		manifest.Dedup = &outcome.Stats
		manifest.Clusters = outcome.Clusters
		manifest.Images = dedupEntries(outcome)
		input = outcome.UniquePaths()
	}

	if !opts.Obfuscate {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if !opts.Dedup {
		paths, err := p.obfuscationInput(ctx, tr)
		if err != nil {
			return fmt.Errorf("obfuscation input: %w", err)
		}
		input = paths
	}

	tr.startStage(ctx, StageObfuscate, len(input))
	start := time.Now()
	results := p.obfuscateAll(ctx, input, tr, opts)
	counters, mismatch := tally(results)
	tr.update(func(s *types.RunState) { s.Counters = counters })
	manifest.Statistics = &counters
	manifest.CounterMismatch = mismatch
	attachResults(manifest, outcome, input, results)

	if err := p.writeObfuscationReport(results, counters); err != nil {
		logging.LogError("Cannot write obfuscation results: %v", err)
	}
	stats := PipelineStats{
		RunID:       tr.state.ID,
		TotalImages: counters.Total,
		Blurred:     counters.Obfuscated + counters.QARequired,
		Clean:       counters.Clean,
		QARequired:  counters.QARequired,
		Failed:      counters.Failed,
		Skipped:     counters.Skipped,
		Balanced:    mismatch == "",
	}
	if err := utils.WriteJSON(filepath.Join(p.cfg.WorkspaceDir, "pipeline_stats.json"), stats); err != nil {
		logging.LogError("Cannot write pipeline stats: %v", err)
	}
	if mismatch == "" {
		p.metrics.CountersBalanced.Set(1)
	}
	tr.finishStage(ctx, StageObfuscate, fmt.Sprintf("%d obfuscated, %d clean, %d QA, %d failed, %d skipped",
		counters.Obfuscated, counters.Clean, counters.QARequired, counters.Failed, counters.Skipped))
	p.metrics.ObserveStage(StageObfuscate, time.Since(start))

	if err := ctx.Err(); err != nil {
		return err
	}

	tr.startStage(ctx, StageConsolidate, counters.Obfuscated+counters.QARequired+counters.Clean)
	start = time.Now()
	final, err := p.consolidate(tr.state.ID)
	if err != nil {
		return fmt.Errorf("consolidation: %w", err)
	}
	manifest.Final = &final
	tr.update(func(s *types.RunState) { s.Done = final.TotalFinalImages })
	tr.finishStage(ctx, StageConsolidate, fmt.Sprintf("%d images in final output", final.TotalFinalImages))
	p.metrics.ObserveStage(StageConsolidate, time.Since(start))
	return nil
}

// obfuscationInput scans the explicit input folder, or the unique folder of
// an earlier deduplication run
func (p *Pipeline) obfuscationInput(ctx context.Context, tr *tracker) ([]string, error) {
	folder := p.cfg.InputDir
	if folder == "" {
		folder = p.cfg.Folder(config.DirUnique)
	}
	tr.startStage(ctx, StageScan, 0)
	paths, stats, err := scanner.CollectImages(scanner.ScanOptions{FolderPath: folder, Limit: p.cfg.LimitImages})
	if err != nil {
		return nil, err
	}
	p.metrics.ImagesScanned.Set(float64(len(paths)))
	tr.update(func(s *types.RunState) {
		s.TotalImages = len(paths)
		s.UniqueImages = len(paths)
	})
	tr.finishStage(ctx, StageScan, fmt.Sprintf("%d images in %s, %d beyond limit", len(paths), folder, stats.Skipped))
	return paths, nil
}

// writeRunOutputs persists the image entries and writes the run manifest and
// metrics. Failures are logged, the run result stands.
func (p *Pipeline) writeRunOutputs(ctx context.Context, manifest *Manifest) {
	storeCtx := context.WithoutCancel(ctx)
	if err := p.store.SaveImages(storeCtx, manifest.RunID, manifest.Images); err != nil {
		logging.LogWarning("Cannot save image results of run %s: %v", manifest.RunID, err)
	}
	if err := utils.WriteJSON(filepath.Join(p.cfg.WorkspaceDir, "pipeline_manifest.json"), manifest); err != nil {
		logging.LogError("Cannot write run manifest: %v", err)
	}
	if p.cfg.Output.WriteMetrics {
		if err := p.metrics.WriteTextfile(filepath.Join(p.cfg.WorkspaceDir, "metrics.prom")); err != nil {
			logging.LogWarning("%v", err)
		}
	}
}

func dedupEntries(outcome *DedupOutcome) []types.ImageEntry {
	entries := make([]types.ImageEntry, len(outcome.Records))
	for i := range outcome.Records {
		r := &outcome.Records[i]
		entries[i] = types.ImageEntry{
			Path:       r.Path,
			Filename:   r.Filename,
			CapturedAt: r.CapturedAt,
			LoadError:  r.LoadError,
			Verdict:    r.Verdict,
		}
	}
	return entries
}

// attachResults joins obfuscation results to the manifest entries. After
// deduplication the results belong to the unique copies; otherwise every
// input gets its own entry.
func attachResults(manifest *Manifest, outcome *DedupOutcome, input []string, results []types.ObfuscationResult) {
	if outcome == nil {
		manifest.Images = make([]types.ImageEntry, len(input))
		for i, path := range input {
			manifest.Images[i] = types.ImageEntry{Path: path, Filename: filepath.Base(path), Obfuscation: &results[i]}
		}
		return
	}

	byCopy := make(map[string]int, len(input))
	for i, path := range input {
		byCopy[path] = i
	}
	for i, copyPath := range outcome.UniqueCopies {
		if j, ok := byCopy[copyPath]; ok {
			manifest.Images[i].Obfuscation = &results[j]
		}
	}
}
