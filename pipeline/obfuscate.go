package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"petprep/config"
	"petprep/imageprocessor"
	"petprep/logging"
	"petprep/scanner"
	"petprep/types"
	"petprep/utils"

	"golang.org/x/sync/errgroup"
)

// ErrItemTimeout marks an image abandoned after the per item timeout
var ErrItemTimeout = errors.New("item timed out")

// MethodTimeoutSkip is reported for images abandoned after the timeout
const MethodTimeoutSkip = types.MethodTimeoutSkip

// Processed sub folders
const (
	SubBlurred  = "blurred"
	SubClean    = "clean"
	SubQAReview = "qa_review"
)

// Obfuscator processes one image, writing its obfuscated form to outDir
type Obfuscator interface {
	Process(ctx context.Context, path, outDir string) types.ObfuscationResult
	Method() string
}

// ObfuscationReport is written to obfuscation_results.json
type ObfuscationReport struct {
	PipelineVersion     string                    `json:"pipeline_version"`
	AnonymizationMethod string                    `json:"anonymization_method"`
	TotalImages         int                       `json:"total_images"`
	Statistics          types.Counters            `json:"statistics"`
	Results             []types.ObfuscationResult `json:"results"`
}

type processedDirs struct {
	blurred, clean, qa string
}

func newProcessedDirs(cfg *config.Config) processedDirs {
	root := cfg.Folder(config.DirProcessed)
	return processedDirs{
		blurred: filepath.Join(root, SubBlurred),
		clean:   filepath.Join(root, SubClean),
		qa:      filepath.Join(root, SubQAReview),
	}
}

// obfuscateAll runs the obfuscator over paths on a fixed size pool. Results
// are index aligned with paths. Items not started before ctx is done are
// recorded as skipped.
func (p *Pipeline) obfuscateAll(ctx context.Context, paths []string, tr *tracker, opts RunOptions) []types.ObfuscationResult {
	dirs := newProcessedDirs(p.cfg)
	if err := utils.EnsureDirs(dirs.blurred, dirs.clean, dirs.qa); err != nil {
		logging.LogError("%v", err)
	}

	results := make([]types.ObfuscationResult, len(paths))
	claimOutputNames(paths, results)

	resultsChan := make(chan scanner.ProcessImageResult, 100)
	progress := scanner.NewProgressTracker(scanner.CountFilesToProcess(paths), resultsChan, scanner.ScanOptions{
		Label:  "Obfuscating",
		Output: opts.Output,
		OnProgress: func(done, errs, total int) {
			tr.progress(StageObfuscate, done, errs, total)
		},
	})

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers.NumWorkers)
	for i, path := range paths {
		if results[i].Action != "" {
			// output name collision, already failed
			resultsChan <- scanner.ProcessImageResult{Path: path, Error: errors.New(results[i].Error)}
			continue
		}
		g.Go(func() error {
			start := time.Now()
			var r types.ObfuscationResult
			if err := ctx.Err(); err != nil {
				r = skippedResult(path, err.Error())
			} else {
				r = p.processOne(ctx, path, dirs)
			}
			results[i] = r
			p.metrics.ObserveResult(r, time.Since(start))

			item := scanner.ProcessImageResult{Path: path, Success: r.Action != types.ActionFailed, Converted: r.Renamed}
			if r.Error != "" {
				item.Error = errors.New(r.Error)
			}
			resultsChan <- item
			return nil
		})
	}
	_ = g.Wait()
	close(resultsChan)
	progress.Stop()

	for i, r := range results {
		if r.Action == types.ActionFailed {
			if err := p.failures.Record(r.Image, r.Error); err != nil {
				logging.LogError("Cannot record failure of %s: %v", paths[i], err)
			}
		}
	}
	return results
}

// processOne runs one image under the item timeout and routes its output
func (p *Pipeline) processOne(ctx context.Context, path string, dirs processedDirs) types.ObfuscationResult {
	timeout := p.cfg.Workers.ItemTimeout
	itemCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan types.ObfuscationResult, 1)
	go func() {
		done <- p.obfuscator.Process(itemCtx, path, dirs.blurred)
	}()

	var r types.ObfuscationResult
	select {
	case r = <-done:
	case <-itemCtx.Done():
		select {
		case r = <-done:
		default:
			r = skippedResult(path, itemCtx.Err().Error())
		}
	}

	if r.Action == types.ActionSkipped {
		if ctx.Err() != nil || !errors.Is(itemCtx.Err(), context.DeadlineExceeded) {
			return r
		}
		logging.LogWarning("Timed out after %v, saving %s as clean", timeout, path)
		r = timedOutResult(path, fmt.Sprintf("%v after %v", ErrItemTimeout, timeout))
	}

	p.route(path, dirs, &r)
	return r
}

// route places the output of a finished item. Obfuscated and QA images were
// written to blurred by the obfuscator; QA images are also copied to
// qa_review. Face free and timed out images are copied to clean.
func (p *Pipeline) route(path string, dirs processedDirs, r *types.ObfuscationResult) {
	switch r.Action {
	case types.ActionQARequired:
		src := filepath.Join(dirs.blurred, r.OutputName)
		if err := utils.CopyFile(src, filepath.Join(dirs.qa, r.OutputName)); err != nil {
			logging.LogWarning("Cannot copy %s to QA review: %v", r.OutputName, err)
		}
	case types.ActionNoFace:
		if err := p.copyClean(path, filepath.Join(dirs.clean, r.OutputName), r.Renamed); err != nil {
			r.Action = types.ActionFailed
			r.Error = err.Error()
		}
	}
}

// copyClean copies a face free image, converting formats that are not
// written back as is
func (p *Pipeline) copyClean(src, dst string, convert bool) error {
	if !convert {
		return utils.CopyFile(src, dst)
	}
	img, err := p.loader.LoadImage(src)
	if err != nil {
		return fmt.Errorf("cannot convert %s: %w", filepath.Base(src), err)
	}
	defer img.Close()
	return imageprocessor.WriteImage(dst, img, p.cfg.Output.JPEGQuality)
}

func skippedResult(path, reason string) types.ObfuscationResult {
	return types.ObfuscationResult{
		Image:        filepath.Base(path),
		Action:       types.ActionSkipped,
		Verification: types.VerificationSkipped,
		Error:        reason,
	}
}

// timedOutResult treats an abandoned image as clean and unprocessed
func timedOutResult(path, reason string) types.ObfuscationResult {
	name := filepath.Base(path)
	out, renamed := imageprocessor.OutputName(name)
	return types.ObfuscationResult{
		Image:        name,
		Action:       types.ActionNoFace,
		Verification: types.VerificationSkipped,
		OutputName:   out,
		Renamed:      renamed,
		Method:       types.MethodTimeoutSkip,
		Error:        reason,
	}
}

// claimOutputNames fails every item whose output name is already taken by an
// earlier item, since both would be written to the same file
func claimOutputNames(paths []string, results []types.ObfuscationResult) {
	owners := make(map[string]string, len(paths))
	for i, path := range paths {
		name := filepath.Base(path)
		out, _ := imageprocessor.OutputName(name)
		if owner, taken := owners[out]; taken {
			results[i] = types.ObfuscationResult{
				Image:  name,
				Action: types.ActionFailed,
				Error:  fmt.Sprintf("output name %s is already used by %s", out, owner),
			}
			continue
		}
		owners[out] = path
	}
}

// tally counts results and warns when the buckets do not add up
func tally(results []types.ObfuscationResult) (types.Counters, string) {
	var c types.Counters
	for _, r := range results {
		c.Add(r)
	}
	if c.Balanced() {
		return c, ""
	}
	msg := fmt.Sprintf("counter mismatch: obfuscated %d + clean %d + qa_required %d + failed %d + skipped %d = %d, total %d",
		c.Obfuscated, c.Clean, c.QARequired, c.Failed, c.Skipped, c.Accounted(), c.Total)
	logging.LogWarning("%s", msg)
	return c, msg
}

// writeObfuscationReport writes obfuscation_results.json into the processed folder
func (p *Pipeline) writeObfuscationReport(results []types.ObfuscationResult, counters types.Counters) error {
	report := ObfuscationReport{
		PipelineVersion:     p.cfg.Output.PipelineVersion,
		AnonymizationMethod: p.obfuscator.Method(),
		TotalImages:         len(results),
		Statistics:          counters,
		Results:             results,
	}
	return utils.WriteJSON(filepath.Join(p.cfg.Folder(config.DirProcessed), "obfuscation_results.json"), report)
}
