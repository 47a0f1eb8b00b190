package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"petprep/config"
	"petprep/imageprocessor"
	"petprep/logging"
	"petprep/resolver"
	"petprep/scanner"
	"petprep/types"
	"petprep/utils"
)

// DedupStats is written to deduplication_stats.json
type DedupStats struct {
	TotalImages      int    `json:"total_images"`
	UniqueImages     int    `json:"unique_images"`
	DuplicateImages  int    `json:"duplicate_images"`
	DuplicatePairs   int    `json:"duplicate_pairs"`
	Clusters         int    `json:"clusters"`
	CompressionRatio string `json:"compression_ratio"`
	Unreadable       int    `json:"unreadable_images"`
	OracleConfirmed  int    `json:"oracle_confirmed,omitempty"`
	OracleRejected   int    `json:"oracle_rejected,omitempty"`
	OracleFallbacks  int    `json:"oracle_fallbacks,omitempty"`
}

// DedupOutcome is the result of the deduplication stage
type DedupOutcome struct {
	Records  []types.ImageRecord
	Clusters []types.DuplicateCluster
	Stats    DedupStats
	// UniqueCopies maps the index of every non duplicate record to its copy
	// in the unique folder
	UniqueCopies map[int]string
}

// UniquePaths returns the unique copies in scan order
func (d *DedupOutcome) UniquePaths() []string {
	paths := make([]string, 0, len(d.UniqueCopies))
	for i := range d.Records {
		if p, ok := d.UniqueCopies[i]; ok {
			paths = append(paths, p)
		}
	}
	return paths
}

// CompressionRatio formats the share of images removed as duplicates
func CompressionRatio(unique, total int) string {
	if total == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.1f%%", (1-float64(unique)/float64(total))*100)
}

// dedup scans, extracts, scores, resolves and segregates the input folder
func (p *Pipeline) dedup(ctx context.Context, tr *tracker, opts RunOptions) (*DedupOutcome, error) {
	scanOpts := scanner.ScanOptions{
		FolderPath: p.cfg.Input(),
		Limit:      p.cfg.LimitImages,
		MaxWorkers: p.cfg.Dedup.ExtractWorkers,
		DebugMode:  p.cfg.Debug,
		Output:     opts.Output,
	}

	tr.startStage(ctx, StageScan, 0)
	start := time.Now()
	paths, stats, err := scanner.CollectImages(scanOpts)
	if err != nil {
		return nil, err
	}
	if opts.Output != nil {
		scanner.PrintStartupInfo(opts.Output, stats, scanOpts)
	}
	p.metrics.ImagesScanned.Set(float64(len(paths)))
	tr.update(func(s *types.RunState) { s.TotalImages = len(paths) })
	tr.finishStage(ctx, StageScan, fmt.Sprintf("%d images, %d beyond limit", len(paths), stats.Skipped))
	p.metrics.ObserveStage(StageScan, time.Since(start))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tr.startStage(ctx, StageExtract, len(paths))
	start = time.Now()
	scanOpts.Label = "Extracting"
	scanOpts.OnProgress = func(done, errs, total int) { tr.progress(StageExtract, done, errs, total) }
	records, err := scanner.ExtractAll(ctx, p.extractor, paths, scanOpts)
	if err != nil {
		return nil, err
	}
	unreadable := 0
	for i := range records {
		if records[i].LoadError != "" {
			unreadable++
		}
	}
	tr.finishStage(ctx, StageExtract, fmt.Sprintf("%d unreadable", unreadable))
	p.metrics.ObserveStage(StageExtract, time.Since(start))

	n := len(records)
	tr.startStage(ctx, StageScore, n*(n-1)/2)
	start = time.Now()
	pairs, err := p.resolver.FindPairs(ctx, records, func(done, total int64) {
		tr.progress(StageScore, int(done), 0, int(total))
	})
	if err != nil {
		return nil, err
	}
	p.metrics.PairsMatched.Set(float64(len(pairs)))
	tr.finishStage(ctx, StageScore, fmt.Sprintf("%d pairs at or above %.2f", len(pairs), p.cfg.Dedup.SimilarityThreshold))
	p.metrics.ObserveStage(StageScore, time.Since(start))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tr.startStage(ctx, StageResolve, len(pairs))
	start = time.Now()
	res := p.resolver.Resolve(ctx, records, pairs)
	p.metrics.DuplicatesFound.Set(float64(res.Duplicates))
	p.metrics.OracleCalls.WithLabelValues("confirmed").Add(float64(res.OracleConfirmed))
	p.metrics.OracleCalls.WithLabelValues("rejected").Add(float64(res.OracleRejected))
	p.metrics.OracleCalls.WithLabelValues("fallback").Add(float64(res.OracleFallbacks))
	tr.update(func(s *types.RunState) {
		s.UniqueImages = n - res.Duplicates
		s.DuplicateImages = res.Duplicates
		s.Done = len(pairs)
	})
	tr.finishStage(ctx, StageResolve, fmt.Sprintf("%d duplicates in %d clusters", res.Duplicates, len(res.Clusters)))
	p.metrics.ObserveStage(StageResolve, time.Since(start))

	outcome := &DedupOutcome{
		Records:  records,
		Clusters: resolver.Named(records, res.Clusters),
		Stats: DedupStats{
			TotalImages:      n,
			UniqueImages:     n - res.Duplicates,
			DuplicateImages:  res.Duplicates,
			DuplicatePairs:   len(pairs),
			Clusters:         len(res.Clusters),
			CompressionRatio: CompressionRatio(n-res.Duplicates, n),
			Unreadable:       unreadable,
			OracleConfirmed:  res.OracleConfirmed,
			OracleRejected:   res.OracleRejected,
			OracleFallbacks:  res.OracleFallbacks,
		},
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tr.startStage(ctx, StageSegregate, n)
	start = time.Now()
	outcome.UniqueCopies = p.segregate(records, res.Clusters)
	tr.finishStage(ctx, StageSegregate, fmt.Sprintf("%d unique, %d duplicates, compression %s",
		outcome.Stats.UniqueImages, outcome.Stats.DuplicateImages, outcome.Stats.CompressionRatio))
	p.metrics.ObserveStage(StageSegregate, time.Since(start))

	if err := utils.WriteJSON(filepath.Join(p.cfg.WorkspaceDir, "deduplication_stats.json"), outcome.Stats); err != nil {
		logging.LogError("Cannot write deduplication stats: %v", err)
	}
	if p.report != nil && p.cfg.Dedup.WriteReport {
		path := filepath.Join(p.cfg.WorkspaceDir, "scene_duplicates_report.xlsx")
		if err := p.report(path, records, outcome.Clusters, p.cfg.Dedup.SimilarityThreshold); err != nil {
			logging.LogError("Cannot write duplicate report: %v", err)
		} else {
			logging.LogInfo("Duplicate report written to %s", path)
		}
	}

	return outcome, nil
}

// segregate copies originals to the unique folder, duplicates to the flat
// duplicates folder and every cluster to its own audit folder. It returns
// the unique copy of each non duplicate record. Unique copies are named so
// that their obfuscated output names differ too. Copy failures are logged and
// leave the copy missing, which the obfuscation stage reports as failed.
func (p *Pipeline) segregate(records []types.ImageRecord, clusters []resolver.Cluster) map[int]string {
	uniqueDir := p.cfg.Folder(config.DirUnique)
	dupDir := p.cfg.Folder(config.DirDuplicates)
	clusterRoot := p.cfg.Folder(config.DirClusters)
	if err := utils.EnsureDirs(uniqueDir, dupDir, clusterRoot); err != nil {
		logging.LogError("%v", err)
	}

	uniqueNames := newNameSet()
	dupNames := newNameSet()
	copies := make(map[int]string)

	for i := range records {
		r := &records[i]
		if r.Verdict.IsDuplicate {
			p.copyOrRecord(r.Path, filepath.Join(dupDir, dupNames.claim(r.Filename)))
			continue
		}
		dst := filepath.Join(uniqueDir, uniqueNames.claimOutput(r.Filename))
		p.copyOrRecord(r.Path, dst)
		copies[i] = dst
	}

	for id, c := range clusters {
		original := &records[c.Original]
		dir := filepath.Join(clusterRoot, fmt.Sprintf("cluster_%04d_%s", id+1, stem(original.Filename)))
		names := newNameSet()
		p.copyOrRecord(original.Path, filepath.Join(dir, names.claim("ORIGINAL_"+original.Filename)))
		for _, d := range c.Duplicates {
			p.copyOrRecord(records[d].Path, filepath.Join(dir, names.claim("duplicate_"+records[d].Filename)))
		}
	}
	return copies
}

func (p *Pipeline) copyOrRecord(src, dst string) {
	if err := utils.CopyFile(src, dst); err != nil {
		logging.LogError("Segregation copy failed: %v", err)
		if ferr := p.failures.Record(filepath.Base(src), err.Error()); ferr != nil {
			logging.LogError("Cannot record failure: %v", ferr)
		}
	}
}

func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// nameSet hands out file names unique within one folder. A name already
// taken gets a numeric suffix before its extension.
type nameSet map[string]struct{}

func newNameSet() nameSet {
	return make(nameSet)
}

func (n nameSet) claim(name string) string {
	candidate := name
	for i := 1; ; i++ {
		if _, taken := n[candidate]; !taken {
			n[candidate] = struct{}{}
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d%s", stem(name), i, filepath.Ext(name))
	}
}

// claimOutput is claim keyed on the name the image is written under after
// obfuscation, so a.heic and a.jpg do not both end up as a.jpg
func (n nameSet) claimOutput(name string) string {
	candidate := name
	for i := 1; ; i++ {
		out, _ := imageprocessor.OutputName(candidate)
		if _, taken := n[out]; !taken {
			n[out] = struct{}{}
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d%s", stem(name), i, filepath.Ext(name))
	}
}
