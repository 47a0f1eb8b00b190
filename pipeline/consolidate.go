package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"petprep/config"
	"petprep/logging"
	"petprep/utils"
)

// FinalManifest is written to 04_final_output/manifest.json
type FinalManifest struct {
	ProcessingDate   string         `json:"processing_date"`
	RunID            string         `json:"run_id"`
	TotalFinalImages int            `json:"total_final_images"`
	Workspace        string         `json:"workspace"`
	Folders          map[string]int `json:"folders"`
}

// PipelineStats is written to pipeline_stats.json
type PipelineStats struct {
	RunID       string `json:"run_id"`
	TotalImages int    `json:"total_images"`
	Blurred     int    `json:"blurred"`
	Clean       int    `json:"clean"`
	QARequired  int    `json:"qa_required"`
	Failed      int    `json:"failed"`
	Skipped     int    `json:"skipped"`
	Balanced    bool   `json:"counters_balanced"`
}

// consolidate copies the blurred and clean images into the final folder and
// writes its manifest
func (p *Pipeline) consolidate(runID string) (FinalManifest, error) {
	finalDir := p.cfg.Folder(config.DirFinal)
	if err := utils.EnsureDirs(finalDir); err != nil {
		return FinalManifest{}, err
	}
	dirs := newProcessedDirs(p.cfg)

	names := newNameSet()
	total := 0
	for _, dir := range []string{dirs.blurred, dirs.clean} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			logging.LogWarning("Cannot read %s: %v", dir, err)
			continue
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			dst := filepath.Join(finalDir, names.claim(e.Name()))
			if err := utils.CopyFile(filepath.Join(dir, e.Name()), dst); err != nil {
				logging.LogError("Consolidation copy failed: %v", err)
				continue
			}
			total++
		}
	}

	abs, err := filepath.Abs(p.cfg.WorkspaceDir)
	if err != nil {
		abs = p.cfg.WorkspaceDir
	}
	manifest := FinalManifest{
		ProcessingDate:   time.Now().Format(time.RFC3339),
		RunID:            runID,
		TotalFinalImages: total,
		Workspace:        abs,
		Folders: map[string]int{
			"downloaded": utils.CountFiles(p.cfg.Folder(config.DirDownloaded)),
			"unique":     utils.CountFiles(p.cfg.Folder(config.DirUnique)),
			"processed":  utils.CountFiles(dirs.blurred) + utils.CountFiles(dirs.clean),
			"clusters":   utils.CountFiles(p.cfg.Folder(config.DirClusters)),
		},
	}
	if err := utils.WriteJSON(filepath.Join(finalDir, "manifest.json"), manifest); err != nil {
		return manifest, err
	}
	return manifest, nil
}
