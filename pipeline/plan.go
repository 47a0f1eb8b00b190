package pipeline

import (
	"fmt"
	"io"

	"petprep/config"
	"petprep/scanner"
)

// Plan describes what a run would do, for --dry-run
type Plan struct {
	Dedup       bool
	Obfuscate   bool
	Input       string
	Images      int
	BeyondLimit int
	Pairs       int
	Workspace   string
	Method      string
	Oracle      bool
}

// NewPlan scans the input that a run with opts would read, without touching
// the workspace
func NewPlan(cfg *config.Config, opts RunOptions) (Plan, error) {
	plan := Plan{
		Dedup:     opts.Dedup,
		Obfuscate: opts.Obfuscate,
		Input:     cfg.Input(),
		Workspace: cfg.WorkspaceDir,
		Method:    cfg.Face.MethodName(),
		Oracle:    opts.Dedup && cfg.Oracle.Enabled,
	}
	if !opts.Dedup && cfg.InputDir == "" {
		plan.Input = cfg.Folder(config.DirUnique)
	}

	paths, stats, err := scanner.CollectImages(scanner.ScanOptions{FolderPath: plan.Input, Limit: cfg.LimitImages})
	if err != nil {
		return plan, err
	}
	plan.Images = len(paths)
	plan.BeyondLimit = stats.Skipped
	if opts.Dedup {
		plan.Pairs = plan.Images * (plan.Images - 1) / 2
	}
	return plan, nil
}

// Print writes the plan
func (p Plan) Print(w io.Writer) {
	fmt.Fprintf(w, "Dry run, nothing will be written.\n")
	fmt.Fprintf(w, "  Input:       %s (%d images", p.Input, p.Images)
	if p.BeyondLimit > 0 {
		fmt.Fprintf(w, ", %d beyond limit", p.BeyondLimit)
	}
	fmt.Fprintf(w, ")\n")
	fmt.Fprintf(w, "  Workspace:   %s\n", p.Workspace)
	if p.Dedup {
		fmt.Fprintf(w, "  Step 1:      deduplicate, %d pairs to score", p.Pairs)
		if p.Oracle {
			fmt.Fprintf(w, ", composite matches confirmed by the duplicate oracle")
		}
		fmt.Fprintf(w, "\n")
	}
	if p.Obfuscate {
		fmt.Fprintf(w, "  Step 2:      obfuscate faces with %s\n", p.Method)
		fmt.Fprintf(w, "  Step 3:      consolidate into %s\n", config.DirFinal)
	}
}
