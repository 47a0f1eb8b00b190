// Package resolver turns scored image pairs into duplicate verdicts. Each
// scene resolves to exactly one original, the image with the lowest filename
// sort key, and duplicates never chain.
package resolver

import (
	"context"
	"errors"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"

	"petprep/logging"
	"petprep/oracle"
	"petprep/similarity"
	"petprep/types"

	"golang.org/x/sync/errgroup"
)

// Oracle confirms composite matches before they are committed
type Oracle interface {
	SameScene(ctx context.Context, original, duplicate *types.ImageRecord) (bool, error)
}

// ProgressFunc receives the number of scored pairs out of total
type ProgressFunc func(done, total int64)

// Resolution summarizes one resolve pass
type Resolution struct {
	Clusters        []Cluster
	Duplicates      int
	Pairs           int
	OracleConfirmed int
	OracleRejected  int
	OracleFallbacks int
}

// Cluster is an original and the duplicates resolved against it, as indices
// into the record slice
type Cluster struct {
	Original   int
	Duplicates []int
}

// Engine finds and resolves duplicate pairs
type Engine struct {
	scorer  *similarity.Scorer
	oracle  Oracle
	workers int
}

// New creates an engine. o may be nil.
func New(scorer *similarity.Scorer, o Oracle) *Engine {
	return &Engine{scorer: scorer, oracle: o, workers: runtime.NumCPU()}
}

// FindPairs scores every pair i<j and returns those at or above the
// threshold, in generation order
func (e *Engine) FindPairs(ctx context.Context, records []types.ImageRecord, progress ProgressFunc) ([]types.MatchPair, error) {
	n := len(records)
	total := int64(n) * int64(n-1) / 2
	rows := make([][]types.MatchPair, n)
	var done int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var row []types.MatchPair
			for j := i + 1; j < n; j++ {
				r := e.scorer.Score(&records[i], &records[j])
				if r.Similarity >= e.scorer.Threshold() {
					row = append(row, types.MatchPair{A: i, B: j, Similarity: r.Similarity, Reason: r.Reason, Tier: r.Tier})
				}
			}
			rows[i] = row
			scored := atomic.AddInt64(&done, int64(n-i-1))
			if progress != nil {
				progress(scored, total)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var pairs []types.MatchPair
	for _, row := range rows {
		pairs = append(pairs, row...)
	}
	return pairs, nil
}

// Resolve assigns duplicate verdicts to records from pairs. Pairs are walked
// in order of the lower filename key, then by similarity descending; a pair
// is skipped when its duplicate is already assigned or already an original,
// or when its original is itself a duplicate.
func (e *Engine) Resolve(ctx context.Context, records []types.ImageRecord, pairs []types.MatchPair) Resolution {
	keys := make([]SortKey, len(records))
	for i := range records {
		keys[i] = KeyOf(records[i].Filename)
	}

	ordered := make([]types.MatchPair, len(pairs))
	copy(ordered, pairs)
	sort.SliceStable(ordered, func(x, y int) bool {
		kx := minKey(keys[ordered[x].A], keys[ordered[x].B])
		ky := minKey(keys[ordered[y].A], keys[ordered[y].B])
		if c := kx.Compare(ky); c != 0 {
			return c < 0
		}
		return ordered[x].Similarity > ordered[y].Similarity
	})

	res := Resolution{Pairs: len(pairs)}
	assigned := make([]bool, len(records))
	clusterOf := make(map[int]int)

	for _, p := range ordered {
		original, duplicate := p.A, p.B
		if keys[p.B].Compare(keys[p.A]) < 0 {
			original, duplicate = p.B, p.A
		}

		if assigned[duplicate] || assigned[original] {
			continue
		}
		// equal keys can offer an existing original as a duplicate
		if _, isOriginal := clusterOf[duplicate]; isOriginal {
			continue
		}

		if p.Tier == types.TierComposite && e.oracle != nil {
			same, err := e.oracle.SameScene(ctx, &records[original], &records[duplicate])
			switch {
			case err != nil:
				res.OracleFallbacks++
				if !errors.Is(err, oracle.ErrBudgetExhausted) {
					logging.LogWarning("Duplicate oracle failed for %s / %s, keeping score verdict: %v",
						records[original].Filename, records[duplicate].Filename, err)
				}
			case !same:
				res.OracleRejected++
				logging.DebugLog("Oracle rejected %s as duplicate of %s", records[duplicate].Filename, records[original].Filename)
				continue
			default:
				res.OracleConfirmed++
			}
		}

		assigned[duplicate] = true
		records[duplicate].Verdict = types.DuplicateVerdict{
			IsDuplicate: true,
			DuplicateOf: records[original].Path,
			Similarity:  p.Similarity,
			MatchReason: p.Reason,
		}
		res.Duplicates++

		idx, ok := clusterOf[original]
		if !ok {
			idx = len(res.Clusters)
			clusterOf[original] = idx
			res.Clusters = append(res.Clusters, Cluster{Original: original})
		}
		res.Clusters[idx].Duplicates = append(res.Clusters[idx].Duplicates, duplicate)
	}

	return res
}

// Named converts clusters to identifier form
func Named(records []types.ImageRecord, clusters []Cluster) []types.DuplicateCluster {
	out := make([]types.DuplicateCluster, 0, len(clusters))
	for _, c := range clusters {
		dc := types.DuplicateCluster{Original: records[c.Original].Path}
		for _, d := range c.Duplicates {
			dc.Duplicates = append(dc.Duplicates, records[d].Path)
		}
		out = append(out, dc)
	}
	return out
}

var digitRun = regexp.MustCompile(`\d+`)

// SortKey orders filenames: names with a digit run sort first, by the value
// of their first run; the rest sort by name
type SortKey struct {
	Numeric bool
	digits  string
	Name    string
}

// KeyOf computes the sort key of a filename
func KeyOf(filename string) SortKey {
	run := digitRun.FindString(filename)
	if run == "" {
		return SortKey{Name: filename}
	}
	trimmed := strings.TrimLeft(run, "0")
	return SortKey{Numeric: true, digits: trimmed, Name: filename}
}

// Compare returns -1, 0 or 1. Numeric keys compare by value only, so
// "IMG_007" and "photo7" are equal.
func (k SortKey) Compare(other SortKey) int {
	switch {
	case k.Numeric && !other.Numeric:
		return -1
	case !k.Numeric && other.Numeric:
		return 1
	case k.Numeric:
		if len(k.digits) != len(other.digits) {
			if len(k.digits) < len(other.digits) {
				return -1
			}
			return 1
		}
		return strings.Compare(k.digits, other.digits)
	default:
		return strings.Compare(k.Name, other.Name)
	}
}

func minKey(a, b SortKey) SortKey {
	if b.Compare(a) < 0 {
		return b
	}
	return a
}
