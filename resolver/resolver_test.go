package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"

	"petprep/oracle"
	"petprep/similarity"
	"petprep/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubOracle struct {
	same  bool
	err   error
	calls int
}

func (s *stubOracle) SameScene(_ context.Context, _, _ *types.ImageRecord) (bool, error) {
	s.calls++
	return s.same, s.err
}

func records(names ...string) []types.ImageRecord {
	out := make([]types.ImageRecord, len(names))
	for i, n := range names {
		out[i] = types.ImageRecord{Path: "/in/" + n, Filename: n}
	}
	return out
}

func pair(a, b int, sim float64, tier types.MatchTier) types.MatchPair {
	return types.MatchPair{A: a, B: b, Similarity: sim, Reason: string(tier), Tier: tier}
}

func TestResolveCollapsesSceneOntoLowestKey(t *testing.T) {
	recs := records("IMG_1.jpg", "IMG_2.jpg", "IMG_3.jpg")
	pairs := []types.MatchPair{
		pair(0, 1, 0.9, types.TierExact),
		pair(1, 2, 0.95, types.TierPerceptual),
		pair(0, 2, 0.5, types.TierComposite),
	}

	res := New(similarity.NewScorer(0.32), nil).Resolve(context.Background(), recs, pairs)

	assert.Equal(t, 2, res.Duplicates)
	assert.Equal(t, 3, res.Pairs)
	require.Len(t, res.Clusters, 1)
	assert.Equal(t, Cluster{Original: 0, Duplicates: []int{1, 2}}, res.Clusters[0])

	assert.False(t, recs[0].Verdict.IsDuplicate)
	assert.Equal(t, "/in/IMG_1.jpg", recs[1].Verdict.DuplicateOf)
	assert.Equal(t, 0.9, recs[1].Verdict.Similarity)
	assert.Equal(t, "/in/IMG_1.jpg", recs[2].Verdict.DuplicateOf)
	assert.Equal(t, 0.5, recs[2].Verdict.Similarity)
}

func TestResolveNeverChains(t *testing.T) {
	recs := records("a_1.jpg", "a_2.jpg", "a_3.jpg")
	pairs := []types.MatchPair{
		pair(1, 2, 0.9, types.TierExact),
		pair(0, 1, 0.8, types.TierExact),
	}

	res := New(similarity.NewScorer(0.32), nil).Resolve(context.Background(), recs, pairs)

	assert.Equal(t, 1, res.Duplicates)
	assert.True(t, recs[1].Verdict.IsDuplicate)
	assert.Equal(t, "/in/a_1.jpg", recs[1].Verdict.DuplicateOf)
	assert.False(t, recs[2].Verdict.IsDuplicate)
	assert.False(t, recs[0].Verdict.IsDuplicate)
}

func TestResolveEqualKeysNeverChain(t *testing.T) {
	// all three share the date digit run, so every pair has the same min key
	recs := records("IMG_20240501_a.jpg", "IMG_20240501_b.jpg", "IMG_20240501_c.jpg")
	pairs := []types.MatchPair{
		pair(0, 1, 0.80, types.TierComposite),
		pair(1, 2, 0.95, types.TierComposite),
	}

	res := New(similarity.NewScorer(0.32), nil).Resolve(context.Background(), recs, pairs)

	// b claims c first; b is then an original and cannot become a's duplicate
	assert.Equal(t, 1, res.Duplicates)
	require.Len(t, res.Clusters, 1)
	assert.Equal(t, Cluster{Original: 1, Duplicates: []int{2}}, res.Clusters[0])
	assert.False(t, recs[1].Verdict.IsDuplicate)
	assert.False(t, recs[0].Verdict.IsDuplicate)
	assert.Equal(t, "/in/IMG_20240501_b.jpg", recs[2].Verdict.DuplicateOf)

	for i, r := range recs {
		if !r.Verdict.IsDuplicate {
			continue
		}
		for j := range recs {
			if recs[j].Path == r.Verdict.DuplicateOf {
				assert.False(t, recs[j].Verdict.IsDuplicate, "record %d points at a duplicate", i)
			}
		}
	}
}

func TestResolveTieKeepsFirstRecord(t *testing.T) {
	recs := records("photo7.jpg", "IMG_007.jpg")
	res := New(similarity.NewScorer(0.32), nil).Resolve(context.Background(), recs, []types.MatchPair{pair(0, 1, 1, types.TierExact)})

	require.Len(t, res.Clusters, 1)
	assert.Equal(t, 0, res.Clusters[0].Original)
	assert.True(t, recs[1].Verdict.IsDuplicate)
}

func TestResolveNumericBeforeNames(t *testing.T) {
	recs := records("cat.jpg", "IMG_20.jpg", "IMG_3.jpg")
	pairs := []types.MatchPair{
		pair(0, 1, 1, types.TierExact),
		pair(0, 2, 1, types.TierExact),
	}

	New(similarity.NewScorer(0.32), nil).Resolve(context.Background(), recs, pairs)

	// IMG_3 sorts first by value and becomes the original of the cat photo
	assert.False(t, recs[2].Verdict.IsDuplicate)
	assert.Equal(t, "/in/IMG_3.jpg", recs[0].Verdict.DuplicateOf)
	assert.False(t, recs[1].Verdict.IsDuplicate)
}

func TestResolveOracleRejects(t *testing.T) {
	recs := records("IMG_1.jpg", "IMG_2.jpg")
	o := &stubOracle{same: false}

	res := New(similarity.NewScorer(0.32), o).Resolve(context.Background(), recs, []types.MatchPair{pair(0, 1, 0.4, types.TierComposite)})

	assert.Equal(t, 1, o.calls)
	assert.Equal(t, 1, res.OracleRejected)
	assert.Zero(t, res.Duplicates)
	assert.Empty(t, res.Clusters)
	assert.False(t, recs[1].Verdict.IsDuplicate)
}

func TestResolveOracleConfirms(t *testing.T) {
	recs := records("IMG_1.jpg", "IMG_2.jpg")
	o := &stubOracle{same: true}

	res := New(similarity.NewScorer(0.32), o).Resolve(context.Background(), recs, []types.MatchPair{pair(0, 1, 0.4, types.TierComposite)})

	assert.Equal(t, 1, res.OracleConfirmed)
	assert.True(t, recs[1].Verdict.IsDuplicate)
}

func TestResolveOracleErrorsFallBackToScore(t *testing.T) {
	for _, err := range []error{errors.New("timeout"), oracle.ErrBudgetExhausted} {
		recs := records("IMG_1.jpg", "IMG_2.jpg")
		o := &stubOracle{err: err}

		res := New(similarity.NewScorer(0.32), o).Resolve(context.Background(), recs, []types.MatchPair{pair(0, 1, 0.4, types.TierComposite)})

		assert.Equal(t, 1, res.OracleFallbacks)
		assert.Equal(t, 1, res.Duplicates)
		assert.True(t, recs[1].Verdict.IsDuplicate)
	}
}

func TestResolveOracleOnlyForComposite(t *testing.T) {
	recs := records("IMG_1.jpg", "IMG_2.jpg", "IMG_3.jpg")
	o := &stubOracle{same: false}
	pairs := []types.MatchPair{
		pair(0, 1, 1, types.TierExact),
		pair(0, 2, 0.97, types.TierPerceptual),
	}

	res := New(similarity.NewScorer(0.32), o).Resolve(context.Background(), recs, pairs)

	assert.Zero(t, o.calls)
	assert.Equal(t, 2, res.Duplicates)
}

func TestResolveSkipsOracleForAssignedPairs(t *testing.T) {
	recs := records("IMG_1.jpg", "IMG_2.jpg", "IMG_3.jpg")
	o := &stubOracle{same: true}
	pairs := []types.MatchPair{
		pair(0, 1, 1, types.TierExact),
		pair(1, 2, 0.4, types.TierComposite),
	}

	New(similarity.NewScorer(0.32), o).Resolve(context.Background(), recs, pairs)
	assert.Zero(t, o.calls)
}

func TestFindPairs(t *testing.T) {
	recs := []types.ImageRecord{
		{Filename: "0.jpg", MD5Hash: "x"},
		{Filename: "1.jpg", MD5Hash: "y"},
		{Filename: "2.jpg", MD5Hash: "x"},
		{Filename: "3.jpg", MD5Hash: "y"},
	}

	var (
		mu      sync.Mutex
		maxDone int64
		total   int64
	)
	e := New(similarity.NewScorer(0.9), nil)
	pairs, err := e.FindPairs(context.Background(), recs, func(done, tot int64) {
		mu.Lock()
		defer mu.Unlock()
		if done > maxDone {
			maxDone = done
		}
		total = tot
	})
	require.NoError(t, err)

	require.Len(t, pairs, 2)
	assert.Equal(t, 0, pairs[0].A)
	assert.Equal(t, 2, pairs[0].B)
	assert.Equal(t, 1, pairs[1].A)
	assert.Equal(t, 3, pairs[1].B)
	assert.Equal(t, types.TierExact, pairs[0].Tier)
	assert.Equal(t, int64(6), total)
	assert.Equal(t, int64(6), maxDone)
}

func TestFindPairsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	recs := records("a.jpg", "b.jpg", "c.jpg")
	_, err := New(similarity.NewScorer(0.5), nil).FindPairs(ctx, recs, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNamed(t *testing.T) {
	recs := records("IMG_1.jpg", "IMG_2.jpg", "IMG_3.jpg")
	named := Named(recs, []Cluster{{Original: 0, Duplicates: []int{2, 1}}})
	require.Len(t, named, 1)
	assert.Equal(t, "/in/IMG_1.jpg", named[0].Original)
	assert.Equal(t, []string{"/in/IMG_3.jpg", "/in/IMG_2.jpg"}, named[0].Duplicates)
}

func TestSortKeyCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"IMG_9.jpg", "IMG_10.jpg", -1},
		{"IMG_009.jpg", "dog9.png", 0},
		{"IMG_000.jpg", "IMG_0.jpg", 0},
		{"IMG_0.jpg", "IMG_1.jpg", -1},
		{"IMG_99999999999999999999.jpg", "IMG_1.jpg", 1},
		{"zebra.jpg", "IMG_5.jpg", 1},
		{"apple.jpg", "banana.jpg", -1},
		{"same.jpg", "same.jpg", 0},
	}

	for _, tc := range tests {
		t.Run(tc.a+"_"+tc.b, func(t *testing.T) {
			assert.Equal(t, tc.want, KeyOf(tc.a).Compare(KeyOf(tc.b)))
			assert.Equal(t, -tc.want, KeyOf(tc.b).Compare(KeyOf(tc.a)))
		})
	}
}
