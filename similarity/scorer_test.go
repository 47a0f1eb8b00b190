package similarity

import (
	"testing"

	"petprep/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constant(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i % 17)
	}
	return out
}

func descriptors(n int, seed byte) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		row := make([]byte, 32)
		for j := range row {
			row[j] = byte(i*31+j*7) ^ seed
		}
		out[i] = row
	}
	return out
}

func uniform(n int, b byte) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		row := make([]byte, 32)
		for j := range row {
			row[j] = b
		}
		out[i] = row
	}
	return out
}

func TestScoreExactDuplicate(t *testing.T) {
	a := &types.ImageRecord{MD5Hash: "abc", PerceptualHash: "0000000000000000"}
	b := &types.ImageRecord{MD5Hash: "abc", PerceptualHash: "ffffffffffffffff"}

	r := NewScorer(0.9).Score(a, b)
	assert.Equal(t, 1.0, r.Similarity)
	assert.Equal(t, ReasonExact, r.Reason)
	assert.Equal(t, types.TierExact, r.Tier)
}

func TestScoreEmptyHashesNeverExact(t *testing.T) {
	r := NewScorer(0.3).Score(&types.ImageRecord{}, &types.ImageRecord{})
	assert.NotEqual(t, types.TierExact, r.Tier)
	assert.Empty(t, r.Reason)
	assert.Equal(t, 0.0, r.Similarity)
}

func TestScorePerceptualMatch(t *testing.T) {
	a := &types.ImageRecord{MD5Hash: "a", PerceptualHash: "000000000000000f"}
	b := &types.ImageRecord{MD5Hash: "b", PerceptualHash: "0000000000000000"}

	r := NewScorer(0.99).Score(a, b)
	assert.Equal(t, types.TierPerceptual, r.Tier)
	assert.Equal(t, ReasonPerceptual, r.Reason)
	assert.InDelta(t, 1-4.0/64, r.Similarity, 1e-9)
}

func TestScorePerceptualBoundary(t *testing.T) {
	// distance 6 falls through to the composite
	a := &types.ImageRecord{MD5Hash: "a", PerceptualHash: "000000000000003f"}
	b := &types.ImageRecord{MD5Hash: "b", PerceptualHash: "0000000000000000"}

	r := NewScorer(0.5).Score(a, b)
	assert.NotEqual(t, types.TierPerceptual, r.Tier)
	assert.InDelta(t, WeightPHash*(1-6.0/64), r.Similarity, 1e-9)
	assert.Empty(t, r.Reason)
}

func TestScoreCompositeStrongSignals(t *testing.T) {
	hist := ramp(4096)
	edges := ramp(4096)
	desc := descriptors(40, 0)

	a := &types.ImageRecord{MD5Hash: "a", PerceptualHash: "ffffffff00000000", BackgroundHist: hist, EdgeSignature: edges, Descriptors: desc}
	b := &types.ImageRecord{MD5Hash: "b", PerceptualHash: "00000000ffffffff", BackgroundHist: hist, EdgeSignature: edges, Descriptors: desc}

	r := NewScorer(0.32).Score(a, b)
	require.Equal(t, types.TierComposite, r.Tier)
	assert.InDelta(t, 1.0, r.Components.Histogram, 1e-4)
	assert.InDelta(t, 1.0, r.Components.Edges, 1e-4)
	assert.InDelta(t, 1.0, r.Components.ORB, 1e-9)
	assert.Equal(t, 0.0, r.Components.PHash)
	assert.InDelta(t, 0.85, r.Similarity, 1e-3)
	assert.Equal(t, "Same scene: similar background colors, similar scene structure, matching background features", r.Reason)
}

func TestScoreCompositeWeakSignalsReason(t *testing.T) {
	// identical edges only: 0.30 + 0.15*phash
	edges := ramp(4096)
	a := &types.ImageRecord{MD5Hash: "a", PerceptualHash: "ffffffffffff0000", EdgeSignature: edges}
	b := &types.ImageRecord{MD5Hash: "b", PerceptualHash: "0000000000000000", EdgeSignature: edges}

	r := NewScorer(0.32).Score(a, b)
	require.Equal(t, types.TierComposite, r.Tier)
	assert.InDelta(t, 0.30+0.15*(16.0/64), r.Similarity, 1e-3)
	assert.Equal(t, "Same scene: similar scene structure", r.Reason)

	r = NewScorer(0.5).Score(a, b)
	assert.Equal(t, types.TierNone, r.Tier)
	assert.Empty(t, r.Reason)
}

func TestSceneReasonFallback(t *testing.T) {
	assert.Equal(t, ReasonScene, sceneReason(Components{Histogram: 0.6, Edges: 0.4, ORB: 0.2}))
	assert.Equal(t, "Same scene: matching background features", sceneReason(Components{ORB: 0.31}))
}

func TestHistogramCorrelation(t *testing.T) {
	h := ramp(4096)
	assert.InDelta(t, 1.0, HistogramCorrelation(h, h), 1e-4)

	inverted := make([]float32, len(h))
	for i, v := range h {
		inverted[i] = 16 - v
	}
	assert.InDelta(t, -1.0, HistogramCorrelation(h, inverted), 1e-4)

	assert.Equal(t, 0.0, HistogramCorrelation(nil, h))
	assert.Equal(t, 0.0, HistogramCorrelation(h[:10], h))
}

func TestNegativeCorrelationClampsToZero(t *testing.T) {
	h := ramp(4096)
	inverted := make([]float32, len(h))
	for i, v := range h {
		inverted[i] = 16 - v
	}
	a := &types.ImageRecord{MD5Hash: "a", BackgroundHist: h}
	b := &types.ImageRecord{MD5Hash: "b", BackgroundHist: inverted}

	r := NewScorer(0.32).Score(a, b)
	assert.Equal(t, 0.0, r.Components.Histogram)
}

func TestEdgeCosine(t *testing.T) {
	assert.InDelta(t, 1.0, EdgeCosine(constant(8, 3), constant(8, 3)), 1e-6)
	assert.Equal(t, 0.0, EdgeCosine(constant(8, 0), constant(8, 3)))
	assert.Equal(t, 0.0, EdgeCosine(nil, nil))

	a := []float32{1, 0, 0, 0}
	b := []float32{0, 1, 0, 0}
	assert.InDelta(t, 0.0, EdgeCosine(a, b), 1e-9)
}

func TestORBMatchRatio(t *testing.T) {
	d := descriptors(20, 0)
	assert.InDelta(t, 1.0, ORBMatchRatio(d, d), 1e-9)

	// all bits differ between the two sets
	zeros := uniform(20, 0x00)
	ones := uniform(20, 0xff)
	assert.Equal(t, 0.0, ORBMatchRatio(zeros, ones))

	assert.Equal(t, 0.0, ORBMatchRatio(nil, d))
	assert.Equal(t, 0.0, ORBMatchRatio(d, [][]byte{}))

	// smaller set is the denominator
	assert.InDelta(t, 1.0, ORBMatchRatio(d[:5], d), 1e-9)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, clamp(-0.2))
	assert.Equal(t, 1.0, clamp(1.2))
	assert.Equal(t, 0.5, clamp(0.5))
}
