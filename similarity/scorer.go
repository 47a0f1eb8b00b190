// Package similarity scores pairs of image records. Scoring is tiered: an
// exact content match wins outright, then a near identical perceptual hash,
// and only then the weighted background scene composite.
package similarity

import (
	"errors"
	"math"
	"runtime"
	"strings"
	"unsafe"

	"petprep/imageprocessor"
	"petprep/types"

	"gocv.io/x/gocv"
)

// Match reasons
const (
	ReasonExact      = "exact duplicate"
	ReasonPerceptual = "perceptual match (same image, different encoding)"
	ReasonScene      = "Scene similarity"
)

// Composite weights
const (
	WeightHistogram = 0.35
	WeightEdges     = 0.30
	WeightORB       = 0.20
	WeightPHash     = 0.15
)

var errDescriptorWidth = errors.New("descriptor rows differ in width")

const (
	reasonScenePrefix     = "Same scene: "
	perceptualMaxDistance = 5
	orbGoodDistance       = 50
	strongHistogram       = 0.7
	strongEdges           = 0.5
	strongORB             = 0.3
)

// Components holds the clamped sub scores of a composite comparison
type Components struct {
	Histogram float64 `json:"histogram"`
	Edges     float64 `json:"edges"`
	ORB       float64 `json:"orb"`
	PHash     float64 `json:"phash"`
}

// Result is the outcome of scoring one pair
type Result struct {
	Similarity float64
	Reason     string
	Tier       types.MatchTier
	Components Components
}

// Scorer compares image records against a duplicate threshold
type Scorer struct {
	threshold float64
}

// NewScorer creates a scorer for the given threshold in [0, 1]
func NewScorer(threshold float64) *Scorer {
	return &Scorer{threshold: threshold}
}

// Threshold returns the configured duplicate threshold
func (s *Scorer) Threshold() float64 {
	return s.threshold
}

// Score compares two records. The reason is empty when the pair is not a
// match. Missing features contribute zero.
func (s *Scorer) Score(a, b *types.ImageRecord) Result {
	if a.MD5Hash != "" && a.MD5Hash == b.MD5Hash {
		return Result{Similarity: 1.0, Reason: ReasonExact, Tier: types.TierExact}
	}

	distance := imageprocessor.HammingDistance(a.PerceptualHash, b.PerceptualHash)
	phash := clamp(1.0 - float64(distance)/imageprocessor.PerceptualHashBits)
	if distance <= perceptualMaxDistance {
		return Result{Similarity: phash, Reason: ReasonPerceptual, Tier: types.TierPerceptual}
	}

	c := Components{
		Histogram: clamp(HistogramCorrelation(a.BackgroundHist, b.BackgroundHist)),
		Edges:     clamp(EdgeCosine(a.EdgeSignature, b.EdgeSignature)),
		ORB:       clamp(ORBMatchRatio(a.Descriptors, b.Descriptors)),
		PHash:     phash,
	}
	score := WeightHistogram*c.Histogram + WeightEdges*c.Edges + WeightORB*c.ORB + WeightPHash*c.PHash

	result := Result{Similarity: score, Tier: types.TierNone, Components: c}
	if score >= s.threshold {
		result.Reason = sceneReason(c)
		result.Tier = types.TierComposite
	}
	return result
}

func sceneReason(c Components) string {
	var strong []string
	if c.Histogram > strongHistogram {
		strong = append(strong, "similar background colors")
	}
	if c.Edges > strongEdges {
		strong = append(strong, "similar scene structure")
	}
	if c.ORB > strongORB {
		strong = append(strong, "matching background features")
	}
	if len(strong) == 0 {
		return ReasonScene
	}
	return reasonScenePrefix + strings.Join(strong, ", ")
}

// HistogramCorrelation compares two flattened histograms with OpenCV's
// correlation metric. Missing or mismatched histograms score 0.
func HistogramCorrelation(h1, h2 []float32) float64 {
	if len(h1) == 0 || len(h1) != len(h2) {
		return 0
	}

	m1, err := floatRow(h1)
	if err != nil {
		return 0
	}
	defer m1.Close()
	m2, err := floatRow(h2)
	if err != nil {
		return 0
	}
	defer m2.Close()

	corr := float64(gocv.CompareHist(m1, m2, gocv.HistCmpCorrel))
	runtime.KeepAlive(h1)
	runtime.KeepAlive(h2)
	if math.IsNaN(corr) {
		return 0
	}
	return corr
}

// EdgeCosine returns the cosine similarity of two edge signatures
func EdgeCosine(e1, e2 []float32) float64 {
	if len(e1) == 0 || len(e1) != len(e2) {
		return 0
	}
	var dot, n1, n2 float64
	for i := range e1 {
		x, y := float64(e1[i]), float64(e2[i])
		dot += x * y
		n1 += x * x
		n2 += y * y
	}
	return dot / ((math.Sqrt(n1) + 1e-6) * (math.Sqrt(n2) + 1e-6))
}

// ORBMatchRatio is the share of cross checked Hamming matches closer than 50,
// relative to the smaller descriptor set
func ORBMatchRatio(d1, d2 [][]byte) float64 {
	smaller := len(d1)
	if len(d2) < smaller {
		smaller = len(d2)
	}
	if smaller == 0 {
		return 0
	}

	m1, err := descriptorMat(d1)
	if err != nil {
		return 0
	}
	defer m1.Close()
	m2, err := descriptorMat(d2)
	if err != nil {
		return 0
	}
	defer m2.Close()

	matcher := gocv.NewBFMatcherWithParams(gocv.NormHamming, true)
	defer matcher.Close()

	good := 0
	for _, m := range matcher.Match(m1, m2) {
		if m.Distance < orbGoodDistance {
			good++
		}
	}
	return float64(good) / float64(smaller)
}

// floatRow wraps values in a 1xN CV_32F matrix. The matrix shares memory
// with values.
func floatRow(values []float32) (gocv.Mat, error) {
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&values[0])), len(values)*4)
	return gocv.NewMatFromBytes(1, len(values), gocv.MatTypeCV32F, raw)
}

// descriptorMat packs descriptor rows into a CV_8U matrix
func descriptorMat(rows [][]byte) (gocv.Mat, error) {
	width := len(rows[0])
	buf := make([]byte, 0, len(rows)*width)
	for _, r := range rows {
		if len(r) != width {
			return gocv.NewMat(), errDescriptorWidth
		}
		buf = append(buf, r...)
	}
	m, err := gocv.NewMatFromBytes(len(rows), width, gocv.MatTypeCV8U, buf)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer m.Close()
	clone := m.Clone()
	runtime.KeepAlive(buf)
	return clone, nil
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
