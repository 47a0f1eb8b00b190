package types

import (
	"errors"
	"image"
	"time"
)

// ImageRecord holds the features extracted from one image file
type ImageRecord struct {
	Path           string `json:"path"`
	Filename       string `json:"filename"`
	MD5Hash        string `json:"md5_hash"`
	PerceptualHash string `json:"perceptual_hash"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Size           int64  `json:"size"`
	HasHuman       bool   `json:"has_human"`
	CapturedAt     string `json:"captured_at,omitempty"`
	LoadError      string `json:"load_error,omitempty"`

	// Background features, empty when the image could not be decoded
	BackgroundHist []float32 `json:"-"`
	EdgeSignature  []float32 `json:"-"`
	Descriptors    [][]byte  `json:"-"`

	Verdict DuplicateVerdict `json:"verdict"`
}

// Loaded reports whether the image was decoded and features were computed
func (r *ImageRecord) Loaded() bool {
	return r.LoadError == "" && r.Width > 0 && r.Height > 0
}

// DuplicateVerdict is attached to a record once duplicates are resolved
type DuplicateVerdict struct {
	IsDuplicate bool    `json:"is_duplicate"`
	DuplicateOf string  `json:"duplicate_of,omitempty"`
	Similarity  float64 `json:"similarity,omitempty"`
	MatchReason string  `json:"match_reason,omitempty"`
}

// MatchTier names the scorer tier that produced a match
type MatchTier string

const (
	TierNone       MatchTier = ""
	TierExact      MatchTier = "exact"
	TierPerceptual MatchTier = "perceptual"
	TierComposite  MatchTier = "composite"
)

// MatchPair is the result of comparing two records
type MatchPair struct {
	A          int // index into the record slice
	B          int
	Similarity float64
	Reason     string
	Tier       MatchTier
}

// DuplicateCluster groups the duplicates resolved against one original
type DuplicateCluster struct {
	Original   string   `json:"original"`
	Duplicates []string `json:"duplicates"`
}

// BoundingBox is an axis aligned box in pixel coordinates
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// BoxFromRect converts an image.Rectangle to a BoundingBox
func BoxFromRect(r image.Rectangle) BoundingBox {
	return BoundingBox{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// Rect returns the box as an image.Rectangle
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// Area returns the box area in pixels
func (b BoundingBox) Area() int {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// Intersection returns the overlapping area of two boxes
func (b BoundingBox) Intersection(other BoundingBox) int {
	return BoxFromRect(b.Rect().Intersect(other.Rect())).Area()
}

// OverlapOf returns the intersection with other divided by the area of b.
// Unlike IoU it is asymmetric: a small box fully inside a large one scores 1.
func (b BoundingBox) OverlapOf(other BoundingBox) float64 {
	area := b.Area()
	if area == 0 {
		return 0
	}
	return float64(b.Intersection(other)) / float64(area)
}

// FaceDetection is one human face found by a detector
type FaceDetection struct {
	Box        BoundingBox `json:"box"`
	Confidence float64     `json:"confidence"`
}

// COCO class ids used for animal detection
const (
	ClassPerson = 0
	ClassCat    = 15
	ClassDog    = 16
)

// AnimalBox is one cat or dog found by the object detector
type AnimalBox struct {
	Box        BoundingBox `json:"box"`
	ClassID    int         `json:"class_id"`
	Confidence float64     `json:"confidence"`
}

// Action is the terminal state of an image in the obfuscation stage
type Action string

const (
	ActionNoFace     Action = "no_face"
	ActionObfuscated Action = "obfuscated"
	ActionQARequired Action = "qa_required"
	ActionFailed     Action = "failed"
	ActionSkipped    Action = "skipped"
)

// Verification outcomes of the post obfuscation re-check
const (
	VerificationPassed  = "passed"
	VerificationFailed  = "failed"
	VerificationError   = "error"
	VerificationSkipped = "skipped"
)

// ObfuscationResult is the outcome of the obfuscation stage for one image
type ObfuscationResult struct {
	Image              string  `json:"image"`
	Action             Action  `json:"action"`
	FaceCount          int     `json:"face_count"`
	FacesObfuscated    int     `json:"faces_obfuscated"`
	FacesSkippedAnimal int     `json:"faces_skipped_animal"`
	AnimalsDetected    int     `json:"animals_detected"`
	Verification       string  `json:"verification"`
	MaxConfidenceAfter float64 `json:"max_confidence_after"`
	OutputName         string  `json:"output_name,omitempty"`
	Renamed            bool    `json:"renamed,omitempty"`
	Method             string  `json:"method,omitempty"`
	Error              string  `json:"error,omitempty"`
}

// MethodTimeoutSkip marks an image saved as clean without being processed
// because it exceeded the per item timeout
const MethodTimeoutSkip = "timeout-skip"

// Counters tallies obfuscation outcomes. Clean counts images found to
// contain no face plus images saved unprocessed after a timeout; NoFace
// counts only the former.
type Counters struct {
	Total              int `json:"total"`
	Obfuscated         int `json:"obfuscated"`
	NoFace             int `json:"no_face"`
	Clean              int `json:"clean"`
	VerificationFailed int `json:"verification_failed"`
	QARequired         int `json:"qa_required"`
	Failed             int `json:"failed"`
	Skipped            int `json:"skipped"`
}

// Add counts one result
func (c *Counters) Add(r ObfuscationResult) {
	c.Total++
	switch r.Action {
	case ActionObfuscated:
		c.Obfuscated++
	case ActionNoFace:
		c.Clean++
		if r.Method != MethodTimeoutSkip {
			c.NoFace++
		}
	case ActionQARequired:
		c.QARequired++
		if r.Verification == VerificationFailed {
			c.VerificationFailed++
		}
	case ActionFailed:
		c.Failed++
	case ActionSkipped:
		c.Skipped++
	}
}

// Accounted returns obfuscated + clean + qa_required + failed + skipped,
// which equals Total when every result landed in exactly one bucket
func (c Counters) Accounted() int {
	return c.Obfuscated + c.Clean + c.QARequired + c.Failed + c.Skipped
}

// Balanced reports whether every image is accounted for
func (c Counters) Balanced() bool {
	return c.Accounted() == c.Total
}

// RunStatus is the lifecycle state of a pipeline run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// RunState is the queryable status of one pipeline run
type RunState struct {
	ID              string    `json:"run_id"`
	Status          RunStatus `json:"status"`
	Stage           string    `json:"current_stage"`
	Done            int       `json:"done"`
	Total           int       `json:"total"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at,omitzero"`
	Error           string    `json:"error,omitempty"`
	TotalImages     int       `json:"total_images"`
	UniqueImages    int       `json:"unique_images"`
	DuplicateImages int       `json:"duplicate_images"`
	Counters        Counters  `json:"statistics"`
}

// ImageEntry is the per image line of a run manifest
type ImageEntry struct {
	Path        string             `json:"path"`
	Filename    string             `json:"filename"`
	CapturedAt  string             `json:"captured_at,omitempty"`
	LoadError   string             `json:"load_error,omitempty"`
	Verdict     DuplicateVerdict   `json:"duplicate"`
	Obfuscation *ObfuscationResult `json:"obfuscation,omitempty"`
}

// ErrRunNotFound is returned by run stores for unknown run ids
var ErrRunNotFound = errors.New("run not found")
