// Package oracle asks a multimodal model whether two photographs show the
// same scene. It is consulted for composite scene matches only, under a
// per-run call budget.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"petprep/imageprocessor"
	"petprep/logging"
	"petprep/types"

	"gocv.io/x/gocv"
)

// ErrBudgetExhausted is returned once the run's validation budget is spent
var ErrBudgetExhausted = errors.New("oracle validation budget exhausted")

// ErrInconclusive is returned when the model answer is neither SAME nor DIFFERENT
var ErrInconclusive = errors.New("oracle answer inconclusive")

// ScenePrompt is sent with every pair, original first
const ScenePrompt = `You are checking a batch of pet photographs for duplicates.
Two photos are duplicates when they were taken in the same session of the same scene:
same animal, same background, same location, even if the pose, crop or framing changed.

Compare the two images. Answer with exactly one word:
- SAME: same scene, the second photo adds nothing new.
- DIFFERENT: a different animal, location or background.

Answer:`

const (
	previewMaxSide = 768
	previewQuality = 85
)

// Messenger sends one prompt with JPEG images to a multimodal model and
// returns the text answer
type Messenger interface {
	Compare(ctx context.Context, prompt string, images [][]byte) (string, error)
}

// Budget caps the number of oracle calls in one run. A zero or negative
// limit allows no calls.
type Budget struct {
	mu    sync.Mutex
	limit int
	used  int
}

// NewBudget creates a budget of limit calls
func NewBudget(limit int) *Budget {
	return &Budget{limit: limit}
}

// Take reserves one call, returning false when the budget is spent
func (b *Budget) Take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used >= b.limit {
		return false
	}
	b.used++
	return true
}

// Used returns the number of calls reserved so far
func (b *Budget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Remaining returns the calls left
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used >= b.limit {
		return 0
	}
	return b.limit - b.used
}

// Validator implements the resolver oracle on top of a Messenger
type Validator struct {
	messenger Messenger
	loader    *imageprocessor.ImageLoaderRegistry
	budget    *Budget
	timeout   time.Duration
}

// NewValidator creates a validator. A zero timeout leaves the call bounded
// only by ctx.
func NewValidator(m Messenger, loader *imageprocessor.ImageLoaderRegistry, budget *Budget, timeout time.Duration) *Validator {
	return &Validator{messenger: m, loader: loader, budget: budget, timeout: timeout}
}

// Budget returns the validator's call budget
func (v *Validator) Budget() *Budget {
	return v.budget
}

// SameScene reports whether duplicate shows the same scene as original
func (v *Validator) SameScene(ctx context.Context, original, duplicate *types.ImageRecord) (bool, error) {
	if !v.budget.Take() {
		return false, ErrBudgetExhausted
	}

	first, err := v.preview(original.Path)
	if err != nil {
		return false, err
	}
	second, err := v.preview(duplicate.Path)
	if err != nil {
		return false, err
	}

	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	resp, err := v.messenger.Compare(ctx, ScenePrompt, [][]byte{first, second})
	if err != nil {
		return false, fmt.Errorf("oracle request failed: %w", err)
	}

	same, err := ParseSceneAnswer(resp)
	logging.DebugLog("Oracle answered %q for %s / %s", strings.TrimSpace(resp), original.Filename, duplicate.Filename)
	return same, err
}

// preview loads an image and re-encodes it as a downscaled JPEG
func (v *Validator) preview(path string) ([]byte, error) {
	img, err := v.loader.LoadImage(path)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	w, h := img.Cols(), img.Rows()
	switch {
	case w >= h && w > previewMaxSide:
		h, w = h*previewMaxSide/w, previewMaxSide
	case h > w && h > previewMaxSide:
		w, h = w*previewMaxSide/h, previewMaxSide
	}
	if w != img.Cols() || h != img.Rows() {
		gocv.Resize(img, &img, image.Pt(w, h), 0, 0, gocv.InterpolationArea)
	}
	return imageprocessor.EncodeJPEG(img, previewQuality)
}

// ParseSceneAnswer normalizes a model answer. Anything but a leading SAME or
// DIFFERENT is ErrInconclusive.
func ParseSceneAnswer(resp string) (bool, error) {
	word := strings.ToUpper(strings.TrimSpace(resp))
	switch {
	case strings.HasPrefix(word, "SAME"):
		return true, nil
	case strings.HasPrefix(word, "DIFFERENT"):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrInconclusive, resp)
	}
}
