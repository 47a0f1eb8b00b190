package obfuscator

import (
	"fmt"
	"image"
	"math"

	"petprep/config"

	"gocv.io/x/gocv"
)

const (
	defaultKernelSize = 99
	defaultSigma      = 30
	solidGrey         = 128
)

// Anonymizer hides the masked region of an image. Apply returns a new image
// and the name of the method actually applied.
type Anonymizer interface {
	Name() string
	Apply(img, mask gocv.Mat) (gocv.Mat, string, error)
}

// NewAnonymizer builds the anonymizer named by cfg.Method
func NewAnonymizer(cfg config.FaceConfig) (Anonymizer, error) {
	switch cfg.MethodName() {
	case config.MethodEgoBlur:
		return EgoBlur{Intensity: cfg.EgoBlurIntensity}, nil
	case config.MethodGaussian:
		return Gaussian{KernelSize: cfg.BlurKernelSize, Sigma: cfg.BlurSigma}, nil
	case config.MethodPixelate:
		return Pixelate{BlockSize: cfg.PixelateSize}, nil
	case config.MethodSolid:
		return Solid{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown obfuscation method %q", config.ErrInvalid, cfg.Method)
	}
}

// EgoBlur is a context preserving blur whose strength scales with the size
// of the masked region
type EgoBlur struct {
	Intensity float64
}

// Name returns the method name
func (EgoBlur) Name() string { return config.MethodEgoBlur }

// Apply blurs, edge-aware filters and re-blurs the image, then blends it in
// through a feathered mask
func (e EgoBlur) Apply(img, mask gocv.Mat) (gocv.Mat, string, error) {
	binary := gocv.NewMat()
	defer binary.Close()
	gocv.Threshold(mask, &binary, 127, 255, gocv.ThresholdBinary)
	area := gocv.CountNonZero(binary)
	if area == 0 {
		return img.Clone(), e.Name(), nil
	}

	k := oddAtLeast(int(math.Sqrt(float64(area))*0.15*e.Intensity), 31)

	soft := softMask(mask, 21, 10)
	defer soft.Close()

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(img, &blurred, image.Pt(k, k), float64(k/3), float64(k/3), gocv.BorderDefault)

	filtered := gocv.NewMat()
	defer filtered.Close()
	gocv.BilateralFilter(blurred, &filtered, 15, 80, 80)

	small := oddAtLeast(k/2, 15)
	gocv.GaussianBlur(filtered, &filtered, image.Pt(small, small), float64(small/4), float64(small/4), gocv.BorderDefault)

	out, err := blend(img, filtered, soft)
	return out, e.Name(), err
}

// Gaussian is a fixed strength blur
type Gaussian struct {
	KernelSize int
	Sigma      float64
}

// Name returns the method name
func (Gaussian) Name() string { return config.MethodGaussian }

// Apply blurs the whole image and blends it in through a feathered mask
func (g Gaussian) Apply(img, mask gocv.Mat) (gocv.Mat, string, error) {
	k := makeOdd(g.KernelSize)

	soft := softMask(mask, 15, 7)
	defer soft.Close()

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(img, &blurred, image.Pt(k, k), g.Sigma, g.Sigma, gocv.BorderDefault)

	out, err := blend(img, blurred, soft)
	return out, g.Name(), err
}

// Pixelate replaces the masked region with a mosaic of BlockSize pixel cells.
// Regions smaller than one block fall back to the default Gaussian blur.
type Pixelate struct {
	BlockSize int
}

// Name returns the method name
func (Pixelate) Name() string { return config.MethodPixelate }

// Apply pixelates the bounding box of the mask
func (p Pixelate) Apply(img, mask gocv.Mat) (gocv.Mat, string, error) {
	bounds, ok := maskBounds(mask)
	if !ok {
		return img.Clone(), p.Name(), nil
	}

	w, h := bounds.Dx(), bounds.Dy()
	if w < p.BlockSize || h < p.BlockSize {
		return Gaussian{KernelSize: defaultKernelSize, Sigma: defaultSigma}.Apply(img, mask)
	}

	regionView := img.Region(bounds)
	region := regionView.Clone()
	regionView.Close()
	defer region.Close()

	small := gocv.NewMat()
	defer small.Close()
	gocv.Resize(region, &small, image.Pt(w/p.BlockSize, h/p.BlockSize), 0, 0, gocv.InterpolationLinear)

	pixelated := gocv.NewMat()
	defer pixelated.Close()
	gocv.Resize(small, &pixelated, image.Pt(w, h), 0, 0, gocv.InterpolationNearestNeighbor)

	maskView := mask.Region(bounds)
	localMask := maskView.Clone()
	maskView.Close()
	defer localMask.Close()

	soft := softMask(localMask, 11, 5)
	defer soft.Close()

	blended, err := blend(region, pixelated, soft)
	if err != nil {
		return gocv.NewMat(), p.Name(), err
	}
	defer blended.Close()

	out := img.Clone()
	target := out.Region(bounds)
	blended.CopyTo(&target)
	target.Close()
	return out, p.Name(), nil
}

// Solid paints the masked region a flat grey
type Solid struct{}

// Name returns the method name
func (Solid) Name() string { return config.MethodSolid }

// Apply blends a grey overlay in through a feathered mask
func (s Solid) Apply(img, mask gocv.Mat) (gocv.Mat, string, error) {
	soft := softMask(mask, 21, 10)
	defer soft.Close()

	overlay := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(solidGrey, solidGrey, solidGrey, 0), img.Rows(), img.Cols(), img.Type())
	defer overlay.Close()

	out, err := blend(img, overlay, soft)
	return out, s.Name(), err
}

func makeOdd(k int) int {
	if k%2 == 0 {
		return k + 1
	}
	return k
}

func oddAtLeast(k, floor int) int {
	if k < floor {
		k = floor
	}
	return makeOdd(k)
}
