package obfuscator

import (
	"image"
	"image/color"

	"petprep/types"

	"gocv.io/x/gocv"
)

var white = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// FaceMask returns a single channel binary mask holding a padded ellipse
// centred on box. The ellipse is feathered and re-thresholded so its edge is
// smooth but the mask stays 0/255.
func FaceMask(rows, cols int, box types.BoundingBox, paddingRatio float64) gocv.Mat {
	mask := gocv.Zeros(rows, cols, gocv.MatTypeCV8UC1)

	padW := int(float64(box.Width) * paddingRatio)
	padH := int(float64(box.Height) * paddingRatio)
	center := image.Pt(box.X+box.Width/2, box.Y+box.Height/2)
	axes := image.Pt((box.Width+padW)/2, int(float64(box.Height+padH)*0.55))

	gocv.Ellipse(&mask, center, axes, 0, 0, 360, white, -1)
	gocv.GaussianBlur(mask, &mask, image.Pt(15, 15), 7, 7, gocv.BorderDefault)
	gocv.Threshold(mask, &mask, 127, 255, gocv.ThresholdBinary)
	return mask
}

// maskBounds returns the bounding rectangle of mask pixels above 127, with
// the maximum row and column excluded
func maskBounds(mask gocv.Mat) (image.Rectangle, bool) {
	data := mask.ToBytes()
	cols := mask.Cols()
	minX, minY, maxX, maxY := -1, -1, -1, -1
	for i, v := range data {
		if v <= 127 {
			continue
		}
		x, y := i%cols, i/cols
		if minX < 0 || x < minX {
			minX = x
		}
		if x > maxX {
			maxX = x
		}
		if minY < 0 {
			minY = y
		}
		maxY = y
	}
	if minX < 0 {
		return image.Rectangle{}, false
	}
	return image.Rect(minX, minY, maxX, maxY), true
}

// softMask converts a binary mask into float weights in [0, 1], feathered by
// a Gaussian of the given size
func softMask(mask gocv.Mat, ksize int, sigma float64) gocv.Mat {
	soft := gocv.NewMat()
	mask.ConvertToWithParams(&soft, gocv.MatTypeCV32F, 1.0/255.0, 0)
	gocv.GaussianBlur(soft, &soft, image.Pt(ksize, ksize), sigma, sigma, gocv.BorderDefault)
	return soft
}
