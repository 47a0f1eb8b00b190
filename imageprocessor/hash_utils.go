package imageprocessor

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	"io"
	"math/bits"
	"os"
	"sort"

	"gocv.io/x/gocv"
)

// PerceptualHashBits is the length of a perceptual hash in bits
const PerceptualHashBits = 64

// ComputeMD5 returns the hex MD5 digest and size of the file at path
func ComputeMD5(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("cannot open %s: %w", path, err)
	}
	defer f.Close()

	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("cannot read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// ComputePerceptualHash computes a DCT based perceptual hash for the image.
// The image is reduced to 16x16, converted to gray, transformed, and the 8x8 low frequency
// block is thresholded against the median of its non DC coefficients.
// Always returns a 16 character hexadecimal string.
func ComputePerceptualHash(img gocv.Mat) (string, error) {
	if img.Empty() {
		return "", fmt.Errorf("cannot compute hash for empty image")
	}

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(img, &resized, image.Point{X: 16, Y: 16}, 0, 0, gocv.InterpolationArea)

	gray := gocv.NewMat()
	defer gray.Close()
	if resized.Channels() != 1 {
		gocv.CvtColor(resized, &gray, gocv.ColorBGRToGray)
	} else {
		resized.CopyTo(&gray)
	}

	floatImg := gocv.NewMat()
	defer floatImg.Close()
	gray.ConvertTo(&floatImg, gocv.MatTypeCV32F)

	dct := gocv.NewMat()
	defer dct.Close()
	gocv.DCT(floatImg, &dct, 0)
	if dct.Empty() {
		return "", fmt.Errorf("dct failed")
	}

	coeffs := make([]float32, 0, 64)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			coeffs = append(coeffs, dct.GetFloatAt(y, x))
		}
	}

	median := calculateMedian(coeffs[1:])

	var hash uint64
	for _, c := range coeffs {
		hash <<= 1
		if c > median {
			hash |= 1
		}
	}
	return fmt.Sprintf("%016x", hash), nil
}

// HammingDistance returns the number of differing bits between two hex
// hashes. Missing or mismatched hashes are maximally distant.
func HammingDistance(a, b string) int {
	if a == "" || b == "" || len(a) != len(b) {
		return PerceptualHashBits
	}
	ab, errA := hex.DecodeString(a)
	bb, errB := hex.DecodeString(b)
	if errA != nil || errB != nil {
		return PerceptualHashBits
	}

	distance := 0
	for i := range ab {
		distance += bits.OnesCount8(ab[i] ^ bb[i])
	}
	return distance
}

// calculateMedian calculates the median value of a float32 slice
func calculateMedian(values []float32) float32 {
	valuesCopy := make([]float32, len(values))
	copy(valuesCopy, values)
	sort.Slice(valuesCopy, func(i, j int) bool {
		return valuesCopy[i] < valuesCopy[j]
	})

	length := len(valuesCopy)
	switch {
	case length == 0:
		return 0
	case length%2 == 0:
		return (valuesCopy[length/2-1] + valuesCopy[length/2]) / 2
	default:
		return valuesCopy[length/2]
	}
}
