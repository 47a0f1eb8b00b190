package imageprocessor

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"runtime"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"

	// registers the webp decoder for the Go fallback path; imaging already
	// pulls in bmp and tiff
	_ "golang.org/x/image/webp"
)

var allFormats = []FormatType{
	FormatJPEG, FormatPNG, FormatGIF, FormatTIFF, FormatBMP,
	FormatWEBP, FormatAVIF, FormatHEIC, FormatHEIF,
}

// StandardImageLoader decodes images with OpenCV
type StandardImageLoader struct {
	BaseImageLoader
}

// NewStandardImageLoader creates the primary OpenCV loader
func NewStandardImageLoader() *StandardImageLoader {
	return &StandardImageLoader{
		BaseImageLoader: BaseImageLoader{SupportedFormats: allFormats},
	}
}

// LoadImage reads the file as a BGR image
func (l *StandardImageLoader) LoadImage(path string) (gocv.Mat, error) {
	img := gocv.IMRead(path, gocv.IMReadColor)
	if img.Empty() {
		img.Close()
		return gocv.NewMat(), newImageLoadError("opencv could not read image", path)
	}
	return img, nil
}

// GoImageLoader decodes with the Go image packages and applies EXIF orientation
type GoImageLoader struct {
	BaseImageLoader
}

// NewGoImageLoader creates the secondary decoder
func NewGoImageLoader() *GoImageLoader {
	return &GoImageLoader{
		BaseImageLoader: BaseImageLoader{
			SupportedFormats: []FormatType{FormatJPEG, FormatPNG, FormatGIF, FormatTIFF, FormatBMP, FormatWEBP},
		},
	}
}

// LoadImage decodes the file and converts it to a BGR matrix
func (l *GoImageLoader) LoadImage(path string) (gocv.Mat, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%w: go decoders could not read %s: %v", ErrDecode, path, err)
	}
	return MatFromImage(img)
}

// FallbackLoader tries the primary loader and, when it returns nothing, the secondary one
type FallbackLoader struct {
	Primary   ImageLoader
	Secondary ImageLoader
}

// CanLoad reports whether either loader can handle the file
func (l *FallbackLoader) CanLoad(path string) bool {
	return l.Primary.CanLoad(path) || (l.Secondary != nil && l.Secondary.CanLoad(path))
}

// LoadImage loads with the primary loader, falling back to the secondary one
func (l *FallbackLoader) LoadImage(path string) (gocv.Mat, error) {
	img, primaryErr := l.Primary.LoadImage(path)
	if primaryErr == nil {
		return img, nil
	}
	img.Close()

	if l.Secondary == nil {
		return gocv.NewMat(), primaryErr
	}

	img, secondaryErr := l.Secondary.LoadImage(path)
	if secondaryErr == nil {
		return img, nil
	}
	img.Close()

	return gocv.NewMat(), fmt.Errorf("%w: %s (primary: %v; fallback: %v)", ErrDecode, path, primaryErr, secondaryErr)
}

// MatFromImage converts a Go image into a 3 channel BGR matrix
func MatFromImage(img image.Image) (gocv.Mat, error) {
	nrgba := imaging.Clone(img)
	width, height := nrgba.Rect.Dx(), nrgba.Rect.Dy()
	if width == 0 || height == 0 {
		return gocv.NewMat(), fmt.Errorf("%w: empty image", ErrDecode)
	}

	buf := make([]byte, 0, width*height*3)
	for y := 0; y < height; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+width*4]
		for x := 0; x < width; x++ {
			r, g, b := row[x*4], row[x*4+1], row[x*4+2]
			buf = append(buf, b, g, r)
		}
	}

	mat, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC3, buf)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("cannot build matrix: %w", err)
	}
	defer mat.Close()

	// the matrix borrows buf; clone so the result owns its pixels
	owned := mat.Clone()
	runtime.KeepAlive(buf)
	return owned, nil
}

// WriteImage encodes img to path; JPEG output uses the given quality
func WriteImage(path string, img gocv.Mat, jpegQuality int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	ok := gocv.IMWriteWithParams(path, img, []int{gocv.IMWriteJpegQuality, jpegQuality})
	if !ok {
		return fmt.Errorf("failed to write image: %s", path)
	}
	return nil
}

// EncodeJPEG returns img as JPEG bytes
func EncodeJPEG(img gocv.Mat, quality int) ([]byte, error) {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	defer buf.Close()

	data := buf.GetBytes()
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
