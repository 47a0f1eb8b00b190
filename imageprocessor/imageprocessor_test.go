package imageprocessor

import (
	"image"
	"image/color"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func blockImage(size, block int, seed int64) *image.NRGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for by := 0; by < size; by += block {
		for bx := 0; bx < size; bx += block {
			c := color.NRGBA{R: uint8(rng.Intn(256)), G: uint8(rng.Intn(256)), B: uint8(rng.Intn(256)), A: 255}
			for y := by; y < by+block; y++ {
				for x := bx; x < bx+block; x++ {
					img.SetNRGBA(x, y, c)
				}
			}
		}
	}
	return img
}

func TestOutputName(t *testing.T) {
	tests := []struct {
		in      string
		out     string
		renamed bool
	}{
		{"cat.jpg", "cat.jpg", false},
		{"dog.PNG", "dog.PNG", false},
		{"IMG_0001.HEIC", "IMG_0001.jpg", true},
		{"photo.heif", "photo.jpg", true},
		{"pic.avif", "pic.jpg", true},
		{"scan.webp", "scan.webp", false},
		{"anim.gif", "anim.jpg", true},
		{"Loop.GIF", "Loop.jpg", true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			out, renamed := OutputName(tc.in)
			assert.Equal(t, tc.out, out)
			assert.Equal(t, tc.renamed, renamed)
		})
	}
}

func TestIsWritable(t *testing.T) {
	assert.True(t, IsWritable(FormatJPEG))
	assert.True(t, IsWritable(FormatTIFF))
	assert.False(t, IsWritable(FormatGIF))
	assert.False(t, IsWritable(FormatHEIC))
	assert.False(t, IsWritable(FormatUnknown))
}

func TestIsImageFile(t *testing.T) {
	assert.True(t, IsImageFile("a/b/c.JPEG"))
	assert.True(t, IsImageFile("x.tif"))
	assert.False(t, IsImageFile("notes.txt"))
	assert.False(t, IsImageFile("raw.cr3"))
	assert.Contains(t, GetSupportedExtensions(), ".heic")
}

func TestHammingDistance(t *testing.T) {
	assert.Equal(t, 0, HammingDistance("a1b2c3d4e5f60718", "a1b2c3d4e5f60718"))
	assert.Equal(t, 64, HammingDistance("ffffffffffffffff", "0000000000000000"))
	assert.Equal(t, 1, HammingDistance("0000000000000001", "0000000000000000"))
	assert.Equal(t, 64, HammingDistance("", "0000000000000000"))
	assert.Equal(t, 64, HammingDistance("00", "0000000000000000"))
	assert.Equal(t, 64, HammingDistance("zzzzzzzzzzzzzzzz", "0000000000000000"))
}

func TestComputeMD5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	sum, size, err := ComputeMD5(path)
	require.NoError(t, err)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", sum)
	assert.Equal(t, int64(5), size)

	_, _, err = ComputeMD5(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestComputePerceptualHashScaleInvariant(t *testing.T) {
	small, err := MatFromImage(blockImage(64, 8, 42))
	require.NoError(t, err)
	defer small.Close()

	large, err := MatFromImage(imaging.Resize(blockImage(64, 8, 42), 128, 128, imaging.NearestNeighbor))
	require.NoError(t, err)
	defer large.Close()

	h1, err := ComputePerceptualHash(small)
	require.NoError(t, err)
	h2, err := ComputePerceptualHash(large)
	require.NoError(t, err)

	assert.Len(t, h1, 16)
	assert.Equal(t, h1, h2)

	other, err := MatFromImage(blockImage(64, 8, 7))
	require.NoError(t, err)
	defer other.Close()
	h3, err := ComputePerceptualHash(other)
	require.NoError(t, err)
	assert.Greater(t, HammingDistance(h1, h3), 5)
}

func TestComputePerceptualHashEmpty(t *testing.T) {
	empty := gocv.NewMat()
	defer empty.Close()
	_, err := ComputePerceptualHash(empty)
	assert.Error(t, err)
}

func TestMatFromImageChannelOrder(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{B: 200, A: 255})

	mat, err := MatFromImage(img)
	require.NoError(t, err)
	defer mat.Close()

	assert.Equal(t, 3, mat.Channels())
	assert.Equal(t, []uint8{0, 0, 255}, []uint8(mat.GetVecbAt(0, 0)))
	assert.Equal(t, []uint8{200, 0, 0}, []uint8(mat.GetVecbAt(0, 1)))
}

func TestRegistryLoadImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pet.png")
	require.NoError(t, imaging.Save(blockImage(32, 4, 1), path))

	registry := NewImageLoaderRegistry()
	assert.True(t, registry.CanLoadFile(path))

	mat, err := registry.LoadImage(path)
	require.NoError(t, err)
	defer mat.Close()
	assert.Equal(t, 32, mat.Rows())
	assert.Equal(t, 32, mat.Cols())
	assert.Equal(t, 3, mat.Channels())

	taken, err := ReadCaptureTime(path)
	require.NoError(t, err)
	assert.True(t, taken.IsZero())
}

func TestRegistryUndecodable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.jpg")
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0644))

	_, err := NewImageLoaderRegistry().LoadImage(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestWriteImageRoundTrip(t *testing.T) {
	mat, err := MatFromImage(blockImage(16, 4, 3))
	require.NoError(t, err)
	defer mat.Close()

	path := filepath.Join(t.TempDir(), "out.jpg")
	require.NoError(t, WriteImage(path, mat, 90))

	data, err := EncodeJPEG(mat, 90)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	loaded := gocv.IMRead(path, gocv.IMReadColor)
	defer loaded.Close()
	assert.False(t, loaded.Empty())
}
