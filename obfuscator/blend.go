package obfuscator

import (
	"fmt"
	"runtime"

	"gocv.io/x/gocv"
)

// blend returns transformed·soft + base·(1 − soft) per channel. base and
// transformed are 8-bit BGR images of the same size, soft a CV_32F weight
// map, all continuous. Results are truncated toward zero, not rounded.
func blend(base, transformed, soft gocv.Mat) (gocv.Mat, error) {
	if base.Rows() != transformed.Rows() || base.Cols() != transformed.Cols() ||
		base.Rows() != soft.Rows() || base.Cols() != soft.Cols() {
		return gocv.NewMat(), fmt.Errorf("blend size mismatch: %dx%d, %dx%d, %dx%d",
			base.Cols(), base.Rows(), transformed.Cols(), transformed.Rows(), soft.Cols(), soft.Rows())
	}

	orig := base.ToBytes()
	over := transformed.ToBytes()
	weights, err := copyFloats(soft)
	if err != nil {
		return gocv.NewMat(), err
	}

	channels := base.Channels()
	out := make([]byte, len(orig))
	for i := range out {
		w := weights[i/channels]
		v := float32(over[i])*w + float32(orig[i])*(1-w)
		switch {
		case v <= 0:
			out[i] = 0
		case v >= 255:
			out[i] = 255
		default:
			out[i] = uint8(v)
		}
	}

	m, err := gocv.NewMatFromBytes(base.Rows(), base.Cols(), base.Type(), out)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer m.Close()
	result := m.Clone()
	runtime.KeepAlive(out)
	return result, nil
}

func copyFloats(m gocv.Mat) ([]float32, error) {
	data, err := m.DataPtrFloat32()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(data))
	copy(out, data)
	return out, nil
}
