package capture

import (
	"errors"
	"fmt"

	"github.com/e7canasta/orion-care-sensor/modules/ndi-receiver/transport"
)

const bytesPerPixel = 4

// ErrBadBuffer is returned for video buffers whose geometry does not match
// their data.
var ErrBadBuffer = errors.New("capture: malformed video buffer")

// copyTopDown copies buf into a fresh, tightly packed, top-down BGRA slice.
//
// A negative buf.Stride means Data holds the bottom row first; rows are
// flipped while copying. A zero Stride means Width*4.
func copyTopDown(buf *transport.VideoBuffer) ([]byte, error) {
	w, h := buf.Width, buf.Height
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrBadBuffer, w, h)
	}

	row := w * bytesPerPixel
	stride := buf.Stride
	bottomUp := stride < 0
	if bottomUp {
		stride = -stride
	}
	if stride == 0 {
		stride = row
	}
	if stride < row {
		return nil, fmt.Errorf("%w: stride %d < row %d", ErrBadBuffer, stride, row)
	}
	if need := (h-1)*stride + row; len(buf.Data) < need {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrBadBuffer, len(buf.Data), need)
	}

	out := make([]byte, row*h)

	// fast path: already what we want
	if !bottomUp && stride == row {
		copy(out, buf.Data[:row*h])
		return out, nil
	}

	for y := 0; y < h; y++ {
		src := y
		if bottomUp {
			src = h - 1 - y
		}
		off := src * stride
		copy(out[y*row:(y+1)*row], buf.Data[off:off+row])
	}
	return out, nil
}
