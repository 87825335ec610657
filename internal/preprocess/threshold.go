package preprocess

import (
	"errors"
	"image"
)

var (
	errTooSmall   = errors.New("image too small")
	errNoContrast = errors.New("image has no usable contrast")
)

// adaptiveThreshold binarizes with the Bradley-Roth method: a pixel turns
// black when it is more than bias below the mean of its window, computed in
// constant time from an integral image.
func adaptiveThreshold(img *image.NRGBA, windowDivisor int, bias float64) (*image.NRGBA, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 16 || h < 16 {
		return nil, errTooSmall
	}

	lo, hi := uint8(255), uint8(0)
	forEachGray(img, func(v uint8) {
		lo = min(lo, v)
		hi = max(hi, v)
	})
	if hi-lo < 8 {
		return nil, errNoContrast
	}

	stride := w + 1
	integral := make([]uint64, stride*(h+1))
	for y := 0; y < h; y++ {
		var rowSum uint64
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			rowSum += uint64(row[x*4])
			integral[(y+1)*stride+x+1] = integral[y*stride+x+1] + rowSum
		}
	}

	half := max(w/windowDivisor/2, 1)
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		y1, y2 := max(y-half, 0), min(y+half, h-1)
		src := img.Pix[y*img.Stride:]
		dst := out.Pix[y*out.Stride:]
		for x := 0; x < w; x++ {
			x1, x2 := max(x-half, 0), min(x+half, w-1)
			count := uint64((x2 - x1 + 1) * (y2 - y1 + 1))
			sum := integral[(y2+1)*stride+x2+1] - integral[y1*stride+x2+1] -
				integral[(y2+1)*stride+x1] + integral[y1*stride+x1]

			v := uint8(255)
			if float64(uint64(src[x*4])*count) <= float64(sum)*(1-bias) {
				v = 0
			}
			i := x * 4
			dst[i], dst[i+1], dst[i+2], dst[i+3] = v, v, v, 255
		}
	}
	return out, nil
}

// otsuThreshold picks the global cutoff maximizing between-class variance.
func otsuThreshold(hist [256]int, total int) (uint8, bool) {
	var sumAll float64
	for v, n := range hist {
		sumAll += float64(v * n)
	}

	var (
		sumBg    float64
		weightBg int
		best     float64
		cut      int
		found    bool
	)
	for t := 0; t < 256; t++ {
		weightBg += hist[t]
		if weightBg == 0 {
			continue
		}
		weightFg := total - weightBg
		if weightFg == 0 {
			break
		}
		sumBg += float64(t * hist[t])
		meanBg := sumBg / float64(weightBg)
		meanFg := (sumAll - sumBg) / float64(weightFg)
		between := float64(weightBg) * float64(weightFg) * (meanBg - meanFg) * (meanBg - meanFg)
		if between > best {
			best = between
			cut = t
			found = true
		}
	}
	return uint8(cut), found
}
