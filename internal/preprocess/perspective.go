package preprocess

import (
	"errors"
	"image"
	"math"
)

var (
	errNoQuadrilateral = errors.New("no receipt boundary detected")
	errSingular        = errors.New("degenerate perspective transform")
)

type point struct{ x, y float64 }

// rectify finds the bright paper quadrilateral on a darker background and
// warps it onto an upright rectangle. A page that already fills the frame is
// returned unchanged.
func rectify(img *image.NRGBA) (*image.NRGBA, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 16 || h < 16 {
		return nil, errTooSmall
	}

	var hist [256]int
	total := 0
	forEachGray(img, func(v uint8) {
		hist[v]++
		total++
	})
	cut, ok := otsuThreshold(hist, total)
	if !ok {
		return nil, errNoQuadrilateral
	}

	quad, coverage := paperCorners(img, cut)
	if coverage < 0.2 {
		return nil, errNoQuadrilateral
	}
	if fillsFrame(quad, w, h) {
		return img, nil
	}
	if polygonArea(quad) < 0.2*float64(w*h) || !isConvex(quad) {
		return nil, errNoQuadrilateral
	}

	tl, tr, br, bl := quad[0], quad[1], quad[2], quad[3]
	outW := int(math.Round(math.Max(distance(tl, tr), distance(bl, br))))
	outH := int(math.Round(math.Max(distance(tl, bl), distance(tr, br))))
	if outW < 16 || outH < 16 {
		return nil, errNoQuadrilateral
	}

	dst := [4]point{
		{0, 0},
		{float64(outW - 1), 0},
		{float64(outW - 1), float64(outH - 1)},
		{0, float64(outH - 1)},
	}
	m, err := homography(dst, quad)
	if err != nil {
		return nil, err
	}
	return warp(img, m, outW, outH), nil
}

// paperCorners returns the extreme bright pixels along both diagonals (in
// tl, tr, br, bl order) and the fraction of sampled pixels that are bright.
func paperCorners(img *image.NRGBA, cut uint8) ([4]point, float64) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	step := max(1, min(w, h)/400)

	minSum, maxSum := math.MaxInt, math.MinInt
	minDiff, maxDiff := math.MaxInt, math.MinInt
	var quad [4]point
	bright, samples := 0, 0

	for y := 0; y < h; y += step {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x += step {
			samples++
			if row[x*4] <= cut {
				continue
			}
			bright++
			s, d := x+y, x-y
			if s < minSum {
				minSum, quad[0] = s, point{float64(x), float64(y)}
			}
			if d > maxDiff {
				maxDiff, quad[1] = d, point{float64(x), float64(y)}
			}
			if s > maxSum {
				maxSum, quad[2] = s, point{float64(x), float64(y)}
			}
			if d < minDiff {
				minDiff, quad[3] = d, point{float64(x), float64(y)}
			}
		}
	}
	if samples == 0 {
		return quad, 0
	}
	return quad, float64(bright) / float64(samples)
}

func fillsFrame(q [4]point, w, h int) bool {
	margin := 0.03 * float64(max(w, h))
	frame := [4]point{
		{0, 0},
		{float64(w - 1), 0},
		{float64(w - 1), float64(h - 1)},
		{0, float64(h - 1)},
	}
	for i := range q {
		if distance(q[i], frame[i]) > margin {
			return false
		}
	}
	return true
}

func polygonArea(q [4]point) float64 {
	var a float64
	for i := range q {
		j := (i + 1) % len(q)
		a += q[i].x*q[j].y - q[j].x*q[i].y
	}
	return math.Abs(a) / 2
}

func isConvex(q [4]point) bool {
	sign := 0
	for i := range q {
		a, b, c := q[i], q[(i+1)%4], q[(i+2)%4]
		cross := (b.x-a.x)*(c.y-b.y) - (b.y-a.y)*(c.x-b.x)
		if cross == 0 {
			return false
		}
		s := 1
		if cross < 0 {
			s = -1
		}
		if sign == 0 {
			sign = s
		} else if s != sign {
			return false
		}
	}
	return true
}

func distance(a, b point) float64 {
	return math.Hypot(a.x-b.x, a.y-b.y)
}

// homography solves for the 3x3 projective matrix (h22 fixed to 1) that maps
// each from[i] onto to[i].
func homography(from, to [4]point) ([9]float64, error) {
	var a [8][9]float64
	for i := 0; i < 4; i++ {
		u, v := from[i].x, from[i].y
		x, y := to[i].x, to[i].y
		a[2*i] = [9]float64{u, v, 1, 0, 0, 0, -u * x, -v * x, x}
		a[2*i+1] = [9]float64{0, 0, 0, u, v, 1, -u * y, -v * y, y}
	}

	for col := 0; col < 8; col++ {
		pivot := col
		for r := col + 1; r < 8; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-10 {
			return [9]float64{}, errSingular
		}
		a[col], a[pivot] = a[pivot], a[col]
		for r := 0; r < 8; r++ {
			if r == col {
				continue
			}
			f := a[r][col] / a[col][col]
			for c := col; c < 9; c++ {
				a[r][c] -= f * a[col][c]
			}
		}
	}

	var m [9]float64
	for i := 0; i < 8; i++ {
		m[i] = a[i][8] / a[i][i]
	}
	m[8] = 1
	return m, nil
}

// warp samples the source through m with bilinear interpolation. Pixels that
// map outside the source become white paper.
func warp(src *image.NRGBA, m [9]float64, w, h int) *image.NRGBA {
	sb := src.Bounds()
	sw, sh := sb.Dx(), sb.Dy()
	out := image.NewNRGBA(image.Rect(0, 0, w, h))

	at := func(x, y int) float64 {
		return float64(src.Pix[y*src.Stride+x*4])
	}

	for v := 0; v < h; v++ {
		dst := out.Pix[v*out.Stride:]
		for u := 0; u < w; u++ {
			fu, fv := float64(u), float64(v)
			den := m[6]*fu + m[7]*fv + m[8]
			val := uint8(255)
			if den != 0 {
				x := (m[0]*fu + m[1]*fv + m[2]) / den
				y := (m[3]*fu + m[4]*fv + m[5]) / den
				if x >= 0 && y >= 0 && x <= float64(sw-1) && y <= float64(sh-1) {
					x0, y0 := int(x), int(y)
					x1, y1 := min(x0+1, sw-1), min(y0+1, sh-1)
					dx, dy := x-float64(x0), y-float64(y0)
					top := at(x0, y0)*(1-dx) + at(x1, y0)*dx
					bottom := at(x0, y1)*(1-dx) + at(x1, y1)*dx
					val = clampByte(top*(1-dy) + bottom*dy)
				}
			}
			i := u * 4
			dst[i], dst[i+1], dst[i+2], dst[i+3] = val, val, val, 255
		}
	}
	return out
}
