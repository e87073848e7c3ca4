// Package opticalflow estimates per-frame horizontal motion from the video
// chunk stream. Chunks carry single encoded frames (JPEG or PNG); the
// engine keeps the previous grayscale frame and produces the mean absolute
// horizontal displacement between consecutive frames using a pyramidal
// dense estimator.
package opticalflow

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
)

// Estimator parameters, matching the classic Farneback defaults used for
// this capture pipeline.
const (
	pyrScale   = 0.5
	pyrLevels  = 3
	winSize    = 15
	iterations = 3
	polyN      = 5
	polySigma  = 1.2
)

// Engine is owned by a single verification session and is not safe for
// concurrent use.
type Engine struct {
	prev *grayFrame
}

func NewEngine() *Engine { return &Engine{} }

// Reset drops the previous frame. Call between capture phases that should
// not correlate across the gap.
func (e *Engine) Reset() { e.prev = nil }

// ProcessChunk decodes one frame and returns the mean absolute horizontal
// flow against the previous frame. ok is false for the first frame and for
// chunks that fail to decode; the stream continues either way.
func (e *Engine) ProcessChunk(chunk []byte) (float64, bool) {
	img, _, err := image.Decode(bytes.NewReader(chunk))
	if err != nil {
		return 0, false
	}
	gray := toGray(img)

	if e.prev == nil {
		e.prev = gray
		return 0, false
	}
	if e.prev.w != gray.w || e.prev.h != gray.h {
		// Resolution change breaks frame pairing; restart from here.
		e.prev = gray
		return 0, false
	}

	mag := horizontalFlow(e.prev, gray)
	e.prev = gray
	return mag, true
}

type grayFrame struct {
	pix  []float64
	w, h int
}

func toGray(img image.Image) *grayFrame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			// ITU-R BT.601 luma, 16-bit channels.
			pix[y*w+x] = (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)) / 257.0
		}
	}
	return &grayFrame{pix: pix, w: w, h: h}
}

func (f *grayFrame) at(x, y int) float64 {
	if x < 0 {
		x = 0
	} else if x >= f.w {
		x = f.w - 1
	}
	if y < 0 {
		y = 0
	} else if y >= f.h {
		y = f.h - 1
	}
	return f.pix[y*f.w+x]
}

// downsample halves the frame with a 2x2 box filter, the pyramid step for
// pyrScale=0.5.
func (f *grayFrame) downsample() *grayFrame {
	w, h := f.w/2, f.h/2
	if w < 1 || h < 1 {
		return nil
	}
	pix := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx, sy := x*2, y*2
			pix[y*w+x] = (f.at(sx, sy) + f.at(sx+1, sy) + f.at(sx, sy+1) + f.at(sx+1, sy+1)) / 4
		}
	}
	return &grayFrame{pix: pix, w: w, h: h}
}

// horizontalFlow estimates the dense flow field between two frames with a
// coarse-to-fine Lucas-Kanade style solve over a Gaussian window, and
// returns the mean absolute horizontal component.
func horizontalFlow(prev, cur *grayFrame) float64 {
	prevPyr := buildPyramid(prev)
	curPyr := buildPyramid(cur)

	// Seed the coarsest level with zero flow, refine downwards.
	level := len(prevPyr) - 1
	fx := make([]float64, prevPyr[level].w*prevPyr[level].h)
	fy := make([]float64, prevPyr[level].w*prevPyr[level].h)

	for ; level >= 0; level-- {
		p, c := prevPyr[level], curPyr[level]
		for it := 0; it < iterations; it++ {
			refine(p, c, fx, fy)
		}
		if level > 0 {
			fx, fy = upsampleFlow(fx, fy, p.w, p.h, prevPyr[level-1].w, prevPyr[level-1].h)
		}
	}

	var sum float64
	for _, v := range fx {
		sum += math.Abs(v)
	}
	return sum / float64(len(fx))
}

func buildPyramid(f *grayFrame) []*grayFrame {
	pyr := []*grayFrame{f}
	for i := 1; i < pyrLevels; i++ {
		next := pyr[i-1].downsample()
		if next == nil || next.w < winSize || next.h < winSize {
			break
		}
		pyr = append(pyr, next)
	}
	return pyr
}

var gaussWin = buildGaussWindow()

func buildGaussWindow() []float64 {
	half := winSize / 2
	w := make([]float64, winSize)
	for i := range w {
		d := float64(i - half)
		w[i] = math.Exp(-d * d / (2 * polySigma * polySigma * float64(polyN)))
	}
	return w
}

// refine performs one iteration of the windowed least-squares solve on a
// sparse grid and splats the result back onto the dense field.
func refine(prev, cur *grayFrame, fx, fy []float64) {
	half := winSize / 2
	step := half
	if step < 1 {
		step = 1
	}
	for gy := half; gy < prev.h-half; gy += step {
		for gx := half; gx < prev.w-half; gx += step {
			u0 := fx[gy*prev.w+gx]
			v0 := fy[gy*prev.w+gx]

			var a11, a12, a22, b1, b2 float64
			for wy := -half; wy <= half; wy++ {
				for wx := -half; wx <= half; wx++ {
					x, y := gx+wx, gy+wy
					ix := (prev.at(x+1, y) - prev.at(x-1, y)) / 2
					iy := (prev.at(x, y+1) - prev.at(x, y-1)) / 2
					it := sample(cur, float64(x)+u0, float64(y)+v0) - prev.at(x, y)
					wgt := gaussWin[wx+half] * gaussWin[wy+half]
					a11 += wgt * ix * ix
					a12 += wgt * ix * iy
					a22 += wgt * iy * iy
					b1 -= wgt * ix * it
					b2 -= wgt * iy * it
				}
			}
			det := a11*a22 - a12*a12
			if det < 1e-6 {
				continue
			}
			du := (a22*b1 - a12*b2) / det
			dv := (a11*b2 - a12*b1) / det

			// Write the update over the window footprint.
			for wy := -half; wy <= half; wy++ {
				for wx := -half; wx <= half; wx++ {
					idx := (gy+wy)*prev.w + (gx + wx)
					fx[idx] = u0 + du
					fy[idx] = v0 + dv
				}
			}
		}
	}
}

// sample reads cur at a fractional position with bilinear interpolation.
func sample(f *grayFrame, x, y float64) float64 {
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	tx, ty := x-float64(x0), y-float64(y0)
	v00 := f.at(x0, y0)
	v10 := f.at(x0+1, y0)
	v01 := f.at(x0, y0+1)
	v11 := f.at(x0+1, y0+1)
	return v00*(1-tx)*(1-ty) + v10*tx*(1-ty) + v01*(1-tx)*ty + v11*tx*ty
}

// upsampleFlow scales a flow field up to the next pyramid level, doubling
// the displacement values.
func upsampleFlow(fx, fy []float64, w, h, nw, nh int) ([]float64, []float64) {
	nfx := make([]float64, nw*nh)
	nfy := make([]float64, nw*nh)
	for y := 0; y < nh; y++ {
		for x := 0; x < nw; x++ {
			sx, sy := x/2, y/2
			if sx >= w {
				sx = w - 1
			}
			if sy >= h {
				sy = h - 1
			}
			nfx[y*nw+x] = fx[sy*w+sx] / pyrScale
			nfy[y*nw+x] = fy[sy*w+sx] / pyrScale
		}
	}
	return nfx, nfy
}
