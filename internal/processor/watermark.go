package processor

import (
	"image"
	"image/color"

	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
)

const minFontSize = 12

// drawWatermark stamps text in the top-left corner, scaled to the image width.
// Text that does not fit is clipped to the image bounds.
func drawWatermark(dst *image.NRGBA, f *truetype.Font, text string) {
	size := float64(dst.Bounds().Dx()) / 20
	if size < minFontSize {
		size = minFontSize
	}

	c := freetype.NewContext()
	c.SetDPI(72)
	c.SetFont(f)
	c.SetFontSize(size)
	c.SetClip(dst.Bounds())
	c.SetDst(dst)
	c.SetSrc(image.NewUniform(color.NRGBA{R: 255, G: 255, B: 255, A: 180}))

	margin := int(size / 2)
	pt := freetype.Pt(dst.Bounds().Min.X+margin, dst.Bounds().Min.Y+margin+int(c.PointToFixed(size)>>6))
	// DrawString only fails when no font is set.
	_, _ = c.DrawString(text, pt)
}
