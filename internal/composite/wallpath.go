package composite

import (
	"fmt"
	"image"

	"cogentcore.org/core/paint/ppath"
	"golang.org/x/image/draw"
	"golang.org/x/image/vector"
)

// parseWallPath parses SVG path data with arcs replaced by cubic curves, which is all
// the rasteriser understands.
func parseWallPath(d string) (ppath.Path, error) {
	p, err := ppath.ParseSVGPath(d)
	if err != nil {
		return nil, fmt.Errorf("composite: parse wall path: %w", err)
	}
	return p.ReplaceArcs(), nil
}

// rasterise fills p into a w by h coverage mask using the non-zero rule.
func rasterise(p ppath.Path, w, h int) *image.Alpha {
	z := vector.NewRasterizer(w, h)
	z.DrawOp = draw.Src
	open := false
	for sc := p.Scanner(); sc.Scan(); {
		end := sc.End()
		switch sc.Cmd() {
		case ppath.MoveTo:
			if open {
				z.ClosePath()
			}
			z.MoveTo(end.X, end.Y)
			open = true
		case ppath.LineTo:
			z.LineTo(end.X, end.Y)
		case ppath.QuadTo:
			cp := sc.CP1()
			z.QuadTo(cp.X, cp.Y, end.X, end.Y)
		case ppath.CubeTo:
			cp1, cp2 := sc.CP1(), sc.CP2()
			z.CubeTo(cp1.X, cp1.Y, cp2.X, cp2.Y, end.X, end.Y)
		case ppath.Close:
			z.ClosePath()
			open = false
		}
	}
	if open {
		z.ClosePath()
	}
	mask := image.NewAlpha(image.Rect(0, 0, w, h))
	z.Draw(mask, mask.Bounds(), image.Opaque, image.Point{})
	return mask
}
