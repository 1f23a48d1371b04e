package dispatch

import (
	"fmt"
	"math"

	"github.com/xkilldash9x/vmpilot/internal/perception"
)

// Point is a pixel coordinate on the remote display.
type Point struct {
	X, Y int
}

// Center returns the pixel center of a normalized bounding box on a width x height image.
func Center(bbox [4]float64, width, height int) Point {
	w, h := float64(width), float64(height)
	x := bbox[0]*w + (bbox[2]-bbox[0])*w/2
	y := bbox[1]*h + (bbox[3]-bbox[1])*h/2
	return Point{X: int(math.Floor(x + 0.5)), Y: int(math.Floor(y + 0.5))}
}

// Resolve locates boxID in screen and returns the center of its bounding box.
func Resolve(screen *perception.Screen, boxID int) (Point, error) {
	el, ok := screen.Element(boxID)
	if !ok {
		n := 0
		if screen != nil {
			n = len(screen.Elements)
		}
		return Point{}, fmt.Errorf("%w: cannot find box id %d in a list of length %d", ErrBoxNotFound, boxID, n)
	}
	return Center(el.BBox, screen.Width, screen.Height), nil
}
