// Package colormap provides the fixed color palette used for plot coloring.
package colormap

import (
	"fmt"
	"hash/fnv"
	"image/color"
	"math"
)

// Significance colors shared by the volcano and MA projections.
var (
	Up      = color.RGBA{214, 39, 40, 255}   // red
	Down    = color.RGBA{31, 119, 180, 255}  // blue
	Neutral = color.RGBA{127, 127, 127, 255} // gray
)

// Palette holds 20 distinct colors for categorical traits.
var Palette = []color.RGBA{
	{31, 119, 180, 255},  // Blue
	{255, 127, 14, 255},  // Orange
	{44, 160, 44, 255},   // Green
	{214, 39, 40, 255},   // Red
	{148, 103, 189, 255}, // Purple
	{140, 86, 75, 255},   // Brown
	{227, 119, 194, 255}, // Pink
	{127, 127, 127, 255}, // Gray
	{188, 189, 34, 255},  // Olive
	{23, 190, 207, 255},  // Cyan
	{174, 199, 232, 255}, // Light blue
	{255, 187, 120, 255}, // Light orange
	{152, 223, 138, 255}, // Light green
	{255, 152, 150, 255}, // Light red
	{197, 176, 213, 255}, // Light purple
	{196, 156, 148, 255}, // Light brown
	{247, 182, 210, 255}, // Light pink
	{199, 199, 199, 255}, // Light gray
	{219, 219, 141, 255}, // Light olive
	{158, 218, 229, 255}, // Light cyan
}

// AtIndex returns the palette color at index i (wraps around, negative-safe).
func AtIndex(i int) color.RGBA {
	n := len(Palette)
	i %= n
	if i < 0 {
		i += n
	}
	return Palette[i]
}

// ForCategory returns the palette color for a categorical value.
// The same value always maps to the same color.
func ForCategory(value string) color.RGBA {
	h := fnv.New32a()
	h.Write([]byte(value))
	return AtIndex(int(h.Sum32() % uint32(len(Palette))))
}

// ForNumber returns the palette color for a numeric value, taken modulo
// the palette length.
func ForNumber(value float64) color.RGBA {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Neutral
	}
	return AtIndex(int(math.Mod(value, float64(len(Palette)))))
}

// Hex renders a color as "#rrggbb".
func Hex(c color.RGBA) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}
