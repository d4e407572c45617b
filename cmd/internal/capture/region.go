package capture

import (
	"fmt"
	"image"
	"sort"
	"strings"

	"github.com/go-playground/validator"
)

// Region is a rectangle in screen pixels.
type Region struct {
	X      int `yaml:"x" validate:"gte=0"`
	Y      int `yaml:"y" validate:"gte=0"`
	Width  int `yaml:"width" validate:"gt=0"`
	Height int `yaml:"height" validate:"gt=0"`
}

var validate = validator.New()

// Validate reports whether the region has a non-negative origin and a positive size.
func (r Region) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid region %s: %w", r, err)
	}
	return nil
}

// Rect converts the region to an image rectangle.
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

func (r Region) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}

// Presets are named regions for a 1920x1080 display.
var Presets = map[string]Region{
	"left-half":   {X: 0, Y: 0, Width: 960, Height: 1080},
	"right-half":  {X: 960, Y: 0, Width: 960, Height: 1080},
	"top-half":    {X: 0, Y: 0, Width: 1920, Height: 540},
	"bottom-half": {X: 0, Y: 540, Width: 1920, Height: 540},
	"center":      {X: 480, Y: 270, Width: 960, Height: 540},
}

// PresetNames returns preset names in stable order.
func PresetNames() []string {
	names := make([]string, 0, len(Presets))
	for n := range Presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ParsePreset resolves a preset name. "" and "full" mean the whole screen (nil region).
func ParsePreset(name string) (*Region, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "full" {
		return nil, nil
	}
	r, ok := Presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown preset %q (known: %s)", name, strings.Join(PresetNames(), ", "))
	}
	return &r, nil
}
