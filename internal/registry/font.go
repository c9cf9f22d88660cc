package registry

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"strconv"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"
)

type fontThumbnailParams struct {
	Text     string  `json:"text"`
	FontSize float64 `json:"font_size"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
}

const fontSampleText = "AaBbCc 0123"

// HandleFontThumbnail renders sample text in the font onto a white canvas.
func HandleFontThumbnail(ctx context.Context, in Input) (Output, error) {
	path, err := singleInput(in)
	if err != nil {
		return Output{}, err
	}
	var params fontThumbnailParams
	if err := decodeParams(in.Params, &params); err != nil {
		return Output{}, Permanent(err)
	}
	if params.Text == "" {
		params.Text = fontSampleText
	}
	if params.FontSize <= 0 {
		params.FontSize = 200
	}
	if params.Width <= 0 {
		params.Width = 800
	}
	if params.Height <= 0 {
		params.Height = 600
	}

	f, err := openFont(path)
	if err != nil {
		return Output{}, err
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    params.FontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return Output{}, Permanent(fmt.Errorf("build font face: %w", err))
	}
	defer face.Close()

	canvas := imaging.New(params.Width, params.Height, color.White)
	drawer := font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(color.Black),
		Face: face,
	}

	// Center the sample horizontally and sit the baseline mid-canvas.
	textWidth := drawer.MeasureString(params.Text)
	x := (fixed.I(params.Width) - textWidth) / 2
	if x < 0 {
		x = 0
	}
	metrics := face.Metrics()
	y := (fixed.I(params.Height) + metrics.Ascent - metrics.Descent) / 2
	drawer.Dot = fixed.Point26_6{X: x, Y: y}
	drawer.DrawString(params.Text)

	return writeImage(in, canvas, imaging.PNG, map[string]string{
		"width":  strconv.Itoa(params.Width),
		"height": strconv.Itoa(params.Height),
	})
}

// HandleFontMetadata extracts name-table entries and glyph counts.
func HandleFontMetadata(ctx context.Context, in Input) (Output, error) {
	path, err := singleInput(in)
	if err != nil {
		return Output{}, err
	}

	f, err := openFont(path)
	if err != nil {
		return Output{}, err
	}

	var buf sfnt.Buffer
	meta := map[string]string{}
	names := []struct {
		key string
		id  sfnt.NameID
	}{
		{"family", sfnt.NameIDFamily},
		{"subfamily", sfnt.NameIDSubfamily},
		{"full_name", sfnt.NameIDFull},
		{"version", sfnt.NameIDVersion},
		{"postscript_name", sfnt.NameIDPostScript},
		{"designer", sfnt.NameIDDesigner},
		{"license", sfnt.NameIDLicense},
	}
	for _, n := range names {
		// Not every font carries every name entry; absent ones are skipped.
		if v, err := f.Name(&buf, n.id); err == nil && v != "" {
			meta[n.key] = v
		}
	}
	meta["glyph_count"] = strconv.Itoa(f.NumGlyphs())
	meta["units_per_em"] = strconv.Itoa(int(f.UnitsPerEm()))

	return Output{Metadata: meta}, nil
}

func openFont(path string) (*sfnt.Font, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Transient(fmt.Errorf("open %s: %w", path, err))
	}
	f, err := sfnt.Parse(data)
	if err != nil {
		return nil, Permanent(fmt.Errorf("parse font: %w", err))
	}
	return f, nil
}
