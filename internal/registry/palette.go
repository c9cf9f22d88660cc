package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

type colorPaletteParams struct {
	Count int `json:"count"`
}

type paletteEntry struct {
	Color     string  `json:"color"`
	Frequency float64 `json:"frequency"`
}

// HandleImageColorPalette extracts the dominant colors of an image as hex
// values with relative frequencies. Pixels are bucketed at 4 bits per
// channel, which is coarse enough to merge near-identical shades.
func HandleImageColorPalette(ctx context.Context, in Input) (Output, error) {
	path, err := singleInput(in)
	if err != nil {
		return Output{}, err
	}
	var params colorPaletteParams
	if err := decodeParams(in.Params, &params); err != nil {
		return Output{}, Permanent(err)
	}
	if params.Count <= 0 {
		params.Count = 10
	}

	img, _, err := openImage(path)
	if err != nil {
		return Output{}, err
	}

	type bucket struct {
		r, g, b uint32
		count   int
	}
	buckets := map[uint32]*bucket{}
	bounds := img.Bounds()
	total := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := img.At(x, y).RGBA()
			if a == 0 {
				continue
			}
			r, g, b = r>>8, g>>8, b>>8
			key := (r>>4)<<8 | (g>>4)<<4 | (b >> 4)
			bk, ok := buckets[key]
			if !ok {
				bk = &bucket{}
				buckets[key] = bk
			}
			bk.r += r
			bk.g += g
			bk.b += b
			bk.count++
			total++
		}
	}
	if total == 0 {
		return Output{}, Permanent(fmt.Errorf("image has no opaque pixels"))
	}

	sorted := make([]*bucket, 0, len(buckets))
	for _, bk := range buckets {
		sorted = append(sorted, bk)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].count > sorted[j].count })
	if len(sorted) > params.Count {
		sorted = sorted[:params.Count]
	}

	palette := make([]paletteEntry, 0, len(sorted))
	for _, bk := range sorted {
		n := uint32(bk.count)
		palette = append(palette, paletteEntry{
			Color:     fmt.Sprintf("#%02x%02x%02x", bk.r/n, bk.g/n, bk.b/n),
			Frequency: float64(bk.count) / float64(total),
		})
	}

	encoded, err := json.Marshal(palette)
	if err != nil {
		return Output{}, Permanent(fmt.Errorf("marshal palette: %w", err))
	}
	return Output{Metadata: map[string]string{"palette": string(encoded)}}, nil
}
