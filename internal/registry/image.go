package registry

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

type imageResizeParams struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
}

// HandleImageResize scales an image to the requested dimensions.
func HandleImageResize(ctx context.Context, in Input) (Output, error) {
	path, err := singleInput(in)
	if err != nil {
		return Output{}, err
	}
	var params imageResizeParams
	if err := decodeParams(in.Params, &params); err != nil {
		return Output{}, Permanent(err)
	}
	if params.Width <= 0 && params.Height <= 0 {
		return Output{}, Permanent(errors.New("width or height is required"))
	}

	img, format, err := openImage(path)
	if err != nil {
		return Output{}, err
	}

	img = imaging.Resize(img, params.Width, params.Height, imaging.Lanczos)
	return writeImage(in, img, chooseFormat(params.Format, format), map[string]string{
		"width":  strconv.Itoa(img.Bounds().Dx()),
		"height": strconv.Itoa(img.Bounds().Dy()),
	})
}

// HandleImageGrayscale converts an image to grayscale.
func HandleImageGrayscale(ctx context.Context, in Input) (Output, error) {
	path, err := singleInput(in)
	if err != nil {
		return Output{}, err
	}
	var params imageResizeParams
	if err := decodeParams(in.Params, &params); err != nil {
		return Output{}, Permanent(err)
	}

	img, format, err := openImage(path)
	if err != nil {
		return Output{}, err
	}

	out := imaging.Grayscale(img)
	if params.Width > 0 || params.Height > 0 {
		out = imaging.Resize(out, params.Width, params.Height, imaging.Lanczos)
	}
	return writeImage(in, out, chooseFormat(params.Format, format), nil)
}

type imageThumbnailParams struct {
	Width int `json:"width"`
}

// HandleImageThumbnail produces an aspect-preserving thumbnail.
func HandleImageThumbnail(ctx context.Context, in Input) (Output, error) {
	path, err := singleInput(in)
	if err != nil {
		return Output{}, err
	}
	var params imageThumbnailParams
	if err := decodeParams(in.Params, &params); err != nil {
		return Output{}, Permanent(err)
	}
	if params.Width <= 0 {
		params.Width = 300
	}

	src, _, err := openImage(path)
	if err != nil {
		return Output{}, err
	}
	if src.Bounds().Dx() == 0 || src.Bounds().Dy() == 0 {
		return Output{}, Permanent(errors.New("invalid image dimensions"))
	}

	newWidth := params.Width
	newHeight := int(float64(src.Bounds().Dy()) * float64(newWidth) / float64(src.Bounds().Dx()))
	if newHeight == 0 {
		newHeight = newWidth
	}

	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	return writeImage(in, dst, imaging.PNG, map[string]string{
		"width":  strconv.Itoa(newWidth),
		"height": strconv.Itoa(newHeight),
	})
}

func openImage(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", Transient(fmt.Errorf("open %s: %w", path, err))
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, "", Permanent(fmt.Errorf("decode image: %w", err))
	}
	return img, format, nil
}

func writeImage(in Input, img image.Image, format imaging.Format, metadata map[string]string) (Output, error) {
	outPath := filepath.Join(in.WorkDir, "out."+formatExtension(format))
	f, err := os.Create(outPath)
	if err != nil {
		return Output{}, Transient(fmt.Errorf("create output: %w", err))
	}
	defer f.Close()

	if err := imaging.Encode(f, img, format, imaging.JPEGQuality(85)); err != nil {
		return Output{}, Permanent(fmt.Errorf("encode image: %w", err))
	}
	return Output{Paths: []string{outPath}, Metadata: metadata}, nil
}

func chooseFormat(requested, decoded string) imaging.Format {
	switch strings.ToLower(requested) {
	case "png":
		return imaging.PNG
	case "jpg", "jpeg":
		return imaging.JPEG
	case "gif":
		return imaging.GIF
	case "tiff":
		return imaging.TIFF
	}
	switch strings.ToLower(decoded) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	case "tiff":
		return imaging.TIFF
	}
	return imaging.JPEG
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	default:
		return "jpg"
	}
}
