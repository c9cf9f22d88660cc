package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// HandleDocumentToPDF converts an office document to PDF via LibreOffice.
func HandleDocumentToPDF(ctx context.Context, in Input) (Output, error) {
	path, err := singleInput(in)
	if err != nil {
		return Output{}, err
	}

	if _, err := runTool(ctx, "soffice", "--headless", "--convert-to", "pdf", "--outdir", in.WorkDir, path); err != nil {
		return Output{}, err
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	outPath := filepath.Join(in.WorkDir, stem+".pdf")
	if _, err := os.Stat(outPath); err != nil {
		return Output{}, Permanent(fmt.Errorf("soffice produced no pdf for %s", filepath.Base(path)))
	}
	return Output{Paths: []string{outPath}}, nil
}

type pdfThumbnailParams struct {
	FirstPage int `json:"first_page"`
	LastPage  int `json:"last_page"`
	Width     int `json:"width"`
}

// HandlePDFThumbnail renders PDF pages to PNG thumbnails via pdftoppm.
func HandlePDFThumbnail(ctx context.Context, in Input) (Output, error) {
	path, err := singleInput(in)
	if err != nil {
		return Output{}, err
	}
	var params pdfThumbnailParams
	if err := decodeParams(in.Params, &params); err != nil {
		return Output{}, Permanent(err)
	}
	if params.Width <= 0 {
		params.Width = 640
	}

	args := []string{"-png", "-scale-to-x", strconv.Itoa(params.Width), "-scale-to-y", "-1"}
	if params.FirstPage > 0 {
		args = append(args, "-f", strconv.Itoa(params.FirstPage))
	}
	if params.LastPage > 0 {
		args = append(args, "-l", strconv.Itoa(params.LastPage))
	}
	prefix := filepath.Join(in.WorkDir, "page")
	args = append(args, path, prefix)

	if _, err := runTool(ctx, "pdftoppm", args...); err != nil {
		return Output{}, err
	}

	pages, err := filepath.Glob(prefix + "-*.png")
	if err != nil || len(pages) == 0 {
		return Output{}, Permanent(errors.New("no pages rendered"))
	}
	sort.Strings(pages)
	return Output{
		Paths:    pages,
		Metadata: map[string]string{"pages": strconv.Itoa(len(pages))},
	}, nil
}
