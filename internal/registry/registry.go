package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"media-worker/internal/config"
)

// Input is the uniform handler input: fetched input files on local disk
// plus the job's opaque parameters and a scratch directory for outputs.
type Input struct {
	JobID   string
	Paths   []string
	Params  map[string]any
	WorkDir string
}

// Output is the uniform handler output: produced files to persist and
// converter-reported metadata.
type Output struct {
	Paths    []string
	Metadata map[string]string
}

// Handler converts media. Errors should be wrapped with Transient or
// Permanent so the workflow knows whether to retry.
type Handler func(ctx context.Context, in Input) (Output, error)

// Registry is a closed capability table built at process start and never
// mutated afterwards. The workflow is capability-agnostic; this mapping is
// the only place converter specifics live.
type Registry struct {
	handlers map[string]Handler
}

// New builds a registry from an explicit capability table.
func New(table map[string]Handler) *Registry {
	handlers := make(map[string]Handler, len(table))
	for name, h := range table {
		if name == "" || h == nil {
			continue
		}
		handlers[name] = h
	}
	return &Registry{handlers: handlers}
}

// Default returns the full capability table for this deployment.
func Default(cfg config.Config) *Registry {
	return New(map[string]Handler{
		"image.resize":        HandleImageResize,
		"image.grayscale":     HandleImageGrayscale,
		"image.thumbnail":     HandleImageThumbnail,
		"image.color-palette": HandleImageColorPalette,
		"video.metadata":      HandleVideoMetadata,
		"video.transcode":     HandleVideoTranscode,
		"video.sprite":        HandleVideoSprite,
		"audio.waveform":      HandleAudioWaveform,
		"document.to-pdf":     HandleDocumentToPDF,
		"pdf.thumbnail":       HandlePDFThumbnail,
		"font.thumbnail":      HandleFontThumbnail,
		"font.metadata":       HandleFontMetadata,
	})
}

// Resolve looks up the handler for a capability.
func (r *Registry) Resolve(capability string) (Handler, bool) {
	h, ok := r.handlers[capability]
	return h, ok
}

// Has reports whether a capability is registered.
func (r *Registry) Has(capability string) bool {
	_, ok := r.handlers[capability]
	return ok
}

// Capabilities lists registered capability names, sorted.
func (r *Registry) Capabilities() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// decodeParams maps the job's opaque parameters onto a typed struct via a
// JSON round trip.
func decodeParams(params map[string]any, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

// singleInput returns the only input path, erroring when the capability
// expects exactly one input.
func singleInput(in Input) (string, error) {
	if len(in.Paths) != 1 {
		return "", Permanent(fmt.Errorf("expected exactly one input, got %d", len(in.Paths)))
	}
	return in.Paths[0], nil
}
