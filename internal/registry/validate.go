package registry

import (
	"errors"
	"fmt"
)

// validators holds per-capability checks for required parameters, run at
// submission and again before the workflow schedules any activity. Only
// capabilities with required parameters appear here.
var validators = map[string]func(params map[string]any) error{
	"image.resize": func(params map[string]any) error {
		var p imageResizeParams
		if err := decodeParams(params, &p); err != nil {
			return err
		}
		if p.Width <= 0 && p.Height <= 0 {
			return errors.New("image.resize requires a positive width or height")
		}
		return nil
	},
	"audio.waveform": func(params map[string]any) error {
		var p waveformParams
		if err := decodeParams(params, &p); err != nil {
			return err
		}
		if p.NumSamples < 0 {
			return errors.New("audio.waveform num_samples must not be negative")
		}
		return nil
	},
}

// Validate rejects unknown capabilities and missing required parameters.
func (r *Registry) Validate(capability string, params map[string]any) error {
	if !r.Has(capability) {
		return fmt.Errorf("unknown capability %q", capability)
	}
	if check, ok := validators[capability]; ok {
		if err := check(params); err != nil {
			return err
		}
	}
	return nil
}
