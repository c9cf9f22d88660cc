package registry

import (
	"errors"
	"testing"

	"media-worker/internal/config"
)

func TestDefaultTableIsClosed(t *testing.T) {
	r := Default(config.Config{})

	if !r.Has("image.resize") {
		t.Fatal("image.resize should be registered")
	}
	if r.Has("unknown.op") {
		t.Fatal("unknown.op should not be registered")
	}
	if _, ok := r.Resolve("unknown.op"); ok {
		t.Fatal("resolve of unknown capability should fail")
	}

	caps := r.Capabilities()
	if len(caps) == 0 {
		t.Fatal("expected registered capabilities")
	}
	for i := 1; i < len(caps); i++ {
		if caps[i-1] >= caps[i] {
			t.Fatalf("capabilities not sorted: %v", caps)
		}
	}
}

func TestNewSkipsInvalidEntries(t *testing.T) {
	r := New(map[string]Handler{
		"":     HandleImageResize,
		"good": HandleImageResize,
		"nil":  nil,
	})
	if r.Has("") || r.Has("nil") {
		t.Fatal("empty name and nil handler should be dropped")
	}
	if !r.Has("good") {
		t.Fatal("valid entry should be kept")
	}
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")

	if KindOf(Transient(base)) != KindTransient {
		t.Fatal("transient wrapper lost")
	}
	if KindOf(Permanent(base)) != KindPermanent {
		t.Fatal("permanent wrapper lost")
	}
	// Unclassified errors default to transient so no work is lost.
	if KindOf(base) != KindTransient {
		t.Fatal("unclassified error should default to transient")
	}
	if !errors.Is(Permanent(base), base) {
		t.Fatal("wrapped error should unwrap to the original")
	}
	if Transient(nil) != nil || Permanent(nil) != nil {
		t.Fatal("wrapping nil should stay nil")
	}
}
