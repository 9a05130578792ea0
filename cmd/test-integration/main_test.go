package main

import (
	"testing"

	"descaleverify/internal/kernel"
)

func TestRunRecordStoresBareKernelName(t *testing.T) {
	spec, err := kernel.Parse("bicubic", 0, 0.5)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rec := runRecord("run-1", "clip.mkv", spec, 24, 1080)
	if rec.Kernel != "bicubic" {
		t.Fatalf("expected bare kernel name, got %q", rec.Kernel)
	}
	if rec.ParamA != 0 || rec.ParamB != 0.5 {
		t.Fatalf("unexpected parameters a=%v b=%v", rec.ParamA, rec.ParamB)
	}
	if rec.Interval != 24 || rec.DescaleHeight != 1080 || rec.Reduction != "sum-abs" {
		t.Fatalf("unexpected record %+v", rec)
	}
}
