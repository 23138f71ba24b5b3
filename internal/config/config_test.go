package config

import (
	"testing"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(pflag.NewFlagSet("test", pflag.ContinueOnError))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ModelID != "default" {
		t.Errorf("ModelID = %q, want %q", cfg.ModelID, "default")
	}
	if cfg.InstanceID == "" {
		t.Error("InstanceID should be auto-generated when unset, got empty string")
	}
	if len(cfg.StreamSourceIDs) != 1 || cfg.StreamSourceIDs[0] != 0 {
		t.Errorf("StreamSourceIDs = %v, want [0]", cfg.StreamSourceIDs)
	}
}

func TestStreamURI(t *testing.T) {
	cfg := &ProcessorConfig{StreamServer: "rtsp://proxy.local"}
	if got, want := cfg.StreamURI(7), "rtsp://proxy.local/7"; got != want {
		t.Errorf("StreamURI(7) = %q, want %q", got, want)
	}
}

func TestModelIDNowReflectsLiveMutation(t *testing.T) {
	cfg := &ProcessorConfig{ModelID: "v1"}
	if got := cfg.ModelIDNow(); got != "v1" {
		t.Fatalf("ModelIDNow() = %q before mutation, want %q", got, "v1")
	}
	cfg.SetModelID("v2")
	if got := cfg.ModelIDNow(); got != "v2" {
		t.Errorf("ModelIDNow() = %q after SetModelID, want %q", got, "v2")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	cfg := &ProcessorConfig{
		StreamSourceIDs: []int{0, 1},
		ModelID:         "v1",
		MaxFPS:          10,
		InstanceID:      "proc-1",
	}
	backup := cfg.Snapshot()

	cfg.SetModelID("v2")
	cfg.SetMaxFPS(20)
	cfg.AddStreamSource(2)

	cfg.Restore(backup)

	if got := cfg.ModelIDNow(); got != "v1" {
		t.Errorf("ModelID after Restore = %q, want %q", got, "v1")
	}
	if cfg.MaxFPS != 10 {
		t.Errorf("MaxFPS after Restore = %v, want 10", cfg.MaxFPS)
	}
	if sources := cfg.StreamSources(); len(sources) != 2 {
		t.Errorf("StreamSources after Restore = %v, want len 2", sources)
	}
}

func TestAddStreamSourceRejectsDuplicate(t *testing.T) {
	cfg := &ProcessorConfig{StreamSourceIDs: []int{0}}
	if added := cfg.AddStreamSource(1); !added {
		t.Error("AddStreamSource(1) = false, want true for a new id")
	}
	if added := cfg.AddStreamSource(1); added {
		t.Error("AddStreamSource(1) = true on second call, want false for a duplicate")
	}
}

func TestRemoveStreamSource(t *testing.T) {
	cfg := &ProcessorConfig{StreamSourceIDs: []int{0, 1}}
	if removed := cfg.RemoveStreamSource(1); !removed {
		t.Error("RemoveStreamSource(1) = false, want true")
	}
	if removed := cfg.RemoveStreamSource(1); removed {
		t.Error("RemoveStreamSource(1) = true on second call, want false once absent")
	}
	if sources := cfg.StreamSources(); len(sources) != 1 || sources[0] != 0 {
		t.Errorf("StreamSources = %v, want [0]", sources)
	}
}
