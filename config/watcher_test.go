package config

import (
	"os"
	"testing"
	"time"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := writeTempConfig(t, validYAML)

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	defer w.Stop()

	changes := make(chan File, 4)
	w.OnChange(func(f File) { changes <- f })

	if err := w.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	time.Sleep(20 * time.Millisecond) // let the fsnotify watch register

	updated := `
adaptive:
  initial_tps: 999
  ramp_increment: 10
  ramp_decrement: 20
  ramp_interval: 5s
  max_tps: 500
  min_tps: 1
  sustain_duration: 30s
  error_threshold: 0.05
  bp_ramp_up_threshold: 0.3
  bp_ramp_down_threshold: 0.7
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	select {
	case f := <-changes:
		if f.Adaptive.InitialTPS != 999 {
			t.Errorf("expected the reloaded config to reflect the new file, got %v", f.Adaptive.InitialTPS)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change notification after rewriting the watched file")
	}
}

func TestWatcher_InvalidReloadIsIgnored(t *testing.T) {
	path := writeTempConfig(t, validYAML)

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	defer w.Stop()

	changes := make(chan File, 4)
	w.OnChange(func(f File) { changes <- f })
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := os.WriteFile(path, []byte("adaptive:\n  initial_tps: -1\n"), 0o644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	select {
	case <-changes:
		t.Fatal("expected an invalid config to be rejected, not published")
	case <-time.After(200 * time.Millisecond):
		// no notification: correct.
	}
}
