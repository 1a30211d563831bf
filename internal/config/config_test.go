package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/gesture.capture/internal/queue"
)

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := Empty()

	if got := cfg.GetInputDataPath(); got != "data" {
		t.Errorf("GetInputDataPath() = %q, want data", got)
	}
	if got := cfg.Queue.GetCapacity(); got != queue.DefaultCapacity {
		t.Errorf("GetCapacity() = %d, want %d", got, queue.DefaultCapacity)
	}
	if got := cfg.Queue.GetPolicy(); got != queue.Block {
		t.Errorf("GetPolicy() = %v, want block", got)
	}
	if got := cfg.Queue.GetBatchSize(); got != 100 {
		t.Errorf("GetBatchSize() = %d, want 100", got)
	}
	if got := cfg.FSR.GetSilenceAfter(); got != 4*time.Second {
		t.Errorf("FSR GetSilenceAfter() = %v, want 4s", got)
	}
	if got := cfg.FSR.GetPort(); got != "auto" {
		t.Errorf("FSR GetPort() = %q, want auto", got)
	}
	if got := cfg.Glove.GetStaleAfter(); got != 20*time.Second {
		t.Errorf("Glove GetStaleAfter() = %v, want 20s", got)
	}
	if got := cfg.Glove.GetInterval(); got != time.Second/150 {
		t.Errorf("Glove GetInterval() = %v, want 1/150s", got)
	}
	if got := cfg.Trigno.GetTimeout(); got != 5*time.Second {
		t.Errorf("Trigno GetTimeout() = %v, want 5s", got)
	}
	if got := cfg.Trigno.GetEMGSilenceAfter(); got != time.Second {
		t.Errorf("Trigno GetEMGSilenceAfter() = %v, want 1s", got)
	}
	if cfg.Trigno.ReadAux() {
		t.Error("ReadAux() should default to false")
	}
	if got := cfg.Summary(); got != "no devices enabled" {
		t.Errorf("Summary() = %q", got)
	}
}

func TestParse(t *testing.T) {
	doc := `
input_data_path: /srv/capture
dev_mode: true
queue:
  capacity: 500
  policy: drop_oldest
  flush_interval: 250ms
fsr:
  enabled: true
  port: /dev/ttyUSB0
glove:
  enabled: true
  port: /dev/ttyUSB1
  dof: 22
trigno:
  enabled: true
  host: 10.0.0.5
  timeout: 2.5
  sensors_mode_number: 65
  read_orientation: true
  sensor_ids: [1, 3]
  sensors_labels: [FLEX, EXT]
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got := cfg.GetInputDataPath(); got != "/srv/capture" {
		t.Errorf("GetInputDataPath() = %q", got)
	}
	if got := cfg.Queue.GetPolicy(); got != queue.DropOldest {
		t.Errorf("GetPolicy() = %v, want drop_oldest", got)
	}
	if got := cfg.Queue.GetFlushInterval(); got != 250*time.Millisecond {
		t.Errorf("GetFlushInterval() = %v", got)
	}
	if got := cfg.Glove.GetDOF(); got != 22 {
		t.Errorf("GetDOF() = %d", got)
	}
	if got := cfg.Glove.GetPort(); got != "/dev/ttyUSB1" {
		t.Errorf("Glove GetPort() = %q", got)
	}
	if got := cfg.Trigno.GetTimeout(); got != 2500*time.Millisecond {
		t.Errorf("GetTimeout() = %v", got)
	}
	if got := cfg.Trigno.GetMode(); got != 65 {
		t.Errorf("GetMode() = %d", got)
	}
	if !cfg.Trigno.ReadAux() {
		t.Error("ReadAux() = false with orientation enabled")
	}
	if got := cfg.Trigno.GetSensorLabels(); strings.Join(got, ",") != "FLEX,EXT" {
		t.Errorf("GetSensorLabels() = %v", got)
	}
	if got := cfg.Summary(); !strings.HasPrefix(got, "simulated fsr@/dev/ttyUSB0") {
		t.Errorf("Summary() = %q", got)
	}
}

func TestSensorLabelsFallBackToIDs(t *testing.T) {
	cfg, err := Parse([]byte("trigno:\n  sensor_ids: [2, 5]\n  sensors_labels: [ONLY]\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := cfg.Trigno.GetSensorLabels(); strings.Join(got, ",") != "2,5" {
		t.Errorf("GetSensorLabels() = %v, want ids", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"bad duration", "fsr:\n  silence_after: soon\n", "fsr.silence_after"},
		{"negative duration", "glove:\n  stale_after: -1s\n", "non-negative"},
		{"zero capacity", "queue:\n  capacity: 0\n", "queue.capacity"},
		{"unknown policy", "queue:\n  policy: drop_newest\n", "queue.policy"},
		{"glove dof", "glove:\n  dof: 20\n", "glove.dof"},
		{"sensor id", "trigno:\n  sensor_ids: [17]\n", "sensor_ids"},
		{"port", "trigno:\n  emg_port: 70000\n", "trigno.emg_port"},
		{"timeout", "trigno:\n  timeout: 0\n", "trigno.timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("participant: 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.GetParticipant(); got != 7 {
		t.Errorf("GetParticipant() = %d, want 7", got)
	}

	if _, err := Load(filepath.Join(dir, "config.json")); err == nil || !strings.Contains(err.Error(), ".yaml") {
		t.Errorf("expected extension error, got %v", err)
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	big := filepath.Join(dir, "big.yaml")
	if err := os.WriteFile(big, make([]byte, maxFileSize+1), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(big); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected size error, got %v", err)
	}
}
