package debug

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestShouldEnableFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		enabled string
		path    string
		want    bool
	}{
		{name: "disabled by default", enabled: "", path: "", want: false},
		{name: "enabled explicit", enabled: "1", path: "", want: true},
		{name: "enabled via path", enabled: "", path: "/tmp/waverun.log", want: true},
		{name: "explicit off wins", enabled: "0", path: "/tmp/waverun.log", want: false},
		{name: "unknown toggle without path", enabled: "maybe", path: "", want: false},
		{name: "unknown toggle with path", enabled: "maybe", path: "/tmp/waverun.log", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvEnabled, tt.enabled)
			t.Setenv(EnvLogPath, tt.path)
			if got := ShouldEnableFromEnv(); got != tt.want {
				t.Fatalf("ShouldEnableFromEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInitInheritedPathAppends(t *testing.T) {
	defer Close()

	logPath := filepath.Join(t.TempDir(), "aggregate.log")
	if err := os.WriteFile(logPath, []byte("existing\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv(EnvLogPath, logPath)
	t.Setenv(EnvProcess, "supervisor:test")

	gotPath, err := Init()
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if gotPath != logPath {
		t.Fatalf("Init path = %q, want inherited %q", gotPath, logPath)
	}

	LogKV("test", "hello", "k", "v")
	Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)
	if !strings.HasPrefix(content, "existing\n") {
		t.Fatalf("inherited log was truncated:\n%s", content)
	}
	if !strings.Contains(content, "PROCESS ATTACHED") {
		t.Fatalf("missing attach banner:\n%s", content)
	}
	if !strings.Contains(content, "hello k=v") {
		t.Fatalf("missing logged line:\n%s", content)
	}
	if !strings.Contains(content, "supervisor:test") {
		t.Fatalf("missing process label:\n%s", content)
	}
}

func TestLogNoopWhenDisabled(t *testing.T) {
	if Enabled() {
		t.Fatal("logger should be disabled by default in tests")
	}
	// Must not panic.
	Log("x", "y")
	Logf("x", "%d", 1)
	LogKV("x", "y", "k", 1)
	if Path() != "" {
		t.Fatalf("Path() = %q, want empty", Path())
	}
}

func TestPropagatedEnvUnchangedWhenDisabled(t *testing.T) {
	base := []string{"A=1"}
	got := PropagatedEnv(base, "child")
	if len(got) != 1 || got[0] != "A=1" {
		t.Fatalf("PropagatedEnv = %v, want unchanged", got)
	}
}
