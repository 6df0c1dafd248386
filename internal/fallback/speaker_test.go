package fallback

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

func TestNoneIsUnavailable(t *testing.T) {
	if err := (None{}).Speak(context.Background(), "hi"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestExecSpeakerPipesText(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	out := filepath.Join(dir, "spoken.txt")
	script := filepath.Join(dir, "say.sh")
	if err := os.WriteFile(script, []byte("printf '%s:' \"$1\" > \"$2\"\ncat >> \"$2\"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	speaker, err := NewExecSpeaker("sh "+script+" {voice} "+out, "en-GB")
	if err != nil {
		t.Fatalf("new speaker: %v", err)
	}
	if err := speaker.Speak(context.Background(), "chunk text"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "en-GB:chunk text" {
		t.Fatalf("unexpected spoken output %q", got)
	}
}

func TestExecSpeakerMissingBinary(t *testing.T) {
	speaker, err := NewExecSpeaker("no-such-speech-binary --stdin", "en")
	if err != nil {
		t.Fatalf("new speaker: %v", err)
	}
	if err := speaker.Speak(context.Background(), "hi"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestNewModes(t *testing.T) {
	s, err := New(config.FallbackConfig{Mode: "none"})
	if err != nil {
		t.Fatalf("none: %v", err)
	}
	if _, ok := s.(None); !ok {
		t.Fatalf("expected None, got %T", s)
	}
	if _, err := New(config.FallbackConfig{Mode: "exec", Command: "espeak-ng --stdin -v {voice}", Voice: "en"}); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if _, err := New(config.FallbackConfig{Mode: "telepathy"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
