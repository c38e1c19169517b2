package tail

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

func appendTo(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(s); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

// nextLine polls Next until a line arrives.
func nextLine(t *testing.T, f *Follower) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		line, err := f.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if line != nil {
			return strings.TrimRight(string(line), "\n")
		}
	}
}

func TestFollower_StartsAtEnd(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "alerts.json")
	appendTo(t, path, "old-1\nold-2\n")

	f, err := Open(path, false, log.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	appendTo(t, path, "new-1\n")
	if got := nextLine(t, f); got != "new-1" {
		t.Errorf("line = %q, want new-1", got)
	}
}

func TestFollower_FromStartAndPartialLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "alerts.json")
	appendTo(t, path, "first\nsec")

	f, err := Open(path, true, log.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if got := nextLine(t, f); got != "first" {
		t.Errorf("line = %q, want first", got)
	}
	appendTo(t, path, "ond\n")
	if got := nextLine(t, f); got != "second" {
		t.Errorf("line = %q, want second", got)
	}
}

func TestFollower_Truncate(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "alerts.json")
	appendTo(t, path, "")
	f, err := Open(path, false, log.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	appendTo(t, path, "a-long-line-before-truncate\n")
	if got := nextLine(t, f); got != "a-long-line-before-truncate" {
		t.Fatalf("line = %q", got)
	}

	if err := os.Truncate(path, 0); err != nil {
		t.Fatal(err)
	}
	appendTo(t, path, "x\n")
	if got := nextLine(t, f); got != "x" {
		t.Errorf("line after truncate = %q, want x", got)
	}
}

func TestFollower_Rotation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "alerts.json")
	appendTo(t, path, "")
	f, err := Open(path, false, log.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if err := os.Rename(path, filepath.Join(dir, "alerts.json.1")); err != nil {
		t.Fatal(err)
	}
	appendTo(t, path, "after-rotate\n")
	if got := nextLine(t, f); got != "after-rotate" {
		t.Errorf("line = %q, want after-rotate", got)
	}
}

func TestFollower_RotationDrainsOldFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "alerts.json")
	rotated := filepath.Join(dir, "alerts.json.1")
	appendTo(t, path, "")
	f, err := Open(path, false, log.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if err := os.Rename(path, rotated); err != nil {
		t.Fatal(err)
	}
	// the writer still holds the old file and finishes its last lines there
	appendTo(t, rotated, "late-1\nlate-2\nunterminated")
	appendTo(t, path, "after-rotate\n")

	for _, want := range []string{"late-1", "late-2", "unterminated", "after-rotate"} {
		if got := nextLine(t, f); got != want {
			t.Errorf("line = %q, want %q", got, want)
		}
	}
}

func TestFollower_MissingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "later.json")
	f, err := Open(path, false, log.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	appendTo(t, path, "hello\n")
	if got := nextLine(t, f); got != "hello" {
		t.Errorf("line = %q, want hello", got)
	}
}

func TestOpen_MissingDirectory(t *testing.T) {
	t.Parallel()

	if _, err := Open(filepath.Join(t.TempDir(), "nope", "a.json"), false, log.Nop()); err == nil {
		t.Error("expected error for missing directory")
	}
}
