package testharness

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// WriteFiles writes path → content pairs under root, creating directories as
// needed.
func WriteFiles(root string, files map[string]string) error {
	for rel, content := range files {
		target := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(target, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

// InitGitRepo turns dir into a git repository with one commit containing
// files. Skips the test when git is unavailable.
func InitGitRepo(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	if err := WriteFiles(dir, files); err != nil {
		t.Fatalf("write files: %v", err)
	}
	git(t, dir, "init", "-b", "main")
	git(t, dir, "config", "user.email", "test@example.com")
	git(t, dir, "config", "user.name", "Test")
	git(t, dir, "add", ".")
	git(t, dir, "commit", "-m", "initial")
}

// Commit stages and commits everything in dir.
func Commit(t *testing.T, dir, message string) {
	t.Helper()
	git(t, dir, "add", ".")
	git(t, dir, "commit", "-m", message)
}

func git(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}
