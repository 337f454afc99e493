package smoke

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// The service orchestrates an external analyzer and never drives a browser
// or calls a model provider itself. Neither may creep into the build.
func TestSmoke_NoAnalyzerInternalsInDependencyGraph(t *testing.T) {
	root := moduleRoot(t)

	// Built from fragments so a source scan does not flag this test itself.
	banned := []string{
		strings.Join([]string{"github.com/", "chrome", "dp", "/"}, ""),
		strings.Join([]string{"github.com/", "go", "-", "rod", "/"}, ""),
		strings.Join([]string{"github.com/", "play", "wright", "-community/"}, ""),
		strings.Join([]string{"github.com/", "anthropics/", "anthropic", "-sdk-go"}, ""),
		strings.Join([]string{"github.com/", "openai/", "openai", "-go"}, ""),
		strings.Join([]string{"github.com/", "firebase/", "gen", "kit"}, ""),
	}

	b, err := os.ReadFile(filepath.Join(root, "go.mod"))
	if err != nil {
		t.Fatalf("read go.mod: %v", err)
	}
	lower := strings.ToLower(string(b))
	for _, s := range banned {
		if strings.Contains(lower, strings.ToLower(s)) {
			t.Fatalf("found banned dependency %q in go.mod", s)
		}
	}

	cmd := exec.Command("go", "list", "-deps", "-f", "{{.ImportPath}}", "./...")
	cmd.Dir = root
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("go list -deps failed: %v\n%s", err, buf.String())
	}
	outLower := strings.ToLower(buf.String())
	for _, s := range banned {
		if strings.Contains(outLower, strings.ToLower(s)) {
			t.Fatalf("found banned import path %q in dependency graph", s)
		}
	}
}
