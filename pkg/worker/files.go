package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// savePattern matches an explicit file-save directive in the subtask
// text, e.g. "save to app.py" or "save it to src/main.go".
var savePattern = regexp.MustCompile(`(?i)\bsave(?:\s+\S+)?\s+to\s+(\S+)`)

// codeBlockPattern captures the body of the first fenced code block;
// the language tag is ignored.
var codeBlockPattern = regexp.MustCompile("(?s)```[^\n]*\n(.*?)```")

// extractSaveDirective returns the target path of a save directive.
func extractSaveDirective(text string) (string, bool) {
	m := savePattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	path := strings.Trim(m[1], `"'.,;`)
	if path == "" {
		return "", false
	}
	return path, true
}

// extractCodeBlock returns the body of the first fenced code block in
// the LLM response, verbatim.
func extractCodeBlock(response string) (string, bool) {
	m := codeBlockPattern.FindStringSubmatch(response)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// saveArtifact writes the first fenced code block of the response to
// the requested path. The path must stay inside the project folder and
// carry an allow-listed extension.
func (w *Worker) saveArtifact(path, response string) error {
	if w.cfg.ProjectFolder == "" {
		return fmt.Errorf("file writes disabled: no project folder configured")
	}

	ext := filepath.Ext(path)
	allowed := false
	for _, a := range w.cfg.AllowedExtensions {
		if strings.EqualFold(ext, a) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("extension %q not allowed", ext)
	}

	root, err := filepath.Abs(w.cfg.ProjectFolder)
	if err != nil {
		return fmt.Errorf("failed to resolve project folder: %w", err)
	}
	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	target = filepath.Clean(target)

	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes the project folder", path)
	}

	body, ok := extractCodeBlock(response)
	if !ok {
		return fmt.Errorf("no fenced code block in response")
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directories for %s: %w", rel, err)
	}
	if err := os.WriteFile(target, []byte(body), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	w.logger.Info("Artifact saved", "path", rel, "bytes", len(body))
	return nil
}
