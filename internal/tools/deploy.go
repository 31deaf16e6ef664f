package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/okcvm/okcvm/internal/manifest"
	"github.com/okcvm/okcvm/internal/workspace"
)

type deployWebsiteTool struct {
	base
	ws *workspace.Manager
}

func newDeployWebsiteTool(spec manifest.ToolSpec, ws *workspace.Manager) Tool {
	return &deployWebsiteTool{base: base{spec: spec}, ws: ws}
}

// slugify lowercases alphanumerics and folds everything else to single
// dashes, falling back to "site".
func slugify(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune('-')
		}
	}
	slug := b.String()
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "site"
	}
	return slug
}

func (t *deployWebsiteTool) Invoke(ctx context.Context, input map[string]any) (*Result, error) {
	directory := stringArg(input, "directory")
	if directory == "" {
		directory = stringArg(input, "path")
	}
	if directory == "" {
		return nil, errors.New("'directory' is required")
	}

	source, err := t.ws.Resolve(directory)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(source)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("directory not found: %s", directory)
	}
	if _, err := os.Stat(filepath.Join(source, "index.html")); err != nil {
		return nil, errors.New("index.html must exist in the specified directory")
	}

	name := stringArg(input, "site_name")
	if name == "" {
		name = stringArg(input, "name")
	}
	if name == "" {
		name = filepath.Base(source)
	}
	slug := slugify(name)

	// Suffix the session id so concurrent sessions never collide and
	// per-session cleanup can find its deployments.
	deploymentID := slug + "-" + t.ws.SessionID()
	target := filepath.Join(t.ws.Paths().DeploymentsRoot, deploymentID)

	if _, err := os.Stat(target); err == nil {
		if !boolArg(input, "force") {
			return nil, fmt.Errorf("deployment '%s' already exists; pass force to overwrite", deploymentID)
		}
		if err := os.RemoveAll(target); err != nil {
			return nil, err
		}
	}
	if err := copyTree(source, target); err != nil {
		return nil, fmt.Errorf("failed to copy site: %w", err)
	}

	previewURL := "/" + deploymentID + "/index.html"
	deployment := map[string]any{
		"name":        name,
		"slug":        slug,
		"id":          deploymentID,
		"timestamp":   time.Now().Unix(),
		"source":      directory,
		"target":      target,
		"preview_url": previewURL,
	}
	manifestData, err := json.MarshalIndent(deployment, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(target, "deployment.json"), manifestData, 0o644); err != nil {
		return nil, err
	}

	return &Result{
		Success: true,
		Output:  fmt.Sprintf("Deployment complete. The site is available at %s", previewURL),
		Data:    map[string]any{"deployment": deployment, "preview_url": previewURL},
	}, nil
}

// DeploymentCleanup summarises a per-session deployment sweep.
type DeploymentCleanup struct {
	Root    string   `json:"root"`
	Removed []string `json:"removed"`
	Errors  []string `json:"errors,omitempty"`
}

// CleanupSessionDeployments removes every deployment directory owned by
// the given session. Deployment ids carry the session id as a suffix, so
// the sweep never touches another session's sites.
func CleanupSessionDeployments(deploymentsRoot, sessionID string) DeploymentCleanup {
	summary := DeploymentCleanup{Root: deploymentsRoot, Removed: []string{}}
	if sessionID == "" {
		return summary
	}

	entries, err := os.ReadDir(deploymentsRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			summary.Errors = append(summary.Errors, err.Error())
		}
		return summary
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasSuffix(entry.Name(), "-"+sessionID) {
			continue
		}
		target := filepath.Join(deploymentsRoot, entry.Name())
		if err := os.RemoveAll(target); err != nil {
			summary.Errors = append(summary.Errors, err.Error())
			continue
		}
		summary.Removed = append(summary.Removed, entry.Name())
	}
	return summary
}

func copyTree(source, target string) error {
	return filepath.WalkDir(source, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(target, rel)
		if d.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		if d.Type()&os.ModeSymlink != 0 {
			// Symlinks are skipped; deployments hold plain files only.
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		out, err := os.Create(dest)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}
