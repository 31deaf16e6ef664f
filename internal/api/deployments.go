package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/okcvm/okcvm/internal/common/errors"
)

// ServeDeploymentAsset serves files from the client's deployments
// directory. The first path segment is the deployment id; the remainder
// defaults to index.html. Anything that does not canonicalise to a
// descendant of the deployments root is rejected.
// GET /:deployment_id/*path
func (h *Handler) ServeDeploymentAsset(c *gin.Context) {
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		c.Status(http.StatusNotFound)
		return
	}

	requestPath := strings.TrimPrefix(c.Request.URL.Path, "/")
	if requestPath == "" || strings.HasPrefix(requestPath, "api/") {
		c.Status(http.StatusNotFound)
		return
	}

	deploymentID, assetPath, _ := strings.Cut(requestPath, "/")
	if assetPath == "" {
		assetPath = "index.html"
	}

	state, ok := h.session(c)
	if !ok {
		return
	}
	root := state.DeploymentsRoot()

	target, err := safeJoin(root, deploymentID, assetPath)
	if err != nil {
		c.Error(err)
		return
	}

	info, err := os.Stat(target)
	if err != nil || info.IsDir() {
		c.Status(http.StatusNotFound)
		return
	}

	ext := strings.ToLower(filepath.Ext(target))
	if ext == ".html" || ext == ".htm" {
		c.Header("Content-Type", "text/html; charset=utf-8")
	}
	c.File(target)
}

// safeJoin joins the deployment path segments under root and confirms the
// result stays inside it.
func safeJoin(root, deploymentID, assetPath string) (string, error) {
	if deploymentID == "" || strings.ContainsAny(deploymentID, `/\`) {
		return "", errors.PathEscape(deploymentID)
	}
	cleaned := filepath.Clean(filepath.Join(root, deploymentID, filepath.FromSlash(assetPath)))
	rel, err := filepath.Rel(root, cleaned)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.PathEscape(assetPath)
	}
	// The asset must stay inside its own deployment, not just the root. A
	// bare prefix match would also admit sibling directories that share the
	// id as a name prefix.
	if rel != deploymentID && !strings.HasPrefix(rel, deploymentID+string(filepath.Separator)) {
		return "", errors.PathEscape(assetPath)
	}
	return cleaned, nil
}
