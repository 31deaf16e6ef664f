package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/okcvm/okcvm/internal/manifest"
	"github.com/okcvm/okcvm/internal/workspace"
)

var (
	slideMarkerRe = regexp.MustCompile(`class="[^"]*\bppt-slide\b[^"]*"`)
	headingRe     = regexp.MustCompile(`(?s)<h[1-3][^>]*>(.*?)</h[1-3]>`)
	tagRe         = regexp.MustCompile(`<[^>]+>`)
)

type slidesGeneratorTool struct {
	base
	ws *workspace.Manager
}

func newSlidesGeneratorTool(spec manifest.ToolSpec, ws *workspace.Manager) Tool {
	return &slidesGeneratorTool{base: base{spec: spec}, ws: ws}
}

// parseSlides splits the HTML at each ppt-slide marker and extracts a title
// per slide from the first heading.
func parseSlides(html string) []map[string]any {
	markers := slideMarkerRe.FindAllStringIndex(html, -1)
	slides := make([]map[string]any, 0, len(markers))
	for i, marker := range markers {
		end := len(html)
		if i+1 < len(markers) {
			end = markers[i+1][0]
		}
		section := html[marker[0]:end]

		title := ""
		if heading := headingRe.FindStringSubmatch(section); heading != nil {
			title = strings.TrimSpace(tagRe.ReplaceAllString(heading[1], ""))
		}
		slides = append(slides, map[string]any{
			"index": i,
			"title": title,
		})
	}
	return slides
}

func (t *slidesGeneratorTool) Invoke(ctx context.Context, input map[string]any) (*Result, error) {
	html := stringArg(input, "html")
	if html == "" {
		html = stringArg(input, "content")
	}
	if html == "" {
		return nil, errors.New("'html' is required")
	}

	slides := parseSlides(html)
	if len(slides) == 0 {
		return nil, errors.New("no elements with class 'ppt-slide' were found in the HTML")
	}

	outputPath := stringArg(input, "output_path")
	if outputPath == "" {
		outputPath = t.ws.Paths().Output + fmt.Sprintf("slides-%s.json", time.Now().UTC().Format("20060102-150405"))
	}
	target, err := t.ws.Resolve(outputPath)
	if err != nil {
		return nil, err
	}
	htmlTarget := strings.TrimSuffix(target, filepath.Ext(target)) + ".html"

	deck := map[string]any{
		"slides":      slides,
		"slide_count": len(slides),
		"source_html": filepath.Base(htmlTarget),
	}
	data, err := json.MarshalIndent(deck, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(htmlTarget, []byte(html), 0o644); err != nil {
		return nil, err
	}

	return &Result{
		Success: true,
		Output:  fmt.Sprintf("Generated %d slides at %s", len(slides), outputPath),
		Data: map[string]any{
			"slides": slides,
			"path":   outputPath,
		},
	}, nil
}
