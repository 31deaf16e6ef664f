package session

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/okcvm/okcvm/internal/vm"
)

// previewDetails is what the last tool invocation yielded for the client
// preview pane.
type previewDetails struct {
	preview    map[string]any
	slides     []any
	deployment map[string]any
}

func stringField(v any) string {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return ""
	}
	return s
}

func firstStringField(container map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := stringField(container[key]); s != "" {
			return s
		}
	}
	return ""
}

// extractPreview scans the final tool invocation for recognised preview
// shapes: inline HTML, preview URLs (directly or via a deployment record),
// a title, and a slide deck. Both the invocation's structured data and a
// JSON object in its text output are considered, including their nested
// "data" sections.
func extractPreview(invocation vm.ToolInvocation) previewDetails {
	details := previewDetails{preview: map[string]any{}}

	scan := func(container map[string]any) {
		if container == nil {
			return
		}
		if html := firstStringField(container, "html", "rendered_html", "content"); html != "" {
			details.preview["html"] = html
		}

		urlValue := firstStringField(container, "preview_url", "url", "href", "server_preview_url")
		deployment, _ := container["deployment"].(map[string]any)
		if urlValue == "" && deployment != nil {
			urlValue = firstStringField(deployment, "preview_url", "server_preview_url")
		}
		if urlValue != "" {
			details.preview["url"] = urlValue
		}

		var deploymentName string
		if deployment != nil {
			details.deployment = deployment
			deploymentName = firstStringField(deployment, "name", "slug")
		}
		if _, have := details.preview["title"]; !have {
			title := firstStringField(container, "title", "name")
			if title == "" {
				title = deploymentName
			}
			if title != "" {
				details.preview["title"] = title
			}
		}

		if slides, ok := container["slides"].([]any); ok {
			details.slides = slides
		}
	}

	apply := func(container map[string]any) {
		scan(container)
		if data, ok := container["data"].(map[string]any); ok {
			scan(data)
		}
	}

	if data, ok := invocation.Data.(map[string]any); ok {
		apply(data)
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(invocation.Output), &parsed); err == nil {
		apply(parsed)
	}

	if len(details.preview) == 0 {
		details.preview = nil
	}
	return details
}

// resolvePreviewURL anchors relative preview URLs on the configured preview
// base. Fully qualified URLs pass through untouched.
func resolvePreviewURL(raw, base string) string {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return candidate
	}
	if parsed, err := url.Parse(candidate); err == nil && parsed.Scheme != "" && parsed.Host != "" {
		return candidate
	}
	base = normalisePreviewBase(base)
	if base == "" {
		return candidate
	}
	return base + "/" + strings.TrimLeft(candidate, "/")
}

// normalisePreviewBase trims the base and defaults a missing scheme to
// https.
func normalisePreviewBase(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	return strings.TrimRight(base, "/")
}

// appendClientID adds client_id to a preview URL so a tab opened from the
// preview lands in the same sandbox. Foreign hosts are left alone; only
// loopback hosts and the configured preview host qualify. An existing
// client_id wins.
func appendClientID(raw, clientID, previewBase string) string {
	if clientID == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	if parsed.Scheme != "" && parsed.Host != "" {
		allowed := map[string]bool{"127.0.0.1": true, "localhost": true, "0.0.0.0": true}
		if base := normalisePreviewBase(previewBase); base != "" {
			if baseURL, err := url.Parse(base); err == nil && baseURL.Hostname() != "" {
				allowed[baseURL.Hostname()] = true
			}
		}
		if host := parsed.Hostname(); host != "" && !allowed[host] {
			return raw
		}
	}

	query := parsed.Query()
	if query.Get("client_id") != "" {
		return raw
	}
	query.Set("client_id", clientID)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}
