package api

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// Identity sources, in resolution order.
const (
	clientIDParam  = "client_id"
	clientIDHeader = "x-okc-client-id"
	clientIDCookie = "okc_client_id"
	defaultClient  = "default"
)

// resolveClientID picks the client identity for a request: route or query
// parameter first, then the header, then the cookie, then "default".
func resolveClientID(c *gin.Context) string {
	if id := strings.TrimSpace(c.Param(clientIDParam)); id != "" {
		return id
	}
	if id := strings.TrimSpace(c.Query(clientIDParam)); id != "" {
		return id
	}
	if id := strings.TrimSpace(c.GetHeader(clientIDHeader)); id != "" {
		return id
	}
	if cookie, err := c.Cookie(clientIDCookie); err == nil {
		if id := strings.TrimSpace(cookie); id != "" {
			return id
		}
	}
	return defaultClient
}
