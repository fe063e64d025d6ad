package server

import (
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vesaa/talonpulse/webui"
)

// RegisterStaticFiles mounts the embedded dashboard on the Gin engine.
// API routes registered before this take precedence; unmatched non-API
// paths fall back to index.html for SPA routing.
func RegisterStaticFiles(r *gin.Engine) {
	staticFS := http.FS(dashboardFS())

	r.NoRoute(func(c *gin.Context) {
		p := c.Request.URL.Path
		if strings.HasPrefix(p, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
			return
		}
		if name := strings.TrimPrefix(path.Clean(p), "/"); name != "" && name != "index.html" {
			if f, err := staticFS.Open(name); err == nil {
				stat, err := f.Stat()
				if err == nil && !stat.IsDir() {
					defer f.Close()
					http.ServeContent(c.Writer, c.Request, stat.Name(), stat.ModTime(), f)
					return
				}
				f.Close()
			}
		}

		f, err := staticFS.Open("index.html")
		if err != nil {
			c.String(http.StatusNotFound, "UI not found: build the dashboard into webui/web/dist")
			return
		}
		defer f.Close()
		stat, _ := f.Stat()
		c.DataFromReader(http.StatusOK, stat.Size(), "text/html; charset=utf-8", f, nil)
	})
}

// dashboardFS serves web/dist when a production build is present, otherwise
// the web/ skeleton.
func dashboardFS() fs.FS {
	if distFS, err := fs.Sub(webui.FS, "web/dist"); err == nil {
		entries, _ := fs.ReadDir(distFS, ".")
		for _, e := range entries {
			if e.Name() != ".gitkeep" {
				return distFS
			}
		}
	}
	webRoot, _ := fs.Sub(webui.FS, "web")
	return webRoot
}
