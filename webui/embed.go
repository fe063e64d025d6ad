// Package webui exposes the embedded dashboard filesystem.
// It lives at the module root so it can embed the sibling "web/" directory.
package webui

import "embed"

// FS is the embedded web directory tree. web/dist holds a production build
// when present; web/index.html is the bundled fallback dashboard.
//
//go:embed web
var FS embed.FS
