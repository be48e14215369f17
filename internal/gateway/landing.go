// ABOUTME: Informational landing page rendered from embedded markdown
// ABOUTME: Not part of the functional contract; points humans at the real endpoints

package gateway

import (
	"bytes"
	_ "embed"
	"fmt"
	"net/http"

	"github.com/yuin/goldmark"
)

//go:embed landing.md
var landingMarkdown []byte

// landingShell wraps the rendered markdown in a minimal HTML document.
const landingShell = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Periscope Gateway</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 42rem; margin: 2rem auto; padding: 0 1rem; line-height: 1.5; }
code { background: #f2f2f2; padding: 0.1rem 0.3rem; border-radius: 3px; }
</style>
</head>
<body>
%s
</body>
</html>
`

// renderLandingPage converts the embedded markdown to the full HTML page.
// Called once at startup; the result is served as-is.
func renderLandingPage() ([]byte, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert(landingMarkdown, &buf); err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf(landingShell, buf.String())), nil
}

// handleLanding serves the landing page at the root path only; the root
// mux pattern catches everything else, which gets a 404.
func (g *Gateway) handleLanding(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(g.landingHTML); err != nil {
		g.logger.Debug("writing landing page", "error", err)
	}
}
