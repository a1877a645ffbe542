package fetch

import (
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Dumper persists fetched GET bodies to disk for offline inspection.
type Dumper struct {
	dir     string
	enabled bool
}

// NewDumper prepares the dump directory. Failing to create it disables
// dumping rather than failing the run.
func NewDumper(dir string, enabled bool) *Dumper {
	if enabled {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Warn("failed to create debug dir, disabling dumps", "dir", dir, "err", err)
			enabled = false
		}
	}
	return &Dumper{dir: dir, enabled: enabled}
}

// Save writes the body under a filename derived from the URL's host and path.
func (d *Dumper) Save(rawURL string, body []byte) {
	if !d.enabled {
		return
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	host := u.Host
	if host == "" {
		host = "_"
	}
	path := strings.ReplaceAll(strings.Trim(u.Path, "/"), "/", "_")
	if path == "" {
		path = "index"
	}
	fname := sanitizeFilename(host + "_" + path + ".html")
	if err := os.WriteFile(filepath.Join(d.dir, fname), body, 0o644); err != nil {
		slog.Warn("failed to save debug dump", "url", rawURL, "err", err)
		return
	}
	slog.Debug("saved debug dump", "url", rawURL, "file", fname)
}

// sanitizeFilename drops characters that are unsafe in file names.
func sanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '-'
		}
		return r
	}, name)
}
