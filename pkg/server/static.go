package server

import (
	"net/http"
	"path"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/afero"

	"github.com/noscroll/usage-gateway/pkg/runutil"
)

const indexFile = "index.html"

var contentTypes = map[string]string{
	".html": "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".json": "application/json",
}

func contentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// NewStaticRoot confines fs to root. Paths resolving outside of it do not exist.
func NewStaticRoot(fs afero.Fs, root string) afero.Fs {
	return afero.NewBasePathFs(fs, root)
}

// Static serves files from the front-end root, index.html for /.
type Static struct {
	logger log.Logger
	fs     afero.Fs
}

func NewStatic(logger log.Logger, root afero.Fs) *Static {
	return &Static{
		logger: log.With(logger, "component", "static"),
		fs:     root,
	}
}

func (s *Static) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Cleaning a rooted path drops every ".." that would climb above it.
	name := path.Clean("/" + r.URL.Path)
	if name == "/" {
		name = "/" + indexFile
	}

	f, err := s.fs.Open(name)
	if err != nil {
		level.Debug(s.logger).Log("msg", "static file not found", "path", name, "err", err)
		NotFound(s.logger)(w, r)
		return
	}
	defer runutil.CloseWithLogOnErr(s.logger, f, "close static file %s", name)

	fi, err := f.Stat()
	if err != nil || fi.IsDir() {
		NotFound(s.logger)(w, r)
		return
	}

	w.Header().Set("Content-Type", contentType(name))
	http.ServeContent(w, r, name, fi.ModTime(), f)
}
