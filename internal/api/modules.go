package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/starford/cellar/internal/apperr"
	"github.com/starford/cellar/internal/cellid"
	"github.com/starford/cellar/internal/checksum"
	"github.com/starford/cellar/internal/rewrite"
)

// Routes of the runtime's own endpoints.
const (
	RPCPath = "/__cellar_api__"
	HMRPath = "/__cellar_hmr__"
)

// Modules serves browser modules.
type Modules interface {
	BrowserModule(id string) ([]byte, error)
	Root() string
}

// htmlRe matches the query marker of a cell's HTML frame.
var htmlRe = regexp.MustCompile(`(^|&)html(=[^&]*)?(&|$)`)

var pageTmpl = template.Must(template.New("cell").Parse(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1.0" />
    <title>cellar</title>
    {{.ImportMap}}
  </head>
  <body>
    <div id="{{.RootID}}"></div>
    <script type="module" src="{{.Src}}"></script>
    <script>
      if (window.parent !== window) {
        const observer = new ResizeObserver((entries) => {
          window.parent.postMessage({
            type: "resize-iframe",
            cellId: {{.CellID}},
            height: entries[0].borderBoxSize[0].blockSize,
          }, "*");
        });
        observer.observe(document.documentElement, { box: "border-box" });
      }
      const self = {{.ModuleID}};
      const events = new EventSource({{.HMR}} + "?module=" + encodeURIComponent(self));
      events.addEventListener("module.updated", (e) => {
        if (JSON.parse(e.data).ids.includes(self)) location.reload();
      });
      events.addEventListener("full-reload", () => location.reload());
    </script>
  </body>
</html>
`))

type page struct {
	ImportMap template.HTML
	RootID    string
	Src       string
	CellID    string
	HMR       string
	ModuleID  string
}

// ModuleHandler serves cell modules, their HTML frames and files under the
// notebook root.
type ModuleHandler struct {
	modules   Modules
	importMap template.HTML
	logger    *slog.Logger
}

// NewModuleHandler creates a ModuleHandler. imports maps bare specifiers
// to the URLs client frames load them from.
func NewModuleHandler(m Modules, imports map[string]string, logger *slog.Logger) (*ModuleHandler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	// json.Marshal escapes <, > and &, so the map cannot close the script.
	b, err := json.Marshal(map[string]any{"imports": imports})
	if err != nil {
		return nil, fmt.Errorf("api: encode import map: %w", err)
	}
	tag := template.HTML(`<script type="importmap">` + string(b) + `</script>`)
	return &ModuleHandler{modules: m, importMap: tag, logger: logger}, nil
}

// moduleID maps a request path to a module id.
func (h *ModuleHandler) moduleID(p string) string {
	root := h.modules.Root()
	if strings.HasPrefix(p, root+string(os.PathSeparator)) {
		return p
	}
	return filepath.Join(root, filepath.FromSlash(p))
}

func (h *ModuleHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody("method not allowed"))
		return
	}
	wantHTML := htmlRe.MatchString(r.URL.RawQuery)
	id := h.moduleID(r.URL.Path)

	if cid, ok := cellid.Parse(id); ok && wantHTML {
		h.servePage(w, r, cid)
		return
	}
	if !cellid.IsCell(id) {
		id = r.URL.Path
	}

	code, err := h.modules.BrowserModule(id)
	if err != nil {
		h.moduleError(w, r, err)
		return
	}
	etag := checksum.ETag(code)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if checksum.Matches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(code)
}

func (h *ModuleHandler) servePage(w http.ResponseWriter, r *http.Request, id cellid.ID) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	err := pageTmpl.Execute(w, page{
		ImportMap: h.importMap,
		RootID:    rewrite.RootID(id.CellID),
		Src:       r.URL.Path,
		CellID:    id.CellID,
		HMR:       HMRPath,
		ModuleID:  id.String(),
	})
	if err != nil {
		h.logger.Error("render cell page failed", slog.String("error", err.Error()))
	}
}

func (h *ModuleHandler) moduleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, apperr.ErrModuleNotFound), errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, apperr.ErrSyntax):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody(err.Error()))
	default:
		h.logger.Error("serve module failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}
