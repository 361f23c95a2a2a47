package fileserver

import (
	"encoding/json"
	"html/template"
	"io/fs"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/munnerz/goautoneg"

	"grimm.is/servethis/internal/clock"
	"grimm.is/servethis/internal/i18n"
	"grimm.is/servethis/internal/logging"
	"grimm.is/servethis/internal/metrics"
)

const (
	mimeHTML  = "text/html"
	mimeJSON  = "application/json"
	mimePlain = "text/plain"
)

var listingFormats = []string{mimeHTML, mimeJSON, mimePlain}

// Entry is one row of a directory listing.
type Entry struct {
	Name    string
	Dir     bool
	Size    int64
	ModTime time.Time
}

// listingHandler renders the contents of a directory. Anything that is not
// a directory is answered with 404.
type listingHandler struct {
	root       http.FileSystem
	showHidden bool
	clock      clock.Clock
	metrics    *metrics.Registry
	logger     *logging.Logger
}

func (h *listingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setKind(w, kindListing)

	name := path.Clean("/" + r.URL.Path)
	if !h.showHidden && isHidden(name) {
		http.NotFound(w, r)
		return
	}

	entries, err := h.readDir(name)
	if err != nil {
		notFoundOrError(w, r, err)
		return
	}

	format := goautoneg.Negotiate(r.Header.Get("Accept"), listingFormats)
	switch format {
	case mimeJSON:
		h.metrics.Listings.WithLabelValues("json").Inc()
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name
		}
		if err := json.NewEncoder(w).Encode(names); err != nil {
			h.logger.Debug("Failed to write listing", "path", name, "format", "json", "error", err)
		}
	case mimePlain:
		h.metrics.Listings.WithLabelValues("plain").Inc()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, e := range entries {
			if _, err := w.Write([]byte(e.Name + "\n")); err != nil {
				h.logger.Debug("Failed to write listing", "path", name, "format", "plain", "error", err)
				break
			}
		}
	default:
		h.metrics.Listings.WithLabelValues("html").Inc()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		h.renderHTML(w, r, name, entries)
	}
}

// readDir lists a directory, directories first, then by case-insensitive name.
func (h *listingHandler) readDir(name string) ([]Entry, error) {
	f, err := h.root.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	d, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !d.IsDir() {
		return nil, fs.ErrNotExist
	}

	infos, err := f.Readdir(-1)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		if !h.showHidden && strings.HasPrefix(fi.Name(), ".") {
			continue
		}
		entries = append(entries, Entry{
			Name:    fi.Name(),
			Dir:     fi.IsDir(),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Dir != entries[j].Dir {
			return entries[i].Dir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	return entries, nil
}

type listingRow struct {
	Href     string
	Name     string
	Size     string
	Modified string
	ISOTime  string
}

type listingPage struct {
	Title     string
	Path      string
	Parent    string
	ParentTxt string
	Summary   string
	NameTxt   string
	SizeTxt   string
	ModTxt    string
	Rows      []listingRow
}

func (h *listingHandler) renderHTML(w http.ResponseWriter, r *http.Request, name string, entries []Entry) {
	p := i18n.GetPrinter(r.Context())
	now := h.clock.Now()

	dirPath := name
	if dirPath != "/" {
		dirPath += "/"
	}

	page := listingPage{
		Title:     p.Sprintf(i18n.MsgIndexOf, dirPath),
		Path:      dirPath,
		ParentTxt: p.Sprintf(i18n.MsgParentDir),
		Summary:   p.Sprintf(i18n.MsgEntryCount, len(entries)),
		NameTxt:   p.Sprintf(i18n.MsgName),
		SizeTxt:   p.Sprintf(i18n.MsgSize),
		ModTxt:    p.Sprintf(i18n.MsgModified),
	}
	if dirPath != "/" {
		page.Parent = "../"
	}

	for _, e := range entries {
		row := listingRow{
			// "./" keeps a name like "a:b" from reading as a URL scheme.
			Href:     "./" + url.PathEscape(e.Name),
			Name:     e.Name,
			Size:     "-",
			Modified: humanize.RelTime(e.ModTime, now, "ago", "from now"),
			ISOTime:  e.ModTime.UTC().Format(time.RFC3339),
		}
		if e.Dir {
			row.Href += "/"
			row.Name += "/"
		} else {
			row.Size = humanize.Bytes(uint64(e.Size))
		}
		page.Rows = append(page.Rows, row)
	}

	if err := listingTemplate.Execute(w, page); err != nil {
		h.logger.Debug("Failed to write listing", "path", name, "format", "html", "error", err)
	}
}

var listingTemplate = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; }
th, td { padding: 0.2em 1.5em 0.2em 0; text-align: left; }
td.size { text-align: right; }
footer { margin-top: 1em; color: #666; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<table>
<thead><tr><th>{{.NameTxt}}</th><th>{{.SizeTxt}}</th><th>{{.ModTxt}}</th></tr></thead>
<tbody>
{{- if .Parent}}
<tr><td><a href="{{.Parent}}">{{.ParentTxt}}</a></td><td class="size">-</td><td></td></tr>
{{- end}}
{{- range .Rows}}
<tr><td><a href="{{.Href}}">{{.Name}}</a></td><td class="size">{{.Size}}</td><td><time datetime="{{.ISOTime}}">{{.Modified}}</time></td></tr>
{{- end}}
</tbody>
</table>
<footer>{{.Summary}}</footer>
</body>
</html>
`))
