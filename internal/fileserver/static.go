package fileserver

import (
	"errors"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

const (
	indexPage    = "index.html"
	allowMethods = "GET, HEAD, OPTIONS"
)

// staticHandler serves regular files from root. Directories are redirected
// to their slash form, answered with index.html when present, and otherwise
// handed to next.
type staticHandler struct {
	root       http.FileSystem
	showHidden bool
	next       http.Handler
}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
	case http.MethodOptions:
		w.Header().Set("Allow", allowMethods)
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
		return
	default:
		w.Header().Set("Allow", allowMethods)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	upath := r.URL.Path
	if !strings.HasPrefix(upath, "/") {
		upath = "/" + upath
	}
	name := path.Clean(upath)

	if !h.showHidden && isHidden(name) {
		http.NotFound(w, r)
		return
	}

	f, err := h.root.Open(name)
	if err != nil {
		notFoundOrError(w, r, err)
		return
	}
	defer f.Close()

	d, err := f.Stat()
	if err != nil {
		notFoundOrError(w, r, err)
		return
	}

	if d.IsDir() {
		if !strings.HasSuffix(upath, "/") {
			redirectToSlash(w, r)
			return
		}
		if h.serveIndex(w, r, name) {
			return
		}
		h.next.ServeHTTP(w, r)
		return
	}

	if strings.HasSuffix(upath, "/") {
		http.NotFound(w, r)
		return
	}

	setKind(w, kindStatic)
	http.ServeContent(w, r, d.Name(), d.ModTime(), f)
}

// serveIndex answers with dir/index.html if it is a regular file.
func (h *staticHandler) serveIndex(w http.ResponseWriter, r *http.Request, dir string) bool {
	f, err := h.root.Open(path.Join(dir, indexPage))
	if err != nil {
		return false
	}
	defer f.Close()

	d, err := f.Stat()
	if err != nil || d.IsDir() {
		return false
	}

	setKind(w, kindStatic)
	http.ServeContent(w, r, d.Name(), d.ModTime(), f)
	return true
}

func redirectToSlash(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Path + "/"
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	setKind(w, kindRedirect)
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func notFoundOrError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		http.NotFound(w, r)
	case errors.Is(err, fs.ErrPermission):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	default:
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// isHidden reports whether any segment of a cleaned slash path starts with a dot.
func isHidden(name string) bool {
	for _, seg := range strings.Split(name, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
