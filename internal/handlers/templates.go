package handlers

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"sync"

	"finitefield.org/colour-visualiser/internal/catalog"
	"finitefield.org/colour-visualiser/internal/composite"
)

//go:embed templates/*.tmpl
var embeddedTemplates embed.FS

//go:embed static
var embeddedStatic embed.FS

// StaticFS returns the embedded stylesheet and script assets.
func StaticFS() fs.FS {
	sub, err := fs.Sub(embeddedStatic, "static")
	if err != nil {
		panic(err)
	}
	return sub
}

// Templates parses the page templates once, or on every render in dev mode.
type Templates struct {
	fsys fs.FS
	dev  bool

	once   sync.Once
	cached *template.Template
	err    error
}

// NewTemplates loads templates from dir when set, otherwise from the embedded copies.
// Dev mode reparses on every render so template edits show up without a restart.
func NewTemplates(dir string, dev bool) (*Templates, error) {
	var fsys fs.FS
	if strings.TrimSpace(dir) != "" {
		fsys = os.DirFS(dir)
	} else {
		sub, err := fs.Sub(embeddedTemplates, "templates")
		if err != nil {
			return nil, err
		}
		fsys = sub
	}
	t := &Templates{fsys: fsys, dev: dev}
	if _, err := t.parse(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Templates) parse() (*template.Template, error) {
	if t.dev {
		return parseTemplates(t.fsys)
	}
	t.once.Do(func() {
		t.cached, t.err = parseTemplates(t.fsys)
	})
	return t.cached, t.err
}

func parseTemplates(fsys fs.FS) (*template.Template, error) {
	files, err := fs.Glob(fsys, "*.tmpl")
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.New("templates: no .tmpl files found")
	}
	return template.New("_root").Funcs(templateFuncs).ParseFS(fsys, files...)
}

var templateFuncs = template.FuncMap{
	"wallLabel": composite.WallLabel,
	"assetURL":  assetURL,
	"upper":     strings.ToUpper,
	"dict":      dict,
}

// dict builds a map from alternating keys and values for passing several values to a
// nested template.
func dict(pairs ...any) (map[string]any, error) {
	if len(pairs)%2 != 0 {
		return nil, errors.New("dict: odd number of arguments")
	}
	out := make(map[string]any, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			return nil, fmt.Errorf("dict: key %v is not a string", pairs[i])
		}
		out[key] = pairs[i+1]
	}
	return out, nil
}

// assetURL maps a catalog asset reference to a URL the browser can load.
func assetURL(ref string) string {
	if ref == "" || catalog.IsAbsoluteURL(ref) {
		return ref
	}
	return assetsPrefix + "/" + strings.TrimLeft(ref, "/")
}

// Render executes the named template into w. Output is buffered so a template error
// never leaves a half-written page behind.
func (t *Templates) Render(w http.ResponseWriter, status int, name string, data any) error {
	tmpl, err := t.parse()
	if err != nil {
		return fmt.Errorf("parse templates: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return fmt.Errorf("execute %s: %w", name, err)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err = buf.WriteTo(w)
	return err
}
