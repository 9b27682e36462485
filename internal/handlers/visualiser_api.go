package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"finitefield.org/colour-visualiser/internal/catalog"
	"finitefield.org/colour-visualiser/internal/composite"
	"finitefield.org/colour-visualiser/internal/export"
	"finitefield.org/colour-visualiser/internal/masks"
	mw "finitefield.org/colour-visualiser/internal/middleware"
	"finitefield.org/colour-visualiser/internal/platform/httpx"
	"finitefield.org/colour-visualiser/internal/platform/requestctx"
)

var assetExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
	".svg":  true,
	".gif":  true,
}

type masksResponse struct {
	Variant string                      `json:"variant"`
	Masks   map[string]string           `json:"masks"`
	Status  map[string]masks.WallStatus `json:"status"`
	Errors  []string                    `json:"errors,omitempty"`
}

// masksJSON returns the wall geometry of the selected variant, or of the variant named
// by the room and variant query parameters.
func (v *Visualiser) masksJSON(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wr := v.begin(r, "")
	variant, ok := v.queryVariant(r, wr)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeVariantNotFound, "room variant not found", http.StatusNotFound))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, v.maskTimeout)
	defer cancel()
	resolved, err := v.masks.Resolve(ctx, variant, nil)
	if err != nil && errors.Is(err, masks.ErrUnavailable) {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeMasksUnavailable, "wall masks could not be loaded", http.StatusServiceUnavailable))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, masksResponse{
		Variant: variant.Name,
		Masks:   resolved.Masks,
		Status:  resolved.Status,
		Errors:  resolved.ErrorKeys(),
	})
}

func (v *Visualiser) queryVariant(r *http.Request, wr *wizardRequest) (catalog.Variant, bool) {
	query := r.URL.Query()
	name := strings.TrimSpace(query.Get("variant"))
	if name == "" {
		return wr.ctl.Variant()
	}
	room := strings.TrimSpace(query.Get("room"))
	if room == "" {
		room = wr.ctl.State().RoomType
	}
	return wr.catalog.Variant(room, name)
}

// renderPNG composites a 1280x720 snapshot. Without a variant query it renders the
// session's own selection in advanced mode.
func (v *Visualiser) renderPNG(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wr := v.begin(r, "")
	variant, ok := v.queryVariant(r, wr)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeVariantNotFound, "room variant not found", http.StatusNotFound))
		return
	}

	req := composite.RenderRequest{Variant: variant}
	query := r.URL.Query()
	if query.Get("variant") == "" {
		req.Mode = composite.ModeAdvanced
		req.Assignments = wr.ctl.State().Assignments
	} else {
		req.Mode = strings.TrimSpace(query.Get("mode"))
		if req.Mode == "" {
			req.Mode = composite.ModeAdvanced
		}
		req.Colour = query.Get("colour")
		if walls := strings.TrimSpace(query.Get("walls")); walls != "" {
			for _, key := range strings.Split(walls, ",") {
				if key = strings.TrimSpace(key); key != "" {
					req.WallKeys = append(req.WallKeys, key)
				}
			}
		}
		req.Assignments = map[string]string{}
		for key, values := range query {
			if wall, ok := strings.CutPrefix(key, "a."); ok && wall != "" && len(values) > 0 {
				req.Assignments[wall] = values[0]
			}
		}
	}

	maskCtx, cancel := context.WithTimeout(ctx, v.maskTimeout)
	defer cancel()
	resolved, err := v.masks.ResolveMasks(maskCtx, variant)
	if err != nil {
		requestctx.Logger(ctx).Warn("render masks unavailable", zap.String("variant", variant.Name), zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeMasksUnavailable, "wall masks could not be loaded", http.StatusServiceUnavailable))
		return
	}
	req.Masks = resolved

	png, err := v.renderer.EncodePNG(ctx, req)
	switch {
	case errors.Is(err, composite.ErrInvalidRequest):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRender, err.Error(), http.StatusBadRequest))
		return
	case errors.Is(err, composite.ErrNoPhoto):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodePhotoUnavailable, "room photo could not be loaded", http.StatusBadGateway))
		return
	case err != nil:
		requestctx.Logger(ctx).Error("render snapshot", zap.String("variant", variant.Name), zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeRenderFailed, "snapshot could not be rendered", http.StatusInternalServerError))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// serveAsset proxies catalog images so relative manifest references resolve against
// the configured catalog source.
func (v *Visualiser) serveAsset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := path.Clean("/" + chi.URLParam(r, "*"))
	ext := strings.ToLower(path.Ext(name))
	if !assetExtensions[ext] {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeAssetNotFound, "asset not found", http.StatusNotFound))
		return
	}
	rc, err := v.assets.Open(ctx, strings.TrimPrefix(name, "/"))
	if err != nil {
		if !errors.Is(err, catalog.ErrNotFound) {
			requestctx.Logger(ctx).Warn("catalog asset", zap.String("name", name), zap.Error(err))
		}
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeAssetNotFound, "asset not found", http.StatusNotFound))
		return
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

// requestExport submits the visitor's contact details with the current selection.
func (v *Visualiser) requestExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contact, err := decodeContact(w, r)
	if err != nil {
		v.writeExportResult(w, r, http.StatusBadRequest, export.Result{Message: "Invalid request body"})
		return
	}

	wr := v.begin(r, "")
	result, err := v.exports.RequestExport(ctx, wr.session.ID, contact, export.NewSelection(wr.ctl))
	status := http.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, export.ErrInvalidContact), errors.Is(err, export.ErrIncompleteSelection):
		status = http.StatusBadRequest
	case errors.Is(err, export.ErrExportInFlight):
		status = http.StatusConflict
	default:
		requestctx.Logger(ctx).Warn("export failed", zap.Error(err))
		status = http.StatusBadGateway
	}
	v.writeExportResult(w, r, status, result)
}

func decodeContact(w http.ResponseWriter, r *http.Request) (export.Contact, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var contact export.Contact
		if err := json.NewDecoder(r.Body).Decode(&contact); err != nil {
			return export.Contact{}, err
		}
		return contact, nil
	}
	if err := r.ParseForm(); err != nil {
		return export.Contact{}, err
	}
	return export.Contact{
		Name:    r.PostFormValue("name"),
		Email:   r.PostFormValue("email"),
		Phone:   r.PostFormValue("phone"),
		Message: r.PostFormValue("message"),
	}, nil
}

func (v *Visualiser) writeExportResult(w http.ResponseWriter, r *http.Request, status int, result export.Result) {
	if !mw.IsHTMX(r.Context()) {
		httpx.WriteJSON(w, status, result)
		return
	}
	// htmx swaps only 2xx responses by default; the fragment carries the outcome.
	if err := v.templates.Render(w, http.StatusOK, "export_result", result); err != nil {
		requestctx.Logger(r.Context()).Error("render export result", zap.Error(err))
		http.Error(w, "template error", http.StatusInternalServerError)
	}
}
