package handlers

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"finitefield.org/colour-visualiser/internal/catalog"
	"finitefield.org/colour-visualiser/internal/composite"
	"finitefield.org/colour-visualiser/internal/export"
	"finitefield.org/colour-visualiser/internal/masks"
	mw "finitefield.org/colour-visualiser/internal/middleware"
	"finitefield.org/colour-visualiser/internal/platform/requestctx"
	"finitefield.org/colour-visualiser/internal/wizard"
)

const (
	assetsPrefix       = visualiserPrefix + "/assets"
	defaultMaskTimeout = 10 * time.Second
	maxFormBytes       = 64 << 10
)

// CatalogService is the catalog surface the visualiser reads.
type CatalogService interface {
	Snapshot(ctx context.Context) catalog.Snapshot
	LoadBrandColourData(ctx context.Context, brandID string) (catalog.Brand, error)
	BrandStatus(id string) catalog.Status
}

// MaskService resolves wall geometry.
type MaskService interface {
	Resolve(ctx context.Context, variant catalog.Variant, current func() string) (masks.Result, error)
	ResolveMasks(ctx context.Context, variant catalog.Variant) (masks.Masks, error)
}

// SnapshotRenderer produces PNG previews.
type SnapshotRenderer interface {
	EncodePNG(ctx context.Context, req composite.RenderRequest) ([]byte, error)
}

// ExportService runs the export pipeline.
type ExportService interface {
	RequestExport(ctx context.Context, sessionID string, contact export.Contact, sel export.Selection) (export.Result, error)
}

// VisualiserDeps wires the visualiser handlers.
type VisualiserDeps struct {
	Catalog   CatalogService
	Assets    catalog.Source
	Masks     MaskService
	Renderer  SnapshotRenderer
	Exports   ExportService
	Sessions  *mw.Sessions
	Templates *Templates
	// ExportMiddleware wraps POST /export only, e.g. the idempotency middleware.
	ExportMiddleware   []func(http.Handler) http.Handler
	MagicExcludedWalls []string
	MaskTimeout        time.Duration
	Rand               func() *rand.Rand
	Logger             *zap.Logger
}

// Visualiser serves the wizard pages, mutations and the render, mask and export
// endpoints.
type Visualiser struct {
	catalog     CatalogService
	assets      catalog.Source
	masks       MaskService
	renderer    SnapshotRenderer
	exports     ExportService
	sessions    *mw.Sessions
	templates   *Templates
	exportMW    []func(http.Handler) http.Handler
	excluded    []string
	maskTimeout time.Duration
	rand        func() *rand.Rand
	logger      *zap.Logger
}

// NewVisualiser validates deps and constructs the handlers.
func NewVisualiser(deps VisualiserDeps) (*Visualiser, error) {
	switch {
	case deps.Catalog == nil:
		return nil, errors.New("visualiser handlers: catalog is required")
	case deps.Masks == nil:
		return nil, errors.New("visualiser handlers: mask resolver is required")
	case deps.Renderer == nil:
		return nil, errors.New("visualiser handlers: renderer is required")
	case deps.Exports == nil:
		return nil, errors.New("visualiser handlers: export service is required")
	case deps.Sessions == nil:
		return nil, errors.New("visualiser handlers: sessions are required")
	case deps.Templates == nil:
		return nil, errors.New("visualiser handlers: templates are required")
	}
	excluded := deps.MagicExcludedWalls
	if excluded == nil {
		excluded = composite.DefaultExcludedWalls
	}
	timeout := deps.MaskTimeout
	if timeout <= 0 {
		timeout = defaultMaskTimeout
	}
	randFn := deps.Rand
	if randFn == nil {
		randFn = func() *rand.Rand { return nil }
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Visualiser{
		catalog:     deps.Catalog,
		assets:      deps.Assets,
		masks:       deps.Masks,
		renderer:    deps.Renderer,
		exports:     deps.Exports,
		sessions:    deps.Sessions,
		templates:   deps.Templates,
		exportMW:    deps.ExportMiddleware,
		excluded:    excluded,
		maskTimeout: timeout,
		rand:        randFn,
		logger:      logger.Named("visualiser"),
	}, nil
}

// Routes registers the visualiser endpoints. It is mounted under /visualiser.
func (v *Visualiser) Routes(r chi.Router) {
	if v.assets != nil {
		r.Get("/assets/*", v.serveAsset)
	}
	r.Group(func(r chi.Router) {
		r.Use(v.sessions.Handler)
		r.Use(mw.HTMX)
		r.Use(mw.CSRF(v.sessions.Secure()))

		r.Get("/", v.entry)
		r.Get("/masks", v.masksJSON)
		r.Get("/render.png", v.renderPNG)
		r.Get("/{slug}", v.stepPage)

		r.Post("/room-type", v.mutate(func(r *http.Request, c *wizard.Controller) {
			c.SelectRoomType(r.PostFormValue("roomType"))
		}))
		r.Post("/variant", v.selectVariant)
		r.Post("/brand", v.selectBrand)
		r.Post("/colour-type", v.mutate(func(r *http.Request, c *wizard.Controller) {
			c.SelectColourType(r.PostFormValue("type"))
		}))
		r.Post("/colours", v.mutate(v.addColour))
		r.Post("/colours/remove", v.mutate(func(r *http.Request, c *wizard.Controller) {
			c.RemoveColour(r.PostFormValue("hex"))
		}))
		r.Post("/assign", v.mutate(func(r *http.Request, c *wizard.Controller) {
			wall, hex := r.PostFormValue("wall"), strings.TrimSpace(r.PostFormValue("hex"))
			if hex == "" {
				c.ClearWall(wall)
				return
			}
			c.AssignColour(wall, hex)
		}))
		r.Post("/assign/bulk", v.mutate(func(r *http.Request, c *wizard.Controller) {
			c.BulkAssign(bulkMapping(r))
		}))
		r.Post("/assign/reset", v.mutate(func(_ *http.Request, c *wizard.Controller) {
			c.ResetAssignments()
		}))
		r.Post("/magic", v.mutate(func(_ *http.Request, c *wizard.Controller) {
			c.Magic(v.rand(), v.excluded)
		}))
		r.Post("/next", v.mutate(func(_ *http.Request, c *wizard.Controller) { c.Next() }))
		r.Post("/back", v.mutate(func(_ *http.Request, c *wizard.Controller) { c.Back() }))
		r.Post("/goto/{step}", v.mutate(func(r *http.Request, c *wizard.Controller) {
			c.Enter(parseStep(chi.URLParam(r, "step")))
		}))
		r.With(v.exportMW...).Post("/export", v.requestExport)
	})
}

// wizardRequest is the per-request view of one visitor's wizard.
type wizardRequest struct {
	session *mw.SessionData
	catalog catalog.Snapshot
	ctl     *wizard.Controller
}

// begin loads the catalog view and binds a controller to the session's state. The
// selected brand's colours are attached when they can be loaded; preloadBrand names a
// brand about to be selected.
func (v *Visualiser) begin(r *http.Request, preloadBrand string) *wizardRequest {
	ctx := r.Context()
	sd := mw.GetSession(r)
	snap := v.catalog.Snapshot(ctx)

	brandID := preloadBrand
	if brandID == "" {
		brandID = sd.Wizard.BrandID
	}
	if brandID != "" {
		if _, known := snap.Brand(brandID); known {
			brand, err := v.catalog.LoadBrandColourData(ctx, brandID)
			if err != nil {
				requestctx.Logger(ctx).Warn("brand colours unavailable", zap.String("brand", brandID), zap.Error(err))
			} else {
				snap = snap.WithBrand(brand)
			}
		}
	}

	ctl := wizard.NewController(&sd.Wizard, snap)
	ctl.EnsureColourType()
	wr := &wizardRequest{session: sd, catalog: snap, ctl: ctl}
	wr.note(ctx)
	return wr
}

// note records where the wizard stands for the request log line.
func (wr *wizardRequest) note(ctx context.Context) {
	variant, _ := wr.ctl.Variant()
	requestctx.NoteWizard(ctx, wr.ctl.Step().Slug(), variant.Name)
}

func (v *Visualiser) entry(w http.ResponseWriter, r *http.Request) {
	wr := v.begin(r, "")
	step := wr.ctl.Enter(wr.ctl.Step())
	wr.note(r.Context())
	wr.session.MarkDirty()
	http.Redirect(w, r, stepURL(step), http.StatusSeeOther)
}

// stepPage enters the step named by the slug. A step whose prerequisites fail redirects
// to the furthest reachable step.
func (v *Visualiser) stepPage(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	wr := v.begin(r, "")
	effective := wr.ctl.Enter(wizard.StepFromSlug(slug))
	wr.note(r.Context())
	wr.session.MarkDirty()
	if effective.Slug() != slug {
		http.Redirect(w, r, stepURL(effective), http.StatusSeeOther)
		return
	}
	v.renderStep(w, r, wr)
}

// mutate wraps a controller operation: the form is parsed, op runs against the session
// state, and the visitor is sent to the resulting step. Rejected operations leave the
// state unchanged and land on the same page.
func (v *Visualiser) mutate(op func(r *http.Request, c *wizard.Controller)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}
		wr := v.begin(r, "")
		op(r, wr.ctl)
		v.afterMutation(w, r, wr)
	}
}

func (v *Visualiser) afterMutation(w http.ResponseWriter, r *http.Request, wr *wizardRequest) {
	wr.note(r.Context())
	wr.session.MarkDirty()
	target := stepURL(wr.ctl.Step())
	if mw.IsHTMX(r.Context()) {
		mw.PushURL(w, target)
		v.renderStep(w, r, wr)
		return
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (v *Visualiser) selectVariant(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	wr := v.begin(r, "")
	if wr.ctl.SelectVariant(r.PostFormValue("variant")) {
		if variant, ok := wr.ctl.Variant(); ok {
			v.prefetchMasks(r.Context(), variant)
		}
	}
	v.afterMutation(w, r, wr)
}

// prefetchMasks starts resolving a variant's masks so the preview finds them cached.
func (v *Visualiser) prefetchMasks(ctx context.Context, variant catalog.Variant) {
	logger := requestctx.Logger(ctx)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.maskTimeout)
	go func() {
		defer cancel()
		if _, err := v.masks.ResolveMasks(ctx, variant); err != nil {
			logger.Debug("mask prefetch failed", zap.String("variant", variant.Name), zap.Error(err))
		}
	}()
}

func (v *Visualiser) selectBrand(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	id := strings.TrimSpace(r.PostFormValue("brand"))
	wr := v.begin(r, id)
	wr.ctl.SelectBrand(id)
	v.afterMutation(w, r, wr)
}

func (v *Visualiser) addColour(r *http.Request, c *wizard.Controller) {
	brand, ok := c.Brand()
	if !ok {
		return
	}
	sw, ok := brand.FindSwatch(r.PostFormValue("type"), r.PostFormValue("code"))
	if !ok {
		return
	}
	c.AddColour(sw)
}

func bulkMapping(r *http.Request) map[string]string {
	mapping := make(map[string]string)
	for key, values := range r.PostForm {
		wall, ok := strings.CutPrefix(key, "a.")
		if !ok || wall == "" || len(values) == 0 {
			continue
		}
		if hex := strings.TrimSpace(values[0]); hex != "" {
			mapping[wall] = hex
		}
	}
	return mapping
}

func parseStep(raw string) wizard.Step {
	if n, err := strconv.Atoi(raw); err == nil {
		return wizard.Step(n)
	}
	return wizard.StepFromSlug(raw)
}

// renderStep renders the current step, as a full page or as the wizard fragment for
// htmx requests.
func (v *Visualiser) renderStep(w http.ResponseWriter, r *http.Request, wr *wizardRequest) {
	data := v.pageData(r, wr)
	name := "page"
	if mw.IsHTMX(r.Context()) {
		name = "wizard"
	}
	if err := v.templates.Render(w, http.StatusOK, name, data); err != nil {
		requestctx.Logger(r.Context()).Error("render wizard", zap.Error(err))
		http.Error(w, "template error", http.StatusInternalServerError)
	}
}

func (v *Visualiser) pageData(r *http.Request, wr *wizardRequest) PageData {
	ctl := wr.ctl
	step := ctl.Step()
	state := ctl.State()
	data := PageData{
		Title:       step.PageTitle(),
		Step:        int(step),
		StepSlug:    step.Slug(),
		StepTitle:   step.Title(),
		Breadcrumbs: crumbViews(ctl.Breadcrumbs()),
		CSRFToken:   mw.CSRFToken(r),
		CanBack:     step > wizard.FirstStep,
		CanNext:     step < wizard.LastStep && ctl.CanEnter(step+1),
	}

	switch step {
	case wizard.StepRoomType:
		data.Rooms = roomsView(wr.catalog, state)
		if data.Rooms.Status == catalog.StatusUnavailable.String() {
			data.Notice = "Rooms could not be loaded. Please try again shortly."
		}
	case wizard.StepVariant:
		data.Variants = variantsView(ctl)
	case wizard.StepBrand:
		data.Brands = brandsView(wr.catalog, state)
		if data.Brands.Status == catalog.StatusUnavailable.String() {
			data.Notice = "Paint brands could not be loaded. Please try again shortly."
		}
	case wizard.StepColours:
		data.Colours = coloursView(ctl, v.catalog.BrandStatus(state.BrandID))
		if data.Colours.Status == catalog.StatusUnavailable.String() {
			data.Notice = "Colours for this brand could not be loaded."
		}
	case wizard.StepFinalPreview:
		data.Preview = v.preview(r, wr)
		if len(data.Preview.MaskErrors) > 0 {
			data.Notice = "Some walls could not be loaded and cannot be painted."
		}
	}
	return data
}

func (v *Visualiser) preview(r *http.Request, wr *wizardRequest) PreviewView {
	variant, ok := wr.ctl.Variant()
	if !ok {
		return PreviewView{}
	}
	ctx, cancel := context.WithTimeout(r.Context(), v.maskTimeout)
	defer cancel()
	// The selection lives in the request's cookie and cannot move mid-request, so the
	// result is always committed.
	resolved, err := v.masks.Resolve(ctx, variant, nil)
	if err != nil {
		requestctx.Logger(ctx).Warn("wall masks unavailable", zap.String("variant", variant.Name), zap.Error(err))
	}
	view := previewView(wr.ctl, resolved)
	view.RenderURL = export.RenderURL(visualiserPrefix+"/render.png", export.NewSelection(wr.ctl))
	return view
}
