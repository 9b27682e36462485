package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"

	"finitefield.org/colour-visualiser/internal/export"
	"finitefield.org/colour-visualiser/internal/testutil"
)

type visitor struct {
	t      *testing.T
	ts     *httptest.Server
	client *http.Client
	csrf   string
}

func newVisitor(t *testing.T, ts *httptest.Server) *visitor {
	t.Helper()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &visitor{t: t, ts: ts, client: &http.Client{Jar: jar}}
}

// get fetches path following redirects and remembers the CSRF token of HTML pages.
func (v *visitor) get(path string) (*http.Response, []byte) {
	v.t.Helper()

	resp, err := v.client.Get(v.ts.URL + path)
	require.NoError(v.t, err)
	return v.read(resp)
}

func (v *visitor) post(path string, form url.Values) (*http.Response, []byte) {
	v.t.Helper()

	if form == nil {
		form = url.Values{}
	}
	form.Set("csrf_token", v.csrf)
	resp, err := v.client.PostForm(v.ts.URL+path, form)
	require.NoError(v.t, err)
	return v.read(resp)
}

func (v *visitor) htmx(path string, form url.Values) (*http.Response, []byte) {
	v.t.Helper()

	if form == nil {
		form = url.Values{}
	}
	req, err := http.NewRequest(http.MethodPost, v.ts.URL+path, strings.NewReader(form.Encode()))
	require.NoError(v.t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("HX-Request", "true")
	req.Header.Set("X-CSRF-Token", v.csrf)
	resp, err := v.client.Do(req)
	require.NoError(v.t, err)
	return v.read(resp)
}

func (v *visitor) read(resp *http.Response) (*http.Response, []byte) {
	v.t.Helper()

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(v.t, err)
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		doc := testutil.ParseHTML(v.t, body)
		if token, ok := doc.Find(`meta[name="csrf-token"]`).Attr("content"); ok && token != "" {
			v.csrf = token
		}
	}
	return resp, body
}

// walkToPreview selects bedroom, kidsRoom1, dulux and two blues, then moves to the
// final preview.
func (v *visitor) walkToPreview() {
	v.t.Helper()

	v.get("/visualiser")
	v.post("/visualiser/room-type", url.Values{"roomType": {"bedroom"}})
	v.post("/visualiser/variant", url.Values{"variant": {"kidsRoom1"}})
	v.post("/visualiser/brand", url.Values{"brand": {"dulux"}})
	v.post("/visualiser/colours", url.Values{"type": {"Blues"}, "code": {"D3"}})
	v.post("/visualiser/colours", url.Values{"type": {"Blues"}, "code": {"D5"}})
	resp, _ := v.post("/visualiser/next", nil)
	require.Equal(v.t, "/visualiser/final-preview", resp.Request.URL.Path)
}

func TestHealthEndpoints(t *testing.T) {
	ts := testutil.NewServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, "ok", payload.Status)
	require.Equal(t, "ready", payload.Components["rooms"])
	require.Equal(t, "ready", payload.Components["brands"])
}

func TestReadyzDegradedWithoutManifests(t *testing.T) {
	ts := testutil.NewServer(t, testutil.WithCatalogFS(fstest.MapFS{}))

	resp, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestEntryRedirectsToFirstStep(t *testing.T) {
	ts := testutil.NewServer(t)
	v := newVisitor(t, ts)

	resp, body := v.get("/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "/visualiser/choose-a-room-type", resp.Request.URL.Path)

	doc := testutil.ParseHTML(t, body)
	require.Equal(t, "Choose a Room Type - Advanced Colour Visualiser", doc.Find("title").Text())
	require.Equal(t, 2, doc.Find("[data-room]").Length())
	require.NotEmpty(t, v.csrf)
}

func TestStaleBookmarkFallsBackToReachableStep(t *testing.T) {
	ts := testutil.NewServer(t)
	v := newVisitor(t, ts)

	resp, _ := v.get("/visualiser/final-preview")
	require.Equal(t, "/visualiser/choose-a-room-type", resp.Request.URL.Path)

	v.post("/visualiser/room-type", url.Values{"roomType": {"bedroom"}})
	resp, _ = v.get("/visualiser/choose-colours")
	require.Equal(t, "/visualiser/choose-a-room-variant", resp.Request.URL.Path)

	resp, _ = v.get("/visualiser/no-such-step")
	require.Equal(t, "/visualiser/choose-a-room-type", resp.Request.URL.Path)
}

func TestWizardFlow(t *testing.T) {
	ts := testutil.NewServer(t)
	v := newVisitor(t, ts)
	v.get("/visualiser")

	resp, body := v.post("/visualiser/room-type", url.Values{"roomType": {"bedroom"}})
	require.Equal(t, "/visualiser/choose-a-room-variant", resp.Request.URL.Path)
	doc := testutil.ParseHTML(t, body)
	require.Equal(t, 1, doc.Find(`[data-variant="kidsRoom1"]`).Length())
	require.Contains(t, doc.Find(".breadcrumbs").Text(), "Change Room Type (Bedroom)")

	resp, body = v.post("/visualiser/variant", url.Values{"variant": {"kidsRoom1"}})
	require.Equal(t, "/visualiser/choose-a-paint-brand", resp.Request.URL.Path)
	doc = testutil.ParseHTML(t, body)
	require.Equal(t, 2, doc.Find("[data-brand]").Length())

	resp, body = v.post("/visualiser/brand", url.Values{"brand": {"dulux"}})
	require.Equal(t, "/visualiser/choose-colours", resp.Request.URL.Path)
	doc = testutil.ParseHTML(t, body)
	require.Equal(t, "ready", doc.Find(".colours").AttrOr("data-status", ""))
	require.Equal(t, 2, doc.Find(".swatch").Length(), "first colour type is selected")
	require.Equal(t, "true", doc.Find(`.tab.active`).AttrOr("aria-selected", ""))

	_, body = v.post("/visualiser/colours", url.Values{"type": {"Blues"}, "code": {"D3"}})
	doc = testutil.ParseHTML(t, body)
	require.Equal(t, 1, doc.Find(".palette-item").Length())
	require.Equal(t, "#87CEEB", doc.Find(".palette-item").AttrOr("data-hex", ""))

	resp, body = v.post("/visualiser/next", nil)
	require.Equal(t, "/visualiser/final-preview", resp.Request.URL.Path)
	doc = testutil.ParseHTML(t, body)
	require.Equal(t, 3, doc.Find(".wall").Length())
	require.Equal(t, 0, doc.Find(".wall-layer").Length())

	_, body = v.post("/visualiser/assign", url.Values{"wall": {"left"}, "hex": {"#87CEEB"}})
	doc = testutil.ParseHTML(t, body)
	layer := doc.Find(`.wall-layer[data-wall="left"]`)
	require.Equal(t, 1, layer.Length())
	require.Equal(t, "#87CEEB", layer.AttrOr("fill", ""))
	require.Equal(t, "url(#clip-left)", layer.AttrOr("clip-path", ""))
	require.Contains(t, doc.Find(".download").AttrOr("href", ""), "a.left=%2387CEEB")

	_, body = v.post("/visualiser/assign", url.Values{"wall": {"left"}, "hex": {""}})
	doc = testutil.ParseHTML(t, body)
	require.Equal(t, 0, doc.Find(".wall-layer").Length())
}

func TestAssignRejectsColourOutsidePalette(t *testing.T) {
	ts := testutil.NewServer(t)
	v := newVisitor(t, ts)
	v.walkToPreview()

	_, body := v.post("/visualiser/assign", url.Values{"wall": {"left"}, "hex": {"#123456"}})
	doc := testutil.ParseHTML(t, body)
	require.Equal(t, 0, doc.Find(".wall-layer").Length())

	_, body = v.post("/visualiser/assign", url.Values{"wall": {"left"}, "hex": {"#FFFFFF"}})
	doc = testutil.ParseHTML(t, body)
	require.Equal(t, "#FFFFFF", doc.Find(`.wall-layer[data-wall="left"]`).AttrOr("fill", ""))
}

func TestBulkAssignMagicAndReset(t *testing.T) {
	ts := testutil.NewServer(t)
	v := newVisitor(t, ts)
	v.walkToPreview()

	_, body := v.post("/visualiser/assign/bulk", url.Values{"a.left": {"#87CEEB"}, "a.right": {"#000080"}})
	doc := testutil.ParseHTML(t, body)
	require.Equal(t, 2, doc.Find(".wall-layer").Length())

	_, body = v.post("/visualiser/assign/reset", nil)
	doc = testutil.ParseHTML(t, body)
	require.Equal(t, 0, doc.Find(".wall-layer").Length())

	_, body = v.post("/visualiser/magic", nil)
	doc = testutil.ParseHTML(t, body)
	require.Equal(t, 2, doc.Find(".wall-layer").Length(), "roof is excluded")
	require.Equal(t, 0, doc.Find(`.wall-layer[data-wall="roof"]`).Length())
	doc.Find(".wall-layer").Each(func(_ int, s *goquery.Selection) {
		require.Contains(t, []string{"#87CEEB", "#000080"}, s.AttrOr("fill", ""))
	})
}

func TestRoomChangeResetsDownstreamSelections(t *testing.T) {
	ts := testutil.NewServer(t)
	v := newVisitor(t, ts)
	v.walkToPreview()
	v.post("/visualiser/assign", url.Values{"wall": {"left"}, "hex": {"#87CEEB"}})

	resp, _ := v.post("/visualiser/room-type", url.Values{"roomType": {"kitchen"}})
	require.Equal(t, "/visualiser/choose-a-room-variant", resp.Request.URL.Path)

	resp, _ = v.get("/visualiser/final-preview")
	require.Equal(t, "/visualiser/choose-a-room-variant", resp.Request.URL.Path)
}

func TestMutationWithoutCSRFIsForbidden(t *testing.T) {
	ts := testutil.NewServer(t)
	v := newVisitor(t, ts)
	v.get("/visualiser")

	resp, err := v.client.PostForm(ts.URL+"/visualiser/room-type", url.Values{"roomType": {"bedroom"}})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = v.get("/visualiser/choose-a-room-variant")
	require.Equal(t, "/visualiser/choose-a-room-type", resp.Request.URL.Path, "state unchanged")
}

func TestHTMXReturnsFragment(t *testing.T) {
	ts := testutil.NewServer(t)
	v := newVisitor(t, ts)
	v.get("/visualiser")

	resp, body := v.htmx("/visualiser/room-type", url.Values{"roomType": {"bedroom"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "/visualiser/choose-a-room-variant", resp.Header.Get("HX-Push-Url"))
	require.NotContains(t, string(body), "<html")

	doc := testutil.ParseHTML(t, body)
	require.Equal(t, 1, doc.Find("#wizard").Length())
	require.Equal(t, "2", doc.Find("#wizard").AttrOr("data-step", ""))
}

func TestUnknownSelectionsAreIgnored(t *testing.T) {
	ts := testutil.NewServer(t)
	v := newVisitor(t, ts)
	v.get("/visualiser")

	resp, _ := v.post("/visualiser/room-type", url.Values{"roomType": {"garage"}})
	require.Equal(t, "/visualiser/choose-a-room-type", resp.Request.URL.Path)

	v.post("/visualiser/room-type", url.Values{"roomType": {"bedroom"}})
	resp, _ = v.post("/visualiser/variant", url.Values{"variant": {"kitchen1"}})
	require.Equal(t, "/visualiser/choose-a-room-variant", resp.Request.URL.Path)
}

func TestBrandWithoutColoursShowsNotice(t *testing.T) {
	ts := testutil.NewServer(t)
	v := newVisitor(t, ts)
	v.get("/visualiser")
	v.post("/visualiser/room-type", url.Values{"roomType": {"bedroom"}})
	v.post("/visualiser/variant", url.Values{"variant": {"kidsRoom1"}})

	resp, body := v.post("/visualiser/brand", url.Values{"brand": {"nerolac"}})
	require.Equal(t, "/visualiser/choose-colours", resp.Request.URL.Path)
	doc := testutil.ParseHTML(t, body)
	require.Equal(t, "unavailable", doc.Find(".colours").AttrOr("data-status", ""))
	require.Equal(t, 1, doc.Find(".notice").Length())
	require.Equal(t, 0, doc.Find(".swatch").Length())
}

func TestBackAndGoto(t *testing.T) {
	ts := testutil.NewServer(t)
	v := newVisitor(t, ts)
	v.walkToPreview()

	resp, _ := v.post("/visualiser/back", nil)
	require.Equal(t, "/visualiser/choose-colours", resp.Request.URL.Path)

	resp, _ = v.post("/visualiser/goto/1", nil)
	require.Equal(t, "/visualiser/choose-a-room-type", resp.Request.URL.Path)

	resp, _ = v.post("/visualiser/goto/final-preview", nil)
	require.Equal(t, "/visualiser/final-preview", resp.Request.URL.Path)
}

func TestRenderPNG(t *testing.T) {
	ts := testutil.NewServer(t)
	v := newVisitor(t, ts)
	v.get("/visualiser")

	resp, body := v.get("/visualiser/render.png?room=bedroom&variant=kidsRoom1&mode=advanced&a.left=%23000080")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	img, err := png.Decode(bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, 1280, img.Bounds().Dx())
	require.Equal(t, 720, img.Bounds().Dy())

	r, _, _, _ := img.At(200, 360).RGBA()
	require.Less(t, r>>8, uint32(150), "left wall is painted")
	r, g, b, _ := img.At(640, 400).RGBA()
	require.InDelta(t, 200, float64(r>>8), 2)
	require.InDelta(t, 200, float64(g>>8), 2)
	require.InDelta(t, 200, float64(b>>8), 2)
}

func TestRenderPNGErrors(t *testing.T) {
	ts := testutil.NewServer(t)
	v := newVisitor(t, ts)
	v.get("/visualiser")

	resp, _ := v.get("/visualiser/render.png?room=bedroom&variant=nope")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = v.get("/visualiser/render.png?room=bedroom&variant=kidsRoom1&mode=sepia")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = v.get("/visualiser/render.png")
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "no variant selected")
}

func TestMasksJSON(t *testing.T) {
	ts := testutil.NewServer(t)
	v := newVisitor(t, ts)
	v.get("/visualiser")

	resp, body := v.get("/visualiser/masks?room=bedroom&variant=kidsRoom1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload struct {
		Variant string            `json:"variant"`
		Masks   map[string]string `json:"masks"`
		Status  map[string]string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Equal(t, "kidsRoom1", payload.Variant)
	require.Len(t, payload.Masks, 3)
	require.Equal(t, "M0 0 H 400 V 720 H 0 Z", payload.Masks["left"])
	require.Equal(t, "ready", payload.Status["roof"])
}

func TestAssetsProxy(t *testing.T) {
	ts := testutil.NewServer(t)

	resp, err := http.Get(ts.URL + "/visualiser/assets/logos/dulux.png")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	resp, err = http.Get(ts.URL + "/visualiser/assets/visualizerManifest.json")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/visualiser/assets/logos/missing.png")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type capturingDeliverer struct {
	mu       sync.Mutex
	requests []export.Request
	fail     bool
}

func (d *capturingDeliverer) Deliver(_ context.Context, req export.Request) (export.Receipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return export.Receipt{}, errors.New("smtp down")
	}
	d.requests = append(d.requests, req)
	return export.Receipt{Success: true, Reference: "ref-1"}, nil
}

func (d *capturingDeliverer) captured() []export.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]export.Request(nil), d.requests...)
}

func (v *visitor) postJSON(path string, payload any) (*http.Response, []byte) {
	v.t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(v.t, err)
	req, err := http.NewRequest(http.MethodPost, v.ts.URL+path, bytes.NewReader(raw))
	require.NoError(v.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-CSRF-Token", v.csrf)
	resp, err := v.client.Do(req)
	require.NoError(v.t, err)
	return v.read(resp)
}

func TestExport(t *testing.T) {
	deliverer := &capturingDeliverer{}
	ts := testutil.NewServer(t, testutil.WithDeliverer(deliverer), testutil.WithIdempotency())
	v := newVisitor(t, ts)
	v.walkToPreview()
	v.post("/visualiser/assign", url.Values{"wall": {"left"}, "hex": {"#87CEEB"}})

	resp, body := v.postJSON("/visualiser/export", export.Contact{Name: "Asha", Email: "asha@example.com", Phone: "555-0100"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var result export.Result
	require.NoError(t, json.Unmarshal(body, &result))
	require.True(t, result.Success)
	require.Equal(t, "ref-1", result.Reference)
	require.NotEmpty(t, result.ExportID)

	requests := deliverer.captured()
	require.Len(t, requests, 1)
	summary := requests[0].SelectionSnapshot
	require.Equal(t, "bedroom", summary.RoomType)
	require.Equal(t, "kidsRoom1", summary.VariantName)
	require.Equal(t, "Kids Room 1", summary.VariantLabel)
	require.Equal(t, "Dulux", summary.BrandName)
	require.Len(t, summary.Selections, 1)
	require.Equal(t, "Sky", summary.Selections[0].ColorName)
	require.Contains(t, requests[0].RenderedImageRef, "/visualiser/render.png?")

	resp, body = v.get("/visualiser/final-preview")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := testutil.ParseHTML(t, body)
	require.Equal(t, 1, doc.Find(`.wall-layer[data-wall="left"]`).Length(), "selection survives export")
}

func TestExportValidation(t *testing.T) {
	cases := []struct {
		name    string
		contact export.Contact
		message string
	}{
		{name: "missing phone", contact: export.Contact{Name: "Asha", Email: "asha@example.com"}, message: "Name, email, and phone are required"},
		{name: "bad email", contact: export.Contact{Name: "Asha", Email: "asha", Phone: "1"}, message: "Please enter a valid email address"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			deliverer := &capturingDeliverer{}
			ts := testutil.NewServer(t, testutil.WithDeliverer(deliverer))
			v := newVisitor(t, ts)
			v.walkToPreview()

			resp, body := v.postJSON("/visualiser/export", tc.contact)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var result export.Result
			require.NoError(t, json.Unmarshal(body, &result))
			require.False(t, result.Success)
			require.Equal(t, tc.message, result.Message)
			require.Empty(t, deliverer.captured())
		})
	}
}

func TestExportWithoutSelection(t *testing.T) {
	ts := testutil.NewServer(t)
	v := newVisitor(t, ts)
	v.get("/visualiser")

	resp, body := v.postJSON("/visualiser/export", export.Contact{Name: "Asha", Email: "asha@example.com", Phone: "1"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, string(body), "Room selection data is required")
}

func TestExportDeliveryFailure(t *testing.T) {
	ts := testutil.NewServer(t, testutil.WithDeliverer(&capturingDeliverer{fail: true}))
	v := newVisitor(t, ts)
	v.walkToPreview()

	resp, _ := v.postJSON("/visualiser/export", export.Contact{Name: "Asha", Email: "asha@example.com", Phone: "1"})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestExportHTMXFragment(t *testing.T) {
	ts := testutil.NewServer(t, testutil.WithDeliverer(&capturingDeliverer{}))
	v := newVisitor(t, ts)
	v.walkToPreview()

	resp, body := v.htmx("/visualiser/export", url.Values{"name": {"Asha"}, "email": {"asha@example.com"}, "phone": {"1"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := testutil.ParseHTML(t, body)
	require.Equal(t, 1, doc.Find(".export-result.success").Length())
}

func TestUnknownRouteUsesErrorEnvelope(t *testing.T) {
	ts := testutil.NewServer(t)

	resp, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Contains(t, payload, "error")
}
