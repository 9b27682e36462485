package export

import (
	"context"
	"time"

	"finitefield.org/colour-visualiser/internal/catalog"
)

// Contact is the visitor's contact details submitted with an export.
type Contact struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Message string `json:"message,omitempty"`
}

// ColourSelection is one painted wall in a summary.
type ColourSelection struct {
	WallKey   string `json:"wallKey"`
	WallLabel string `json:"wallLabel"`
	ColorName string `json:"colorName"`
	ColorCode string `json:"colorCode"`
	ColorHex  string `json:"colorHex"`
}

// Summary is the serialised selection handed to the delivery collaborator.
type Summary struct {
	ExportID     string            `json:"exportId"`
	RoomType     string            `json:"roomType"`
	RoomLabel    string            `json:"roomLabel,omitempty"`
	VariantName  string            `json:"roomVariant"`
	VariantLabel string            `json:"roomVariantLabel,omitempty"`
	BrandID      string            `json:"brandId"`
	BrandName    string            `json:"brand,omitempty"`
	Palette      []catalog.Swatch  `json:"palette,omitempty"`
	Selections   []ColourSelection `json:"colorSelections"`
	RequestedAt  time.Time         `json:"requestedAt"`
	Markdown     string            `json:"markdown,omitempty"`
	HTML         string            `json:"html,omitempty"`
}

// Request is the payload delivered for one export.
type Request struct {
	ExportID          string    `json:"exportId"`
	Contact           Contact   `json:"contact"`
	SelectionSnapshot Summary   `json:"selectionSnapshot"`
	RenderedImageRef  string    `json:"renderedImageRef"`
	RequestedAt       time.Time `json:"requestedAt"`
}

// Receipt is the collaborator's answer to a delivery.
type Receipt struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Reference string `json:"reference,omitempty"`
}

// Result is returned to the visitor.
type Result struct {
	Success          bool   `json:"success"`
	Message          string `json:"message"`
	ExportID         string `json:"exportId,omitempty"`
	Reference        string `json:"reference,omitempty"`
	RenderedImageRef string `json:"renderedImageRef,omitempty"`
}

// Deliverer hands an export request to whoever sends the summary on.
type Deliverer interface {
	Deliver(ctx context.Context, req Request) (Receipt, error)
}

// Selection is the part of the wizard state an export captures.
type Selection struct {
	Room        catalog.Room
	Variant     catalog.Variant
	Brand       catalog.Brand
	Palette     []catalog.Swatch
	Assignments map[string]string
}
