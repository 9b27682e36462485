package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"finitefield.org/colour-visualiser/internal/platform/observability"
)

const (
	// RoomManifestFile lists rooms and their variants.
	RoomManifestFile = "visualizerManifest.json"
	// BrandManifestFile lists paint brands without their colours.
	BrandManifestFile = "visualizerColors.json"

	defaultFetchTimeout = 10 * time.Second
	maxPayloadBytes     = 8 << 20
)

var (
	// ErrUnavailable indicates a catalog resource could not be loaded. Callers degrade to
	// empty lists; the next call retries.
	ErrUnavailable = errors.New("catalog: unavailable")
	// ErrInvalidManifest indicates a payload decoded but broke a structural rule.
	ErrInvalidManifest = errors.New("catalog: invalid manifest")
	// ErrUnknownRoom indicates the room type is not in the manifest.
	ErrUnknownRoom = errors.New("catalog: unknown room type")
	// ErrUnknownVariant indicates the variant does not belong to the room.
	ErrUnknownVariant = errors.New("catalog: unknown variant")
	// ErrUnknownBrand indicates the brand id is not in the brand manifest.
	ErrUnknownBrand = errors.New("catalog: unknown brand")
)

// BrandColourFile returns the payload name holding a brand's colour types.
func BrandColourFile(brandID string) string {
	return "colours/" + brandID + ".json"
}

// StoreDeps bundles constructor inputs for the Store.
type StoreDeps struct {
	Source       Source
	Logger       *zap.Logger
	FetchTimeout time.Duration
}

// Store loads the room and brand manifests once per process and brand colours lazily,
// one slot per brand. Loaded values are never mutated; callers may share them.
type Store struct {
	source  Source
	logger  *zap.Logger
	timeout time.Duration

	group singleflight.Group

	mu           sync.RWMutex
	rooms        []Room
	roomsStatus  Status
	brands       []Brand
	brandsStatus Status
	colours      map[string]Brand
	colourStatus map[string]Status
}

// NewStore constructs a Store.
func NewStore(deps StoreDeps) (*Store, error) {
	if deps.Source == nil {
		return nil, errors.New("catalog store: source is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := deps.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Store{
		source:       deps.Source,
		logger:       logger.Named("catalog"),
		timeout:      timeout,
		colours:      make(map[string]Brand),
		colourStatus: make(map[string]Status),
	}, nil
}

// LoadRoomManifest returns every room with its variants.
func (s *Store) LoadRoomManifest(ctx context.Context) ([]Room, error) {
	if rooms, ok := s.readyRooms(); ok {
		return rooms, nil
	}

	v, err, _ := s.group.Do("rooms", func() (any, error) {
		if rooms, ok := s.readyRooms(); ok {
			return rooms, nil
		}
		var rooms []Room
		err := s.fetch(ctx, RoomManifestFile, func(doc *yaml.Node) error {
			if err := doc.Decode(&rooms); err != nil {
				return err
			}
			return validateRooms(rooms)
		})
		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			s.roomsStatus = StatusUnavailable
			return nil, err
		}
		s.rooms = rooms
		s.roomsStatus = StatusReady
		return rooms, nil
	})
	if err != nil {
		s.logger.Warn("room manifest unavailable", zap.Error(err))
		return nil, fmt.Errorf("%w: rooms: %w", ErrUnavailable, err)
	}
	return v.([]Room), nil
}

// LoadBrandManifest returns the brands without colour types.
func (s *Store) LoadBrandManifest(ctx context.Context) ([]Brand, error) {
	if brands, ok := s.readyBrands(); ok {
		return brands, nil
	}

	v, err, _ := s.group.Do("brands", func() (any, error) {
		if brands, ok := s.readyBrands(); ok {
			return brands, nil
		}
		var brands []Brand
		err := s.fetch(ctx, BrandManifestFile, func(doc *yaml.Node) error {
			if err := doc.Decode(&brands); err != nil {
				return err
			}
			return normaliseBrands(brands)
		})
		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			s.brandsStatus = StatusUnavailable
			return nil, err
		}
		s.brands = brands
		s.brandsStatus = StatusReady
		return brands, nil
	})
	if err != nil {
		s.logger.Warn("brand manifest unavailable", zap.Error(err))
		return nil, fmt.Errorf("%w: brands: %w", ErrUnavailable, err)
	}
	return v.([]Brand), nil
}

// LoadBrandColourData returns the brand with its colour types attached. A brand that
// was loaded before is served from memory without touching the source.
func (s *Store) LoadBrandColourData(ctx context.Context, brandID string) (Brand, error) {
	brandID = strings.TrimSpace(brandID)
	if brand, ok := s.loadedBrand(brandID); ok {
		return brand, nil
	}

	brands, err := s.LoadBrandManifest(ctx)
	if err != nil {
		return Brand{}, err
	}
	base, ok := findBrand(brands, brandID)
	if !ok {
		return Brand{}, fmt.Errorf("%w: %q", ErrUnknownBrand, brandID)
	}

	v, err, _ := s.group.Do("colours:"+brandID, func() (any, error) {
		// A flight that finished between the cache check and Do already filled the slot.
		if brand, ok := s.loadedBrand(brandID); ok {
			return brand, nil
		}
		ctx, span := observability.StartSpan(ctx, "catalog.LoadBrandColourData", attribute.String("brand.id", brandID))
		s.mu.Lock()
		s.colourStatus[brandID] = StatusLoading
		s.mu.Unlock()

		brand := base
		err := s.fetch(ctx, BrandColourFile(brandID), func(doc *yaml.Node) error {
			return s.decodeColourTypes(doc, &brand)
		})
		observability.EndSpan(span, err)

		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			s.colourStatus[brandID] = StatusUnavailable
			return nil, err
		}
		s.colours[brandID] = brand
		s.colourStatus[brandID] = StatusReady
		return brand, nil
	})
	if err != nil {
		s.logger.Warn("brand colours unavailable", zap.String("brand_id", brandID), zap.Error(err))
		return Brand{}, fmt.Errorf("%w: colours %s: %w", ErrUnavailable, brandID, err)
	}
	return v.(Brand), nil
}

// Room looks up a room type.
func (s *Store) Room(ctx context.Context, roomType string) (Room, error) {
	rooms, err := s.LoadRoomManifest(ctx)
	if err != nil {
		return Room{}, err
	}
	for _, room := range rooms {
		if room.Type == roomType {
			return room, nil
		}
	}
	return Room{}, fmt.Errorf("%w: %q", ErrUnknownRoom, roomType)
}

// Variant looks up a variant of a room type.
func (s *Store) Variant(ctx context.Context, roomType, name string) (Variant, error) {
	room, err := s.Room(ctx, roomType)
	if err != nil {
		return Variant{}, err
	}
	variant, ok := room.Variant(name)
	if !ok {
		return Variant{}, fmt.Errorf("%w: %q in %q", ErrUnknownVariant, name, roomType)
	}
	return variant, nil
}

// Brand looks up a brand, with colour types attached when they have been loaded.
func (s *Store) Brand(ctx context.Context, id string) (Brand, error) {
	if brand, ok := s.loadedBrand(id); ok {
		return brand, nil
	}
	brands, err := s.LoadBrandManifest(ctx)
	if err != nil {
		return Brand{}, err
	}
	brand, ok := findBrand(brands, id)
	if !ok {
		return Brand{}, fmt.Errorf("%w: %q", ErrUnknownBrand, id)
	}
	return brand, nil
}

// Statuses reports the load state of both manifests.
type Statuses struct {
	Rooms  Status
	Brands Status
}

// Status returns the manifest load states.
func (s *Store) Status() Statuses {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Statuses{Rooms: s.roomsStatus, Brands: s.brandsStatus}
}

// BrandStatus returns the colour data load state for a brand.
func (s *Store) BrandStatus(id string) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.colourStatus[id]
}

// Snapshot loads both manifests and returns an immutable view including every brand
// whose colours are loaded. Unavailable manifests produce empty lists.
func (s *Store) Snapshot(ctx context.Context) Snapshot {
	rooms, _ := s.LoadRoomManifest(ctx)
	brands, _ := s.LoadBrandManifest(ctx)
	s.mu.RLock()
	defer s.mu.RUnlock()
	colours := make(map[string]Brand, len(s.colours))
	for id, brand := range s.colours {
		colours[id] = brand
	}
	return Snapshot{
		Rooms:    rooms,
		Brands:   brands,
		colours:  colours,
		statuses: Statuses{Rooms: s.roomsStatus, Brands: s.brandsStatus},
	}
}

func (s *Store) readyRooms() ([]Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms, s.roomsStatus == StatusReady
}

func (s *Store) readyBrands() ([]Brand, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.brands, s.brandsStatus == StatusReady
}

func (s *Store) loadedBrand(id string) (Brand, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	brand, ok := s.colours[id]
	return brand, ok
}

func (s *Store) fetch(ctx context.Context, name string, decode func(*yaml.Node) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	rc, err := s.source.Open(ctx, name)
	if err != nil {
		return err
	}
	defer rc.Close()
	raw, err := io.ReadAll(io.LimitReader(rc, maxPayloadBytes))
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	if len(doc.Content) == 0 {
		return fmt.Errorf("%w: %s is empty", ErrInvalidManifest, name)
	}
	if err := decode(doc.Content[0]); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

type colourFile struct {
	Brand       string    `yaml:"brand"`
	TotalColors int       `yaml:"totalColors"`
	ColorTypes  yaml.Node `yaml:"colorTypes"`
}

func (s *Store) decodeColourTypes(doc *yaml.Node, brand *Brand) error {
	var file colourFile
	if err := doc.Decode(&file); err != nil {
		return err
	}
	if file.ColorTypes.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: colorTypes must be a mapping", ErrInvalidManifest)
	}
	types := make(map[string][]Swatch, len(file.ColorTypes.Content)/2)
	order := make([]string, 0, len(file.ColorTypes.Content)/2)
	for i := 0; i+1 < len(file.ColorTypes.Content); i += 2 {
		category := strings.TrimSpace(file.ColorTypes.Content[i].Value)
		if category == "" {
			continue
		}
		var raw []Swatch
		if err := file.ColorTypes.Content[i+1].Decode(&raw); err != nil {
			return fmt.Errorf("colour type %q: %w", category, err)
		}
		swatches := make([]Swatch, 0, len(raw))
		for _, sw := range raw {
			hex, ok := NormaliseHex(sw.Hex)
			if !ok || strings.TrimSpace(sw.Name) == "" {
				s.logger.Warn("dropping invalid swatch",
					zap.String("brand_id", brand.ID),
					zap.String("colour_type", category),
					zap.String("colour_name", sw.Name),
					zap.String("colour_hex", sw.Hex),
				)
				continue
			}
			sw.Name = strings.TrimSpace(sw.Name)
			sw.Code = strings.TrimSpace(sw.Code)
			sw.Hex = hex
			swatches = append(swatches, sw)
		}
		if _, dup := types[category]; !dup {
			order = append(order, category)
		}
		types[category] = swatches
	}
	brand.ColourTypes = types
	brand.TypeOrder = order
	if file.TotalColors > 0 && file.TotalColors != brand.TotalColours() {
		s.logger.Debug("colour count differs from totalColors",
			zap.String("brand_id", brand.ID),
			zap.Int("declared", file.TotalColors),
			zap.Int("loaded", brand.TotalColours()),
		)
	}
	return nil
}

func validateRooms(rooms []Room) error {
	if len(rooms) == 0 {
		return fmt.Errorf("%w: no rooms", ErrInvalidManifest)
	}
	seenRooms := make(map[string]struct{}, len(rooms))
	for _, room := range rooms {
		if strings.TrimSpace(room.Type) == "" {
			return fmt.Errorf("%w: room without roomType", ErrInvalidManifest)
		}
		if _, dup := seenRooms[room.Type]; dup {
			return fmt.Errorf("%w: duplicate room type %q", ErrInvalidManifest, room.Type)
		}
		seenRooms[room.Type] = struct{}{}

		seenVariants := make(map[string]struct{}, len(room.Variants))
		for _, variant := range room.Variants {
			if strings.TrimSpace(variant.Name) == "" {
				return fmt.Errorf("%w: room %q has a variant without name", ErrInvalidManifest, room.Type)
			}
			if _, dup := seenVariants[variant.Name]; dup {
				return fmt.Errorf("%w: duplicate variant %q in room %q", ErrInvalidManifest, variant.Name, room.Type)
			}
			seenVariants[variant.Name] = struct{}{}
			for key, mask := range variant.Walls {
				if strings.TrimSpace(key) == "" || strings.TrimSpace(mask) == "" {
					return fmt.Errorf("%w: variant %q has a wall without mask", ErrInvalidManifest, variant.Name)
				}
			}
		}
	}
	return nil
}

func normaliseBrands(brands []Brand) error {
	seen := make(map[string]struct{}, len(brands))
	for i := range brands {
		brands[i].ID = strings.TrimSpace(brands[i].ID)
		if brands[i].ID == "" {
			return fmt.Errorf("%w: brand without id", ErrInvalidManifest)
		}
		if _, dup := seen[brands[i].ID]; dup {
			return fmt.Errorf("%w: duplicate brand %q", ErrInvalidManifest, brands[i].ID)
		}
		seen[brands[i].ID] = struct{}{}
		if strings.TrimSpace(brands[i].Name) == "" {
			brands[i].Name = brands[i].ID
		}
	}
	return nil
}

func findBrand(brands []Brand, id string) (Brand, bool) {
	for _, b := range brands {
		if b.ID == id {
			return b, true
		}
	}
	return Brand{}, false
}

// Snapshot is a point-in-time read-only view of the catalog.
type Snapshot struct {
	Rooms    []Room
	Brands   []Brand
	colours  map[string]Brand
	statuses Statuses
}

// NewSnapshot builds a snapshot from already-loaded values. Brands with ColourTypes set
// count as loaded.
func NewSnapshot(rooms []Room, brands []Brand) Snapshot {
	colours := make(map[string]Brand)
	for _, b := range brands {
		if b.Loaded() {
			colours[b.ID] = b
		}
	}
	return Snapshot{
		Rooms:    rooms,
		Brands:   brands,
		colours:  colours,
		statuses: Statuses{Rooms: StatusReady, Brands: StatusReady},
	}
}

// Room looks up a room type.
func (s Snapshot) Room(roomType string) (Room, bool) {
	if roomType == "" {
		return Room{}, false
	}
	for _, room := range s.Rooms {
		if room.Type == roomType {
			return room, true
		}
	}
	return Room{}, false
}

// Variant looks up a variant of a room type.
func (s Snapshot) Variant(roomType, name string) (Variant, bool) {
	room, ok := s.Room(roomType)
	if !ok || name == "" {
		return Variant{}, false
	}
	return room.Variant(name)
}

// Brand looks up a brand, preferring the copy with colour types attached.
func (s Snapshot) Brand(id string) (Brand, bool) {
	if id == "" {
		return Brand{}, false
	}
	if brand, ok := s.colours[id]; ok {
		return brand, true
	}
	return findBrand(s.Brands, id)
}

// WithBrand returns a copy of the snapshot in which brand carries its colour types.
func (s Snapshot) WithBrand(brand Brand) Snapshot {
	colours := make(map[string]Brand, len(s.colours)+1)
	for id, b := range s.colours {
		colours[id] = b
	}
	colours[brand.ID] = brand
	s.colours = colours
	return s
}

// Statuses reports the manifest load states captured with the snapshot.
func (s Snapshot) Statuses() Statuses {
	return s.statuses
}
