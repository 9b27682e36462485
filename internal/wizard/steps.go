package wizard

// Step is a wizard position, 1 through 5.
type Step int

const (
	StepRoomType Step = iota + 1
	StepVariant
	StepBrand
	StepColours
	StepFinalPreview
)

// FirstStep and LastStep bound the wizard.
const (
	FirstStep = StepRoomType
	LastStep  = StepFinalPreview
)

const titleSuffix = " - Advanced Colour Visualiser"

var steps = map[Step]struct {
	slug  string
	title string
}{
	StepRoomType:     {slug: "choose-a-room-type", title: "Choose a Room Type"},
	StepVariant:      {slug: "choose-a-room-variant", title: "Choose a Room Variant"},
	StepBrand:        {slug: "choose-a-paint-brand", title: "Choose a Paint Brand"},
	StepColours:      {slug: "choose-colours", title: "Choose Colours"},
	StepFinalPreview: {slug: "final-preview", title: "Final Preview"},
}

// Steps lists every step in order.
func Steps() []Step {
	return []Step{StepRoomType, StepVariant, StepBrand, StepColours, StepFinalPreview}
}

// Clamp returns s limited to the wizard's range.
func (s Step) Clamp() Step {
	switch {
	case s < FirstStep:
		return FirstStep
	case s > LastStep:
		return LastStep
	default:
		return s
	}
}

// Slug returns the URL path segment for the step.
func (s Step) Slug() string {
	return steps[s.Clamp()].slug
}

// Title returns the generic step name.
func (s Step) Title() string {
	return steps[s.Clamp()].title
}

// PageTitle returns the document title for the step.
func (s Step) PageTitle() string {
	return s.Title() + titleSuffix
}

// StepFromSlug maps a URL slug to its step. Unknown slugs map to the first step.
func StepFromSlug(slug string) Step {
	for step, info := range steps {
		if info.slug == slug {
			return step
		}
	}
	return FirstStep
}
