package types

// Phase is the rendering phase of the profile card.
type Phase string

const (
	PhaseSkeleton Phase = "skeleton"
	PhaseContent  Phase = "content"
)

// UIState is the reconciled view handed to the presentation layer.
// An empty DisplayAvatar means no image is available yet.
type UIState struct {
	DisplayAvatar string `json:"displayAvatar"`
	DisplayStatus Status `json:"displayStatus"`
	Phase         Phase  `json:"phase"`
	StatusHidden  bool   `json:"statusHidden"`
}

// BadgeShape names the icon drawn for a status badge.
type BadgeShape string

const (
	ShapeSolidCircle BadgeShape = "solid-circle"
	ShapeCrescent    BadgeShape = "crescent"
	ShapeMaskedBar   BadgeShape = "circle-masked-bar"
	ShapeMaskedRing  BadgeShape = "circle-masked-ring"
)

// Badge describes the status indicator icon.
type Badge struct {
	Shape BadgeShape `json:"shape"`
	Color string     `json:"color"`
}

// BadgeFor maps a status onto its indicator icon. Offline, invisible and anything
// unrecognised share the grey ring.
func BadgeFor(s Status) Badge {
	switch s {
	case StatusOnline:
		return Badge{Shape: ShapeSolidCircle, Color: "#43a259"}
	case StatusIdle:
		return Badge{Shape: ShapeCrescent, Color: "#ca9653"}
	case StatusDoNotDisturb:
		return Badge{Shape: ShapeMaskedBar, Color: "#d63a42"}
	default:
		return Badge{Shape: ShapeMaskedRing, Color: "#83838b"}
	}
}
