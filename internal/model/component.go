package model

import "strings"

// Component mirrors a Discord UI control attached to a message: buttons
// and, for type 3, a version select menu.
type Component struct {
	Type     int               `json:"type"`
	Style    int               `json:"style,omitempty"`
	Label    string            `json:"label,omitempty"`
	CustomID string            `json:"custom_id,omitempty"`
	Emoji    ComponentEmoji    `json:"emoji,omitempty"`
	Options  []ComponentOption `json:"options,omitempty"`

	Components []Component `json:"components,omitempty"`
}

type ComponentEmoji struct {
	Name string `json:"name,omitempty"`
	ID   string `json:"id,omitempty"`
}

type ComponentOption struct {
	Label       string `json:"label,omitempty"`
	Value       string `json:"value,omitempty"`
	Description string `json:"description,omitempty"`
	Default     bool   `json:"default,omitempty"`
}

const (
	componentStylePrimary = 1
	componentStyleGreen   = 3
)

// RemixOn reports whether the Remix mode toggle in a settings component
// set is switched on (green button labelled "Remix mode").
func RemixOn(components []Component) bool {
	return toggleOn(components, "Remix mode")
}

// FastModeOn reports whether the settings component set shows fast mode
// active ("Fast mode" green, or "Relax mode" not green).
func FastModeOn(components []Component) bool {
	for _, c := range flatten(components) {
		if strings.EqualFold(c.Label, "Fast mode") {
			return c.Style == componentStyleGreen
		}
		if strings.EqualFold(c.Label, "Relax mode") {
			return c.Style != componentStyleGreen
		}
	}
	return false
}

func toggleOn(components []Component, label string) bool {
	for _, c := range flatten(components) {
		if strings.EqualFold(c.Label, label) {
			return c.Style == componentStyleGreen
		}
	}
	return false
}

// FlattenComponents expands action rows into a flat control list.
func FlattenComponents(components []Component) []Component {
	return flatten(components)
}

func flatten(components []Component) []Component {
	out := make([]Component, 0, len(components))
	for _, c := range components {
		if len(c.Components) > 0 {
			out = append(out, flatten(c.Components)...)
			continue
		}
		out = append(out, c)
	}
	return out
}
