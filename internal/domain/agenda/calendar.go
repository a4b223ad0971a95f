package agenda

import (
	"time"
	"unicode/utf16"
)

// Palette is the fixed ordered list of fallback event colors.
var Palette = []string{
	"#3B82F6", // blue
	"#10B981", // emerald
	"#F59E0B", // amber
	"#EF4444", // red
	"#8B5CF6", // violet
	"#EC4899", // pink
	"#14B8A6", // teal
	"#F97316", // orange
	"#6366F1", // indigo
	"#84CC16", // lime
}

// ColorFor sums the UTF-16 code units of id and indexes palette with the sum
// modulo its length. It depends on nothing but its arguments.
func ColorFor(id string, palette []string) string {
	if len(palette) == 0 {
		return ""
	}
	sum := 0
	for _, u := range utf16.Encode([]rune(id)) {
		sum += int(u)
	}
	return palette[sum%len(palette)]
}

// EventColor returns the explicit color when one is set, else the palette
// color of the event id.
func EventColor(ev *Event) string {
	if ev.ColorHex != nil && *ev.ColorHex != "" {
		return *ev.ColorHex
	}
	return ColorFor(ev.ID.String(), Palette)
}

// DisplayTitle is "{kind}: {patient}" when a patient is joined, else the
// event title, else the kind label.
func DisplayTitle(ev *Event) string {
	label := ev.Kind.Label()
	if ev.Patient != nil && ev.Patient.FullName != "" {
		return label + ": " + ev.Patient.FullName
	}
	if ev.Title != nil && *ev.Title != "" {
		return *ev.Title
	}
	return label
}

// Item is what the calendar widget renders.
type Item struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Title    string    `json:"title"`
	Color    string    `json:"color"`
	Resource *Event    `json:"resource"`
}

// Style is the per-item style callback result.
type Style struct {
	BackgroundColor string `json:"backgroundColor"`
}

func StyleFor(it Item) Style {
	return Style{BackgroundColor: it.Color}
}

func ToItem(ev *Event) Item {
	return Item{
		Start:    ev.StartAt,
		End:      ev.EndAt,
		Title:    DisplayTitle(ev),
		Color:    EventColor(ev),
		Resource: ev,
	}
}

func ToItems(evs []Event) []Item {
	out := make([]Item, len(evs))
	for i := range evs {
		out[i] = ToItem(&evs[i])
	}
	return out
}
