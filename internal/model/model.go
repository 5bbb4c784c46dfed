package model

import (
	"errors"
	"math"
	"sort"
	"time"
)

// DateLayout is the on-disk and wire format of CheckIn/CheckOut.
const DateLayout = "2006-01-02"

// Source tells where a reservation came from.
type Source string

const (
	SourceManual   Source = "manual"
	SourceExternal Source = "external"
)

// Category is the business line a transaction belongs to. Only homestay
// reservations carry a date range today, but conflict logic keys on the
// dates, not the category.
type Category string

const (
	CategoryLaundry  Category = "laundry"
	CategoryHomestay Category = "homestay"
	CategoryFood     Category = "food"
	CategoryBike     Category = "bike"
)

// Valid reports whether c is one of the defined categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryLaundry, CategoryHomestay, CategoryFood, CategoryBike:
		return true
	}
	return false
}

// Reservation is the canonical booking unit.
type Reservation struct {
	ID         string   `json:"id"`
	ExternalID string   `json:"external_id,omitempty"`
	Source     Source   `json:"source"`
	Category   Category `json:"category"`

	Room     string `json:"room,omitempty"`
	CheckIn  string `json:"check_in,omitempty"`
	CheckOut string `json:"check_out,omitempty"`

	// Nights and Amount are fixed at creation; rate changes never rewrite them.
	Nights int   `json:"nights"`
	Amount int64 `json:"amount"`

	GuestName   string `json:"guest_name,omitempty"`
	GuestPhone  string `json:"guest_phone,omitempty"`
	Description string `json:"description,omitempty"`
	Paid        bool   `json:"paid"`

	CreatedAt time.Time `json:"created_at"`
}

// Stay returns the parsed [CheckIn, CheckOut) range at midnight UTC.
// ok is false when either date is missing or unparsable.
func (r Reservation) Stay() (start, end time.Time, ok bool) {
	if r.CheckIn == "" || r.CheckOut == "" {
		return time.Time{}, time.Time{}, false
	}
	start, err := ParseDate(r.CheckIn)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	end, err = ParseDate(r.CheckOut)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

// BookingEvent is one decoded VEVENT. It is never persisted directly.
type BookingEvent struct {
	UID     string
	Start   string // YYYY-MM-DD
	End     string // YYYY-MM-DD
	Summary string
	Room    string

	// RRule is the raw recurrence rule, empty for one-off events.
	RRule   string
	ExDates []string // YYYY-MM-DD
}

// RoomConfig holds the per-room feed and nightly rate.
type RoomConfig struct {
	ICalURL string `yaml:"ical_url" json:"ical_url"`
	Price   int64  `yaml:"price" json:"price"`
}

// RoomCatalog is the explicit room configuration handed to the booking core.
type RoomCatalog struct {
	Rooms map[string]RoomConfig
	// Groups maps an aggregate listing to its constituent rooms.
	Groups      map[string][]string
	DefaultRate int64
}

// Rate returns the nightly rate for room, falling back to DefaultRate.
func (c RoomCatalog) Rate(room string) int64 {
	if rc, ok := c.Rooms[room]; ok && rc.Price > 0 {
		return rc.Price
	}
	return c.DefaultRate
}

// RoomIDs returns room identifiers in sorted order.
func (c RoomCatalog) RoomIDs() []string {
	ids := make([]string, 0, len(c.Rooms))
	for id := range c.Rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Known reports whether room is a configured room or aggregate listing.
func (c RoomCatalog) Known(room string) bool {
	if _, ok := c.Rooms[room]; ok {
		return true
	}
	_, ok := c.Groups[room]
	return ok
}

var ErrInvalidDate = errors.New("invalid date")

// ParseDate parses a YYYY-MM-DD string into midnight UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, ErrInvalidDate
	}
	return t, nil
}

// FormatDate renders t's calendar date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// Midnight truncates t to the start of its calendar day in its own location,
// returned as midnight UTC for comparisons.
func Midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the fractional number of days from start to end.
func DaysBetween(start, end time.Time) float64 {
	return end.Sub(start).Hours() / 24
}

// NightsCeil is max(1, ceil(days)), used for manual entries.
func NightsCeil(start, end time.Time) int {
	return max(1, int(math.Ceil(DaysBetween(start, end))))
}

// NightsRound is max(1, round(days)), used for imported events.
func NightsRound(start, end time.Time) int {
	return max(1, int(math.Round(DaysBetween(start, end))))
}
