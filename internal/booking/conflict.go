package booking

import (
	"slices"
	"time"

	"kiotbook/internal/model"
)

// Candidate is a prospective reservation to be checked.
type Candidate struct {
	Room     string `json:"room"`
	CheckIn  string `json:"check_in"`
	CheckOut string `json:"check_out"`
}

func (c Candidate) stay() (start, end time.Time, ok bool) {
	return model.Reservation{CheckIn: c.CheckIn, CheckOut: c.CheckOut}.Stay()
}

// ValidateCandidate rejects candidates that cannot form a stay. It runs
// before conflict detection so a bad range is never reported as a conflict.
func ValidateCandidate(c Candidate) error {
	ve := newValidationError()

	if c.Room == "" {
		ve.add("room", "room is required")
	}

	start, errIn := model.ParseDate(c.CheckIn)
	if errIn != nil {
		ve.add("check_in", "check_in must be YYYY-MM-DD")
	}
	end, errOut := model.ParseDate(c.CheckOut)
	if errOut != nil {
		ve.add("check_out", "check_out must be YYYY-MM-DD")
	}
	if errIn == nil && errOut == nil && !end.After(start) {
		ve.add("check_out", "check_out must be after check_in")
	}

	if ve.empty() {
		return nil
	}
	return ve
}

// RelatedRooms returns room plus every room whose booking blocks it: its
// constituents when room is an aggregate listing, and the aggregates it
// belongs to when it is a constituent. Order is stable and duplicate-free.
func RelatedRooms(room string, groups map[string][]string) []string {
	related := []string{room}
	add := func(r string) {
		if !slices.Contains(related, r) {
			related = append(related, r)
		}
	}

	for _, child := range groups[room] {
		add(child)
	}

	parents := make([]string, 0)
	for parent, children := range groups {
		if slices.Contains(children, room) {
			parents = append(parents, parent)
		}
	}
	slices.Sort(parents)
	for _, p := range parents {
		add(p)
	}
	return related
}

// FindConflict returns the first reservation that overlaps c on a related
// room, or nil. Ranges are half-open, so a checkout on the candidate's
// checkin day is not a conflict. Reservations without both dates are
// ignored. The check is advisory; callers decide whether to block.
func FindConflict(c Candidate, reservations []model.Reservation, groups map[string][]string) (*model.Reservation, error) {
	if err := ValidateCandidate(c); err != nil {
		return nil, err
	}
	start, end, _ := c.stay()
	related := RelatedRooms(c.Room, groups)

	for i := range reservations {
		r := &reservations[i]
		if r.Room == "" || !slices.Contains(related, r.Room) {
			continue
		}
		rStart, rEnd, ok := r.Stay()
		if !ok {
			continue
		}
		if overlaps(start, end, rStart, rEnd) {
			found := *r
			return &found, nil
		}
	}
	return nil, nil
}

// overlaps is half-open interval intersection on calendar dates.
func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	aStart, aEnd = model.Midnight(aStart), model.Midnight(aEnd)
	bStart, bEnd = model.Midnight(bStart), model.Midnight(bEnd)
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// ManualInput is what an operator enters for a new reservation.
type ManualInput struct {
	Candidate
	Category    model.Category `json:"category"`
	GuestName   string         `json:"guest_name"`
	GuestPhone  string         `json:"guest_phone"`
	Description string         `json:"description"`
	Paid        bool           `json:"paid"`
}

// NewManual builds a manual reservation priced from the catalog:
// nights = max(1, ceil(days)), amount = nights × room rate.
func NewManual(in ManualInput, catalog model.RoomCatalog, now time.Time, newID func() string) (model.Reservation, error) {
	if err := ValidateCandidate(in.Candidate); err != nil {
		return model.Reservation{}, err
	}
	ve := newValidationError()
	if len(catalog.Rooms) > 0 && !catalog.Known(in.Room) {
		ve.add("room", ErrUnknownRoom.Error()+" "+in.Room)
	}
	if in.Category != "" && !in.Category.Valid() {
		ve.add("category", "unknown category "+string(in.Category))
	}
	if !ve.empty() {
		return model.Reservation{}, ve
	}

	start, end, _ := in.stay()
	nights := model.NightsCeil(start, end)

	category := in.Category
	if category == "" {
		category = model.CategoryHomestay
	}
	desc := in.Description
	if desc == "" {
		desc = "Room " + in.Room + " (" + in.CheckIn + " - " + in.CheckOut + ")"
	}

	return model.Reservation{
		ID:          newID(),
		Source:      model.SourceManual,
		Category:    category,
		Room:        in.Room,
		CheckIn:     in.CheckIn,
		CheckOut:    in.CheckOut,
		Nights:      nights,
		Amount:      int64(nights) * catalog.Rate(in.Room),
		GuestName:   in.GuestName,
		GuestPhone:  in.GuestPhone,
		Description: desc,
		Paid:        in.Paid,
		CreatedAt:   now.UTC(),
	}, nil
}
