package ics

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	appLog "kiotbook/internal/log"
	"kiotbook/internal/model"
)

const maxOccurrencesPerEvent = 1000

// ExpandRecurring turns a recurring BookingEvent into one event per
// occurrence whose stay intersects [from, to). Every occurrence gets the
// deterministic UID "<uid>/<YYYYMMDD>" so repeated syncs see the same
// identities. Events without RRULE are returned as-is.
func ExpandRecurring(ev model.BookingEvent, from, to time.Time) ([]model.BookingEvent, error) {
	if ev.RRule == "" {
		return []model.BookingEvent{ev}, nil
	}
	if to.Before(from) {
		return nil, errors.New("expand: to is before from")
	}

	start, err := model.ParseDate(ev.Start)
	if err != nil {
		return nil, fmt.Errorf("expand %s: start: %w", ev.UID, err)
	}
	end, err := model.ParseDate(ev.End)
	if err != nil {
		return nil, fmt.Errorf("expand %s: end: %w", ev.UID, err)
	}
	dur := end.Sub(start)

	r, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		return nil, fmt.Errorf("expand %s: parse RRULE: %w", ev.UID, err)
	}
	r.DTStart(start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		if t, err := model.ParseDate(ex); err == nil {
			set.ExDate(t)
		}
	}

	// Widen the lower bound so stays that began before from but are still
	// running are included.
	occ := set.Between(model.Midnight(from).Add(-dur), model.Midnight(to), true)

	out := make([]model.BookingEvent, 0, len(occ))
	for _, s := range occ {
		e := s.Add(dur)
		if !e.After(model.Midnight(from)) || !s.Before(model.Midnight(to)) {
			continue
		}
		if len(out) == maxOccurrencesPerEvent {
			appLog.Warn("expand: occurrence cap reached", "uid", ev.UID, "cap", maxOccurrencesPerEvent)
			break
		}
		out = append(out, model.BookingEvent{
			UID:     ev.UID + "/" + s.Format(icsDateLayout),
			Start:   model.FormatDate(s),
			End:     model.FormatDate(e),
			Summary: ev.Summary,
			Room:    ev.Room,
		})
	}
	return out, nil
}
