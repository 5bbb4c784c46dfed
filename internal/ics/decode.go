package ics

import (
	"errors"
	"io"
	"iter"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "kiotbook/internal/log"
	"kiotbook/internal/model"
)

// Decode lazily parses an iCal feed into BookingEvents for room.
//
//   - Folded lines are unfolded first (a physical line starting with a space
//     or tab continues the previous one).
//   - Only UID, DTSTART, DTEND, SUMMARY, RRULE and EXDATE are looked at.
//   - An event missing UID, start or end is dropped; the rest of the feed is
//     still decoded.
//
// Decoding is best-effort and never returns an error: a read failure simply
// ends the sequence.
func Decode(r io.Reader, room string) iter.Seq[model.BookingEvent] {
	return func(yield func(model.BookingEvent) bool) {
		stream := ical.NewCalendarStream(r)

		var (
			cur     *model.BookingEvent
			nested  int // depth of sub-components (VALARM, ...) inside the current VEVENT
			dropped int
		)

		for {
			line, err := stream.ReadLine()
			if line != nil {
				s := strings.TrimSpace(string(*line))
				switch {
				case strings.EqualFold(s, "BEGIN:VEVENT"):
					if cur != nil {
						// Unterminated event; discard it.
						dropped++
					}
					cur = &model.BookingEvent{Room: room}
					nested = 0
				case strings.EqualFold(s, "END:VEVENT"):
					if cur != nil {
						if complete(cur) {
							if !yield(*cur) {
								return
							}
						} else {
							dropped++
						}
					}
					cur = nil
				case cur != nil && hasPrefixFold(s, "BEGIN:"):
					nested++
				case cur != nil && hasPrefixFold(s, "END:"):
					if nested > 0 {
						nested--
					}
				case cur != nil && nested == 0:
					applyProperty(cur, s)
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					appLog.Error("ics decode read failed", err, "room", room)
				}
				break
			}
		}

		if dropped > 0 {
			appLog.Debug("ics decode dropped malformed events", "room", room, "count", dropped)
		}
	}
}

// DecodeString is Decode over an in-memory feed.
func DecodeString(text, room string) iter.Seq[model.BookingEvent] {
	return Decode(strings.NewReader(text), room)
}

// DecodeAll collects every event of the feed.
func DecodeAll(r io.Reader, room string) []model.BookingEvent {
	var out []model.BookingEvent
	for ev := range Decode(r, room) {
		out = append(out, ev)
	}
	return out
}

func complete(ev *model.BookingEvent) bool {
	return ev.UID != "" && ev.Start != "" && ev.End != ""
}

func applyProperty(ev *model.BookingEvent, line string) {
	switch propertyName(line) {
	case string(ical.PropertyUid):
		ev.UID = textValue(line)
	case string(ical.PropertyDtstart):
		ev.Start = dateValue(line)
	case string(ical.PropertyDtend):
		ev.End = dateValue(line)
	case string(ical.PropertySummary):
		ev.Summary = textValue(line)
	case string(ical.PropertyRrule):
		ev.RRule = rawValue(line)
	case string(ical.PropertyExdate):
		for part := range strings.SplitSeq(lastValue(line), ",") {
			if d := formatICSDate(part); d != "" {
				ev.ExDates = append(ev.ExDates, d)
			}
		}
	}
}

// propertyName returns the upper-cased name before any parameters or value.
func propertyName(line string) string {
	end := strings.IndexAny(line, ";:")
	if end < 0 {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(line[:end]))
}

// rawValue is the text after the first unparameterised colon.
func rawValue(line string) string {
	if p, err := ical.ParseProperty(ical.ContentLine(line)); err == nil && p != nil {
		return strings.TrimSpace(p.Value)
	}
	if i := strings.IndexByte(line, ':'); i >= 0 {
		return strings.TrimSpace(line[i+1:])
	}
	return ""
}

// textValue is rawValue with TEXT escapes (\, \; \\ \n) resolved. The
// library already unescapes TEXT properties; the fallback path does it here.
func textValue(line string) string {
	if p, err := ical.ParseProperty(ical.ContentLine(line)); err == nil && p != nil {
		return strings.TrimSpace(p.Value)
	}
	if i := strings.IndexByte(line, ':'); i >= 0 {
		return strings.TrimSpace(ical.FromText(line[i+1:]))
	}
	return ""
}

// lastValue is the text after the final colon, which is where date values
// live even when parameters (TZID="...:...") contain colons themselves.
func lastValue(line string) string {
	i := strings.LastIndexByte(line, ':')
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(line[i+1:])
}

func dateValue(line string) string {
	return formatICSDate(lastValue(line))
}

// formatICSDate turns 20240315 or 20240315T140000Z into 2024-03-15.
// Anything that is not an 8-digit calendar date yields "".
func formatICSDate(v string) string {
	v = strings.TrimSpace(v)
	if i := strings.IndexByte(v, 'T'); i >= 0 {
		v = v[:i]
	}
	if len(v) < 8 {
		return ""
	}
	t, err := time.Parse("20060102", v[:8])
	if err != nil {
		return ""
	}
	return model.FormatDate(t)
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
