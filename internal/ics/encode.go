package ics

import (
	"io"
	"strings"
	"time"
	"unicode/utf8"

	ical "github.com/arran4/golang-ical"

	"kiotbook/internal/model"
)

const (
	crlf = "\r\n"

	// maxLineOctets is the RFC 5545 content line limit, excluding CRLF.
	maxLineOctets = 75

	DefaultProdID         = "-//Kiotbook//Booking Calendar//EN"
	DefaultUIDDomain      = "kiotbook.app"
	DefaultSummary        = "Guest"
	exportSummaryPrefix   = "Booked: "
	icsDateLayout         = "20060102"
	icsTimestampUTCLayout = "20060102T150405Z"
)

// EncodeOptions controls the outbound calendar envelope.
type EncodeOptions struct {
	ProdID         string
	UIDDomain      string
	DefaultSummary string
	// Now returns the DTSTAMP time. If nil, time.Now is used.
	Now func() time.Time
}

func (o EncodeOptions) withDefaults() EncodeOptions {
	if o.ProdID == "" {
		o.ProdID = DefaultProdID
	}
	if o.UIDDomain == "" {
		o.UIDDomain = DefaultUIDDomain
	}
	if o.DefaultSummary == "" {
		o.DefaultSummary = DefaultSummary
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Encode writes an RFC 5545 calendar for room containing one VEVENT per
// manually created homestay reservation of that room. An empty category
// counts as homestay. Imported reservations are never published back, so
// an export/import loop cannot form.
func Encode(w io.Writer, reservations []model.Reservation, room string, opts EncodeOptions) error {
	opts = opts.withDefaults()
	stamp := opts.Now().UTC().Truncate(time.Second).Format(icsTimestampUTCLayout)

	cw := &calWriter{w: w}
	cw.begin(room, opts)
	for _, r := range reservations {
		if r.Source != model.SourceManual || r.Room != room {
			continue
		}
		if r.Category != "" && r.Category != model.CategoryHomestay {
			continue
		}
		start, end, ok := r.Stay()
		if !ok {
			continue
		}
		guest := r.GuestName
		if guest == "" {
			guest = opts.DefaultSummary
		}
		cw.event(busyEvent{
			uid:     r.ID + "@" + opts.UIDDomain,
			stamp:   stamp,
			start:   start,
			end:     end,
			summary: exportSummaryPrefix + guest,
		})
	}
	cw.end()
	return cw.err
}

// EncodeString is Encode into a string.
func EncodeString(reservations []model.Reservation, room string, opts EncodeOptions) (string, error) {
	var b strings.Builder
	if err := Encode(&b, reservations, room, opts); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Placeholder writes a demo feed that marks room busy for two days from today.
func Placeholder(w io.Writer, room string, today time.Time, opts EncodeOptions) error {
	opts = opts.withDefaults()
	start := model.Midnight(today)

	cw := &calWriter{w: w}
	cw.begin(room, opts)
	cw.event(busyEvent{
		uid:     room + "-" + start.Format(icsDateLayout) + "@" + opts.UIDDomain,
		stamp:   opts.Now().UTC().Truncate(time.Second).Format(icsTimestampUTCLayout),
		start:   start,
		end:     start.AddDate(0, 0, 2),
		summary: "BOOKED ROOM " + room,
	})
	cw.end()
	return cw.err
}

type busyEvent struct {
	uid        string
	stamp      string
	start, end time.Time
	summary    string
}

// calWriter writes content lines and keeps the first write error.
type calWriter struct {
	w   io.Writer
	err error
}

func (cw *calWriter) begin(room string, opts EncodeOptions) {
	cw.line("BEGIN:VCALENDAR")
	cw.prop(ical.PropertyVersion, "2.0")
	cw.prop(ical.PropertyProductId, opts.ProdID)
	cw.prop(ical.PropertyCalscale, "GREGORIAN")
	cw.prop(ical.PropertyMethod, string(ical.MethodPublish))
	cw.prop(ical.PropertyXWRCalName, escapeText("Room "+room))
}

func (cw *calWriter) event(ev busyEvent) {
	cw.line("BEGIN:" + string(ical.ComponentVEvent))
	cw.prop(ical.PropertyUid, escapeText(ev.uid))
	cw.prop(ical.PropertyDtstamp, ev.stamp)
	cw.line(string(ical.PropertyDtstart) + ";VALUE=DATE:" + ev.start.Format(icsDateLayout))
	cw.line(string(ical.PropertyDtend) + ";VALUE=DATE:" + ev.end.Format(icsDateLayout))
	cw.prop(ical.PropertySummary, escapeText(ev.summary))
	cw.prop(ical.PropertyStatus, string(ical.ObjectStatusConfirmed))
	// OPAQUE marks the range busy so the consuming platform blocks it.
	cw.prop(ical.PropertyTransp, string(ical.TransparencyOpaque))
	cw.line("END:" + string(ical.ComponentVEvent))
}

// escapeText escapes a TEXT value. Bare carriage returns are dropped so they
// cannot break the CRLF line structure.
func escapeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "")
	return ical.ToText(s)
}

func (cw *calWriter) end() {
	cw.line("END:VCALENDAR")
}

func (cw *calWriter) prop(name ical.Property, value string) {
	cw.line(string(name) + ":" + value)
}

func (cw *calWriter) line(s string) {
	if cw.err != nil {
		return
	}
	_, cw.err = io.WriteString(cw.w, FoldLine(s)+crlf)
}

// FoldLine splits a content line so that no physical line exceeds 75 octets.
// Continuation lines start with a single space. Cuts never fall inside a
// valid UTF-8 sequence; runs of invalid bytes are split at the octet limit.
// The returned text has no trailing CRLF.
func FoldLine(line string) string {
	if len(line) <= maxLineOctets {
		return line
	}
	var b strings.Builder
	limit := maxLineOctets
	for len(line) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		if cut == 0 {
			cut = limit
		}
		b.WriteString(line[:cut])
		b.WriteString(crlf + " ")
		line = line[cut:]
		// The leading space counts toward the continuation line's length.
		limit = maxLineOctets - 1
	}
	b.WriteString(line)
	return b.String()
}
