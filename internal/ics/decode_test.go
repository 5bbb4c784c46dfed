package ics

import (
	"strings"
	"testing"
)

func feed(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

func TestDecodeDateFormats(t *testing.T) {
	text := feed(
		"BEGIN:VCALENDAR",
		"BEGIN:VEVENT",
		"UID:a@booking.com",
		"DTSTART;VALUE=DATE:20240315",
		"DTEND:20240317T110000Z",
		"SUMMARY:Booked - Alice",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:b@booking.com",
		"DTSTART:20240315T140000Z",
		`DTEND;TZID="Asia/Ho_Chi_Minh":20240316T120000`,
		"END:VEVENT",
		"END:VCALENDAR",
	)

	events := DecodeAll(strings.NewReader(text), "101")
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}

	tests := []struct {
		uid, start, end, summary string
	}{
		{"a@booking.com", "2024-03-15", "2024-03-17", "Booked - Alice"},
		{"b@booking.com", "2024-03-15", "2024-03-16", ""},
	}
	for i, tt := range tests {
		ev := events[i]
		if ev.UID != tt.uid {
			t.Errorf("events[%d].UID = %q, want %q", i, ev.UID, tt.uid)
		}
		if ev.Start != tt.start {
			t.Errorf("events[%d].Start = %q, want %q", i, ev.Start, tt.start)
		}
		if ev.End != tt.end {
			t.Errorf("events[%d].End = %q, want %q", i, ev.End, tt.end)
		}
		if ev.Summary != tt.summary {
			t.Errorf("events[%d].Summary = %q, want %q", i, ev.Summary, tt.summary)
		}
		if ev.Room != "101" {
			t.Errorf("events[%d].Room = %q, want 101", i, ev.Room)
		}
	}
}

func TestDecodeSkipsMalformedEvent(t *testing.T) {
	text := feed(
		"BEGIN:VCALENDAR",
		"BEGIN:VEVENT",
		"UID:good",
		"DTSTART;VALUE=DATE:20240401",
		"DTEND;VALUE=DATE:20240403",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:no-end",
		"DTSTART;VALUE=DATE:20240405",
		"END:VEVENT",
		"END:VCALENDAR",
	)

	events := DecodeAll(strings.NewReader(text), "202")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].UID != "good" {
		t.Errorf("UID = %q, want good", events[0].UID)
	}
}

func TestDecodeDropsIncompleteAndGarbage(t *testing.T) {
	text := feed(
		"BEGIN:VEVENT",
		"DTSTART;VALUE=DATE:20240401",
		"DTEND;VALUE=DATE:20240403",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:bad-date",
		"DTSTART;VALUE=DATE:2024-04",
		"DTEND;VALUE=DATE:20240403",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:unterminated",
		"DTSTART;VALUE=DATE:20240401",
		"BEGIN:VEVENT",
		"UID:after",
		"DTSTART;VALUE=DATE:20240410",
		"DTEND;VALUE=DATE:20240412",
		"END:VEVENT",
	)

	events := DecodeAll(strings.NewReader(text), "101")
	if len(events) != 1 || events[0].UID != "after" {
		t.Fatalf("got %+v, want only event 'after'", events)
	}
}

func TestDecodeUnfoldsLines(t *testing.T) {
	text := "BEGIN:VEVENT\r\n" +
		"UID:very-long-\r\n identifier\r\n" +
		"DTSTART;VALUE=DATE:20240501\r\n" +
		"DTEND;VALUE=DATE:20240502\r\n" +
		"SUMMARY:Booked - Nguyễn\n\tVăn A\r\n" +
		"END:VEVENT\r\n"

	events := DecodeAll(strings.NewReader(text), "101")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].UID != "very-long-identifier" {
		t.Errorf("UID = %q, want very-long-identifier", events[0].UID)
	}
	if events[0].Summary != "Booked - NguyễnVăn A" {
		t.Errorf("Summary = %q, want %q", events[0].Summary, "Booked - NguyễnVăn A")
	}
}

func TestDecodeToleratesWhitespaceAndCase(t *testing.T) {
	text := "begin:vevent  \n" +
		"UID:  spaced  \n" +
		"dtstart;value=date:20240601\n" +
		"DTEND;VALUE=DATE:20240603   \n" +
		"\n" +
		"END:VEVENT\n"

	events := DecodeAll(strings.NewReader(text), "101")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.UID != "spaced" || ev.Start != "2024-06-01" || ev.End != "2024-06-03" {
		t.Errorf("got %+v", ev)
	}
}

func TestDecodeIgnoresNestedComponents(t *testing.T) {
	text := feed(
		"BEGIN:VEVENT",
		"UID:with-alarm",
		"DTSTART;VALUE=DATE:20240701",
		"DTEND;VALUE=DATE:20240702",
		"SUMMARY:Outer",
		"BEGIN:VALARM",
		"SUMMARY:Inner",
		"END:VALARM",
		"END:VEVENT",
	)

	events := DecodeAll(strings.NewReader(text), "101")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Summary != "Outer" {
		t.Errorf("Summary = %q, want Outer", events[0].Summary)
	}
}

func TestDecodeRecurrenceFields(t *testing.T) {
	text := feed(
		"BEGIN:VEVENT",
		"UID:weekly",
		"DTSTART;VALUE=DATE:20240701",
		"DTEND;VALUE=DATE:20240702",
		"RRULE:FREQ=WEEKLY;COUNT=4",
		"EXDATE;VALUE=DATE:20240708,20240715",
		"END:VEVENT",
	)

	events := DecodeAll(strings.NewReader(text), "101")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].RRule != "FREQ=WEEKLY;COUNT=4" {
		t.Errorf("RRule = %q", events[0].RRule)
	}
	if len(events[0].ExDates) != 2 || events[0].ExDates[1] != "2024-07-15" {
		t.Errorf("ExDates = %v", events[0].ExDates)
	}
}

func TestDecodeIsLazy(t *testing.T) {
	text := feed(
		"BEGIN:VEVENT", "UID:1", "DTSTART:20240101", "DTEND:20240102", "END:VEVENT",
		"BEGIN:VEVENT", "UID:2", "DTSTART:20240103", "DTEND:20240104", "END:VEVENT",
	)

	var seen []string
	for ev := range DecodeString(text, "101") {
		seen = append(seen, ev.UID)
		break
	}
	if len(seen) != 1 || seen[0] != "1" {
		t.Errorf("seen = %v, want [1]", seen)
	}
}

func TestDecodeUnescapesText(t *testing.T) {
	text := feed(
		"BEGIN:VEVENT",
		`UID:x`,
		"DTSTART:20240101",
		"DTEND:20240102",
		`SUMMARY:Booked - Tran\, Minh\; family`,
		"END:VEVENT",
	)
	events := DecodeAll(strings.NewReader(text), "101")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if want := "Booked - Tran, Minh; family"; events[0].Summary != want {
		t.Errorf("Summary = %q, want %q", events[0].Summary, want)
	}
}
