package ics

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"kiotbook/internal/model"
)

var fixedNow = func() time.Time {
	return time.Date(2024, 3, 1, 8, 30, 15, 500, time.FixedZone("ICT", 7*3600))
}

func testOpts() EncodeOptions {
	return EncodeOptions{
		ProdID:    "-//Test//Booking//EN",
		UIDDomain: "example.test",
		Now:       fixedNow,
	}
}

func TestEncodeEnvelope(t *testing.T) {
	out, err := EncodeString(nil, "101", testOpts())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	want := "BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//Test//Booking//EN\r\n" +
		"CALSCALE:GREGORIAN\r\n" +
		"METHOD:PUBLISH\r\n" +
		"X-WR-CALNAME:Room 101\r\n" +
		"END:VCALENDAR\r\n"
	if out != want {
		t.Errorf("envelope mismatch\n got: %q\nwant: %q", out, want)
	}
}

func TestEncodeEvent(t *testing.T) {
	reservations := []model.Reservation{{
		ID:        "m-1",
		Source:    model.SourceManual,
		Room:      "101",
		CheckIn:   "2024-03-10",
		CheckOut:  "2024-03-12",
		GuestName: "Alice",
	}}

	out, err := EncodeString(reservations, "101", testOpts())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	for _, line := range []string{
		"BEGIN:VEVENT\r\n",
		"UID:m-1@example.test\r\n",
		"DTSTAMP:20240301T013015Z\r\n",
		"DTSTART;VALUE=DATE:20240310\r\n",
		"DTEND;VALUE=DATE:20240312\r\n",
		"SUMMARY:Booked: Alice\r\n",
		"STATUS:CONFIRMED\r\n",
		"TRANSP:OPAQUE\r\n",
		"END:VEVENT\r\n",
	} {
		if !strings.Contains(out, line) {
			t.Errorf("output missing %q\n%s", line, out)
		}
	}

	if strings.Contains(strings.ReplaceAll(out, "\r\n", ""), "\n") {
		t.Error("output contains bare LF line terminators")
	}
}

func TestEncodeDefaultSummary(t *testing.T) {
	reservations := []model.Reservation{{
		ID: "m-2", Source: model.SourceManual, Room: "101",
		CheckIn: "2024-03-10", CheckOut: "2024-03-11",
	}}
	out, err := EncodeString(reservations, "101", testOpts())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(out, "SUMMARY:Booked: Guest\r\n") {
		t.Errorf("expected default summary, got\n%s", out)
	}
}

func TestEncodeExportsOnlyManualForRoom(t *testing.T) {
	reservations := []model.Reservation{
		{ID: "m-1", Source: model.SourceManual, Room: "101", CheckIn: "2024-03-10", CheckOut: "2024-03-12"},
		{ID: "auto-x", ExternalID: "x", Source: model.SourceExternal, Room: "101", CheckIn: "2024-03-11", CheckOut: "2024-03-13"},
		{ID: "m-2", Source: model.SourceManual, Room: "202", CheckIn: "2024-03-10", CheckOut: "2024-03-12"},
		{ID: "m-3", Source: model.SourceManual, Room: "101", Category: model.CategoryLaundry},
	}

	out, err := EncodeString(reservations, "101", testOpts())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if n := strings.Count(out, "BEGIN:VEVENT"); n != 1 {
		t.Fatalf("got %d VEVENTs, want 1\n%s", n, out)
	}
	if !strings.Contains(out, "UID:m-1@example.test") {
		t.Errorf("exported event should be m-1\n%s", out)
	}
}

func TestFoldLine(t *testing.T) {
	short := strings.Repeat("a", 75)
	if got := FoldLine(short); got != short {
		t.Errorf("75-octet line should not be folded")
	}

	long := "SUMMARY:" + strings.Repeat("x", 200)
	folded := FoldLine(long)
	physical := strings.Split(folded, "\r\n")
	if len(physical) < 3 {
		t.Fatalf("expected at least 3 physical lines, got %d", len(physical))
	}
	if len(physical[0]) != 75 {
		t.Errorf("first line = %d octets, want 75", len(physical[0]))
	}
	for i, p := range physical {
		if len(p) > 75 {
			t.Errorf("line %d is %d octets", i, len(p))
		}
		if i > 0 && !strings.HasPrefix(p, " ") {
			t.Errorf("continuation line %d does not start with a space: %q", i, p)
		}
	}

	var rebuilt strings.Builder
	for i, p := range physical {
		if i > 0 {
			p = p[1:]
		}
		rebuilt.WriteString(p)
	}
	if rebuilt.String() != long {
		t.Error("unfolded text differs from input")
	}
}

func TestFoldLineKeepsRunesWhole(t *testing.T) {
	line := "SUMMARY:" + strings.Repeat("ệ", 60)
	for i, p := range strings.Split(FoldLine(line), "\r\n") {
		if !strings.HasPrefix(p, " ") && i > 0 {
			t.Errorf("continuation line %d missing space", i)
		}
		if !utf8.ValidString(p) {
			t.Errorf("line %d splits a multi-byte rune: %q", i, p)
		}
	}

	// Invalid UTF-8 has no rune boundary to back off to.
	invalid := "SUMMARY:" + strings.Repeat("\x80", 200)
	done := make(chan string, 1)
	go func() { done <- FoldLine(invalid) }()
	select {
	case folded := <-done:
		physical := strings.Split(folded, "\r\n")
		for i, p := range physical {
			if len(p) > 75 {
				t.Errorf("line %d is %d octets", i, len(p))
			}
		}
		if got := strings.ReplaceAll(folded, "\r\n ", ""); got != invalid {
			t.Error("unfolded invalid line does not match input")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("FoldLine did not return on invalid UTF-8 input")
	}
}

func TestEncodeSkipsNonHomestayCategories(t *testing.T) {
	reservations := []model.Reservation{
		{ID: "m-1", Source: model.SourceManual, Category: model.CategoryHomestay, Room: "101", CheckIn: "2024-03-10", CheckOut: "2024-03-12"},
		{ID: "m-2", Source: model.SourceManual, Category: model.CategoryBike, Room: "101", CheckIn: "2024-03-14", CheckOut: "2024-03-15"},
		{ID: "m-3", Source: model.SourceManual, Room: "101", CheckIn: "2024-03-20", CheckOut: "2024-03-21"},
	}

	out, err := EncodeString(reservations, "101", testOpts())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if strings.Contains(out, "UID:m-2@") {
		t.Errorf("bike reservation should not be exported\n%s", out)
	}
	if !strings.Contains(out, "UID:m-1@") || !strings.Contains(out, "UID:m-3@") {
		t.Errorf("homestay and uncategorized reservations should be exported\n%s", out)
	}
}

func TestEncodeDropsCarriageReturns(t *testing.T) {
	reservations := []model.Reservation{{
		ID: "m-cr", Source: model.SourceManual, Room: "101",
		CheckIn: "2024-03-10", CheckOut: "2024-03-12",
		GuestName: "Lan\rX-INJECTED:1\r\nHoa",
	}}

	out, err := EncodeString(reservations, "101", testOpts())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if strings.Contains(strings.ReplaceAll(out, "\r\n", ""), "\r") {
		t.Errorf("bare CR in output: %q", out)
	}
	if !strings.Contains(out, `SUMMARY:Booked: LanX-INJECTED:1\nHoa`) {
		t.Errorf("unexpected summary:\n%s", out)
	}
}

func TestEncodeDecodeRoundTripLongSummary(t *testing.T) {
	guest := "Nguyễn Thị Minh Khai, đoàn khách du lịch từ Hà Nội; ở ba đêm cùng gia đình và bạn bè"
	reservations := []model.Reservation{{
		ID:        "m-long",
		Source:    model.SourceManual,
		Room:      "202",
		CheckIn:   "2024-04-01",
		CheckOut:  "2024-04-04",
		GuestName: guest,
	}}

	out, err := EncodeString(reservations, "202", testOpts())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(out, "\r\n ") {
		t.Fatal("expected the SUMMARY line to be folded")
	}

	events := DecodeAll(strings.NewReader(out), "202")
	if len(events) != 1 {
		t.Fatalf("decoded %d events, want 1", len(events))
	}
	ev := events[0]
	if want := "Booked: " + guest; ev.Summary != want {
		t.Errorf("Summary = %q, want %q", ev.Summary, want)
	}
	if ev.UID != "m-long@example.test" {
		t.Errorf("UID = %q", ev.UID)
	}
	if ev.Start != "2024-04-01" || ev.End != "2024-04-04" {
		t.Errorf("dates = %s..%s", ev.Start, ev.End)
	}
}

func TestPlaceholder(t *testing.T) {
	var b strings.Builder
	today := time.Date(2024, 5, 20, 18, 0, 0, 0, time.UTC)
	if err := Placeholder(&b, "101", today, testOpts()); err != nil {
		t.Fatalf("placeholder: %v", err)
	}
	out := b.String()

	events := DecodeAll(strings.NewReader(out), "101")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Start != "2024-05-20" || events[0].End != "2024-05-22" {
		t.Errorf("dates = %s..%s, want 2024-05-20..2024-05-22", events[0].Start, events[0].End)
	}
	if events[0].UID != "101-20240520@example.test" {
		t.Errorf("UID = %q", events[0].UID)
	}
	if !strings.Contains(out, "TRANSP:OPAQUE\r\n") || !strings.Contains(out, "METHOD:PUBLISH\r\n") {
		t.Errorf("placeholder should share the export envelope\n%s", out)
	}
}
