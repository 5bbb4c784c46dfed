package app

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"kiotbook/internal/booking"
	"kiotbook/internal/database"
	"kiotbook/internal/model"
	"kiotbook/internal/store"
)

var fixedNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type stubFetcher struct {
	mu    sync.Mutex
	feeds map[string]string
	err   error
}

func (f *stubFetcher) set(url, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds[url] = body
}

func (f *stubFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.feeds[url]), nil
}

func feedWith(events ...string) string {
	return "BEGIN:VCALENDAR\r\nVERSION:2.0\r\n" + strings.Join(events, "") + "END:VCALENDAR\r\n"
}

func event(uid, start, end string) string {
	return "BEGIN:VEVENT\r\nUID:" + uid + "\r\nDTSTART;VALUE=DATE:" + start +
		"\r\nDTEND;VALUE=DATE:" + end + "\r\nSUMMARY:Booked - Guest " + uid + "\r\nEND:VEVENT\r\n"
}

func testCatalog() model.RoomCatalog {
	return model.RoomCatalog{
		Rooms: map[string]model.RoomConfig{
			"101":       {ICalURL: "https://feeds.test/101", Price: 600000},
			"201":       {Price: 350000},
			"202":       {ICalURL: "https://feeds.test/202", Price: 350000},
			"203":       {Price: 300000},
			"List Tổng": {Price: 900000},
		},
		Groups:      map[string][]string{"List Tổng": {"201", "202", "203"}},
		DefaultRate: 350000,
	}
}

func setupService(t *testing.T, fetcher *stubFetcher, prune bool) (*Service, *store.ReservationStore) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	rs := store.NewReservationStore(db)
	now := func() time.Time { return fixedNow }
	rec := booking.NewReconciler(fetcher, booking.SyncOptions{Prune: prune, Now: now, Location: time.UTC})

	n := 0
	svc := NewService(rs, rec, Options{
		Catalog:  testCatalog(),
		Location: time.UTC,
		Now:      now,
		NewID: func() string {
			n++
			return "m-" + string(rune('0'+n))
		},
	})
	return svc, rs
}

func TestSyncNowImportsOnce(t *testing.T) {
	f := &stubFetcher{feeds: map[string]string{
		"https://feeds.test/101": feedWith(event("a", "20240305", "20240307")),
		"https://feeds.test/202": feedWith(event("b", "20240310", "20240311")),
	}}
	svc, rs := setupService(t, f, false)
	ctx := context.Background()

	sum, err := svc.SyncNow(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if sum.Imported != 2 || sum.RoomsSynced != 2 || sum.Outcome != booking.OutcomeImported {
		t.Errorf("summary = %+v", sum)
	}

	sum, err = svc.SyncNow(ctx)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if sum.Imported != 0 || sum.Outcome != booking.OutcomeNothingNew {
		t.Errorf("second summary = %+v", sum)
	}

	all, _ := rs.List(ctx)
	if len(all) != 2 {
		t.Errorf("stored %d reservations, want 2", len(all))
	}
	if last := svc.LastSync(); last == nil || last.Outcome != booking.OutcomeNothingNew {
		t.Errorf("last sync = %+v", last)
	}
}

func TestSyncNowAllFeedsFailed(t *testing.T) {
	f := &stubFetcher{feeds: map[string]string{}, err: errors.New("offline")}
	svc, _ := setupService(t, f, false)

	sum, err := svc.SyncNow(context.Background())
	if !errors.Is(err, booking.ErrSyncFailed) {
		t.Fatalf("err = %v, want ErrSyncFailed", err)
	}
	if sum.Outcome != booking.OutcomeFailed || sum.RoomsFailed != 2 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Failed["101"] != "offline" {
		t.Errorf("failed = %v", sum.Failed)
	}
}

func TestSyncNowPrunesMissing(t *testing.T) {
	f := &stubFetcher{feeds: map[string]string{
		"https://feeds.test/101": feedWith(event("a", "20240305", "20240307"), event("b", "20240310", "20240312")),
		"https://feeds.test/202": feedWith(),
	}}
	svc, rs := setupService(t, f, true)
	ctx := context.Background()

	if _, err := svc.SyncNow(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Guest "b" cancelled on the platform.
	f.set("https://feeds.test/101", feedWith(event("a", "20240305", "20240307")))
	sum, err := svc.SyncNow(ctx)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if sum.Removed != 1 || sum.Outcome != booking.OutcomeImported {
		t.Errorf("summary = %+v", sum)
	}
	if _, err := rs.Get(ctx, "auto-b"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("auto-b still stored: %v", err)
	}
}

func TestCreateReservationConflict(t *testing.T) {
	svc, rs := setupService(t, &stubFetcher{feeds: map[string]string{}}, false)
	ctx := context.Background()

	first, conflict, err := svc.CreateReservation(ctx, booking.ManualInput{
		Candidate: booking.Candidate{Room: "202", CheckIn: "2024-04-01", CheckOut: "2024-04-03"},
		GuestName: "Lan",
	}, false)
	if err != nil || conflict != nil {
		t.Fatalf("create first: %v (conflict %+v)", err, conflict)
	}
	if first.Amount != 700000 || first.Nights != 2 {
		t.Errorf("nights/amount = %d/%d", first.Nights, first.Amount)
	}

	whole := booking.ManualInput{
		Candidate: booking.Candidate{Room: "List Tổng", CheckIn: "2024-04-02", CheckOut: "2024-04-04"},
	}
	got, conflict, err := svc.CreateReservation(ctx, whole, false)
	if !errors.Is(err, booking.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if got != nil || conflict == nil || conflict.ID != first.ID {
		t.Errorf("got %+v conflict %+v", got, conflict)
	}

	got, conflict, err = svc.CreateReservation(ctx, whole, true)
	if err != nil {
		t.Fatalf("forced create: %v", err)
	}
	if got == nil || conflict == nil {
		t.Errorf("forced create should store and still report the conflict")
	}

	all, _ := rs.List(ctx)
	if len(all) != 2 {
		t.Errorf("stored %d, want 2", len(all))
	}
}

func TestCreateReservationInvalid(t *testing.T) {
	svc, _ := setupService(t, &stubFetcher{feeds: map[string]string{}}, false)

	_, _, err := svc.CreateReservation(context.Background(), booking.ManualInput{
		Candidate: booking.Candidate{Room: "101", CheckIn: "2024-04-03", CheckOut: "2024-04-03"},
	}, true)
	if booking.IsValidationError(err) == nil {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestExportICS(t *testing.T) {
	f := &stubFetcher{feeds: map[string]string{
		"https://feeds.test/101": feedWith(event("ext", "20240320", "20240322")),
		"https://feeds.test/202": feedWith(),
	}}
	svc, _ := setupService(t, f, false)
	ctx := context.Background()

	if _, err := svc.SyncNow(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, _, err := svc.CreateReservation(ctx, booking.ManualInput{
		Candidate: booking.Candidate{Room: "101", CheckIn: "2024-03-10", CheckOut: "2024-03-12"},
		GuestName: "Minh",
	}, false); err != nil {
		t.Fatalf("create: %v", err)
	}

	var buf bytes.Buffer
	if err := svc.ExportICS(ctx, "101", &buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	out := buf.String()
	if strings.Count(out, "BEGIN:VEVENT") != 1 {
		t.Errorf("want exactly the manual reservation, got:\n%s", out)
	}
	if !strings.Contains(out, "DTSTART;VALUE=DATE:20240310") || strings.Contains(out, "Guest ext") {
		t.Errorf("unexpected export:\n%s", out)
	}

	if err := svc.ExportICS(ctx, "999", &buf); !errors.Is(err, booking.ErrUnknownRoom) {
		t.Errorf("unknown room err = %v", err)
	}
}

func TestDemoICS(t *testing.T) {
	svc, _ := setupService(t, &stubFetcher{feeds: map[string]string{}}, false)

	var buf bytes.Buffer
	if err := svc.DemoICS("101", &buf); err != nil {
		t.Fatalf("demo: %v", err)
	}
	if !strings.Contains(buf.String(), "DTSTART;VALUE=DATE:20240301") {
		t.Errorf("demo feed:\n%s", buf.String())
	}
}

func TestSetPaidAndDelete(t *testing.T) {
	svc, _ := setupService(t, &stubFetcher{feeds: map[string]string{}}, false)
	ctx := context.Background()

	r, _, err := svc.CreateReservation(ctx, booking.ManualInput{
		Candidate: booking.Candidate{Room: "203", CheckIn: "2024-03-10", CheckOut: "2024-03-11"},
	}, false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	paid, err := svc.SetPaid(ctx, r.ID, true)
	if err != nil || !paid.Paid {
		t.Fatalf("set paid = %+v, %v", paid, err)
	}

	if err := svc.DeleteReservation(ctx, r.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.DeleteReservation(ctx, r.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}
