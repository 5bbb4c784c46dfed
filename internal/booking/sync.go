package booking

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"kiotbook/internal/ics"
	appLog "kiotbook/internal/log"
	"kiotbook/internal/model"
)

const (
	defaultFetchTimeout = 15 * time.Second
	defaultConcurrency  = 4
	defaultHorizonDays  = 365
	defaultPlatform     = "Booking.com"

	externalIDPrefix = "auto-"
)

// DefaultSummaryPrefixes are stripped from imported summaries to get the
// guest label.
var DefaultSummaryPrefixes = []string{"Booked - "}

// FeedFetcher returns raw calendar text for a feed URL.
type FeedFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// SyncOptions tunes a Reconciler. Zero values fall back to defaults.
type SyncOptions struct {
	// FetchTimeout bounds each feed fetch; expiry counts as a failed room.
	FetchTimeout time.Duration
	// Concurrency caps parallel fetches.
	Concurrency int
	// Prune reports imported reservations that vanished from their feed
	// as Stale. When false, sync only ever adds.
	Prune bool
	// HorizonDays bounds recurring-event expansion.
	HorizonDays int
	// SummaryPrefixes are stripped (first match) from event summaries.
	SummaryPrefixes []string
	// Platform labels imported descriptions.
	Platform string

	Now      func() time.Time
	Location *time.Location
}

func (o SyncOptions) withDefaults() SyncOptions {
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = defaultFetchTimeout
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	if o.HorizonDays <= 0 {
		o.HorizonDays = defaultHorizonDays
	}
	if o.SummaryPrefixes == nil {
		o.SummaryPrefixes = DefaultSummaryPrefixes
	}
	if o.Platform == "" {
		o.Platform = defaultPlatform
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	return o
}

// Reconciler merges external feeds into a reservation snapshot.
type Reconciler struct {
	fetcher FeedFetcher
	opts    SyncOptions
}

func NewReconciler(fetcher FeedFetcher, opts SyncOptions) *Reconciler {
	return &Reconciler{
		fetcher: fetcher,
		opts:    opts.withDefaults(),
	}
}

// SyncResult is the increment computed by one Sync call.
type SyncResult struct {
	// Added holds reservations not present in the snapshot.
	Added []model.Reservation
	// Stale holds imported reservations missing from a successfully
	// fetched feed. Only filled when pruning is enabled.
	Stale []model.Reservation
	// Synced lists rooms whose feed was fetched and decoded.
	Synced []string
	// Failed maps rooms to the reason their feed was skipped.
	Failed map[string]error
}

type Outcome string

const (
	OutcomeImported   Outcome = "imported"
	OutcomeNothingNew Outcome = "nothing_new"
	OutcomeFailed     Outcome = "failed"
)

// Outcome summarizes the result the way operators see it.
func (r *SyncResult) Outcome() Outcome {
	switch {
	case len(r.Synced) == 0 && len(r.Failed) > 0:
		return OutcomeFailed
	case len(r.Added) == 0 && len(r.Stale) == 0:
		return OutcomeNothingNew
	default:
		return OutcomeImported
	}
}

type roomFeed struct {
	room   string
	events []model.BookingEvent
	err    error
}

// Sync fetches every configured feed and returns the reservations that are
// new relative to current. current is treated as read-only.
//
// Identity is the event UID: an event whose UID already appears as an
// ExternalID is skipped, so running Sync again with the same feeds adds
// nothing. A failing feed only skips its room. When every configured feed
// fails the result is still returned together with ErrSyncFailed.
func (r *Reconciler) Sync(ctx context.Context, current []model.Reservation, catalog model.RoomCatalog) (*SyncResult, error) {
	result := &SyncResult{Failed: map[string]error{}}

	rooms := make([]string, 0)
	for _, id := range catalog.RoomIDs() {
		if strings.TrimSpace(catalog.Rooms[id].ICalURL) != "" {
			rooms = append(rooms, id)
		}
	}
	if len(rooms) == 0 {
		return result, nil
	}

	feeds := r.pullAll(ctx, rooms, catalog)

	known := make(map[string]bool, len(current))
	for _, res := range current {
		if res.ExternalID != "" {
			known[res.ExternalID] = true
		}
	}

	now := r.opts.Now()
	seen := make(map[string]map[string]bool, len(feeds))
	var errs []error

	for _, feed := range feeds {
		if feed.err != nil {
			result.Failed[feed.room] = feed.err
			errs = append(errs, fmt.Errorf("room %s: %w", feed.room, feed.err))
			appLog.Error("sync: feed skipped", feed.err, "room", feed.room)
			continue
		}
		result.Synced = append(result.Synced, feed.room)

		seen[feed.room] = make(map[string]bool, len(feed.events))
		for _, ev := range feed.events {
			seen[feed.room][ev.UID] = true
			if known[ev.UID] {
				continue
			}
			res, ok := r.fromEvent(ev, catalog, now)
			if !ok {
				appLog.Debug("sync: event has no valid stay", "room", ev.Room, "uid", ev.UID, "start", ev.Start, "end", ev.End)
				continue
			}
			known[ev.UID] = true
			result.Added = append(result.Added, res)
		}
	}

	if r.opts.Prune {
		result.Stale = r.stale(current, seen, now)
	}

	slices.SortFunc(result.Added, func(a, b model.Reservation) int {
		return cmp.Or(
			cmp.Compare(a.Room, b.Room),
			cmp.Compare(a.CheckIn, b.CheckIn),
			cmp.Compare(a.ID, b.ID),
		)
	})

	appLog.Info("sync completed",
		"rooms", len(rooms),
		"synced", len(result.Synced),
		"failed", len(result.Failed),
		"added", len(result.Added),
		"stale", len(result.Stale),
	)

	if len(result.Synced) == 0 {
		return result, fmt.Errorf("%w: %w", ErrSyncFailed, errors.Join(errs...))
	}
	return result, nil
}

// pullAll fetches and decodes every room in parallel. Each goroutine only
// writes its own slot.
func (r *Reconciler) pullAll(ctx context.Context, rooms []string, catalog model.RoomCatalog) []roomFeed {
	feeds := make([]roomFeed, len(rooms))

	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for i, room := range rooms {
		g.Go(func() error {
			feeds[i] = r.pull(ctx, room, catalog.Rooms[room].ICalURL)
			return nil
		})
	}
	_ = g.Wait()

	return feeds
}

func (r *Reconciler) pull(ctx context.Context, room, url string) roomFeed {
	fctx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()

	body, err := r.fetcher.Fetch(fctx, url)
	if err != nil {
		return roomFeed{room: room, err: err}
	}

	today := model.Midnight(r.opts.Now().In(r.opts.Location))
	until := today.AddDate(0, 0, r.opts.HorizonDays)

	events := make([]model.BookingEvent, 0)
	for ev := range ics.Decode(bytes.NewReader(body), room) {
		if ev.RRule == "" {
			events = append(events, ev)
			continue
		}
		occ, err := ics.ExpandRecurring(ev, today, until)
		if err != nil {
			appLog.Error("sync: recurring event skipped", err, "room", room, "uid", ev.UID)
			continue
		}
		events = append(events, occ...)
	}
	return roomFeed{room: room, events: events}
}

// fromEvent synthesizes an imported reservation:
// nights = max(1, round(days)), amount = nights × room rate.
func (r *Reconciler) fromEvent(ev model.BookingEvent, catalog model.RoomCatalog, now time.Time) (model.Reservation, bool) {
	res := model.Reservation{
		ID:         ExternalReservationID(ev.UID),
		ExternalID: ev.UID,
		Source:     model.SourceExternal,
		Category:   model.CategoryHomestay,
		Room:       ev.Room,
		CheckIn:    ev.Start,
		CheckOut:   ev.End,
		GuestName:  r.guestName(ev.Summary),
		Paid:       true,
		CreatedAt:  now.UTC(),
	}
	start, end, ok := res.Stay()
	if !ok || !end.After(start) {
		return model.Reservation{}, false
	}

	res.Nights = model.NightsRound(start, end)
	res.Amount = int64(res.Nights) * catalog.Rate(ev.Room)
	res.Description = fmt.Sprintf("[%s] Room %s (%s - %s)", r.opts.Platform, ev.Room, ev.Start, ev.End)
	return res, true
}

func (r *Reconciler) guestName(summary string) string {
	summary = strings.TrimSpace(summary)
	for _, p := range r.opts.SummaryPrefixes {
		if p != "" && strings.HasPrefix(summary, p) {
			return strings.TrimSpace(strings.TrimPrefix(summary, p))
		}
	}
	return summary
}

// stale lists imported reservations of successfully synced rooms whose UID
// is gone from the feed. Stays checking out today or earlier are kept:
// platforms drop past bookings from their exports and history must survive
// that.
func (r *Reconciler) stale(current []model.Reservation, seen map[string]map[string]bool, now time.Time) []model.Reservation {
	today := model.Midnight(now.In(r.opts.Location))

	var out []model.Reservation
	for _, res := range current {
		if res.Source != model.SourceExternal || res.ExternalID == "" {
			continue
		}
		uids, synced := seen[res.Room]
		if !synced || uids[res.ExternalID] {
			continue
		}
		if _, end, ok := res.Stay(); ok && !end.After(today) {
			continue
		}
		out = append(out, res)
	}
	return out
}

// ExternalReservationID derives the store ID of an imported reservation.
// It depends only on the UID so re-imports collide instead of duplicating.
func ExternalReservationID(uid string) string {
	return externalIDPrefix + uid
}
