package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"kiotbook/internal/booking"
	"kiotbook/internal/ics"
	appLog "kiotbook/internal/log"
	"kiotbook/internal/model"
)

// ReservationStore is the persistence the service needs.
type ReservationStore interface {
	List(ctx context.Context) ([]model.Reservation, error)
	ListByRoom(ctx context.Context, room string) ([]model.Reservation, error)
	Get(ctx context.Context, id string) (*model.Reservation, error)
	Create(ctx context.Context, r model.Reservation) error
	Append(ctx context.Context, rs []model.Reservation) (int, error)
	Delete(ctx context.Context, id string) error
	DeleteMany(ctx context.Context, ids []string) (int, error)
	SetPaid(ctx context.Context, id string, paid bool) error
}

// Syncer computes the increment of one reconciliation cycle.
type Syncer interface {
	Sync(ctx context.Context, current []model.Reservation, catalog model.RoomCatalog) (*booking.SyncResult, error)
}

// Options configures a Service. Zero values fall back to defaults.
type Options struct {
	Catalog  model.RoomCatalog
	Encode   ics.EncodeOptions
	Location *time.Location
	Now      func() time.Time
	NewID    func() string
}

// Summary reports one sync run.
type Summary struct {
	Imported    int               `json:"imported"`
	Removed     int               `json:"removed"`
	RoomsSynced int               `json:"rooms_synced"`
	RoomsFailed int               `json:"rooms_failed"`
	Failed      map[string]string `json:"failed,omitempty"`
	Outcome     booking.Outcome   `json:"outcome"`
	FinishedAt  time.Time         `json:"finished_at"`
}

// Service glues the booking core to the store. Writes that read a snapshot
// first (sync, manual create) are serialized so no decision is made on a
// stale view.
type Service struct {
	store   ReservationStore
	syncer  Syncer
	catalog model.RoomCatalog
	encode  ics.EncodeOptions
	loc     *time.Location
	now     func() time.Time
	newID   func() string

	mu sync.Mutex

	lastMu   sync.RWMutex
	lastSync *Summary
}

func NewService(store ReservationStore, syncer Syncer, opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return "m-" + uuid.NewString() }
	}
	if opts.Encode.Now == nil {
		opts.Encode.Now = opts.Now
	}
	return &Service{
		store:   store,
		syncer:  syncer,
		catalog: opts.Catalog,
		encode:  opts.Encode,
		loc:     opts.Location,
		now:     opts.Now,
		newID:   opts.NewID,
	}
}

// Catalog returns the room configuration the service was built with.
func (s *Service) Catalog() model.RoomCatalog {
	return s.catalog
}

// SyncNow runs one reconciliation cycle and persists its increment. Stale
// imported reservations are removed only when the syncer reports them.
func (s *Service) SyncNow(ctx context.Context) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.store.List(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("load reservations: %w", err)
	}

	res, syncErr := s.syncer.Sync(ctx, current, s.catalog)
	if res == nil {
		if syncErr == nil {
			syncErr = errors.New("sync returned no result")
		}
		return Summary{}, syncErr
	}

	sum := Summary{
		RoomsSynced: len(res.Synced),
		RoomsFailed: len(res.Failed),
		Outcome:     res.Outcome(),
	}
	if len(res.Failed) > 0 {
		sum.Failed = make(map[string]string, len(res.Failed))
		for room, err := range res.Failed {
			sum.Failed[room] = err.Error()
		}
	}

	if syncErr == nil {
		if sum.Imported, err = s.store.Append(ctx, res.Added); err != nil {
			return sum, fmt.Errorf("append imported reservations: %w", err)
		}
		if len(res.Stale) > 0 {
			ids := make([]string, 0, len(res.Stale))
			for _, r := range res.Stale {
				ids = append(ids, r.ID)
			}
			if sum.Removed, err = s.store.DeleteMany(ctx, ids); err != nil {
				return sum, fmt.Errorf("remove stale reservations: %w", err)
			}
			appLog.Info("sync removed stale reservations", "count", sum.Removed)
		}
		if sum.Imported == 0 && sum.Removed == 0 {
			sum.Outcome = booking.OutcomeNothingNew
		}
	}

	sum.FinishedAt = s.now().UTC()
	s.lastMu.Lock()
	last := sum
	s.lastSync = &last
	s.lastMu.Unlock()

	return sum, syncErr
}

// LastSync returns the summary of the most recent sync, or nil.
func (s *Service) LastSync() *Summary {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	if s.lastSync == nil {
		return nil
	}
	sum := *s.lastSync
	return &sum
}

// CreateReservation validates in, checks it for conflicts and stores it.
// A conflict blocks creation with booking.ErrConflict unless force is set;
// the conflicting reservation is returned either way.
func (s *Service) CreateReservation(ctx context.Context, in booking.ManualInput, force bool) (*model.Reservation, *model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := booking.NewManual(in, s.catalog, s.now(), s.newID)
	if err != nil {
		return nil, nil, err
	}

	current, err := s.store.List(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load reservations: %w", err)
	}
	conflict, err := booking.FindConflict(in.Candidate, current, s.catalog.Groups)
	if err != nil {
		return nil, nil, err
	}
	if conflict != nil && !force {
		return nil, conflict, booking.ErrConflict
	}

	if err := s.store.Create(ctx, r); err != nil {
		return nil, conflict, err
	}
	if conflict != nil {
		appLog.Warn("reservation created over a conflict", "id", r.ID, "room", r.Room, "conflict_id", conflict.ID)
	} else {
		appLog.Info("reservation created", "id", r.ID, "room", r.Room, "check_in", r.CheckIn, "check_out", r.CheckOut)
	}
	return &r, conflict, nil
}

// CheckConflict is the advisory check used before submitting a form.
func (s *Service) CheckConflict(ctx context.Context, c booking.Candidate) (*model.Reservation, error) {
	current, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load reservations: %w", err)
	}
	return booking.FindConflict(c, current, s.catalog.Groups)
}

// ListReservations returns every reservation, or only room's when room is set.
func (s *Service) ListReservations(ctx context.Context, room string) ([]model.Reservation, error) {
	if room == "" {
		return s.store.List(ctx)
	}
	return s.store.ListByRoom(ctx, room)
}

func (s *Service) DeleteReservation(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	appLog.Info("reservation deleted", "id", id)
	return nil
}

func (s *Service) SetPaid(ctx context.Context, id string, paid bool) (*model.Reservation, error) {
	if err := s.store.SetPaid(ctx, id, paid); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// ExportICS writes the outbound feed of room's manual reservations.
func (s *Service) ExportICS(ctx context.Context, room string, w io.Writer) error {
	if !s.catalog.Known(room) {
		return fmt.Errorf("%w: %s", booking.ErrUnknownRoom, room)
	}
	rs, err := s.store.ListByRoom(ctx, room)
	if err != nil {
		return fmt.Errorf("load reservations: %w", err)
	}
	return ics.Encode(w, rs, room, s.encode)
}

// DemoICS writes a placeholder feed marking room busy from today.
func (s *Service) DemoICS(room string, w io.Writer) error {
	if !s.catalog.Known(room) {
		return fmt.Errorf("%w: %s", booking.ErrUnknownRoom, room)
	}
	return ics.Placeholder(w, room, s.now().In(s.loc), s.encode)
}
