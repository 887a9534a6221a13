package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/barcalendar/eventcore/internal/models"
)

// fixedClock returns a clock starting at t that can be advanced by tests.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) Now() time.Time { return c.t }

func (c *fixedClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(start time.Time) (*MemoryEventStore, *fixedClock) {
	clock := &fixedClock{t: start}
	store := NewMemoryEventStore()
	store.SetClock(clock.Now)
	return store, clock
}

var testStart = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

func TestMemoryEventStore_CreateAndGet(t *testing.T) {
	store, clock := newTestStore(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	created, err := store.Create(ctx, models.Event{
		ExternalID: "cms-1",
		Name:       "Bar Mixer",
		StartDate:  testStart,
		EndDate:    testStart.Add(-time.Hour),
		Status:     models.EventStatusPending,
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	t.Run("assigns id and timestamps", func(t *testing.T) {
		if created.ID == "" {
			t.Fatal("expected id to be assigned")
		}
		if !created.CreatedAt.Equal(clock.Now()) || !created.UpdatedAt.Equal(clock.Now()) {
			t.Errorf("timestamps not set from clock: %v %v", created.CreatedAt, created.UpdatedAt)
		}
	})

	t.Run("end before start defaults to start", func(t *testing.T) {
		if !created.EndDate.Equal(testStart) {
			t.Errorf("expected end %v, got %v", testStart, created.EndDate)
		}
	})

	t.Run("get by id", func(t *testing.T) {
		got, err := store.Get(ctx, created.ID)
		if err != nil || got == nil {
			t.Fatalf("Get: %v %v", got, err)
		}
		if got.Name != "Bar Mixer" {
			t.Errorf("unexpected name %q", got.Name)
		}
	})

	t.Run("get missing returns nil", func(t *testing.T) {
		got, err := store.Get(ctx, "missing")
		if err != nil || got != nil {
			t.Errorf("expected nil, nil; got %v, %v", got, err)
		}
	})

	t.Run("find by external id", func(t *testing.T) {
		got, err := store.FindByExternalID(ctx, "cms-1")
		if err != nil || got == nil || got.ID != created.ID {
			t.Fatalf("FindByExternalID: %v %v", got, err)
		}
	})

	t.Run("duplicate external id rejected", func(t *testing.T) {
		_, err := store.Create(ctx, models.Event{ExternalID: "cms-1", Name: "Other", StartDate: testStart})
		if err == nil {
			t.Fatal("expected duplicate external id error")
		}
	})
}

func TestMemoryEventStore_FindByNameAndStart(t *testing.T) {
	store, clock := newTestStore(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	first, _ := store.Create(ctx, models.Event{Name: "Bar Mixer", StartDate: testStart})
	clock.Advance(time.Minute)
	_, _ = store.Create(ctx, models.Event{Name: "bar  mixer ", StartDate: testStart})

	tests := []struct {
		name   string
		query  string
		start  time.Time
		wantID string
	}{
		{"exact match returns earliest", "Bar Mixer", testStart, first.ID},
		{"case and whitespace insensitive", "  BAR mixer", testStart, first.ID},
		{"different start", "Bar Mixer", testStart.Add(time.Hour), ""},
		{"renamed event", "Bar Mixer 2026", testStart, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.FindByNameAndStart(ctx, tt.query, tt.start)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			gotID := ""
			if got != nil {
				gotID = got.ID
			}
			if gotID != tt.wantID {
				t.Errorf("got %q, want %q", gotID, tt.wantID)
			}
		})
	}
}

func TestMemoryEventStore_UpdateAndDelete(t *testing.T) {
	store, clock := newTestStore(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	created, _ := store.Create(ctx, models.Event{ExternalID: "a", Name: "Ethics CLE", StartDate: testStart})
	clock.Advance(time.Hour)

	name := "Ethics CLE (Updated)"
	newExternal := "b"
	updated, err := store.Update(ctx, created.ID, models.EventPatch{Name: &name, ExternalID: &newExternal})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if updated.Name != name {
		t.Errorf("name not updated: %q", updated.Name)
	}
	if !updated.UpdatedAt.Equal(clock.Now()) {
		t.Errorf("updatedAt not bumped: %v", updated.UpdatedAt)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("createdAt changed: %v", updated.CreatedAt)
	}

	if got, _ := store.FindByExternalID(ctx, "a"); got != nil {
		t.Error("old external id should no longer resolve")
	}
	if got, _ := store.FindByExternalID(ctx, "b"); got == nil || got.ID != created.ID {
		t.Error("new external id should resolve to the same event")
	}

	if _, err := store.Update(ctx, "missing", models.EventPatch{Name: &name}); !errors.Is(err, models.ErrEventNotFound) {
		t.Errorf("expected ErrEventNotFound, got %v", err)
	}

	if err := store.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if store.Size() != 0 {
		t.Errorf("expected empty store, got %d", store.Size())
	}
	if err := store.Delete(ctx, created.ID); !errors.Is(err, models.ErrEventNotFound) {
		t.Errorf("expected ErrEventNotFound on second delete, got %v", err)
	}
}

func TestMemoryEventStore_Query(t *testing.T) {
	store, _ := newTestStore(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	for i, status := range []models.EventStatus{
		models.EventStatusApproved,
		models.EventStatusPending,
		models.EventStatusFeatured,
		models.EventStatusDenied,
	} {
		_, err := store.Create(ctx, models.Event{
			Name:      string(status),
			StartDate: testStart.Add(time.Duration(3-i) * time.Hour),
			Status:    status,
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, err := store.Query(ctx, models.EventFilter{
		Statuses: []models.EventStatus{models.EventStatusApproved, models.EventStatusFeatured},
	})
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Status != models.EventStatusFeatured {
		t.Errorf("expected results ordered by start date, got %s first", got[0].Status)
	}

	limited, _ := store.Query(ctx, models.EventFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("expected limit to apply, got %d", len(limited))
	}
}

func TestMemoryEventStore_FindOrCreateLocation(t *testing.T) {
	store := NewMemoryEventStore()
	ctx := context.Background()

	courthouse, err := store.FindOrCreateLocation(ctx, "County Courthouse, Room 2")
	if err != nil {
		t.Fatalf("FindOrCreateLocation: %v", err)
	}

	tests := []struct {
		name    string
		query   string
		reuse   bool
		wantLen int
	}{
		{"case-insensitive exact", "county courthouse, room 2", true, 1},
		{"substring of existing", "County Courthouse", true, 1},
		{"new location", "Bar Center", false, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc, err := store.FindOrCreateLocation(ctx, tt.query)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if (loc.ID == courthouse.ID) != tt.reuse {
				t.Errorf("reuse = %v, want %v", loc.ID == courthouse.ID, tt.reuse)
			}
			if store.LocationCount() != tt.wantLen {
				t.Errorf("location count = %d, want %d", store.LocationCount(), tt.wantLen)
			}
		})
	}
}

func TestMemoryEventStore_JoinsRelations(t *testing.T) {
	store := NewMemoryEventStore()
	ctx := context.Background()

	loc, _ := store.FindOrCreateLocation(ctx, "Bar Center")
	community, _ := store.FindOrCreateCommunity(ctx, "Young Lawyers Division")

	created, err := store.Create(ctx, models.Event{
		Name:        "Happy Hour",
		StartDate:   testStart,
		LocationID:  loc.ID,
		CommunityID: community.ID,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, _ := store.Get(ctx, created.ID)
	if got.Location == nil || got.Location.Name != "Bar Center" {
		t.Errorf("location not joined: %+v", got.Location)
	}
	if got.Community == nil || got.Community.Name != "Young Lawyers Division" {
		t.Errorf("community not joined: %+v", got.Community)
	}
}

func TestMemoryLogs_ListNewestFirst(t *testing.T) {
	ctx := context.Background()

	errLog := NewMemoryErrorLog()
	for _, name := range []string{"a", "b", "c"} {
		_ = errLog.Store(ctx, models.IngestionError{Source: "manual", RecordName: name})
	}
	entries, _ := errLog.List(ctx, 2, false)
	if len(entries) != 2 || entries[0].RecordName != "c" {
		t.Fatalf("unexpected list: %+v", entries)
	}
	if err := errLog.MarkResolved(ctx, entries[0].ID); err != nil {
		t.Fatalf("MarkResolved: %v", err)
	}
	if n, _ := errLog.CountUnresolved(ctx); n != 2 {
		t.Errorf("CountUnresolved = %d, want 2", n)
	}
	unresolved, _ := errLog.List(ctx, 0, true)
	if len(unresolved) != 2 || unresolved[0].RecordName != "b" {
		t.Errorf("unresolved list: %+v", unresolved)
	}

	activity := NewMemoryActivityLog()
	_ = activity.Log(ctx, models.ActivityLog{ActivityType: models.ActivityTypeIngest, Message: "one"})
	_ = activity.Log(ctx, models.ActivityLog{ActivityType: models.ActivityTypeSweep, Message: "two"})
	logs, _ := activity.List(ctx, 10, string(models.ActivityTypeIngest))
	if len(logs) != 1 || logs[0].Message != "one" {
		t.Errorf("filtered activity: %+v", logs)
	}
}

func TestMemoryEventStore_ConditionalWrites(t *testing.T) {
	store, _ := newTestStore(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

	created, err := store.Create(ctx, models.Event{Name: "Bar Mixer", StartDate: start, Status: models.EventStatusApproved})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	expected := models.EventStatusPending
	featured := models.EventStatusFeatured
	_, err = store.Update(ctx, created.ID, models.EventPatch{Status: &featured, ExpectStatus: &expected})
	var mismatch *models.StatusMismatchError
	if !errors.As(err, &mismatch) || mismatch.Actual != models.EventStatusApproved {
		t.Fatalf("expected StatusMismatchError, got %v", err)
	}
	if got, _ := store.Get(ctx, created.ID); got.Status != models.EventStatusApproved {
		t.Errorf("refused update must not write, status = %s", got.Status)
	}

	cancelled := models.EventFilter{Statuses: []models.EventStatus{models.EventStatusCancelled}}
	deleted, err := store.DeleteMatching(ctx, created.ID, cancelled)
	if err != nil || deleted {
		t.Fatalf("non-matching delete = %v, %v", deleted, err)
	}
	deleted, err = store.DeleteMatching(ctx, created.ID, models.EventFilter{Statuses: models.ActiveStatuses})
	if err != nil || !deleted {
		t.Fatalf("matching delete = %v, %v", deleted, err)
	}
	if deleted, err = store.DeleteMatching(ctx, created.ID, models.EventFilter{}); err != nil || deleted {
		t.Errorf("delete of a missing event = %v, %v", deleted, err)
	}
}
