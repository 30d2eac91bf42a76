package rowfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/littleblessing/backend/internal/blessings"
	"github.com/xuri/excelize/v2"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "messages.xlsx")
	}
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func mustDraft(t *testing.T, request blessings.AppendRequest) blessings.Draft {
	t.Helper()
	draft, err := blessings.NewDraft(request)
	if err != nil {
		t.Fatalf("unexpected draft error: %v", err)
	}
	return draft
}

func TestNewRequiresPath(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, errMissingPath) {
		t.Fatalf("expected missing path error, got %v", err)
	}
}

func TestListMissingWorkbookIsEmpty(t *testing.T) {
	store := newTestStore(t, Config{})
	records, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if records == nil || len(records) != 0 {
		t.Fatalf("expected empty list, got %#v", records)
	}
}

func TestAppendCreatesWorkbookWithHeader(t *testing.T) {
	clock := &stepClock{now: time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)}
	store := newTestStore(t, Config{Clock: clock.Now})

	created, err := store.Append(context.Background(), mustDraft(t, blessings.AppendRequest{
		Author:  "隔壁阿明",
		Content: "等不及要見到小寶貝了！",
	}))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected generated id")
	}
	if _, err := strconv.ParseInt(created.ID, 10, 64); err != nil {
		t.Fatalf("expected decimal id, got %q", created.ID)
	}
	if !created.Timestamp.Equal(clock.Now()) {
		t.Fatalf("expected server timestamp %v, got %v", clock.Now(), created.Timestamp)
	}

	workbook, err := excelize.OpenFile(store.Path())
	if err != nil {
		t.Fatalf("failed to reopen workbook: %v", err)
	}
	defer workbook.Close()
	rows, err := workbook.GetRows(workbook.GetSheetName(workbook.GetActiveSheetIndex()))
	if err != nil {
		t.Fatalf("failed to read rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header plus one row, got %d rows", len(rows))
	}
	wantHeader := []string{"ID", "時間", "暱稱", "內容"}
	for index, value := range wantHeader {
		if rows[0][index] != value {
			t.Fatalf("header column %d: expected %q, got %q", index, value, rows[0][index])
		}
	}
	wantRow := []string{created.ID, "2025-03-14 09:26:53", "隔壁阿明", "等不及要見到小寶貝了！"}
	for index, value := range wantRow {
		if rows[1][index] != value {
			t.Fatalf("data column %d: expected %q, got %q", index, value, rows[1][index])
		}
	}
}

func TestEndToEndEmptyThenAppend(t *testing.T) {
	store := newTestStore(t, Config{})
	ctx := context.Background()

	records, err := store.List(ctx)
	if err != nil || len(records) != 0 {
		t.Fatalf("expected empty list without error, got %v %v", records, err)
	}

	if _, err := store.Append(ctx, mustDraft(t, blessings.AppendRequest{Author: "隔壁阿明", Content: "等不及要見到小寶貝了！"})); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	records, err = store.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	record := records[0]
	if record.Author != "隔壁阿明" || record.Content != "等不及要見到小寶貝了！" {
		t.Fatalf("unexpected record fields: %#v", record)
	}
	if record.ID == "" || record.Timestamp.IsZero() {
		t.Fatalf("expected generated id and timestamp: %#v", record)
	}
	if record.Tier != blessings.TierBronze {
		t.Fatalf("expected default tier, got %s", record.Tier)
	}
}

func TestEndToEndRemoveThenNotFound(t *testing.T) {
	store := newTestStore(t, Config{})
	ctx := context.Background()
	for _, id := range []string{"1", "2"} {
		if _, err := store.Append(ctx, mustDraft(t, blessings.AppendRequest{ID: id, Author: "a" + id, Content: "c" + id})); err != nil {
			t.Fatalf("seed append %s failed: %v", id, err)
		}
	}

	if err := store.Remove(ctx, "2"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != "1" {
		t.Fatalf("expected only id 1, got %#v", records)
	}
	if err := store.Remove(ctx, "2"); !errors.Is(err, blessings.ErrNotFound) {
		t.Fatalf("expected not found on second remove, got %v", err)
	}
}

func TestSuppliedIDRejectedAfterDelete(t *testing.T) {
	store := newTestStore(t, Config{})
	ctx := context.Background()
	for _, id := range []string{"1", "2", "guest-a"} {
		if _, err := store.Append(ctx, mustDraft(t, blessings.AppendRequest{ID: id, Author: "a", Content: "c"})); err != nil {
			t.Fatalf("seed append %s failed: %v", id, err)
		}
	}
	for _, id := range []string{"2", "guest-a"} {
		if err := store.Remove(ctx, id); err != nil {
			t.Fatalf("remove %s failed: %v", id, err)
		}
	}

	reopened := newTestStore(t, Config{Path: store.Path()})
	for _, candidate := range []*Store{store, reopened} {
		for _, id := range []string{"2", "guest-a"} {
			_, err := candidate.Append(ctx, mustDraft(t, blessings.AppendRequest{ID: id, Author: "b", Content: "d"}))
			if !errors.Is(err, blessings.ErrValidation) {
				t.Fatalf("expected retired id %s to be rejected, got %v", id, err)
			}
		}
	}

	records, err := store.List(ctx)
	if err != nil || len(records) != 1 || records[0].ID != "1" {
		t.Fatalf("expected only id 1 to remain, got %v %v", records, err)
	}
	if _, err := store.Append(ctx, mustDraft(t, blessings.AppendRequest{ID: "3", Author: "e", Content: "f"})); err != nil {
		t.Fatalf("fresh supplied id should be accepted: %v", err)
	}
}

func TestSaveKeepsWorkbookMode(t *testing.T) {
	store := newTestStore(t, Config{})
	ctx := context.Background()
	if _, err := store.Append(ctx, mustDraft(t, blessings.AppendRequest{Author: "a", Content: "b"})); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	info, err := os.Stat(store.Path())
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != defaultFileMode {
		t.Fatalf("expected new workbook mode %v, got %v", defaultFileMode, info.Mode().Perm())
	}

	if err := os.Chmod(store.Path(), 0o640); err != nil {
		t.Fatalf("chmod failed: %v", err)
	}
	if _, err := store.Append(ctx, mustDraft(t, blessings.AppendRequest{Author: "c", Content: "d"})); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	info, err = os.Stat(store.Path())
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Fatalf("expected workbook mode to survive a save, got %v", info.Mode().Perm())
	}
}

func TestRemoveOnMissingWorkbookIsNotFound(t *testing.T) {
	store := newTestStore(t, Config{})
	if err := store.Remove(context.Background(), "1"); !errors.Is(err, blessings.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListOrdersNewestFirstWithInsertionTieBreak(t *testing.T) {
	clock := &stepClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := newTestStore(t, Config{Clock: clock.Now})
	ctx := context.Background()

	appendAs := func(author string) {
		t.Helper()
		if _, err := store.Append(ctx, mustDraft(t, blessings.AppendRequest{Author: author, Content: "hi"})); err != nil {
			t.Fatalf("append %s failed: %v", author, err)
		}
	}
	appendAs("first")
	clock.Advance(time.Minute)
	appendAs("second")
	appendAs("third")
	clock.Advance(time.Minute)
	appendAs("fourth")

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	want := []string{"fourth", "third", "second", "first"}
	if len(records) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(records))
	}
	for index, author := range want {
		if records[index].Author != author {
			t.Fatalf("position %d: expected %s, got %s", index, author, records[index].Author)
		}
	}
}

func TestAppendHonorsSuppliedTimestamp(t *testing.T) {
	store := newTestStore(t, Config{})
	supplied := time.Date(2024, 12, 24, 23, 59, 58, 0, time.UTC)
	created, err := store.Append(context.Background(), mustDraft(t, blessings.AppendRequest{Author: "a", Content: "b", Timestamp: &supplied}))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if !created.Timestamp.Equal(supplied) {
		t.Fatalf("expected supplied timestamp, got %v", created.Timestamp)
	}
}

func TestAppendRejectsDuplicateSuppliedID(t *testing.T) {
	store := newTestStore(t, Config{})
	ctx := context.Background()
	if _, err := store.Append(ctx, mustDraft(t, blessings.AppendRequest{ID: "7", Author: "a", Content: "b"})); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	_, err := store.Append(ctx, mustDraft(t, blessings.AppendRequest{ID: "7", Author: "c", Content: "d"}))
	if !errors.Is(err, blessings.ErrValidation) {
		t.Fatalf("expected validation error for duplicate id, got %v", err)
	}
	records, err := store.List(ctx)
	if err != nil || len(records) != 1 {
		t.Fatalf("expected store unchanged, got %v %v", records, err)
	}
}

func TestGeneratedIDsAreNeverReusedAfterDelete(t *testing.T) {
	frozen := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newTestStore(t, Config{Clock: func() time.Time { return frozen }})
	ctx := context.Background()

	seen := make(map[string]struct{})
	var last blessings.Record
	for i := 0; i < 3; i++ {
		created, err := store.Append(ctx, mustDraft(t, blessings.AppendRequest{Author: "a", Content: "b"}))
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		seen[created.ID] = struct{}{}
		last = created
	}
	if err := store.Remove(ctx, last.ID); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	reopened := newTestStore(t, Config{Path: store.Path(), Clock: func() time.Time { return frozen }})
	created, err := reopened.Append(ctx, mustDraft(t, blessings.AppendRequest{Author: "a", Content: "b"}))
	if err != nil {
		t.Fatalf("append after reopen failed: %v", err)
	}
	if _, dup := seen[created.ID]; dup {
		t.Fatalf("id %s reused", created.ID)
	}
}

func TestConcurrentAppendsAreNotLost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.xlsx")
	first := newTestStore(t, Config{Path: path, LockTimeout: 30 * time.Second})
	second := newTestStore(t, Config{Path: path, LockTimeout: 30 * time.Second})
	ctx := context.Background()

	const writers = 24
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		store := first
		if i%2 == 1 {
			store = second
		}
		wg.Add(1)
		go func(index int, store *Store) {
			defer wg.Done()
			draft, err := blessings.NewDraft(blessings.AppendRequest{Author: fmt.Sprintf("writer-%d", index), Content: "hello"})
			if err != nil {
				errs <- err
				return
			}
			if _, err := store.Append(ctx, draft); err != nil {
				errs <- err
			}
		}(i, store)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append failed: %v", err)
	}

	records, err := first.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != writers {
		t.Fatalf("expected %d records, got %d", writers, len(records))
	}
	ids := make(map[string]struct{}, writers)
	authors := make(map[string]struct{}, writers)
	for _, record := range records {
		ids[record.ID] = struct{}{}
		authors[record.Author] = struct{}{}
	}
	if len(ids) != writers || len(authors) != writers {
		t.Fatalf("expected %d distinct ids and authors, got %d and %d", writers, len(ids), len(authors))
	}
}

func TestMutationTimesOutWhileLockHeld(t *testing.T) {
	store := newTestStore(t, Config{LockTimeout: 50 * time.Millisecond})
	holder := flock.New(store.Path() + ".lock")
	if err := holder.Lock(); err != nil {
		t.Fatalf("failed to hold lock: %v", err)
	}

	_, err := store.Append(context.Background(), mustDraft(t, blessings.AppendRequest{Author: "a", Content: "b"}))
	if !errors.Is(err, blessings.ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	if !blessings.IsRetryable(err) {
		t.Fatalf("lock timeout must be retryable")
	}
	if _, statErr := os.Stat(store.Path()); !os.IsNotExist(statErr) {
		t.Fatalf("no workbook should be written while locked")
	}

	if err := holder.Unlock(); err != nil {
		t.Fatalf("failed to release lock: %v", err)
	}
	if _, err := store.Append(context.Background(), mustDraft(t, blessings.AppendRequest{Author: "a", Content: "b"})); err != nil {
		t.Fatalf("append after release failed: %v", err)
	}
}

func TestLockIsReleasedAfterFailedMutation(t *testing.T) {
	store := newTestStore(t, Config{LockTimeout: 200 * time.Millisecond})
	if err := store.Remove(context.Background(), "missing"); !errors.Is(err, blessings.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.Append(context.Background(), mustDraft(t, blessings.AppendRequest{Author: "a", Content: "b"})); err != nil {
		t.Fatalf("lock should have been released, got %v", err)
	}
}

func TestCorruptWorkbookIsStorageUnavailable(t *testing.T) {
	store := newTestStore(t, Config{})
	if err := os.WriteFile(store.Path(), []byte("not a workbook"), 0o600); err != nil {
		t.Fatalf("failed to write corrupt file: %v", err)
	}
	if _, err := store.List(context.Background()); !errors.Is(err, blessings.ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable on list, got %v", err)
	}
	_, err := store.Append(context.Background(), mustDraft(t, blessings.AppendRequest{Author: "a", Content: "b"}))
	if !errors.Is(err, blessings.ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable on append, got %v", err)
	}
}

func TestListSkipsRowsWithoutID(t *testing.T) {
	store := newTestStore(t, Config{})
	workbook := excelize.NewFile()
	sheet := workbook.GetSheetName(workbook.GetActiveSheetIndex())
	rows := [][]interface{}{
		{"ID", "時間", "暱稱", "內容"},
		{"1", "2025-01-01 00:00:00", "a", "b"},
		{"", "2025-01-02 00:00:00", "ghost", "row"},
		{"3", "garbage", "c", "d"},
	}
	for index, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, index+1)
		values := row
		if err := workbook.SetSheetRow(sheet, cell, &values); err != nil {
			t.Fatalf("failed to seed row: %v", err)
		}
	}
	if err := workbook.SaveAs(store.Path()); err != nil {
		t.Fatalf("failed to save seed workbook: %v", err)
	}
	_ = workbook.Close()

	records, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected two records, got %#v", records)
	}
	if records[0].ID != "1" || records[1].ID != "3" {
		t.Fatalf("expected dated row first and unparseable timestamp last, got %#v", records)
	}
}
