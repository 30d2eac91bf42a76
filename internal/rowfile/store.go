// Package rowfile persists guestbook records as rows of a single spreadsheet workbook.
//
// The workbook has a header row followed by one row per record with the columns
// ID, 時間, 暱稱, 內容. Every mutation loads the whole workbook, edits it and writes it
// back, so mutations are serialized by an in-process gate and an advisory lock file.
package rowfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/littleblessing/backend/internal/blessings"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

const (
	defaultLockTimeout = 5 * time.Second
	lockRetryDelay     = 10 * time.Millisecond
	defaultFileMode    = fs.FileMode(0o644)
	timestampLayout    = "2006-01-02 15:04:05"
	maxIDAttempts      = 8
	stateSheet         = "_state"
	highWaterCell      = "B1"
	retiredLabel       = "retired"
)

var header = []interface{}{"ID", "時間", "暱稱", "內容"}

const (
	columnID = iota
	columnTimestamp
	columnAuthor
	columnContent
)

var errMissingPath = errors.New("rowfile: workbook path is required")

type Config struct {
	Path        string
	LockTimeout time.Duration
	Clock       func() time.Time
	IDProvider  blessings.IDProvider
	Logger      *zap.Logger
}

// floorObserver is implemented by id providers that must stay above persisted ids.
type floorObserver interface {
	Observe(value int64)
}

// Store is a blessings.Store backed by one workbook file.
type Store struct {
	path        string
	lockTimeout time.Duration
	clock       func() time.Time
	ids         blessings.IDProvider
	logger      *zap.Logger
	gate        chan struct{}
	fileLock    *flock.Flock
}

// New prepares a Store. The workbook itself is created lazily by the first append.
func New(cfg Config) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errMissingPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("rowfile: create workbook directory: %w", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = blessings.NewTimestampIDProvider(clock)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		path:        path,
		lockTimeout: lockTimeout,
		clock:       clock,
		ids:         ids,
		logger:      logger,
		gate:        make(chan struct{}, 1),
		fileLock:    flock.New(path + ".lock"),
	}, nil
}

// Path returns the workbook location.
func (s *Store) Path() string {
	return s.path
}

// List reads every populated row. A missing workbook is an empty guestbook.
func (s *Store) List(ctx context.Context) ([]blessings.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	workbook, exists, err := s.open()
	if err != nil {
		return nil, err
	}
	if !exists {
		return []blessings.Record{}, nil
	}
	defer s.closeWorkbook(workbook)

	rows, err := readRows(workbook)
	if err != nil {
		return nil, err
	}
	records := make([]blessings.Record, 0, len(rows))
	for index := len(rows) - 1; index >= 1; index-- {
		record, ok := s.recordFromRow(rows[index])
		if ok {
			records = append(records, record)
		}
	}
	blessings.SortNewestFirst(records)
	return records, nil
}

// Append writes the draft to the row after the highest populated row.
func (s *Store) Append(ctx context.Context, draft blessings.Draft) (blessings.Record, error) {
	var created blessings.Record
	err := s.withLock(ctx, func() error {
		workbook, exists, err := s.open()
		if err != nil {
			return err
		}
		if !exists {
			workbook, err = newWorkbook()
			if err != nil {
				return err
			}
		}
		defer s.closeWorkbook(workbook)

		sheet := activeSheet(workbook)
		rows, err := readRows(workbook)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			if err := workbook.SetSheetRow(sheet, "A1", &header); err != nil {
				return blessings.Unavailable("write header", err)
			}
			rows = [][]string{{}}
		}

		state, err := readState(workbook)
		if err != nil {
			return err
		}
		id, err := s.allocateID(draft.ID, rows, state)
		if err != nil {
			return err
		}
		if numeric, err := strconv.ParseInt(id, 10, 64); err == nil && numeric > state.highWater {
			if err := writeHighWater(workbook, numeric); err != nil {
				return err
			}
		}
		timestamp := draft.Timestamp
		if timestamp.IsZero() {
			timestamp = s.clock()
		}
		timestamp = timestamp.UTC().Truncate(time.Second)

		cell, err := excelize.CoordinatesToCellName(1, len(rows)+1)
		if err != nil {
			return blessings.Unavailable("address row", err)
		}
		values := []interface{}{id, timestamp.Format(timestampLayout), draft.Author.String(), draft.Content.String()}
		if err := workbook.SetSheetRow(sheet, cell, &values); err != nil {
			return blessings.Unavailable("write row", err)
		}
		if err := s.save(workbook); err != nil {
			return err
		}
		created = blessings.Record{
			ID:        id,
			Author:    draft.Author.String(),
			Content:   draft.Content.String(),
			Timestamp: timestamp,
			Tier:      blessings.TierBronze,
		}
		return nil
	})
	if err != nil {
		return blessings.Record{}, err
	}
	return created, nil
}

// Remove deletes the first row whose id matches. Rows below shift up and the id is
// retired, so no later append may carry it again.
func (s *Store) Remove(ctx context.Context, id string) error {
	return s.withLock(ctx, func() error {
		workbook, exists, err := s.open()
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", blessings.ErrNotFound, id)
		}
		defer s.closeWorkbook(workbook)

		rows, err := readRows(workbook)
		if err != nil {
			return err
		}
		for index := 1; index < len(rows); index++ {
			if cellValue(rows[index], columnID) != id {
				continue
			}
			if err := workbook.RemoveRow(activeSheet(workbook), index+1); err != nil {
				return blessings.Unavailable("remove row", err)
			}
			if err := retireID(workbook, id); err != nil {
				return err
			}
			return s.save(workbook)
		}
		return fmt.Errorf("%w: %s", blessings.ErrNotFound, id)
	})
}

// withLock runs fn while holding both the in-process gate and the advisory file lock.
func (s *Store) withLock(ctx context.Context, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	select {
	case s.gate <- struct{}{}:
	case <-lockCtx.Done():
		return s.lockFailure(ctx, lockCtx.Err())
	}
	defer func() { <-s.gate }()

	locked, err := s.fileLock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil {
		if lockCtx.Err() != nil {
			return s.lockFailure(ctx, lockCtx.Err())
		}
		return blessings.Unavailable("acquire lock file", err)
	}
	if !locked {
		return blessings.ErrLockTimeout
	}
	defer func() {
		if err := s.fileLock.Unlock(); err != nil {
			s.logger.Warn("rowfile unlock failed", zap.String("path", s.path), zap.Error(err))
		}
	}()
	return fn()
}

func (s *Store) lockFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn("rowfile lock timeout", zap.String("path", s.path), zap.Duration("timeout", s.lockTimeout))
		return blessings.ErrLockTimeout
	}
	return blessings.Unavailable("acquire lock", err)
}

func (s *Store) allocateID(supplied string, rows [][]string, state workbookState) (string, error) {
	existing := make(map[string]struct{}, len(rows)+len(state.retired))
	for id := range state.retired {
		existing[id] = struct{}{}
	}
	highest := state.highWater
	for index := 1; index < len(rows); index++ {
		id := cellValue(rows[index], columnID)
		if id == "" {
			continue
		}
		existing[id] = struct{}{}
		if numeric, err := strconv.ParseInt(id, 10, 64); err == nil && numeric > highest {
			highest = numeric
		}
	}

	if supplied != "" {
		if _, taken := existing[supplied]; taken {
			return "", fmt.Errorf("%w: id %q already used", blessings.ErrValidation, supplied)
		}
		return supplied, nil
	}

	if observer, ok := s.ids.(floorObserver); ok {
		observer.Observe(highest)
	}
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := s.ids.NewID()
		if err != nil {
			return "", blessings.Unavailable("generate id", err)
		}
		if _, taken := existing[id]; !taken {
			return id, nil
		}
	}
	return "", blessings.Unavailable("generate id", errors.New("no free identifier"))
}

func (s *Store) open() (*excelize.File, bool, error) {
	if _, err := os.Stat(s.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, blessings.Unavailable("stat workbook", err)
	}
	workbook, err := excelize.OpenFile(s.path)
	if err != nil {
		return nil, false, blessings.Unavailable("open workbook", err)
	}
	return workbook, true, nil
}

// save writes to a sibling temp file and renames it over the workbook,
// so readers never observe a partially written file.
func (s *Store) save(workbook *excelize.File) error {
	buffer, err := workbook.WriteToBuffer()
	if err != nil {
		return blessings.Unavailable("encode workbook", err)
	}
	temp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+"-*.tmp")
	if err != nil {
		return blessings.Unavailable("create temp workbook", err)
	}
	tempPath := temp.Name()
	cleanup := func() { _ = os.Remove(tempPath) }

	// CreateTemp opens 0600; keep the workbook's existing mode across the rename.
	if err := temp.Chmod(s.fileMode()); err != nil {
		_ = temp.Close()
		cleanup()
		return blessings.Unavailable("chmod temp workbook", err)
	}

	if _, err := temp.Write(buffer.Bytes()); err != nil {
		_ = temp.Close()
		cleanup()
		return blessings.Unavailable("write temp workbook", err)
	}
	if err := temp.Sync(); err != nil {
		_ = temp.Close()
		cleanup()
		return blessings.Unavailable("sync temp workbook", err)
	}
	if err := temp.Close(); err != nil {
		cleanup()
		return blessings.Unavailable("close temp workbook", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		cleanup()
		return blessings.Unavailable("replace workbook", err)
	}
	return nil
}

func (s *Store) fileMode() fs.FileMode {
	info, err := os.Stat(s.path)
	if err != nil {
		return defaultFileMode
	}
	return info.Mode().Perm()
}

func (s *Store) closeWorkbook(workbook *excelize.File) {
	if err := workbook.Close(); err != nil {
		s.logger.Debug("rowfile workbook close failed", zap.Error(err))
	}
}

func (s *Store) recordFromRow(row []string) (blessings.Record, bool) {
	id := cellValue(row, columnID)
	if id == "" {
		return blessings.Record{}, false
	}
	rawTimestamp := cellValue(row, columnTimestamp)
	timestamp, ok := parseTimestamp(rawTimestamp)
	if !ok {
		s.logger.Debug("rowfile unparseable timestamp", zap.String("id", id), zap.String("value", rawTimestamp))
	}
	return blessings.Record{
		ID:        id,
		Timestamp: timestamp,
		Author:    cellValue(row, columnAuthor),
		Content:   cellValue(row, columnContent),
		Tier:      blessings.TierBronze,
	}, true
}

func newWorkbook() (*excelize.File, error) {
	workbook := excelize.NewFile()
	if err := workbook.SetSheetRow(activeSheet(workbook), "A1", &header); err != nil {
		_ = workbook.Close()
		return nil, blessings.Unavailable("write header", err)
	}
	return workbook, nil
}

// workbookState is kept in a hidden sheet. B1 holds the largest numeric id ever
// issued; each later row lists one retired id. Workbooks without the sheet have
// an empty state.
type workbookState struct {
	highWater int64
	retired   map[string]struct{}
}

func readState(workbook *excelize.File) (workbookState, error) {
	state := workbookState{retired: make(map[string]struct{})}
	index, err := workbook.GetSheetIndex(stateSheet)
	if err != nil || index < 0 {
		return state, nil
	}
	rows, err := workbook.GetRows(stateSheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return workbookState{}, blessings.Unavailable("read state sheet", err)
	}
	if len(rows) > 0 {
		if parsed, err := strconv.ParseInt(cellValue(rows[0], 1), 10, 64); err == nil {
			state.highWater = parsed
		}
	}
	for index := 1; index < len(rows); index++ {
		if cellValue(rows[index], 0) != retiredLabel {
			continue
		}
		if id := cellValue(rows[index], 1); id != "" {
			state.retired[id] = struct{}{}
		}
	}
	return state, nil
}

func ensureStateSheet(workbook *excelize.File) error {
	index, err := workbook.GetSheetIndex(stateSheet)
	if err != nil {
		return blessings.Unavailable("locate state sheet", err)
	}
	if index >= 0 {
		return nil
	}
	if _, err := workbook.NewSheet(stateSheet); err != nil {
		return blessings.Unavailable("create state sheet", err)
	}
	if err := workbook.SetCellValue(stateSheet, "A1", "last_id"); err != nil {
		return blessings.Unavailable("write state sheet", err)
	}
	if err := workbook.SetSheetVisible(stateSheet, false); err != nil {
		return blessings.Unavailable("hide state sheet", err)
	}
	return nil
}

func retireID(workbook *excelize.File, id string) error {
	if err := ensureStateSheet(workbook); err != nil {
		return err
	}
	rows, err := workbook.GetRows(stateSheet)
	if err != nil {
		return blessings.Unavailable("read state sheet", err)
	}
	next := len(rows) + 1
	if next < 2 {
		next = 2
	}
	cell, err := excelize.CoordinatesToCellName(1, next)
	if err != nil {
		return blessings.Unavailable("address state row", err)
	}
	values := []interface{}{retiredLabel, id}
	if err := workbook.SetSheetRow(stateSheet, cell, &values); err != nil {
		return blessings.Unavailable("write state sheet", err)
	}
	return nil
}

func writeHighWater(workbook *excelize.File, value int64) error {
	if err := ensureStateSheet(workbook); err != nil {
		return err
	}
	if err := workbook.SetCellValue(stateSheet, highWaterCell, strconv.FormatInt(value, 10)); err != nil {
		return blessings.Unavailable("write state sheet", err)
	}
	return nil
}

func activeSheet(workbook *excelize.File) string {
	return workbook.GetSheetName(workbook.GetActiveSheetIndex())
}

func readRows(workbook *excelize.File) ([][]string, error) {
	rows, err := workbook.GetRows(activeSheet(workbook), excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, blessings.Unavailable("read rows", err)
	}
	return rows, nil
}

func cellValue(row []string, column int) string {
	if column >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[column])
}

// parseTimestamp accepts the layout this store writes, RFC 3339, and raw spreadsheet date serials.
// Unparseable values yield the zero time so the row sorts last.
func parseTimestamp(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	if parsed, err := time.ParseInLocation(timestampLayout, value, time.UTC); err == nil {
		return parsed, true
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed.UTC(), true
	}
	if serial, err := strconv.ParseFloat(value, 64); err == nil {
		if parsed, err := excelize.ExcelDateToTime(serial, false); err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}
