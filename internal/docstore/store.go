package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/littleblessing/backend/internal/blessings"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultCollection   = "blessings"
	defaultPollInterval = time.Second
	queryCollection     = "collection = ?"
	queryCollectionDoc  = "collection = ? AND doc_id = ?"
	orderNewestFirst    = "timestamp_ms DESC, seq DESC"
)

var (
	errMissingDatabase = errors.New("docstore: database handle is required")
	errMissingCallback = errors.New("docstore: update callback is required")
)

type Config struct {
	Database     *gorm.DB
	Collection   string
	Clock        func() time.Time
	IDProvider   blessings.IDProvider
	PollInterval time.Duration
	Dispatcher   *Dispatcher
	Logger       *zap.Logger
}

// Store is a blessings.Store and blessings.Subscriber over a document collection.
// Multiple processes may share the same database; appends never read existing state.
type Store struct {
	db           *gorm.DB
	collection   string
	clock        func() time.Time
	ids          blessings.IDProvider
	pollInterval time.Duration
	dispatcher   *Dispatcher
	logger       *zap.Logger
}

func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	collection := strings.TrimSpace(cfg.Collection)
	if collection == "" {
		collection = defaultCollection
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = blessings.NewUUIDProvider()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:           cfg.Database,
		collection:   collection,
		clock:        clock,
		ids:          ids,
		pollInterval: pollInterval,
		dispatcher:   dispatcher,
		logger:       logger,
	}, nil
}

// List returns the collection ordered by timestamp descending, newest insert first on ties.
func (s *Store) List(ctx context.Context) ([]blessings.Record, error) {
	var documents []Document
	if err := s.db.WithContext(ctx).
		Where(queryCollection, s.collection).
		Order(orderNewestFirst).
		Find(&documents).Error; err != nil {
		return nil, blessings.Unavailable("query collection", err)
	}
	return toRecords(documents), nil
}

// Append inserts one document with a store-assigned id and timestamp.
// Caller-supplied ids and timestamps in the draft are ignored.
func (s *Store) Append(ctx context.Context, draft blessings.Draft) (blessings.Record, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return blessings.Record{}, blessings.Unavailable("generate id", err)
	}
	tier := draft.Tier
	if tier == "" {
		tier = blessings.TierBronze
	}
	document := Document{
		DocumentID:      id,
		Collection:      s.collection,
		Author:          draft.Author.String(),
		Content:         draft.Content.String(),
		Tier:            string(tier),
		TimestampMillis: s.clock().UTC().UnixMilli(),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&document).Error; err != nil {
			return err
		}
		return bumpRevision(tx, s.collection)
	})
	if err != nil {
		return blessings.Record{}, blessings.Unavailable("insert document", err)
	}
	s.publish()
	return toRecord(document), nil
}

// Remove deletes the document with the given id from the collection.
func (s *Store) Remove(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where(queryCollectionDoc, s.collection, id).Delete(&Document{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", blessings.ErrNotFound, id)
		}
		return bumpRevision(tx, s.collection)
	})
	if errors.Is(err, blessings.ErrNotFound) {
		return err
	}
	if err != nil {
		return blessings.Unavailable("delete document", err)
	}
	s.publish()
	return nil
}

// Revision returns the number of committed mutations on the collection.
func (s *Store) Revision(ctx context.Context) (int64, error) {
	revision, err := readRevision(s.db.WithContext(ctx), s.collection)
	if err != nil {
		return 0, blessings.Unavailable("read revision", err)
	}
	return revision, nil
}

// Subscribe delivers the ordered snapshot now and after every change to the collection,
// whether made by this process or another one sharing the database.
//
// Delivery runs on its own goroutine. After the returned CancelFunc runs no new
// delivery starts; one that already started may still complete.
func (s *Store) Subscribe(ctx context.Context, onUpdate func([]blessings.Record), onError func(error)) (blessings.CancelFunc, error) {
	if onUpdate == nil {
		return nil, errMissingCallback
	}
	subscriptionCtx, cancel := context.WithCancel(ctx)
	notices, release := s.dispatcher.Subscribe(subscriptionCtx, s.collection)
	go s.deliver(subscriptionCtx, notices, release, onUpdate, onError)
	return blessings.CancelFunc(cancel), nil
}

func (s *Store) deliver(ctx context.Context, notices <-chan ChangeNotice, release func(), onUpdate func([]blessings.Record), onError func(error)) {
	defer release()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	lastRevision := int64(-1)
	push := func() bool {
		revision, err := s.Revision(ctx)
		if err == nil && revision == lastRevision {
			return true
		}
		var records []blessings.Record
		if err == nil {
			records, revision, err = s.snapshot(ctx)
		}
		if ctx.Err() != nil {
			return false
		}
		if err != nil {
			s.logger.Warn("live query failed",
				zap.String("collection", s.collection),
				zap.Error(err))
			if onError != nil {
				onError(err)
			}
			return false
		}
		lastRevision = revision
		onUpdate(records)
		return true
	}

	if !push() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-notices:
		case <-ticker.C:
		}
		if !push() {
			return
		}
	}
}

// snapshot reads the revision and the ordered documents in one transaction.
func (s *Store) snapshot(ctx context.Context) ([]blessings.Record, int64, error) {
	var (
		documents []Document
		revision  int64
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		revision, err = readRevision(tx, s.collection)
		if err != nil {
			return err
		}
		return tx.Where(queryCollection, s.collection).Order(orderNewestFirst).Find(&documents).Error
	})
	if err != nil {
		return nil, 0, blessings.Unavailable("live query", err)
	}
	return toRecords(documents), revision, nil
}

func (s *Store) publish() {
	s.dispatcher.Publish(ChangeNotice{Collection: s.collection, Timestamp: s.clock().UTC()})
}

func bumpRevision(tx *gorm.DB, collection string) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"revision": gorm.Expr("revision + 1")}),
	}).Create(&CollectionRevision{Collection: collection, Revision: 1}).Error
}

func readRevision(db *gorm.DB, collection string) (int64, error) {
	var revision CollectionRevision
	err := db.Where(queryCollection, collection).Take(&revision).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return revision.Revision, nil
}

func toRecords(documents []Document) []blessings.Record {
	records := make([]blessings.Record, 0, len(documents))
	for _, document := range documents {
		records = append(records, toRecord(document))
	}
	return records
}

func toRecord(document Document) blessings.Record {
	tier := blessings.Tier(document.Tier)
	if tier == "" {
		tier = blessings.TierBronze
	}
	return blessings.Record{
		ID:        document.DocumentID,
		Author:    document.Author,
		Content:   document.Content,
		Timestamp: time.UnixMilli(document.TimestampMillis).UTC(),
		Tier:      tier,
	}
}
