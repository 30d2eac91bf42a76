package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/littleblessing/backend/internal/blessings"
	"go.uber.org/zap"
)

type fakeStore struct {
	mu        sync.Mutex
	records   []blessings.Record
	nextID    int
	listErr   error
	appendErr error
	removeErr error
	appends   int
}

func (s *fakeStore) List(context.Context) ([]blessings.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]blessings.Record(nil), s.records...), nil
}

func (s *fakeStore) Append(_ context.Context, draft blessings.Draft) (blessings.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	if s.appendErr != nil {
		return blessings.Record{}, s.appendErr
	}
	s.nextID++
	id := draft.ID
	if id == "" {
		id = fmt.Sprintf("%d", s.nextID)
	}
	record := blessings.Record{
		ID:        id,
		Author:    draft.Author.String(),
		Content:   draft.Content.String(),
		Timestamp: time.Date(2025, 6, 1, 12, 0, s.nextID, 0, time.UTC),
		Tier:      draft.Tier,
	}
	s.records = append([]blessings.Record{record}, s.records...)
	return record, nil
}

func (s *fakeStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeErr != nil {
		return s.removeErr
	}
	for index, record := range s.records {
		if record.ID == id {
			s.records = append(s.records[:index], s.records[index+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", blessings.ErrNotFound, id)
}

type liveSubscription struct {
	onUpdate func([]blessings.Record)
	onError  func(error)
}

// fakeLiveStore pushes an initial snapshot from Subscribe and hands the
// callbacks to the test for later deliveries.
type fakeLiveStore struct {
	*fakeStore
	subscribed chan liveSubscription
	cancelled  chan struct{}
	once       sync.Once
}

func newFakeLiveStore() *fakeLiveStore {
	return &fakeLiveStore{
		fakeStore:  &fakeStore{},
		subscribed: make(chan liveSubscription, 4),
		cancelled:  make(chan struct{}),
	}
}

func (s *fakeLiveStore) Subscribe(ctx context.Context, onUpdate func([]blessings.Record), onError func(error)) (blessings.CancelFunc, error) {
	records, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	onUpdate(records)
	s.subscribed <- liveSubscription{onUpdate: onUpdate, onError: onError}
	return func() {
		s.once.Do(func() { close(s.cancelled) })
	}, nil
}

func (s *fakeLiveStore) awaitSubscription(t *testing.T) liveSubscription {
	t.Helper()
	select {
	case subscription := <-s.subscribed:
		return subscription
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for subscription")
		return liveSubscription{}
	}
}

func (s *fakeLiveStore) awaitCancel(t *testing.T) {
	t.Helper()
	select {
	case <-s.cancelled:
	case <-time.After(3 * time.Second):
		t.Fatal("expected subscription to be cancelled")
	}
}

func newTestHandler(t *testing.T, store blessings.Store, configure ...func(*Dependencies)) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	service, err := blessings.NewService(blessings.ServiceConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	deps := Dependencies{Service: service, Logger: zap.NewNop()}
	for _, apply := range configure {
		apply(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return handler
}

func serve(handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, target, http.NoBody)
	} else {
		request = httptest.NewRequest(method, target, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}
