package blessings

import (
	"context"
	"errors"
	"testing"
)

func TestNewServiceRequiresStore(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	requireCode(t, err, "blessings.service.new.missing_store")
}

func TestServiceListOnEmptyStoreReturnsEmptySlice(t *testing.T) {
	service := mustService(t, &memoryStore{})
	records, err := service.List(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if records == nil || len(records) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", records)
	}
}

func TestServiceAppendThenListRoundTrip(t *testing.T) {
	store := &memoryStore{}
	service := mustService(t, store)

	created, err := service.Append(context.Background(), AppendRequest{Author: "隔壁阿明", Content: "等不及要見到小寶貝了！"})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	records, err := service.List(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	if records[0].ID != created.ID || records[0].Author != "隔壁阿明" || records[0].Content != "等不及要見到小寶貝了！" {
		t.Fatalf("unexpected record %#v", records[0])
	}
}

func TestServiceAppendValidationNeverTouchesStore(t *testing.T) {
	testCases := []struct {
		name     string
		request  AppendRequest
		wantCode string
	}{
		{name: "missing-author", request: AppendRequest{Author: "", Content: "hello"}, wantCode: "blessings.append.invalid_author"},
		{name: "missing-content", request: AppendRequest{Author: "name", Content: ""}, wantCode: "blessings.append.invalid_content"},
		{name: "bad-tier", request: AppendRequest{Author: "name", Content: "hi", Tier: "x"}, wantCode: "blessings.append.invalid_tier"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			store := &memoryStore{}
			recorder := &countingRecorder{}
			service, err := NewService(ServiceConfig{Store: store, Recorder: recorder})
			if err != nil {
				t.Fatalf("failed to construct service: %v", err)
			}
			_, err = service.Append(context.Background(), testCase.request)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			requireCode(t, err, testCase.wantCode)
			if store.appendHit != 0 {
				t.Fatalf("store must not be called on invalid input")
			}
			if recorder.count(opAppend+":invalid") != 1 {
				t.Fatalf("expected invalid outcome to be recorded")
			}
		})
	}
}

func TestServiceRemoveTwiceReportsNotFound(t *testing.T) {
	store := &memoryStore{}
	service := mustService(t, store)
	created, err := service.Append(context.Background(), AppendRequest{Author: "a", Content: "b"})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := service.Remove(context.Background(), created.ID); err != nil {
		t.Fatalf("first remove failed: %v", err)
	}
	err = service.Remove(context.Background(), created.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	requireCode(t, err, "blessings.remove.not_found")
}

func TestServiceRemoveRequiresID(t *testing.T) {
	service := mustService(t, &memoryStore{})
	err := service.Remove(context.Background(), "  ")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	requireCode(t, err, "blessings.remove.missing_id")
}

func TestServiceTranslatesStorageFailures(t *testing.T) {
	store := &memoryStore{failWith: Unavailable("open workbook", errors.New("disk gone"))}
	service := mustService(t, store)

	_, err := service.List(context.Background())
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
	requireCode(t, err, "blessings.list.storage_unavailable")

	store.failWith = ErrLockTimeout
	_, err = service.Append(context.Background(), AppendRequest{Author: "a", Content: "b"})
	requireCode(t, err, "blessings.append.lock_timeout")
	if !IsRetryable(err) {
		t.Fatalf("lock timeout must be retryable")
	}
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("lock timeout must also match storage unavailable")
	}
}

func TestServiceSubscriberCapability(t *testing.T) {
	service := mustService(t, &memoryStore{})
	if _, ok := service.Subscriber(); ok {
		t.Fatalf("memory store does not implement Subscriber")
	}
}
