package blessings

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

var (
	errMissingStore = errors.New("store is required")
	noOpLogger      = zap.NewNop()
)

const (
	opServiceNew = "blessings.service.new"
	opList       = "blessings.list"
	opAppend     = "blessings.append"
	opRemove     = "blessings.remove"
)

// OperationRecorder receives one observation per store operation.
type OperationRecorder interface {
	Observe(operation, outcome string)
}

type ServiceConfig struct {
	Store    Store
	Logger   *zap.Logger
	Recorder OperationRecorder
}

// Service validates guestbook requests and delegates them to a Store.
// It holds no state between calls.
type Service struct {
	store    Store
	logger   *zap.Logger
	recorder OperationRecorder
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:    cfg.Store,
		logger:   logger,
		recorder: cfg.Recorder,
	}, nil
}

// List returns every record, newest first.
func (s *Service) List(ctx context.Context) ([]Record, error) {
	if s.store == nil {
		return nil, newServiceError(opList, "missing_store", errMissingStore)
	}
	records, err := s.store.List(ctx)
	if err != nil {
		return nil, s.fail(opList, err)
	}
	if records == nil {
		records = []Record{}
	}
	SortNewestFirst(records)
	s.observe(opList, "success")
	return records, nil
}

// Append validates the request and persists a new record.
// Invalid requests never reach the store.
func (s *Service) Append(ctx context.Context, request AppendRequest) (Record, error) {
	if s.store == nil {
		return Record{}, newServiceError(opAppend, "missing_store", errMissingStore)
	}
	draft, err := NewDraft(request)
	if err != nil {
		s.observe(opAppend, "invalid")
		return Record{}, newServiceError(opAppend, validationReason(request, err), err)
	}
	record, err := s.store.Append(ctx, draft)
	if err != nil {
		return Record{}, s.fail(opAppend, err)
	}
	s.observe(opAppend, "success")
	s.logger.Debug("blessing appended", zap.String("id", record.ID))
	return record, nil
}

// Remove deletes the record with the given id.
func (s *Service) Remove(ctx context.Context, rawID string) error {
	if s.store == nil {
		return newServiceError(opRemove, "missing_store", errMissingStore)
	}
	id, err := NewRecordID(rawID)
	if err != nil {
		s.observe(opRemove, "invalid")
		return newServiceError(opRemove, "missing_id", err)
	}
	if err := s.store.Remove(ctx, id); err != nil {
		return s.fail(opRemove, err, zap.String("id", id))
	}
	s.observe(opRemove, "success")
	s.logger.Debug("blessing removed", zap.String("id", id))
	return nil
}

// Subscriber exposes the store's live subscription capability, when it has one.
func (s *Service) Subscriber() (Subscriber, bool) {
	subscriber, ok := s.store.(Subscriber)
	return subscriber, ok
}

func (s *Service) fail(operation string, err error, fields ...zap.Field) error {
	reason := failureReason(err)
	switch reason {
	case "not_found", "invalid_request":
		s.observe(operation, reason)
	default:
		s.observe(operation, "error")
		s.logError(operation, reason, err, fields...)
	}
	return newServiceError(operation, reason, err)
}

func (s *Service) observe(operation, outcome string) {
	if s.recorder != nil {
		s.recorder.Observe(operation, outcome)
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("blessings service error", attrs...)
}

func validationReason(request AppendRequest, err error) string {
	if _, authorErr := NewAuthor(request.Author); authorErr != nil {
		return "invalid_author"
	}
	if _, contentErr := NewContent(request.Content); contentErr != nil {
		return "invalid_content"
	}
	if _, tierErr := ParseTier(request.Tier); tierErr != nil {
		return "invalid_tier"
	}
	if errors.Is(err, ErrValidation) {
		return "invalid_id"
	}
	return "invalid_request"
}
