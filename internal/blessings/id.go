package blessings

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IDProvider issues record identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// TimestampIDProvider issues decimal unix-millisecond identifiers that strictly increase
// within the process, even when the clock stalls or steps backwards.
type TimestampIDProvider struct {
	mu    sync.Mutex
	clock func() time.Time
	last  int64
}

// NewTimestampIDProvider constructs a TimestampIDProvider. A nil clock uses time.Now.
func NewTimestampIDProvider(clock func() time.Time) *TimestampIDProvider {
	if clock == nil {
		clock = time.Now
	}
	return &TimestampIDProvider{clock: clock}
}

func (p *TimestampIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.clock().UnixMilli()
	if next <= p.last {
		next = p.last + 1
	}
	p.last = next
	return strconv.FormatInt(next, 10), nil
}

// Observe raises the floor so the next id is greater than value.
// Stores call it with the highest numeric id already persisted.
func (p *TimestampIDProvider) Observe(value int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if value > p.last {
		p.last = value
	}
}
