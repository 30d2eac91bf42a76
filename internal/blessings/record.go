package blessings

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Tier is an informational sponsorship label attached to a Record.
type Tier string

const (
	// TierBronze is the default tier (小天使).
	TierBronze Tier = "bronze"
	// TierSilver is the middle tier (守護神).
	TierSilver Tier = "silver"
	// TierGold is the top tier (超級英雄).
	TierGold Tier = "gold"
)

const (
	maxAuthorLength  = 64
	maxContentLength = 2000
	maxIDLength      = 190
)

// ParseTier maps raw input onto a Tier. Empty input yields TierBronze.
// Catalog identifiers (tier-1, tier-2, tier-3) are accepted as aliases.
func ParseTier(rawInput string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case "", string(TierBronze), "tier-1":
		return TierBronze, nil
	case string(TierSilver), "tier-2":
		return TierSilver, nil
	case string(TierGold), "tier-3":
		return TierGold, nil
	default:
		return "", fmt.Errorf("%w: unknown tier %q", ErrValidation, rawInput)
	}
}

// Record is one persisted guestbook entry.
type Record struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Tier      Tier      `json:"tier"`
}

// Author is a validated display name.
type Author string

// NewAuthor trims raw input and rejects empty or oversized names.
func NewAuthor(rawInput string) (Author, error) {
	trimmed, err := requireText(rawInput, "author", maxAuthorLength)
	if err != nil {
		return "", err
	}
	return Author(trimmed), nil
}

// String returns the underlying name.
func (a Author) String() string {
	return string(a)
}

// Content is a validated message body.
type Content string

// NewContent trims raw input and rejects empty or oversized bodies.
func NewContent(rawInput string) (Content, error) {
	trimmed, err := requireText(rawInput, "content", maxContentLength)
	if err != nil {
		return "", err
	}
	return Content(trimmed), nil
}

// String returns the underlying body.
func (c Content) String() string {
	return string(c)
}

// NewRecordID validates a record identifier used for lookups and caller-supplied ids.
func NewRecordID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: id is required", ErrValidation)
	}
	if len(trimmed) > maxIDLength {
		return "", fmt.Errorf("%w: id exceeds %d characters", ErrValidation, maxIDLength)
	}
	return trimmed, nil
}

func requireText(rawInput, field string, limit int) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: %s is required", ErrValidation, field)
	}
	if utf8.RuneCountInString(trimmed) > limit {
		return "", fmt.Errorf("%w: %s exceeds %d characters", ErrValidation, field, limit)
	}
	return trimmed, nil
}

// AppendRequest is the unvalidated input of an append.
type AppendRequest struct {
	ID        string
	Author    string
	Content   string
	Tier      string
	Timestamp *time.Time
}

// Draft is a validated append request handed to a Store.
// ID and Timestamp are optional; stores that assign their own ignore them.
type Draft struct {
	ID        string
	Author    Author
	Content   Content
	Tier      Tier
	Timestamp time.Time
}

// NewDraft validates an AppendRequest.
func NewDraft(request AppendRequest) (Draft, error) {
	author, err := NewAuthor(request.Author)
	if err != nil {
		return Draft{}, err
	}
	content, err := NewContent(request.Content)
	if err != nil {
		return Draft{}, err
	}
	tier, err := ParseTier(request.Tier)
	if err != nil {
		return Draft{}, err
	}
	draft := Draft{Author: author, Content: content, Tier: tier}
	if strings.TrimSpace(request.ID) != "" {
		id, err := NewRecordID(request.ID)
		if err != nil {
			return Draft{}, err
		}
		draft.ID = id
	}
	if request.Timestamp != nil && !request.Timestamp.IsZero() {
		draft.Timestamp = request.Timestamp.UTC()
	}
	return draft, nil
}
