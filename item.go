// Package clientsync implements a client-side state synchronization engine:
// an optimistically-mutated mirror of a user's saved items, a cached view of
// the user's subscription entitlement, and an idempotent confirmation flow
// for externally-initiated payments.
package clientsync

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Item is a single saved-item record mirrored from the server.
//
// Items are never hard-deleted from the mirror; a removal sets Removed so a
// failed server mutation can be rolled back without re-synthesizing the
// record.
type Item struct {
	// ID is the stable identity of the item, derived via ExtractID.
	ID string `json:"id"`

	DisplayName string `json:"displayName,omitempty"`
	ImageRef    string `json:"imageRef,omitempty"`

	// Source and SourceID identify the external origin of the item, when
	// known. Two items with equal (Source, SourceID) are the same entity
	// even if their derived IDs differ.
	Source   string `json:"source,omitempty"`
	SourceID string `json:"sourceId,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	AddedAt time.Time `json:"addedAt"`
	Removed bool      `json:"removed,omitempty"`
}

// SameEntity reports whether two items refer to the same server-side entity.
func SameEntity(a, b Item) bool {
	if a.ID != "" && a.ID == b.ID {
		return true
	}
	return a.Source != "" && a.SourceID != "" &&
		a.Source == b.Source && a.SourceID == b.SourceID
}

// ItemData is the loosely-typed shape items arrive in from the server or the
// host application. ExtractID derives a stable identity from it.
type ItemData map[string]any

// Keys probed by ExtractID, in priority order.
const (
	keyID       = "id"
	keyAltID    = "itemId"
	keySourceID = "sourceId"
	keySource   = "source"
	keyName     = "name"
)

// ExtractID derives a stable identifier from raw item data.
//
// Priority: primary id field, alternate id field, external source id, a
// deterministic digest of name plus source, and finally a generated
// identifier carrying the current timestamp. Only the last step is
// non-deterministic; it exists so an item with no identifying data at all is
// still representable, and such ids are never expected to match across
// sessions.
func ExtractID(data ItemData, now time.Time) string {
	for _, key := range []string{keyID, keyAltID} {
		if s := stringField(data, key); s != "" {
			return s
		}
	}

	if sid := stringField(data, keySourceID); sid != "" {
		source := stringField(data, keySource)
		if source != "" {
			return source + ":" + sid
		}
		return sid
	}

	if name := stringField(data, keyName); name != "" {
		return Slug(name, stringField(data, keySource))
	}

	return fmt.Sprintf("gen-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// Slug returns a deterministic identifier for a name/source pair: a
// truncated BLAKE3 digest of the normalised inputs.
func Slug(name, source string) string {
	normalised := strings.ToLower(strings.TrimSpace(name)) + "\x00" +
		strings.ToLower(strings.TrimSpace(source))
	sum := blake3.Sum256([]byte(normalised))
	return "slug-" + hex.EncodeToString(sum[:8])
}

// NewPlaceholder synthesizes a minimal renderable Item for an id the mirror
// has no data for. Used when an add arrives before the full record.
func NewPlaceholder(id string, now time.Time) *Item {
	return &Item{
		ID:          id,
		DisplayName: id,
		AddedAt:     now,
	}
}

// FromData builds an Item from raw data, deriving its identity.
func FromData(data ItemData, now time.Time) *Item {
	item := &Item{
		ID:          ExtractID(data, now),
		DisplayName: stringField(data, keyName),
		Source:      stringField(data, keySource),
		SourceID:    stringField(data, keySourceID),
		AddedAt:     now,
	}
	if img := stringField(data, "image"); img != "" {
		item.ImageRef = img
	}
	if len(data) > 0 {
		item.Metadata = map[string]any(data)
	}
	return item
}

func stringField(data ItemData, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return strings.TrimSpace(s)
}
