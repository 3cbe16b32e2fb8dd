// Package memory defines the core data model for stored memories.
//
// A Memory is a short text record identified by a deterministic hash of its
// normalized content. Two memories with identical content (after
// normalization) collide by design and are treated as duplicates.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// fingerprintPrefix bounds how much content is inspected when computing a
// fingerprint. Inspecting a bounded prefix keeps hashing cheap for large
// payloads; two long memories sharing a common prefix are treated as
// duplicates, which is an accepted false positive.
const fingerprintPrefix = 500

// Memory is a stored content record with tags, type, and creation time.
type Memory struct {
	// Content is the memory text as persisted. May be a truncated copy of
	// the submitted content when the rate limiter truncates over-length
	// input.
	Content string `json:"content"`

	// ContentHash is the stable, content-derived identifier. It is a pure
	// function of the normalized content.
	ContentHash string `json:"content_hash"`

	Tags       []string          `json:"tags,omitempty"`
	MemoryType string            `json:"memory_type,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// New creates a Memory from content, deriving its ContentHash.
func New(content string, tags []string, memoryType string) *Memory {
	return &Memory{
		Content:     content,
		ContentHash: Fingerprint(content),
		Tags:        tags,
		MemoryType:  memoryType,
		CreatedAt:   time.Now(),
	}
}

// Fingerprint computes the content-derived identifier: the content is
// case-folded and whitespace-trimmed, the first 500 characters are hashed
// with SHA-256, and the first 16 hex characters are returned.
func Fingerprint(content string) string {
	normalized := strings.ToLower(strings.TrimSpace(content))
	if len(normalized) > fingerprintPrefix {
		normalized = normalized[:fingerprintPrefix]
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

// HasTag reports whether the memory carries the given tag.
func (m *Memory) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
