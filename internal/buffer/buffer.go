// Package buffer holds the most recent captured input text. The capture
// collaborator writes, the router reads; a version counter lets readers tell
// whether the buffer moved since their last snapshot.
package buffer

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// DefaultMaxSize caps the rolling window when the caller passes 0.
const DefaultMaxSize = 2000

// Stats reports buffer usage for diagnostics.
type Stats struct {
	CurrentLength int   `json:"current_length"`
	TotalChars    int64 `json:"total_chars_typed"`
}

// Buffer is a concurrency-safe rolling text window. Writers append or erase;
// readers take a copy via Snapshot, never a reference into shared state.
type Buffer struct {
	mu         sync.Mutex
	text       string
	version    uint64
	maxSize    int
	totalChars int64
}

// New creates a Buffer keeping at most maxSize bytes. maxSize <= 0 selects
// DefaultMaxSize.
func New(maxSize int) *Buffer {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Buffer{maxSize: maxSize}
}

// Append adds captured text, trimming the front when the rolling cap is
// exceeded.
func (b *Buffer) Append(text string) {
	if text == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text += text
	b.totalChars += int64(len(text))
	if len(b.text) > b.maxSize {
		cut := len(b.text) - b.maxSize
		// Never cut mid-rune: advance to the next rune boundary so the
		// window front stays valid UTF-8.
		for cut < len(b.text) && !utf8.RuneStart(b.text[cut]) {
			cut++
		}
		b.text = b.text[cut:]
	}
	b.version++
}

// Backspace removes the last character, keeping the buffer in sync with what
// the user actually sees on screen.
func (b *Buffer) Backspace() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.text == "" {
		return
	}
	_, size := utf8.DecodeLastRuneInString(b.text)
	b.text = b.text[:len(b.text)-size]
	b.version++
}

// Clear wipes the buffer, e.g. when the foreground window changes.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.text == "" {
		return
	}
	b.text = ""
	b.version++
}

// Snapshot returns a trimmed copy of the current text and the version it was
// taken at. The returned string is the reader's to keep.
func (b *Buffer) Snapshot() (string, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.text), b.version
}

// Len returns the current untrimmed length.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.text)
}

// Stats returns usage counters for the session.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{CurrentLength: len(b.text), TotalChars: b.totalChars}
}
