// Package segment cuts an incremental stream of text fragments into
// speakable phrases.
package segment

import (
	"context"
	"errors"
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"

	"google.golang.org/api/iterator"
)

// DefaultMaxWords is the word count at which a phrase is force-split.
const DefaultMaxWords = 25

// Phrase is a trimmed, non-empty unit of text with its position in the
// phrase sequence of one response.
type Phrase struct {
	Index int
	Text  string
}

// Segmenter accumulates fragments and decides phrase boundaries. It is not
// safe for concurrent use.
type Segmenter struct {
	buf      strings.Builder
	maxWords int
	next     int
}

// New creates a Segmenter. maxWords < 1 uses DefaultMaxWords.
func New(maxWords int) *Segmenter {
	if maxWords < 1 {
		maxWords = DefaultMaxWords
	}
	return &Segmenter{maxWords: maxWords}
}

// MaxWords returns the length cap.
func (s *Segmenter) MaxWords() int {
	return s.maxWords
}

// Push appends fragment and returns a phrase if one is complete.
//
// A buffer ending in '.', '!' or '?' (trailing whitespace allowed) is
// emitted whole. Otherwise, once the buffer holds maxWords words, it is cut
// after the last ',', ';' or ':' that is followed by whitespace, or emitted
// whole when there is no such mark. The sentence check always runs first.
func (s *Segmenter) Push(fragment string) (Phrase, bool) {
	s.buf.WriteString(fragment)
	text := s.buf.String()

	if endsSentence(text) {
		s.buf.Reset()
		return s.emit(text)
	}

	if len(strings.Fields(text)) < s.maxWords {
		return Phrase{}, false
	}

	if cut := lastClauseBreak(text); cut > 0 {
		s.buf.Reset()
		s.buf.WriteString(text[cut:])
		return s.emit(text[:cut])
	}

	s.buf.Reset()
	return s.emit(text)
}

// Flush emits whatever remains in the buffer.
func (s *Segmenter) Flush() (Phrase, bool) {
	text := s.buf.String()
	s.buf.Reset()
	return s.emit(text)
}

// Pending returns the buffered text not yet emitted.
func (s *Segmenter) Pending() string {
	return s.buf.String()
}

// Reset drops buffered text and restarts phrase numbering.
func (s *Segmenter) Reset() {
	s.buf.Reset()
	s.next = 0
}

func (s *Segmenter) emit(text string) (Phrase, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Phrase{}, false
	}
	p := Phrase{Index: s.next, Text: text}
	s.next++
	return p, true
}

func endsSentence(text string) bool {
	trimmed := strings.TrimRightFunc(text, unicode.IsSpace)
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

// lastClauseBreak returns the index just past the last ',', ';' or ':'
// followed by whitespace, or 0. Whitespace is what strings.Fields splits on.
func lastClauseBreak(text string) int {
	for i := len(text) - 2; i >= 0; i-- {
		switch text[i] {
		case ',', ';', ':':
			if r, _ := utf8.DecodeRuneInString(text[i+1:]); unicode.IsSpace(r) {
				return i + 1
			}
		}
	}
	return 0
}

// Phrases segments a materialized fragment sequence.
func Phrases(fragments iter.Seq[string], maxWords int) iter.Seq[Phrase] {
	return func(yield func(Phrase) bool) {
		s := New(maxWords)
		for fragment := range fragments {
			if p, ok := s.Push(fragment); ok {
				if !yield(p) {
					return
				}
			}
		}
		if p, ok := s.Flush(); ok {
			yield(p)
		}
	}
}

// FragmentSource yields text fragments until it returns iterator.Done.
type FragmentSource interface {
	Next() (string, error)
}

// Iterator pulls fragments from a FragmentSource on demand and returns
// phrases. Next returns iterator.Done after the last phrase.
type Iterator struct {
	ctx context.Context
	src FragmentSource
	seg *Segmenter
	err error
}

// NewIterator creates an Iterator over src.
func NewIterator(ctx context.Context, src FragmentSource, maxWords int) *Iterator {
	return &Iterator{
		ctx: ctx,
		src: src,
		seg: New(maxWords),
	}
}

// Next returns the next phrase. Fragments are only pulled from the source
// while no phrase is ready. A source error or cancellation is returned as
// is and the buffered partial phrase is dropped.
func (it *Iterator) Next() (Phrase, error) {
	for {
		if it.err != nil {
			return Phrase{}, it.err
		}
		if err := it.ctx.Err(); err != nil {
			it.err = err
			continue
		}

		fragment, err := it.src.Next()
		if errors.Is(err, iterator.Done) {
			it.err = iterator.Done
			if p, ok := it.seg.Flush(); ok {
				return p, nil
			}
			continue
		}
		if err != nil {
			it.err = err
			continue
		}

		if p, ok := it.seg.Push(fragment); ok {
			return p, nil
		}
	}
}
