package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/healthsimple/companion-gateway/internal/conversation"
)

const (
	keyPrefix     = "transcript:"
	summaryPrefix = "summary:"
)

// Badger is a Store backed by BadgerDB. Each turn is stored under
// transcript:<session>:<20-digit sequence> and each summary under
// summary:<session>, both as msgpack records.
type Badger struct {
	db *badger.DB

	// Appends to one session must not interleave their sequence numbers.
	mu sync.Mutex
}

// BadgerOptions configures the BadgerDB store.
type BadgerOptions struct {
	// Dir is the directory for BadgerDB data files. Required unless InMemory.
	Dir string

	// InMemory keeps data in memory only.
	InMemory bool

	// Logger receives badger's warnings and errors.
	Logger zerolog.Logger
}

// NewBadger opens a BadgerDB-backed Store.
func NewBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("store: BadgerOptions.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).
		WithInMemory(opts.InMemory).
		WithLogger(badgerLogger{opts.Logger})

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript store: %w", err)
	}
	return &Badger{db: db}, nil
}

func sessionPrefix(sessionID string) []byte {
	return []byte(keyPrefix + sessionID + ":")
}

func turnKey(sessionID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", keyPrefix, sessionID, seq))
}

func (b *Badger) Append(_ context.Context, sessionID string, turns ...conversation.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.db.Update(func(txn *badger.Txn) error {
		seq, err := lastSeq(txn, sessionPrefix(sessionID))
		if err != nil {
			return err
		}
		for _, turn := range turns {
			value, err := msgpack.Marshal(turn)
			if err != nil {
				return fmt.Errorf("failed to encode turn: %w", err)
			}
			seq++
			if err := txn.Set(turnKey(sessionID, seq), value); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapClosed(err)
}

// lastSeq returns the highest sequence stored under prefix, or 0.
func lastSeq(txn *badger.Txn, prefix []byte) (uint64, error) {
	iterOpts := badger.DefaultIteratorOptions
	iterOpts.Reverse = true
	iterOpts.PrefetchValues = false
	iterOpts.Prefix = prefix
	it := txn.NewIterator(iterOpts)
	defer it.Close()

	it.Seek(append(append([]byte(nil), prefix...), 0xFF))
	if !it.ValidForPrefix(prefix) {
		return 0, nil
	}
	key := string(it.Item().Key())
	seq, err := strconv.ParseUint(strings.TrimPrefix(key, string(prefix)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed transcript key %q: %w", key, err)
	}
	return seq, nil
}

func (b *Badger) List(_ context.Context, sessionID string) ([]conversation.Turn, error) {
	prefix := sessionPrefix(sessionID)
	var turns []conversation.Turn

	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var turn conversation.Turn
				if err := msgpack.Unmarshal(val, &turn); err != nil {
					return fmt.Errorf("failed to decode turn: %w", err)
				}
				turns = append(turns, turn)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapClosed(err)
	}
	return turns, nil
}

func summaryKey(sessionID string) []byte {
	return []byte(summaryPrefix + sessionID)
}

func (b *Badger) SaveSummary(_ context.Context, summary Summary) error {
	value, err := msgpack.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(summaryKey(summary.SessionID), value)
	})
	return wrapClosed(err)
}

func (b *Badger) Summary(_ context.Context, sessionID string) (Summary, error) {
	var summary Summary
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(summaryKey(sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := msgpack.Unmarshal(val, &summary); err != nil {
				return fmt.Errorf("failed to decode summary: %w", err)
			}
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Summary{}, ErrNotFound
	}
	if err != nil {
		return Summary{}, wrapClosed(err)
	}
	return summary, nil
}

func (b *Badger) Ping(context.Context) error {
	if b.db.IsClosed() {
		return ErrClosed
	}
	return nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func wrapClosed(err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	return err
}

// badgerLogger forwards badger's warnings and errors to zerolog.
type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Error().Str("component", "badger").Msgf(strings.TrimSpace(f), v...)
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warn().Str("component", "badger").Msgf(strings.TrimSpace(f), v...)
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
