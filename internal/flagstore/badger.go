package flagstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const keyPrefix = "flagged:"

// Badger is a Store persisted with BadgerDB. The value of each key is the
// RFC 3339 time the number was first flagged.
type Badger struct {
	db  *badger.DB
	now func() time.Time
}

type BadgerOptions struct {
	// Dir is the database directory. Required unless InMemory is set.
	Dir      string
	InMemory bool
	Logger   *slog.Logger
}

func OpenBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("flagstore: badger dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dbOpts = dbOpts.WithLogger(slogBadgerLogger{log: logger.With("component", "badger")})

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open flag store: %w", err)
	}
	return &Badger{db: db, now: time.Now}, nil
}

func (b *Badger) Contains(_ context.Context, number string) (bool, error) {
	n, err := Normalize(number)
	if err != nil {
		return false, err
	}
	err = b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(keyPrefix + n))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Add is idempotent: re-flagging keeps the original timestamp.
func (b *Badger) Add(_ context.Context, number string) error {
	n, err := Normalize(number)
	if err != nil {
		return err
	}
	key := []byte(keyPrefix + n)
	return b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, []byte(b.now().UTC().Format(time.RFC3339)))
	})
}

func (b *Badger) List(context.Context) ([]string, error) {
	var out []string
	prefix := []byte(keyPrefix)
	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			out = append(out, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return out, err
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// slogBadgerLogger forwards badger's warnings and errors to slog and drops
// its info/debug chatter.
type slogBadgerLogger struct {
	log *slog.Logger
}

func (l slogBadgerLogger) Errorf(f string, v ...interface{}) {
	l.log.Error(fmt.Sprintf(f, v...))
}

func (l slogBadgerLogger) Warningf(f string, v ...interface{}) {
	l.log.Warn(fmt.Sprintf(f, v...))
}

func (slogBadgerLogger) Infof(string, ...interface{})  {}
func (slogBadgerLogger) Debugf(string, ...interface{}) {}
