package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	badger "github.com/dgraph-io/badger/v4"
)

// Badger is a Store backed by a BadgerDB database in the model directory.
type Badger struct {
	db *badger.DB
}

// Create opens the store at dir for writing, creating the directory if
// needed.
func Create(dir string) (*Badger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create %s: %w", dir, err)
	}
	return open(dir)
}

// Open opens an existing store at dir. A missing directory yields
// ErrPathNotFound rather than an implicitly created empty store.
func Open(dir string) (*Badger, error) {
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact: open %s: %w", dir, ErrPathNotFound)
		}
		return nil, fmt.Errorf("artifact: open %s: %w", dir, err)
	}
	return open(dir)
}

func open(dir string) (*Badger, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(badgerLogger{}))
	if err != nil {
		return nil, fmt.Errorf("artifact: open %s: %w", dir, err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Get(_ context.Context, name string) ([]byte, error) {
	var blob []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(name))
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("artifact: get %q: %w", name, ErrNotFound)
	}
	return blob, err
}

func (b *Badger) Put(_ context.Context, name string, blob []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(name), blob)
	})
}

func (b *Badger) PutAll(_ context.Context, blobs map[string][]byte) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for name, blob := range blobs {
		if err := wb.Set([]byte(name), blob); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (b *Badger) Delete(_ context.Context, name string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(name))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (b *Badger) Names(_ context.Context) ([]string, error) {
	var names []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger's warnings and errors through slog and drops
// the rest.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...interface{}) {
	slog.Error("badger: " + fmt.Sprintf(f, v...))
}
func (badgerLogger) Warningf(f string, v ...interface{}) {
	slog.Warn("badger: " + fmt.Sprintf(f, v...))
}
func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
