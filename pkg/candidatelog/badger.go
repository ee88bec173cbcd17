package candidatelog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore backs the event log with an embedded Badger database.
//
// Keys are "ev:<date>:<seq>" with a monotonic per-process sequence, so a
// prefix iteration over one date returns that partition in append order.
// Semantics match FileStore: append-only, corrupt records degrade the
// partition to an empty read.
type BadgerStore struct {
	db  *badger.DB
	mu  sync.Mutex
	seq uint64
}

// NewBadgerStore opens (or creates) a Badger database at dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // Badger's own logging is noisy for a CLI tool

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger candidate log: %w", err)
	}

	s := &BadgerStore{db: db}
	if err := s.loadSequence(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BadgerStore) loadSequence() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the "ev:" keyspace and take the highest sequence seen.
		it.Seek([]byte("ev;"))
		if it.ValidForPrefix([]byte("ev:")) {
			key := it.Item().Key()
			if len(key) >= 8 {
				s.seq = binary.BigEndian.Uint64(key[len(key)-8:])
			}
		}
		return nil
	})
}

func (s *BadgerStore) key(date string) []byte {
	s.seq++
	key := make([]byte, 0, 3+len(date)+1+8)
	key = append(key, []byte("ev:"+date+":")...)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], s.seq)
	return append(key, seq[:]...)
}

// Append writes one event record.
func (s *BadgerStore) Append(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling candidate event: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(ev.PartitionDate()), data)
	})
	if err != nil {
		return fmt.Errorf("writing candidate event: %w", err)
	}
	return nil
}

// ReadDate iterates one date partition. Corrupt records degrade the whole
// partition to an empty read, matching FileStore.
func (s *BadgerStore) ReadDate(date string) ([]Event, error) {
	var events []Event
	corrupt := false

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("ev:" + date + ":")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var ev Event
				if err := json.Unmarshal(val, &ev); err != nil {
					corrupt = true
					return nil
				}
				events = append(events, ev)
				return nil
			})
			if err != nil {
				return err
			}
			if corrupt {
				return nil
			}
		}
		return nil
	})
	if err != nil || corrupt {
		return []Event{}, nil
	}
	return events, nil
}

// ReadAll concatenates all partitions in date order.
func (s *BadgerStore) ReadAll() ([]Event, error) {
	dates, err := s.Dates()
	if err != nil {
		return nil, err
	}

	var all []Event
	for _, date := range dates {
		events, err := s.ReadDate(date)
		if err != nil {
			return nil, err
		}
		all = append(all, events...)
	}
	return all, nil
}

// Dates lists distinct partition dates present in the keyspace.
func (s *BadgerStore) Dates() ([]string, error) {
	seen := make(map[string]struct{})

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte("ev:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			// ev:<date>:<seq> with a fixed-width 10-char date.
			if len(key) < 3+10 {
				continue
			}
			seen[string(key[3:13])] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing candidate log dates: %w", err)
	}

	dates := make([]string, 0, len(seen))
	for d := range seen {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
