package scheduler

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v3"
)

// Journal keeps tasks that were scheduled but have not run yet.
type Journal interface {
	Save(task Task) error
	Delete(id string) error
	// Pending returns journaled tasks ordered by due time.
	Pending() ([]Task, error)
	Close() error
}

// NopJournal keeps nothing.
type NopJournal struct{}

func (NopJournal) Save(Task) error          { return nil }
func (NopJournal) Delete(string) error      { return nil }
func (NopJournal) Pending() ([]Task, error) { return nil, nil }
func (NopJournal) Close() error             { return nil }

const keyPrefix = "task:"

// BadgerJournal stores tasks in a local BadgerDB directory.
type BadgerJournal struct {
	db *badger.DB
}

// OpenBadgerJournal opens or creates the journal at path.
func OpenBadgerJournal(path string) (*BadgerJournal, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger journal: %w", err)
	}
	return &BadgerJournal{db: db}, nil
}

func taskKey(id string) []byte { return []byte(keyPrefix + id) }

func (j *BadgerJournal) Save(task Task) error {
	val, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(taskKey(task.ID), val)
	})
}

// Delete removes a task. Deleting an unknown id is not an error.
func (j *BadgerJournal) Delete(id string) error {
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(taskKey(id))
	})
}

func (j *BadgerJournal) Pending() ([]Task, error) {
	tasks := make([]Task, 0)
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var task Task
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &task)
			}); err != nil {
				return err
			}
			tasks = append(tasks, task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(a, b int) bool { return tasks[a].Due.Before(tasks[b].Due) })
	return tasks, nil
}

func (j *BadgerJournal) Close() error {
	return j.db.Close()
}
