package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/devghori1264/aerophoenix/fleetd/internal/models"
	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerStore implements Store with Badger DB.
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore opens a store at path. An empty path opens an in-memory DB.
func NewBadgerStore(path string, log *zap.Logger) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path))
		opts = opts.WithValueLogFileSize(1 << 20) // smaller value log for local dev
	}
	if log != nil {
		opts.Logger = badgerLogger{log.Named("badger").Sugar()}
	} else {
		opts.Logger = nil
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: db closed")
	}
	return nil
}

// machinePrefix length-prefixes the cluster ID so that no cluster's key range
// can overlap another's, whatever bytes the IDs contain.
func machinePrefix(clusterID string) []byte {
	return []byte("machine:" + strconv.Itoa(len(clusterID)) + ":" + clusterID + ":")
}

func machineKey(clusterID, id string) []byte {
	return append(machinePrefix(clusterID), id...)
}

func stateKey(id string) []byte {
	return []byte("state:" + id)
}

func (s *BadgerStore) ListMachines(_ context.Context, clusterID string) ([]models.Machine, error) {
	out := make([]models.Machine, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := machinePrefix(clusterID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m models.Machine
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &m)
			}); err != nil {
				return err
			}
			// cluster ids may contain ':' so the prefix alone is not enough
			if m.ClusterID == clusterID {
				out = append(out, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	sortMachines(out)
	return out, nil
}

func (s *BadgerStore) CreateMachine(_ context.Context, m models.Machine) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		key := machineKey(m.ClusterID, m.ID)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("machine %s exists: %w", m.ID, models.ErrConflict)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	return mapBadgerErr(err)
}

func (s *BadgerStore) GetMachine(_ context.Context, clusterID, machineID string) (models.Machine, error) {
	var out models.Machine
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = getMachine(txn, clusterID, machineID)
		return err
	})
	if err != nil {
		return models.Machine{}, mapBadgerErr(err)
	}
	return out, nil
}

func (s *BadgerStore) UpdateMachine(_ context.Context, clusterID, machineID string, fn func(*models.Machine) error) (models.Machine, error) {
	var out models.Machine
	err := s.db.Update(func(txn *badger.Txn) error {
		current, err := getMachine(txn, clusterID, machineID)
		if err != nil {
			return err
		}
		next, err := applyUpdate(current, fn)
		if errors.Is(err, ErrNoChange) {
			out = current
			return nil
		}
		if err != nil {
			return err
		}
		next.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		out = next
		return txn.Set(machineKey(clusterID, machineID), data)
	})
	if err != nil {
		return models.Machine{}, mapBadgerErr(err)
	}
	return out, nil
}

func (s *BadgerStore) DeleteMachine(_ context.Context, clusterID, machineID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := getMachine(txn, clusterID, machineID); err != nil {
			return err
		}
		if err := txn.Delete(machineKey(clusterID, machineID)); err != nil {
			return err
		}
		return txn.Delete(stateKey(machineID))
	})
	return mapBadgerErr(err)
}

func (s *BadgerStore) GetState(_ context.Context, machineID string) (models.LifecycleState, error) {
	var out models.LifecycleState
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = getState(txn, machineID)
		return err
	})
	if err != nil {
		return models.StateStopped, mapBadgerErr(err)
	}
	return out, nil
}

func (s *BadgerStore) CompareAndSwapState(_ context.Context, machineID string, from, to models.LifecycleState) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		current, err := getState(txn, machineID)
		if err != nil {
			return err
		}
		if current != from {
			return fmt.Errorf("machine %s is %s: %w", machineID, current, models.ErrConflict)
		}
		return txn.Set(stateKey(machineID), []byte(to.String()))
	})
	return mapBadgerErr(err)
}

func (s *BadgerStore) SetState(_ context.Context, machineID string, to models.LifecycleState) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey(machineID), []byte(to.String()))
	})
	return mapBadgerErr(err)
}

func getMachine(txn *badger.Txn, clusterID, machineID string) (models.Machine, error) {
	var out models.Machine
	item, err := txn.Get(machineKey(clusterID, machineID))
	if err != nil {
		return out, err
	}
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &out)
	})
	if err != nil {
		return out, err
	}
	if out.ClusterID != clusterID || out.ID != machineID {
		return models.Machine{}, badger.ErrKeyNotFound
	}
	return out, nil
}

func getState(txn *badger.Txn, machineID string) (models.LifecycleState, error) {
	item, err := txn.Get(stateKey(machineID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return models.StateStopped, nil
	}
	if err != nil {
		return models.StateStopped, err
	}
	var out models.LifecycleState
	err = item.Value(func(v []byte) error {
		var perr error
		out, perr = models.ParseLifecycleState(string(v))
		return perr
	})
	return out, err
}

// mapBadgerErr translates badger sentinels into the domain taxonomy.
// A transaction conflict means a concurrent writer won the race.
func mapBadgerErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return models.ErrNotFound
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("badger txn: %w", models.ErrConflict)
	default:
		return err
	}
}

type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}
