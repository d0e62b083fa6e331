package store

import (
	"encoding/binary"
	"errors"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/juant72/prozchain-sub003/bft"
	"github.com/juant72/prozchain-sub003/lib"
)

/* This file implements badger-backed persistence for the consensus core: committed
blocks with their certificates, the height watermark, and the evidence archive */

var (
	blockHashPrefix = []byte("b/") // height -> committed block hash
	certPrefix      = []byte("c/") // height -> commit certificate
	evidencePrefix  = []byte("e/") // content hash -> evidence record
	lastHeightKey   = []byte("a/lastHeight")
)

// Store persists everything the consensus core must survive a restart with. The height
// watermark is monotone: a commit at or below it is refused, because silently accepting
// a regression would let the node re-decide an already decided height
type Store struct {
	db  *badger.DB
	log lib.LoggerI
}

// enforce the driver's ports
var (
	_ bft.BlockStore     = &Store{}
	_ bft.SlashingModule = &Store{}
)

// New() opens the database under the configured data directory, or fully in memory
// for tests
func New(config lib.Config, log lib.LoggerI) (*Store, lib.ErrorI) {
	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Join(config.DataDirPath, config.DBName))
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, ErrOpenDB(err)
	}
	return &Store{db: db, log: log}, nil
}

// Close() releases the database
func (s *Store) Close() lib.ErrorI {
	if err := s.db.Close(); err != nil {
		return ErrCloseDB(err)
	}
	return nil
}

// StoreCommitted() atomically persists the committed block hash, its certificate, and
// the advanced watermark. A height at or below the watermark is a regression and is
// refused; the caller treats that as fatal
func (s *Store) StoreCommitted(height uint64, blockHash lib.HexBytes, certificate *bft.QuorumCertificate) lib.ErrorI {
	watermark, err := s.LastCommittedHeight()
	if err != nil {
		return err
	}
	if watermark != 0 && height <= watermark {
		return ErrHeightRegression(height, watermark)
	}
	certBytes, err := lib.Marshal(certificate)
	if err != nil {
		return err
	}
	e := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(heightKey(blockHashPrefix, height), blockHash); err != nil {
			return err
		}
		if err := txn.Set(heightKey(certPrefix, height), certBytes); err != nil {
			return err
		}
		return txn.Set(lastHeightKey, encodeHeight(height))
	})
	if e != nil {
		return ErrStoreSet(e)
	}
	s.log.Infof("Persisted height %d block %s", height, lib.BytesToTruncatedString(blockHash))
	return nil
}

// LastCommittedHeight() returns the persisted watermark, 0 if nothing committed yet
func (s *Store) LastCommittedHeight() (height uint64, err lib.ErrorI) {
	e := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(lastHeightKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			height = decodeHeight(val)
			return nil
		})
	})
	if e != nil {
		return 0, ErrStoreGet(e)
	}
	return height, nil
}

// GetCommitted() retrieves a committed block hash and its certificate by height
func (s *Store) GetCommitted(height uint64) (blockHash lib.HexBytes, certificate *bft.QuorumCertificate, err lib.ErrorI) {
	var certBytes []byte
	e := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(heightKey(blockHashPrefix, height))
		if err != nil {
			return err
		}
		if blockHash, err = item.ValueCopy(nil); err != nil {
			return err
		}
		if item, err = txn.Get(heightKey(certPrefix, height)); err != nil {
			return err
		}
		certBytes, err = item.ValueCopy(nil)
		return err
	})
	if e != nil {
		return nil, nil, ErrStoreGet(e)
	}
	certificate = new(bft.QuorumCertificate)
	if err = lib.Unmarshal(certBytes, certificate); err != nil {
		return nil, nil, err
	}
	return blockHash, certificate, nil
}

// SubmitEvidence() archives an evidence record keyed by its content hash. The archive
// is the durable half of idempotent emission: a record already present is a no-op
func (s *Store) SubmitEvidence(evidence *bft.Evidence) error {
	hash, err := evidence.Hash()
	if err != nil {
		return err
	}
	bz, err := lib.Marshal(evidence)
	if err != nil {
		return err
	}
	e := s.db.Update(func(txn *badger.Txn) error {
		key := append(append([]byte{}, evidencePrefix...), hash...)
		if _, err := txn.Get(key); err == nil {
			return nil
		}
		return txn.Set(key, bz)
	})
	if e != nil {
		return ErrStoreSet(e)
	}
	return nil
}

// GetEvidence() returns every archived evidence record
func (s *Store) GetEvidence() (out []*bft.Evidence, err lib.ErrorI) {
	e := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = evidencePrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				evidence := new(bft.Evidence)
				if err := lib.Unmarshal(val, evidence); err != nil {
					return err
				}
				out = append(out, evidence)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if e != nil {
		return nil, ErrStoreIterator(e)
	}
	return out, nil
}

// heightKey() builds a prefixed big-endian height key so iteration orders by height
func heightKey(prefix []byte, height uint64) []byte {
	return append(append([]byte{}, prefix...), encodeHeight(height)...)
}

func encodeHeight(height uint64) []byte {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, height)
	return bz
}

func decodeHeight(bz []byte) uint64 {
	if len(bz) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(bz)
}
