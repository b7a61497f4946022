package config

import (
	"math"

	"seglog/storage/aol"

	"github.com/pkg/errors"
)

type IsolationLevel uint64

const (
	SnapshotIsolation             IsolationLevel = 1
	SerializableSnapshotIsolation IsolationLevel = 2
)

func (l IsolationLevel) Valid() bool {
	return l == SnapshotIsolation || l == SerializableSnapshotIsolation
}

// Engine holds the key-value engine tunables that are persisted alongside the
// log so a directory can be reopened with the settings it was written with.
type Engine struct {
	IsolationLevel    IsolationLevel `yaml:"isolation_level"`
	MaxKeySize        uint64         `yaml:"max_key_size"`
	MaxValueSize      uint64         `yaml:"max_value_size"`
	MaxValueThreshold uint64         `yaml:"max_value_threshold"`
	MaxEntriesPerTxn  uint32         `yaml:"max_entries_per_txn"`
	MaxValueCacheSize uint64         `yaml:"max_value_cache_size"`
}

const (
	metaKeyIsolationLevel    = "isolation_level"
	metaKeyMaxKeySize        = "max_key_size"
	metaKeyMaxValueSize      = "max_value_size"
	metaKeyMaxValueThreshold = "max_value_threshold"
	metaKeyMaxEntriesPerTxn  = "max_entries_per_txn"
	metaKeyMaxFileSize       = "max_file_size"
	metaKeyMaxValueCacheSize = "max_value_cache_size"
)

var ErrCorruptedMetadata = errors.New("corrupted engine metadata")

func DefaultEngine() Engine {
	return Engine{
		IsolationLevel:    SnapshotIsolation,
		MaxKeySize:        1024,
		MaxValueSize:      1024 * 1024,
		MaxValueThreshold: 64,
		MaxEntriesPerTxn:  1 << 12,
		MaxValueCacheSize: 100000,
	}
}

func (e Engine) Validate() error {
	if !e.IsolationLevel.Valid() {
		return errors.Errorf("invalid isolation level %d", e.IsolationLevel)
	}
	if e.MaxKeySize == 0 || e.MaxValueSize == 0 {
		return errors.New("max key size and max value size must be positive")
	}
	if e.MaxEntriesPerTxn == 0 {
		return errors.New("max entries per transaction must be positive")
	}
	return nil
}

// ToMetadata returns the engine options and the segment size limit as header
// metadata.
func (c Config) ToMetadata() *aol.Metadata {
	m := aol.NewMetadata()

	m.PutUint(metaKeyIsolationLevel, uint64(c.Engine.IsolationLevel))
	m.PutUint(metaKeyMaxKeySize, c.Engine.MaxKeySize)
	m.PutUint(metaKeyMaxValueSize, c.Engine.MaxValueSize)
	m.PutUint(metaKeyMaxValueThreshold, c.Engine.MaxValueThreshold)
	m.PutUint(metaKeyMaxEntriesPerTxn, uint64(c.Engine.MaxEntriesPerTxn))
	m.PutUint(metaKeyMaxFileSize, c.WAL.MaxSegmentSize)
	m.PutUint(metaKeyMaxValueCacheSize, c.Engine.MaxValueCacheSize)

	return m
}

// FromMetadata rebuilds a configuration for dir from segment header metadata.
// Settings that are not persisted keep their defaults.
func FromMetadata(m *aol.Metadata, dir string) (Config, error) {
	cfg := Default()
	cfg.Dir = dir

	var missing error
	get := func(key string) uint64 {
		v, err := m.GetUint(key)
		if err != nil && missing == nil {
			missing = errors.Wrapf(ErrCorruptedMetadata, "engine option %s: %v", key, err)
		}
		return v
	}

	isolation := IsolationLevel(get(metaKeyIsolationLevel))
	cfg.Engine.MaxKeySize = get(metaKeyMaxKeySize)
	cfg.Engine.MaxValueSize = get(metaKeyMaxValueSize)
	cfg.Engine.MaxValueThreshold = get(metaKeyMaxValueThreshold)
	entries := get(metaKeyMaxEntriesPerTxn)
	cfg.Engine.MaxEntriesPerTxn = uint32(entries)
	cfg.WAL.MaxSegmentSize = get(metaKeyMaxFileSize)
	cfg.Engine.MaxValueCacheSize = get(metaKeyMaxValueCacheSize)

	if missing != nil {
		return Config{}, missing
	}
	if entries > math.MaxUint32 {
		return Config{}, errors.Wrapf(ErrCorruptedMetadata, "max entries per transaction %d overflows", entries)
	}
	if !isolation.Valid() {
		return Config{}, errors.Wrapf(ErrCorruptedMetadata, "unknown isolation level %d", isolation)
	}
	cfg.Engine.IsolationLevel = isolation

	return cfg, nil
}
