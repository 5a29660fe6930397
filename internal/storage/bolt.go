// Package storage is the BoltDB-backed persistence layer for VAGUSGUARD.
//
// Schema (bucket layout):
//
//	/tokens
//	    key:   big-endian u64 tokenId
//	    value: JSON-encoded TokenRecord — a crash-recovery snapshot of the
//	           Capability Issuer's in-memory token table. The Issuer itself
//	           is the source of truth at runtime. The bucket is write-only:
//	           nothing reads it back on startup, and a restarted Issuer
//	           begins again at tokenId 1 with an empty table.
//
//	/latest_aep
//	    key:   big-endian u64 executorId
//	    value: JSON-encoded AEPRecord — the Afferent Inbox's per-executor
//	           latest-evidence slot, persisted before dispatch to the
//	           Reflex Arc so a reflex crash is recoverable from the record.
//
//	/ledger
//	    key:   RFC3339Nano timestamp + "_" + zero-padded monotonic sequence
//	    value: JSON-encoded LedgerEntry — the audit trail for token issues
//	           and revokes, brake admissions, evidence posts, and reflex
//	           outcomes. ANS state transitions are not recorded here.
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model: single-process, single-writer, ACID bbolt
// transactions; reads use read-only transactions.
//
// Retention: ledger entries older than RetentionDays are pruned once on
// startup by the caller (cmd/vagusguardd); no periodic pruning runs.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vagusguard/vagusguard/internal/observability"
)

const (
	DefaultDBPath        = "/var/lib/vagusguard/vagusguard.db"
	SchemaVersion        = "1"
	DefaultRetentionDays = 30

	bucketTokens    = "tokens"
	bucketLatestAEP = "latest_aep"
	bucketLedger    = "ledger"
	bucketMeta      = "meta"
)

// TokenRecord is the persisted snapshot of a capability token.
type TokenRecord struct {
	TokenID          uint64 `json:"token_id"`
	ExecutorID       uint64 `json:"executor_id"`
	ActionID         string `json:"action_id_hex"`
	ScaledLimitsHash string `json:"scaled_limits_hash_hex"`
	IssuedAt         uint64 `json:"issued_at"`
	ExpiresAt        uint64 `json:"expires_at"`
	Revoked          bool   `json:"revoked"`
	RevokedAt        uint64 `json:"revoked_at"`
}

// AEPRecord is the persisted snapshot of the latest evidence for an executor.
type AEPRecord struct {
	ExecutorID        uint64 `json:"executor_id"`
	StateRootSha256   string `json:"state_root_sha256_hex"`
	StateRootKeccak   string `json:"state_root_keccak_hex"`
	MetricsHashSha256 string `json:"metrics_hash_sha256_hex"`
	MetricsHashKeccak string `json:"metrics_hash_keccak_hex"`
	Timestamp         uint64 `json:"timestamp"`
}

// LedgerEntry is a single audit log record.
type LedgerEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Component  string    `json:"component"` // capability | brake | inbox | reflex
	Action     string    `json:"action"`    // matches the §6 event taxonomy tag
	ExecutorID uint64    `json:"executor_id,omitempty"`
	TokenID    uint64    `json:"token_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	NodeID     string    `json:"node_id"`
}

// DB wraps a BoltDB instance with typed accessors for VAGUSGUARD data.
type DB struct {
	db            *bolt.DB
	retentionDays int
	seq           uint64
	metrics       *observability.Metrics
}

// Open opens (or creates) the BoltDB database at path, initialising all
// required buckets and verifying the schema version. metrics may be nil
// (tests, scenarios) in which case storage instrumentation is skipped.
func Open(path string, retentionDays int, metrics *observability.Metrics) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays, metrics: metrics}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketTokens, bucketLatestAEP, bucketLedger, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	if metrics != nil {
		_ = d.db.View(func(tx *bolt.Tx) error {
			metrics.StorageLedgerEntries.Set(float64(tx.Bucket([]byte(bucketLedger)).Stats().KeyN))
			return nil
		})
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, agent requires %q; run migration or restore from backup",
				string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

func tokenKey(tokenID uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, tokenID)
	return b
}

// PutToken writes or updates a token snapshot.
func (d *DB) PutToken(rec TokenRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("PutToken marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketTokens)).Put(tokenKey(rec.TokenID), data)
	})
}

// GetToken reads a token snapshot. Returns (nil, nil) if absent.
func (d *DB) GetToken(tokenID uint64) (*TokenRecord, error) {
	var rec TokenRecord
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketTokens)).Get(tokenKey(tokenID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("GetToken(%d): %w", tokenID, err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

func executorKey(executorID uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, executorID)
	return b
}

// PutLatestAEP writes the latest-evidence snapshot for an executor.
func (d *DB) PutLatestAEP(rec AEPRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("PutLatestAEP marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketLatestAEP)).Put(executorKey(rec.ExecutorID), data)
	})
}

// GetLatestAEP reads the latest-evidence snapshot for an executor.
func (d *DB) GetLatestAEP(executorID uint64) (*AEPRecord, error) {
	var rec AEPRecord
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketLatestAEP)).Get(executorKey(executorID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("GetLatestAEP(%d): %w", executorID, err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// ledgerKey constructs a sortable key: RFC3339Nano + "_" + zero-padded
// monotonic sequence, so lexicographic order equals chronological order
// even when two entries share a timestamp.
func ledgerKey(t time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s_%020d", t.UTC().Format(time.RFC3339Nano), seq))
}

// AppendLedger writes a new audit ledger entry.
func (d *DB) AppendLedger(entry LedgerEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("AppendLedger marshal: %w", err)
	}

	start := time.Now()
	err = d.db.Update(func(tx *bolt.Tx) error {
		d.seq++
		key := ledgerKey(entry.Timestamp, d.seq)
		return tx.Bucket([]byte(bucketLedger)).Put(key, data)
	})
	if d.metrics != nil {
		d.metrics.StorageWriteLatency.Observe(time.Since(start).Seconds())
		if err == nil {
			d.metrics.StorageLedgerEntries.Inc()
		}
	}
	return err
}

// PruneOldLedgerEntries deletes ledger entries older than retentionDays,
// returning the number of entries deleted.
func (d *DB) PruneOldLedgerEntries() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := ledgerKey(cutoff, 0)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldLedgerEntries delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	if err == nil && d.metrics != nil {
		d.metrics.StorageLedgerEntries.Sub(float64(deleted))
	}
	return deleted, err
}

// ReadLedger returns all ledger entries in chronological order. For
// operational inspection; not called on the hot path.
func (d *DB) ReadLedger() ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketLedger)).ForEach(func(_, v []byte) error {
			var entry LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}
