package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Schema (bbolt bucket layout), adapted from the persistence shape of an
// embedded crash/ledger store:
//
//	/crashes
//	    key:   uuid
//	    value: JSON-encoded CrashMeta
//
//	/byhash
//	    key:   sha256(dump signature), hex-encoded
//	    value: uuid of the crash that signature first produced
//
//	/reports
//	    key:   RFC3339Nano timestamp + "_" + uuid  (sortable)
//	    value: JSON-encoded reportEntry
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
const (
	DefaultDBPath = "/var/lib/abrtd/abrtd.db"
	SchemaVersion = "1"

	bucketCrashes = "crashes"
	bucketByHash  = "byhash"
	bucketReports = "reports"
	bucketMeta    = "meta"
)

type reportEntry struct {
	Timestamp time.Time `json:"timestamp"`
	UUID      string    `json:"uuid"`
	UID       string    `json:"uid"`
	Forced    bool      `json:"forced"`
}

// Store is the embedded bbolt-backed implementation of MiddleWare.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database at path and ensures its buckets and
// schema version exist.
func Open(path string) (*Store, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	s := &Store{db: bdb}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketCrashes, bucketByHash, bucketReports, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(SchemaVersion))
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := s.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) checkSchemaVersion() error {
	return s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMeta)).Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("schema version mismatch: database has %q, daemon requires %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// dumpSignature reads the small set of metadata files an external collector
// leaves in a crash-dump directory and derives a dedupe signature from them.
// Missing files fall back to conservative defaults; this never fails.
func dumpSignature(dumpDir string) (pkg, uid string, informAll, corrupted bool, hash []byte) {
	read := func(name string) string {
		b, err := os.ReadFile(filepath.Join(dumpDir, name))
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(b))
	}

	pkg = read("package")
	uid = read("uid")
	if _, err := os.Stat(filepath.Join(dumpDir, "inform_all")); err == nil {
		informAll = true
	}
	if _, err := os.Stat(filepath.Join(dumpDir, "corrupted")); err == nil {
		corrupted = true
	}

	signature := read("backtrace")
	if signature == "" {
		signature = read("reason")
	}
	if signature == "" {
		signature = filepath.Base(dumpDir)
	}

	sum := sha256.Sum256([]byte(pkg + "\x00" + signature))
	hash = sum[:]
	return
}

// LoadDebugDump implements MiddleWare.
func (s *Store) LoadDebugDump(dumpDir string) (Result, CrashMeta, CrashMeta, error) {
	pkg, uid, informAll, corrupted, hash := dumpSignature(dumpDir)
	hashKey := []byte(hex.EncodeToString(hash))

	var existingUUID string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketByHash)).Get(hashKey)
		if v != nil {
			existingUUID = string(v)
		}
		return nil
	})
	if err != nil {
		return ResultOther, CrashMeta{}, CrashMeta{}, err
	}

	if existingUUID != "" {
		var existing CrashMeta
		err := s.db.Update(func(tx *bolt.Tx) error {
			crashes := tx.Bucket([]byte(bucketCrashes))
			data := crashes.Get([]byte(existingUUID))
			if data == nil {
				return fmt.Errorf("dangling byhash entry for uuid %q", existingUUID)
			}
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			existing.Count++
			out, err := json.Marshal(existing)
			if err != nil {
				return err
			}
			return crashes.Put([]byte(existingUUID), out)
		})
		if err != nil {
			return ResultOther, CrashMeta{}, CrashMeta{}, err
		}
		return ResultOccurred, CrashMeta{}, existing, nil
	}

	if corrupted {
		return ResultCorrupted, CrashMeta{}, CrashMeta{}, nil
	}

	meta := CrashMeta{
		UUID:      hex.EncodeToString(hash),
		UID:       uid,
		InformAll: informAll,
		Package:   pkg,
		DumpDir:   dumpDir,
		Count:     1,
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return ResultOther, CrashMeta{}, CrashMeta{}, err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(bucketCrashes)).Put([]byte(meta.UUID), data); err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketByHash)).Put(hashKey, []byte(meta.UUID))
	})
	if err != nil {
		return ResultOther, CrashMeta{}, CrashMeta{}, err
	}
	return ResultOK, meta, CrashMeta{}, nil
}

// CreateCrashReport implements MiddleWare.
func (s *Store) CreateCrashReport(uuid, uid string, force bool) (Result, error) {
	var meta CrashMeta
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketCrashes)).Get([]byte(uuid))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &meta)
	})
	if err != nil {
		return ResultOther, err
	}
	if !found {
		return ResultInDbError, nil
	}

	if _, statErr := os.Stat(meta.DumpDir); statErr != nil {
		return ResultFileError, nil
	}
	if _, statErr := os.Stat(filepath.Join(meta.DumpDir, "corrupted")); statErr == nil {
		return ResultCorrupted, nil
	}

	entry := reportEntry{Timestamp: time.Now().UTC(), UUID: uuid, UID: uid, Forced: force}
	data, err := json.Marshal(entry)
	if err != nil {
		return ResultOther, err
	}
	key := []byte(entry.Timestamp.Format(time.RFC3339Nano) + "_" + uuid)
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketReports)).Put(key, data)
	})
	if err != nil {
		return ResultOther, err
	}
	return ResultOK, nil
}

// GetCrashInfos implements MiddleWare.
func (s *Store) GetCrashInfos(uid string) ([]CrashMeta, error) {
	var out []CrashMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketCrashes)).ForEach(func(_, v []byte) error {
			var m CrashMeta
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.InformAll || m.UID == uid {
				out = append(out, m)
			}
			return nil
		})
	})
	return out, err
}

// GetCrashByUUID implements MiddleWare.
func (s *Store) GetCrashByUUID(uuid string) (CrashMeta, bool, error) {
	var (
		meta  CrashMeta
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketCrashes)).Get([]byte(uuid))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &meta)
	})
	return meta, found, err
}

// DeleteCrashInfo implements MiddleWare.
func (s *Store) DeleteCrashInfo(ref CrashRef) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		crashes := tx.Bucket([]byte(bucketCrashes))
		if err := crashes.Delete([]byte(ref.UUID)); err != nil {
			return err
		}
		byHash := tx.Bucket([]byte(bucketByHash))
		c := byHash.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if string(v) == ref.UUID {
				return byHash.Delete(k)
			}
		}
		return nil
	})
}

// DeleteCrashByDumpDir implements MiddleWare.
func (s *Store) DeleteCrashByDumpDir(dumpDir string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		crashes := tx.Bucket([]byte(bucketCrashes))
		byHash := tx.Bucket([]byte(bucketByHash))

		var victimUUID string
		c := crashes.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m CrashMeta
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.DumpDir == dumpDir {
				victimUUID = string(k)
				break
			}
		}
		if victimUUID == "" {
			return nil
		}
		if err := crashes.Delete([]byte(victimUUID)); err != nil {
			return err
		}

		hc := byHash.Cursor()
		for k, v := hc.First(); k != nil; k, v = hc.Next() {
			if string(v) == victimUUID {
				return byHash.Delete(k)
			}
		}
		return nil
	})
}

// DeleteDebugDump removes a crash-dump directory and everything in it. This
// is a plain filesystem operation, not a MiddleWare method: the daemon core
// calls it directly whenever a directory must be discarded (duplicates,
// quota eviction, corrupted/file-error reports).
func DeleteDebugDump(dumpDir string) error {
	return os.RemoveAll(dumpDir)
}

// DirSizeMiB returns the total size, in mebibytes, of every regular file
// under root (recursively). Used for quota enforcement.
func DirSizeMiB(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total / (1024 * 1024), nil
}

// LargestSibling returns the name of the largest entry directly under root,
// excluding exclude, or "" if root has no other entries.
func LargestSibling(root, exclude string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", err
	}
	var (
		best     string
		bestSize int64
	)
	for _, e := range entries {
		if e.Name() == exclude {
			continue
		}
		size, err := DirSizeMiB(filepath.Join(root, e.Name()))
		if err != nil {
			continue
		}
		if best == "" || size > bestSize {
			best = e.Name()
			bestSize = size
		}
	}
	return best, nil
}
