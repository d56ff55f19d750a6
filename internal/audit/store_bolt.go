package audit

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

var (
	bucketRecords   = []byte("records")
	bucketByRequest = []byte("by_request")
	bucketByKey     = []byte("by_key")
)

// BoltStore persiste records en un archivo bolt local. Cada Append es una tx
// que hace fsync al commit; los índices por request y por clave se escriben en
// la misma tx que el record.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore abre (o crea) el archivo en path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("mkdir audit dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRecords, bucketByRequest, bucketByKey} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Kind() string { return "bolt" }

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// indexKey = valor + 0x00 + seq. Ids de request/clave no contienen 0x00.
func indexKey(v string, seq []byte) []byte {
	k := make([]byte, 0, len(v)+1+len(seq))
	k = append(k, v...)
	k = append(k, 0)
	return append(k, seq...)
}

func (s *BoltStore) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		recs := tx.Bucket(bucketRecords)
		seq, err := recs.NextSequence()
		if err != nil {
			return err
		}
		sk := seqKey(seq)
		if err := recs.Put(sk, data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketByRequest).Put(indexKey(rec.RequestID, sk), nil); err != nil {
			return err
		}
		return tx.Bucket(bucketByKey).Put(indexKey(rec.KeyID, sk), nil)
	})
}

func (s *BoltStore) ByRequestID(_ context.Context, requestID string) ([]Record, error) {
	return s.scan(bucketByRequest, requestID, 0)
}

func (s *BoltStore) ByKeyID(_ context.Context, keyID string, limit int) ([]Record, error) {
	return s.scan(bucketByKey, keyID, limit)
}

func (s *BoltStore) scan(index []byte, v string, limit int) ([]Record, error) {
	prefix := append([]byte(v), 0)
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		var seqs [][]byte
		c := tx.Bucket(index).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if len(k) != len(prefix)+8 {
				continue
			}
			seqs = append(seqs, append([]byte(nil), k[len(prefix):]...))
		}
		if limit > 0 && len(seqs) > limit {
			seqs = seqs[len(seqs)-limit:]
		}
		recs := tx.Bucket(bucketRecords)
		out = make([]Record, 0, len(seqs))
		for _, sk := range seqs {
			data := recs.Get(sk)
			if data == nil {
				return fmt.Errorf("audit: dangling index entry %x", sk)
			}
			var r Record
			if err := json.Unmarshal(data, &r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Close() error { return s.db.Close() }
