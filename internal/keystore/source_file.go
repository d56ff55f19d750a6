package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dropDatabas3/signer/internal/security/secretbox"
	"github.com/dropDatabas3/signer/internal/util/atomicwrite"
)

// FileSource guarda una clave por archivo JSON dentro de dir.
// Garantías:
// - Escritura atómica: write tmp → fsync → rename
// - Material privado sellado con secretbox (AAD = key id)
// - El nombre del archivo debe coincidir con el id declarado
type FileSource struct {
	dir string
	box *secretbox.Box
	mu  sync.Mutex
}

// keyFileData representa la estructura del archivo JSON
type keyFileData struct {
	ID             string    `json:"id"`
	Algorithm      string    `json:"algorithm"`
	Status         string    `json:"status"`
	PublicKey      []byte    `json:"public_key,omitempty"`
	MaterialSealed string    `json:"material_sealed"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewFileSource crea el directorio si no existe.
func NewFileSource(dir string, box *secretbox.Box) (*FileSource, error) {
	if box == nil {
		return nil, errors.New("keystore: file source requires a secretbox")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keys directory: %w", err)
	}
	return &FileSource{dir: filepath.Clean(dir), box: box}, nil
}

func (f *FileSource) Kind() string { return "file" }

func (f *FileSource) path(id string) string {
	return filepath.Join(f.dir, id+".json")
}

func (f *FileSource) load(_ context.Context) ([]record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ents, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read keys dir: %w", err)
	}
	var out []record
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		rec, err := f.read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].handle.ID < out[j].handle.ID })
	return out, nil
}

func (f *FileSource) read(id string) (record, error) {
	data, err := os.ReadFile(f.path(id))
	if err != nil {
		return record{}, err
	}
	var kd keyFileData
	if err := json.Unmarshal(data, &kd); err != nil {
		return record{}, fmt.Errorf("unmarshal key %s: %w", id, err)
	}
	if kd.ID != id {
		return record{}, fmt.Errorf("key file %s declares id %q", id, kd.ID)
	}
	alg, ok := ParseAlgorithm(kd.Algorithm)
	if !ok {
		return record{}, fmt.Errorf("key %s: unknown algorithm %q", id, kd.Algorithm)
	}
	st, ok := ParseStatus(kd.Status)
	if !ok {
		return record{}, fmt.Errorf("key %s: unknown status %q", id, kd.Status)
	}
	mat, err := f.box.Open(id, kd.MaterialSealed)
	if err != nil {
		return record{}, fmt.Errorf("key %s: %w", id, err)
	}
	return record{
		handle:   KeyHandle{ID: id, Algorithm: alg, Status: st, PublicKey: kd.PublicKey, CreatedAt: kd.CreatedAt},
		material: mat,
	}, nil
}

func (f *FileSource) write(rec record) error {
	sealed, err := f.box.Seal(rec.handle.ID, rec.material)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(keyFileData{
		ID:             rec.handle.ID,
		Algorithm:      string(rec.handle.Algorithm),
		Status:         string(rec.handle.Status),
		PublicKey:      rec.handle.PublicKey,
		MaterialSealed: sealed,
		CreatedAt:      rec.handle.CreatedAt,
	}, "", "  ")
	if err != nil {
		return err
	}
	return atomicwrite.AtomicWriteFile(f.path(rec.handle.ID), data, 0o600)
}

func (f *FileSource) insert(_ context.Context, rec record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(f.path(rec.handle.ID)); err == nil {
		return ErrExists
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return f.write(rec)
}

func (f *FileSource) updateStatus(_ context.Context, id string, st Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.read(id)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	rec.handle.Status = st
	return f.write(rec)
}
