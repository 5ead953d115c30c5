package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// TempPrefix marks in-flight files written by LocalStore. Watchers and
// listings ignore them.
const TempPrefix = ".tmp-"

// LocalStore implements Store on a local directory, one file per key under
// {root}/{key}. Content types are inferred from the key extension, falling
// back to content sniffing. ETags are SHA256 digests of the file content.
//
// Conditional writes are serialized by an in-process mutex, so they only
// protect against writers sharing the same LocalStore value.
type LocalStore struct {
	root string
	mu   sync.Mutex
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage directory: %w", err)
	}
	return &LocalStore{root: abs}, nil
}

// Root returns the absolute directory backing the store.
func (s *LocalStore) Root() string { return s.root }

// KeyFor maps an absolute path under the root back to its object key.
func (s *LocalStore) KeyFor(p string) (string, bool) {
	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (s *LocalStore) objectPath(op, key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" || strings.HasSuffix(key, "/") {
		return "", newError(op, key, KindPermanent, fmt.Errorf("invalid key"))
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

func classifyLocal(op, key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return newError(op, key, KindNotFound, err)
	}
	return newError(op, key, KindPermanent, err)
}

func (s *LocalStore) stat(op, key, p string, data []byte) (ObjectInfo, error) {
	fi, err := os.Stat(p)
	if err != nil {
		return ObjectInfo{}, classifyLocal(op, key, err)
	}
	if fi.IsDir() {
		return ObjectInfo{}, newError(op, key, KindNotFound, fmt.Errorf("%s is a directory", p))
	}
	if data == nil {
		data, err = os.ReadFile(p)
		if err != nil {
			return ObjectInfo{}, classifyLocal(op, key, err)
		}
	}
	sum := sha256.Sum256(data)
	return ObjectInfo{
		Key:          key,
		Size:         fi.Size(),
		ContentType:  detectContentType(key, data),
		LastModified: fi.ModTime().UTC(),
		ETag:         hex.EncodeToString(sum[:]),
	}, nil
}

func detectContentType(key string, data []byte) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	if len(data) > 512 {
		data = data[:512]
	}
	return http.DetectContentType(data)
}

func (s *LocalStore) Get(_ context.Context, key string) ([]byte, ObjectInfo, error) {
	p, err := s.objectPath("get", key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, ObjectInfo{}, classifyLocal("get", key, err)
	}
	info, err := s.stat("get", key, p, data)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	return data, info, nil
}

func (s *LocalStore) Head(_ context.Context, key string) (ObjectInfo, error) {
	p, err := s.objectPath("head", key)
	if err != nil {
		return ObjectInfo{}, err
	}
	return s.stat("head", key, p, nil)
}

// Put writes through a temp file and rename so readers never observe a
// partially written object.
func (s *LocalStore) Put(_ context.Context, key string, data []byte, opts PutOptions) (string, error) {
	p, err := s.objectPath("put", key)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.conditional() {
		current, err := s.stat("put", key, p, nil)
		exists := err == nil
		if err != nil && !IsNotFound(err) {
			return "", err
		}
		if opts.IfNoneMatch && exists {
			return "", newError("put", key, KindPreconditionFailed, fmt.Errorf("object exists"))
		}
		if opts.IfMatch != "" && (!exists || current.ETag != opts.IfMatch) {
			return "", newError("put", key, KindPreconditionFailed, fmt.Errorf("etag mismatch"))
		}
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return "", newError("put", key, KindPermanent, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), TempPrefix+"*")
	if err != nil {
		return "", newError("put", key, KindPermanent, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", newError("put", key, KindPermanent, err)
	}
	if err := tmp.Close(); err != nil {
		return "", newError("put", key, KindPermanent, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return "", newError("put", key, KindPermanent, err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (s *LocalStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), TempPrefix) {
			return nil
		}
		key, ok := s.KeyFor(p)
		if !ok || !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := s.stat("list", key, p, nil)
		if err != nil {
			if IsNotFound(err) {
				return nil
			}
			return err
		}
		infos = append(infos, info)
		return nil
	})
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, classifyLocal("list", prefix, err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (s *LocalStore) Delete(_ context.Context, key string) error {
	p, err := s.objectPath("delete", key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return newError("delete", key, KindPermanent, err)
	}
	return nil
}

var _ Store = (*LocalStore)(nil)
