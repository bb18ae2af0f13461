package memstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"schemadb/src/helpers"
)

// SnapshotExt is the extension of collection snapshot files.
const SnapshotExt = ".bnd"

type snapshot struct {
	Name      string          `bson:"name"`
	Indexes   []snapshotIndex `bson:"indexes"`
	Documents []bson.M        `bson:"documents"`
}

type snapshotIndex struct {
	Name string   `bson:"name"`
	Keys []string `bson:"keys"`
}

// Open creates a store and loads every snapshot found in dir.
func Open(dir string, logger *zap.SugaredLogger) (*Store, error) {
	s := New(logger)
	if err := s.Load(dir); err != nil {
		return nil, err
	}
	return s, nil
}

// Save writes one snapshot file per collection into dir.
func (s *Store) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating data directory %s: %w", dir, err)
	}
	for _, name := range s.Names() {
		if err := s.collection(name).save(dir); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection) save(dir string) error {
	c.mu.RLock()
	snap := snapshot{Name: c.name, Documents: c.docs}
	for _, index := range c.indexes {
		snap.Indexes = append(snap.Indexes, snapshotIndex{Name: index.name, Keys: index.keys})
	}
	if snap.Documents == nil {
		snap.Documents = []bson.M{}
	}
	data, err := helpers.EncodeBSON(snap)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("error encoding collection %s: %w", c.name, err)
	}

	filePath := filepath.Join(dir, c.name+SnapshotExt)
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("error writing collection file %s: %w", filePath, err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return fmt.Errorf("error replacing collection file %s: %w", filePath, err)
	}
	c.logger.Debugw("memstore saved collection", "collection", c.name, "documents", len(snap.Documents), "file", filePath)
	return nil
}

// Load reads every snapshot file in dir, replacing collections of the same
// name. A missing directory loads nothing.
func (s *Store) Load(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error reading data directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), SnapshotExt) {
			continue
		}
		if !helpers.FileExists(filepath.Join(dir, entry.Name()), s.logger) {
			continue
		}
		snap, err := loadSnapshot(dir, entry.Name(), s.logger)
		if err != nil {
			return err
		}
		if snap.Name == "" {
			snap.Name = strings.TrimSuffix(entry.Name(), SnapshotExt)
		}

		c := &Collection{name: snap.Name, docs: snap.Documents, logger: s.logger}
		for _, index := range snap.Indexes {
			c.indexes = append(c.indexes, uniqueIndex{name: index.Name, keys: index.Keys})
		}
		s.mu.Lock()
		s.collections[c.name] = c
		s.mu.Unlock()
	}
	return nil
}

func loadSnapshot(dir, fileName string, logger *zap.SugaredLogger) (*snapshot, error) {
	start := time.Now()
	file, err := helpers.OpenDataFile(dir, fileName)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("error reading file stats for %s: %w", fileName, err)
	}
	fileSize := int(stat.Size())
	if fileSize == 0 {
		return &snapshot{}, nil
	}

	data, err := unix.Mmap(int(file.Fd()), 0, fileSize, syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("error mapping file %s: %w", fileName, err)
	}
	// Decoded binary values may alias their source, so decode from a copy.
	buf := make([]byte, len(data))
	copy(buf, data)
	if err := unix.Munmap(data); err != nil {
		return nil, fmt.Errorf("error unmapping file %s: %w", fileName, err)
	}

	var snap snapshot
	if err := bson.Unmarshal(buf, &snap); err != nil {
		return nil, fmt.Errorf("error decoding collection file %s: %w", fileName, err)
	}
	for i, doc := range snap.Documents {
		snap.Documents[i] = helpers.Normalize(doc).(bson.M)
	}
	logger.Debugw("memstore loaded collection", "file", fileName, "documents", len(snap.Documents), "elapsed", time.Since(start))
	return &snap, nil
}
