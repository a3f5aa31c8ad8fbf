package memdriver

import (
	"errors"
	"os"

	"go.mongodb.org/mongo-driver/v2/bson"
)

type snapshotIndex struct {
	Keys          bson.D `bson:"key"`
	Name          string `bson:"name"`
	Unique        bool   `bson:"unique,omitempty"`
	Sparse        bool   `bson:"sparse,omitempty"`
	ExpireAfter   *int32 `bson:"expireAfterSeconds,omitempty"`
	PartialFilter bson.D `bson:"partialFilterExpression,omitempty"`
}

type snapshotCollection struct {
	Name         string          `bson:"name"`
	Capped       bool            `bson:"capped,omitempty"`
	SizeBytes    int64           `bson:"size,omitempty"`
	MaxDocuments int64           `bson:"max,omitempty"`
	Indexes      []snapshotIndex `bson:"indexes"`
	Docs         []bson.D        `bson:"docs"`
}

type snapshot struct {
	Version     int                  `bson:"version"`
	Collections []snapshotCollection `bson:"collections"`
}

const snapshotVersion = 1

// load reads the snapshot file; a missing or empty file is an empty store.
// Callers hold the file lock.
func (d *Driver) load() error {
	data, err := os.ReadFile(d.path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(data) == 0) {
		return nil
	}
	if err != nil {
		return errorf("failed to read snapshot: %v", err)
	}

	var snap snapshot
	if err := bson.Unmarshal(data, &snap); err != nil {
		return errorf("failed to parse snapshot: %v", err)
	}
	if snap.Version != snapshotVersion {
		return errorf("unsupported snapshot version %d", snap.Version)
	}

	d.collections = make(map[string]*collection, len(snap.Collections))
	for _, sc := range snap.Collections {
		c := newCollection()
		c.capped = sc.Capped
		c.sizeBytes = sc.SizeBytes
		c.maxDocuments = sc.MaxDocuments
		for _, ix := range sc.Indexes {
			c.indexes = append(c.indexes, indexModel(ix))
		}
		for _, doc := range sc.Docs {
			c.docs = append(c.docs, cloneDoc(doc))
		}
		d.collections[sc.Name] = c
	}
	return nil
}

// save writes the snapshot atomically. Callers hold the file lock.
func (d *Driver) save() error {
	snap := snapshot{Version: snapshotVersion}
	for _, name := range d.collectionNames() {
		c := d.collections[name]
		sc := snapshotCollection{
			Name:         name,
			Capped:       c.capped,
			SizeBytes:    c.sizeBytes,
			MaxDocuments: c.maxDocuments,
			Indexes:      []snapshotIndex{},
			Docs:         c.docs,
		}
		if sc.Docs == nil {
			sc.Docs = []bson.D{}
		}
		for _, ix := range c.indexes {
			sc.Indexes = append(sc.Indexes, snapshotIndexOf(ix))
		}
		snap.Collections = append(snap.Collections, sc)
	}

	data, err := bson.Marshal(snap)
	if err != nil {
		return errorf("failed to encode snapshot: %v", err)
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errorf("failed to write snapshot: %v", err)
	}
	if err := os.Rename(tmp, d.path); err != nil {
		_ = os.Remove(tmp)
		return errorf("failed to replace snapshot: %v", err)
	}
	return nil
}

// persist saves the snapshot when one is configured
func (d *Driver) persist() error {
	if d.path == "" {
		return nil
	}
	return withFileLock(d.fileLock, d.save)
}
