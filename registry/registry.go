// Package registry keeps a small catalog of disk images known to the tools,
// keyed by image UUID, so that parents can be found from a child's descriptor.
package registry

import (
	"encoding/binary"
	"log"
	"path/filepath"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"gopkg.in/yaml.v3"

	"github.com/dnr/vdisk/common"
	"github.com/dnr/vdisk/vmdk"
)

const (
	schemaV0 uint32 = iota

	schemaLatest = schemaV0
)

var (
	metaBucket  = []byte("meta")
	imageBucket = []byte("image")
	pathBucket  = []byte("path")

	metaSchema = []byte("schema")
)

var (
	ErrNotFound = errors.New("registry: image not found")
	ErrNoParent = errors.New("registry: image has no parent")
)

type (
	Registry struct {
		db *bbolt.DB
	}

	Entry struct {
		ImageUUID  uuid.UUID `yaml:"uuid"`
		Path       string    `yaml:"path"`
		CreateType string    `yaml:"create_type"`
		Capacity   uint64    `yaml:"capacity"` // sectors
		ParentUUID uuid.UUID `yaml:"parent_uuid"`
		Updated    time.Time `yaml:"updated"`
	}
)

// Open opens or creates the registry database at path.
func Open(path string) (*Registry, error) {
	opts := bbolt.Options{
		Timeout:      time.Second,
		FreelistType: bbolt.FreelistMapType,
	}
	db, err := bbolt.Open(path, 0644, &opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open registry %s", path)
	}

	checkSchemaVer := func(mb *bbolt.Bucket) error {
		b := mb.Get(metaSchema)
		if len(b) != 4 {
			ver := binary.LittleEndian.AppendUint32(nil, schemaLatest)
			return mb.Put(metaSchema, ver)
		}
		have := binary.LittleEndian.Uint32(b)
		if have != schemaLatest {
			return errors.Newf("mismatched schema version %d != %d", have, schemaLatest)
		}
		return nil
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if mb, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		} else if _, err = tx.CreateBucketIfNotExists(imageBucket); err != nil {
			return err
		} else if _, err = tx.CreateBucketIfNotExists(pathBucket); err != nil {
			return err
		} else if err = checkSchemaVer(mb); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// EntryFor describes an open image. Relative paths are made absolute.
func EntryFor(img *vmdk.Image) (Entry, error) {
	p, err := filepath.Abs(img.Path())
	if err != nil {
		return Entry{}, err
	}
	props := img.Properties()
	return Entry{
		ImageUUID:  props.ImageUUID,
		Path:       p,
		CreateType: props.CreateType,
		Capacity:   img.Capacity(),
		ParentUUID: props.ParentUUID,
	}, nil
}

// Put adds or replaces an entry. A different image previously registered at
// the same path is dropped.
func (r *Registry) Put(e Entry) error {
	if e.ImageUUID == uuid.Nil {
		return errors.Newf("registry: %s has no image uuid", e.Path)
	}
	if e.Updated.IsZero() {
		e.Updated = time.Now().UTC()
	}
	buf, err := yaml.Marshal(&e)
	if err != nil {
		return err
	}
	err = r.db.Update(func(tx *bbolt.Tx) error {
		ib, pb := tx.Bucket(imageBucket), tx.Bucket(pathBucket)
		if old := pb.Get([]byte(e.Path)); old != nil && string(old) != string(e.ImageUUID[:]) {
			if err := ib.Delete(old); err != nil {
				return err
			}
		}
		if prev, err := getEntry(ib, e.ImageUUID); err == nil && prev.Path != e.Path {
			if err := pb.Delete([]byte(prev.Path)); err != nil {
				return err
			}
		}
		if err := ib.Put(e.ImageUUID[:], buf); err != nil {
			return err
		}
		return pb.Put([]byte(e.Path), e.ImageUUID[:])
	})
	if err == nil {
		log.Printf("registry: %s -> %s", e.ImageUUID, e.Path)
	}
	return err
}

func getEntry(b *bbolt.Bucket, id uuid.UUID) (Entry, error) {
	var e Entry
	buf := b.Get(id[:])
	if buf == nil {
		return e, errors.Wrapf(ErrNotFound, "%s", id)
	}
	if err := yaml.Unmarshal(buf, &e); err != nil {
		return e, errors.Wrapf(err, "decode entry %s", id)
	}
	return e, nil
}

func (r *Registry) Get(id uuid.UUID) (Entry, error) {
	var e Entry
	err := r.db.View(func(tx *bbolt.Tx) (err error) {
		e, err = getEntry(tx.Bucket(imageBucket), id)
		return err
	})
	return common.ValOrErr(e, err)
}

// ByPath finds the entry registered for an absolute path.
func (r *Registry) ByPath(path string) (Entry, error) {
	var e Entry
	err := r.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(pathBucket).Get([]byte(path))
		if len(id) != len(uuid.Nil) {
			return errors.Wrapf(ErrNotFound, "%s", path)
		}
		var err error
		e, err = getEntry(tx.Bucket(imageBucket), uuid.UUID(id))
		return err
	})
	return common.ValOrErr(e, err)
}

// List returns all entries ordered by path.
func (r *Registry) List() ([]Entry, error) {
	var out []Entry
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(imageBucket).ForEach(func(k, v []byte) error {
			var e Entry
			if err := yaml.Unmarshal(v, &e); err != nil {
				log.Printf("registry: bad entry %x: %v", k, err)
				return nil
			}
			out = append(out, e)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return common.ValOrErr(out, err)
}

func (r *Registry) Delete(id uuid.UUID) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		ib := tx.Bucket(imageBucket)
		e, err := getEntry(ib, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket(pathBucket).Delete([]byte(e.Path)); err != nil {
			return err
		}
		return ib.Delete(id[:])
	})
}

// FindParent returns the entry of e's parent image.
func (r *Registry) FindParent(e Entry) (Entry, error) {
	if e.ParentUUID == uuid.Nil {
		return Entry{}, errors.Wrapf(ErrNoParent, "%s", e.Path)
	}
	return r.Get(e.ParentUUID)
}

// Chain follows parents from e up to the base image. The result starts with
// e. A missing parent ends the chain with an error wrapping ErrNotFound.
func (r *Registry) Chain(e Entry) ([]Entry, error) {
	out := []Entry{e}
	seen := map[uuid.UUID]bool{e.ImageUUID: true}
	for {
		p, err := r.FindParent(out[len(out)-1])
		if errors.Is(err, ErrNoParent) {
			return out, nil
		} else if err != nil {
			return out, err
		}
		if seen[p.ImageUUID] {
			return out, errors.Newf("registry: parent loop at %s", p.ImageUUID)
		}
		seen[p.ImageUUID] = true
		out = append(out, p)
	}
}
