package descriptor

import (
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// NoParentCID is the parentCID of an image without a parent.
const NoParentCID = 0xffffffff

const (
	keyUUIDImage         = "ddb.uuid.image"
	keyUUIDModification  = "ddb.uuid.modification"
	keyUUIDParent        = "ddb.uuid.parent"
	keyUUIDParentModific = "ddb.uuid.parentmodification"
	keyCylinders         = "ddb.geometry.cylinders"
	keyHeads             = "ddb.geometry.heads"
	keySectors           = "ddb.geometry.sectors"
	keyBiosCylinders     = "ddb.geometry.biosCylinders"
	keyBiosHeads         = "ddb.geometry.biosHeads"
	keyBiosSectors       = "ddb.geometry.biosSectors"
	keyAdapterType       = "ddb.adapterType"
	keyHWVersion         = "ddb.virtualHWVersion"
)

type (
	// Geometry is a cylinder/head/sector triple. The zero value means unset.
	Geometry struct {
		Cylinders uint32
		Heads     uint32
		Sectors   uint32
	}

	// Properties is the structured view of the header and disk database.
	Properties struct {
		CID                uint32
		ParentCID          uint32
		CreateType         string
		ParentFileNameHint string

		ImageUUID              uuid.UUID
		ModificationUUID       uuid.UUID
		ParentUUID             uuid.UUID
		ParentModificationUUID uuid.UUID

		Physical    Geometry
		Logical     Geometry
		AdapterType string
	}
)

func (g Geometry) IsZero() bool { return g == Geometry{} }

func (g Geometry) String() string {
	return fmt.Sprintf("%d/%d/%d", g.Cylinders, g.Heads, g.Sectors)
}

// DefaultGeometry computes the physical geometry used for new images: 16 heads,
// 63 sectors, cylinders capped at 16383.
func DefaultGeometry(sectors uint64) Geometry {
	cyl := sectors / (16 * 63)
	cyl = min(max(cyl, 1), 16383)
	return Geometry{Cylinders: uint32(cyl), Heads: 16, Sectors: 63}
}

func (d *Descriptor) getUint32(get func(string) (string, bool), key string, base int) (uint32, error) {
	v, ok := get(key)
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, base, 32)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "descriptor key %s", key), ErrSyntax)
	}
	return uint32(n), nil
}

func (d *Descriptor) getUUID(key string) (uuid.UUID, error) {
	v, ok := d.GetDDB(key)
	if !ok || v == "" {
		return uuid.Nil, nil
	}
	u, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, errors.Mark(errors.Wrapf(err, "descriptor key %s", key), ErrSyntax)
	}
	return u, nil
}

// Properties parses the known header and disk database keys.
func (d *Descriptor) Properties() (Properties, error) {
	var p Properties
	var err error
	p.CreateType, _ = d.Get("createType")
	p.ParentFileNameHint, _ = d.Get("parentFileNameHint")
	p.AdapterType, _ = d.GetDDB(keyAdapterType)

	if p.CID, err = d.getUint32(d.Get, "CID", 16); err != nil {
		return p, err
	}
	p.ParentCID = NoParentCID
	if _, ok := d.Get("parentCID"); ok {
		if p.ParentCID, err = d.getUint32(d.Get, "parentCID", 16); err != nil {
			return p, err
		}
	}

	uuids := []struct {
		key string
		out *uuid.UUID
	}{
		{keyUUIDImage, &p.ImageUUID},
		{keyUUIDModification, &p.ModificationUUID},
		{keyUUIDParent, &p.ParentUUID},
		{keyUUIDParentModific, &p.ParentModificationUUID},
	}
	for _, u := range uuids {
		if *u.out, err = d.getUUID(u.key); err != nil {
			return p, err
		}
	}

	geoms := []struct {
		key string
		out *uint32
	}{
		{keyCylinders, &p.Physical.Cylinders},
		{keyHeads, &p.Physical.Heads},
		{keySectors, &p.Physical.Sectors},
		{keyBiosCylinders, &p.Logical.Cylinders},
		{keyBiosHeads, &p.Logical.Heads},
		{keyBiosSectors, &p.Logical.Sectors},
	}
	for _, g := range geoms {
		if *g.out, err = d.getUint32(d.GetDDB, g.key, 10); err != nil {
			return p, err
		}
	}
	return p, nil
}

// SetProperties writes p back. Only keys whose value changed mark the
// descriptor dirty. Unset geometry is not written.
func (d *Descriptor) SetProperties(p Properties) {
	d.Set("CID", fmt.Sprintf("%08x", p.CID))
	d.Set("parentCID", fmt.Sprintf("%08x", p.ParentCID))
	if p.CreateType != "" {
		d.Set("createType", p.CreateType)
	}
	if p.ParentFileNameHint != "" {
		d.Set("parentFileNameHint", p.ParentFileNameHint)
	}
	if _, ok := d.GetDDB(keyHWVersion); !ok {
		d.SetDDB(keyHWVersion, "4")
	}
	if !p.Physical.IsZero() {
		d.SetDDB(keyCylinders, strconv.FormatUint(uint64(p.Physical.Cylinders), 10))
		d.SetDDB(keyHeads, strconv.FormatUint(uint64(p.Physical.Heads), 10))
		d.SetDDB(keySectors, strconv.FormatUint(uint64(p.Physical.Sectors), 10))
	}
	if !p.Logical.IsZero() {
		d.SetDDB(keyBiosCylinders, strconv.FormatUint(uint64(p.Logical.Cylinders), 10))
		d.SetDDB(keyBiosHeads, strconv.FormatUint(uint64(p.Logical.Heads), 10))
		d.SetDDB(keyBiosSectors, strconv.FormatUint(uint64(p.Logical.Sectors), 10))
	}
	if p.AdapterType != "" {
		d.SetDDB(keyAdapterType, p.AdapterType)
	}
	d.SetDDB(keyUUIDImage, p.ImageUUID.String())
	d.SetDDB(keyUUIDModification, p.ModificationUUID.String())
	d.SetDDB(keyUUIDParent, p.ParentUUID.String())
	d.SetDDB(keyUUIDParentModific, p.ParentModificationUUID.String())
}
