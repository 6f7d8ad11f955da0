// Package descriptor reads and edits the text descriptor of a VMDK image: a
// small key=value header, the extent list, and the disk database (ddb.*).
//
// A Descriptor is kept as the original sequence of lines plus an index from
// section and key to line number, so that rewriting preserves comments,
// ordering, and keys we don't understand.
package descriptor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
)

type section int

const (
	sectionHeader section = iota
	sectionExtents
	sectionDDB
)

const (
	Signature       = "# Disk DescriptorFile"
	extentComment   = "# Extent description"
	ddbComment      = "# The Disk Data Base "
	ddbMarker       = "#DDB"
	ddbPrefix       = "ddb."
	maxLines        = 1100
	maxDescriptorSz = 1 << 20
)

var ErrSyntax = errors.New("descriptor: syntax error")

type (
	Descriptor struct {
		lines []string
		sects []section
		index map[section]map[string]int
		dirty bool
	}

	// ExtentLine is one line of the extent list.
	ExtentLine struct {
		Access   string // RW, RDONLY, NOACCESS
		Sectors  uint64
		Type     string // SPARSE, FLAT, ZERO, VMFS, VMFSSPARSE, VMFSRAW, VMFSRDM
		Filename string
		Offset   uint64 // starting sector in Filename, flat extents only
	}
)

func syntaxErrorf(line int, format string, args ...any) error {
	return errors.Mark(errors.Newf("descriptor line %d: "+format, append([]any{line + 1}, args...)...), ErrSyntax)
}

// New returns a minimal descriptor for the given create type.
func New(createType string) *Descriptor {
	d, err := Parse(strings.Join([]string{
		Signature,
		"version=1",
		"CID=fffffffe",
		"parentCID=ffffffff",
		`createType="` + createType + `"`,
		"",
		extentComment,
		"",
		ddbComment,
		ddbMarker,
		"",
	}, "\n"))
	if err != nil {
		panic(err)
	}
	d.dirty = true
	return d
}

// Parse parses descriptor text. Trailing NUL padding (embedded descriptors) is ignored.
func Parse(text string) (*Descriptor, error) {
	if i := strings.IndexByte(text, 0); i >= 0 {
		text = text[:i]
	}
	if len(text) > maxDescriptorSz {
		return nil, errors.Mark(errors.Newf("descriptor too large (%d bytes)", len(text)), ErrSyntax)
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > maxLines {
		return nil, errors.Mark(errors.Newf("descriptor has too many lines (%d)", len(lines)), ErrSyntax)
	}
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != Signature {
		return nil, syntaxErrorf(0, "missing signature %q", Signature)
	}
	d := &Descriptor{lines: lines}
	if err := d.reindex(); err != nil {
		return nil, err
	}
	return d, nil
}

func isExtentLine(l string) bool {
	for _, a := range []string{"RW ", "RDONLY ", "NOACCESS "} {
		if strings.HasPrefix(l, a) {
			return true
		}
	}
	return false
}

// reindex recomputes the section of every line and the key index.
func (d *Descriptor) reindex() error {
	d.sects = make([]section, len(d.lines))
	d.index = map[section]map[string]int{
		sectionHeader:  {},
		sectionExtents: {},
		sectionDDB:     {},
	}
	cur := sectionHeader
	for i, raw := range d.lines {
		l := strings.TrimSpace(raw)
		switch {
		case isExtentLine(l):
			if cur == sectionDDB {
				return syntaxErrorf(i, "extent after disk database")
			}
			cur = sectionExtents
		case strings.HasPrefix(l, ddbPrefix):
			cur = sectionDDB
		case l == ddbMarker || l == strings.TrimSpace(ddbComment):
			cur = sectionDDB
		}
		d.sects[i] = cur

		if l == "" || strings.HasPrefix(l, "#") || cur == sectionExtents {
			continue
		}
		k, _, ok := splitKV(l)
		if !ok {
			return syntaxErrorf(i, "expected key=value, got %q", l)
		}
		if cur == sectionHeader && strings.HasPrefix(k, ddbPrefix) {
			return syntaxErrorf(i, "disk database key in header")
		}
		d.index[cur][k] = i
	}
	return nil
}

func splitKV(l string) (string, string, bool) {
	k, v, ok := strings.Cut(l, "=")
	if !ok {
		return "", "", false
	}
	k = strings.TrimSpace(k)
	if k == "" {
		return "", "", false
	}
	return k, strings.TrimSpace(v), true
}

func unquote(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}

func (d *Descriptor) get(s section, key string) (string, bool) {
	i, ok := d.index[s][key]
	if !ok {
		return "", false
	}
	_, v, _ := splitKV(strings.TrimSpace(d.lines[i]))
	return unquote(v), true
}

// set replaces or inserts key in section s. Inserted keys go after the last
// key-value line of the section.
func (d *Descriptor) set(s section, key, line string) {
	if i, ok := d.index[s][key]; ok {
		if d.lines[i] == line {
			return
		}
		d.lines[i] = line
		d.dirty = true
		return
	}
	d.insert(d.sectionEnd(s), s, line)
}

func (d *Descriptor) insert(at int, s section, lines ...string) {
	d.lines = slices.Insert(d.lines, at, lines...)
	d.dirty = true
	if err := d.reindex(); err != nil {
		// only well-formed lines are ever inserted
		panic(err)
	}
}

// sectionEnd returns the index after the last key (or extent) line of section s.
func (d *Descriptor) sectionEnd(s section) int {
	last := -1
	for i, l := range d.lines {
		l = strings.TrimSpace(l)
		if d.sects[i] == s && l != "" && !strings.HasPrefix(l, "#") {
			last = i
		}
	}
	if last >= 0 {
		return last + 1
	}
	find := func(marker string) int {
		for i, l := range d.lines {
			if strings.TrimSpace(l) == marker {
				return i + 1
			}
		}
		return -1
	}
	switch s {
	case sectionHeader:
		return 1
	case sectionExtents:
		if i := find(extentComment); i >= 0 {
			return i
		}
		return d.sectionEnd(sectionHeader)
	default:
		if i := find(ddbMarker); i >= 0 {
			return i
		}
		return len(d.lines)
	}
}

// Get returns a header value with quotes removed.
func (d *Descriptor) Get(key string) (string, bool) {
	return d.get(sectionHeader, key)
}

// Set sets a header value. createType and parentFileNameHint are quoted.
func (d *Descriptor) Set(key, value string) {
	if key == "createType" || key == "parentFileNameHint" {
		value = strconv.Quote(value)
	}
	d.set(sectionHeader, key, key+"="+value)
}

func (d *Descriptor) GetDDB(key string) (string, bool) {
	return d.get(sectionDDB, key)
}

func (d *Descriptor) SetDDB(key, value string) {
	d.set(sectionDDB, key, fmt.Sprintf("%s = %q", key, value))
}

// Extents parses the extent list.
func (d *Descriptor) Extents() ([]ExtentLine, error) {
	var out []ExtentLine
	for i, l := range d.lines {
		if d.sects[i] != sectionExtents {
			continue
		}
		l = strings.TrimSpace(l)
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		e, err := parseExtentLine(l)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "descriptor line %d", i+1), ErrSyntax)
		}
		out = append(out, e)
	}
	return out, nil
}

// SetExtents replaces the extent list, keeping it where it was.
func (d *Descriptor) SetExtents(exts []ExtentLine) {
	at := -1
	var kept []string
	for i, l := range d.lines {
		tl := strings.TrimSpace(l)
		if d.sects[i] == sectionExtents && isExtentLine(tl) {
			if at < 0 {
				at = len(kept)
			}
			continue
		}
		kept = append(kept, l)
	}
	newLines := make([]string, len(exts))
	for i, e := range exts {
		newLines[i] = e.String()
	}
	if at < 0 {
		d.lines = kept
		if err := d.reindex(); err != nil {
			panic(err)
		}
		at = d.sectionEnd(sectionExtents)
	}
	d.lines = slices.Insert(kept, at, newLines...)
	d.dirty = true
	if err := d.reindex(); err != nil {
		panic(err)
	}
}

func (d *Descriptor) Dirty() bool { return d.dirty }
func (d *Descriptor) ClearDirty() { d.dirty = false }

func (d *Descriptor) String() string {
	return strings.Join(d.lines, "\n") + "\n"
}

func parseExtentLine(l string) (ExtentLine, error) {
	fields, err := splitFields(l)
	if err != nil {
		return ExtentLine{}, err
	}
	if len(fields) < 3 {
		return ExtentLine{}, errors.Newf("short extent line %q", l)
	}
	var e ExtentLine
	e.Access = fields[0]
	if e.Sectors, err = strconv.ParseUint(fields[1], 10, 64); err != nil {
		return ExtentLine{}, errors.Wrapf(err, "extent size")
	}
	e.Type = fields[2]
	switch e.Type {
	case "ZERO":
		if len(fields) != 3 {
			return ExtentLine{}, errors.Newf("zero extent with filename %q", l)
		}
		return e, nil
	case "SPARSE", "FLAT", "VMFS", "VMFSSPARSE", "VMFSRAW", "VMFSRDM":
	default:
		return ExtentLine{}, errors.Newf("unknown extent type %q", e.Type)
	}
	if len(fields) < 4 {
		return ExtentLine{}, errors.Newf("extent without filename %q", l)
	}
	e.Filename = fields[3]
	if len(fields) >= 5 {
		if e.Type == "SPARSE" || e.Type == "VMFSSPARSE" {
			return ExtentLine{}, errors.Newf("offset on sparse extent %q", l)
		}
		if e.Offset, err = strconv.ParseUint(fields[4], 10, 64); err != nil {
			return ExtentLine{}, errors.Wrapf(err, "extent offset")
		}
	}
	return e, nil
}

// splitFields splits on whitespace, keeping "quoted strings" together.
func splitFields(l string) ([]string, error) {
	var out []string
	for {
		l = strings.TrimLeft(l, " \t")
		if l == "" {
			return out, nil
		}
		if l[0] == '"' {
			end := strings.IndexByte(l[1:], '"')
			if end < 0 {
				return nil, errors.Newf("unterminated quote")
			}
			out = append(out, l[1:end+1])
			l = l[end+2:]
			continue
		}
		end := strings.IndexAny(l, " \t")
		if end < 0 {
			end = len(l)
		}
		out = append(out, l[:end])
		l = l[end:]
	}
}

func (e ExtentLine) String() string {
	if e.Type == "ZERO" {
		return fmt.Sprintf("%s %d %s", e.Access, e.Sectors, e.Type)
	}
	s := fmt.Sprintf("%s %d %s %q", e.Access, e.Sectors, e.Type, e.Filename)
	if e.Offset != 0 {
		s += fmt.Sprintf(" %d", e.Offset)
	}
	return s
}
