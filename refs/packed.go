package refs

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/emirpasic/gods/maps/treemap"

	"github.com/go-git/go-billy/v5"

	"github.com/relvacode/gitodb/hash"
)

const packedRefsHeader = "# pack-refs with: peeled fully-peeled sorted "

// PackedRecord is one decoded packed-refs line, plus its optional peeled
// annotation.
type PackedRecord struct {
	Name      FullName
	ID        hash.ObjectID
	Peeled    hash.ObjectID
	HasPeeled bool
}

// Freshness is a (path, mtime, size) triple used to detect a stale
// in-memory packed-refs view without re-parsing the file.
type Freshness struct {
	Path  string
	Size  int64
	Mtime int64
}

// Packed is a parsed packed-refs file: a name-sorted index supporting
// O(log n) lookup by full name, built once per Freshness generation.
type Packed struct {
	fresh Freshness
	// index maps FullName -> *PackedRecord, ordered by name for sorted
	// iteration and prefix scans, matching go-git's sorted-line-offset
	// design but built eagerly instead of via a raw byte-offset index.
	index *treemap.Map
	names []string
}

// ParsePacked parses a packed-refs file's full contents.
func ParsePacked(raw []byte, k hash.Kind, fresh Freshness) (*Packed, error) {
	p := &Packed{fresh: fresh, index: treemap.NewWithStringComparator()}

	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)

	var pending *PackedRecord
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "^") {
			if pending == nil {
				return nil, fmt.Errorf("refs: packed-refs peeled line without preceding record")
			}
			peeled, err := hash.FromHex(line[1:])
			if err != nil {
				return nil, fmt.Errorf("refs: packed-refs peeled oid: %w", err)
			}
			pending.Peeled = peeled
			pending.HasPeeled = true
			pending = nil
			continue
		}
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("refs: packed-refs malformed record %q", line)
		}
		id, err := hash.FromHex(line[:sp])
		if err != nil {
			return nil, fmt.Errorf("refs: packed-refs oid: %w", err)
		}
		name, err := NewFullName(line[sp+1:])
		if err != nil {
			return nil, fmt.Errorf("refs: packed-refs name: %w", err)
		}
		rec := &PackedRecord{Name: name, ID: id}
		p.index.Put(string(name), rec)
		p.names = append(p.names, string(name))
		pending = rec
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	sort.Strings(p.names)
	return p, nil
}

// Find returns the record for name, if present.
func (p *Packed) Find(name FullName) (*PackedRecord, bool) {
	v, ok := p.index.Get(string(name))
	if !ok {
		return nil, false
	}
	return v.(*PackedRecord), true
}

// FindPrefix returns every record whose name begins with prefix, in sorted
// order, via a binary-search boundary scan over the sorted name index.
func (p *Packed) FindPrefix(prefix string) []*PackedRecord {
	lo := sort.SearchStrings(p.names, prefix)
	var out []*PackedRecord
	for i := lo; i < len(p.names) && strings.HasPrefix(p.names[i], prefix); i++ {
		v, _ := p.index.Get(p.names[i])
		out = append(out, v.(*PackedRecord))
	}
	return out
}

// All returns every record in sorted name order.
func (p *Packed) All() []*PackedRecord {
	out := make([]*PackedRecord, 0, len(p.names))
	for _, n := range p.names {
		v, _ := p.index.Get(n)
		out = append(out, v.(*PackedRecord))
	}
	return out
}

// Fresh reports whether this parsed view's Freshness still matches the
// file's current (size, mtime) on disk.
func (p *Packed) Fresh(current Freshness) bool {
	return p.fresh == current
}

// Encode renders every record back to packed-refs file bytes, sorted by
// name (the format's required order).
func Encode(records []*PackedRecord) []byte {
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	var buf bytes.Buffer
	buf.WriteString(packedRefsHeader)
	buf.WriteByte('\n')
	for _, r := range records {
		fmt.Fprintf(&buf, "%s %s\n", r.ID.String(), r.Name)
		if r.HasPeeled {
			fmt.Fprintf(&buf, "^%s\n", r.Peeled.String())
		}
	}
	return buf.Bytes()
}

// ReadPacked opens and parses the packed-refs file at path, if it exists.
// A missing file returns (nil, nil).
func ReadPacked(fs billy.Filesystem, path string, k hash.Kind) (*Packed, error) {
	fi, err := fs.Stat(path)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	raw := make([]byte, fi.Size())
	if _, err := io.ReadFull(f, raw); err != nil {
		return nil, err
	}
	return ParsePacked(raw, k, Freshness{Path: path, Size: fi.Size(), Mtime: fi.ModTime().Unix()})
}
