package object

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/relvacode/gitodb/hash"
)

// Tag is the owned, decoded form of an annotated tag object.
type Tag struct {
	TargetID   hash.ObjectID
	TargetKind Kind
	Name       string
	Tagger     Signature
	Message    string
}

// TagRef is a zero-copy view over an encoded tag's raw bytes.
type TagRef struct {
	raw []byte
}

func NewTagRef(buf []byte) TagRef { return TagRef{raw: buf} }

// Target returns the tag's target id and kind by scanning only the header.
func (t TagRef) Target(k hash.Kind) (hash.ObjectID, Kind, error) {
	var id hash.ObjectID
	var kind Kind
	sc := bufio.NewScanner(bytes.NewReader(t.raw))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			break
		}
		if rest, ok := cutPrefix(line, "object "); ok {
			var err error
			id, err = hash.FromHex(string(rest))
			if err != nil {
				return id, kind, err
			}
		} else if rest, ok := cutPrefix(line, "type "); ok {
			var err error
			kind, err = ParseKind(string(rest))
			if err != nil {
				return id, kind, err
			}
		}
	}
	if id.IsZero() && len(t.raw) == 0 {
		return id, kind, fmt.Errorf("%w: empty tag", ErrMalformed)
	}
	return id, kind, nil
}

// Decode fully materializes a TagRef into an owned Tag.
func (t TagRef) Decode(k hash.Kind) (*Tag, error) {
	out := &Tag{}
	r := bufio.NewReader(bytes.NewReader(t.raw))
	inBody := false
	var msg strings.Builder
	for {
		line, err := r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		trimmed := bytes.TrimSuffix(line, []byte{'\n'})

		if !inBody {
			if len(trimmed) == 0 {
				inBody = true
				if err == io.EOF {
					break
				}
				continue
			}
			sp := bytes.IndexByte(trimmed, ' ')
			if sp < 0 {
				return nil, fmt.Errorf("%w: malformed tag header line", ErrMalformed)
			}
			key, val := string(trimmed[:sp]), trimmed[sp+1:]
			switch key {
			case "object":
				out.TargetID, err = hash.FromHex(string(val))
				if err != nil {
					return nil, err
				}
			case "type":
				out.TargetKind, err = ParseKind(string(val))
				if err != nil {
					return nil, err
				}
			case "tag":
				out.Name = string(val)
			case "tagger":
				out.Tagger, err = ParseSignature(val)
				if err != nil {
					return nil, err
				}
			}
		} else {
			msg.Write(line)
		}

		if err == io.EOF {
			break
		}
	}
	if out.Name == "" {
		return nil, fmt.Errorf("%w: tag missing name", ErrMalformed)
	}
	out.Message = msg.String()
	return out, nil
}

// Encode renders a Tag to its on-disk byte form.
func (t *Tag) Encode(k hash.Kind) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "object %s\n", t.TargetID.String())
	fmt.Fprintf(&buf, "type %s\n", t.TargetKind.String())
	fmt.Fprintf(&buf, "tag %s\n", t.Name)
	fmt.Fprintf(&buf, "tagger %s\n", t.Tagger.String())
	buf.WriteByte('\n')
	buf.WriteString(t.Message)
	return buf.Bytes()
}
