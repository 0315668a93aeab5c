package refs

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/relvacode/gitodb/hash"
)

// ErrReferenceDecode is returned when a loose ref file's content is neither
// a hex OID nor a "ref: <name>" symbolic pointer.
var ErrReferenceDecode = errors.New("refs: malformed reference content")

const symbolicPrefix = "ref: "

// DecodeContent parses the trimmed content of a loose ref file.
func DecodeContent(name FullName, raw []byte, k hash.Kind) (Reference, error) {
	s := strings.TrimRight(string(raw), "\r\n \t")
	if strings.HasPrefix(s, symbolicPrefix) {
		target := strings.TrimSpace(s[len(symbolicPrefix):])
		fn, err := NewFullName(target)
		if err != nil {
			return Reference{}, fmt.Errorf("%w: symbolic target: %v", ErrReferenceDecode, err)
		}
		return Reference{Name: name, Target: NewSymbolic(fn), Origin: OriginLoose}, nil
	}
	if len(s) != k.HexSize() {
		return Reference{}, fmt.Errorf("%w: expected %d hex chars, got %d", ErrReferenceDecode, k.HexSize(), len(s))
	}
	id, err := hash.FromHex(s)
	if err != nil {
		return Reference{}, fmt.Errorf("%w: %v", ErrReferenceDecode, err)
	}
	return Reference{Name: name, Target: NewPeeled(id), Origin: OriginLoose}, nil
}

// EncodeContent renders a Target exactly as Git writes it on disk.
func EncodeContent(t Target) string {
	if t.IsSymbolic() {
		return symbolicPrefix + string(t.Ref) + "\n"
	}
	return t.ID.String() + "\n"
}

// EncodeReflogLine renders one reflog entry:
// "<old> <new> <name> <email> <unix-ts> <tz>\t<message>\n".
func EncodeReflogLine(e ReflogEntry) string {
	tz := e.When.Format("-0700")
	return fmt.Sprintf("%s %s %s <%s> %d %s\t%s\n",
		e.Previous.String(), e.New.String(), e.Name, e.Email, e.When.Unix(), tz, e.Message)
}

// ParseReflogLine parses one reflog line.
func ParseReflogLine(line []byte) (ReflogEntry, error) {
	var e ReflogEntry
	tab := bytes.IndexByte(line, '\t')
	header := line
	if tab >= 0 {
		header = line[:tab]
		e.Message = string(line[tab+1:])
	}
	fields := bytes.Fields(header)
	if len(fields) < 6 {
		return e, fmt.Errorf("%w: reflog line has too few fields", ErrReferenceDecode)
	}
	var err error
	e.Previous, err = hash.FromHex(string(fields[0]))
	if err != nil {
		return e, err
	}
	e.New, err = hash.FromHex(string(fields[1]))
	if err != nil {
		return e, err
	}
	lt := bytes.IndexByte(header, '<')
	gt := bytes.IndexByte(header, '>')
	if lt < 0 || gt < 0 || gt < lt {
		return e, fmt.Errorf("%w: reflog line missing email", ErrReferenceDecode)
	}
	oidPrefix := string(fields[0]) + " " + string(fields[1]) + " "
	if !strings.HasPrefix(string(header), oidPrefix) {
		return e, fmt.Errorf("%w: reflog line malformed oid prefix", ErrReferenceDecode)
	}
	e.Name = strings.TrimSpace(string(header[len(oidPrefix):lt]))
	e.Email = string(header[lt+1 : gt])
	rest := bytes.Fields(header[gt+1:])
	if len(rest) < 1 {
		return e, fmt.Errorf("%w: reflog line missing timestamp", ErrReferenceDecode)
	}
	sec, err := strconv.ParseInt(string(rest[0]), 10, 64)
	if err != nil {
		return e, err
	}
	loc := time.UTC
	if len(rest) >= 2 {
		if t, err := time.Parse("-0700", string(rest[1])); err == nil {
			loc = t.Location()
		}
	}
	e.When = time.Unix(sec, 0).In(loc)
	return e, nil
}

// ParseReflog splits a whole reflog file into entries, in file order.
func ParseReflog(raw []byte) ([]ReflogEntry, error) {
	var out []ReflogEntry
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		e, err := ParseReflogLine(line)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
