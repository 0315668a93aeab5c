package object

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/relvacode/gitodb/hash"
)

// Signature is a name/email/when triple as recorded in a commit, tag, or
// reflog entry.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// String renders the signature exactly as Git writes it:
// "Name <email> seconds tz".
func (s Signature) String() string {
	tz := s.When.Format("-0700")
	return fmt.Sprintf("%s <%s> %d %s", s.Name, s.Email, s.When.Unix(), tz)
}

// ParseSignature parses a "Name <email> seconds tz" line.
func ParseSignature(b []byte) (Signature, error) {
	var sig Signature
	lt := bytes.LastIndexByte(b, '<')
	gt := bytes.LastIndexByte(b, '>')
	if lt < 0 || gt < 0 || gt < lt {
		return sig, fmt.Errorf("%w: signature missing email", ErrMalformed)
	}
	sig.Name = strings.TrimSpace(string(b[:lt]))
	sig.Email = string(b[lt+1 : gt])

	rest := strings.TrimSpace(string(b[gt+1:]))
	fields := strings.Fields(rest)
	var sec int64
	var tz string
	switch len(fields) {
	case 2:
		sec, _ = strconv.ParseInt(fields[0], 10, 64)
		tz = fields[1]
	case 1:
		sec, _ = strconv.ParseInt(fields[0], 10, 64)
	}
	loc := time.UTC
	if tz != "" {
		if t, err := time.Parse("-0700", tz); err == nil {
			loc = t.Location()
		}
	}
	sig.When = time.Unix(sec, 0).In(loc)
	return sig, nil
}

// Commit is the owned, decoded form of a commit object.
type Commit struct {
	TreeID    hash.ObjectID
	ParentIDs []hash.ObjectID
	Author    Signature
	Committer Signature
	Encoding  string
	Message   string
	// ExtraHeaders preserves any header lines this decoder does not model
	// explicitly (e.g. "gpgsig", "mergetag"), in file order.
	ExtraHeaders [][2]string
}

// CommitRef is a zero-copy view over an encoded commit's raw bytes: it
// exposes the tree id and parent ids without decoding the whole object.
type CommitRef struct {
	raw []byte
}

func NewCommitRef(buf []byte) CommitRef { return CommitRef{raw: buf} }

// Tree returns the commit's tree id by scanning only the header.
func (c CommitRef) Tree(k hash.Kind) (hash.ObjectID, error) {
	var zero hash.ObjectID
	sc := bufio.NewScanner(bytes.NewReader(c.raw))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			break
		}
		if rest, ok := cutPrefix(line, "tree "); ok {
			return hash.FromHex(string(rest))
		}
	}
	return zero, fmt.Errorf("%w: commit missing tree header", ErrMalformed)
}

// Parents returns the commit's parent ids in file order by scanning only
// the header.
func (c CommitRef) Parents(k hash.Kind) ([]hash.ObjectID, error) {
	var parents []hash.ObjectID
	sc := bufio.NewScanner(bytes.NewReader(c.raw))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			break
		}
		if rest, ok := cutPrefix(line, "parent "); ok {
			id, err := hash.FromHex(string(rest))
			if err != nil {
				return nil, err
			}
			parents = append(parents, id)
		}
	}
	return parents, nil
}

// Decode fully materializes a CommitRef into an owned Commit.
func (c CommitRef) Decode(k hash.Kind) (*Commit, error) {
	out := &Commit{}
	r := bufio.NewReader(bytes.NewReader(c.raw))
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
				return nil, fmt.Errorf("%w: malformed commit header line", ErrMalformed)
			}
			key, val := string(trimmed[:sp]), trimmed[sp+1:]
			switch key {
			case "tree":
				out.TreeID, err = hash.FromHex(string(val))
				if err != nil {
					return nil, err
				}
			case "parent":
				id, err := hash.FromHex(string(val))
				if err != nil {
					return nil, err
				}
				out.ParentIDs = append(out.ParentIDs, id)
			case "author":
				out.Author, err = ParseSignature(val)
				if err != nil {
					return nil, err
				}
			case "committer":
				out.Committer, err = ParseSignature(val)
				if err != nil {
					return nil, err
				}
			case "encoding":
				out.Encoding = string(val)
			default:
				out.ExtraHeaders = append(out.ExtraHeaders, [2]string{key, string(val)})
			}
		} else {
			msg.Write(line)
		}

		if err == io.EOF {
			break
		}
	}
	out.Message = msg.String()
	return out, nil
}

// Encode renders a Commit to its on-disk byte form.
func (c *Commit) Encode(k hash.Kind) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.TreeID.String())
	for _, p := range c.ParentIDs {
		fmt.Fprintf(&buf, "parent %s\n", p.String())
	}
	fmt.Fprintf(&buf, "author %s\n", c.Author.String())
	fmt.Fprintf(&buf, "committer %s\n", c.Committer.String())
	if c.Encoding != "" {
		fmt.Fprintf(&buf, "encoding %s\n", c.Encoding)
	}
	for _, h := range c.ExtraHeaders {
		fmt.Fprintf(&buf, "%s %s\n", h[0], h[1])
	}
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes()
}

func cutPrefix(b []byte, prefix string) ([]byte, bool) {
	if len(b) < len(prefix) || string(b[:len(prefix)]) != prefix {
		return nil, false
	}
	return b[len(prefix):], true
}
