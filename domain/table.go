package domain

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// ErrDomainNotConfigured is returned when TSA asks for a domain index
// the table has no entry for.
var ErrDomainNotConfigured = errors.New("domain: index not configured")

// Entry is a domain table row (spec section 3). TSA only ever reads
// these; mutation is the network-management dispatcher's job, and per
// spec section 5 the contract is that NM writes only between scheduler
// passes, never while a TX is in flight.
type Entry struct {
	ID       [6]byte  `yaml:"id"`
	Length   uint8    `yaml:"length"` // 0, 1, 3, or 6
	Subnet   byte     `yaml:"subnet"`
	Node     byte     `yaml:"node"`
	Key      [12]byte `yaml:"-"`
	KeyLen   uint8    `yaml:"key_len"` // 6 (standard) or 12 (OMA)
	OMA      bool     `yaml:"oma"`
	AltKey   [12]byte `yaml:"-"`
	AltKeyLen uint8   `yaml:"alt_key_len"`
}

// entryFile exists only so Entry can round-trip through YAML without
// exposing the raw key array shape to the file format.
type entryFile struct {
	ID     string `yaml:"id"`
	Length uint8  `yaml:"length"`
	Subnet byte   `yaml:"subnet"`
	Node   byte   `yaml:"node"`
	Key    string `yaml:"key"`
	AltKey string `yaml:"alt_key"`
	OMA    bool   `yaml:"oma"`
}

// groupKey identifies one (domain, group) pair in the membership map.
type groupKey struct {
	idx   Index
	group byte
}

// Table is the read side of the domain/address/key lookup TSA consumes
// per spec section 1. A single process may run several TSA contexts;
// each gets its own Table.
type Table struct {
	entries [2]*Entry // index 0 and 1
	flex    *Entry

	// members maps (domain, group) to this node's own index within that
	// group, the piece of address-lookup TSA needs to turn an incoming
	// multicast request into an answerable 2b source (spec section 4.3's
	// "send ack" omits the ack entirely when this is unknown).
	members map[groupKey]byte
}

// NewTable returns an empty table; entries are installed with Set.
func NewTable() *Table {
	return &Table{members: make(map[groupKey]byte)}
}

// SetGroupMember records this node's member index within a group on a
// domain, so an incoming multicast request can be acked back as a 2b
// member. group not registered here is an address/lookup error TSA
// reports by omitting the ack (spec section 4.3).
func (t *Table) SetGroupMember(idx Index, group, member byte) {
	if t.members == nil {
		t.members = make(map[groupKey]byte)
	}
	t.members[groupKey{idx, group}] = member
}

// GroupMember reports this node's member index within (idx, group), if
// known.
func (t *Table) GroupMember(idx Index, group byte) (byte, bool) {
	m, ok := t.members[groupKey{idx, group}]
	return m, ok
}

// Set installs or replaces the entry at domain index 0 or 1.
func (t *Table) Set(idx int, e Entry) error {
	if idx != 0 && idx != 1 {
		return fmt.Errorf("domain: index %d out of range", idx)
	}
	cp := e
	t.entries[idx] = &cp
	return nil
}

// SetFlex installs the flex-domain pseudo-entry used for responses that
// must appear to originate from "no configured domain" (spec section 4.4,
// GLOSSARY "Flex domain").
func (t *Table) SetFlex(e Entry) {
	cp := e
	t.flex = &cp
}

// Lookup resolves a domain Index to its table entry.
func (t *Table) Lookup(idx Index) (Entry, error) {
	switch idx {
	case Index0:
		if t.entries[0] == nil {
			return Entry{}, ErrDomainNotConfigured
		}
		return *t.entries[0], nil
	case Index1:
		if t.entries[1] == nil {
			return Entry{}, ErrDomainNotConfigured
		}
		return *t.entries[1], nil
	case IndexFlex:
		if t.flex == nil {
			return Entry{}, ErrDomainNotConfigured
		}
		return *t.flex, nil
	default:
		return Entry{}, fmt.Errorf("domain: index %v cannot be looked up directly", idx)
	}
}

// LoadTableYAML loads domain-table entries from YAML, for test fixtures
// and for any embedding NM tool that wants a declarative starting
// point. The on-disk shape keeps the id/key as hex strings; Entry keeps
// them as fixed-size arrays for zero-allocation comparisons at runtime.
func LoadTableYAML(r io.Reader) (*Table, error) {
	var doc struct {
		Domain0 *entryFile `yaml:"domain0"`
		Domain1 *entryFile `yaml:"domain1"`
		Flex    *entryFile `yaml:"flex"`
	}
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("domain: decode yaml: %w", err)
	}

	t := NewTable()
	install := func(idx int, f *entryFile) error {
		if f == nil {
			return nil
		}
		e, err := entryFromFile(*f)
		if err != nil {
			return err
		}
		if idx == -1 {
			t.SetFlex(e)
			return nil
		}
		return t.Set(idx, e)
	}
	if err := install(0, doc.Domain0); err != nil {
		return nil, err
	}
	if err := install(1, doc.Domain1); err != nil {
		return nil, err
	}
	if err := install(-1, doc.Flex); err != nil {
		return nil, err
	}
	return t, nil
}

func entryFromFile(f entryFile) (Entry, error) {
	id, err := decodeHexFixed6(f.ID)
	if err != nil {
		return Entry{}, fmt.Errorf("domain: id: %w", err)
	}
	key, keyLen, err := decodeHexKey(f.Key)
	if err != nil {
		return Entry{}, fmt.Errorf("domain: key: %w", err)
	}
	altKey, altKeyLen, err := decodeHexKey(f.AltKey)
	if err != nil {
		return Entry{}, fmt.Errorf("domain: alt_key: %w", err)
	}
	return Entry{
		ID:        id,
		Length:    f.Length,
		Subnet:    f.Subnet,
		Node:      f.Node,
		Key:       key,
		KeyLen:    keyLen,
		OMA:       f.OMA,
		AltKey:    altKey,
		AltKeyLen: altKeyLen,
	}, nil
}

func decodeHexFixed6(s string) ([6]byte, error) {
	var out [6]byte
	b, err := decodeHex(s)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}

func decodeHexKey(s string) ([12]byte, uint8, error) {
	var out [12]byte
	if s == "" {
		return out, 0, nil
	}
	b, err := decodeHex(s)
	if err != nil {
		return out, 0, err
	}
	if len(b) != 6 && len(b) != 12 {
		return out, 0, fmt.Errorf("key must be 6 or 12 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, uint8(len(b)), nil
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string %q", s)
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		hi, err := hexNibble(s[2*i])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[2*i+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}
