// Package sym loads PCAN-style symbol files into an immutable in-memory
// database of message and signal definitions.
package sym

import (
	"fmt"
	"time"

	"example.com/canscope/internal/can"
)

// ByteOrder selects the bit numbering of a signal span.
type ByteOrder uint8

const (
	// Intel is little-endian bit numbering, the format default.
	Intel ByteOrder = iota
	// Motorola is big-endian bit numbering, selected with the -m flag.
	Motorola
)

func (o ByteOrder) String() string {
	if o == Motorola {
		return "motorola"
	}
	return "intel"
}

// SignalType is the value interpretation of a signal span.
type SignalType uint8

const (
	TypeUnsigned SignalType = iota
	TypeSigned
	TypeBit
	TypeChar
	TypeString
	TypeFloat
	TypeDouble
)

var typeNames = map[SignalType]string{
	TypeUnsigned: "unsigned",
	TypeSigned:   "signed",
	TypeBit:      "bit",
	TypeChar:     "char",
	TypeString:   "string",
	TypeFloat:    "float",
	TypeDouble:   "double",
}

func (t SignalType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unsigned"
}

// ParseSignalType maps a symbol file type keyword to a SignalType.
func ParseSignalType(s string) (SignalType, error) {
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return TypeUnsigned, fmt.Errorf("unknown type %q", s)
}

// SignalDef describes one signal span within a message payload.
type SignalDef struct {
	Name      string
	Type      SignalType
	StartBit  int
	BitLen    int
	Order     ByteOrder
	Unit      string
	Factor    float64
	Offset    float64
	Min       *float64
	Max       *float64
	Default   *float64
	Enum      string
	Hex       bool
	Precision int
	Comment   string
}

// IsSigned reports whether decode must sign-extend the raw span.
func (s SignalDef) IsSigned() bool {
	return s.Type == TypeSigned
}

// BitPositions returns the payload bit indices of the span in raw LSB-first
// order. Intel spans count up from the start bit. Motorola spans start at
// the MSB and walk big-endian byte order, so the returned slice is the walk
// reversed.
func (s SignalDef) BitPositions() []int {
	if s.BitLen <= 0 {
		return nil
	}
	pos := make([]int, s.BitLen)
	if s.Order == Intel {
		for i := range pos {
			pos[i] = s.StartBit + i
		}
		return pos
	}
	p := s.StartBit
	for i := s.BitLen - 1; i >= 0; i-- {
		pos[i] = p
		if p%8 == 0 {
			p += 15
		} else {
			p--
		}
	}
	return pos
}

// MessageDef describes one CAN message and its signals, in declaration
// order.
type MessageDef struct {
	Name      string
	ID        uint32
	Extended  bool
	Length    int
	CycleTime time.Duration
	Signals   []SignalDef
	Comment   string
}

// SignalByName returns the named signal of the message.
func (m *MessageDef) SignalByName(name string) (SignalDef, bool) {
	for _, s := range m.Signals {
		if s.Name == name {
			return s, true
		}
	}
	return SignalDef{}, false
}

// Enum is a named raw-value to label mapping.
type Enum struct {
	Name   string
	Labels map[int64]string
}

// Database is the loaded symbol set. It is immutable once built; hot reload
// swaps whole Database pointers.
type Database struct {
	Title         string
	FormatVersion string
	Path          string
	Enums         map[string]Enum

	byID   map[uint32]*MessageDef
	byName map[string]*MessageDef
	order  []*MessageDef
}

// NewDatabase builds a database from in-memory definitions. Duplicate IDs or
// names keep the first definition.
func NewDatabase(msgs []MessageDef, enums []Enum) *Database {
	db := newDatabase()
	for _, e := range enums {
		if _, dup := db.Enums[e.Name]; !dup {
			db.Enums[e.Name] = e
		}
	}
	for i := range msgs {
		m := msgs[i]
		db.add(&m)
	}
	return db
}

func newDatabase() *Database {
	return &Database{
		Enums:  map[string]Enum{},
		byID:   map[uint32]*MessageDef{},
		byName: map[string]*MessageDef{},
	}
}

// add registers a message, keeping the first definition on ID collision.
// The caller reports the collision.
func (db *Database) add(m *MessageDef) bool {
	db.order = append(db.order, m)
	if _, dup := db.byName[m.Name]; !dup {
		db.byName[m.Name] = m
	}
	if _, dup := db.byID[m.ID]; dup {
		return false
	}
	db.byID[m.ID] = m
	return true
}

// MessageByID looks a message up by CAN identifier.
func (db *Database) MessageByID(id uint32) (*MessageDef, bool) {
	if db == nil {
		return nil, false
	}
	m, ok := db.byID[id]
	return m, ok
}

// MessageByName looks a message up by name.
func (db *Database) MessageByName(name string) (*MessageDef, bool) {
	if db == nil {
		return nil, false
	}
	m, ok := db.byName[name]
	return m, ok
}

// Messages returns every message in declaration order.
func (db *Database) Messages() []*MessageDef {
	if db == nil {
		return nil
	}
	out := make([]*MessageDef, len(db.order))
	copy(out, db.order)
	return out
}

// SignalsOf returns the signal definitions for an identifier, nil when the
// identifier is unknown.
func (db *Database) SignalsOf(id uint32) []SignalDef {
	m, ok := db.MessageByID(id)
	if !ok {
		return nil
	}
	return m.Signals
}

// EnumLabel resolves a raw value against a named enum.
func (db *Database) EnumLabel(enum string, raw int64) (string, bool) {
	if db == nil {
		return "", false
	}
	e, ok := db.Enums[enum]
	if !ok {
		return "", false
	}
	label, ok := e.Labels[raw]
	return label, ok
}

// Stats summarizes database contents.
type Stats struct {
	Messages int `json:"messages"`
	Signals  int `json:"signals"`
	Enums    int `json:"enums"`
}

func (db *Database) Stats() Stats {
	if db == nil {
		return Stats{}
	}
	s := Stats{Messages: len(db.order), Enums: len(db.Enums)}
	for _, m := range db.order {
		s.Signals += len(m.Signals)
	}
	return s
}

// ParseError records one rejected symbol file line. Parsing continues past
// it.
type ParseError struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Msg  string `json:"msg"`
}

func (e ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

func extendedID(id uint32) bool {
	return id > can.MaxStandardID
}

func float64Ptr(v float64) *float64 {
	return &v
}
