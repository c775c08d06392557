package cip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidTag is wrapped by every tag parsing failure.
var ErrInvalidTag = errors.New("invalid tag")

const (
	// MaxSymbolLength is the longest symbol name a Logix controller accepts.
	MaxSymbolLength = 40
	// MaxDimensions is the highest array rank addressable in one segment.
	MaxDimensions = 3
	// MaxPathBytes is the largest EPath expressible with a one-byte word count.
	MaxPathBytes = 255 * 2

	programPrefix = "Program:"

	segmentSymbolic  = 0x91
	segmentElement8  = 0x28
	segmentElement16 = 0x29
	segmentElement32 = 0x2A
)

// Segment is one dotted member of a tag path with its optional array indices.
type Segment struct {
	Name    string
	Indices []uint32
}

// Address is a validated symbolic tag reference.
type Address struct {
	segments []Segment
	path     []byte
}

// ParseTag validates tag against the Logix tag grammar and encodes its EPath.
//
//	tag     = member *( "." member )
//	member  = symbol [ "[" index *2( "," index ) "]" ]
//	symbol  = ( ALPHA / "_" ) *( ALPHA / DIGIT / "_" )
//
// The first symbol may carry a "Program:" scope prefix.
func ParseTag(tag string) (Address, error) {
	if tag == "" {
		return Address{}, fmt.Errorf("%w: empty tag", ErrInvalidTag)
	}
	var segments []Segment
	i := 0
	for {
		start := i
		if len(segments) == 0 && len(tag)-i > len(programPrefix) && strings.EqualFold(tag[i:i+len(programPrefix)], programPrefix) {
			i += len(programPrefix)
		}
		symStart := i
		if i >= len(tag) || !isSymbolStart(tag[i]) {
			return Address{}, fmt.Errorf("%w %q: expected symbol at offset %d", ErrInvalidTag, tag, i)
		}
		i++
		for i < len(tag) && isSymbolPart(tag[i]) {
			i++
		}
		if i-symStart > MaxSymbolLength {
			return Address{}, fmt.Errorf("%w %q: symbol %q longer than %d characters", ErrInvalidTag, tag, tag[symStart:i], MaxSymbolLength)
		}
		seg := Segment{Name: tag[start:i]}
		if i < len(tag) && tag[i] == '[' {
			var err error
			seg.Indices, i, err = parseIndices(tag, i+1)
			if err != nil {
				return Address{}, err
			}
		}
		segments = append(segments, seg)
		if i == len(tag) {
			break
		}
		if tag[i] != '.' {
			return Address{}, fmt.Errorf("%w %q: unexpected %q at offset %d", ErrInvalidTag, tag, tag[i], i)
		}
		i++
		if i == len(tag) {
			return Address{}, fmt.Errorf("%w %q: trailing '.'", ErrInvalidTag, tag)
		}
	}
	path := encodeSegments(segments)
	if len(path) > MaxPathBytes {
		return Address{}, fmt.Errorf("%w %q: encoded path is %d bytes, limit %d", ErrInvalidTag, tag, len(path), MaxPathBytes)
	}
	return Address{segments: segments, path: path}, nil
}

func parseIndices(tag string, i int) ([]uint32, int, error) {
	var indices []uint32
	for {
		j := i
		for j < len(tag) && tag[j] >= '0' && tag[j] <= '9' {
			j++
		}
		if j == i {
			return nil, 0, fmt.Errorf("%w %q: expected index at offset %d", ErrInvalidTag, tag, i)
		}
		v, err := strconv.ParseUint(tag[i:j], 10, 32)
		if err != nil {
			return nil, 0, fmt.Errorf("%w %q: index %q out of range", ErrInvalidTag, tag, tag[i:j])
		}
		indices = append(indices, uint32(v))
		i = j
		if i >= len(tag) {
			return nil, 0, fmt.Errorf("%w %q: unterminated '['", ErrInvalidTag, tag)
		}
		switch tag[i] {
		case ']':
			return indices, i + 1, nil
		case ',':
			if len(indices) == MaxDimensions {
				return nil, 0, fmt.Errorf("%w %q: more than %d dimensions", ErrInvalidTag, tag, MaxDimensions)
			}
			i++
		default:
			return nil, 0, fmt.Errorf("%w %q: unexpected %q at offset %d", ErrInvalidTag, tag, tag[i], i)
		}
	}
}

func isSymbolStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isSymbolPart(c byte) bool {
	return isSymbolStart(c) || (c >= '0' && c <= '9')
}

func encodeSegments(segments []Segment) []byte {
	var path []byte
	for _, seg := range segments {
		path = append(path, segmentSymbolic, byte(len(seg.Name)))
		path = append(path, seg.Name...)
		if len(seg.Name)%2 == 1 {
			path = append(path, 0)
		}
		for _, idx := range seg.Indices {
			switch {
			case idx <= 0xFF:
				path = append(path, segmentElement8, byte(idx))
			case idx <= 0xFFFF:
				path = append(path, segmentElement16, 0)
				path = binary.LittleEndian.AppendUint16(path, uint16(idx))
			default:
				path = append(path, segmentElement32, 0)
				path = binary.LittleEndian.AppendUint32(path, idx)
			}
		}
	}
	return path
}

// Segments returns a copy of the parsed members.
func (a Address) Segments() []Segment {
	out := make([]Segment, len(a.segments))
	for i, seg := range a.segments {
		out[i] = Segment{Name: seg.Name, Indices: append([]uint32(nil), seg.Indices...)}
	}
	return out
}

// Path returns the encoded EPath. The slice must not be modified.
func (a Address) Path() []byte {
	return a.path
}

// IsZero reports whether a was never parsed.
func (a Address) IsZero() bool {
	return len(a.segments) == 0
}

// String renders the canonical tag text.
func (a Address) String() string {
	var b strings.Builder
	for i, seg := range a.segments {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg.Name)
		if len(seg.Indices) > 0 {
			b.WriteByte('[')
			for j, idx := range seg.Indices {
				if j > 0 {
					b.WriteByte(',')
				}
				b.WriteString(strconv.FormatUint(uint64(idx), 10))
			}
			b.WriteByte(']')
		}
	}
	return b.String()
}

// DecodePath reverses the symbolic EPath encoding produced by ParseTag.
func DecodePath(path []byte) (Address, error) {
	var segments []Segment
	i := 0
	for i < len(path) {
		switch path[i] {
		case segmentSymbolic:
			if i+1 >= len(path) {
				return Address{}, fmt.Errorf("%w: truncated symbolic segment", ErrInvalidTag)
			}
			n := int(path[i+1])
			if i+2+n > len(path) {
				return Address{}, fmt.Errorf("%w: truncated symbol", ErrInvalidTag)
			}
			segments = append(segments, Segment{Name: string(path[i+2 : i+2+n])})
			i += 2 + n + n%2
		case segmentElement8, segmentElement16, segmentElement32:
			if len(segments) == 0 {
				return Address{}, fmt.Errorf("%w: element segment before symbol", ErrInvalidTag)
			}
			var idx uint32
			switch path[i] {
			case segmentElement8:
				if i+2 > len(path) {
					return Address{}, fmt.Errorf("%w: truncated element", ErrInvalidTag)
				}
				idx = uint32(path[i+1])
				i += 2
			case segmentElement16:
				if i+4 > len(path) {
					return Address{}, fmt.Errorf("%w: truncated element", ErrInvalidTag)
				}
				idx = uint32(binary.LittleEndian.Uint16(path[i+2:]))
				i += 4
			default:
				if i+6 > len(path) {
					return Address{}, fmt.Errorf("%w: truncated element", ErrInvalidTag)
				}
				idx = binary.LittleEndian.Uint32(path[i+2:])
				i += 6
			}
			last := &segments[len(segments)-1]
			last.Indices = append(last.Indices, idx)
		default:
			return Address{}, fmt.Errorf("%w: unsupported segment 0x%02X", ErrInvalidTag, path[i])
		}
	}
	if len(segments) == 0 {
		return Address{}, fmt.Errorf("%w: empty path", ErrInvalidTag)
	}
	return Address{segments: segments, path: append([]byte(nil), path...)}, nil
}
