package pppoe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrTruncated is returned when a tag header or tag value would
	// extend past the end of the tag area.
	ErrTruncated = errors.New("truncated tag area")
	// ErrTagNotFound is returned by FindTag when no tag of the
	// requested type is present.
	ErrTagNotFound = errors.New("tag not found")
	// ErrTooManyTags is returned when encoding more than MaxTags tags.
	ErrTooManyTags = errors.New("too many tags")
	// ErrFrameTooLarge is returned when an encoded tag area would not
	// fit in a single frame.
	ErrFrameTooLarge = errors.New("frame too large")
)

// PPPoETag represents the TLV data structures which make up
// the data payload of PPPoE discovery packets.
//
// Tags returned by the parser share storage with the buffer they
// were parsed from.
type PPPoETag struct {
	Type PPPoETagType
	Data []byte
}

// TagIterator walks a tag area one tag at a time.
//
// Every step is bounds checked against the tag area itself, so the
// iterator is safe for arbitrary input regardless of what the PPPoE
// header claims the payload length to be.
type TagIterator struct {
	buf []byte
	off int
	tag PPPoETag
	err error
}

// ParseTags returns an iterator over the tags in a discovery packet's
// tag area.
func ParseTags(area []byte) *TagIterator {
	return &TagIterator{buf: area}
}

// Next advances to the next tag.  It returns false at the end of the
// tag area or on error; Err distinguishes the two.
func (it *TagIterator) Next() bool {
	if it.err != nil || it.off >= len(it.buf) {
		return false
	}
	remaining := len(it.buf) - it.off
	if remaining < pppoeTagMinLength {
		it.err = fmt.Errorf("%w: %d trailing bytes at offset %d", ErrTruncated, remaining, it.off)
		return false
	}
	typ := PPPoETagType(binary.BigEndian.Uint16(it.buf[it.off:]))
	length := int(binary.BigEndian.Uint16(it.buf[it.off+2:]))
	start := it.off + pppoeTagMinLength
	if length > len(it.buf)-start {
		it.err = fmt.Errorf("%w: %v length %d exceeds buffer bounds of %d",
			ErrTruncated, typ, length, len(it.buf)-start)
		return false
	}
	it.tag = PPPoETag{
		Type: typ,
		Data: it.buf[start : start+length : start+length],
	}
	it.off = start + length
	return true
}

// Tag returns the tag most recently produced by Next.
func (it *TagIterator) Tag() *PPPoETag {
	tag := it.tag
	return &tag
}

// Err returns the error which stopped iteration, if any.
func (it *TagIterator) Err() error {
	return it.err
}

// FindTag returns the first tag of the specified type in a tag area.
//
// If the tag area is truncated before a match is found the truncation
// error is returned.
func FindTag(area []byte, typ PPPoETagType) (*PPPoETag, error) {
	it := ParseTags(area)
	for it.Next() {
		if it.tag.Type == typ {
			return it.Tag(), nil
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %v", ErrTagNotFound, typ)
}

// newTagListFromBuffer fully parses a tag area.
func newTagListFromBuffer(area []byte) (tags []*PPPoETag, err error) {
	it := ParseTags(area)
	for it.Next() {
		tags = append(tags, it.Tag())
	}
	return tags, it.Err()
}

// EncodedTagsLength returns the number of bytes EncodeTags would
// append for the given tags.
func EncodedTagsLength(tags []*PPPoETag) (n int) {
	for _, tag := range tags {
		n += pppoeTagMinLength + len(tag.Data)
	}
	return
}

// EncodeTags appends the wire representation of tags to out, in order.
//
// Encoding fails without modifying out if there are more than MaxTags
// tags, if any value is too long for the 16 bit length field, or if
// the resulting tag area would not fit in a frame.
func EncodeTags(tags []*PPPoETag, out *bytes.Buffer) error {
	if len(tags) > MaxTags {
		return fmt.Errorf("%w: %d tags exceeds limit of %d", ErrTooManyTags, len(tags), MaxTags)
	}
	for _, tag := range tags {
		if len(tag.Data) > 0xffff {
			return fmt.Errorf("%w: %v value of %d bytes", ErrFrameTooLarge, tag.Type, len(tag.Data))
		}
	}
	if n := EncodedTagsLength(tags); n > MaxTagAreaLength {
		return fmt.Errorf("%w: tag area of %d bytes exceeds limit of %d", ErrFrameTooLarge, n, MaxTagAreaLength)
	}

	// bytes.Buffer.Write always returns a nil error
	var hdr [pppoeTagMinLength]byte
	for _, tag := range tags {
		binary.BigEndian.PutUint16(hdr[0:], uint16(tag.Type))
		binary.BigEndian.PutUint16(hdr[2:], uint16(len(tag.Data)))
		_, _ = out.Write(hdr[:])
		_, _ = out.Write(tag.Data)
	}
	return nil
}

func findTag(typ PPPoETagType, tags []*PPPoETag) (tag *PPPoETag, err error) {
	for _, tag = range tags {
		if tag.Type == typ {
			return tag, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrTagNotFound, typ)
}

// String provides a human-readable representation of PPPoETagType.
func (typ PPPoETagType) String() string {
	switch typ {
	case PPPoETagTypeEOL:
		return "EOL"
	case PPPoETagTypeServiceName:
		return "Service Name"
	case PPPoETagTypeACName:
		return "AC Name"
	case PPPoETagTypeHostUniq:
		return "Host Uniq"
	case PPPoETagTypeACCookie:
		return "AC Cookie"
	case PPPoETagTypeVendorSpecific:
		return "Vendor Specific"
	case PPPoETagTypeRelaySessionID:
		return "Relay Session ID"
	case PPPoETagTypeServiceNameError:
		return "Service Name Error"
	case PPPoETagTypeACSystemError:
		return "AC System Error"
	case PPPoETagTypeGenericError:
		return "Generic Error"
	default:
		return fmt.Sprintf("Unknown(0x%04x)", uint16(typ))
	}
}

// String provides a human-readable representation of PPPoETag.
//
// For tags specified by the RFC to contain strings, a string representation
// of the tag data is rendered.  For all other tags a dump of the raw hex bytes
// is provided.
func (tag *PPPoETag) String() string {
	switch tag.Type {
	case PPPoETagTypeServiceName,
		PPPoETagTypeACName,
		PPPoETagTypeServiceNameError,
		PPPoETagTypeACSystemError,
		PPPoETagTypeGenericError:
		return fmt.Sprintf("%v: '%s'", tag.Type, string(tag.Data))
	}
	return fmt.Sprintf("%v: %#v", tag.Type, tag.Data)
}
