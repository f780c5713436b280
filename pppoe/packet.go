package pppoe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedPacket is returned when a received frame cannot be
// interpreted as a PPPoE packet.
var ErrMalformedPacket = errors.New("malformed packet")

// PPPoEPacket represents a PPPoE discovery packet.
type PPPoEPacket struct {
	// Code is the code per RFC2516 which identifes the packet.
	Code PPPoECode
	// SessionID is the allocated session ID, once it has been set.
	// Up until that point in the discovery sequence the ID is zero.
	SessionID PPPoESessionID
	// Tags is the data payload of the packet.
	Tags []*PPPoETag
}

// String provides a human-readable representation of PPPoECode.
func (code PPPoECode) String() string {
	switch code {
	case PPPoECodeSession:
		return "SESSION"
	case PPPoECodePADI:
		return "PADI"
	case PPPoECodePADO:
		return "PADO"
	case PPPoECodePADR:
		return "PADR"
	case PPPoECodePADS:
		return "PADS"
	case PPPoECodePADT:
		return "PADT"
	}
	return "???"
}

// String provides a human-readable representation of PPPoEPacket.
func (packet *PPPoEPacket) String() string {
	s := fmt.Sprintf("%s: session %v, tags:", packet.Code, packet.SessionID)
	for _, tag := range packet.Tags {
		s += fmt.Sprintf(" %s,", tag)
	}
	return s
}

// NewPADI returns a PADI packet with the RFC-mandated service name
// tag included.
//
// PADI packets are used by the client to initiate the PPPoE discovery
// sequence.  Clients which wish to use any service available should
// pass an empty string.
func NewPADI(serviceName string) (packet *PPPoEPacket, err error) {
	packet = &PPPoEPacket{Code: PPPoECodePADI}
	err = packet.AddServiceNameTag(serviceName)
	if err != nil {
		return nil, err
	}
	return
}

// NewPADO returns a PADO packet with the RFC-mandated service name and
// AC name tags included.
//
// PADO packets are used by the server respond to a client's PADI.
func NewPADO(serviceName string, acName string) (packet *PPPoEPacket, err error) {
	packet = &PPPoEPacket{Code: PPPoECodePADO}
	err = packet.AddACNameTag(acName)
	if err != nil {
		return nil, err
	}
	err = packet.AddServiceNameTag(serviceName)
	if err != nil {
		return nil, err
	}
	return
}

// NewPADR returns a PADR packet with the RFC-mandated service name
// tag included.
//
// The service name tag should be derived from the PADO packet received
// from the server.
func NewPADR(serviceName string) (packet *PPPoEPacket, err error) {
	packet = &PPPoEPacket{Code: PPPoECodePADR}
	err = packet.AddServiceNameTag(serviceName)
	if err != nil {
		return nil, err
	}
	return
}

// NewPADS returns a PADS packet including an allocated session ID and the
// RFC-mandated service name tag.
//
// If the PADS packet indicates failure, the session ID should be zero, and
// the packet should have one of the error tags appended.
func NewPADS(serviceName string, sid PPPoESessionID) (packet *PPPoEPacket, err error) {
	packet = &PPPoEPacket{
		Code:      PPPoECodePADS,
		SessionID: sid,
	}
	err = packet.AddServiceNameTag(serviceName)
	if err != nil {
		return nil, err
	}
	return
}

// NewPADT returns a PADT packet for the specified session ID.
//
// PADT packets are used by either client or server to terminate the PPPoE
// connection once established.
func NewPADT(sid PPPoESessionID) (packet *PPPoEPacket, err error) {
	return &PPPoEPacket{
		Code:      PPPoECodePADT,
		SessionID: sid,
	}, nil
}

// packetSpec is used to define the requirements of each PPPoE packet
// as per RFC2516, allowing packets to be validated on receipt and prior
// to transmission.
type packetSpec struct {
	zeroSessionID bool
	mandatoryTags []PPPoETagType
	anyOfTags     []PPPoETagType
}

var packetSpecs = map[PPPoECode]*packetSpec{
	PPPoECodePADI: {
		zeroSessionID: true,
		mandatoryTags: []PPPoETagType{PPPoETagTypeServiceName},
	},
	PPPoECodePADO: {
		zeroSessionID: true,
		mandatoryTags: []PPPoETagType{PPPoETagTypeServiceName, PPPoETagTypeACName},
	},
	PPPoECodePADR: {
		zeroSessionID: true,
		mandatoryTags: []PPPoETagType{PPPoETagTypeServiceName},
	},
	PPPoECodePADT: {
		zeroSessionID: false,
	},
}

// PADS is a special case: its mandatory tag list varies depending on
// whether the access concentrator likes the service name in the PADR or
// not.  A session ID of zero is used in the sad path.
var (
	padsSuccessSpec = &packetSpec{
		mandatoryTags: []PPPoETagType{PPPoETagTypeServiceName},
	}
	padsFailureSpec = &packetSpec{
		zeroSessionID: true,
		anyOfTags: []PPPoETagType{
			PPPoETagTypeServiceNameError,
			PPPoETagTypeACSystemError,
			PPPoETagTypeGenericError,
		},
	}
)

// Validate validates a packet meets the requirements of RFC2516, checking
// the mandatory tags are included and the session ID is set correctly.
func (packet *PPPoEPacket) Validate() (err error) {
	spec, ok := packetSpecs[packet.Code]
	if !ok {
		if packet.Code != PPPoECodePADS {
			return fmt.Errorf("unrecognised packet code %v", packet.Code)
		}
		spec = padsSuccessSpec
		if packet.SessionID == sessionIDNone {
			spec = padsFailureSpec
		}
	}

	if spec.zeroSessionID {
		if packet.SessionID != sessionIDNone {
			return fmt.Errorf("nonzero session ID in %v; must have zero", packet.Code)
		}
	} else if packet.SessionID == sessionIDNone || packet.SessionID == sessionIDReserved {
		return fmt.Errorf("invalid session ID %v in %v", packet.SessionID, packet.Code)
	}

	for _, tagType := range spec.mandatoryTags {
		if _, err := findTag(tagType, packet.Tags); err != nil {
			return fmt.Errorf("missing mandatory tag %v in %v", tagType, packet.Code)
		}
	}

	if len(spec.anyOfTags) > 0 {
		for _, tagType := range spec.anyOfTags {
			if _, err := findTag(tagType, packet.Tags); err == nil {
				return nil
			}
		}
		return fmt.Errorf("missing error tag in %v", packet.Code)
	}
	return nil
}

// ParsePacket parses a PPPoE discovery frame (the PPPoE header and the
// tag area which follows it).
//
// Bytes beyond the length declared in the header are treated as link
// padding and ignored.  The packet is validated against RFC2516 before
// being returned.
func ParsePacket(b []byte) (packet *PPPoEPacket, err error) {
	if len(b) < pppoeHeaderLength {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the PPPoE header", ErrMalformedPacket, len(b))
	}
	if b[0] != pppoeVerType {
		return nil, fmt.Errorf("%w: bad version/type 0x%02x", ErrMalformedPacket, b[0])
	}

	code := PPPoECode(b[1])
	switch code {
	case PPPoECodePADI, PPPoECodePADO, PPPoECodePADR, PPPoECodePADS, PPPoECodePADT:
	default:
		return nil, fmt.Errorf("%w: unrecognised packet code 0x%02x", ErrMalformedPacket, b[1])
	}

	length := int(binary.BigEndian.Uint16(b[4:]))
	if length > len(b)-pppoeHeaderLength {
		return nil, fmt.Errorf("%w: length %d exceeds buffer bounds of %d",
			ErrMalformedPacket, length, len(b)-pppoeHeaderLength)
	}

	tags, err := newTagListFromBuffer(b[pppoeHeaderLength : pppoeHeaderLength+length])
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse packet tags: %v", ErrMalformedPacket, err)
	}

	packet = &PPPoEPacket{
		Code:      code,
		SessionID: PPPoESessionID(binary.BigEndian.Uint16(b[2:])),
		Tags:      tags,
	}

	err = packet.Validate()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to validate packet: %v", ErrMalformedPacket, err)
	}
	return
}

// ToBytes renders the PPPoE packet to a byte slice ready for transmission
// on a LinkTransport.
//
// Prior to calling ToBytes a packet should ideally be validated using Validate
// to ensure it adheres to the RFC requirements.
func (packet *PPPoEPacket) ToBytes() (encoded []byte, err error) {
	tagBuf := new(bytes.Buffer)
	err = EncodeTags(packet.Tags, tagBuf)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %v tags: %w", packet.Code, err)
	}

	hdr := newPPPoEHeader(packet.Code, packet.SessionID)
	binary.BigEndian.PutUint16(hdr[4:], uint16(tagBuf.Len()))

	encoded = make([]byte, 0, pppoeHeaderLength+tagBuf.Len())
	encoded = append(encoded, hdr[:]...)
	encoded = append(encoded, tagBuf.Bytes()...)
	return
}

func newPPPoEHeader(code PPPoECode, sid PPPoESessionID) (hdr [pppoeHeaderLength]byte) {
	hdr[0] = pppoeVerType
	hdr[1] = byte(code)
	binary.BigEndian.PutUint16(hdr[2:], uint16(sid))
	return
}

// encodeSessionFrame frames a session data payload using a prebuilt
// session header.
func encodeSessionFrame(hdr [pppoeHeaderLength]byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxFramePayload-pppoeHeaderLength {
		return nil, fmt.Errorf("%w: session payload of %d bytes", ErrFrameTooLarge, len(payload))
	}
	binary.BigEndian.PutUint16(hdr[4:], uint16(len(payload)))
	frame := make([]byte, 0, pppoeHeaderLength+len(payload))
	frame = append(frame, hdr[:]...)
	return append(frame, payload...), nil
}

// parseSessionFrame extracts the session ID and payload of a session
// data frame.
func parseSessionFrame(b []byte) (sid PPPoESessionID, payload []byte, err error) {
	if len(b) < pppoeHeaderLength {
		return 0, nil, fmt.Errorf("%w: %d bytes is shorter than the PPPoE header", ErrMalformedPacket, len(b))
	}
	if b[0] != pppoeVerType || PPPoECode(b[1]) != PPPoECodeSession {
		return 0, nil, fmt.Errorf("%w: bad session header 0x%02x 0x%02x", ErrMalformedPacket, b[0], b[1])
	}
	length := int(binary.BigEndian.Uint16(b[4:]))
	if length > len(b)-pppoeHeaderLength {
		return 0, nil, fmt.Errorf("%w: length %d exceeds buffer bounds of %d",
			ErrMalformedPacket, length, len(b)-pppoeHeaderLength)
	}
	return PPPoESessionID(binary.BigEndian.Uint16(b[2:])), b[pppoeHeaderLength : pppoeHeaderLength+length], nil
}

func (packet *PPPoEPacket) appendTag(tag *PPPoETag) (err error) {
	if len(tag.Data) > 0xffff {
		return fmt.Errorf("%w: %v value of %d bytes", ErrFrameTooLarge, tag.Type, len(tag.Data))
	}
	packet.Tags = append(packet.Tags, tag)
	return
}

// GetTag searches a packet's tags to find one of the specified type.
//
// The first tag matching the specified type is returned on success.
func (packet *PPPoEPacket) GetTag(typ PPPoETagType) (tag *PPPoETag, err error) {
	return findTag(typ, packet.Tags)
}

// AddServiceNameTag adds a service name tag to the packet.
// The service name is an arbitrary string.
func (packet *PPPoEPacket) AddServiceNameTag(name string) (err error) {
	return packet.appendTag(&PPPoETag{Type: PPPoETagTypeServiceName, Data: []byte(name)})
}

// AddACNameTag adds an access concentrator name tag to the packet.
// The AC name is an arbitrary string.
func (packet *PPPoEPacket) AddACNameTag(name string) (err error) {
	return packet.appendTag(&PPPoETag{Type: PPPoETagTypeACName, Data: []byte(name)})
}

// AddHostUniqTag adds a host unique tag to the packet.
// The host unique value is an arbitrary byte slice which is used by
// the client to associate a given response (PADO or PADS) to a particular
// request (PADI or PADR).
func (packet *PPPoEPacket) AddHostUniqTag(hostUniq []byte) (err error) {
	return packet.appendTag(&PPPoETag{Type: PPPoETagTypeHostUniq, Data: hostUniq})
}

// AddACCookieTag adds an access concentrator cookie tag to the packet.
// The AC cookie value is an arbitrary byte slice which is used by the
// access concentrator to associate a PADR with the PADO it answers.
func (packet *PPPoEPacket) AddACCookieTag(cookie []byte) (err error) {
	return packet.appendTag(&PPPoETag{Type: PPPoETagTypeACCookie, Data: cookie})
}

// AddServiceNameErrorTag adds a service name error tag to the packet.
// The value may be an empty string, but should preferably be a human-readable
// string explaining why the request was denied.
func (packet *PPPoEPacket) AddServiceNameErrorTag(reason string) (err error) {
	return packet.appendTag(&PPPoETag{Type: PPPoETagTypeServiceNameError, Data: []byte(reason)})
}

// AddACSystemErrorTag adds an access concentrator system error tag to the packet.
func (packet *PPPoEPacket) AddACSystemErrorTag(reason string) (err error) {
	return packet.appendTag(&PPPoETag{Type: PPPoETagTypeACSystemError, Data: []byte(reason)})
}

// AddGenericErrorTag adds an generic error tag to the packet.
func (packet *PPPoEPacket) AddGenericErrorTag(reason string) (err error) {
	return packet.appendTag(&PPPoETag{Type: PPPoETagTypeGenericError, Data: []byte(reason)})
}

// AddTag adds a generic tag to the packet.
// The caller is responsible for ensuring that the data type matches the tag type.
func (packet *PPPoEPacket) AddTag(typ PPPoETagType, data []byte) (err error) {
	return packet.appendTag(&PPPoETag{Type: typ, Data: data})
}
