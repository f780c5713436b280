package pppoe

import "time"

// PPPoECode indicates the PPPoE packet type.
type PPPoECode uint8

// PPPoESessionID, in combination with the peer's Ethernet addresses,
// uniquely identifies a given PPPoE session.
type PPPoESessionID uint16

// PPPoETagType identifies the tags contained in the data payload of
// PPPoE discovery packets.
type PPPoETagType uint16

// EtherType identifies which of the two PPPoE Ethernet protocols a
// frame belongs to.
type EtherType uint16

// PPPoE packet codes.
const (
	// PPPoE session data packet
	PPPoECodeSession PPPoECode = 0x00
	// PPPoE Active Discovery Initiation packet
	PPPoECodePADI PPPoECode = 0x09
	// PPPoE Active Discovery Offer packet
	PPPoECodePADO PPPoECode = 0x07
	// PPPoE Active Discovery Request packet
	PPPoECodePADR PPPoECode = 0x19
	// PPPoE Active Discovery Session-confirmation packet
	PPPoECodePADS PPPoECode = 0x65
	// PPPoE Active Discovery Terminate packet
	PPPoECodePADT PPPoECode = 0xa7
)

// PPPoE Tag types.
//
// PPPoE packets may contain zero or more tags, which are
// TLV constructs.
const (
	PPPoETagTypeEOL              PPPoETagType = 0x0000
	PPPoETagTypeServiceName      PPPoETagType = 0x0101
	PPPoETagTypeACName           PPPoETagType = 0x0102
	PPPoETagTypeHostUniq         PPPoETagType = 0x0103
	PPPoETagTypeACCookie         PPPoETagType = 0x0104
	PPPoETagTypeVendorSpecific   PPPoETagType = 0x0105
	PPPoETagTypeRelaySessionID   PPPoETagType = 0x0110
	PPPoETagTypeServiceNameError PPPoETagType = 0x0201
	PPPoETagTypeACSystemError    PPPoETagType = 0x0202
	PPPoETagTypeGenericError     PPPoETagType = 0x0203
)

// Ethernet types carrying PPPoE.
const (
	EtherTypeDiscovery EtherType = 0x8863
	EtherTypeSession   EtherType = 0x8864
)

// Wire limits.
const (
	// MaxTags bounds the number of tags which will be encoded into
	// a single discovery packet.
	MaxTags = 32
	// MaxFramePayload is the largest PPPoE frame (header plus payload)
	// carried by a standard Ethernet frame.
	MaxFramePayload = 1500
	// MaxTagAreaLength is the largest tag area which fits a discovery
	// packet.
	MaxTagAreaLength = MaxFramePayload - pppoeHeaderLength
	// ServiceNameWildcard, when used as a listen filter, matches any
	// requested service.
	ServiceNameWildcard = "*"
)

// Session IDs with special meaning.
const (
	sessionIDNone     PPPoESessionID = 0x0000
	sessionIDReserved PPPoESessionID = 0xffff
)

// Default protocol timers.
const (
	DefaultRetryTimeout = 1 * time.Second
	DefaultRetryLimit   = 64 * time.Second
	DefaultOfferTimeout = 16 * time.Second
)

// DefaultMaxOffers is the default limit on offers a listening endpoint
// has outstanding at once.
const DefaultMaxOffers = 256

// internal constants
const (
	pppoeVerType      = 0x11
	pppoeHeaderLength = 6 // bytes: ver/type, code, session ID, length
	pppoeTagMinLength = 4 // bytes: 2 for type, 2 for length
	tokenLength       = 8
)
