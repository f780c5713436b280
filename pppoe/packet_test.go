package pppoe

import (
	"errors"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRenderAndParse(t *testing.T) {
	cases := []struct {
		name      string
		genPacket func(t *testing.T) *PPPoEPacket
	}{
		{
			name: "PADI",
			genPacket: func(t *testing.T) *PPPoEPacket {
				packet, err := NewPADI("MegaCorpAC")
				require.NoError(t, err)
				require.NoError(t, packet.AddHostUniqTag([]byte("wakw39485ryjn398")))
				return packet
			},
		},
		{
			name: "PADI any service",
			genPacket: func(t *testing.T) *PPPoEPacket {
				packet, err := NewPADI("")
				require.NoError(t, err)
				return packet
			},
		},
		{
			name: "PADO",
			genPacket: func(t *testing.T) *PPPoEPacket {
				packet, err := NewPADO("MegaCorpAC", "WunderAC_2001")
				require.NoError(t, err)
				for _, sn := range []string{"WomblesFC", "BatmanLives", "CuriousEarthling", "WilliamWonka"} {
					require.NoError(t, packet.AddServiceNameTag(sn))
				}
				require.NoError(t, packet.AddHostUniqTag([]byte("wakw39485ryjn398")))
				require.NoError(t, packet.AddACCookieTag([]byte("0912340u9q23ejow3er09u235oih")))
				return packet
			},
		},
		{
			name: "PADR",
			genPacket: func(t *testing.T) *PPPoEPacket {
				packet, err := NewPADR("MegaCorpAC")
				require.NoError(t, err)
				require.NoError(t, packet.AddHostUniqTag([]byte("wakw39485ryjn398")))
				require.NoError(t, packet.AddACCookieTag([]byte("0912340u9q23ejow3er09u235oih")))
				return packet
			},
		},
		{
			name: "PADS",
			genPacket: func(t *testing.T) *PPPoEPacket {
				packet, err := NewPADS("MegaCorpAC", PPPoESessionID(12345))
				require.NoError(t, err)
				require.NoError(t, packet.AddHostUniqTag([]byte("wakw39485ryjn398")))
				return packet
			},
		},
		{
			name: "PADSError",
			genPacket: func(t *testing.T) *PPPoEPacket {
				packet, err := NewPADS("MegaCorpAC", PPPoESessionID(0))
				require.NoError(t, err)
				require.NoError(t, packet.AddHostUniqTag([]byte("wakw39485ryjn398")))
				require.NoError(t, packet.AddServiceNameErrorTag("I don't like this service name after all, sorry"))
				return packet
			},
		},
		{
			name: "PADT",
			genPacket: func(t *testing.T) *PPPoEPacket {
				packet, err := NewPADT(PPPoESessionID(12345))
				require.NoError(t, err)
				require.NoError(t, packet.AddACSystemErrorTag("OUT OF CHEESE ERROR"))
				return packet
			},
		},
		{
			name: "PADT without tags",
			genPacket: func(t *testing.T) *PPPoEPacket {
				packet, err := NewPADT(PPPoESessionID(1))
				require.NoError(t, err)
				return packet
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			packet := c.genPacket(t)
			require.NoError(t, packet.Validate())

			encoded, err := packet.ToBytes()
			require.NoError(t, err)

			parsed, err := ParsePacket(encoded)
			require.NoError(t, err, "ParsePacket(%x)", encoded)
			assert.Equal(t, packet, parsed)

			// link padding beyond the declared length is ignored
			padded := append(append([]byte{}, encoded...), make([]byte, 20)...)
			parsed, err = ParsePacket(padded)
			require.NoError(t, err)
			assert.Equal(t, packet, parsed)
		})
	}
}

func TestPacketWireFormat(t *testing.T) {
	packet, err := NewPADS("isp", PPPoESessionID(0x1234))
	require.NoError(t, err)
	require.NoError(t, packet.AddHostUniqTag([]byte{0xde, 0xad}))

	encoded, err := packet.ToBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x11, 0x65, 0x12, 0x34, 0x00, 0x0d,
		0x01, 0x01, 0x00, 0x03, 'i', 's', 'p',
		0x01, 0x03, 0x00, 0x02, 0xde, 0xad,
	}, encoded)

	// cross check against an independent codec
	decoded := gopacket.NewPacket(encoded, layers.LayerTypePPPoE, gopacket.Default)
	hdr, ok := decoded.Layer(layers.LayerTypePPPoE).(*layers.PPPoE)
	require.True(t, ok, "no PPPoE layer in %v", decoded)
	assert.Equal(t, uint8(1), hdr.Version)
	assert.Equal(t, uint8(1), hdr.Type)
	assert.Equal(t, layers.PPPoECodePADS, hdr.Code)
	assert.Equal(t, uint16(0x1234), hdr.SessionId)
	assert.Equal(t, uint16(len(encoded)-pppoeHeaderLength), hdr.Length)

	buf := gopacket.NewSerializeBuffer()
	err = gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true},
		&layers.PPPoE{Version: 1, Type: 1, Code: layers.PPPoECodePADS, SessionId: 0x1234},
		gopacket.Payload(encoded[pppoeHeaderLength:]))
	require.NoError(t, err)
	assert.Equal(t, buf.Bytes(), encoded)
}

func TestParsePacketErrors(t *testing.T) {
	cases := []struct {
		name  string
		frame []byte
	}{
		{
			name:  "short header",
			frame: []byte{0x11, 0x09, 0x00, 0x00, 0x00},
		},
		{
			name:  "bad version",
			frame: []byte{0x21, 0x09, 0x00, 0x00, 0x00, 0x04, 0x01, 0x01, 0x00, 0x00},
		},
		{
			name:  "unknown code",
			frame: []byte{0x11, 0x42, 0x00, 0x00, 0x00, 0x04, 0x01, 0x01, 0x00, 0x00},
		},
		{
			name:  "session code",
			frame: []byte{0x11, 0x00, 0x00, 0x01, 0x00, 0x00},
		},
		{
			name:  "length exceeds buffer",
			frame: []byte{0x11, 0x09, 0x00, 0x00, 0x00, 0x08, 0x01, 0x01, 0x00, 0x00},
		},
		{
			name:  "truncated tag",
			frame: []byte{0x11, 0x09, 0x00, 0x00, 0x00, 0x05, 0x01, 0x01, 0x00, 0x04, 'a'},
		},
		{
			name:  "PADI without service name",
			frame: []byte{0x11, 0x09, 0x00, 0x00, 0x00, 0x04, 0x01, 0x03, 0x00, 0x00},
		},
		{
			name:  "PADI with session ID",
			frame: []byte{0x11, 0x09, 0x00, 0x01, 0x00, 0x04, 0x01, 0x01, 0x00, 0x00},
		},
		{
			name:  "PADO without AC name",
			frame: []byte{0x11, 0x07, 0x00, 0x00, 0x00, 0x04, 0x01, 0x01, 0x00, 0x00},
		},
		{
			name:  "PADS error without error tag",
			frame: []byte{0x11, 0x65, 0x00, 0x00, 0x00, 0x04, 0x01, 0x01, 0x00, 0x00},
		},
		{
			name:  "PADT without session ID",
			frame: []byte{0x11, 0xa7, 0x00, 0x00, 0x00, 0x00},
		},
		{
			name:  "PADT with reserved session ID",
			frame: []byte{0x11, 0xa7, 0xff, 0xff, 0x00, 0x00},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ParsePacket(c.frame)
			assert.True(t, errors.Is(err, ErrMalformedPacket), "expected ErrMalformedPacket, got %v", err)
		})
	}
}

func TestPacketEncodeLimits(t *testing.T) {
	packet, err := NewPADI("")
	require.NoError(t, err)
	for i := 1; i < MaxTags; i++ {
		require.NoError(t, packet.AddTag(PPPoETagTypeVendorSpecific, []byte{byte(i)}))
	}
	_, err = packet.ToBytes()
	require.NoError(t, err)

	require.NoError(t, packet.AddTag(PPPoETagTypeVendorSpecific, nil))
	_, err = packet.ToBytes()
	assert.True(t, errors.Is(err, ErrTooManyTags), "expected ErrTooManyTags, got %v", err)

	packet, err = NewPADI(string(make([]byte, MaxTagAreaLength)))
	require.NoError(t, err)
	_, err = packet.ToBytes()
	assert.True(t, errors.Is(err, ErrFrameTooLarge), "expected ErrFrameTooLarge, got %v", err)
}

func TestSessionFrame(t *testing.T) {
	hdr := newPPPoEHeader(PPPoECodeSession, PPPoESessionID(0xbeef))
	payload := []byte{0xc0, 0x21, 0x01, 0x01, 0x00, 0x04}

	frame, err := encodeSessionFrame(hdr, payload)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x11, 0x00, 0xbe, 0xef, 0x00, 0x06}, frame[:pppoeHeaderLength])

	sid, got, err := parseSessionFrame(append(frame, 0x00, 0x00))
	require.NoError(t, err)
	assert.Equal(t, PPPoESessionID(0xbeef), sid)
	assert.Equal(t, payload, got)

	_, err = encodeSessionFrame(hdr, make([]byte, MaxFramePayload))
	assert.True(t, errors.Is(err, ErrFrameTooLarge))

	_, _, err = parseSessionFrame([]byte{0x11, 0x09, 0x00, 0x01, 0x00, 0x00})
	assert.True(t, errors.Is(err, ErrMalformedPacket))
}

func TestPacketString(t *testing.T) {
	packet, err := NewPADR("isp")
	require.NoError(t, err)
	assert.Equal(t, "PADR: session 0, tags: Service Name: 'isp',", packet.String())
	assert.Equal(t, "SESSION", PPPoECodeSession.String())
}
