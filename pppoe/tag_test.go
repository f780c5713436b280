package pppoe

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagRenderAndParse(t *testing.T) {
	cases := []struct {
		name string
		tags []*PPPoETag
	}{
		{
			name: "service name",
			tags: []*PPPoETag{
				{
					Type: PPPoETagTypeServiceName,
					Data: []byte("myMagicService"),
				},
			},
		},
		{
			name: "empty service name",
			tags: []*PPPoETag{
				{
					Type: PPPoETagTypeServiceName,
					Data: []byte{},
				},
			},
		},
		{
			name: "ac name",
			tags: []*PPPoETag{
				{
					Type: PPPoETagTypeACName,
					Data: []byte("ThisSpecialAC"),
				},
			},
		},
		{
			name: "host uniq",
			tags: []*PPPoETag{
				{
					Type: PPPoETagTypeHostUniq,
					Data: []byte{0x42, 0x81, 0xba, 0x3b, 0xc6, 0x1e, 0x94, 0xb1},
				},
			},
		},
		{
			name: "cookie",
			tags: []*PPPoETag{
				{
					Type: PPPoETagTypeACCookie,
					Data: []byte{0x37, 0xd0, 0xba, 0x3b, 0x94, 0x82, 0xc6, 0x1e, 0x01, 0xc3, 0x42, 0x81, 0xa5, 0x93, 0xf9, 0x13},
				},
			},
		},
		{
			name: "ac system error",
			tags: []*PPPoETag{
				{
					Type: PPPoETagTypeACSystemError,
					Data: []byte("insufficient resources to create a virtual circuit"),
				},
			},
		},
		{
			name: "unknown tag type",
			tags: []*PPPoETag{
				{
					Type: PPPoETagType(0x7e7e),
					Data: []byte{0x01, 0x02},
				},
			},
		},
		{
			name: "multiple tags",
			tags: []*PPPoETag{
				{
					Type: PPPoETagTypeHostUniq,
					Data: []byte{0x42, 0x81, 0xba, 0x3b, 0xc6, 0x1e, 0x94, 0xb1},
				},
				{
					Type: PPPoETagTypeACCookie,
					Data: []byte{0x37, 0xd0, 0xba, 0x3b, 0x94, 0x82, 0xc6, 0x1e, 0x01, 0xc3, 0x42, 0x81, 0xa5, 0x93, 0xf9, 0x13},
				},
				{
					Type: PPPoETagTypeServiceName,
					Data: []byte("myMagicService"),
				},
				{
					Type: PPPoETagTypeACName,
					Data: []byte("ThisSpecialAC"),
				},
			},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			err := EncodeTags(c.tags, buf)
			require.NoError(t, err)
			require.Equal(t, EncodedTagsLength(c.tags), buf.Len())

			got, err := newTagListFromBuffer(buf.Bytes())
			require.NoError(t, err)
			assert.Equal(t, c.tags, got)
		})
	}
}

func TestParseTagsTruncated(t *testing.T) {
	cases := []struct {
		name string
		area []byte
	}{
		{
			name: "short header",
			area: []byte{0x01, 0x01, 0x00},
		},
		{
			name: "value overruns area",
			area: []byte{0x01, 0x01, 0x00, 0x05, 'a'},
		},
		{
			name: "second tag overruns area",
			area: []byte{0x01, 0x01, 0x00, 0x01, 'a', 0x01, 0x02, 0xff, 0xff},
		},
		{
			name: "trailing byte",
			area: []byte{0x01, 0x01, 0x00, 0x00, 0x00},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := newTagListFromBuffer(c.area)
			assert.True(t, errors.Is(err, ErrTruncated), "expected ErrTruncated, got %v", err)
		})
	}
}

func TestFindTag(t *testing.T) {
	area := []byte{
		0x01, 0x01, 0x00, 0x03, 'f', 'o', 'o',
		0x01, 0x03, 0x00, 0x02, 0xab, 0xcd,
		0x01, 0x01, 0x00, 0x03, 'b', 'a', 'r',
	}

	tag, err := FindTag(area, PPPoETagTypeServiceName)
	require.NoError(t, err)
	assert.Equal(t, []byte("foo"), tag.Data)

	tag, err = FindTag(area, PPPoETagTypeHostUniq)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xab, 0xcd}, tag.Data)

	_, err = FindTag(area, PPPoETagTypeACCookie)
	assert.True(t, errors.Is(err, ErrTagNotFound))

	_, err = FindTag(area[:len(area)-1], PPPoETagTypeACCookie)
	assert.True(t, errors.Is(err, ErrTruncated))
}

func TestEncodeTagsLimits(t *testing.T) {
	t.Run("too many tags", func(t *testing.T) {
		var tags []*PPPoETag
		for i := 0; i <= MaxTags; i++ {
			tags = append(tags, &PPPoETag{Type: PPPoETagTypeHostUniq, Data: []byte{byte(i)}})
		}
		buf := new(bytes.Buffer)
		err := EncodeTags(tags, buf)
		assert.True(t, errors.Is(err, ErrTooManyTags), "expected ErrTooManyTags, got %v", err)
		assert.Equal(t, 0, buf.Len())

		err = EncodeTags(tags[:MaxTags], buf)
		assert.NoError(t, err)
	})

	t.Run("frame too large", func(t *testing.T) {
		tags := []*PPPoETag{
			{Type: PPPoETagTypeVendorSpecific, Data: make([]byte, MaxTagAreaLength-pppoeTagMinLength+1)},
		}
		buf := new(bytes.Buffer)
		err := EncodeTags(tags, buf)
		assert.True(t, errors.Is(err, ErrFrameTooLarge), "expected ErrFrameTooLarge, got %v", err)
		assert.Equal(t, 0, buf.Len())

		tags[0].Data = tags[0].Data[:MaxTagAreaLength-pppoeTagMinLength]
		err = EncodeTags(tags, buf)
		require.NoError(t, err)
		assert.Equal(t, MaxTagAreaLength, buf.Len())
	})
}

func TestTagString(t *testing.T) {
	assert.Equal(t, "Service Name: 'isp'", (&PPPoETag{Type: PPPoETagTypeServiceName, Data: []byte("isp")}).String())
	assert.Equal(t, "Unknown(0x7e7e)", PPPoETagType(0x7e7e).String())
}

func FuzzParseTags(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{0x01, 0x01, 0x00, 0x00})
	f.Add([]byte{0x01, 0x01, 0x00, 0x03, 'f', 'o', 'o', 0x01, 0x03, 0x00, 0x08, 1, 2, 3, 4, 5, 6, 7, 8})
	f.Add([]byte{0x01, 0x01, 0xff, 0xff, 'a'})

	f.Fuzz(func(t *testing.T, area []byte) {
		tags, err := newTagListFromBuffer(area)
		if err != nil {
			if !errors.Is(err, ErrTruncated) {
				t.Fatalf("unexpected error class: %v", err)
			}
			return
		}
		if EncodedTagsLength(tags) != len(area) {
			t.Fatalf("parsed tags cover %d bytes of %d", EncodedTagsLength(tags), len(area))
		}
		if len(tags) > MaxTags || len(area) > MaxTagAreaLength {
			return
		}
		buf := new(bytes.Buffer)
		if err := EncodeTags(tags, buf); err != nil {
			t.Fatalf("failed to re-encode parsed tags: %v", err)
		}
		if !bytes.Equal(buf.Bytes(), area) {
			t.Fatalf("re-encoded %x, parsed from %x", buf.Bytes(), area)
		}
	})
}
