package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/katalix/go-pppoe/pppoe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEngine(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want func(cfg *pppoe.EngineConfig)
	}{
		{
			name: "defaults",
			in:   ``,
			want: func(cfg *pppoe.EngineConfig) {},
		},
		{
			name: "all parameters",
			in: `[engine]
				 ac_name = "BigBadAC"
				 retry_timeout = 1500
				 retry_limit = 32000
				 offer_timeout = 10000
				 padi_rate = 12.5
				 padi_burst = 4
				 max_offers = 8
				 `,
			want: func(cfg *pppoe.EngineConfig) {
				cfg.ACName = "BigBadAC"
				cfg.RetryTimeout = 1500 * time.Millisecond
				cfg.RetryLimit = 32 * time.Second
				cfg.OfferTimeout = 10 * time.Second
				cfg.PADIRate = 12.5
				cfg.PADIBurst = 4
				cfg.MaxOffers = 8
			},
		},
		{
			name: "integer rate",
			in: `[engine]
				 padi_rate = 100
				 `,
			want: func(cfg *pppoe.EngineConfig) {
				cfg.PADIRate = 100
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg, err := LoadString(c.in)
			require.NoError(t, err)
			want := pppoe.DefaultEngineConfig()
			c.want(&want)
			assert.Equal(t, want, cfg.Engine)
			assert.Empty(t, cfg.Endpoints)
		})
	}
}

func TestLoadEndpoints(t *testing.T) {
	cfg, err := LoadString(`[endpoint.uplink]
				 mode = "connect"
				 service = "broadband"

				 [endpoint.any]
				 mode = "connect"

				 [endpoint.ac]
				 mode = "listen"
				 service = "*"

				 [endpoint.once]
				 mode = "offer"
				 ac_name = "EdgeAC"
				 `)
	require.NoError(t, err)
	assert.Equal(t, []NamedEndpoint{
		{Name: "ac", Mode: EndpointModeListen, ServiceName: "*"},
		{Name: "any", Mode: EndpointModeConnect},
		{Name: "once", Mode: EndpointModeOffer, ACName: "EdgeAC"},
		{Name: "uplink", Mode: EndpointModeConnect, ServiceName: "broadband"},
	}, cfg.Endpoints)
}

func TestLoadErrors(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{
			name: "bad toml",
			in:   `[engine`,
		},
		{
			name: "unknown top level",
			in:   `interface_name = "eth0"`,
		},
		{
			name: "unknown engine parameter",
			in: `[engine]
				 window_size = 4`,
		},
		{
			name: "engine not a table",
			in:   `engine = 4`,
		},
		{
			name: "negative timeout",
			in: `[engine]
				 retry_timeout = -1`,
		},
		{
			name: "limit below timeout",
			in: `[engine]
				 retry_timeout = 2000
				 retry_limit = 1000`,
		},
		{
			name: "bad rate type",
			in: `[engine]
				 padi_rate = "fast"`,
		},
		{
			name: "unnamed endpoint",
			in: `[endpoint]
				 mode = "connect"`,
		},
		{
			name: "no mode",
			in: `[endpoint.e1]
				 service = "isp"`,
		},
		{
			name: "bad mode",
			in: `[endpoint.e1]
				 mode = "relay"`,
		},
		{
			name: "service for offer",
			in: `[endpoint.e1]
				 mode = "offer"
				 service = "isp"`,
		},
		{
			name: "ac name for connect",
			in: `[endpoint.e1]
				 mode = "connect"
				 ac_name = "ac"`,
		},
		{
			name: "ac name for listen",
			in: `[endpoint.e1]
				 mode = "listen"
				 service = "isp"
				 ac_name = "ac"`,
		},
		{
			name: "unknown endpoint parameter",
			in: `[endpoint.e1]
				 mode = "connect"
				 colour = "blue"`,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := LoadString(c.in)
			assert.Error(t, err)
		})
	}
}

type testParser struct {
	ifName  string
	weights map[string]int64
}

func (p *testParser) ParseParameter(key string, value interface{}) error {
	switch key {
	case "interface_name":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("interface_name must be a string")
		}
		p.ifName = s
		return nil
	}
	return fmt.Errorf("unrecognised parameter %v", key)
}

func (p *testParser) ParseEndpointParameter(ep *NamedEndpoint, key string, value interface{}) error {
	switch key {
	case "weight":
		n, ok := value.(int64)
		if !ok {
			return fmt.Errorf("weight must be an integer")
		}
		p.weights[ep.Name] = n
		return nil
	}
	return fmt.Errorf("unrecognised parameter %v", key)
}

func TestCustomParser(t *testing.T) {
	in := `interface_name = "eth1"

		   [endpoint.ac]
		   mode = "listen"
		   service = "isp"
		   weight = 3
		   `

	p := &testParser{weights: map[string]int64{}}
	cfg, err := LoadStringWithCustomParser(in, p)
	require.NoError(t, err)
	assert.Equal(t, "eth1", p.ifName)
	assert.Equal(t, map[string]int64{"ac": 3}, p.weights)
	require.Len(t, cfg.Endpoints, 1)
	assert.Equal(t, "eth1", cfg.Map["interface_name"])

	_, err = LoadStringWithCustomParser(`mystery = 1`, p)
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pppoe.toml")
	err := os.WriteFile(path, []byte(`[endpoint.uplink]
		mode = "connect"
		`), 0600)
	require.NoError(t, err)

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, cfg.Endpoints, 1)
	assert.Equal(t, "uplink", cfg.Endpoints[0].Name)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
