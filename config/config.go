/*
Package config implements a parser for PPPoE configuration represented in
the TOML format: https://github.com/toml-lang/toml.

Please refer to the TOML repos for an in-depth description of the syntax.

Engine parameters are grouped in the engine table.  Discovery endpoints
are called out in the configuration file using named TOML tables, each
containing configuration parameters for that endpoint as key:value pairs.

	# The engine table tunes the discovery protocol.
	# All parameters are optional.
	[engine]

	# ac_name sets the access concentrator name advertised in PADO
	# packets by listening endpoints.
	# By default "go-pppoe" is used.
	ac_name = "BigBadAC"

	# retry_timeout sets the starting retransmit timeout for PADI and
	# PADR packets.  The engine uses an exponential backoff when retrying.
	# By default a starting retry timeout of 1000ms is used.
	retry_timeout = 1500 # milliseconds

	# retry_limit caps the retransmit timeout.  A client which reaches
	# the cap while waiting for a PADS starts discovery afresh.
	# By default the cap is 64000ms.
	retry_limit = 32000 # milliseconds

	# offer_timeout sets how long an offer made in a PADO remains open
	# for the client to request it.
	# By default offers last 16000ms.
	offer_timeout = 10000 # milliseconds

	# padi_rate limits the rate at which PADI packets are answered, in
	# packets per second.  padi_burst sets the burst size the limiter
	# allows.  By default PADI packets are not rate limited, so access
	# concentrators on untrusted segments should set a rate to bound the
	# work a PADI flood causes.
	padi_rate = 50.0
	padi_burst = 10

	# max_offers limits the offers each listening endpoint may have
	# outstanding.  PADI packets beyond the limit are ignored until an
	# offer is taken up or times out.
	# By default 256 offers are allowed.
	max_offers = 64

	# This is an endpoint named "uplink".
	[endpoint.uplink]

	# mode specifies the role the endpoint plays in discovery.
	# Currently supported values are "connect", "listen" and "offer".
	# A connect endpoint is a client looking for an access concentrator.
	# A listen endpoint answers PADI packets for its service, spawning a
	# session for each client it offers to.
	# An offer endpoint answers the next PADI seen, for any service.
	mode = "connect"

	# service specifies the service name requested by a connect endpoint
	# or accepted by a listen endpoint.  Listen endpoints may use "*" to
	# accept any service.  Connect endpoints may leave service unset to
	# request any service.
	service = "broadband"

	# ac_name, for offer endpoints, overrides the access concentrator
	# name advertised by the endpoint.  Listen endpoints advertise the
	# engine's ac_name.
	ac_name = "EdgeAC"
*/
package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/katalix/go-pppoe/pppoe"
	"github.com/pelletier/go-toml"
)

// EndpointMode is the discovery role of an endpoint.
type EndpointMode int

const (
	// EndpointModeConnect endpoints run client discovery.
	EndpointModeConnect EndpointMode = iota + 1
	// EndpointModeListen endpoints answer discovery for a service.
	EndpointModeListen
	// EndpointModeOffer endpoints answer the next discovery request seen.
	EndpointModeOffer
)

func (m EndpointMode) String() string {
	switch m {
	case EndpointModeConnect:
		return "connect"
	case EndpointModeListen:
		return "listen"
	case EndpointModeOffer:
		return "offer"
	}
	return "???"
}

// Config contains PPPoE configuration for the discovery engine and
// its endpoints.
type Config struct {
	// The entire tree as a map as parsed from the TOML representation.
	// Apps may access this tree to handle their own config tables.
	Map map[string]interface{}
	// The engine configuration.  Parameters not called out in the
	// configuration take their default values.
	Engine pppoe.EngineConfig
	// All the endpoints defined in the configuration, ordered by name.
	Endpoints []NamedEndpoint
}

// NamedEndpoint contains configuration for a discovery endpoint.
type NamedEndpoint struct {
	// The endpoint's name as specified in the config file.
	Name string
	// The endpoint's discovery role.
	Mode EndpointMode
	// The service requested or accepted by the endpoint.
	ServiceName string
	// The access concentrator name advertised by the endpoint.
	ACName string
}

// CustomParser may be implemented by applications wishing to extend
// the configuration with their own parameters.
//
// ParseParameter is called for each unrecognised top-level key, which
// may name a table.  ParseEndpointParameter is called for each
// unrecognised key in an endpoint table.
type CustomParser interface {
	ParseParameter(key string, value interface{}) error
	ParseEndpointParameter(endpoint *NamedEndpoint, key string, value interface{}) error
}

// go-toml's ToMap function represents numbers as either uint64 or int64.
// So when we are converting numbers, we need to figure out which one it
// has picked and range check to ensure that the number from the config
// fits within the range of the destination type.
func toUint32(v interface{}) (uint32, error) {
	if b, ok := v.(int64); ok {
		if b < 0x0 || b > 0xffffffff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return uint32(b), nil
	} else if b, ok := v.(uint64); ok {
		if b > 0xffffffff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return uint32(b), nil
	}
	return 0, fmt.Errorf("unexpected %T value %v", v, v)
}

func toFloat(v interface{}) (float64, error) {
	switch f := v.(type) {
	case float64:
		if f < 0 {
			return 0, fmt.Errorf("value %v out of range", f)
		}
		return f, nil
	case int64, uint64:
		u, err := toUint32(f)
		return float64(u), err
	}
	return 0, fmt.Errorf("unexpected %T value %v", v, v)
}

func toString(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("supplied value could not be parsed as a string")
}

func toDurationMs(v interface{}) (time.Duration, error) {
	u, err := toUint32(v)
	return time.Duration(u) * time.Millisecond, err
}

func toEndpointMode(v interface{}) (EndpointMode, error) {
	s, err := toString(v)
	if err == nil {
		switch s {
		case "connect":
			return EndpointModeConnect, nil
		case "listen":
			return EndpointModeListen, nil
		case "offer":
			return EndpointModeOffer, nil
		}
		return 0, fmt.Errorf("expect 'connect', 'listen' or 'offer'")
	}
	return 0, err
}

func (cfg *Config) loadEngine(v interface{}) error {
	emap, ok := v.(map[string]interface{})
	if !ok {
		return fmt.Errorf("engine parameters must be a table, e.g. '[engine]'")
	}
	for k, v := range emap {
		var err error
		switch k {
		case "ac_name":
			cfg.Engine.ACName, err = toString(v)
		case "retry_timeout":
			cfg.Engine.RetryTimeout, err = toDurationMs(v)
		case "retry_limit":
			cfg.Engine.RetryLimit, err = toDurationMs(v)
		case "offer_timeout":
			cfg.Engine.OfferTimeout, err = toDurationMs(v)
		case "padi_rate":
			cfg.Engine.PADIRate, err = toFloat(v)
		case "padi_burst":
			var u uint32
			u, err = toUint32(v)
			cfg.Engine.PADIBurst = int(u)
		case "max_offers":
			var u uint32
			u, err = toUint32(v)
			cfg.Engine.MaxOffers = int(u)
		default:
			return fmt.Errorf("unrecognised parameter '%v'", k)
		}
		if err != nil {
			return fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	if cfg.Engine.RetryLimit < cfg.Engine.RetryTimeout {
		return fmt.Errorf("retry_limit %v is less than retry_timeout %v",
			cfg.Engine.RetryLimit, cfg.Engine.RetryTimeout)
	}
	return nil
}

func newEndpointConfig(name string, emap map[string]interface{}, customParser CustomParser) (*NamedEndpoint, error) {
	ep := &NamedEndpoint{Name: name}
	for k, v := range emap {
		var err error
		switch k {
		case "mode":
			ep.Mode, err = toEndpointMode(v)
		case "service":
			ep.ServiceName, err = toString(v)
		case "ac_name":
			ep.ACName, err = toString(v)
		default:
			if customParser == nil {
				return nil, fmt.Errorf("unrecognised parameter '%v'", k)
			}
			err = customParser.ParseEndpointParameter(ep, k, v)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}

	switch ep.Mode {
	case 0:
		return nil, fmt.Errorf("no mode specified")
	case EndpointModeConnect, EndpointModeListen:
		if ep.ACName != "" {
			return nil, fmt.Errorf("ac_name does not apply to %v endpoints", ep.Mode)
		}
	case EndpointModeOffer:
		if ep.ServiceName != "" {
			return nil, fmt.Errorf("service does not apply to %v endpoints", ep.Mode)
		}
	}
	return ep, nil
}

func (cfg *Config) loadEndpoints(v interface{}, customParser CustomParser) error {
	endpoints, ok := v.(map[string]interface{})
	if !ok {
		return fmt.Errorf("endpoint instances must be named, e.g. '[endpoint.myendpoint]'")
	}

	names := make([]string, 0, len(endpoints))
	for name := range endpoints {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		emap, ok := endpoints[name].(map[string]interface{})
		if !ok {
			return fmt.Errorf("endpoint instances must be named, e.g. '[endpoint.myendpoint]'")
		}
		ep, err := newEndpointConfig(name, emap, customParser)
		if err != nil {
			return fmt.Errorf("endpoint %v: %v", name, err)
		}
		cfg.Endpoints = append(cfg.Endpoints, *ep)
	}
	return nil
}

func newConfig(tree *toml.Tree, customParser CustomParser) (*Config, error) {
	cfg := &Config{
		Map:    tree.ToMap(),
		Engine: pppoe.DefaultEngineConfig(),
	}

	keys := make([]string, 0, len(cfg.Map))
	for k := range cfg.Map {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		var err error
		v := cfg.Map[k]
		switch k {
		case "engine":
			err = cfg.loadEngine(v)
		case "endpoint":
			err = cfg.loadEndpoints(v, customParser)
		default:
			if customParser == nil {
				return nil, fmt.Errorf("unrecognised parameter '%v'", k)
			}
			err = customParser.ParseParameter(k, v)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse %v: %v", k, err)
		}
	}
	return cfg, nil
}

// LoadFile loads configuration from the specified file.
func LoadFile(path string) (*Config, error) {
	return LoadFileWithCustomParser(path, nil)
}

// LoadString loads configuration from the specified string.
func LoadString(content string) (*Config, error) {
	return LoadStringWithCustomParser(content, nil)
}

// LoadFileWithCustomParser loads configuration from the specified file,
// passing parameters the package doesn't recognise to customParser.
func LoadFileWithCustomParser(path string, customParser CustomParser) (*Config, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %v", err)
	}
	return newConfig(tree, customParser)
}

// LoadStringWithCustomParser loads configuration from the specified
// string, passing parameters the package doesn't recognise to
// customParser.
func LoadStringWithCustomParser(content string, customParser CustomParser) (*Config, error) {
	tree, err := toml.Load(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load config string: %v", err)
	}
	return newConfig(tree, customParser)
}
