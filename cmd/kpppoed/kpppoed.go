/*
The kpppoed command is a daemon for running PPPoE discovery on a Linux
network interface.

kpppoed runs the discovery endpoints called out in its configuration
file, and may act as a PPPoE client, an access concentrator, or both.
Access concentrator sessions for the services listed in ac_route tables
are switched into an L2TP tunnel using the kernel's l2tp_ac_pppoe
module as they are established.

kpppoed extends the configuration of package config with the following
parameters:

	# interface_name is the network interface to run discovery on.
	# It is mandatory.
	interface_name = "eth0"

	# Each ac_route table names a service.  Sessions established for
	# the service are switched into the L2TP tunnel given by tunnel_id.
	# L2TP session IDs are allocated from session_id upwards.
	[ac_route.broadband]
	tunnel_id = 42
	session_id = 1

Run with -null to run discovery without switching sessions into L2TP.
*/
package main

import (
	"flag"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/katalix/go-pppoe/config"
	"github.com/katalix/go-pppoe/internal/nlacpppoe"
	"github.com/katalix/go-pppoe/pppoe"
	"golang.org/x/sys/unix"
)

type acRouteConfig struct {
	tunnelID  uint32
	sessionID uint32
}

type kpppoedConfig struct {
	ifName   string
	acRoutes map[string]*acRouteConfig
}

type application struct {
	cfg       *config.Config
	kcfg      *kpppoedConfig
	logger    log.Logger
	engine    *pppoe.Engine
	nl        acNetlinkConn
	clients   map[string]bool
	routes    map[string]*nlacpppoe.Route
	sigChan   chan os.Signal
	closeChan chan interface{}

	// events are queued by the engine and handled by run
	eventMutex  sync.Mutex
	events      []interface{}
	eventNotify chan interface{}
}

func newKpppoedConfig() *kpppoedConfig {
	return &kpppoedConfig{
		acRoutes: make(map[string]*acRouteConfig),
	}
}

func ifaceToString(key string, v interface{}) (s string, err error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("failed to parse %s as a string", key)
	}
	return
}

func ifaceToUint32(key string, v interface{}) (u uint32, err error) {
	n, ok := v.(int64)
	if !ok || n < 0 || n > 0xffffffff {
		return 0, fmt.Errorf("failed to parse %s as a 32 bit unsigned integer", key)
	}
	return uint32(n), nil
}

func parseACRoute(service string, v interface{}) (rc *acRouteConfig, err error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("ac_route %s must be a table", service)
	}
	rc = &acRouteConfig{}
	for k, vv := range m {
		switch k {
		case "tunnel_id":
			rc.tunnelID, err = ifaceToUint32(k, vv)
		case "session_id":
			rc.sessionID, err = ifaceToUint32(k, vv)
		default:
			return nil, fmt.Errorf("unrecognised parameter %v in ac_route %s", k, service)
		}
		if err != nil {
			return nil, err
		}
	}
	if rc.tunnelID == 0 {
		return nil, fmt.Errorf("ac_route %s: tunnel_id must be specified and nonzero", service)
	}
	if rc.sessionID == 0 {
		return nil, fmt.Errorf("ac_route %s: session_id must be specified and nonzero", service)
	}
	return
}

func (cfg *kpppoedConfig) ParseParameter(key string, value interface{}) (err error) {
	switch key {
	case "interface_name":
		cfg.ifName, err = ifaceToString(key, value)
	case "ac_route":
		routes, ok := value.(map[string]interface{})
		if !ok {
			return fmt.Errorf("ac_route instances must be named by service, e.g. '[ac_route.myservice]'")
		}
		for service, v := range routes {
			rc, err := parseACRoute(service, v)
			if err != nil {
				return err
			}
			cfg.acRoutes[service] = rc
		}
	default:
		return fmt.Errorf("unrecognised parameter %v", key)
	}
	return
}

func (cfg *kpppoedConfig) ParseEndpointParameter(endpoint *config.NamedEndpoint, key string, value interface{}) error {
	return fmt.Errorf("unrecognised parameter %v", key)
}

func newApplication(cfg *config.Config, kcfg *kpppoedConfig, link pppoe.LinkTransport, nl acNetlink, logger log.Logger) (app *application, err error) {
	app = &application{
		cfg:       cfg,
		kcfg:      kcfg,
		logger:    logger,
		clients:   make(map[string]bool),
		routes:    make(map[string]*nlacpppoe.Route),
		sigChan:   make(chan os.Signal, 1),
		closeChan: make(chan interface{}),
		// one pending notification covers any number of queued events
		eventNotify: make(chan interface{}, 1),
	}

	app.nl, err = nl.Dial()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to l2tp_ac_pppoe: %v", err)
	}

	app.engine, err = pppoe.NewEngine(link, &cfg.Engine, logger)
	if err != nil {
		app.nl.close()
		return nil, fmt.Errorf("failed to create discovery engine: %v", err)
	}

	for _, ep := range cfg.Endpoints {
		switch ep.Mode {
		case config.EndpointModeConnect:
			app.clients[ep.Name] = true
			err = app.engine.Connect(ep.Name, ep.ServiceName, app)
		case config.EndpointModeListen:
			err = app.engine.Listen(ep.Name, ep.ServiceName, app)
		case config.EndpointModeOffer:
			err = app.engine.Offer(ep.Name, ep.ACName, app)
		default:
			err = fmt.Errorf("unhandled mode %v", ep.Mode)
		}
		if err != nil {
			app.shutdown()
			return nil, fmt.Errorf("failed to start endpoint %v: %v", ep.Name, err)
		}
	}

	signal.Notify(app.sigChan, unix.SIGINT, unix.SIGTERM)

	return
}

// HandleEvent is called on the engine's goroutine: queue the event for
// the application's goroutine.  The queue is unbounded so the engine
// never waits on the application.
func (app *application) HandleEvent(event interface{}) {
	app.eventMutex.Lock()
	app.events = append(app.events, event)
	app.eventMutex.Unlock()
	select {
	case app.eventNotify <- nil:
	default:
	}
}

func (app *application) handleQueuedEvents() {
	app.eventMutex.Lock()
	events := app.events
	app.events = nil
	app.eventMutex.Unlock()
	for _, ev := range events {
		app.handleEvent(ev)
	}
}

func (app *application) allocL2TPSessionID(rc *acRouteConfig) (uint32, error) {
	inUse := make(map[uint32]bool)
	for _, r := range app.routes {
		if r.L2TPTunnelID == rc.tunnelID {
			inUse[r.L2TPSessionID] = true
		}
	}
	for id := rc.sessionID; id != 0; id++ {
		if !inUse[id] {
			return id, nil
		}
	}
	return 0, fmt.Errorf("no free L2TP session ID in tunnel %v", rc.tunnelID)
}

func (app *application) handleEstablished(ev *pppoe.SessionEstablishedEvent) {
	level.Info(app.logger).Log(
		"message", "session up",
		"session_name", ev.Name,
		"session_id", ev.SessionID,
		"peer", ev.PeerHWAddr,
		"service", ev.ServiceName,
		"ac_name", ev.ACName)

	if app.clients[ev.Name] {
		return
	}

	rc, ok := app.kcfg.acRoutes[ev.ServiceName]
	if !ok {
		level.Debug(app.logger).Log(
			"message", "no ac_route for service",
			"session_name", ev.Name,
			"service", ev.ServiceName)
		return
	}

	l2tpSessionID, err := app.allocL2TPSessionID(rc)
	if err == nil {
		route := &nlacpppoe.Route{
			L2TPTunnelID:   rc.tunnelID,
			L2TPSessionID:  l2tpSessionID,
			PPPoESessionID: uint16(ev.SessionID),
			InterfaceName:  app.kcfg.ifName,
		}
		err = app.nl.addACRoute(route)
		if err == nil {
			app.routes[ev.Name] = route
			level.Info(app.logger).Log(
				"message", "switched session into L2TP",
				"session_name", ev.Name,
				"tunnel_id", route.L2TPTunnelID,
				"l2tp_session_id", route.L2TPSessionID)
			return
		}
	}

	level.Error(app.logger).Log(
		"message", "failed to add ac route, closing session",
		"session_name", ev.Name,
		"error", err)
	if err := app.engine.Close(ev.Name); err != nil {
		level.Error(app.logger).Log(
			"message", "failed to close session",
			"session_name", ev.Name,
			"error", err)
	}
}

func (app *application) delRoute(name string) {
	route, ok := app.routes[name]
	if !ok {
		return
	}
	delete(app.routes, name)
	err := app.nl.delACRoute(route)
	if err != nil {
		level.Error(app.logger).Log(
			"message", "failed to delete ac route",
			"session_name", name,
			"error", err)
	}
}

func (app *application) handleEvent(event interface{}) {
	switch ev := event.(type) {
	case *pppoe.SessionEstablishedEvent:
		app.handleEstablished(ev)
	case *pppoe.SessionClosedEvent:
		level.Info(app.logger).Log(
			"message", "session down",
			"session_name", ev.Name,
			"session_id", ev.SessionID,
			"reason", ev.Reason,
			"detail", ev.Message)
		app.delRoute(ev.Name)
	}
}

func (app *application) shutdown() {
	// the engine reports sessions closing as it shuts down
	done := make(chan interface{})
	go func() {
		app.engine.Shutdown()
		close(done)
	}()
	for waiting := true; waiting; {
		select {
		case <-app.eventNotify:
			app.handleQueuedEvents()
		case <-done:
			waiting = false
		}
	}
	app.handleQueuedEvents()

	for name := range app.routes {
		app.delRoute(name)
	}
	app.nl.close()
	signal.Stop(app.sigChan)
}

func (app *application) run() int {
	for {
		select {
		case <-app.sigChan:
			level.Info(app.logger).Log("message", "received signal, shutting down")
			app.shutdown()
			return 0
		case <-app.closeChan:
			app.shutdown()
			return 0
		case <-app.eventNotify:
			app.handleQueuedEvents()
		}
	}
}

func main() {
	cfgPathPtr := flag.String("config", "/etc/kpppoed/kpppoed.toml", "specify configuration file path")
	verbosePtr := flag.Bool("verbose", false, "toggle verbose log output")
	nullPtr := flag.Bool("null", false, "don't switch sessions into L2TP")
	flag.Parse()

	kcfg := newKpppoedConfig()
	cfg, err := config.LoadFileWithCustomParser(*cfgPathPtr, kcfg)
	if err != nil {
		stdlog.Fatalf("failed to load configuration: %v", err)
	}

	if kcfg.ifName == "" {
		stdlog.Fatalf("no interface name called out in the configuration file")
	}

	if len(cfg.Endpoints) == 0 {
		stdlog.Fatalf("no endpoints called out in the configuration file")
	}

	logger := log.NewLogfmtLogger(os.Stderr)
	if *verbosePtr {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	link, err := pppoe.NewLinkConnection(kcfg.ifName, logger)
	if err != nil {
		stdlog.Fatalf("failed to create PPPoE connection: %v", err)
	}

	var nl acNetlink = &acpppoeNL{}
	if *nullPtr {
		nl = &nilNL{}
	}

	app, err := newApplication(cfg, kcfg, link, nl, logger)
	if err != nil {
		link.Close()
		stdlog.Fatalf("failed to instantiate application: %v", err)
	}

	rc := app.run()
	link.Close()
	os.Exit(rc)
}
