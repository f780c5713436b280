package pppoe

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics/generic"
	"golang.org/x/time/rate"
)

var (
	// ErrUnmatchedCorrelation indicates a reply carried a correlation
	// token which no live session issued.
	ErrUnmatchedCorrelation = errors.New("unmatched correlation token")
	// ErrServiceMismatch indicates no session accepts the requested
	// service.
	ErrServiceMismatch = errors.New("service name mismatch")
	// ErrNoSessionID indicates the session ID space is exhausted.
	ErrNoSessionID = errors.New("session ID space exhausted")
	// ErrEndpointExists is returned when a control-plane call names an
	// endpoint which already has a session.
	ErrEndpointExists = errors.New("endpoint already exists")
	// ErrNoEndpoint is returned when a control-plane call names an
	// unknown endpoint.
	ErrNoEndpoint = errors.New("no such endpoint")
	// ErrWrongState is returned when a control-plane call is not valid
	// for the endpoint's current state.
	ErrWrongState = errors.New("operation not valid in current state")
	// ErrEngineClosed is returned for calls on an engine which has been
	// shut down.
	ErrEngineClosed = errors.New("engine closed")
)

// EngineConfig represents the tunable parameters of a discovery engine.
type EngineConfig struct {
	// ACName is advertised in PADO packets by listening and primed
	// sessions which don't specify their own name.
	ACName string
	// Duration to wait before the first PADI or PADR retransmit.
	// Subsequent retransmits occur at exponentially increasing
	// intervals up to RetryLimit.
	RetryTimeout time.Duration
	// RetryLimit caps the retransmit interval.  A client which reaches
	// the limit without a PADS restarts discovery with a fresh PADI.
	RetryLimit time.Duration
	// OfferTimeout is how long a primed or offering session waits for
	// the client to take up its offer.
	OfferTimeout time.Duration
	// PADIRate limits the rate at which PADI packets are processed, in
	// packets per second.  Zero means no limit.
	PADIRate float64
	// PADIBurst is the burst size allowed by the PADI rate limiter.
	PADIBurst int
	// MaxOffers limits the sessions a listening endpoint may have
	// waiting in the offering state.  PADI packets beyond the limit are
	// dropped until an offer is taken up or times out.
	MaxOffers int
	// Clock is the time source for protocol timers.  If nil the system
	// clock is used.
	Clock clock.Clock
}

// DefaultEngineConfig returns a default configuration for the engine.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ACName:       "go-pppoe",
		RetryTimeout: DefaultRetryTimeout,
		RetryLimit:   DefaultRetryLimit,
		OfferTimeout: DefaultOfferTimeout,
		MaxOffers:    DefaultMaxOffers,
	}
}

func sanitiseConfig(cfg *EngineConfig) {
	dflt := DefaultEngineConfig()
	if cfg.ACName == "" {
		cfg.ACName = dflt.ACName
	}
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = dflt.RetryTimeout
	}
	if cfg.RetryLimit < cfg.RetryTimeout {
		cfg.RetryLimit = cfg.RetryTimeout
	}
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = dflt.OfferTimeout
	}
	if cfg.PADIBurst <= 0 {
		cfg.PADIBurst = 1
	}
	if cfg.MaxOffers <= 0 {
		cfg.MaxOffers = dflt.MaxOffers
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
}

// Stats reports frame counters for an engine.
type Stats struct {
	FramesIn  uint64
	FramesOut uint64
}

type rxFrame struct {
	etherType EtherType
	frame     []byte
	src       HWAddr
}

type ctlRequest struct {
	fn           func() error
	completeChan chan error
}

type sidKey struct {
	sid  PPPoESessionID
	peer HWAddr
}

// Engine runs PPPoE discovery for any number of client and server
// sessions sharing one link.
//
// All protocol processing happens on a single goroutine which drains
// received frames, timer expiries and control-plane requests one at a
// time.  Control-plane methods may be called from any goroutine.
type Engine struct {
	logger  log.Logger
	link    LinkTransport
	hwAddr  HWAddr
	cfg     EngineConfig
	backoff backoff
	limiter *rate.Limiter

	sessions map[sessionKey]*session
	byName   map[string]*session
	bySID    map[sidKey]*session
	sidUse   map[PPPoESessionID]int
	tokens   *correlationRegistry
	sched    *retryScheduler
	nextKey  sessionKey

	framesIn, framesOut *generic.Counter

	rxChan    chan rxFrame
	timerChan chan timerEvent
	ctlChan   chan *ctlRequest
	closeChan chan interface{}
	doneChan  chan interface{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewEngine creates a discovery engine running on the given link.
//
// If cfg is nil the default configuration is used.  To disable all
// logging, pass in a nil logger.
func NewEngine(link LinkTransport, cfg *EngineConfig, logger log.Logger) (*Engine, error) {
	if link == nil {
		return nil, errors.New("illegal nil link argument")
	}

	myCfg := DefaultEngineConfig()
	if cfg != nil {
		myCfg = *cfg
	}
	sanitiseConfig(&myCfg)

	if logger == nil {
		logger = log.NewNopLogger()
	}

	tokens, err := newRandomCorrelationRegistry()
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if myCfg.PADIRate > 0 {
		limit = rate.Limit(myCfg.PADIRate)
	}

	e := &Engine{
		logger:    log.With(logger, "hwaddr", link.HWAddr()),
		link:      link,
		hwAddr:    link.HWAddr(),
		cfg:       myCfg,
		backoff:   backoff{base: myCfg.RetryTimeout, limit: myCfg.RetryLimit},
		limiter:   rate.NewLimiter(limit, myCfg.PADIBurst),
		sessions:  make(map[sessionKey]*session),
		byName:    make(map[string]*session),
		bySID:     make(map[sidKey]*session),
		sidUse:    make(map[PPPoESessionID]int),
		tokens:    tokens,
		framesIn:  generic.NewCounter("frames_in"),
		framesOut: generic.NewCounter("frames_out"),
		rxChan:    make(chan rxFrame, 64),
		timerChan: make(chan timerEvent, 64),
		ctlChan:   make(chan *ctlRequest),
		closeChan: make(chan interface{}),
		doneChan:  make(chan interface{}),
	}
	e.sched = newRetryScheduler(myCfg.Clock, e.postTimerEvent)

	link.SetReceiver(e.receive)

	e.wg.Add(1)
	go e.runEngine()

	return e, nil
}

// Connect starts client discovery for the named endpoint, requesting
// the specified service.  An empty service name requests any service.
func (e *Engine) Connect(name, serviceName string, owner EventHandler) error {
	return e.call(func() error {
		if _, ok := e.byName[name]; ok {
			return fmt.Errorf("%w: %q", ErrEndpointExists, name)
		}
		s := e.newSession(name, roleClient, owner)
		s.serviceName = serviceName
		s.notifyOnClose = true
		e.issueToken(s)
		frame, err := s.buildPADI()
		if err != nil {
			e.releaseToken(s)
			return fmt.Errorf("failed to build PADI: %w", err)
		}
		e.linkSession(s)
		s.handleEvent("connect", frame)
		return nil
	})
}

// Listen makes the named endpoint answer PADI packets requesting the
// specified service.  The wildcard "*" answers requests for any
// service.  Each PADI answered spawns a new session owned by owner.
func (e *Engine) Listen(name, serviceName string, owner EventHandler) error {
	return e.call(func() error {
		if _, ok := e.byName[name]; ok {
			return fmt.Errorf("%w: %q", ErrEndpointExists, name)
		}
		if err := checkServiceName(serviceName); err != nil {
			return err
		}
		s := e.newSession(name, roleServer, owner)
		s.serviceName = serviceName
		s.acName = e.cfg.ACName
		s.notifyOnClose = true
		e.linkSession(s)
		s.handleEvent("listen")
		return nil
	})
}

// Offer primes the named endpoint to answer the next PADI, for any
// service, advertising acName.  An empty acName uses the engine's
// configured name.  The offer expires after the configured offer
// timeout.
func (e *Engine) Offer(name, acName string, owner EventHandler) error {
	return e.call(func() error {
		if _, ok := e.byName[name]; ok {
			return fmt.Errorf("%w: %q", ErrEndpointExists, name)
		}
		if acName == "" {
			acName = e.cfg.ACName
		}
		// make sure the PADO will encode before committing to the offer
		pado, err := NewPADO("", acName)
		if err == nil {
			_, err = pado.ToBytes()
		}
		if err != nil {
			return fmt.Errorf("failed to build PADO: %w", err)
		}
		s := e.newSession(name, roleServer, owner)
		s.acName = acName
		s.notifyOnClose = true
		e.linkSession(s)
		s.handleEvent("offer")
		return nil
	})
}

// Close closes the named endpoint.  Established sessions send a PADT
// to the peer.  Closing a listening endpoint closes the sessions it
// spawned.
func (e *Engine) Close(name string) error {
	return e.call(func() error {
		s, ok := e.byName[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrNoEndpoint, name)
		}
		s.handleEvent("close", CloseReasonAdmin)
		return nil
	})
}

// Promote moves a newly connected server session to the connected
// state without waiting for the first session data frame.
func (e *Engine) Promote(name string) error {
	return e.call(func() error {
		s, ok := e.byName[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrNoEndpoint, name)
		}
		switch s.state() {
		case SessionStateConnected:
			return nil
		case SessionStateNewlyConnected:
			s.handleEvent("promote")
			return nil
		}
		return fmt.Errorf("%w: %q is %v", ErrWrongState, name, s.state())
	})
}

// SendData sends a session data payload to the peer of an established
// session.
func (e *Engine) SendData(name string, payload []byte) error {
	return e.call(func() error {
		s, ok := e.byName[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrNoEndpoint, name)
		}
		if !s.established {
			return fmt.Errorf("%w: %q is %v", ErrWrongState, name, s.state())
		}
		frame, err := encodeSessionFrame(s.dataHeader, payload)
		if err != nil {
			return err
		}
		return e.send(EtherTypeSession, frame, s.peer)
	})
}

// SessionInfo returns a snapshot of the named endpoint's session.
func (e *Engine) SessionInfo(name string) (info SessionInfo, err error) {
	err = e.call(func() error {
		s, ok := e.byName[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrNoEndpoint, name)
		}
		info = s.info()
		return nil
	})
	return
}

// Sessions returns a snapshot of all the engine's sessions, ordered by
// creation.
func (e *Engine) Sessions() (infos []SessionInfo, err error) {
	err = e.call(func() error {
		for _, s := range e.sortedSessions(nil) {
			infos = append(infos, s.info())
		}
		return nil
	})
	return
}

// Stats returns the engine's frame counters.  It is safe to call
// concurrently with the engine running.
func (e *Engine) Stats() Stats {
	return Stats{
		FramesIn:  uint64(e.framesIn.Value()),
		FramesOut: uint64(e.framesOut.Value()),
	}
}

// Shutdown closes all sessions and stops the engine.  The link is not
// closed.
func (e *Engine) Shutdown() {
	e.closeOnce.Do(func() {
		close(e.closeChan)
	})
	e.wg.Wait()
}

func (e *Engine) call(fn func() error) error {
	req := &ctlRequest{
		fn:           fn,
		completeChan: make(chan error, 1),
	}
	select {
	case e.ctlChan <- req:
	case <-e.doneChan:
		return ErrEngineClosed
	}
	select {
	case err := <-req.completeChan:
		return err
	case <-e.doneChan:
		return ErrEngineClosed
	}
}

func (e *Engine) receive(etherType EtherType, frame []byte, src HWAddr) {
	select {
	case e.rxChan <- rxFrame{etherType: etherType, frame: frame, src: src}:
	case <-e.doneChan:
	}
}

func (e *Engine) postTimerEvent(ev timerEvent) {
	select {
	case e.timerChan <- ev:
	case <-e.doneChan:
	}
}

func (e *Engine) runEngine() {
	defer e.wg.Done()
	defer close(e.doneChan)

	level.Info(e.logger).Log(
		"message", "new discovery engine",
		"ac_name", e.cfg.ACName,
		"retry_timeout", e.cfg.RetryTimeout,
		"retry_limit", e.cfg.RetryLimit,
		"offer_timeout", e.cfg.OfferTimeout)

	for {
		select {
		case <-e.closeChan:
			e.shutdown()
			return
		case f := <-e.rxChan:
			e.handleFrame(f)
		case ev := <-e.timerChan:
			e.handleTimerEvent(ev)
		case req := <-e.ctlChan:
			req.completeChan <- req.fn()
		}
	}
}

func (e *Engine) shutdown() {
	level.Info(e.logger).Log("message", "shutting down")
	for _, s := range e.sortedSessions(nil) {
		// children may already have gone with their listener
		if _, ok := e.sessions[s.key]; ok {
			s.handleEvent("close", CloseReasonShutdown)
		}
	}
	e.sched.stopAll()
	e.link.SetReceiver(nil)
}

func (e *Engine) send(etherType EtherType, frame []byte, dst HWAddr) error {
	err := e.link.Send(etherType, frame, dst)
	if err != nil {
		return err
	}
	e.framesOut.Add(1)
	return nil
}

func (e *Engine) newSession(name string, role sessionRole, owner EventHandler) *session {
	e.nextKey++
	return newSession(e, e.nextKey, name, role, owner)
}

func (e *Engine) linkSession(s *session) {
	e.sessions[s.key] = s
	e.byName[s.name] = s
}

func (e *Engine) issueToken(s *session) {
	s.token = e.tokens.issue(s.key)
	s.hasToken = true
}

func (e *Engine) releaseToken(s *session) {
	if s.hasToken {
		e.tokens.release(s.token)
		s.hasToken = false
	}
}

func (e *Engine) indexSessionID(s *session) {
	e.bySID[sidKey{sid: s.id, peer: s.peer}] = s
	e.sidUse[s.id]++
}

func (e *Engine) unindexSessionID(s *session) {
	k := sidKey{sid: s.id, peer: s.peer}
	if got, ok := e.bySID[k]; !ok || got != s {
		return
	}
	delete(e.bySID, k)
	if e.sidUse[s.id]--; e.sidUse[s.id] <= 0 {
		delete(e.sidUse, s.id)
	}
}

// allocSessionID picks an unused session ID at random, falling back to
// a scan of the whole space so that exhaustion is reported only when
// every ID really is taken.
func (e *Engine) allocSessionID() (PPPoESessionID, error) {
	const space = int(sessionIDReserved) - 1
	start := rand.Intn(space)
	for i := 0; i < space; i++ {
		sid := PPPoESessionID(1 + (start+i)%space)
		if e.sidUse[sid] == 0 {
			return sid, nil
		}
	}
	return sessionIDNone, ErrNoSessionID
}

// destroySession removes a session from the engine, cancelling its
// timer and releasing its token and session ID.  Sessions spawned by a
// listener go with it.
func (e *Engine) destroySession(s *session, reason CloseReason, msg string) {
	if _, ok := e.sessions[s.key]; !ok {
		return
	}

	e.sched.cancel(s.key)
	e.releaseToken(s)
	if s.id != sessionIDNone {
		e.unindexSessionID(s)
	}
	delete(e.sessions, s.key)
	if got, ok := e.byName[s.name]; ok && got == s {
		delete(e.byName, s.name)
	}
	s.pending = nil
	s.pads = nil
	s.echo = nil
	s.fsm.current = SessionStateDead

	for _, child := range e.sortedSessions(func(c *session) bool { return c.parent == s.key }) {
		child.handleEvent("close", reason)
	}

	level.Info(s.logger).Log(
		"message", "close",
		"reason", reason)

	if s.notifyOnClose {
		s.notify(&SessionClosedEvent{
			Name:      s.name,
			SessionID: s.id,
			Reason:    reason,
			Message:   msg,
		})
	}
}

// sortedSessions returns the sessions accepted by filter in creation
// order.  A nil filter accepts all sessions.
func (e *Engine) sortedSessions(filter func(s *session) bool) (out []*session) {
	for _, s := range e.sessions {
		if filter == nil || filter(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return
}

func (e *Engine) handleTimerEvent(ev timerEvent) {
	if !e.sched.expire(ev) {
		return
	}
	s, ok := e.sessions[ev.key]
	if !ok {
		return
	}
	if s.state() == SessionStateRequesting && e.backoff.atLimit(&s.retry) {
		s.handleEvent("restart")
		return
	}
	s.handleEvent("timeout")
}

func (e *Engine) handleFrame(f rxFrame) {
	e.framesIn.Add(1)

	if f.src == e.hwAddr {
		return
	}

	switch f.etherType {
	case EtherTypeDiscovery:
		pkt, err := ParsePacket(f.frame)
		if err != nil {
			level.Error(e.logger).Log(
				"message", "failed to parse received packet",
				"peer", f.src,
				"error", err)
			return
		}
		level.Debug(e.logger).Log(
			"message", "recv",
			"peer", f.src,
			"packet", pkt)
		err = e.handlePacket(pkt, f.src)
		if err != nil {
			level.Debug(e.logger).Log(
				"message", "dropped packet",
				"type", pkt.Code,
				"peer", f.src,
				"error", err)
		}
	case EtherTypeSession:
		e.handleSessionData(f.frame, f.src)
	}
}

func (e *Engine) handlePacket(pkt *PPPoEPacket, from HWAddr) error {
	switch pkt.Code {
	case PPPoECodePADI:
		return e.handlePADI(pkt, from)
	case PPPoECodePADO:
		return e.handlePADO(pkt, from)
	case PPPoECodePADR:
		return e.handlePADR(pkt, from)
	case PPPoECodePADS:
		return e.handlePADS(pkt, from)
	case PPPoECodePADT:
		return e.handlePADT(pkt, from)
	}
	return fmt.Errorf("unhandled PPPoE code %v", pkt.Code)
}

// matchServiceName checks a requested service against a listen filter.
// An empty request asks for any service.
func matchServiceName(filter, requested string) bool {
	return filter == ServiceNameWildcard || requested == "" || filter == requested
}

func checkServiceName(serviceName string) error {
	if pppoeTagMinLength+len(serviceName) > MaxTagAreaLength {
		return fmt.Errorf("%w: service name of %d bytes", ErrFrameTooLarge, len(serviceName))
	}
	return nil
}

func (e *Engine) handlePADI(pkt *PPPoEPacket, from HWAddr) error {
	if !e.limiter.Allow() {
		return errors.New("PADI rate limit exceeded")
	}

	// Validate guarantees a PADI carries a service name
	tag, _ := pkt.GetTag(PPPoETagTypeServiceName)
	requested := string(tag.Data)

	primed := e.sortedSessions(func(s *session) bool { return s.state() == SessionStatePrimed })
	if len(primed) > 0 {
		s := primed[0]
		prev := s.serviceName
		s.serviceName = requested
		e.issueToken(s)
		frame, err := s.buildPADO(pkt)
		if err != nil {
			e.releaseToken(s)
			s.serviceName = prev
			return fmt.Errorf("failed to build PADO: %w", err)
		}
		s.handleEvent("padi", frame, from)
		return nil
	}

	listeners := e.sortedSessions(func(s *session) bool {
		return s.state() == SessionStateListening && matchServiceName(s.serviceName, requested)
	})
	if len(listeners) == 0 {
		return fmt.Errorf("%w: no listener for %q", ErrServiceMismatch, requested)
	}
	listener := listeners[0]

	offers := 0
	for _, s := range e.sessions {
		if s.parent == listener.key && s.state() == SessionStateOffering {
			offers++
		}
	}
	if offers >= e.cfg.MaxOffers {
		return fmt.Errorf("listener %q has %d offers outstanding", listener.name, offers)
	}

	offered := requested
	if offered == "" && listener.serviceName != ServiceNameWildcard {
		offered = listener.serviceName
	}

	e.nextKey++
	child := newSession(e, e.nextKey, fmt.Sprintf("%s/%d", listener.name, e.nextKey), roleServer, listener.owner)
	child.parent = listener.key
	child.serviceName = offered
	child.acName = listener.acName
	e.issueToken(child)
	frame, err := child.buildPADO(pkt)
	if err != nil {
		e.releaseToken(child)
		return fmt.Errorf("failed to build PADO: %w", err)
	}
	e.linkSession(child)
	child.handleEvent("padi", frame, from)
	return nil
}

// lookupByToken resolves the correlation tag of a reply to the session
// which issued it, checking the reply came from the expected peer.
func (e *Engine) lookupByToken(pkt *PPPoEPacket, typ PPPoETagType, from HWAddr, checkPeer bool) (*session, error) {
	tag, err := pkt.GetTag(typ)
	if err != nil {
		return nil, fmt.Errorf("%w: no %v tag", ErrUnmatchedCorrelation, typ)
	}
	key, ok := e.tokens.resolveTag(tag)
	if !ok {
		return nil, ErrUnmatchedCorrelation
	}
	s, ok := e.sessions[key]
	if !ok {
		return nil, ErrUnmatchedCorrelation
	}
	if checkPeer && s.peer != from {
		return nil, fmt.Errorf("%w: token belongs to peer %v", ErrUnmatchedCorrelation, s.peer)
	}
	return s, nil
}

func (e *Engine) handlePADO(pkt *PPPoEPacket, from HWAddr) error {
	s, err := e.lookupByToken(pkt, PPPoETagTypeHostUniq, from, false)
	if err != nil {
		return err
	}
	if s.role != roleClient || s.state() != SessionStateInitiating {
		return fmt.Errorf("unexpected PADO in state %v", s.state())
	}
	if !s.acceptsOffer(pkt) {
		return fmt.Errorf("%w: offer does not include %q", ErrServiceMismatch, s.serviceName)
	}
	reply, err := s.buildPADR(pkt)
	if err != nil {
		return fmt.Errorf("failed to build PADR: %w", err)
	}
	s.handleEvent("pado", reply, from)
	return nil
}

func (e *Engine) handlePADR(pkt *PPPoEPacket, from HWAddr) error {
	s, err := e.lookupByToken(pkt, PPPoETagTypeACCookie, from, true)
	if err != nil {
		return err
	}
	if s.role != roleServer {
		return ErrUnmatchedCorrelation
	}
	if s.state() == SessionStateOffering {
		// the PADS has the same size whatever session ID is allocated
		if _, err := s.buildPADS(pkt, 1); err != nil {
			return fmt.Errorf("failed to build PADS: %w", err)
		}
	}
	s.handleEvent("padr", pkt, from)
	return nil
}

func (e *Engine) handlePADS(pkt *PPPoEPacket, from HWAddr) error {
	s, err := e.lookupByToken(pkt, PPPoETagTypeHostUniq, from, true)
	if err != nil {
		return err
	}
	if s.role != roleClient {
		return ErrUnmatchedCorrelation
	}
	if pkt.SessionID == sessionIDNone {
		s.handleEvent("padserror", pkt, from)
		return nil
	}
	s.handleEvent("pads", pkt, from)
	return nil
}

func (e *Engine) handlePADT(pkt *PPPoEPacket, from HWAddr) error {
	s, ok := e.bySID[sidKey{sid: pkt.SessionID, peer: from}]
	if !ok {
		return fmt.Errorf("unrecognised session ID %v from %v", pkt.SessionID, from)
	}
	s.handleEvent("padt", pkt, from)
	return nil
}

func (e *Engine) handleSessionData(frame []byte, from HWAddr) {
	sid, payload, err := parseSessionFrame(frame)
	if err != nil {
		level.Debug(e.logger).Log(
			"message", "failed to parse session frame",
			"peer", from,
			"error", err)
		return
	}
	s, ok := e.bySID[sidKey{sid: sid, peer: from}]
	if !ok {
		return
	}
	s.handleEvent("data", payload)
}
