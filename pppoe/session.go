package pppoe

import (
	"fmt"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// SessionState is the discovery state of a session.
type SessionState int

// Session states.
const (
	SessionStateNone SessionState = iota
	SessionStateListening
	SessionStateInitiating
	SessionStatePrimed
	SessionStateOffering
	SessionStateRequesting
	SessionStateNewlyConnected
	SessionStateConnected
	SessionStateDead
)

func (s SessionState) String() string {
	switch s {
	case SessionStateNone:
		return "none"
	case SessionStateListening:
		return "listening"
	case SessionStateInitiating:
		return "initiating"
	case SessionStatePrimed:
		return "primed"
	case SessionStateOffering:
		return "offering"
	case SessionStateRequesting:
		return "requesting"
	case SessionStateNewlyConnected:
		return "newly connected"
	case SessionStateConnected:
		return "connected"
	case SessionStateDead:
		return "dead"
	}
	return "???"
}

// SessionInfo is a snapshot of a session's state.
type SessionInfo struct {
	Name        string
	State       SessionState
	SessionID   PPPoESessionID
	PeerHWAddr  HWAddr
	ServiceName string
	ACName      string
}

type sessionRole int

const (
	roleClient sessionRole = iota
	roleServer
)

// session is one logical discovery endpoint.  Sessions are owned by the
// engine's session table and are only ever touched on the engine
// goroutine.
type session struct {
	key    sessionKey
	parent sessionKey
	name   string
	role   sessionRole
	logger log.Logger
	e      *Engine
	owner  EventHandler
	fsm    fsm

	id          PPPoESessionID
	peer        HWAddr
	token       Token
	hasToken    bool
	serviceName string
	acName      string

	// pending is the last frame sent in a retransmitting state.
	pending []byte
	// pads is the confirmation kept for answering duplicate PADRs.
	pads []byte
	// echo holds the PADO tags a client reflects in its PADR.
	echo       []*PPPoETag
	dataHeader [pppoeHeaderLength]byte
	retry      retryState

	established   bool
	notifyOnClose bool
}

func newSession(e *Engine, key sessionKey, name string, role sessionRole, owner EventHandler) *session {
	s := &session{
		key:    key,
		name:   name,
		role:   role,
		logger: log.With(e.logger, "session_name", name),
		e:      e,
		owner:  owner,
		peer:   BroadcastHWAddr,
	}

	live := []SessionState{
		SessionStateListening,
		SessionStateInitiating,
		SessionStatePrimed,
		SessionStateOffering,
		SessionStateRequesting,
		SessionStateNewlyConnected,
		SessionStateConnected,
	}

	// Ref: RFC2516 section 5
	s.fsm = fsm{
		current: SessionStateNone,
		table: []eventDesc{
			// client
			{from: []SessionState{SessionStateNone}, events: []string{"connect"}, cb: s.fsmActSendPADI, to: SessionStateInitiating},
			{from: []SessionState{SessionStateInitiating}, events: []string{"pado"}, cb: s.fsmActOnPADO, to: SessionStateRequesting},
			{from: []SessionState{SessionStateInitiating}, events: []string{"timeout"}, cb: s.fsmActRetransmit, to: SessionStateInitiating},
			{from: []SessionState{SessionStateRequesting}, events: []string{"pads"}, cb: s.fsmActOnPADS, to: SessionStateConnected},
			{from: []SessionState{SessionStateRequesting}, events: []string{"padserror"}, cb: s.fsmActOnPADSError, to: SessionStateDead},
			{from: []SessionState{SessionStateRequesting}, events: []string{"timeout"}, cb: s.fsmActRetransmit, to: SessionStateRequesting},
			{from: []SessionState{SessionStateRequesting}, events: []string{"restart"}, cb: s.fsmActRestart, to: SessionStateInitiating},

			// server
			{from: []SessionState{SessionStateNone}, events: []string{"listen"}, cb: s.fsmActListen, to: SessionStateListening},
			{from: []SessionState{SessionStateNone}, events: []string{"offer"}, cb: s.fsmActPrime, to: SessionStatePrimed},
			{from: []SessionState{SessionStateNone, SessionStatePrimed}, events: []string{"padi"}, cb: s.fsmActSendPADO, to: SessionStateOffering},
			{from: []SessionState{SessionStatePrimed, SessionStateOffering}, events: []string{"timeout"}, cb: s.fsmActOfferTimeout, to: SessionStateDead},
			{from: []SessionState{SessionStateOffering}, events: []string{"padr"}, cb: s.fsmActOnPADR, to: SessionStateNewlyConnected},
			{from: []SessionState{SessionStateNewlyConnected}, events: []string{"padr"}, cb: s.fsmActResendPADS, to: SessionStateNewlyConnected},
			{from: []SessionState{SessionStateNewlyConnected}, events: []string{"data", "promote"}, cb: s.fsmActPromote, to: SessionStateConnected},

			// both
			{from: []SessionState{SessionStateConnected}, events: []string{"data"}, cb: s.fsmActDeliverData, to: SessionStateConnected},
			{from: []SessionState{SessionStateNewlyConnected, SessionStateConnected}, events: []string{"padt"}, cb: s.fsmActOnPADT, to: SessionStateDead},
			{from: live, events: []string{"close"}, cb: s.fsmActClose, to: SessionStateDead},
		},
	}
	return s
}

func (s *session) state() SessionState {
	return s.fsm.current
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		Name:        s.name,
		State:       s.fsm.current,
		SessionID:   s.id,
		PeerHWAddr:  s.peer,
		ServiceName: s.serviceName,
		ACName:      s.acName,
	}
}

func (s *session) handleEvent(ev string, args ...interface{}) {
	level.Debug(s.logger).Log(
		"message", "fsm event",
		"event", ev,
		"state", s.fsm.current)
	err := s.fsm.handleEvent(ev, args...)
	if err != nil {
		// Events arriving in the wrong state are stale retransmissions
		// or peer confusion: drop them.
		level.Debug(s.logger).Log(
			"message", "ignoring fsm event",
			"error", err)
	}
}

// panics if expected arguments are not passed
func fsmArgsToPacket(args []interface{}) (pkt *PPPoEPacket, from HWAddr) {
	if len(args) != 2 {
		panic(fmt.Sprintf("unexpected argument count (wanted 2, got %v)", len(args)))
	}
	pkt, ok := args[0].(*PPPoEPacket)
	if !ok {
		panic(fmt.Sprintf("first argument %T not *PPPoEPacket", args[0]))
	}
	from, ok = args[1].(HWAddr)
	if !ok {
		panic(fmt.Sprintf("second argument %T not HWAddr", args[1]))
	}
	return
}

// panics if expected arguments are not passed
func fsmArgsToFrame(args []interface{}) []byte {
	if len(args) != 1 {
		panic(fmt.Sprintf("unexpected argument count (wanted 1, got %v)", len(args)))
	}
	frame, ok := args[0].([]byte)
	if !ok {
		panic(fmt.Sprintf("first argument %T not []byte", args[0]))
	}
	return frame
}

// close args are optional, we default to an admin close
func fsmArgsToCloseReason(args []interface{}) (reason CloseReason) {
	reason = CloseReasonAdmin
	for _, arg := range args {
		if r, ok := arg.(CloseReason); ok {
			reason = r
		}
	}
	return
}

func (s *session) send(etherType EtherType, frame []byte, dst HWAddr) error {
	err := s.e.send(etherType, frame, dst)
	if err != nil {
		level.Error(s.logger).Log(
			"message", "failed to send frame",
			"peer", dst,
			"error", err)
	}
	return err
}

func (s *session) fail(reason CloseReason, err error) {
	level.Error(s.logger).Log(
		"message", "session failed",
		"reason", reason,
		"error", err)
	s.e.destroySession(s, reason, "")
}

func (s *session) notify(event interface{}) {
	if s.owner != nil {
		s.owner.HandleEvent(event)
	}
}

func (s *session) armRetry() {
	s.e.backoff.reset(&s.retry)
	s.e.sched.arm(s.key, s.retry.delay)
}

func (s *session) buildPADI() ([]byte, error) {
	padi, err := NewPADI(s.serviceName)
	if err != nil {
		return nil, err
	}
	err = padi.AddHostUniqTag(s.token.Bytes())
	if err != nil {
		return nil, err
	}
	return padi.ToBytes()
}

// client: the PADI is prebuilt by Connect so encoding errors reach the caller
func (s *session) fsmActSendPADI(args []interface{}) {
	frame := fsmArgsToFrame(args)
	s.pending = frame
	// PADI is fire-and-forget on an unreliable medium: a send failure
	// is recovered by retransmission
	_ = s.send(EtherTypeDiscovery, frame, BroadcastHWAddr)
	s.armRetry()
}

func (s *session) fsmActRetransmit(args []interface{}) {
	level.Debug(s.logger).Log(
		"message", "retransmit",
		"state", s.fsm.current,
		"attempt", s.retry.attempts+1)
	dst := s.peer
	if s.fsm.current == SessionStateInitiating {
		dst = BroadcastHWAddr
	}
	_ = s.send(EtherTypeDiscovery, s.pending, dst)
	s.e.sched.arm(s.key, s.e.backoff.advance(&s.retry))
}

func (s *session) fsmActRestart(args []interface{}) {
	level.Info(s.logger).Log("message", "no confirmation from access concentrator, restarting discovery")
	s.e.releaseToken(s)
	s.e.issueToken(s)
	s.peer = BroadcastHWAddr
	s.acName = ""
	s.echo = nil
	frame, err := s.buildPADI()
	if err != nil {
		s.fail(CloseReasonSendFailed, fmt.Errorf("failed to build PADI: %w", err))
		return
	}
	s.pending = frame
	_ = s.send(EtherTypeDiscovery, frame, BroadcastHWAddr)
	s.armRetry()
}

// acceptsOffer checks a PADO offers the service we asked for.
func (s *session) acceptsOffer(pado *PPPoEPacket) bool {
	if s.serviceName == "" {
		return true
	}
	for _, tag := range pado.Tags {
		if tag.Type == PPPoETagTypeServiceName && string(tag.Data) == s.serviceName {
			return true
		}
	}
	return false
}

// padrReply is a PADR built from an offer, ready to be sent once the
// offer is accepted.
type padrReply struct {
	frame  []byte
	echo   []*PPPoETag
	acName string
}

// buildPADR answers an offer without touching the session, so an offer
// we cannot answer leaves the session as it was.
func (s *session) buildPADR(pado *PPPoEPacket) (reply *padrReply, err error) {
	reply = &padrReply{}
	for _, typ := range []PPPoETagType{PPPoETagTypeACCookie, PPPoETagTypeACName, PPPoETagTypeRelaySessionID} {
		if tag, err := pado.GetTag(typ); err == nil {
			reply.echo = append(reply.echo, &PPPoETag{Type: typ, Data: append([]byte{}, tag.Data...)})
			if typ == PPPoETagTypeACName {
				reply.acName = string(tag.Data)
			}
		}
	}

	serviceName := s.serviceName
	if serviceName == "" {
		// Validate guarantees a PADO carries a service name
		tag, _ := pado.GetTag(PPPoETagTypeServiceName)
		serviceName = string(tag.Data)
	}

	padr, err := NewPADR(serviceName)
	if err == nil {
		err = padr.AddHostUniqTag(s.token.Bytes())
	}
	for _, tag := range reply.echo {
		if err == nil {
			err = padr.AddTag(tag.Type, tag.Data)
		}
	}
	if err == nil {
		reply.frame, err = padr.ToBytes()
	}
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// panics if expected arguments are not passed
func fsmArgsToPADRReply(args []interface{}) (reply *padrReply, from HWAddr) {
	if len(args) != 2 {
		panic(fmt.Sprintf("unexpected argument count (wanted 2, got %v)", len(args)))
	}
	reply, ok := args[0].(*padrReply)
	if !ok {
		panic(fmt.Sprintf("first argument %T not *padrReply", args[0]))
	}
	from, ok = args[1].(HWAddr)
	if !ok {
		panic(fmt.Sprintf("second argument %T not HWAddr", args[1]))
	}
	return
}

func (s *session) fsmActOnPADO(args []interface{}) {
	reply, from := fsmArgsToPADRReply(args)

	s.e.sched.cancel(s.key)
	s.peer = from
	s.echo = reply.echo
	s.acName = reply.acName

	level.Info(s.logger).Log(
		"message", "accepted offer",
		"ac_name", s.acName,
		"peer", s.peer)

	s.pending = reply.frame
	_ = s.send(EtherTypeDiscovery, reply.frame, s.peer)
	s.armRetry()
}

func (s *session) fsmActOnPADS(args []interface{}) {
	pads, _ := fsmArgsToPacket(args)

	s.e.sched.cancel(s.key)
	s.id = pads.SessionID
	s.e.releaseToken(s)
	s.e.indexSessionID(s)
	s.pending = nil
	s.echo = nil
	s.dataHeader = newPPPoEHeader(PPPoECodeSession, s.id)
	s.established = true
	s.notifyOnClose = true

	level.Info(s.logger).Log(
		"message", "session established",
		"session_id", s.id,
		"peer", s.peer)

	s.notify(&SessionEstablishedEvent{
		Name:        s.name,
		SessionID:   s.id,
		PeerHWAddr:  s.peer,
		ServiceName: s.serviceName,
		ACName:      s.acName,
	})
}

func (s *session) fsmActOnPADSError(args []interface{}) {
	pads, _ := fsmArgsToPacket(args)

	reasons := []struct {
		typ    PPPoETagType
		reason CloseReason
	}{
		{PPPoETagTypeServiceNameError, CloseReasonServiceNameError},
		{PPPoETagTypeACSystemError, CloseReasonACSystemError},
		{PPPoETagTypeGenericError, CloseReasonGenericError},
	}
	for _, r := range reasons {
		if tag, err := pads.GetTag(r.typ); err == nil {
			level.Info(s.logger).Log(
				"message", "access concentrator refused session",
				"reason", r.reason,
				"detail", string(tag.Data))
			s.e.destroySession(s, r.reason, string(tag.Data))
			return
		}
	}
	// Validate guarantees an error PADS carries an error tag
	s.e.destroySession(s, CloseReasonGenericError, "")
}

func (s *session) fsmActListen(args []interface{}) {
	level.Info(s.logger).Log(
		"message", "listening",
		"service", s.serviceName)
}

func (s *session) fsmActPrime(args []interface{}) {
	level.Info(s.logger).Log(
		"message", "primed offer",
		"ac_name", s.acName)
	s.e.sched.arm(s.key, s.e.cfg.OfferTimeout)
}

// echoTags copies the tags an AC must reflect back to the client.
func echoTags(in, out *PPPoEPacket) (err error) {
	for _, typ := range []PPPoETagType{PPPoETagTypeHostUniq, PPPoETagTypeRelaySessionID} {
		tag, err := in.GetTag(typ)
		if err != nil {
			continue
		}
		err = out.AddTag(typ, tag.Data)
		if err != nil {
			return fmt.Errorf("failed to add %v tag to %s: %w", typ, out.Code, err)
		}
	}
	return nil
}

// buildPADO answers a PADI using the session's token, service and AC
// name.  The session is not modified.
func (s *session) buildPADO(padi *PPPoEPacket) ([]byte, error) {
	pado, err := NewPADO(s.serviceName, s.acName)
	if err == nil {
		err = pado.AddACCookieTag(s.token.Bytes())
	}
	if err == nil {
		err = echoTags(padi, pado)
	}
	if err != nil {
		return nil, err
	}
	return pado.ToBytes()
}

// panics if expected arguments are not passed
func fsmArgsToFrameAndPeer(args []interface{}) (frame []byte, from HWAddr) {
	if len(args) != 2 {
		panic(fmt.Sprintf("unexpected argument count (wanted 2, got %v)", len(args)))
	}
	frame, ok := args[0].([]byte)
	if !ok {
		panic(fmt.Sprintf("first argument %T not []byte", args[0]))
	}
	from, ok = args[1].(HWAddr)
	if !ok {
		panic(fmt.Sprintf("second argument %T not HWAddr", args[1]))
	}
	return
}

// server: the PADO is prebuilt by the engine so a PADI we cannot answer
// is dropped before the session changes state
func (s *session) fsmActSendPADO(args []interface{}) {
	frame, from := fsmArgsToFrameAndPeer(args)

	s.peer = from

	level.Debug(s.logger).Log(
		"message", "offering",
		"service", s.serviceName,
		"peer", s.peer)

	s.pending = frame
	_ = s.send(EtherTypeDiscovery, frame, s.peer)
	s.e.sched.arm(s.key, s.e.cfg.OfferTimeout)
}

func (s *session) fsmActOfferTimeout(args []interface{}) {
	level.Debug(s.logger).Log("message", "offer timed out")
	s.e.destroySession(s, CloseReasonOfferTimeout, "")
}

// sendPADSError refuses a PADR.  The offer is over either way, so a
// failure to tell the peer is only logged.
func (s *session) sendPADSError(padr *PPPoEPacket, typ PPPoETagType, reason string) {
	pads, err := NewPADS(s.serviceName, sessionIDNone)
	if err == nil {
		err = pads.AddTag(typ, []byte(reason))
	}
	if err == nil {
		err = echoTags(padr, pads)
	}
	var frame []byte
	if err == nil {
		frame, err = pads.ToBytes()
	}
	if err != nil {
		level.Error(s.logger).Log(
			"message", "failed to build error PADS",
			"error", err)
		return
	}
	_ = s.send(EtherTypeDiscovery, frame, s.peer)
}

// buildPADS confirms a PADR with the given session ID.
func (s *session) buildPADS(padr *PPPoEPacket, sid PPPoESessionID) ([]byte, error) {
	pads, err := NewPADS(s.serviceName, sid)
	if err == nil {
		err = echoTags(padr, pads)
	}
	if err != nil {
		return nil, err
	}
	return pads.ToBytes()
}

func (s *session) fsmActOnPADR(args []interface{}) {
	padr, _ := fsmArgsToPacket(args)

	// Validate guarantees a PADR carries a service name
	tag, _ := padr.GetTag(PPPoETagTypeServiceName)
	if requested := string(tag.Data); s.serviceName != "" && requested != s.serviceName {
		err := fmt.Errorf("%w: requested %q, offered %q", ErrServiceMismatch, requested, s.serviceName)
		level.Info(s.logger).Log(
			"message", "refusing request",
			"error", err)
		s.sendPADSError(padr, PPPoETagTypeServiceNameError, err.Error())
		s.e.destroySession(s, CloseReasonServiceNameError, err.Error())
		return
	}

	sid, err := s.e.allocSessionID()
	if err != nil {
		level.Error(s.logger).Log(
			"message", "failed to allocate session ID",
			"error", err)
		s.sendPADSError(padr, PPPoETagTypeACSystemError, err.Error())
		s.notifyOnClose = true
		s.e.destroySession(s, CloseReasonNoResources, err.Error())
		return
	}

	frame, err := s.buildPADS(padr, sid)
	if err != nil {
		s.fail(CloseReasonSendFailed, fmt.Errorf("failed to build PADS: %w", err))
		return
	}

	s.e.sched.cancel(s.key)
	s.id = sid
	s.e.indexSessionID(s)
	s.pending = nil
	s.pads = frame
	s.dataHeader = newPPPoEHeader(PPPoECodeSession, s.id)
	s.established = true
	s.notifyOnClose = true

	_ = s.send(EtherTypeDiscovery, frame, s.peer)

	level.Info(s.logger).Log(
		"message", "session established",
		"session_id", s.id,
		"peer", s.peer)

	s.notify(&SessionEstablishedEvent{
		Name:        s.name,
		SessionID:   s.id,
		PeerHWAddr:  s.peer,
		ServiceName: s.serviceName,
		ACName:      s.acName,
	})
}

func (s *session) fsmActResendPADS(args []interface{}) {
	level.Debug(s.logger).Log("message", "duplicate PADR, resending PADS")
	_ = s.send(EtherTypeDiscovery, s.pads, s.peer)
}

func (s *session) fsmActPromote(args []interface{}) {
	level.Debug(s.logger).Log("message", "promoted to connected")
	s.e.releaseToken(s)
	s.pads = nil
	s.fsmActDeliverData(args)
}

func (s *session) fsmActDeliverData(args []interface{}) {
	if len(args) == 0 {
		return
	}
	payload := fsmArgsToFrame(args)
	if dh, ok := s.owner.(DataHandler); ok {
		dh.HandleData(s.name, payload)
	}
}

func (s *session) fsmActOnPADT(args []interface{}) {
	padt, _ := fsmArgsToPacket(args)
	msg := ""
	if tag, err := padt.GetTag(PPPoETagTypeGenericError); err == nil {
		msg = string(tag.Data)
	}
	level.Info(s.logger).Log(
		"message", "peer terminated session",
		"session_id", s.id)
	s.e.destroySession(s, CloseReasonPeerTerminated, msg)
}

func (s *session) fsmActClose(args []interface{}) {
	reason := fsmArgsToCloseReason(args)
	if s.established {
		padt, _ := NewPADT(s.id)
		frame, err := padt.ToBytes()
		if err == nil {
			_ = s.send(EtherTypeDiscovery, frame, s.peer)
		}
	}
	s.e.destroySession(s, reason, "")
}
