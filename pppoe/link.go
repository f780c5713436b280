package pppoe

import (
	"errors"
	"fmt"
	"sync"
)

// HWAddr is an Ethernet hardware address.
type HWAddr [6]byte

// BroadcastHWAddr is the Ethernet broadcast address.
var BroadcastHWAddr = HWAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// String renders the address in the usual colon-separated hex format.
func (addr HWAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		addr[0], addr[1], addr[2], addr[3], addr[4], addr[5])
}

// IsBroadcast returns true for the Ethernet broadcast address.
func (addr HWAddr) IsBroadcast() bool {
	return addr == BroadcastHWAddr
}

// ReceiveFunc is called by a LinkTransport for each received frame.
// The frame is the PPPoE header and payload, without link framing.
type ReceiveFunc func(etherType EtherType, frame []byte, src HWAddr)

// LinkTransport is the link-layer collaborator used by the Engine to
// send and receive PPPoE frames.
//
// Send must not block: the medium is unreliable and frames which cannot
// be queued may be dropped.
type LinkTransport interface {
	// HWAddr returns the local hardware address of the link.
	HWAddr() HWAddr
	// Send transmits a frame to the destination address.
	Send(etherType EtherType, frame []byte, dst HWAddr) error
	// SetReceiver registers the function called for received frames.
	SetReceiver(fn ReceiveFunc)
	// Close shuts the link down.
	Close() error
}

var errLinkClosed = errors.New("link closed")

type loopbackFrame struct {
	etherType EtherType
	frame     []byte
	src       HWAddr
}

// loopbackSegment is a shared broadcast domain for loopback links.
type loopbackSegment struct {
	mutex sync.Mutex
	links []*LoopbackLink
}

// LoopbackLink is an in-memory LinkTransport.  Links created from the
// same segment see each other's broadcasts and unicast frames addressed
// to them.  Each link delivers received frames in order from its own
// goroutine.
type LoopbackLink struct {
	segment  *loopbackSegment
	addr     HWAddr
	mutex    sync.Mutex
	receiver ReceiveFunc
	// Filter, if set, is consulted for every frame sent on the link.
	// Returning false drops the frame.
	filter    func(etherType EtherType, frame []byte, dst HWAddr) bool
	rxChan    chan loopbackFrame
	closeChan chan interface{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewLoopbackSegment returns a set of loopback links attached to one
// shared segment, one for each address.
func NewLoopbackSegment(addrs ...HWAddr) []*LoopbackLink {
	seg := &loopbackSegment{}
	for _, addr := range addrs {
		l := &LoopbackLink{
			segment:   seg,
			addr:      addr,
			rxChan:    make(chan loopbackFrame, 256),
			closeChan: make(chan interface{}),
		}
		seg.links = append(seg.links, l)
		l.wg.Add(1)
		go l.runReceiver()
	}
	return seg.links
}

// NewLoopbackLink returns a connected pair of loopback links.
func NewLoopbackLink(a, b HWAddr) (*LoopbackLink, *LoopbackLink) {
	links := NewLoopbackSegment(a, b)
	return links[0], links[1]
}

// SetFilter installs a transmit filter on the link.
func (l *LoopbackLink) SetFilter(fn func(etherType EtherType, frame []byte, dst HWAddr) bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.filter = fn
}

func (l *LoopbackLink) runReceiver() {
	defer l.wg.Done()
	for {
		select {
		case <-l.closeChan:
			return
		case f := <-l.rxChan:
			l.mutex.Lock()
			fn := l.receiver
			l.mutex.Unlock()
			if fn != nil {
				fn(f.etherType, f.frame, f.src)
			}
		}
	}
}

// HWAddr implements LinkTransport.
func (l *LoopbackLink) HWAddr() HWAddr {
	return l.addr
}

// SetReceiver implements LinkTransport.
func (l *LoopbackLink) SetReceiver(fn ReceiveFunc) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.receiver = fn
}

// Send implements LinkTransport.
func (l *LoopbackLink) Send(etherType EtherType, frame []byte, dst HWAddr) error {
	select {
	case <-l.closeChan:
		return errLinkClosed
	default:
	}

	l.mutex.Lock()
	filter := l.filter
	l.mutex.Unlock()
	if filter != nil && !filter(etherType, frame, dst) {
		return nil
	}

	l.segment.mutex.Lock()
	peers := append([]*LoopbackLink(nil), l.segment.links...)
	l.segment.mutex.Unlock()

	for _, peer := range peers {
		if peer == l || (!dst.IsBroadcast() && dst != peer.addr) {
			continue
		}
		b := append([]byte(nil), frame...)
		select {
		case peer.rxChan <- loopbackFrame{etherType: etherType, frame: b, src: l.addr}:
		default:
			// receive queue full: the medium drops the frame
		}
	}
	return nil
}

// Close implements LinkTransport.
func (l *LoopbackLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeChan)
	})
	l.wg.Wait()
	return nil
}
