/*
Package pppoe is a library for PPP over Ethernet applications running
on Linux systems.

PPPoE is specified by RFC2516, and is widely used in home broadband
links when connecting the client's router into the Internet Service
Provider network.

Currently package pppoe implements:

 * A codec for PPPoE discovery packets and the tags they carry.  The
   tag parser is bounds checked against the received buffer and is
   safe for arbitrary input.

 * A discovery Engine which runs any number of client and access
   concentrator sessions over a single link.  The engine handles
   retransmission with exponential backoff, correlation of replies
   using the Host-Uniq and AC-Cookie tags, session ID allocation and
   session teardown with PADT.

 * Link transports: LinkConn for AF_PACKET sockets bound to a Linux
   interface, and LoopbackLink for in-memory testing.

Session data frames are passed to the owning application undecoded.
Running PPP itself is outside the scope of package pppoe.

Usage

	# Note we're ignoring errors for brevity

	import (
		"fmt"
		"github.com/katalix/go-pppoe/pppoe"
	)

	type handler struct{}

	func (h *handler) HandleEvent(ev interface{}) {
		switch ev := ev.(type) {
		case *pppoe.SessionEstablishedEvent:
			fmt.Printf("session %v up with %v\n", ev.SessionID, ev.PeerHWAddr)
		case *pppoe.SessionClosedEvent:
			fmt.Printf("session %v down: %v\n", ev.SessionID, ev.Reason)
		}
	}

	// Create a link on interface eth0
	link, _ := pppoe.NewLinkConnection("eth0", nil)

	// Run a discovery engine on the link with the default configuration
	engine, _ := pppoe.NewEngine(link, nil, nil)

	// Look for an access concentrator offering any service
	engine.Connect("uplink", "", &handler{})

	// ...

	engine.Shutdown()
	link.Close()
*/
package pppoe
