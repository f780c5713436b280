/*
Package nlacpppoe is a client for the Linux kernel's l2tp_ac_pppoe
generic netlink family, which switches PPPoE session data frames
arriving on an interface into an L2TP session.
*/
package nlacpppoe

import (
	"errors"
	"fmt"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
)

// Route describes the switching of one PPPoE session into an L2TP
// session.
type Route struct {
	L2TPTunnelID      uint32
	L2TPSessionID     uint32
	L2TPPeerSessionID uint32
	PPPoESessionID    uint16
	InterfaceName     string
}

// Conn is a generic netlink connection to the l2tp_ac_pppoe family.
type Conn struct {
	genlFamily genetlink.Family
	c          *genetlink.Conn
}

// Dial opens a connection to the kernel.  It fails if the
// l2tp_ac_pppoe module is not loaded.
func Dial() (conn *Conn, err error) {
	c, err := genetlink.Dial(nil)
	if err != nil {
		return
	}

	id, err := c.GetFamily(GenlName)
	if err != nil {
		c.Close()
		return
	}

	conn = &Conn{
		genlFamily: id,
		c:          c,
	}
	return
}

// Close closes the connection.
func (conn *Conn) Close() {
	conn.c.Close()
}

func (r *Route) validate() error {
	if r.L2TPTunnelID == 0 {
		return errors.New("L2TP tunnel ID must be nonzero")
	} else if r.L2TPSessionID == 0 {
		return errors.New("L2TP session ID must be nonzero")
	} else if r.PPPoESessionID == 0 || r.PPPoESessionID == 0xffff {
		return fmt.Errorf("PPPoE session ID %d is not valid", r.PPPoESessionID)
	} else if r.InterfaceName == "" {
		return errors.New("PPPoE interface name must be specified")
	}
	return nil
}

func encodeRoute(r *Route) ([]byte, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}

	ae := netlink.NewAttributeEncoder()
	ae.Uint32(AttrL2TPTunnelId, r.L2TPTunnelID)
	ae.Uint32(AttrL2TPSessionId, r.L2TPSessionID)
	ae.Uint32(AttrL2TPPeerSessionId, r.L2TPPeerSessionID)
	ae.Uint16(AttrPPPoESessionId, r.PPPoESessionID)
	ae.String(AttrPPPoEIfname, r.InterfaceName)

	b, err := ae.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode attributes: %v", err)
	}
	return b, nil
}

func (conn *Conn) execute(cmd uint8, r *Route) error {
	b, err := encodeRoute(r)
	if err != nil {
		return err
	}

	req := genetlink.Message{
		Header: genetlink.Header{
			Command: cmd,
			Version: conn.genlFamily.Version,
		},
		Data: b,
	}

	_, err = conn.c.Execute(req, conn.genlFamily.ID, netlink.Request|netlink.Acknowledge)
	return err
}

// AddRoute asks the kernel to switch a PPPoE session into L2TP.
func (conn *Conn) AddRoute(r *Route) error {
	return conn.execute(CmdAdd, r)
}

// DelRoute removes a route added by AddRoute.
func (conn *Conn) DelRoute(r *Route) error {
	return conn.execute(CmdDel, r)
}
