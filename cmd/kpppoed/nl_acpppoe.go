package main

import (
	"github.com/katalix/go-pppoe/internal/nlacpppoe"
)

var _ acNetlink = (*acpppoeNL)(nil)
var _ acNetlinkConn = (*acpppoeNLConn)(nil)

type acpppoeNL struct {
}

type acpppoeNLConn struct {
	c *nlacpppoe.Conn
}

func (nl *acpppoeNL) Dial() (acNetlinkConn, error) {
	c, err := nlacpppoe.Dial()
	if err != nil {
		return nil, err
	}
	return &acpppoeNLConn{c: c}, nil
}

// Fun fact: the l2tp_ac_pppoe driver wants a value for peer session ID
// in the netlink route commands, but doesn't actually do anything with
// it.  Send zero to make it happy.
func (conn *acpppoeNLConn) addACRoute(route *nlacpppoe.Route) error {
	r := *route
	r.L2TPPeerSessionID = 0
	return conn.c.AddRoute(&r)
}

func (conn *acpppoeNLConn) delACRoute(route *nlacpppoe.Route) error {
	r := *route
	r.L2TPPeerSessionID = 0
	return conn.c.DelRoute(&r)
}

func (conn *acpppoeNLConn) close() {
	conn.c.Close()
}
