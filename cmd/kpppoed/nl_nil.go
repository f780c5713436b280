package main

import (
	"github.com/katalix/go-pppoe/internal/nlacpppoe"
)

var _ acNetlink = (*nilNL)(nil)
var _ acNetlinkConn = (*nilNLConn)(nil)

type nilNL struct {
}

type nilNLConn struct {
}

func (nl *nilNL) Dial() (acNetlinkConn, error) {
	return &nilNLConn{}, nil
}

func (conn *nilNLConn) addACRoute(route *nlacpppoe.Route) error {
	return nil
}

func (conn *nilNLConn) delACRoute(route *nlacpppoe.Route) error {
	return nil
}

func (conn *nilNLConn) close() {
}
