package main

import (
	"github.com/katalix/go-pppoe/internal/nlacpppoe"
)

type acNetlink interface {
	Dial() (acNetlinkConn, error)
}

type acNetlinkConn interface {
	addACRoute(route *nlacpppoe.Route) error
	delACRoute(route *nlacpppoe.Route) error
	close()
}
