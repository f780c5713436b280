package nlacpppoe

// Generic netlink family of the l2tp_ac_pppoe kernel module.
const (
	GenlName    = "l2tp_ac_pppoe"
	GenlVersion = 0x1
)

// Commands.
const (
	CmdNoop = iota
	CmdAdd
	CmdDel
	CmdGet
)

// Attributes.
const (
	AttrNone = iota
	AttrL2TPTunnelId
	AttrL2TPSessionId
	AttrL2TPPeerSessionId
	AttrPPPoESessionId
	AttrPPPoEIfname
)
