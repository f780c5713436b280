package pppoe

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/sys/unix"
)

// LinkConn is a LinkTransport running over AF_PACKET sockets bound to a
// Linux network interface.  One socket is opened for each of the PPPoE
// Ethernet types.
type LinkConn struct {
	logger log.Logger
	iface  *net.Interface
	hwAddr HWAddr
	socks  map[EtherType]*os.File

	mutex     sync.Mutex
	receiver  ReceiveFunc
	closeChan chan interface{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Socket read errors are retried after a delay which doubles on each
// consecutive failure.
const (
	linkReadBackoffMin = 10 * time.Millisecond
	linkReadBackoffMax = time.Second
)

// htons converts an Ethernet type to network byte order as expected by
// the AF_PACKET socket calls.
func htons(et EtherType) uint16 {
	return uint16(et)<<8 | uint16(et)>>8
}

func newRawSocket(protocol int) (fd int, err error) {

	// raw socket since we want to read/write link-level packets
	fd, err = unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, protocol)
	if err != nil {
		return -1, fmt.Errorf("socket: %v", err)
	}

	// make the socket nonblocking so we can use it with the runtime poller
	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to set socket nonblocking: %v", err)
	}

	// set the socket CLOEXEC to prevent passing it to child processes
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("fcntl(F_GETFD): %v", err)
	}

	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags|unix.FD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("fcntl(F_SETFD, FD_CLOEXEC): %v", err)
	}

	// allow broadcast
	err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt(SO_BROADCAST): %v", err)
	}

	return
}

func openLinkSocket(iface *net.Interface, etherType EtherType) (*os.File, error) {
	fd, err := newRawSocket(int(htons(etherType)))
	if err != nil {
		return nil, fmt.Errorf("failed to create raw socket: %v", err)
	}

	// bind to the interface specified
	sa := unix.SockaddrLinklayer{
		Protocol: htons(etherType),
		Ifindex:  iface.Index,
	}
	err = unix.Bind(fd, &sa)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind socket: %v", err)
	}

	// register the socket with the runtime
	return os.NewFile(uintptr(fd), fmt.Sprintf("pppoe-%04x", uint16(etherType))), nil
}

// NewLinkConnection creates a LinkTransport on the named interface.
//
// Opening AF_PACKET sockets requires CAP_NET_RAW.  To disable logging
// of socket errors, pass in a nil logger.
func NewLinkConnection(ifname string, logger log.Logger) (conn *LinkConn, err error) {

	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain details of interface \"%s\": %v", ifname, err)
	}
	if len(iface.HardwareAddr) != len(HWAddr{}) {
		return nil, fmt.Errorf("interface \"%s\" has no Ethernet hardware address", ifname)
	}

	if logger == nil {
		logger = log.NewNopLogger()
	}

	conn = &LinkConn{
		logger:    log.With(logger, "interface", ifname),
		iface:     iface,
		socks:     make(map[EtherType]*os.File),
		closeChan: make(chan interface{}),
	}
	copy(conn.hwAddr[:], iface.HardwareAddr)

	for _, et := range []EtherType{EtherTypeDiscovery, EtherTypeSession} {
		file, err := openLinkSocket(iface, et)
		if err != nil {
			conn.Close()
			return nil, err
		}
		conn.socks[et] = file
	}

	for et, file := range conn.socks {
		conn.wg.Add(1)
		go conn.runReader(et, file)
	}

	return conn, nil
}

func (c *LinkConn) runReader(etherType EtherType, r io.Reader) {
	defer c.wg.Done()

	b := make([]byte, 65535)
	delay := time.Duration(0)
	for {
		n, err := r.Read(b)
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return
			}
			if delay == 0 {
				delay = linkReadBackoffMin
			} else if delay *= 2; delay > linkReadBackoffMax {
				delay = linkReadBackoffMax
			}
			level.Error(c.logger).Log(
				"message", "socket read failed",
				"ethertype", fmt.Sprintf("0x%04x", uint16(etherType)),
				"retry_in", delay,
				"error", err)
			select {
			case <-c.closeChan:
				return
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		var eth layers.Ethernet
		err = eth.DecodeFromBytes(b[:n], gopacket.NilDecodeFeedback)
		if err != nil || EtherType(eth.EthernetType) != etherType {
			continue
		}

		var src HWAddr
		copy(src[:], eth.SrcMAC)

		c.mutex.Lock()
		fn := c.receiver
		c.mutex.Unlock()
		if fn != nil {
			fn(etherType, append([]byte(nil), eth.Payload...), src)
		}
	}
}

// HWAddr implements LinkTransport.
func (c *LinkConn) HWAddr() HWAddr {
	return c.hwAddr
}

// SetReceiver implements LinkTransport.
func (c *LinkConn) SetReceiver(fn ReceiveFunc) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.receiver = fn
}

// Send implements LinkTransport.
func (c *LinkConn) Send(etherType EtherType, frame []byte, dst HWAddr) error {
	file, ok := c.socks[etherType]
	if !ok {
		return fmt.Errorf("no socket for ethernet type 0x%04x", uint16(etherType))
	}

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr(c.hwAddr[:]),
		DstMAC:       net.HardwareAddr(dst[:]),
		EthernetType: layers.EthernetType(etherType),
	}
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(frame))
	if err != nil {
		return fmt.Errorf("failed to build ethernet frame: %v", err)
	}

	_, err = file.Write(buf.Bytes())
	return err
}

// Close implements LinkTransport.
func (c *LinkConn) Close() (err error) {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		for _, file := range c.socks {
			if cerr := file.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	c.wg.Wait()
	return
}
