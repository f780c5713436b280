package pppoe

import (
	"bytes"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type readStep struct {
	frame []byte
	err   error
}

// scriptedReader plays back a list of read results, then reports the
// socket closed.  If repeat is set the last step is played forever.
type scriptedReader struct {
	mutex  sync.Mutex
	steps  []readStep
	repeat bool
	reads  int
}

func (r *scriptedReader) Read(b []byte) (int, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.reads++
	if len(r.steps) == 0 {
		return 0, os.ErrClosed
	}
	step := r.steps[0]
	if !r.repeat || len(r.steps) > 1 {
		r.steps = r.steps[1:]
	}
	if step.err != nil {
		return 0, step.err
	}
	return copy(b, step.frame), nil
}

func newTestLinkConn(logBuf *bytes.Buffer) *LinkConn {
	return &LinkConn{
		logger:    log.NewLogfmtLogger(log.NewSyncWriter(logBuf)),
		socks:     make(map[EtherType]*os.File),
		closeChan: make(chan interface{}),
	}
}

func encodeEthernet(t *testing.T, src, dst HWAddr, etherType EtherType, payload []byte) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr(src[:]),
		DstMAC:       net.HardwareAddr(dst[:]),
		EthernetType: layers.EthernetType(etherType),
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(payload)))
	return buf.Bytes()
}

func TestLinkConnReadErrorBackoff(t *testing.T) {
	padi, err := NewPADI("isp")
	require.NoError(t, err)
	payload, err := padi.ToBytes()
	require.NoError(t, err)

	var logBuf bytes.Buffer
	c := newTestLinkConn(&logBuf)

	type received struct {
		etherType EtherType
		frame     []byte
		src       HWAddr
	}
	got := make(chan received, 4)
	c.SetReceiver(func(etherType EtherType, frame []byte, src HWAddr) {
		got <- received{etherType, frame, src}
	})

	r := &scriptedReader{
		steps: []readStep{
			{err: unix.ENETDOWN},
			{err: unix.ENETDOWN},
			{err: unix.ENETDOWN},
			{frame: encodeEthernet(t, addrRaw, BroadcastHWAddr, EtherTypeDiscovery, payload)},
		},
	}

	start := time.Now()
	c.wg.Add(1)
	go c.runReader(EtherTypeDiscovery, r)
	c.wg.Wait()

	// 10ms, 20ms then 40ms between the failed reads
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
	assert.Equal(t, 3, strings.Count(logBuf.String(), "socket read failed"))
	assert.Contains(t, logBuf.String(), unix.ENETDOWN.Error())

	select {
	case rx := <-got:
		assert.Equal(t, EtherTypeDiscovery, rx.etherType)
		assert.Equal(t, payload, rx.frame)
		assert.Equal(t, addrRaw, rx.src)
	default:
		t.Fatalf("frame read after errors was not delivered")
	}
}

func TestLinkConnReadErrorClose(t *testing.T) {
	var logBuf bytes.Buffer
	c := newTestLinkConn(&logBuf)

	r := &scriptedReader{
		steps:  []readStep{{err: unix.ENETDOWN}},
		repeat: true,
	}
	c.wg.Add(1)
	go c.runReader(EtherTypeDiscovery, r)

	time.Sleep(100 * time.Millisecond)

	closed := make(chan interface{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("reader did not stop on close")
	}

	// a persistent error must not spin the reader
	assert.Less(t, r.reads, 10)
}

func TestLinkConnDropsForeignEtherType(t *testing.T) {
	var logBuf bytes.Buffer
	c := newTestLinkConn(&logBuf)

	delivered := 0
	c.SetReceiver(func(etherType EtherType, frame []byte, src HWAddr) {
		delivered++
	})

	r := &scriptedReader{
		steps: []readStep{
			{frame: encodeEthernet(t, addrRaw, addrAC, EtherTypeSession, []byte{0x11, 0x00, 0x00, 0x01, 0x00, 0x00})},
			{frame: []byte{0x01, 0x02}},
		},
	}
	c.wg.Add(1)
	go c.runReader(EtherTypeDiscovery, r)
	c.wg.Wait()

	assert.Equal(t, 0, delivered)
	assert.Empty(t, logBuf.String())
}
