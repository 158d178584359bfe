package hci

import (
	"io"
	"sync"

	"github.com/muxable/l2cap/pkg/l2cap"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Link is one ACL or LE connection. It carries L2CAP PDUs as ACL data
// packets and reports its events through the adapter's LinkHandler.
type Link struct {
	a       *Adapter
	handle  uint16
	typ     l2cap.LinkType
	local   BDAddr
	remote  BDAddr
	central bool
	pool    *credits
	exec    *executor
	logger  *zap.Logger

	// Serializes the fragments of one PDU.
	sendMu sync.Mutex

	encrypted atomic.Bool
	closed    atomic.Bool
}

var (
	_ l2cap.Link             = (*Link)(nil)
	_ l2cap.ConnParamUpdater = (*Link)(nil)
	_ io.Closer              = (*Link)(nil)
)

func newLink(a *Adapter, handle uint16, t l2cap.LinkType, local, remote BDAddr, central, encrypted bool, pool *credits) *Link {
	l := &Link{
		a:       a,
		handle:  handle,
		typ:     t,
		local:   local,
		remote:  remote,
		central: central,
		pool:    pool,
		exec:    newExecutor(),
		logger:  a.logger.With(zap.Uint16("handle", handle), zap.Stringer("addr", remote)),
	}
	l.encrypted.Store(encrypted)
	return l
}

func (l *Link) Handle() uint16 { return l.handle }

func (l *Link) Type() l2cap.LinkType { return l.typ }

// MTU is the controller's data packet length. Links never carry a PDU larger
// than this as a single fragment, so it bounds the PDU size L2CAP plans for.
func (l *Link) MTU() int { return l.pool.size() }

func (l *Link) LocalAddr() l2cap.BDAddr  { return l.local.toL2CAP() }
func (l *Link) RemoteAddr() l2cap.BDAddr { return l.remote.toL2CAP() }
func (l *Link) Outgoing() bool           { return l.central }
func (l *Link) IsCentral() bool          { return l.central }

// Send fragments pdu into ACL data packets no larger than the controller
// buffers. LE links only carry non-flushable packets.
func (l *Link) Send(pdu []byte, flushable bool) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	pb := PacketBoundaryStartNonFlushable
	if flushable && l.typ == l2cap.LinkTypeACL {
		pb = PacketBoundaryStartFlushable
	}
	mtu := l.pool.size()
	for i := 0; i < len(pdu); i += mtu {
		j := min(i+mtu, len(pdu))
		if err := l.pool.acquire(l.handle, l.closed.Load); err != nil {
			return err
		}
		p := &ACLDataPacket{
			ConnectionHandle:   l.handle,
			PacketBoundaryFlag: pb,
			Payload:            pdu[i:j],
		}
		if err := l.a.writePacket(p); err != nil {
			l.pool.refund(l.handle)
			return err
		}
		pb = PacketBoundaryContinuation
	}
	return nil
}

// SecurityCheck reports whether the link is encrypted enough for level. An
// unencrypted BR/EDR link starts encryption; the result arrives as an
// encryption change event. LE links cannot be encrypted without pairing, so
// the check fails at once.
func (l *Link) SecurityCheck(level l2cap.SecurityLevel, auth l2cap.AuthType) bool {
	if level <= l2cap.SecurityLow || l.encrypted.Load() {
		return true
	}
	if l.typ == l2cap.LinkTypeLE {
		l.post(func(h LinkHandler) { h.EncryptionChanged(l, StatusAuthenticationFailure, false) })
		return false
	}
	go func() {
		if err := l.a.SetConnectionEncryption(l.handle, true); err != nil {
			l.logger.Warn("set connection encryption failed", zap.Error(err))
			l.post(func(h LinkHandler) { h.EncryptionChanged(l, StatusPinOrKeyMissing, false) })
		}
	}()
	return false
}

// UpdateConnParams applies new LE connection parameters. Only the central
// can.
func (l *Link) UpdateConnParams(intervalMin, intervalMax, latency, timeout uint16) error {
	return l.a.LEConnectionUpdate(l.handle, ConnectionParameters{
		IntervalMin:        intervalMin,
		IntervalMax:        intervalMax,
		Latency:            latency,
		SupervisionTimeout: timeout,
	})
}

// Close asks the controller to disconnect. The link goes down when the
// disconnection completes.
func (l *Link) Close() error {
	if l.closed.Load() {
		return nil
	}
	return l.a.Disconnect(l.handle, StatusRemoteUserTerminated)
}

// post queues fn for the handler on the link's executor.
func (l *Link) post(fn func(LinkHandler)) {
	l.exec.post(func() {
		if h := l.a.linkHandler(); h != nil {
			fn(h)
		}
	})
}

func (l *Link) recv(frag []byte, start bool) {
	l.post(func(h LinkHandler) {
		if err := h.Recv(l, frag, start); err != nil {
			l.logger.Debug("dropping data", zap.Error(err))
		}
	})
}

func (l *Link) encryptionChanged(status uint8, encrypt bool) {
	if status == StatusSuccess {
		l.encrypted.Store(encrypt)
	}
	l.post(func(h LinkHandler) { h.EncryptionChanged(l, status, encrypt) })
}

// down marks the link gone, releases its controller buffers and reports it
// after any traffic already queued.
func (l *Link) down(err error) {
	if !l.closed.CAS(false, true) {
		return
	}
	l.pool.drop(l.handle)
	l.post(func(h LinkHandler) { h.LinkDown(l, err) })
	l.exec.close()
}
