package hci

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/muxable/l2cap/pkg/l2cap"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	ErrCommandFailed = errors.New("command failed")
	ErrClosed        = errors.New("adapter closed")
)

const (
	defaultCommandTimeout = 5 * time.Second
	defaultDialTimeout    = 20 * time.Second

	// Buffer sizes assumed until the controller is asked.
	defaultACLMTU = 1021
	defaultLEMTU  = 27
)

// LinkHandler receives the traffic and state changes of links. It is
// implemented by *l2cap.Stack. Calls for one link are serialized.
type LinkHandler interface {
	LinkUp(link l2cap.Link) *l2cap.Conn
	LinkDown(link l2cap.Link, err error)
	Recv(link l2cap.Link, frag []byte, start bool) error
	EncryptionChanged(link l2cap.Link, status uint8, encrypt bool)
}

type Option func(*Adapter)

func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithCommandTimeout bounds how long a command waits for its completion.
func WithCommandTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.commandTimeout = d }
}

// WithDialTimeout bounds how long Dial waits for a connection complete event.
func WithDialTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.dialTimeout = d }
}

type dialKey struct {
	addr BDAddr
	typ  l2cap.LinkType
}

type dialResult struct {
	link *Link
	err  error
}

// Adapter drives a controller over a HCI transport. It turns connection
// events into Links and forwards their traffic to a LinkHandler.
type Adapter struct {
	rw     io.ReadWriteCloser
	logger *zap.Logger

	commandTimeout time.Duration
	dialTimeout    time.Duration

	onPacketLock sync.Mutex
	onPacket     map[string]func(Packet)

	// One command is outstanding at a time.
	cmdMu sync.Mutex

	acl *credits
	le  *credits

	mu      sync.Mutex
	handler LinkHandler
	addr    BDAddr
	links   map[uint16]*Link
	dials   map[dialKey][]chan dialResult
	err     error

	closing atomic.Bool
	done    chan struct{}
}

var _ l2cap.Dialer = (*Adapter)(nil)

// NewAdapter starts reading packets from rw, usually a *Socket.
func NewAdapter(rw io.ReadWriteCloser, opts ...Option) *Adapter {
	a := &Adapter{
		rw:             rw,
		logger:         zap.L(),
		commandTimeout: defaultCommandTimeout,
		dialTimeout:    defaultDialTimeout,
		onPacket:       make(map[string]func(Packet)),
		acl:            newCredits(defaultACLMTU),
		le:             newCredits(defaultLEMTU),
		links:          make(map[uint16]*Link),
		dials:          make(map[dialKey][]chan dialResult),
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	a.logger = a.logger.Named("hci")
	go a.loop()
	return a
}

// SetHandler sets where link events go. Links that come up before a handler
// is set are not reported.
func (a *Adapter) SetHandler(h LinkHandler) {
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()
}

func (a *Adapter) linkHandler() LinkHandler {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handler
}

// Addr is the controller's public address, known after ReadBDAddr.
func (a *Adapter) Addr() BDAddr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Init resets the controller and prepares it to carry L2CAP traffic.
func (a *Adapter) Init() error {
	if err := a.Reset(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if _, err := a.ReadBDAddr(); err != nil {
		return fmt.Errorf("read bdaddr: %w", err)
	}
	if err := a.SetEventMask(
		EventMaskConnectionCompleteEvent |
			EventMaskConnectionRequestEvent |
			EventMaskDisconnectionCompleteEvent |
			EventMaskEncryptionChangeEvent |
			EventMaskHardwareErrorEvent |
			EventMaskEncryptionKeyRefreshCompleteEvent |
			EventMaskLEMetaEvent); err != nil {
		return fmt.Errorf("set event mask: %w", err)
	}
	if err := a.LESetEventMask(
		LEEventMaskConnectionCompleteEvent |
			LEEventMaskConnectionUpdateCompleteEvent); err != nil {
		return fmt.Errorf("le set event mask: %w", err)
	}
	if _, err := a.ReadBufferSize(); err != nil {
		a.logger.Warn("controller has no BR/EDR buffers", zap.Error(err))
	}
	if _, err := a.LEReadBufferSize(); err != nil {
		return fmt.Errorf("le read buffer size: %w", err)
	}
	return nil
}

type hexdump []byte

func (h hexdump) String() string { return hex.EncodeToString(h) }

func (a *Adapter) loop() {
	buf := make([]byte, math.MaxUint16)
	for {
		n, err := a.rw.Read(buf)
		if err != nil {
			a.shutdown(err)
			return
		}
		pkt := append([]byte(nil), buf[:n]...)
		a.logger.Debug("bluetooth reading", zap.Stringer("packet", hexdump(pkt)))
		p, err := Unmarshal(pkt)
		if err != nil {
			if !errors.Is(err, ErrUnsupportedPacket) {
				a.logger.Warn("dropping malformed packet", zap.Error(err), zap.Stringer("packet", hexdump(pkt)))
			}
			continue
		}
		a.dispatch(p)
		a.onPacketLock.Lock()
		for _, cb := range a.onPacket {
			go cb(p)
		}
		a.onPacketLock.Unlock()
	}
}

func (a *Adapter) dispatch(p Packet) {
	switch p := p.(type) {
	case *ACLDataPacket:
		l := a.link(p.ConnectionHandle)
		if l == nil {
			a.logger.Debug("data for unknown handle", zap.Uint16("handle", p.ConnectionHandle))
			return
		}
		l.recv(p.Payload, p.Start())
	case *NumberOfCompletedPacketsEventPacket:
		for i, h := range p.ConnectionHandles {
			a.creditsFor(h).complete(h, int(p.NumCompletedPackets[i]))
		}
	case *ConnectionRequestEventPacket:
		if p.LinkKind != LinkKindACL {
			return
		}
		addr := p.Address
		go func() {
			if err := a.AcceptConnectionRequest(addr); err != nil {
				a.logger.Warn("accept connection failed", zap.Stringer("addr", addr), zap.Error(err))
			}
		}()
	case *ConnectionCompleteEventPacket:
		if p.LinkKind != LinkKindACL {
			return
		}
		a.connected(p.Status, p.ConnectionHandle, p.Address, l2cap.LinkTypeACL, false, p.EncryptionEnabled)
	case *LEConnectionCompleteEventPacket:
		a.connected(p.Status, p.ConnectionHandle, p.PeerAddress, l2cap.LinkTypeLE, p.Role == RoleCentral, false)
	case *DisconnectionCompleteEventPacket:
		if p.Status != StatusSuccess {
			return
		}
		a.disconnected(p.ConnectionHandle, p.Reason)
	case *EncryptionChangeEventPacket:
		if l := a.link(p.ConnectionHandle); l != nil {
			l.encryptionChanged(p.Status, p.EncryptionEnabled != 0)
		}
	}
}

func (a *Adapter) link(handle uint16) *Link {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.links[handle]
}

func (a *Adapter) creditsFor(handle uint16) *credits {
	if l := a.link(handle); l != nil {
		return l.pool
	}
	return a.acl
}

func (a *Adapter) connected(status uint8, handle uint16, peer BDAddr, t l2cap.LinkType, central, encrypted bool) {
	key := dialKey{peer, t}
	a.mu.Lock()
	waiters := a.dials[key]
	delete(a.dials, key)
	if status != StatusSuccess {
		a.mu.Unlock()
		err := StatusError(status)
		a.logger.Info("connection failed", zap.Stringer("addr", peer), zap.Error(err))
		for _, w := range waiters {
			w <- dialResult{err: err}
		}
		return
	}
	if t == l2cap.LinkTypeACL {
		central = len(waiters) > 0
	}
	pool := a.acl
	if t == l2cap.LinkTypeLE {
		pool = a.le
	}
	l := newLink(a, handle, t, a.addr, peer, central, encrypted, pool)
	a.links[handle] = l
	a.mu.Unlock()

	a.logger.Info("connected",
		zap.Uint16("handle", handle),
		zap.Stringer("addr", peer),
		zap.Bool("central", central))
	l.post(func(h LinkHandler) { h.LinkUp(l) })
	for _, w := range waiters {
		w <- dialResult{link: l}
	}
}

func (a *Adapter) disconnected(handle uint16, reason uint8) {
	a.mu.Lock()
	l, ok := a.links[handle]
	delete(a.links, handle)
	a.mu.Unlock()
	if !ok {
		return
	}
	err := StatusError(reason)
	a.logger.Info("disconnected", zap.Uint16("handle", handle), zap.Error(err))
	l.down(err)
}

func (a *Adapter) shutdown(err error) {
	a.mu.Lock()
	links := a.links
	a.links = make(map[uint16]*Link)
	dials := a.dials
	a.dials = make(map[dialKey][]chan dialResult)
	a.err = err
	a.mu.Unlock()

	for _, l := range links {
		l.down(unix.ECONNABORTED)
	}
	a.acl.close()
	a.le.close()
	for _, waiters := range dials {
		for _, w := range waiters {
			w <- dialResult{err: ErrClosed}
		}
	}
	if !a.closing.Load() {
		a.logger.Error("transport failed", zap.Error(err))
	}
	close(a.done)
}

// Close closes the transport and takes every link down.
func (a *Adapter) Close() error {
	if !a.closing.CAS(false, true) {
		return ErrClosed
	}
	err := a.rw.Close()
	<-a.done
	return err
}

// Done is closed once the adapter stops reading from its transport.
func (a *Adapter) Done() <-chan struct{} { return a.done }

// Wait blocks until the adapter stops and returns the transport error that
// stopped it, or nil after Close.
func (a *Adapter) Wait() error {
	<-a.done
	if a.closing.Load() {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// subscribe registers cb for every packet read until the returned func is
// called.
func (a *Adapter) subscribe(cb func(Packet)) func() {
	id := uuid.NewString()
	a.onPacketLock.Lock()
	a.onPacket[id] = cb
	a.onPacketLock.Unlock()
	return func() {
		a.onPacketLock.Lock()
		delete(a.onPacket, id)
		a.onPacketLock.Unlock()
	}
}

func (a *Adapter) writePacket(p Packet) error {
	buf, err := p.Marshal()
	if err != nil {
		return err
	}
	a.logger.Debug("bluetooth writing", zap.Stringer("packet", hexdump(buf)))
	_, err = a.rw.Write(buf)
	return err
}

// op sends a command and returns the return parameters of its command
// complete event, or the status of its command status event. The first byte
// is the status either way.
func (a *Adapter) op(p CommandPacket) ([]byte, error) {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	opcode := p.Opcode()
	done := make(chan []byte, 1)
	cancel := a.subscribe(func(q Packet) {
		var buf []byte
		switch q := q.(type) {
		case *CommandCompleteEventPacket:
			if q.CommandOpcode != opcode {
				return
			}
			buf = q.ReturnParameters
		case *CommandStatusEventPacket:
			if q.CommandOpcode != opcode {
				return
			}
			buf = []byte{q.Status}
		default:
			return
		}
		select {
		case done <- buf:
		default:
		}
	})
	defer cancel()

	if err := a.writePacket(p); err != nil {
		return nil, err
	}
	timer := time.NewTimer(a.commandTimeout)
	defer timer.Stop()
	select {
	case buf := <-done:
		if len(buf) == 0 {
			return nil, io.ErrShortBuffer
		}
		return buf, nil
	case <-timer.C:
		return nil, fmt.Errorf("opcode %#04x: %w", uint16(opcode), unix.ETIMEDOUT)
	case <-a.done:
		return nil, ErrClosed
	}
}

// exec runs a command that returns only a status.
func (a *Adapter) exec(p CommandPacket) error {
	buf, err := a.op(p)
	if err != nil {
		return err
	}
	if buf[0] != StatusSuccess {
		return fmt.Errorf("%w: opcode %#04x status %#02x", ErrCommandFailed, uint16(p.Opcode()), buf[0])
	}
	return nil
}

// query runs a command and checks that at least n return parameters follow
// the status.
func (a *Adapter) query(p CommandPacket, n int) ([]byte, error) {
	buf, err := a.op(p)
	if err != nil {
		return nil, err
	}
	if buf[0] != StatusSuccess {
		return nil, fmt.Errorf("%w: opcode %#04x status %#02x", ErrCommandFailed, uint16(p.Opcode()), buf[0])
	}
	if len(buf) < n+1 {
		return nil, io.ErrShortBuffer
	}
	return buf[1:], nil
}

func (a *Adapter) Reset() error {
	return a.exec(NewGenericCommandPacket(OpcodeReset))
}

func (a *Adapter) ReadBDAddr() (BDAddr, error) {
	var addr BDAddr
	buf, err := a.query(NewGenericCommandPacket(OpcodeReadBDAddr), 6)
	if err != nil {
		return addr, err
	}
	copy(addr[:], buf)
	a.mu.Lock()
	a.addr = addr
	a.mu.Unlock()
	return addr, nil
}

func (a *Adapter) ClearFilterAcceptList() error {
	return a.exec(NewGenericCommandPacket(OpcodeClearFilterAcceptList))
}

func (a *Adapter) ReadFilterAcceptListSize() (uint8, error) {
	buf, err := a.query(NewGenericCommandPacket(OpcodeReadFilterAcceptListSize), 1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

type ReadBufferSizeResponse struct {
	ACLDataPacketLength            uint16
	SynchronousDataPacketLength    uint8
	TotalNumACLDataPackets         uint16
	TotalNumSynchronousDataPackets uint16
}

// ReadBufferSize reads the BR/EDR buffers and sizes ACL fragments by them.
func (a *Adapter) ReadBufferSize() (*ReadBufferSizeResponse, error) {
	buf, err := a.query(NewGenericCommandPacket(OpcodeReadBufferSize), 7)
	if err != nil {
		return nil, err
	}
	r := &ReadBufferSizeResponse{
		ACLDataPacketLength:            binary.LittleEndian.Uint16(buf[0:2]),
		SynchronousDataPacketLength:    buf[2],
		TotalNumACLDataPackets:         binary.LittleEndian.Uint16(buf[3:5]),
		TotalNumSynchronousDataPackets: binary.LittleEndian.Uint16(buf[5:7]),
	}
	a.acl.reset(int(r.ACLDataPacketLength), int(r.TotalNumACLDataPackets))
	return r, nil
}

type LEReadBufferSizeResponse struct {
	LEACLDataPacketLength    uint16
	TotalNumLEACLDataPackets uint8
	ISODataPacketLength      uint16
	TotalNumISODataPackets   uint8
}

// LEReadBufferSize reads the LE buffers. A controller without dedicated LE
// buffers shares the BR/EDR ones.
func (a *Adapter) LEReadBufferSize() (*LEReadBufferSizeResponse, error) {
	buf, err := a.query(NewGenericCommandPacket(OpcodeLEReadBufferSize), 3)
	if err != nil {
		return nil, err
	}
	r := &LEReadBufferSizeResponse{
		LEACLDataPacketLength:    binary.LittleEndian.Uint16(buf[0:2]),
		TotalNumLEACLDataPackets: buf[2],
	}
	if len(buf) >= 6 {
		r.ISODataPacketLength = binary.LittleEndian.Uint16(buf[3:5])
		r.TotalNumISODataPackets = buf[5]
	}
	if r.LEACLDataPacketLength == 0 || r.TotalNumLEACLDataPackets == 0 {
		a.mu.Lock()
		a.le = a.acl
		a.mu.Unlock()
		return r, nil
	}
	a.le.reset(int(r.LEACLDataPacketLength), int(r.TotalNumLEACLDataPackets))
	return r, nil
}

type LESupportedStates uint64

func (a *Adapter) LEReadSupportedStates() (LESupportedStates, error) {
	buf, err := a.query(NewGenericCommandPacket(OpcodeLEReadSupportedStates), 8)
	if err != nil {
		return 0, err
	}
	return LESupportedStates(binary.LittleEndian.Uint64(buf[0:8])), nil
}

// Dial returns the link to addr, creating the connection when there is none.
func (a *Adapter) Dial(addr l2cap.BDAddr, t l2cap.LinkType, level l2cap.SecurityLevel, auth l2cap.AuthType) (l2cap.Link, error) {
	peer := BDAddr(addr)
	key := dialKey{peer, t}
	ch := make(chan dialResult, 1)

	a.mu.Lock()
	for _, l := range a.links {
		if l.remote == peer && l.typ == t {
			a.mu.Unlock()
			return l, nil
		}
	}
	first := len(a.dials[key]) == 0
	a.dials[key] = append(a.dials[key], ch)
	a.mu.Unlock()

	if first {
		var err error
		if t == l2cap.LinkTypeLE {
			err = a.LECreateConnection(peer, PeerAddressTypePublicDeviceAddress)
		} else {
			err = a.CreateConnection(peer)
		}
		if err != nil {
			a.failDials(key, err)
			return nil, err
		}
	}

	timer := time.NewTimer(a.dialTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.link, nil
	case <-timer.C:
		a.cancelDial(key, ch)
		return nil, unix.ETIMEDOUT
	case <-a.done:
		return nil, ErrClosed
	}
}

func (a *Adapter) failDials(key dialKey, err error) {
	a.mu.Lock()
	waiters := a.dials[key]
	delete(a.dials, key)
	a.mu.Unlock()
	for _, w := range waiters {
		w <- dialResult{err: err}
	}
}

func (a *Adapter) cancelDial(key dialKey, ch chan dialResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	waiters := a.dials[key]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(a.dials, key)
		return
	}
	a.dials[key] = waiters
}

// StatusError maps a HCI status or disconnection reason to the errno a
// channel is closed with.
func StatusError(status uint8) error {
	switch status {
	case StatusSuccess:
		return nil
	case StatusAuthenticationFailure, StatusPinOrKeyMissing:
		return unix.EACCES
	case StatusConnectionTimeout:
		return unix.ETIMEDOUT
	case StatusRemoteUserTerminated, StatusRemoteLowResources, StatusRemotePowerOff:
		return unix.ECONNRESET
	case StatusLocalHostTerminated:
		return unix.ECONNABORTED
	case StatusConnectionFailedToEstablish:
		return unix.ECONNREFUSED
	}
	return unix.EIO
}
