package hci

import (
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/muxable/l2cap/pkg/l2cap"
	"go.uber.org/zap/zaptest"
)

var controllerAddr = BDAddr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}

// fakeController answers commands the way a controller would and records
// the ACL data the host writes.
type fakeController struct {
	t *testing.T

	rx     chan []byte
	acl    chan *ACLDataPacket
	cmds   chan Opcode
	closed chan struct{}
	once   sync.Once

	aclMTU, aclBuffers uint16
	leMTU              uint16
	leBuffers          uint8

	// Set before the commands are issued.
	status map[Opcode]uint8
	silent map[Opcode]bool
}

func newFakeController(t *testing.T) *fakeController {
	return &fakeController{
		t:          t,
		rx:         make(chan []byte, 64),
		acl:        make(chan *ACLDataPacket, 64),
		cmds:       make(chan Opcode, 64),
		closed:     make(chan struct{}),
		aclMTU:     1021,
		aclBuffers: 8,
		leMTU:      27,
		leBuffers:  2,
		status:     make(map[Opcode]uint8),
		silent:     make(map[Opcode]bool),
	}
}

func (f *fakeController) Read(p []byte) (int, error) {
	select {
	case b := <-f.rx:
		return copy(p, b), nil
	case <-f.closed:
		return 0, io.EOF
	}
}

func (f *fakeController) Write(p []byte) (int, error) {
	b := append([]byte(nil), p...)
	switch PacketType(b[0]) {
	case PacketTypeACLData:
		a := &ACLDataPacket{}
		if err := a.Unmarshal(b); err != nil {
			f.t.Errorf("host wrote bad acl packet: %v", err)
			return 0, err
		}
		f.acl <- a
	case PacketTypeCommand:
		op := Opcode(binary.LittleEndian.Uint16(b[1:]))
		f.cmds <- op
		f.answer(op)
	}
	return len(p), nil
}

func (f *fakeController) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeController) answer(op Opcode) {
	if f.silent[op] {
		return
	}
	switch op {
	case OpcodeCreateConnection, OpcodeDisconnect, OpcodeAcceptConnectionRequest,
		OpcodeSetConnectionEncryption, OpcodeLECreateConnection, OpcodeLEConnectionUpdate:
		f.event(&CommandStatusEventPacket{Status: f.status[op], NumCommandPackets: 1, CommandOpcode: op})
		return
	}
	ret := []byte{f.status[op]}
	switch op {
	case OpcodeReadBDAddr:
		ret = append(ret, controllerAddr[:]...)
	case OpcodeReadBufferSize:
		b := make([]byte, 7)
		binary.LittleEndian.PutUint16(b[0:], f.aclMTU)
		binary.LittleEndian.PutUint16(b[3:], f.aclBuffers)
		ret = append(ret, b...)
	case OpcodeLEReadBufferSize:
		b := make([]byte, 3)
		binary.LittleEndian.PutUint16(b[0:], f.leMTU)
		b[2] = f.leBuffers
		ret = append(ret, b...)
	}
	f.event(&CommandCompleteEventPacket{NumCommandPackets: 1, CommandOpcode: op, ReturnParameters: ret})
}

// event delivers a packet to the host.
func (f *fakeController) event(p Packet) {
	b, err := p.Marshal()
	if err != nil {
		f.t.Errorf("marshal %T: %v", p, err)
		return
	}
	f.rx <- b
}

func (f *fakeController) nextACL(t *testing.T) *ACLDataPacket {
	t.Helper()
	select {
	case p := <-f.acl:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no acl packet written")
		return nil
	}
}

type linkEvent struct {
	Kind    string
	Handle  uint16
	Payload []byte
	Start   bool
	Status  uint8
	Err     error
}

// recordingHandler records link events in the order they are delivered.
type recordingHandler struct {
	events chan linkEvent
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{events: make(chan linkEvent, 64)}
}

func (h *recordingHandler) LinkUp(link l2cap.Link) *l2cap.Conn {
	h.events <- linkEvent{Kind: "up", Handle: link.(*Link).Handle()}
	return nil
}

func (h *recordingHandler) LinkDown(link l2cap.Link, err error) {
	h.events <- linkEvent{Kind: "down", Handle: link.(*Link).Handle(), Err: err}
}

func (h *recordingHandler) Recv(link l2cap.Link, frag []byte, start bool) error {
	h.events <- linkEvent{Kind: "recv", Handle: link.(*Link).Handle(), Payload: frag, Start: start}
	return nil
}

func (h *recordingHandler) EncryptionChanged(link l2cap.Link, status uint8, encrypt bool) {
	h.events <- linkEvent{Kind: "encrypt", Handle: link.(*Link).Handle(), Status: status}
}

func (h *recordingHandler) next(t *testing.T) linkEvent {
	t.Helper()
	select {
	case e := <-h.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no link event")
		return linkEvent{}
	}
}

// newTestAdapter returns an initialized adapter on a fake controller.
func newTestAdapter(t *testing.T) (*Adapter, *fakeController, *recordingHandler) {
	t.Helper()
	fc := newFakeController(t)
	a := NewAdapter(fc, WithLogger(zaptest.NewLogger(t)), WithCommandTimeout(2*time.Second))
	h := newRecordingHandler()
	a.SetHandler(h)
	if err := a.Init(); err != nil {
		t.Fatalf("Init() = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, fc, h
}
