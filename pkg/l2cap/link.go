package l2cap

// Link is one physical ACL or LE connection to a peer.
type Link interface {
	// Send hands a complete L2CAP PDU to the controller. flushable reports
	// whether the controller may flush the PDU under congestion.
	Send(pdu []byte, flushable bool) error
	// SecurityCheck reports whether the link already satisfies level. When
	// it does not, the link starts authentication or encryption and reports
	// the outcome through Stack.EncryptionChanged.
	SecurityCheck(level SecurityLevel, auth AuthType) bool
	Type() LinkType
	// MTU is the largest L2CAP PDU the link carries after reassembly.
	MTU() int
	LocalAddr() BDAddr
	RemoteAddr() BDAddr
	// Outgoing reports whether this side initiated the link.
	Outgoing() bool
}

// ConnParamUpdater is implemented by LE links that can apply a connection
// parameter update requested by the peripheral.
type ConnParamUpdater interface {
	IsCentral() bool
	UpdateConnParams(intervalMin, intervalMax, latency, timeout uint16) error
}

// Dialer establishes, or returns an existing, link to a peer.
type Dialer interface {
	Dial(addr BDAddr, t LinkType, level SecurityLevel, auth AuthType) (Link, error)
}

// ChannelOps is implemented by the owner of a channel. Methods are called
// while the channel is held and must not call back into it synchronously,
// except Close which is delivered after the channel is released.
type ChannelOps interface {
	// NewConnection returns a fresh channel, created with Stack.NewChannel,
	// for an incoming connection to a listening channel. A nil return
	// refuses the connection.
	NewConnection() *Channel
	// Recv takes ownership of one reassembled SDU. An error tells the
	// channel the owner is out of buffer space; a connection-oriented
	// channel then enters local busy and redelivers sdu once the owner
	// calls SetBusy(false).
	Recv(sdu []byte) error
	StateChange(state State, err error)
	Close(err error)
}
