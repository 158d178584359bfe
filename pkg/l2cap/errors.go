package l2cap

import (
	"errors"

	"golang.org/x/sys/unix"
)

var (
	ErrNotConnected   = errors.New("channel not connected")
	ErrMessageTooLong = errors.New("sdu exceeds outgoing mtu")
	ErrInvalidState   = errors.New("operation not permitted in current state")
	ErrAddrInUse      = errors.New("psm already bound")
	ErrNoPSM          = errors.New("no free dynamic psm")
	ErrNoCID          = errors.New("no free channel id")
	ErrClosed         = errors.New("channel closed")
	ErrNoDialer       = errors.New("no link dialer configured")
	ErrInvalidPSM     = errors.New("invalid psm")

	// ErrBusy is returned by a ChannelOps.Recv implementation whose receive
	// buffer is full.
	ErrBusy = errors.New("receive buffer full")
)

// Reasons a channel is closed with. They are errno values so callers can
// compare them with errors.Is against the unix constants.
var (
	ErrConnRefused = unix.ECONNREFUSED
	ErrTimedOut    = unix.ETIMEDOUT
	ErrConnReset   = unix.ECONNRESET
	ErrConnAborted = unix.ECONNABORTED
	ErrComm        = unix.ECOMM
	ErrAccess      = unix.EACCES
	ErrInProgress  = unix.EINPROGRESS
	ErrIsConnected = unix.EISCONN
)
