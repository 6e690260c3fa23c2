package emit

import "errors"

var (
	// ErrTimeoutHookSet is the panic value of a second Push.Timeout call.
	ErrTimeoutHookSet = errors.New("emit: only a single timeout hook can be applied to a push")
	ErrAlreadySent    = errors.New("emit: push already sent")
	ErrTransmit       = errors.New("emit: transmit failed")
	ErrNotConnected   = errors.New("emit: socket not connected")
	ErrChannelJoined  = errors.New("emit: channel already joined")
	ErrAlreadyReplied = errors.New("emit: request already replied")
)
