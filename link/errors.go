package link

import "errors"

var (
	ErrInitialization    = errors.New("initialization failed")
	ErrAttach            = errors.New("attach failed")
	ErrTransferUnit      = errors.New("transfer unit negotiation failed")
	ErrEncoding          = errors.New("payload is not valid UTF-8")
	ErrNotActive         = errors.New("link is not active")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNoPeers           = errors.New("no peers connected")
	ErrHandoffDisabled   = errors.New("secondary link not configured")
	ErrStopped           = errors.New("session stopped")
)
