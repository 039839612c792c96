package client

import "errors"

var (
	// ErrNotRegistered is returned when an offer is made before registration
	ErrNotRegistered = errors.New("client not registered")

	// ErrAlreadyRegistered is returned on repeated registration over one connection
	ErrAlreadyRegistered = errors.New("client already registered")

	// ErrNotConnected is returned when operation requires a proxy connection
	ErrNotConnected = errors.New("client not connected")

	// ErrAlreadyConnected is returned when Connect is called on a connected client
	ErrAlreadyConnected = errors.New("client already connected")

	// ErrClosed is returned when operation is attempted on closed client
	ErrClosed = errors.New("client closed")
)
