package httpserver

import "errors"

var (
	// ErrStart wraps listener and serve failures, including a second Run
	// call on the same Server.
	ErrStart = errors.New("queue api server failed to start")

	// ErrShutdown wraps drain failures, typically long-poll requests that
	// outlived the shutdown deadline.
	ErrShutdown = errors.New("queue api server failed to drain")
)
