package stepchat

import "errors"

var (
	ErrNoSession        = errors.New("stepchat: session is required")
	ErrNoSink           = errors.New("stepchat: sink is required")
	ErrToolNotFound     = errors.New("stepchat: tool not found")
	ErrDuplicateTool    = errors.New("stepchat: tool already registered")
	ErrInvalidArguments = errors.New("stepchat: invalid tool arguments")
	ErrToolTimeout      = errors.New("stepchat: tool timed out")
	ErrUpstreamFailed   = errors.New("stepchat: upstream stream failed")
	ErrStreamTruncated  = errors.New("stepchat: upstream stream ended without a terminal event")
)
