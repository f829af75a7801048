package tools

import "errors"

// ErrUnknownTool is returned when a tool call targets a tool that is not
// registered. It is a capability mismatch, not a transient failure.
var ErrUnknownTool = errors.New("unknown tool")

// ErrInvalidArguments is returned when tool arguments do not satisfy
// the tool's declared schema. Retrying with the same arguments cannot
// succeed.
var ErrInvalidArguments = errors.New("invalid tool arguments")
