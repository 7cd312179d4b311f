// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package protocol

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrCRCMismatch     = errors.New("CRC mismatch")
	ErrInvalidLength   = errors.New("invalid length")
	ErrBufferOverflow  = errors.New("buffer overflow")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrShortPayload    = errors.New("payload too short")
	ErrBusy            = errors.New("pending command table full")
	ErrAckTimeout      = errors.New("no acknowledgment")
	ErrNotReady        = errors.New("handshake not complete")
)

// NackError is the outcome of a command the peer refused
type NackError struct {
	Type   uint8
	Seq    uint8
	Result Result
}

func (e *NackError) Error() string {
	return fmt.Sprintf("%s (seq %d) refused: %s", FormatMessageType(e.Type), e.Seq, e.Result)
}

// CommandError carries the result code a command handler reports back
type CommandError struct {
	Result Result
	Err    error
}

func (e *CommandError) Error() string {
	if e.Err == nil {
		return e.Result.String()
	}
	return fmt.Sprintf("%s: %v", e.Result, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Refuse wraps err with the result code to answer with
func Refuse(result Result, err error) error {
	return &CommandError{Result: result, Err: err}
}

// Refusef formats an error carrying result
func Refusef(result Result, format string, args ...any) error {
	return &CommandError{Result: result, Err: fmt.Errorf(format, args...)}
}

// ResultFor maps a handler error to the code sent back in ACK/NACK
func ResultFor(err error) Result {
	if err == nil {
		return ResultSuccess
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Result
	}
	var nack *NackError
	if errors.As(err, &nack) {
		return nack.Result
	}
	switch {
	case errors.Is(err, ErrBusy):
		return ResultBusy
	case errors.Is(err, ErrAckTimeout):
		return ResultTimeout
	case errors.Is(err, ErrNotReady):
		return ResultNotReady
	case errors.Is(err, ErrShortPayload), errors.Is(err, ErrInvalidLength), errors.Is(err, ErrPayloadTooLarge):
		return ResultInvalid
	}
	return ResultFailed
}
