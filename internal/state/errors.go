package state

import "errors"

var (
	ErrUnknownParameter      = errors.New("state: unknown parameter")
	ErrAwaitTimeout          = errors.New("state: await change timeout")
	ErrConnectionLost        = errors.New("state: connection lost")
	ErrMeasurementInProgress = errors.New("state: measurement in progress")
	ErrInvalidSampleCount    = errors.New("state: invalid sample count")
)
