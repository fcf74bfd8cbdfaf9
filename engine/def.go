package engine

import "errors"

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003
const BUSY = 0x0004
const ERROR = 0x0005

var (
	ErrModelNotLoaded   = errors.New("model not loaded")
	ErrInferenceFailure = errors.New("inference failure")
	ErrEngineBusy       = errors.New("engine is busy")
)

func StateName(state int) string {
	switch state {
	case UNREGISTERED:
		return "UNREGISTERED"
	case REGISTERED:
		return "REGISTERED"
	case IDLE:
		return "IDLE"
	case BUSY:
		return "BUSY"
	case ERROR:
		return "ERROR"
	}
	return "UNKNOWN"
}
