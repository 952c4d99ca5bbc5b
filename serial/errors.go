package serial

import "errors"

var ErrBadPriority = errors.New("serial: priority out of range 0x01..0x04")
