package instance

import "errors"

var ErrUnknownInstance = errors.New("unknown instance")
