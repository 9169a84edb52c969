package channel

import "errors"

var errRouterClosed = errors.New("router closed")
