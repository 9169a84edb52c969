// File: internal/services/channel/channel.go
package channel

import (
	"fmt"

	"github.com/iyunix/go-smilin/internal/domain"
)

// ChannelFor returns the conversation channel of two users. It is the same
// for (a, b) and (b, a). The length prefix keeps distinct pairs apart even
// when ids contain the separator.
func ChannelFor(a, b domain.UserID) domain.ChannelID {
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}
	return domain.ChannelID(fmt.Sprintf("dm:%d:%s|%s", len(lo), lo, hi))
}

// ChannelForUser returns the inbox channel every connection of a user
// listens on.
func ChannelForUser(id domain.UserID) domain.ChannelID {
	return domain.ChannelID("inbox:" + string(id))
}
