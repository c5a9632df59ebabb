package xid

import "github.com/google/uuid"

// New returns a random identifier tagged with a short entity prefix,
// e.g. "lot-1b4e28ba-2fa1-11d2-883f-0016d3cca427".
func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
