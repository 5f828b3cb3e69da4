package front

import (
	"sync/atomic"
	"time"
)

var cid atomic.Int64

func init() {
	cid.Store(time.Now().UnixMilli())
}

// Cid returns a new unique id to be used for sessions and ctl connections.
// Session ids are cids, so they are unique across network and local sessions.
func Cid() int64 {
	return cid.Add(1)
}
