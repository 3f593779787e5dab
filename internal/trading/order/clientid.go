package order

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CompactIDs mints short client order ids for venues that cap their length.
// Format: {prefix}{unix seconds}{sequence}, the sequence restarting every second.
type CompactIDs struct {
	prefix string
	now    func() time.Time

	mu      sync.Mutex
	lastSec int64
	seq     int
}

// NewCompactIDs creates a generator. The prefix separates processes sharing an account.
func NewCompactIDs(prefix string) *CompactIDs {
	return &CompactIDs{prefix: strings.ToUpper(prefix), now: time.Now}
}

// Next returns a new id, e.g. AT1772442000007
func (g *CompactIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	sec := g.now().Unix()
	if sec < g.lastSec {
		// clock stepped back; keep counting in the last second seen
		sec = g.lastSec
	}
	if sec != g.lastSec {
		g.lastSec = sec
		g.seq = 0
	}
	g.seq++
	return fmt.Sprintf("%s%d%03d", g.prefix, sec, g.seq)
}

// ParseCompactID returns the second an id was minted in
func ParseCompactID(prefix, id string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(id, strings.ToUpper(prefix))
	if !ok || len(rest) < 13 {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(rest[:10], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	if _, err := strconv.Atoi(rest[10:]); err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}
