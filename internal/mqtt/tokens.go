package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/bernard/internal/events"
)

// DailyTokens totals model tokens seen on the bus, resetting at local
// midnight. It is safe for concurrent use.
type DailyTokens struct {
	mu    sync.Mutex
	in    int64
	out   int64
	calls int64
	day   string
	loc   *time.Location
	now   func() time.Time
}

// NewDailyTokens creates a counter that rolls over at midnight in loc.
// A nil loc means time.Local.
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.day = d.today()
	return d
}

// Observe counts the tokens of a completed model call. Other events are
// ignored.
func (d *DailyTokens) Observe(e events.Event) {
	if e.Type != events.TypeLLMCallComplete {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollover()
	d.in += count(e.Data["tokens_in"])
	d.out += count(e.Data["tokens_out"])
	d.calls++
}

// Snapshot returns today's input tokens, output tokens and model calls.
func (d *DailyTokens) Snapshot() (in, out, calls int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollover()
	return d.in, d.out, d.calls
}

func (d *DailyTokens) today() string {
	return d.now().In(d.loc).Format(time.DateOnly)
}

// rollover must be called with d.mu held.
func (d *DailyTokens) rollover() {
	if today := d.today(); today != d.day {
		d.in, d.out, d.calls = 0, 0, 0
		d.day = today
	}
}

// count reads a token count from event data, which holds ints when
// published in-process and float64 after a JSON round trip.
func count(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
