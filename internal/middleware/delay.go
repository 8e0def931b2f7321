package middleware

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/tinyrange/guestmem/internal/memaddr"
	"github.com/tinyrange/guestmem/internal/memview"
	"github.com/tinyrange/guestmem/internal/physmem"
)

// Delay wraps a physmem.Memory, pacing batched calls with a
// golang.org/x/time/rate.Limiter sized by request-byte count, rather
// than sleeping a fixed microsecond count per call. This reproduces
// bursty slow transports (a PCIe DMA link, a network-attached crashdump
// reader) more faithfully than a bare time.Sleep: a limiter configured
// at N bytes/sec lets a small batch through immediately and only stalls
// once the configured burst budget is exhausted.
type Delay struct {
	under   physmem.Memory
	limiter *rate.Limiter
}

// NewDelay wraps under, allowing burst bytes through immediately and
// draining at bytesPerSec thereafter. A zero bytesPerSec disables
// pacing (every call passes straight through).
func NewDelay(under physmem.Memory, bytesPerSec float64, burst int) *Delay {
	if bytesPerSec <= 0 {
		return &Delay{under: under}
	}
	return &Delay{under: under, limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

func (d *Delay) wait(n int) {
	if d.limiter == nil || n <= 0 {
		return
	}
	burst := d.limiter.Burst()
	for n > 0 {
		chunk := n
		if burst > 0 && chunk > burst {
			chunk = burst
		}
		r := d.limiter.ReserveN(time.Now(), chunk)
		if !r.OK() {
			return
		}
		if delay := r.Delay(); delay > 0 {
			time.Sleep(delay)
		}
		n -= chunk
	}
}

func (d *Delay) ReadRawIter(reads physmem.Iterator[physmem.Read], onFail func(physmem.FailedRead)) error {
	var items []physmem.Read
	total := 0
	for {
		r, ok := reads.Next()
		if !ok {
			break
		}
		total += len(r.Buffer)
		items = append(items, r)
	}
	d.wait(total)
	return d.under.ReadRawIter(physmem.NewSliceIterator(items), onFail)
}

func (d *Delay) WriteRawIter(writes physmem.Iterator[physmem.Write], onFail func(physmem.FailedWrite)) error {
	var items []physmem.Write
	total := 0
	for {
		w, ok := writes.Next()
		if !ok {
			break
		}
		total += len(w.Buffer)
		items = append(items, w)
	}
	d.wait(total)
	return d.under.WriteRawIter(physmem.NewSliceIterator(items), onFail)
}

func (d *Delay) Metadata() physmem.Metadata { return d.under.Metadata() }

func (d *Delay) SetMemMap(m memaddr.MemoryMap) error { return d.under.SetMemMap(m) }

func (d *Delay) PhysView() memview.View { return physmem.NewPhysView(d) }

// WaitContext blocks until the limiter would admit n more bytes, or ctx
// is done. Exposed for callers that want to bound worst-case stall time
// rather than sleep unconditionally.
func (d *Delay) WaitContext(ctx context.Context, n int) error {
	if d.limiter == nil {
		return nil
	}
	return d.limiter.WaitN(ctx, n)
}

var _ physmem.Memory = (*Delay)(nil)
