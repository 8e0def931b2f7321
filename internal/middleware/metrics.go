package middleware

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyrange/guestmem/internal/memaddr"
	"github.com/tinyrange/guestmem/internal/memview"
	"github.com/tinyrange/guestmem/internal/physmem"
)

// Metrics wraps a physmem.Memory, tallying per-call bytes and element
// counts into Prometheus counters (spec §4.7). It implements
// prometheus.Collector itself so a consumer registers the wrapper
// directly into its own registry, rather than this package reaching for
// a global default registry the teacher's code never assumes either.
type Metrics struct {
	under physmem.Memory

	readBytes   prometheus.Counter
	writeBytes  prometheus.Counter
	readCalls   prometheus.Counter
	writeCalls  prometheus.Counter
	readFails   prometheus.Counter
	writeFails  prometheus.Counter
}

// NewMetrics wraps under. namespace/subsystem are passed straight to
// prometheus.BuildFQName, matching the naming convention the teacher's
// Prometheus dependency pack expects.
func NewMetrics(under physmem.Memory, namespace, subsystem string) *Metrics {
	mk := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}
	return &Metrics{
		under:      under,
		readBytes:  mk("read_bytes_total", "Total bytes read through the physical memory backend."),
		writeBytes: mk("write_bytes_total", "Total bytes written through the physical memory backend."),
		readCalls:  mk("read_elements_total", "Total read elements submitted."),
		writeCalls: mk("write_elements_total", "Total write elements submitted."),
		readFails:  mk("read_failures_total", "Total read elements that failed."),
		writeFails: mk("write_failures_total", "Total write elements that failed."),
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.readBytes, m.writeBytes, m.readCalls, m.writeCalls, m.readFails, m.writeFails}
}

func (m *Metrics) ReadRawIter(reads physmem.Iterator[physmem.Read], onFail func(physmem.FailedRead)) error {
	var items []physmem.Read
	for {
		r, ok := reads.Next()
		if !ok {
			break
		}
		m.readCalls.Inc()
		m.readBytes.Add(float64(len(r.Buffer)))
		items = append(items, r)
	}
	return m.under.ReadRawIter(physmem.NewSliceIterator(items), func(f physmem.FailedRead) {
		m.readFails.Inc()
		if onFail != nil {
			onFail(f)
		}
	})
}

func (m *Metrics) WriteRawIter(writes physmem.Iterator[physmem.Write], onFail func(physmem.FailedWrite)) error {
	var items []physmem.Write
	for {
		w, ok := writes.Next()
		if !ok {
			break
		}
		m.writeCalls.Inc()
		m.writeBytes.Add(float64(len(w.Buffer)))
		items = append(items, w)
	}
	return m.under.WriteRawIter(physmem.NewSliceIterator(items), func(f physmem.FailedWrite) {
		m.writeFails.Inc()
		if onFail != nil {
			onFail(f)
		}
	})
}

func (m *Metrics) Metadata() physmem.Metadata { return m.under.Metadata() }

func (m *Metrics) SetMemMap(mm memaddr.MemoryMap) error { return m.under.SetMemMap(mm) }

func (m *Metrics) PhysView() memview.View { return physmem.NewPhysView(m) }

var (
	_ physmem.Memory       = (*Metrics)(nil)
	_ prometheus.Collector = (*Metrics)(nil)
)
