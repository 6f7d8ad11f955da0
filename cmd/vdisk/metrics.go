package main

import (
	"log"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dnr/vdisk/common"
	"github.com/dnr/vdisk/vmdk"
)

// metrics exports the engine counters of every image the command opened,
// labeled by the image's role (src, dst, image).
type metrics struct {
	reg    *prometheus.Registry
	images *common.SimpleSyncMap[string, *vmdk.Image]
}

var statFields = []struct {
	name string
	help string
	get  func(vmdk.Stats) int64
}{
	{"gt_cache_hits_total", "grain table blocks served from cache", func(s vmdk.Stats) int64 { return s.GTCacheHits }},
	{"gt_cache_misses_total", "grain table blocks read from disk", func(s vmdk.Stats) int64 { return s.GTCacheMisses }},
	{"grains_allocated_total", "grains appended to sparse extents", func(s vmdk.Stats) int64 { return s.GrainsAllocated }},
	{"tables_allocated_total", "grain tables appended to sparse extents", func(s vmdk.Stats) int64 { return s.TablesAllocated }},
	{"grains_relocated_total", "grains moved by grow", func(s vmdk.Stats) int64 { return s.GrainsRelocated }},
	{"tables_shifted_total", "grain tables moved by grow", func(s vmdk.Stats) int64 { return s.TablesShifted }},
	{"stream_grains_total", "compressed grains written", func(s vmdk.Stats) int64 { return s.StreamGrains }},
	{"stream_tables_total", "stream grain tables written", func(s vmdk.Stats) int64 { return s.StreamTables }},
	{"stream_reads_total", "compressed grains decompressed", func(s vmdk.Stats) int64 { return s.StreamReads }},
	{"read_bytes_total", "bytes read", func(s vmdk.Stats) int64 { return s.ReadBytes }},
	{"write_bytes_total", "bytes written", func(s vmdk.Stats) int64 { return s.WriteBytes }},
}

func newMetrics() *metrics {
	m := &metrics{
		reg:    prometheus.NewRegistry(),
		images: common.NewSimpleSyncMap[string, *vmdk.Image](),
	}
	m.reg.MustRegister(collectors.NewGoCollector())
	return m
}

// track exports img's counters under role. A role can only be tracked once.
func (m *metrics) track(role string, img *vmdk.Image) {
	if !m.images.PutIfNotPresent(role, img) {
		return
	}
	for _, f := range statFields {
		get := f.get
		m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "vdisk",
			Name:        f.name,
			Help:        f.help,
			ConstLabels: prometheus.Labels{"role": role},
		}, func() float64 {
			img, ok := m.images.Get(role)
			if !ok {
				return 0
			}
			return float64(get(img.Stats()))
		}))
	}
}

// serve starts the metrics endpoint in the background.
func (m *metrics) serve(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	log.Printf("metrics on http://%s/metrics", l.Addr())
	go func() {
		if err := http.Serve(l, mux); err != nil {
			log.Print("metrics server: ", err)
		}
	}()
	return nil
}
