package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/patchlab/sacncore/config"
	"github.com/patchlab/sacncore/metrics"
	"github.com/patchlab/sacncore/sacn"
)

type app struct {
	cfg       *config.Config
	mgr       *sacn.Manager
	collector *metrics.Collector
	receivers []*sacn.Receiver
	mergers   []*sacn.MergeReceiver
	sources   []*sacn.Source
	detector  *sacn.SourceDetector
}

func main() {
	configPath := flag.String("config", "sacnd.toml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	log.Printf("[config] loaded receivers=%d sources=%d", len(cfg.Receivers), len(cfg.Sources))

	mgr := sacn.NewManager(cfg.Network.IPVersionOrDefault())
	mgr.SetReadTimeout(cfg.Network.ReadTimeout())
	mgr.SetBindPolicy(cfg.Network.BindPolicyOrDefault(runtime.GOOS))
	if err := mgr.Init(sacn.FeatureNetworking); err != nil {
		log.Fatalf("[sacn] init error: %v", err)
	}
	defer mgr.Deinit(sacn.FeatureNetworking)

	a := &app{cfg: cfg, mgr: mgr, collector: metrics.NewCollector()}

	for _, rc := range cfg.Receivers {
		if rc.Merge {
			a.startMergeReceiver(rc)
		} else {
			a.startReceiver(rc)
		}
	}

	for _, sc := range cfg.Sources {
		a.startSource(sc)
	}

	if cfg.SourceDetector.Enabled {
		a.startSourceDetector(cfg.SourceDetector)
	}

	if cfg.Metrics.Listen != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(a.collector)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			log.Printf("[metrics] listening addr=%s", cfg.Metrics.Listen)
			if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
				log.Printf("[metrics] server error: %v", err)
			}
		}()
	}

	go a.statsLoop()
	go a.tickLoop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("[main] shutting down")
	for _, r := range a.receivers {
		mgr.DestroyReceiver(r)
	}
	for i, m := range a.mergers {
		mgr.DestroyMergeReceiver(m, a.cfg.Receivers[i].Universe)
	}
	for _, s := range a.sources {
		s.Destroy()
	}
	if a.detector != nil {
		a.detector.Destroy()
	}
}

func (a *app) startReceiver(rc config.ReceiverConfig) {
	r, err := a.mgr.NewReceiver(sacn.ReceiverConfig{
		Universe:       rc.Universe,
		Interfaces:     a.cfg.Network.Interfaces,
		PreviewFilter:  rc.PreviewFilter,
		SourceCountMax: rc.SourceCountMax,
		IPVersion:      a.cfg.Network.IPVersionOrDefault(),
		UsePAP:         rc.UsePAP,
		TWait:          a.cfg.Network.Wait(),
		Callbacks: sacn.ReceiverCallbacks{
			UniverseData: func(universe uint16, source sacn.RemoteSourceHandle, cid sacn.CID, name string, priority uint8, startCode sacn.StartCode, slots []byte, isSampling bool) {
				log.Printf("[receiver] universe=%d source=%s name=%q startcode=%#x len=%d sampling=%v",
					universe, cid, name, startCode, len(slots), isSampling)
			},
			SourcesLost: func(universe uint16, lost []sacn.LostSource) {
				for _, l := range lost {
					log.Printf("[receiver] universe=%d source lost name=%q terminated=%v", universe, l.Name, l.Terminated)
				}
			},
			SamplingPeriodStarted: func(universe uint16) { log.Printf("[receiver] universe=%d sampling period started", universe) },
			SamplingPeriodEnded:   func(universe uint16) { log.Printf("[receiver] universe=%d sampling period ended", universe) },
			SourceLimitExceeded:   func(universe uint16) { log.Printf("[receiver] universe=%d source limit exceeded", universe) },
		},
	})
	if err != nil {
		log.Printf("[receiver] universe=%d create error: %v", rc.Universe, err)
		return
	}
	a.receivers = append(a.receivers, r)
	log.Printf("[receiver] universe=%d listening", rc.Universe)
}

func (a *app) startMergeReceiver(rc config.ReceiverConfig) {
	m, err := a.mgr.NewMergeReceiver(sacn.MergeReceiverConfig{
		Universe:       rc.Universe,
		Interfaces:     a.cfg.Network.Interfaces,
		PreviewFilter:  rc.PreviewFilter,
		SourceCountMax: rc.SourceCountMax,
		IPVersion:      a.cfg.Network.IPVersionOrDefault(),
		UsePAP:         rc.UsePAP,
		TWait:          a.cfg.Network.Wait(),
		Callbacks: sacn.MergeReceiverCallbacks{
			MergedData: func(universe uint16, out *sacn.MergerOutput, active []sacn.RemoteSourceHandle) {
				log.Printf("[merger] universe=%d pap_active=%v active_sources=%d", universe, out.PAPActive, len(active))
			},
			SourcesLost: func(universe uint16, lost []sacn.LostSource) {
				for _, l := range lost {
					log.Printf("[merger] universe=%d source lost name=%q", universe, l.Name)
				}
			},
		},
	})
	if err != nil {
		log.Printf("[merger] universe=%d create error: %v", rc.Universe, err)
		return
	}
	a.mergers = append(a.mergers, m)
	log.Printf("[merger] universe=%d listening", rc.Universe)
}

func (a *app) startSource(sc config.SourceConfig) {
	s, err := a.mgr.NewSource(sacn.SourceConfig{
		CID:          sacn.NewCID(),
		Name:         sc.Name,
		IPVersion:    a.cfg.Network.IPVersionOrDefault(),
		KeepAlive:    sc.KeepAlive(),
		KeepAlivePAP: sc.KeepAlivePAP(),
	})
	if err != nil {
		log.Printf("[source] name=%q create error: %v", sc.Name, err)
		return
	}
	if err := s.AddUniverse(sc.Universe, sc.Priority); err != nil {
		log.Printf("[source] name=%q universe=%d add error: %v", sc.Name, sc.Universe, err)
		return
	}
	if sc.Preview {
		s.SetPreview(sc.Universe, true)
	}
	if sc.UnicastOnly {
		s.SetUnicastOnly(sc.Universe, true)
	}
	a.sources = append(a.sources, s)
	log.Printf("[source] name=%q universe=%d transmitting", sc.Name, sc.Universe)
}

func (a *app) startSourceDetector(dc config.SourceDetectorConfig) {
	d, err := a.mgr.NewSourceDetector(sacn.SourceDetectorConfig{
		SourceCountMax:   dc.SourceCountMax,
		UniverseCountMax: dc.UniverseCountMax,
		IPVersion:        a.cfg.Network.IPVersionOrDefault(),
		Callbacks: sacn.SourceDetectorCallbacks{
			SourceUpdated: func(source sacn.RemoteSourceHandle, cid sacn.CID, name string, universes []uint16) {
				log.Printf("[detector] source=%s name=%q universes=%d", cid, name, len(universes))
			},
			SourceExpired: func(source sacn.RemoteSourceHandle, name string) {
				log.Printf("[detector] source expired name=%q", name)
			},
			SourceLimitExceeded: func() { log.Printf("[detector] source limit exceeded") },
		},
	})
	if err != nil {
		log.Printf("[detector] create error: %v", err)
		return
	}
	a.detector = d
	log.Printf("[detector] listening")
}

// tickLoop drives the periodic housekeeping every Receiver, MergeReceiver,
// and SourceDetector needs but cannot schedule for itself: network-data-loss
// timeouts, sampling-period and PAP-timer expiry, and discovered-source
// expiry. Sources tick themselves internally.
func (a *app) tickLoop() {
	ticker := time.NewTicker(sacn.DefaultTRead)
	defer ticker.Stop()
	for range ticker.C {
		for _, r := range a.receivers {
			r.Tick()
		}
		for _, m := range a.mergers {
			m.Tick()
		}
		if a.detector != nil {
			a.detector.Tick()
		}
	}
}

func (a *app) statsLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		for i, s := range a.sources {
			a.collector.SetSource(metrics.SourceStats{
				Handle:        s.Handle(),
				Name:          a.cfg.Sources[i].Name,
				UniverseCount: 1,
				PacketsSent:   s.PacketsSent(),
			})
		}
	}
}

func init() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
}
