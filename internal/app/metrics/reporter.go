package metrics

import (
	"context"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/quasipeer/internal/app/media"
	"github.com/dkeye/quasipeer/internal/core"
)

// ServerMetrics is the latest process-wide sample.
type ServerMetrics struct {
	ActiveMeetings       int       `json:"activeMeetings"`
	ActiveParticipants   int       `json:"activeParticipants"`
	ActiveTranscriptions int64     `json:"activeTranscriptions"`
	ActiveTranslations   int64     `json:"activeTranslations"`
	PendingAIRequests    int       `json:"pendingAiRequests"`
	Transports           int       `json:"transports"`
	Producers            int       `json:"producers"`
	Consumers            int       `json:"consumers"`
	Errors               int64     `json:"errors"`
	CPUPercent           float64   `json:"cpuPercent"`
	MemoryBytes          uint64    `json:"memoryBytes"`
	Goroutines           int       `json:"goroutines"`
	Timestamp            time.Time `json:"timestamp"`
}

type RegistryStats interface {
	Stats() (meetings, participants int)
}

type MediaStats interface {
	Stats() media.Stats
}

type PendingCounter interface {
	Pending() int
}

// Sources are sampled on every tick. Nil sources read as zero.
type Sources struct {
	Registry RegistryStats
	Media    MediaStats
	AI       PendingCounter
}

type Reporter struct {
	counters *Counters
	src      Sources
	store    core.Store
	interval time.Duration

	mu      sync.RWMutex
	last    ServerMetrics
	cpuPrev float64
	cpuAt   time.Time
}

func NewReporter(counters *Counters, src Sources, store core.Store, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reporter{counters: counters, src: src, store: store, interval: interval}
}

func (r *Reporter) Run(ctx context.Context) {
	r.Sample(ctx)
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sample(ctx)
		}
	}
}

func (r *Reporter) Snapshot() ServerMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Sample takes one snapshot, exports it and mirrors it to the store.
func (r *Reporter) Sample(ctx context.Context) ServerMetrics {
	now := time.Now()
	m := ServerMetrics{
		ActiveTranscriptions: r.counters.ActiveTranscriptions(),
		ActiveTranslations:   r.counters.ActiveTranslations(),
		Errors:               r.counters.Errors(),
		Goroutines:           runtime.NumGoroutine(),
		Timestamp:            now.UTC(),
	}
	if r.src.Registry != nil {
		m.ActiveMeetings, m.ActiveParticipants = r.src.Registry.Stats()
	}
	if r.src.Media != nil {
		s := r.src.Media.Stats()
		m.Transports, m.Producers, m.Consumers = s.Transports, s.Producers, s.Consumers
	}
	if r.src.AI != nil {
		m.PendingAIRequests = r.src.AI.Pending()
	}

	r.mu.Lock()
	m.CPUPercent, m.MemoryBytes = r.sampleProcessLocked(now)
	r.last = m
	r.mu.Unlock()

	r.export(m)
	r.mirror(ctx, m)
	return m
}

// sampleProcessLocked reads procfs where available and falls back to the Go runtime.
func (r *Reporter) sampleProcessLocked(now time.Time) (cpuPercent float64, rss uint64) {
	p, err := procfs.Self()
	if err == nil {
		var st procfs.ProcStat
		if st, err = p.Stat(); err == nil {
			cpu := st.CPUTime()
			if !r.cpuAt.IsZero() {
				if wall := now.Sub(r.cpuAt).Seconds(); wall > 0 {
					cpuPercent = (cpu - r.cpuPrev) / wall * 100
				}
			}
			r.cpuPrev, r.cpuAt = cpu, now
			return cpuPercent, uint64(st.ResidentMemory())
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return 0, ms.Sys
}

func (r *Reporter) export(m ServerMetrics) {
	gaugeMeetings.Set(float64(m.ActiveMeetings))
	gaugeParticipants.Set(float64(m.ActiveParticipants))
	gaugeTranscriptions.Set(float64(m.ActiveTranscriptions))
	gaugeTranslations.Set(float64(m.ActiveTranslations))
	gaugePendingAI.Set(float64(m.PendingAIRequests))
	gaugeMedia.WithLabelValues("transport").Set(float64(m.Transports))
	gaugeMedia.WithLabelValues("producer").Set(float64(m.Producers))
	gaugeMedia.WithLabelValues("consumer").Set(float64(m.Consumers))
	gaugeCPU.Set(m.CPUPercent)
	gaugeMemory.Set(float64(m.MemoryBytes))
}

func (r *Reporter) mirror(ctx context.Context, m ServerMetrics) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := r.store.HSet(ctx, core.MetricsKey, map[string]string{
		"activeMeetings":       strconv.Itoa(m.ActiveMeetings),
		"activeParticipants":   strconv.Itoa(m.ActiveParticipants),
		"activeTranscriptions": strconv.FormatInt(m.ActiveTranscriptions, 10),
		"activeTranslations":   strconv.FormatInt(m.ActiveTranslations, 10),
		"pendingAiRequests":    strconv.Itoa(m.PendingAIRequests),
		"errors":               strconv.FormatInt(m.Errors, 10),
		"cpuPercent":           strconv.FormatFloat(m.CPUPercent, 'f', 2, 64),
		"memoryBytes":          strconv.FormatUint(m.MemoryBytes, 10),
		"timestamp":            m.Timestamp.Format(time.RFC3339),
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "metrics").Msg("metrics mirror failed")
	}
}
