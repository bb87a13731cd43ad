// Package metrics keeps the process counters and publishes periodic snapshots
// to prometheus and the store.
package metrics

import (
	"sync"
	"sync/atomic"
)

// Counters tracks AI calls in flight. Every started call must be finished exactly once.
type Counters struct {
	transcriptions atomic.Int64
	translations   atomic.Int64
	errors         atomic.Int64
}

// TranscriptionStarted counts a transcription in flight and returns its finisher.
// Extra calls to the finisher are ignored.
func (c *Counters) TranscriptionStarted() func(err error) {
	return c.start(&c.transcriptions, "transcription")
}

func (c *Counters) TranslationStarted() func(err error) {
	return c.start(&c.translations, "translation")
}

func (c *Counters) start(active *atomic.Int64, kind string) func(error) {
	active.Add(1)
	var once sync.Once
	return func(err error) {
		once.Do(func() {
			active.Add(-1)
			if err != nil {
				c.Error(kind)
			}
		})
	}
}

// Error counts a failure that did not go through a finisher.
func (c *Counters) Error(kind string) {
	c.errors.Add(1)
	metricAIErrors.WithLabelValues(kind).Inc()
}

func (c *Counters) ActiveTranscriptions() int64 { return c.transcriptions.Load() }
func (c *Counters) ActiveTranslations() int64   { return c.translations.Load() }
func (c *Counters) Errors() int64               { return c.errors.Load() }
