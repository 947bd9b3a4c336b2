package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestStats_ZeroValue(t *testing.T) {
	var s Stats
	snap := s.Snapshot()

	assert.Equal(t, uint64(0), snap.Total())
	assert.True(t, snap.AvgLatencyMS().IsZero())
	assert.True(t, snap.FilterRate().IsZero())
}

func TestStats_Counters(t *testing.T) {
	var s Stats
	s.RecordFiltered()
	s.RecordFiltered()
	s.RecordFiltered()
	s.RecordAnalyzed(400 * time.Millisecond)
	s.RecordAnalyzed(250 * time.Millisecond)
	s.RecordAnalyzed(100 * time.Millisecond)
	s.RecordKill()
	s.RecordFail()
	s.RecordClassifierError()
	s.RecordLedgerError()
	s.RecordLedgerDegraded()
	s.RecordConnection()

	snap := s.Snapshot()
	assert.Equal(t, uint64(3), snap.Filtered)
	assert.Equal(t, uint64(3), snap.Analyzed)
	assert.Equal(t, uint64(6), snap.Total())
	assert.Equal(t, uint64(750), snap.TotalLatencyMS)
	assert.Equal(t, "250.00", snap.AvgLatencyMS().StringFixed(2))
	assert.Equal(t, "50.0", snap.FilterRate().StringFixed(1))
	assert.Equal(t, uint64(1), snap.Kills)
	assert.Equal(t, uint64(1), snap.Fails)
	assert.Equal(t, uint64(1), snap.ClassifierErrors)
	assert.Equal(t, uint64(1), snap.LedgerErrors)
	assert.Equal(t, uint64(1), snap.LedgerDegraded)
	assert.Equal(t, uint64(1), snap.Connections)
}

func TestStats_AverageIsExact(t *testing.T) {
	var s Stats
	s.RecordAnalyzed(1 * time.Millisecond)
	s.RecordAnalyzed(1 * time.Millisecond)
	s.RecordAnalyzed(2 * time.Millisecond)

	assert.Equal(t, "1.33", s.Snapshot().AvgLatencyMS().StringFixed(2))
}

func TestStats_Concurrent(t *testing.T) {
	var s Stats
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.RecordFiltered()
				s.RecordAnalyzed(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	assert.Equal(t, uint64(1000), snap.Filtered)
	assert.Equal(t, uint64(1000), snap.Analyzed)
	assert.Equal(t, uint64(1000), snap.TotalLatencyMS)
}

func TestSnapshot_Fields(t *testing.T) {
	var s Stats
	s.RecordKill()

	core, logs := observer.New(zap.InfoLevel)
	zap.New(core).Info("stats", s.Snapshot().Fields()...)

	entry := logs.All()[0]
	assert.Equal(t, uint64(1), entry.ContextMap()["kills"])
	assert.Equal(t, "0.00", entry.ContextMap()["avg_latency_ms"])
}
