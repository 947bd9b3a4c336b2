// Package stats aggregates kernel counters across connections.
package stats

import (
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Stats is safe for concurrent use. The zero value is ready.
type Stats struct {
	filtered         atomic.Uint64
	analyzed         atomic.Uint64
	kills            atomic.Uint64
	fails            atomic.Uint64
	classifierErrors atomic.Uint64
	ledgerErrors     atomic.Uint64
	ledgerDegraded   atomic.Uint64
	connections      atomic.Uint64
	totalLatencyMS   atomic.Uint64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Filtered         uint64
	Analyzed         uint64
	Kills            uint64
	Fails            uint64
	ClassifierErrors uint64
	LedgerErrors     uint64
	LedgerDegraded   uint64
	Connections      uint64
	TotalLatencyMS   uint64
}

func (s *Stats) RecordFiltered() { s.filtered.Add(1) }

// RecordAnalyzed counts one classifier round trip.
func (s *Stats) RecordAnalyzed(latency time.Duration) {
	s.analyzed.Add(1)
	if ms := latency.Milliseconds(); ms > 0 {
		s.totalLatencyMS.Add(uint64(ms))
	}
}

func (s *Stats) RecordKill()            { s.kills.Add(1) }
func (s *Stats) RecordFail()            { s.fails.Add(1) }
func (s *Stats) RecordClassifierError() { s.classifierErrors.Add(1) }
func (s *Stats) RecordLedgerError()     { s.ledgerErrors.Add(1) }

// RecordLedgerDegraded counts escalations after consecutive write failures.
func (s *Stats) RecordLedgerDegraded() { s.ledgerDegraded.Add(1) }

func (s *Stats) RecordConnection() { s.connections.Add(1) }

// Snapshot reads every counter. Counters are read individually, so a
// snapshot taken under load may mix values from adjacent instants.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Filtered:         s.filtered.Load(),
		Analyzed:         s.analyzed.Load(),
		Kills:            s.kills.Load(),
		Fails:            s.fails.Load(),
		ClassifierErrors: s.classifierErrors.Load(),
		LedgerErrors:     s.ledgerErrors.Load(),
		LedgerDegraded:   s.ledgerDegraded.Load(),
		Connections:      s.connections.Load(),
		TotalLatencyMS:   s.totalLatencyMS.Load(),
	}
}

// Total is the number of lines processed.
func (s Snapshot) Total() uint64 {
	return s.Filtered + s.Analyzed
}

// AvgLatencyMS is the mean classifier latency, rounded to 2 places.
func (s Snapshot) AvgLatencyMS() decimal.Decimal {
	if s.Analyzed == 0 {
		return decimal.Zero
	}
	total := decimal.NewFromInt(int64(s.TotalLatencyMS))
	return total.Div(decimal.NewFromInt(int64(s.Analyzed))).Round(2)
}

// FilterRate is the percentage of lines resolved without the classifier.
func (s Snapshot) FilterRate() decimal.Decimal {
	total := s.Total()
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(s.Filtered)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(total))).
		Round(1)
}

// Fields renders the snapshot for structured logs.
func (s Snapshot) Fields() []zap.Field {
	return []zap.Field{
		zap.Uint64("filtered", s.Filtered),
		zap.Uint64("analyzed", s.Analyzed),
		zap.Uint64("kills", s.Kills),
		zap.Uint64("fails", s.Fails),
		zap.Uint64("classifier_errors", s.ClassifierErrors),
		zap.Uint64("ledger_errors", s.LedgerErrors),
		zap.Uint64("ledger_degraded", s.LedgerDegraded),
		zap.Uint64("connections", s.Connections),
		zap.String("avg_latency_ms", s.AvgLatencyMS().StringFixed(2)),
		zap.String("filter_rate_pct", s.FilterRate().StringFixed(1)),
	}
}
