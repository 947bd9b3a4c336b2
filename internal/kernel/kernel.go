// Package kernel runs the per-connection decision loop: every line is
// screened, suspicious lines are classified, each line gets exactly one
// ledger record, and KILL decisions fire the actuator.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cluster-127/tripwired/internal/actuator"
	"github.com/cluster-127/tripwired/internal/alert"
	"github.com/cluster-127/tripwired/internal/classifier"
	"github.com/cluster-127/tripwired/internal/ledger"
	"github.com/cluster-127/tripwired/internal/stats"
	"github.com/cluster-127/tripwired/internal/transport"
)

// FilteredConfidence is recorded for lines the filter resolves alone.
const FilteredConfidence = 100

// ledgerDegradedAfter is the number of consecutive ledger write failures
// that escalates from warn to error.
const ledgerDegradedAfter = 3

// Screener decides whether a line needs the classifier.
type Screener interface {
	IsSuspicious(line string) bool
}

// Recorder persists one record per line.
type Recorder interface {
	Append(e ledger.Entry) (uint64, error)
}

// Firer terminates the target after a KILL.
type Firer interface {
	Fire(decisionID uint64) bool
	PID() int
}

// Announcer shows the KILL banner.
type Announcer interface {
	Kill(k alert.Kill)
}

// Options wires a Kernel. Filter, Classifier and Ledger are required.
type Options struct {
	Filter     Screener
	Classifier classifier.Classifier
	Ledger     Recorder
	Actuator   Firer
	Announcer  Announcer
	Stats      *stats.Stats
	Logger     *zap.Logger
	// ErrorFallback is recorded when the classifier cannot be reached.
	// SUSTAIN keeps the agent running through a backend outage; KILL fails
	// closed.
	ErrorFallback classifier.Action
}

// Kernel is safe for concurrent use by many connections.
type Kernel struct {
	filter     Screener
	classifier classifier.Classifier
	ledger     Recorder
	actuator   Firer
	announcer  Announcer
	stats      *stats.Stats
	logger     *zap.Logger
	fallback   classifier.Action

	mu             sync.Mutex
	ledgerFailures int

	conns sync.WaitGroup
}

// New validates opts and returns a Kernel.
func New(opts Options) (*Kernel, error) {
	if opts.Filter == nil || opts.Classifier == nil || opts.Ledger == nil {
		return nil, errors.New("kernel: filter, classifier and ledger are required")
	}

	k := &Kernel{
		filter:     opts.Filter,
		classifier: opts.Classifier,
		ledger:     opts.Ledger,
		actuator:   opts.Actuator,
		announcer:  opts.Announcer,
		stats:      opts.Stats,
		logger:     opts.Logger,
		fallback:   opts.ErrorFallback,
	}
	if k.actuator == nil {
		k.actuator = actuator.New(nil, 0, nil)
	}
	if k.stats == nil {
		k.stats = &stats.Stats{}
	}
	if k.logger == nil {
		k.logger = zap.NewNop()
	}
	switch k.fallback {
	case "":
		k.fallback = classifier.ActionSustain
	case classifier.ActionKill, classifier.ActionSustain:
	default:
		return nil, fmt.Errorf("kernel: invalid error fallback %q", k.fallback)
	}
	return k, nil
}

// Stats returns the shared counters.
func (k *Kernel) Stats() *stats.Stats {
	return k.stats
}

// Serve accepts connections until ctx is done or ln is closed, then waits
// for open connections to finish. Connections are handled in parallel only
// when ln allows it.
func (k *Kernel) Serve(ctx context.Context, ln transport.Listener) error {
	k.logger.Info("ready for connections",
		zap.String("transport", string(ln.Mode())),
		zap.String("addr", ln.Addr()),
		zap.Bool("concurrent", ln.Concurrent()))

	defer k.conns.Wait()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		k.stats.RecordConnection()
		if !ln.Concurrent() {
			k.HandleConn(ctx, conn, ln.Mode())
			continue
		}

		k.conns.Add(1)
		go func() {
			defer k.conns.Done()
			k.HandleConn(ctx, conn, ln.Mode())
		}()
	}
}

// HandleConn processes conn line by line until EOF, a read error, or ctx
// is done. Lines of one connection are strictly sequential; a line already
// being processed when ctx is done is finished and recorded.
func (k *Kernel) HandleConn(ctx context.Context, conn transport.Conn, mode transport.Mode) {
	log := k.logger.With(
		zap.String("conn_id", uuid.NewString()),
		zap.String("transport", string(mode)),
		zap.String("peer", conn.Peer()),
	)
	log.Info("client connected")

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
	}()

	lines := 0
	lr := transport.NewLineReader(conn)
	for {
		line, err := lr.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Warn("connection read failed", zap.Error(err))
			}
			break
		}
		if line.Truncated() {
			log.Warn("line exceeds limit; recording its prefix and classifying it",
				zap.Int("kept_bytes", len(line.Text)),
				zap.Int64("dropped_bytes", line.Dropped))
		}
		k.processLine(ctx, line, log)
		lines++
	}

	log.Info("client disconnected", append([]zap.Field{zap.Int("lines", lines)}, k.stats.Snapshot().Fields()...)...)
}

// Outcome is what ProcessLine decided and recorded for one line.
type Outcome struct {
	ID         uint64
	Action     classifier.Action
	Confidence int
	Filtered   bool
	Latency    time.Duration
	// Truncated is set for lines longer than transport.MaxLineBytes. They
	// always go to the classifier.
	Truncated bool
	// ClassifierErr is set when the recorded action is the error fallback.
	ClassifierErr error
	LedgerErr     error
	Actuated      bool
}

// ProcessLine screens, classifies, records and acts on one line. It never
// fails: every problem is recorded, logged and counted. Cancelling ctx does
// not interrupt a classification in flight; the classifier's own timeout
// bounds it.
func (k *Kernel) ProcessLine(ctx context.Context, line string, log *zap.Logger) Outcome {
	return k.processLine(ctx, transport.Line{Text: line}, log)
}

func (k *Kernel) processLine(ctx context.Context, in transport.Line, log *zap.Logger) Outcome {
	if log == nil {
		log = k.logger
	}
	start := time.Now()
	line := in.Text

	if !in.Truncated() && !k.filter.IsSuspicious(line) {
		out := Outcome{
			Action:     classifier.ActionSustain,
			Confidence: FilteredConfidence,
			Filtered:   true,
			Latency:    time.Since(start),
		}
		k.stats.RecordFiltered()
		out.ID, out.LedgerErr = k.record(in, out, nil, log)
		return out
	}

	log.Info("analyzing", zap.String("line", preview(line)))

	// Shutdown must not turn an in-flight answer into the error fallback.
	decision, err := k.classifier.Classify(context.WithoutCancel(ctx), line)
	out := Outcome{Latency: time.Since(start), Truncated: in.Truncated()}
	var raw string
	if err != nil {
		out.Action = k.fallback
		out.ClassifierErr = err
		raw = "ERROR: " + err.Error()
		k.stats.RecordClassifierError()
		log.Warn("classifier unavailable, recording fallback",
			zap.Error(err), zap.String("fallback", string(k.fallback)))
	} else {
		out.Action = decision.Action
		out.Confidence = decision.Confidence
		raw = decision.RawResponse
	}
	k.stats.RecordAnalyzed(out.Latency)

	out.ID, out.LedgerErr = k.record(in, out, &raw, log)

	switch out.Action {
	case classifier.ActionKill:
		k.stats.RecordKill()
		k.announceKill(line, out, log)
		// The kill goes ahead even if the ledger write failed.
		out.Actuated = k.actuator.Fire(out.ID)
	case classifier.ActionFail:
		k.stats.RecordFail()
		log.Warn("classifier returned an unusable answer",
			zap.Uint64("decision_id", out.ID),
			zap.String("raw_response", raw))
	default:
		log.Info("sustain",
			zap.Uint64("decision_id", out.ID),
			zap.Int64("latency_ms", out.Latency.Milliseconds()))
	}

	return out
}

func (k *Kernel) record(in transport.Line, out Outcome, raw *string, log *zap.Logger) (uint64, error) {
	id, err := k.ledger.Append(ledger.Entry{
		Line:         in.Text,
		Action:       string(out.Action),
		Confidence:   out.Confidence,
		Filtered:     out.Filtered,
		Latency:      out.Latency,
		RawResponse:  raw,
		DroppedBytes: in.Dropped,
	})

	k.mu.Lock()
	defer k.mu.Unlock()

	if err == nil {
		k.ledgerFailures = 0
		return id, nil
	}

	k.ledgerFailures++
	k.stats.RecordLedgerError()
	if k.ledgerFailures == ledgerDegradedAfter {
		k.stats.RecordLedgerDegraded()
	}
	if k.ledgerFailures >= ledgerDegradedAfter {
		log.Error("ledger degraded", zap.Int("consecutive_failures", k.ledgerFailures), zap.Error(err))
	} else {
		log.Warn("ledger write failed", zap.Int("consecutive_failures", k.ledgerFailures), zap.Error(err))
	}
	// id is non-zero when the record landed but was not synced.
	return id, err
}

func (k *Kernel) announceKill(line string, out Outcome, log *zap.Logger) {
	log.Error("KILL switch activated",
		zap.Uint64("decision_id", out.ID),
		zap.Int64("latency_ms", out.Latency.Milliseconds()),
		zap.Int("confidence", out.Confidence),
		zap.Int("target_pid", k.actuator.PID()))

	if k.announcer != nil {
		k.announcer.Kill(alert.Kill{
			DecisionID: out.ID,
			Line:       line,
			LatencyMS:  out.Latency.Milliseconds(),
			Confidence: out.Confidence,
			PID:        k.actuator.PID(),
		})
	}
}

// preview truncates long lines for logs.
func preview(line string) string {
	const limit = 80
	r := []rune(line)
	if len(r) <= limit {
		return line
	}
	return string(r[:limit]) + "…"
}
