package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cluster-127/tripwired/internal/alert"
	"github.com/cluster-127/tripwired/internal/classifier"
	"github.com/cluster-127/tripwired/internal/filter"
	"github.com/cluster-127/tripwired/internal/ledger"
	"github.com/cluster-127/tripwired/internal/transport"
)

// events records the order of side effects across fakes.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, s)
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type fakeClassifier struct {
	mu    sync.Mutex
	calls []string
	reply func(line string) (classifier.Decision, error)
}

func (f *fakeClassifier) Classify(_ context.Context, line string) (classifier.Decision, error) {
	f.mu.Lock()
	f.calls = append(f.calls, line)
	f.mu.Unlock()
	return f.reply(line)
}

func (f *fakeClassifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func replying(content string) *fakeClassifier {
	return &fakeClassifier{reply: func(string) (classifier.Decision, error) {
		return classifier.ParseDecision(content), nil
	}}
}

func failing(err error) *fakeClassifier {
	return &fakeClassifier{reply: func(string) (classifier.Decision, error) {
		return classifier.Decision{}, err
	}}
}

type memLedger struct {
	mu      sync.Mutex
	entries []ledger.Entry
	failN   int
	ev      *events
}

func (m *memLedger) Append(e ledger.Entry) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failN > 0 {
		m.failN--
		return 0, errors.New("disk full")
	}
	m.entries = append(m.entries, e)
	if m.ev != nil {
		m.ev.add("ledger:" + e.Action)
	}
	return uint64(len(m.entries)), nil
}

func (m *memLedger) all() []ledger.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledger.Entry(nil), m.entries...)
}

type fakeFirer struct {
	pid   int
	mu    sync.Mutex
	fired []uint64
	ev    *events
}

func (f *fakeFirer) Fire(id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, id)
	if f.ev != nil {
		f.ev.add(fmt.Sprintf("fire:%d", f.pid))
	}
	return f.pid > 0
}

func (f *fakeFirer) PID() int { return f.pid }

func (f *fakeFirer) firedIDs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.fired...)
}

type countingAnnouncer struct {
	mu    sync.Mutex
	kills []alert.Kill
}

func (c *countingAnnouncer) Kill(k alert.Kill) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kills = append(c.kills, k)
}

type harness struct {
	kernel    *Kernel
	cls       *fakeClassifier
	ledger    *memLedger
	firer     *fakeFirer
	announcer *countingAnnouncer
	ev        *events
}

func newHarness(t *testing.T, cls *fakeClassifier, cfg filter.Config, fallback classifier.Action) *harness {
	t.Helper()
	h := newHarnessWith(t, cls, cfg, fallback)
	h.cls = cls
	return h
}

func newHarnessWith(t *testing.T, cls classifier.Classifier, cfg filter.Config, fallback classifier.Action) *harness {
	t.Helper()
	ev := &events{}
	h := &harness{
		ledger:    &memLedger{ev: ev},
		firer:     &fakeFirer{pid: 4242, ev: ev},
		announcer: &countingAnnouncer{},
		ev:        ev,
	}
	f, err := filter.New(cfg)
	require.NoError(t, err)

	h.kernel, err = New(Options{
		Filter:        f,
		Classifier:    cls,
		Ledger:        h.ledger,
		Actuator:      h.firer,
		Announcer:     h.announcer,
		Logger:        zaptest.NewLogger(t),
		ErrorFallback: fallback,
	})
	require.NoError(t, err)
	return h
}

func TestNew_Validation(t *testing.T) {
	f := filter.MustNew(*filter.DefaultConfig())

	_, err := New(Options{Filter: f})
	assert.Error(t, err)

	_, err = New(Options{Filter: f, Classifier: replying(""), Ledger: &memLedger{}, ErrorFallback: classifier.ActionFail})
	assert.Error(t, err, "FAIL is not a valid fallback")

	k, err := New(Options{Filter: f, Classifier: replying(""), Ledger: &memLedger{}})
	require.NoError(t, err)
	assert.Equal(t, classifier.ActionSustain, k.fallback)
}

func TestProcessLine_SafeLineIsFilteredWithoutClassifier(t *testing.T) {
	h := newHarness(t, replying(`{"action":"KILL"}`), *filter.DefaultConfig(), "")

	out := h.kernel.ProcessLine(context.Background(), "User logged in successfully", nil)

	assert.True(t, out.Filtered)
	assert.Equal(t, classifier.ActionSustain, out.Action)
	assert.Equal(t, 100, out.Confidence)
	assert.Zero(t, h.cls.callCount())

	entries := h.ledger.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "SUSTAIN", entries[0].Action)
	assert.True(t, entries[0].Filtered)
	assert.Equal(t, 100, entries[0].Confidence)
	assert.Nil(t, entries[0].RawResponse)
}

func TestProcessLine_EssentialTierRoutesToClassifierInEveryDomain(t *testing.T) {
	for _, d := range filter.Domains() {
		t.Run(string(d), func(t *testing.T) {
			h := newHarness(t, replying(`{"action":"SUSTAIN"}`), filter.Config{Domain: string(d)}, "")

			out := h.kernel.ProcessLine(context.Background(), "rm -rf /", nil)

			assert.False(t, out.Filtered)
			assert.Equal(t, 1, h.cls.callCount())
			assert.Equal(t, classifier.ActionSustain, out.Action)
			assert.Equal(t, 90, out.Confidence)
		})
	}
}

func TestProcessLine_KillRecordsThenActuates(t *testing.T) {
	h := newHarness(t, replying(`{"action":"KILL"}`), *filter.DefaultConfig(), "")

	out := h.kernel.ProcessLine(context.Background(), "Order #991 placed", nil)

	assert.Equal(t, classifier.ActionKill, out.Action)
	assert.Equal(t, 90, out.Confidence)
	assert.True(t, out.Actuated)
	assert.Equal(t, uint64(1), out.ID)

	assert.Equal(t, []string{"ledger:KILL", "fire:4242"}, h.ev.all())
	assert.Equal(t, []uint64{1}, h.firer.fired)

	require.Len(t, h.announcer.kills, 1)
	assert.Equal(t, 4242, h.announcer.kills[0].PID)
	assert.Equal(t, uint64(1), h.announcer.kills[0].DecisionID)

	entry := h.ledger.all()[0]
	require.NotNil(t, entry.RawResponse)
	assert.Equal(t, `{"action":"KILL"}`, *entry.RawResponse)
	assert.Equal(t, uint64(1), h.kernel.Stats().Snapshot().Kills)
}

func TestProcessLine_KillLogsAtErrorLevel(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	f := filter.MustNew(*filter.DefaultConfig())
	k, err := New(Options{Filter: f, Classifier: replying(`{"action":"KILL"}`), Ledger: &memLedger{}, Logger: zap.New(core)})
	require.NoError(t, err)

	k.ProcessLine(context.Background(), "SELL 10 BTC", nil)

	kills := logs.FilterMessage("KILL switch activated").All()
	require.Len(t, kills, 1)
	assert.Equal(t, zap.ErrorLevel, kills[0].Level)
	assert.Equal(t, int64(90), kills[0].ContextMap()["confidence"])
}

func TestProcessLine_AmbiguousReplyIsFailAndNeverKills(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := newHarness(t, replying("I'm not sure what to do"), *filter.DefaultConfig(), "")

	out := h.kernel.ProcessLine(context.Background(), "Order #991 placed", zap.New(core))

	assert.Equal(t, classifier.ActionFail, out.Action)
	assert.Zero(t, out.Confidence)
	assert.False(t, out.Actuated)
	assert.Empty(t, h.firer.fired)
	assert.Empty(t, h.announcer.kills)

	entry := h.ledger.all()[0]
	assert.Equal(t, "FAIL", entry.Action)
	assert.Equal(t, "I'm not sure what to do", *entry.RawResponse)

	warns := logs.FilterMessage("classifier returned an unusable answer").All()
	require.Len(t, warns, 1)
	assert.Equal(t, zap.WarnLevel, warns[0].Level)
	assert.Equal(t, uint64(1), h.kernel.Stats().Snapshot().Fails)
}

func TestProcessLine_ClassifierErrorUsesFallback(t *testing.T) {
	timeout := fmt.Errorf("chat request: %w", context.DeadlineExceeded)

	t.Run("default sustain", func(t *testing.T) {
		h := newHarness(t, failing(timeout), *filter.DefaultConfig(), "")

		out := h.kernel.ProcessLine(context.Background(), "Order #991 placed", nil)

		assert.Equal(t, classifier.ActionSustain, out.Action)
		assert.Zero(t, out.Confidence)
		assert.ErrorIs(t, out.ClassifierErr, context.DeadlineExceeded)
		assert.Empty(t, h.firer.fired)

		entry := h.ledger.all()[0]
		assert.Equal(t, "SUSTAIN", entry.Action)
		assert.False(t, entry.Filtered)
		assert.Equal(t, 0, entry.Confidence)
		require.NotNil(t, entry.RawResponse)
		assert.True(t, strings.HasPrefix(*entry.RawResponse, "ERROR: "))
		assert.Contains(t, *entry.RawResponse, "deadline exceeded")
		assert.Equal(t, uint64(1), h.kernel.Stats().Snapshot().ClassifierErrors)
	})

	t.Run("fail closed", func(t *testing.T) {
		h := newHarness(t, failing(timeout), *filter.DefaultConfig(), classifier.ActionKill)

		out := h.kernel.ProcessLine(context.Background(), "Order #991 placed", nil)

		assert.Equal(t, classifier.ActionKill, out.Action)
		assert.Zero(t, out.Confidence)
		assert.True(t, out.Actuated)
		assert.Equal(t, "KILL", h.ledger.all()[0].Action)
	})
}

func TestProcessLine_ExcludeWins(t *testing.T) {
	h := newHarness(t, replying(`{"action":"KILL"}`), filter.Config{Domain: "trading", Exclude: []string{"test.*order"}}, "")

	whitelisted := h.kernel.ProcessLine(context.Background(), "Test order #123 placed", nil)
	assert.True(t, whitelisted.Filtered)
	assert.Zero(t, h.cls.callCount())

	flagged := h.kernel.ProcessLine(context.Background(), "Order #123 placed", nil)
	assert.False(t, flagged.Filtered)
	assert.Equal(t, 1, h.cls.callCount())
}

func TestProcessLine_LedgerFailureEscalatesAndKillStillFires(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := newHarness(t, replying(`{"action":"KILL"}`), *filter.DefaultConfig(), "")
	h.ledger.failN = 4

	log := zap.New(core)
	for i := 0; i < 3; i++ {
		out := h.kernel.ProcessLine(context.Background(), "heartbeat ok", log)
		assert.Error(t, out.LedgerErr)
	}
	kill := h.kernel.ProcessLine(context.Background(), "SELL 10 BTC", log)

	assert.Error(t, kill.LedgerErr)
	assert.True(t, kill.Actuated, "a KILL must be actuated even when it could not be recorded")

	assert.Equal(t, 2, logs.FilterMessage("ledger write failed").Len())
	degraded := logs.FilterMessage("ledger degraded").All()
	require.Len(t, degraded, 2)
	assert.Equal(t, zap.ErrorLevel, degraded[0].Level)

	snap := h.kernel.Stats().Snapshot()
	assert.Equal(t, uint64(4), snap.LedgerErrors)
	assert.Equal(t, uint64(1), snap.LedgerDegraded)

	ok := h.kernel.ProcessLine(context.Background(), "heartbeat ok", log)
	assert.NoError(t, ok.LedgerErr)
	assert.Equal(t, uint64(1), ok.ID)
}

func TestHandleConn_OneRecordPerLine(t *testing.T) {
	cls := &fakeClassifier{reply: func(line string) (classifier.Decision, error) {
		switch {
		case strings.Contains(line, "SELL"):
			return classifier.ParseDecision(`{"action":"KILL"}`), nil
		case strings.Contains(line, "exposure"):
			return classifier.Decision{}, errors.New("connection refused")
		default:
			return classifier.ParseDecision("no idea"), nil
		}
	}}
	h := newHarness(t, cls, *filter.DefaultConfig(), "")

	input := []string{
		"User logged in successfully",
		"",
		"Order #991 placed",
		"SELL 10 BTC",
		"Total exposure: 500,000 USDT",
		"Heartbeat ok",
	}
	conn := &stringConn{Reader: strings.NewReader(strings.Join(input, "\r\n") + "\n")}

	h.kernel.HandleConn(context.Background(), conn, transport.ModeTCP)

	entries := h.ledger.all()
	require.Len(t, entries, len(input))
	for i, e := range entries {
		assert.Equal(t, input[i], e.Line, "record %d out of order or mangled", i)
	}
	assert.True(t, conn.closed)

	snap := h.kernel.Stats().Snapshot()
	assert.Equal(t, uint64(3), snap.Filtered)
	assert.Equal(t, uint64(3), snap.Analyzed)
	assert.Equal(t, uint64(1), snap.Kills)
}

type stringConn struct {
	*strings.Reader
	closed bool
}

func (c *stringConn) Close() error {
	c.closed = true
	return nil
}

func (c *stringConn) Peer() string { return "test" }

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", preview("short"))
	long := strings.Repeat("é", 100)
	got := preview(long)
	assert.Equal(t, 81, len([]rune(got)))
}

func TestHandleConn_OversizedLineIsRecordedAndReadingContinues(t *testing.T) {
	cls := &fakeClassifier{reply: func(line string) (classifier.Decision, error) {
		if strings.HasPrefix(line, "rm -rf /") {
			return classifier.ParseDecision(`{"action":"KILL"}`), nil
		}
		return classifier.ParseDecision(`{"action":"SUSTAIN"}`), nil
	}}
	h := newHarness(t, cls, *filter.DefaultConfig(), "")

	long := "rm -rf / " + strings.Repeat("x", 2<<20)
	conn := &stringConn{Reader: strings.NewReader(long + "\nheartbeat ok\n")}

	h.kernel.HandleConn(context.Background(), conn, transport.ModeUnix)

	entries := h.ledger.all()
	require.Len(t, entries, 2)

	assert.Equal(t, "KILL", entries[0].Action)
	assert.Len(t, entries[0].Line, transport.MaxLineBytes)
	assert.Equal(t, int64(len(long)-transport.MaxLineBytes), entries[0].DroppedBytes)
	assert.Equal(t, []uint64{1}, h.firer.firedIDs())

	assert.Equal(t, "heartbeat ok", entries[1].Line)
	assert.True(t, entries[1].Filtered)
	assert.Zero(t, entries[1].DroppedBytes)
}

func TestHandleConn_OversizedLineAlwaysReachesClassifier(t *testing.T) {
	h := newHarness(t, replying(`{"action":"SUSTAIN"}`), *filter.DefaultConfig(), "")

	// The dangerous tail is past the kept prefix; the prefix alone is benign.
	padded := strings.Repeat("a", transport.MaxLineBytes+10) + " rm -rf /"
	h.kernel.HandleConn(context.Background(), &stringConn{Reader: strings.NewReader(padded)}, transport.ModeTCP)

	entries := h.ledger.all()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Filtered)
	assert.Equal(t, 1, h.cls.callCount())
}

// gatedClassifier blocks each call until release is closed or its ctx is
// done, whichever comes first.
type gatedClassifier struct {
	started chan struct{}
	release chan struct{}
}

func newGated() *gatedClassifier {
	return &gatedClassifier{started: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gatedClassifier) Classify(ctx context.Context, _ string) (classifier.Decision, error) {
	g.started <- struct{}{}
	select {
	case <-ctx.Done():
		return classifier.Decision{}, ctx.Err()
	case <-g.release:
		return classifier.ParseDecision(`{"action":"SUSTAIN"}`), nil
	}
}

func TestProcessLine_CancelDoesNotAbortClassification(t *testing.T) {
	cls := newGated()
	h := newHarnessWith(t, cls, *filter.DefaultConfig(), classifier.ActionKill)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() { done <- h.kernel.ProcessLine(ctx, "sudo rm -rf /var/lib/bot", nil) }()

	<-cls.started
	cancel()
	close(cls.release)

	out := <-done
	assert.NoError(t, out.ClassifierErr)
	assert.Equal(t, classifier.ActionSustain, out.Action)
	assert.False(t, out.Actuated)
	assert.Empty(t, h.firer.firedIDs(), "stopping the kernel must not kill the target")

	entries := h.ledger.all()
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].RawResponse)
	assert.NotContains(t, *entries[0].RawResponse, "ERROR")
}

// chanListener hands out connections pushed onto conns.
type chanListener struct {
	conns      chan transport.Conn
	concurrent bool
	once       sync.Once
	closed     chan struct{}
}

func newChanListener(concurrent bool) *chanListener {
	return &chanListener{conns: make(chan transport.Conn), concurrent: concurrent, closed: make(chan struct{})}
}

func (l *chanListener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, net.ErrClosed
	case c := <-l.conns:
		return c, nil
	}
}

func (l *chanListener) Addr() string { return "test" }

func (l *chanListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *chanListener) Concurrent() bool { return l.concurrent }

func (l *chanListener) Mode() transport.Mode {
	if l.concurrent {
		return transport.ModeUnix
	}
	return transport.ModePipe
}

type pipeConn struct {
	*io.PipeReader
	peer string
}

func (c pipeConn) Peer() string { return c.peer }

func newPipeConn(peer string) (transport.Conn, *io.PipeWriter) {
	r, w := io.Pipe()
	return pipeConn{PipeReader: r, peer: peer}, w
}

func serve(t *testing.T, k *Kernel, ln transport.Listener) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Serve(ctx, ln) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitServe(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func (h *harness) lines() []string {
	var out []string
	for _, e := range h.ledger.all() {
		out = append(out, e.Line)
	}
	return out
}

func TestServe_SingleClientListenerServesOneConnectionAtATime(t *testing.T) {
	h := newHarness(t, replying(`{"action":"SUSTAIN"}`), *filter.DefaultConfig(), "")
	ln := newChanListener(false)
	cancel, done := serve(t, h.kernel, ln)

	a, aw := newPipeConn("a")
	ln.conns <- a
	_, err := io.WriteString(aw, "heartbeat a1\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.ledger.all()) == 1 }, 2*time.Second, 5*time.Millisecond)

	accepted := make(chan struct{})
	go func() {
		ln.conns <- &stringConn{Reader: strings.NewReader("heartbeat b1\n")}
		close(accepted)
	}()
	assert.Never(t, func() bool {
		select {
		case <-accepted:
			return true
		default:
			return false
		}
	}, 100*time.Millisecond, 10*time.Millisecond, "second client accepted while the first is open")

	require.NoError(t, aw.Close())
	require.Eventually(t, func() bool { return len(h.ledger.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"heartbeat a1", "heartbeat b1"}, h.lines())

	cancel()
	waitServe(t, done)
	assert.Equal(t, uint64(2), h.kernel.Stats().Snapshot().Connections)
}

func TestServe_ConcurrentListenerInterleavesConnections(t *testing.T) {
	h := newHarness(t, replying(`{"action":"SUSTAIN"}`), *filter.DefaultConfig(), "")
	ln := newChanListener(true)
	cancel, done := serve(t, h.kernel, ln)

	a, aw := newPipeConn("a")
	b, bw := newPipeConn("b")
	ln.conns <- a
	ln.conns <- b

	for i, step := range []struct {
		w    *io.PipeWriter
		line string
	}{
		{aw, "heartbeat a1"},
		{bw, "heartbeat b1"},
		{aw, "heartbeat a2"},
	} {
		_, err := io.WriteString(step.w, step.line+"\n")
		require.NoError(t, err)
		want := i + 1
		require.Eventually(t, func() bool { return len(h.ledger.all()) == want }, 2*time.Second, 5*time.Millisecond)
	}
	assert.Equal(t, []string{"heartbeat a1", "heartbeat b1", "heartbeat a2"}, h.lines())

	// Both connections are still open; cancel closes them.
	cancel()
	waitServe(t, done)
}

func TestServe_CancelDrainsInFlightLine(t *testing.T) {
	cls := newGated()
	h := newHarnessWith(t, cls, *filter.DefaultConfig(), classifier.ActionKill)
	ln := newChanListener(true)
	cancel, done := serve(t, h.kernel, ln)

	a, aw := newPipeConn("a")
	ln.conns <- a
	go func() { _, _ = io.WriteString(aw, "sudo systemctl stop trading-bot\n") }()

	<-cls.started
	cancel()
	select {
	case <-done:
		t.Fatal("Serve returned before the in-flight line was recorded")
	case <-time.After(100 * time.Millisecond):
	}

	close(cls.release)
	waitServe(t, done)

	entries := h.ledger.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "SUSTAIN", entries[0].Action)
	assert.Empty(t, h.firer.firedIDs())
}
