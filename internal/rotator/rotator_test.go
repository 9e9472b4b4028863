package rotator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"stream-rotator/internal/broadcast"
	"stream-rotator/internal/catalog"
	"stream-rotator/internal/encoder"
	"stream-rotator/internal/matcher"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type call struct {
	op string
	id string
	at time.Time
}

type fakeLifecycle struct {
	mu    sync.Mutex
	calls []call

	scheduleLead time.Duration
	activeAfter  int // status polls per broadcast before Active

	created          int
	failCreatesUntil int // fail creations 1..n
	failCreatesFrom  int // fail creations n.. (0 = never)

	statusPolls   map[string]int
	statusErrOnce bool
	rejectTesting int // reject this many Testing transitions
	handles       map[string]broadcast.Handle
}

func newFakeLifecycle(scheduleLead time.Duration, activeAfter int) *fakeLifecycle {
	return &fakeLifecycle{
		scheduleLead: scheduleLead,
		activeAfter:  activeAfter,
		statusPolls:  make(map[string]int),
		handles:      make(map[string]broadcast.Handle),
	}
}

func (f *fakeLifecycle) record(op, id string) {
	f.calls = append(f.calls, call{op: op, id: id, at: time.Now()})
}

func (f *fakeLifecycle) CreateSession(_ context.Context, title, _ string) (broadcast.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	n := f.created
	if n <= f.failCreatesUntil || (f.failCreatesFrom > 0 && n >= f.failCreatesFrom) {
		f.record("create-fail", "")
		return broadcast.Handle{}, fmt.Errorf("control api unavailable")
	}
	id := fmt.Sprintf("bc-%d", n)
	h := broadcast.Handle{
		BroadcastID:    id,
		IngestURL:      "rtmp://ingest.example/live/" + id,
		ScheduledStart: time.Now().Add(f.scheduleLead),
	}
	f.handles[id] = h
	f.record("create", id)
	return h, nil
}

func (f *fakeLifecycle) IngestionStatus(_ context.Context, id string) (broadcast.IngestionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErrOnce {
		f.statusErrOnce = false
		f.record("status-err", id)
		return broadcast.IngestionInactive, fmt.Errorf("ingestion status: %w", broadcast.ErrLifecycle)
	}
	f.statusPolls[id]++
	if f.statusPolls[id] >= f.activeAfter {
		f.record("status-active", id)
		return broadcast.IngestionActive, nil
	}
	f.record("status-inactive", id)
	return broadcast.IngestionInactive, nil
}

func (f *fakeLifecycle) Transition(_ context.Context, id string, target broadcast.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if target == broadcast.StateTesting && f.rejectTesting > 0 {
		f.rejectTesting--
		f.record("transition-rejected", id)
		return fmt.Errorf("%w: ingestion not confirmed", broadcast.ErrInvalidTransition)
	}
	f.record("transition:"+string(target), id)
	return nil
}

func (f *fakeLifecycle) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]call, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeLifecycle) handle(id string) broadcast.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[id]
}

type fakeEncoder struct {
	mu        sync.Mutex
	output    string
	audioPath string
	startedAt time.Time
	stoppedAt time.Time
	running   bool
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func (e *fakeEncoder) Start(_, audio, output string, _ encoder.Profile, _ time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audioPath = audio
	e.output = output
	e.startedAt = time.Now()
	e.running = true
	e.stopCh = make(chan struct{})
	return nil
}

func (e *fakeEncoder) SuperviseUntil(ctx context.Context, deadline time.Time) error {
	select {
	case <-ctx.Done():
		e.Stop()
		return ctx.Err()
	case <-e.stopCh:
		return nil
	case <-time.After(time.Until(deadline)):
		e.Stop()
		return nil
	}
}

func (e *fakeEncoder) Alive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *fakeEncoder) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.running = false
		e.stoppedAt = time.Now()
		e.mu.Unlock()
		close(e.stopCh)
	})
}

type encoderLog struct {
	mu       sync.Mutex
	encoders []*fakeEncoder
}

func (l *encoderLog) factory() Encoder {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := &fakeEncoder{}
	l.encoders = append(l.encoders, e)
	return e
}

func (l *encoderLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.encoders)
}

func (l *encoderLog) get(i int) *fakeEncoder {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.encoders[i]
}

type staticSelector struct{}

func (staticSelector) Select(context.Context) (Selection, error) {
	return Selection{
		Video:     catalog.Asset{Name: "Cabin_Rain_Loop.mp4"},
		Audio:     catalog.Asset{Name: "deep_rain.wav"},
		VideoPath: "/v/Cabin_Rain_Loop.mp4",
		AudioPath: "/a/deep_rain.wav",
		Category:  matcher.Category{ID: "rain"},
		Title:     "Cabin Rain Loop | Rain Ambience 24/7",
	}, nil
}

func fastConfig() Config {
	return Config{
		SessionDuration: 200 * time.Millisecond,
		RotationLead:    120 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		Cooldown:        20 * time.Millisecond,
		FailurePause:    20 * time.Millisecond,
		Profile:         encoder.DefaultProfile(),
	}
}

func runRotator(t *testing.T, r *Rotator, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d + 2*time.Second):
		t.Fatal("rotator did not stop after context cancellation")
	}
}

func indexOf(calls []call, op, id string) int {
	for i, c := range calls {
		if c.op == op && (id == "" || c.id == id) {
			return i
		}
	}
	return -1
}

func countOf(calls []call, op, id string) int {
	n := 0
	for _, c := range calls {
		if c.op == op && (id == "" || c.id == id) {
			n++
		}
	}
	return n
}

func TestRotator_full_cycle(t *testing.T) {
	lc := newFakeLifecycle(60*time.Millisecond, 2)
	encs := &encoderLog{}
	r := New(staticSelector{}, lc, encs.factory, testLogger(), nil, fastConfig())

	runRotator(t, r, 600*time.Millisecond)

	calls := lc.snapshot()

	// Testing only once ingestion is confirmed Active.
	active := indexOf(calls, "status-active", "bc-1")
	testing := indexOf(calls, "transition:testing", "bc-1")
	if active == -1 || testing == -1 {
		t.Fatalf("missing lifecycle calls: %+v", calls)
	}
	if testing < active {
		t.Errorf("Testing issued before ingestion was Active (idx %d < %d)", testing, active)
	}
	if countOf(calls[:active], "status-inactive", "bc-1") == 0 {
		t.Errorf("expected at least one Inactive poll before Active")
	}

	// Live only at or after the scheduled start.
	h1 := lc.handle("bc-1")
	liveIdx := indexOf(calls, "transition:live", "bc-1")
	if liveIdx == -1 {
		t.Fatalf("session never went live: %+v", calls)
	}
	if calls[liveIdx].at.Before(h1.ScheduledStart) {
		t.Errorf("Live issued before scheduled start: %v < %v", calls[liveIdx].at, h1.ScheduledStart)
	}

	// Next pre-created at or after endTime minus the rotation lead, never before.
	endTime := h1.ScheduledStart.Add(200 * time.Millisecond)
	create2 := indexOf(calls, "create", "bc-2")
	if create2 == -1 {
		t.Fatalf("next session was never pre-created: %+v", calls)
	}
	if calls[create2].at.Before(endTime.Add(-120 * time.Millisecond)) {
		t.Errorf("next created before the rotation lead window opened: %v", calls[create2].at)
	}

	// Current finalized exactly once, at or after endTime.
	if n := countOf(calls, "transition:complete", "bc-1"); n != 1 {
		t.Errorf("expected exactly one Complete for bc-1, got %d", n)
	}
	completeIdx := indexOf(calls, "transition:complete", "bc-1")
	if calls[completeIdx].at.Before(endTime) {
		t.Errorf("Complete issued before endTime: %v < %v", calls[completeIdx].at, endTime)
	}

	// Encoders never overlap: next's encoder starts only after current's stopped.
	if encs.count() < 2 {
		t.Fatalf("expected a second encoder after rotation, got %d", encs.count())
	}
	enc1, enc2 := encs.get(0), encs.get(1)
	if enc2.startedAt.Before(enc1.stoppedAt) {
		t.Errorf("second encoder started before the first stopped: %v < %v", enc2.startedAt, enc1.stoppedAt)
	}
	if enc1.output != "rtmp://ingest.example/live/bc-1" {
		t.Errorf("encoder bound to wrong ingest endpoint: %q", enc1.output)
	}
}

func TestRotator_end_to_end_selection(t *testing.T) {
	src := &stubSource{
		videos: []catalog.Asset{{Name: "Cabin_Rain_Loop.mp4", Locator: "/v/Cabin_Rain_Loop.mp4"}},
		audios: []catalog.Asset{
			{Name: "deep_rain.wav", Locator: "/a/deep_rain.wav"},
			{Name: "forest_wind.wav", Locator: "/a/forest_wind.wav"},
		},
	}
	match := matcher.New(nil, rand.New(rand.NewSource(7)))
	cat := catalog.New(src, match.TagName)
	selector := &AssetSelector{
		Catalog:  cat,
		Matcher:  match,
		Resolver: catalog.PassthroughResolver{},
		Log:      testLogger(),
		Rand:     rand.New(rand.NewSource(7)),
	}

	lc := newFakeLifecycle(40*time.Millisecond, 2)
	encs := &encoderLog{}
	r := New(selector, lc, encs.factory, testLogger(), nil, fastConfig())

	runRotator(t, r, 400*time.Millisecond)

	// classify(Cabin_Rain_Loop) -> rain; strict match selects the rain track.
	if encs.count() == 0 {
		t.Fatal("no encoder started")
	}
	if got := encs.get(0).audioPath; got != "/a/deep_rain.wav" {
		t.Errorf("expected the rain-matched audio, got %q", got)
	}

	calls := lc.snapshot()
	if indexOf(calls, "transition:testing", "bc-1") == -1 {
		t.Errorf("expected Testing transition: %+v", calls)
	}
	if indexOf(calls, "transition:live", "bc-1") == -1 {
		t.Errorf("expected Live transition: %+v", calls)
	}
	if n := countOf(calls, "transition:complete", "bc-1"); n != 1 {
		t.Errorf("expected exactly one Complete, got %d", n)
	}
}

func TestRotator_create_failure_retries_after_cooldown(t *testing.T) {
	lc := newFakeLifecycle(40*time.Millisecond, 1)
	lc.failCreatesUntil = 1
	encs := &encoderLog{}
	r := New(staticSelector{}, lc, encs.factory, testLogger(), nil, fastConfig())

	runRotator(t, r, 250*time.Millisecond)

	calls := lc.snapshot()
	failIdx := indexOf(calls, "create-fail", "")
	okIdx := indexOf(calls, "create", "bc-2")
	if failIdx == -1 || okIdx == -1 {
		t.Fatalf("expected a failed then a successful create: %+v", calls)
	}
	if gap := calls[okIdx].at.Sub(calls[failIdx].at); gap < 20*time.Millisecond {
		t.Errorf("retry should wait out the cooldown, gap was %v", gap)
	}
	if encs.count() == 0 {
		t.Error("encoder should start once creation succeeds")
	}
}

func TestRotator_gap_when_next_unavailable(t *testing.T) {
	lc := newFakeLifecycle(40*time.Millisecond, 1)
	lc.failCreatesFrom = 2
	encs := &encoderLog{}
	r := New(staticSelector{}, lc, encs.factory, testLogger(), nil, fastConfig())

	runRotator(t, r, 450*time.Millisecond)

	calls := lc.snapshot()
	// Current still finalized on time even with no next ready.
	if n := countOf(calls, "transition:complete", "bc-1"); n != 1 {
		t.Fatalf("expected exactly one Complete for bc-1, got %d", n)
	}
	if !encs.get(0).stoppedAt.After(encs.get(0).startedAt) {
		t.Error("current encoder should be stopped at rotation")
	}
	// The loop keeps trying to start a fresh session after the gap.
	completeIdx := indexOf(calls, "transition:complete", "bc-1")
	if countOf(calls[completeIdx:], "create-fail", "") == 0 {
		t.Errorf("expected further creation attempts after the gap: %+v", calls)
	}
}

func TestRotator_rejected_testing_rechecked_not_reset(t *testing.T) {
	lc := newFakeLifecycle(40*time.Millisecond, 1)
	lc.rejectTesting = 1
	encs := &encoderLog{}
	r := New(staticSelector{}, lc, encs.factory, testLogger(), nil, fastConfig())

	runRotator(t, r, 200*time.Millisecond)

	calls := lc.snapshot()
	if indexOf(calls, "transition-rejected", "bc-1") == -1 {
		t.Fatalf("expected a rejected Testing transition: %+v", calls)
	}
	if indexOf(calls, "transition:testing", "bc-1") == -1 {
		t.Errorf("Testing should be retried after re-checking preconditions: %+v", calls)
	}
	// A rejection re-checks preconditions; it must not tear the session down.
	if n := countOf(calls, "create", ""); n != 1 {
		t.Errorf("session must not be reset by a rejected transition, got %d creates", n)
	}
}

func TestRotator_lifecycle_error_resets_session(t *testing.T) {
	lc := newFakeLifecycle(40*time.Millisecond, 1)
	lc.statusErrOnce = true
	encs := &encoderLog{}
	r := New(staticSelector{}, lc, encs.factory, testLogger(), nil, fastConfig())

	runRotator(t, r, 300*time.Millisecond)

	calls := lc.snapshot()
	// Exhausted retries abort the whole attempt: finalize best-effort, start over.
	if indexOf(calls, "transition:complete", "bc-1") == -1 {
		t.Errorf("failed session should be finalized best-effort: %+v", calls)
	}
	if indexOf(calls, "create", "bc-2") == -1 {
		t.Errorf("a fresh session should be created after the reset: %+v", calls)
	}
	if !encs.get(0).stoppedAt.After(time.Time{}) {
		t.Error("failed session's encoder must be killed immediately")
	}
}

func TestRotator_active_sessions_gauge(t *testing.T) {
	lc := newFakeLifecycle(40*time.Millisecond, 1)
	encs := &encoderLog{}
	r := New(staticSelector{}, lc, encs.factory, testLogger(), nil, fastConfig())

	if got := r.ActiveSessions(); got != 0 {
		t.Errorf("expected 0 sessions before start, got %d", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for r.ActiveSessions() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := r.ActiveSessions(); got < 1 {
		t.Errorf("expected at least one active session, got %d", got)
	}

	cancel()
	<-done
	if got := r.ActiveSessions(); got != 0 {
		t.Errorf("expected 0 sessions after shutdown, got %d", got)
	}
}

type stubSource struct {
	videos []catalog.Asset
	audios []catalog.Asset
}

func (s *stubSource) Fetch(context.Context) ([]catalog.Asset, []catalog.Asset, error) {
	return s.videos, s.audios, nil
}
