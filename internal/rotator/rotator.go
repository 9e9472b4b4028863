package rotator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"stream-rotator/internal/broadcast"
	"stream-rotator/internal/encoder"
	"stream-rotator/internal/platform/metrics"
)

// Lifecycle is the slice of the broadcast client the rotator drives.
// Satisfied by *broadcast.Client.
type Lifecycle interface {
	CreateSession(ctx context.Context, title, videoPath string) (broadcast.Handle, error)
	IngestionStatus(ctx context.Context, id string) (broadcast.IngestionStatus, error)
	Transition(ctx context.Context, id string, target broadcast.State) error
}

// Encoder is one session's encoder supervisor. Satisfied by
// *encoder.Supervisor.
type Encoder interface {
	Start(video, audio, output string, profile encoder.Profile, maxDuration time.Duration) error
	SuperviseUntil(ctx context.Context, deadline time.Time) error
	Alive() bool
	Stop()
}

// EncoderFactory builds a fresh supervisor for each session; supervisors are
// single-use.
type EncoderFactory func() Encoder

// Config holds the rotator's timing knobs.
type Config struct {
	// SessionDuration is the nominal on-air length of each session.
	SessionDuration time.Duration
	// RotationLead is how long before a session's end the next session's
	// broadcast is pre-created.
	RotationLead time.Duration
	// PollInterval bounds how often the control loop re-checks conditions.
	PollInterval time.Duration
	// Cooldown is the wait after a failed session creation when no session
	// is on air. This is the only unbounded-retry point: without a current
	// session the system produces no output at all.
	Cooldown time.Duration
	// FailurePause is the wait after an iteration error before resuming
	// from a clean slate.
	FailurePause time.Duration
	// Profile is the encoding profile handed to every encoder.
	Profile encoder.Profile
}

// DefaultConfig returns production timing defaults.
func DefaultConfig() Config {
	return Config{
		SessionDuration: 6 * time.Hour,
		RotationLead:    15 * time.Minute,
		PollInterval:    10 * time.Second,
		Cooldown:        60 * time.Second,
		FailurePause:    15 * time.Second,
		Profile:         encoder.DefaultProfile(),
	}
}

// Rotator is the root control loop. It holds at most two sessions, current
// and next, pre-creating next before current ends so one session's end and
// the next's start overlap without a visible gap. Next's encoder stays
// deferred until promotion so two ingestion streams never run at once.
type Rotator struct {
	selector   Selector
	lifecycle  Lifecycle
	newEncoder EncoderFactory
	log        *slog.Logger
	metrics    *metrics.Metrics
	cfg        Config

	mu         sync.Mutex
	current    *Session
	next       *Session
	currentEnc Encoder

	wg sync.WaitGroup
}

// New returns a Rotator composing the given collaborators. Metrics may be
// nil to disable metric recording.
func New(selector Selector, lifecycle Lifecycle, newEncoder EncoderFactory, log *slog.Logger, m *metrics.Metrics, cfg Config) *Rotator {
	def := DefaultConfig()
	if cfg.SessionDuration <= 0 {
		cfg.SessionDuration = def.SessionDuration
	}
	if cfg.RotationLead <= 0 {
		cfg.RotationLead = def.RotationLead
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.FailurePause <= 0 {
		cfg.FailurePause = def.FailurePause
	}
	return &Rotator{
		selector:   selector,
		lifecycle:  lifecycle,
		newEncoder: newEncoder,
		log:        log,
		metrics:    m,
		cfg:        cfg,
	}
}

// ActiveSessions returns how many sessions (current and next) the rotator
// holds. Used for the metrics gauge.
func (r *Rotator) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	if r.current != nil {
		n++
	}
	if r.next != nil {
		n++
	}
	return n
}

// Run drives sessions until ctx is cancelled. A failed iteration resets both
// current and next and resumes after a short pause: a full restart is
// preferred over carrying partial, inconsistent state.
func (r *Rotator) Run(ctx context.Context) error {
	defer r.wg.Wait()

	for {
		if err := r.iterate(ctx); err != nil {
			if ctx.Err() != nil {
				r.teardown()
				return ctx.Err()
			}
			r.log.Error("cycle failed, resetting sessions", slog.String("error", err.Error()))
			r.abandonAll(ctx)
			if !sleepCtx(ctx, r.cfg.FailurePause) {
				r.teardown()
				return ctx.Err()
			}
			continue
		}
		if !sleepCtx(ctx, r.cfg.PollInterval) {
			r.teardown()
			return ctx.Err()
		}
	}
}

// iterate runs one pass of the control algorithm: ensure a current session,
// advance its lifecycle, pre-create next inside the rotation lead window,
// and rotate at the end time.
func (r *Rotator) iterate(ctx context.Context) error {
	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()

	if cur == nil {
		sess, enc, err := r.startSession(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Error("session creation failed, retrying after cooldown",
				slog.String("error", err.Error()))
			if r.metrics != nil {
				r.metrics.IncSessionsFailed()
			}
			sleepCtx(ctx, r.cfg.Cooldown)
			return nil
		}
		r.setCurrent(sess, enc)
		return nil
	}

	if err := r.advanceLifecycle(ctx, cur); err != nil {
		return err
	}

	now := time.Now()

	if r.nextSession() == nil && !now.Before(cur.EndTime.Add(-r.cfg.RotationLead)) && now.Before(cur.EndTime) {
		r.createNext(ctx)
	}

	if !now.Before(cur.EndTime) {
		r.rotate(ctx)
	}

	return nil
}

// advanceLifecycle moves the current broadcast through Testing and Live.
// Transitions are gated on explicit condition checks, never on assumptions
// about the remote side: Testing only once ingestion is Active, Live only at
// or after the scheduled start.
func (r *Rotator) advanceLifecycle(ctx context.Context, cur *Session) error {
	if cur.State == broadcast.StateIngestionPending {
		status, err := r.lifecycle.IngestionStatus(ctx, cur.BroadcastID)
		if err != nil {
			return err
		}
		if status != broadcast.IngestionActive {
			return nil
		}
		if err := r.lifecycle.Transition(ctx, cur.BroadcastID, broadcast.StateTesting); err != nil {
			if errors.Is(err, broadcast.ErrInvalidTransition) {
				r.log.Warn("testing transition rejected, re-checking next cycle",
					slog.String("broadcast_id", cur.BroadcastID))
				return nil
			}
			return err
		}
		cur.State = broadcast.StateTesting
	}

	if cur.State == broadcast.StateTesting && !time.Now().Before(cur.ScheduledStart) {
		if err := r.lifecycle.Transition(ctx, cur.BroadcastID, broadcast.StateLive); err != nil {
			if errors.Is(err, broadcast.ErrInvalidTransition) {
				r.log.Warn("live transition rejected, re-checking next cycle",
					slog.String("broadcast_id", cur.BroadcastID))
				return nil
			}
			return err
		}
		cur.State = broadcast.StateLive
		r.log.Info("session live",
			slog.String("session_id", cur.ID.String()),
			slog.String("broadcast_id", cur.BroadcastID),
			slog.Time("end_time", cur.EndTime))
	}

	return nil
}

// createNext pre-creates the next session's broadcast. Its encoder stays
// deferred: the remote scheduled-start lead must elapse before its own
// ingestion window opens. A failure here is retried on later iterations;
// if none succeeds before current ends, the rotation leaves a logged gap.
func (r *Rotator) createNext(ctx context.Context) {
	sess, err := r.createSession(ctx)
	if err != nil {
		r.log.Warn("next session creation failed, will retry",
			slog.String("error", err.Error()))
		return
	}
	r.mu.Lock()
	r.next = sess
	r.mu.Unlock()
	r.log.Info("next session pre-created",
		slog.String("session_id", sess.ID.String()),
		slog.String("broadcast_id", sess.BroadcastID),
		slog.Time("scheduled_start", sess.ScheduledStart))
}

// rotate ends the current session and promotes next, starting its encoder
// only now so both sessions never push ingestion streams at the same time.
func (r *Rotator) rotate(ctx context.Context) {
	r.mu.Lock()
	cur := r.current
	enc := r.currentEnc
	next := r.next
	r.current, r.currentEnc, r.next = nil, nil, nil
	r.mu.Unlock()

	if enc != nil {
		enc.Stop()
	}
	r.complete(ctx, cur)

	if next == nil {
		r.log.Warn("no next session ready at rotation, channel goes dark until a new session starts")
		return
	}

	nextEnc, err := r.startEncoder(ctx, next)
	if err != nil {
		r.log.Error("promoted session failed to start encoder",
			slog.String("session_id", next.ID.String()),
			slog.String("error", err.Error()))
		r.abandon(ctx, next, nil)
		return
	}
	r.setCurrent(next, nextEnc)
	if r.metrics != nil {
		r.metrics.IncRotations()
	}
	r.log.Info("rotated to next session",
		slog.String("session_id", next.ID.String()),
		slog.String("broadcast_id", next.BroadcastID))
}

// startSession creates a session and starts its encoder immediately. Used
// when no session is on air.
func (r *Rotator) startSession(ctx context.Context) (*Session, Encoder, error) {
	sess, err := r.createSession(ctx)
	if err != nil {
		return nil, nil, err
	}
	enc, err := r.startEncoder(ctx, sess)
	if err != nil {
		r.abandon(ctx, sess, nil)
		return nil, nil, err
	}
	return sess, enc, nil
}

// createSession selects content and creates the remote broadcast. The
// encoder is not started here.
func (r *Rotator) createSession(ctx context.Context) (*Session, error) {
	sel, err := r.selector.Select(ctx)
	if err != nil {
		return nil, err
	}

	handle, err := r.lifecycle.CreateSession(ctx, sel.Title, sel.VideoPath)
	if err != nil {
		return nil, err
	}

	return &Session{
		ID:             uuid.New(),
		Video:          sel.Video,
		Audio:          sel.Audio,
		VideoPath:      sel.VideoPath,
		AudioPath:      sel.AudioPath,
		Category:       sel.Category,
		Title:          sel.Title,
		BroadcastID:    handle.BroadcastID,
		IngestURL:      handle.IngestURL,
		ScheduledStart: handle.ScheduledStart,
		EndTime:        handle.ScheduledStart.Add(r.cfg.SessionDuration),
		State:          broadcast.StateCreated,
	}, nil
}

// startEncoder spawns the session's encoder and launches its supervision
// worker. The session moves to IngestionPending: output is flowing, the
// remote side has yet to confirm it.
func (r *Rotator) startEncoder(ctx context.Context, sess *Session) (Encoder, error) {
	enc := r.newEncoder()
	maxDuration := time.Until(sess.EndTime) + time.Minute
	if err := enc.Start(sess.VideoPath, sess.AudioPath, sess.IngestURL, r.cfg.Profile, maxDuration); err != nil {
		return nil, err
	}
	sess.State = broadcast.StateIngestionPending

	deadline := sess.EndTime
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := enc.SuperviseUntil(ctx, deadline); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error("encoder supervision ended with error",
				slog.String("session_id", sess.ID.String()),
				slog.String("error", err.Error()))
		}
	}()

	if r.metrics != nil {
		r.metrics.IncSessionsStarted()
	}
	r.log.Info("session started",
		slog.String("session_id", sess.ID.String()),
		slog.String("broadcast_id", sess.BroadcastID),
		slog.String("category", sess.Category.ID),
		slog.String("title", sess.Title))
	return enc, nil
}

// complete finalizes a session's broadcast, best-effort.
func (r *Rotator) complete(ctx context.Context, sess *Session) {
	if sess == nil || sess.State == broadcast.StateComplete {
		return
	}
	if err := r.lifecycle.Transition(ctx, sess.BroadcastID, broadcast.StateComplete); err != nil {
		r.log.Warn("broadcast finalize failed",
			slog.String("broadcast_id", sess.BroadcastID),
			slog.String("error", err.Error()))
		return
	}
	sess.State = broadcast.StateComplete
}

// abandon kills a failed session's encoder immediately and finalizes its
// broadcast best-effort so remote resources are not leaked.
func (r *Rotator) abandon(ctx context.Context, sess *Session, enc Encoder) {
	if sess == nil {
		return
	}
	if enc != nil {
		enc.Stop()
	}
	sess.State = broadcast.StateFailed
	if err := r.lifecycle.Transition(ctx, sess.BroadcastID, broadcast.StateComplete); err != nil {
		r.log.Warn("broadcast finalize failed",
			slog.String("broadcast_id", sess.BroadcastID),
			slog.String("error", err.Error()))
	}
	if r.metrics != nil {
		r.metrics.IncSessionsFailed()
	}
}

// abandonAll resets both sessions after an iteration failure.
func (r *Rotator) abandonAll(ctx context.Context) {
	r.mu.Lock()
	cur, enc, next := r.current, r.currentEnc, r.next
	r.current, r.currentEnc, r.next = nil, nil, nil
	r.mu.Unlock()

	r.abandon(ctx, cur, enc)
	r.abandon(ctx, next, nil)
}

// teardown stops any running encoder on shutdown so no external process is
// orphaned. Remote finalization gets its own short deadline because the
// run context is already cancelled.
func (r *Rotator) teardown() {
	r.mu.Lock()
	cur, enc, next := r.current, r.currentEnc, r.next
	r.current, r.currentEnc, r.next = nil, nil, nil
	r.mu.Unlock()

	if enc != nil {
		enc.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r.complete(ctx, cur)
	r.complete(ctx, next)
	r.log.Info("rotator stopped")
}

func (r *Rotator) setCurrent(sess *Session, enc Encoder) {
	r.mu.Lock()
	r.current = sess
	r.currentEnc = enc
	r.mu.Unlock()
}

func (r *Rotator) nextSession() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

// sleepCtx waits for d or until ctx is cancelled. It reports false when the
// context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
