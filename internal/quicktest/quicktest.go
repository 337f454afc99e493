// Package quicktest runs the anonymous homepage test: a fixed, simulated
// timeline of cockpit events published on an ephemeral subject, plus a
// short-lived summary that the visitor can fetch afterwards.
package quicktest

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/getsafe360/saas-app/internal/bus"
	"github.com/getsafe360/saas-app/internal/pairing"
	"github.com/getsafe360/saas-app/internal/shared"
)

// Summary is the result text of every simulated run.
const Summary = "We found 2 accessibility issues and 3 performance opportunities."

const DefaultResultTTL = time.Hour

var ErrURLRequired = shared.Validation("url_required")

type Publisher interface {
	Publish(ctx context.Context, subjectID string, ev bus.Event) (bus.Event, error)
}

// Step is one timeline event, emitted Delay after the run starts.
type Step struct {
	Delay time.Duration
	Event bus.Event
}

// Timeline is the simulated run.
var Timeline = []Step{
	{0, bus.Event{Type: bus.TypeStatus, State: bus.StateInProgress}},
	{0, bus.Event{Type: bus.TypeProgress, State: bus.StateInProgress, Progress: bus.Progress(8)}},
	{350 * time.Millisecond, bus.Event{Type: bus.TypeCategory, State: bus.StateInProgress, Category: "accessibility", Issues: []bus.Issue{
		{ID: "a11y-1", Severity: "high", Title: "Buttons missing accessible labels"},
		{ID: "a11y-2", Severity: "medium", Title: "Insufficient contrast in hero section"},
	}}},
	{700 * time.Millisecond, bus.Event{Type: bus.TypeProgress, State: bus.StateInProgress, Progress: bus.Progress(52)}},
	{1050 * time.Millisecond, bus.Event{Type: bus.TypeCategory, State: bus.StateInProgress, Category: "performance", Issues: []bus.Issue{
		{ID: "perf-1", Severity: "medium", Title: "Large hero image without next-gen format"},
		{ID: "perf-2", Severity: "low", Title: "Render-blocking CSS detected"},
		{ID: "perf-3", Severity: "medium", Title: "Unused JavaScript on landing route"},
	}}},
	{1400 * time.Millisecond, bus.Event{Type: bus.TypeProgress, State: bus.StateInProgress, Progress: bus.Progress(88)}},
	{1750 * time.Millisecond, bus.Event{Type: bus.TypeSavings, State: bus.StateInProgress, Savings: &bus.Savings{
		TokensUsed: 850, TimeSaved: "~2h/week", CostSaved: "$120/mo",
	}}},
	{2100 * time.Millisecond, bus.Status(bus.StateCompleted)},
}

type Result struct {
	TestID    string    `json:"testId"`
	URL       string    `json:"url"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"createdAt"`
}

type Runner struct {
	events Publisher
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
	ttl    time.Duration
	scale  float64

	mu      sync.Mutex
	results map[string]Result

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Runner)

func WithLogger(logger *slog.Logger) Option { return func(r *Runner) { r.logger = logger } }

func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

func WithResultTTL(ttl time.Duration) Option { return func(r *Runner) { r.ttl = ttl } }

// WithIDGenerator replaces the uuid test ids.
func WithIDGenerator(newID func() string) Option { return func(r *Runner) { r.newID = newID } }

// WithTimeScale multiplies every timeline delay; 0 emits the whole run at once.
func WithTimeScale(scale float64) Option { return func(r *Runner) { r.scale = scale } }

func New(events Publisher, opts ...Option) *Runner {
	r := &Runner{
		events:  events,
		logger:  slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
		ttl:     DefaultResultTTL,
		scale:   1,
		results: make(map[string]Result),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// Start records the summary and begins the timeline in the background.
// The run outlives the calling request.
func (r *Runner) Start(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", ErrURLRequired
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	normalized, _, err := pairing.NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}

	id := r.newID()
	r.mu.Lock()
	r.purgeLocked()
	r.results[id] = Result{TestID: id, URL: normalized, Summary: Summary, CreatedAt: r.now()}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(id)
	}()
	r.logger.Info("quick test started", "test_id", id, "url", normalized)
	return id, nil
}

func (r *Runner) run(testID string) {
	ctx := shared.WithSubject(r.ctx, testID)
	var timer *time.Timer
	started := time.Now()
	for _, step := range Timeline {
		wait := time.Duration(float64(step.Delay)*r.scale) - time.Since(started)
		if wait > 0 {
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if _, err := r.events.Publish(ctx, testID, step.Event); err != nil {
			r.logger.Warn("quick test event not published", "test_id", testID, "error", err)
			return
		}
	}
}

// Result returns the summary of a test that has not expired.
func (r *Runner) Result(testID string) (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[testID]
	if !ok || r.now().Sub(res.CreatedAt) > r.ttl {
		return Result{}, false
	}
	return res, true
}

// Live reports whether testID names a known test, which makes its subject
// open to anonymous subscribers.
func (r *Runner) Live(testID string) bool {
	_, ok := r.Result(testID)
	return ok
}

func (r *Runner) purgeLocked() {
	now := r.now()
	for id, res := range r.results {
		if now.Sub(res.CreatedAt) > r.ttl {
			delete(r.results, id)
		}
	}
}

// Close stops running timelines and waits for them to exit.
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}
