// internal/chaos/chaos.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrSteadyStateInvalid aborts an experiment before any fault is injected.
var ErrSteadyStateInvalid = errors.New("steady state invalid - aborting experiment")

// Experiment defines a chaos drill against the lending engine.
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	// Duration is the observation window after the method ran.
	Duration time.Duration
	// BlastRadius is the share of the catalog touched, 0.0 to 1.0.
	BlastRadius float64
}

// Metric defines a measurable system property.
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

func (t Threshold) holds(v float64) bool {
	switch t.Operator {
	case ">":
		return v > t.Value
	case "<":
		return v < t.Value
	case ">=":
		return v >= t.Value
	case "<=":
		return v <= t.Value
	case "==":
		return v == t.Value
	default:
		return false
	}
}

// Action is a fault injection, a load burst or a recovery step.
type Action struct {
	Type       string // seed, inject-fault, concurrent-borrows, heal, sweep
	Target     string
	Parameters map[string]any
	Execute    func(context.Context) error
}

// Assertion validates the final observation of a metric.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// ExperimentResult captures experiment execution data.
type ExperimentResult struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []MetricViolation      `json:"violations"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	FailedAssertions []string               `json:"failed_assertions,omitempty"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type MetricViolation struct {
	MetricName string    `json:"metric_name"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Options tunes the engine. Zero values fall back to one-second sampling,
// a thirty-second pause between experiments and io.Discard.
type Options struct {
	Tick   time.Duration
	Pause  time.Duration
	Out    io.Writer
	Logger *slog.Logger
}

// Engine orchestrates chaos experiments.
type Engine struct {
	tracer      trace.Tracer
	logger      *slog.Logger
	out         io.Writer
	tick        time.Duration
	pause       time.Duration
	experiments []Experiment
	results     []ExperimentResult
	mu          sync.Mutex
}

func NewEngine(opts Options) *Engine {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Pause < 0 {
		opts.Pause = 0
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		tracer: otel.Tracer("librarylend/chaos"),
		logger: opts.Logger,
		out:    opts.Out,
		tick:   opts.Tick,
		pause:  opts.Pause,
	}
}

// Register adds experiments to the suite.
func (e *Engine) Register(exps ...Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exps...)
}

// Experiments returns the registered experiments.
func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

// Results returns every finished experiment in run order.
func (e *Engine) Results() []ExperimentResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ExperimentResult(nil), e.results...)
}

// RunExperiment executes a single experiment. The returned error is non-nil
// only when the experiment could not start.
func (e *Engine) RunExperiment(ctx context.Context, exp Experiment) (*ExperimentResult, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &ExperimentResult{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
		ErrorEvents:    make([]ErrorEvent, 0),
	}

	span.AddEvent("validating_steady_state")
	if violations := e.checkSteadyState(ctx, exp.SteadyState); len(violations) > 0 {
		result.Violations = violations
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		span.SetStatus(codes.Error, ErrSteadyStateInvalid.Error())
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting_chaos")
	e.runActions(ctx, span, exp.Method, result)

	span.AddEvent("observing_system")
	rec := &recovery{}
	e.observe(ctx, exp, result, rec)

	span.AddEvent("rolling_back")
	e.runActions(ctx, span, exp.Rollback, result)

	// One more sample after rollback so assertions judge the recovered system.
	e.sample(ctx, exp.SteadyState, result, rec)

	span.AddEvent("validating_assertions")
	result.FailedAssertions = failedAssertions(exp.Validation, result)
	result.HypothesisHeld = len(result.FailedAssertions) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	e.logger.InfoContext(ctx, "chaos experiment finished",
		"experiment", exp.Name,
		"hypothesis_held", result.HypothesisHeld,
		"violations", len(result.Violations),
		"errors", len(result.ErrorEvents))
	return result, nil
}

func (e *Engine) runActions(ctx context.Context, span trace.Span, actions []Action, result *ExperimentResult) {
	for _, action := range actions {
		if err := action.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: action.Target,
			})
			span.RecordError(err)
			e.logger.WarnContext(ctx, "chaos action failed", "type", action.Type, "target", action.Target, "err", err)
		}
	}
}

type recovery struct {
	start     time.Time
	recovered bool
}

func (e *Engine) observe(ctx context.Context, exp Experiment, result *ExperimentResult, rec *recovery) {
	if exp.Duration <= 0 {
		return
	}
	window, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-window.Done():
			return
		case <-ticker.C:
			e.sample(ctx, exp.SteadyState, result, rec)
		}
	}
}

// sample queries every metric once, recording violations and the time to recover.
func (e *Engine) sample(ctx context.Context, metrics []Metric, result *ExperimentResult, rec *recovery) {
	violated := false
	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		now := time.Now()
		if err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: now,
				Error:     err.Error(),
				Component: metric.Name,
			})
			continue
		}
		result.Observations[metric.Name] = append(result.Observations[metric.Name],
			DataPoint{Timestamp: now, Value: value})

		if !metric.Threshold.holds(value) {
			violated = true
			result.Violations = append(result.Violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  now,
			})
		}
	}

	now := time.Now()
	switch {
	case violated && (rec.start.IsZero() || rec.recovered):
		rec.start = now
		rec.recovered = false
	case !violated && !rec.start.IsZero() && !rec.recovered:
		mttr := now.Sub(rec.start)
		result.MTTR = &mttr
		rec.recovered = true
	}
}

func (e *Engine) checkSteadyState(ctx context.Context, metrics []Metric) []MetricViolation {
	var violations []MetricViolation
	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			value = -1
		}
		if err != nil || !metric.Threshold.holds(value) {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		}
	}
	return violations
}

func failedAssertions(assertions []Assertion, result *ExperimentResult) []string {
	var failed []string
	for _, a := range assertions {
		obs := result.Observations[a.Metric]
		if len(obs) == 0 || !a.Condition(obs[len(obs)-1].Value) {
			failed = append(failed, a.Message)
		}
	}
	return failed
}

// GameDay is a named series of experiments run back to back.
type GameDay struct {
	Name         string
	Date         time.Time
	Scenarios    []Experiment
	Participants []string
}

// ExecuteGameDay runs every scenario, writes a report to the engine's output and
// returns an error naming each experiment whose hypothesis did not hold.
func (e *Engine) ExecuteGameDay(ctx context.Context, gameDay GameDay) error {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", gameDay.Name)),
	)
	defer span.End()

	fmt.Fprintf(e.out, "Game Day: %s\n", gameDay.Name)
	fmt.Fprintf(e.out, "Date: %s\n", gameDay.Date.Format(time.RFC3339))
	if len(gameDay.Participants) > 0 {
		fmt.Fprintf(e.out, "Participants: %v\n", gameDay.Participants)
	}

	var errs []error
	for i, scenario := range gameDay.Scenarios {
		fmt.Fprintf(e.out, "\nExperiment %d/%d: %s\n", i+1, len(gameDay.Scenarios), scenario.Name)
		fmt.Fprintf(e.out, "Hypothesis: %s\n", scenario.Hypothesis)

		result, err := e.RunExperiment(ctx, scenario)
		if err != nil {
			fmt.Fprintf(e.out, "FAILED to run: %v\n", err)
			errs = append(errs, fmt.Errorf("%s: %w", scenario.Name, err))
		} else {
			e.printResult(result)
			if !result.HypothesisHeld {
				errs = append(errs, fmt.Errorf("%s: hypothesis violated", scenario.Name))
			}
		}

		if i == len(gameDay.Scenarios)-1 || e.pause == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return errors.Join(append(errs, context.Cause(ctx))...)
		case <-time.After(e.pause):
		}
	}

	if len(errs) > 0 {
		span.SetStatus(codes.Error, "hypothesis violated")
	}
	return errors.Join(errs...)
}

func (e *Engine) printResult(result *ExperimentResult) {
	if result.HypothesisHeld {
		fmt.Fprintln(e.out, "PASS: hypothesis held")
	} else {
		fmt.Fprintln(e.out, "FAIL: hypothesis violated")
		for _, msg := range result.FailedAssertions {
			fmt.Fprintf(e.out, "   - %s\n", msg)
		}
	}

	if len(result.Violations) > 0 {
		fmt.Fprintf(e.out, "Violations detected: %d\n", len(result.Violations))
		for _, v := range result.Violations {
			fmt.Fprintf(e.out, "   - %s: expected %.2f, got %.2f\n", v.MetricName, v.Expected, v.Actual)
		}
	}
	if len(result.ErrorEvents) > 0 {
		fmt.Fprintf(e.out, "Errors: %d\n", len(result.ErrorEvents))
	}
	if result.MTTR != nil {
		fmt.Fprintf(e.out, "MTTR: %s\n", *result.MTTR)
	}
	fmt.Fprintf(e.out, "Duration: %s\n", result.Duration)
}
