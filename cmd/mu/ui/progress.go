package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/femtomc/mu-sub002/internal/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Progress renders operation progress to stderr as spans start and end.
// It owns a private tracer provider so CLI rendering never leaks into a
// globally configured exporter.
type Progress struct {
	provider *sdktrace.TracerProvider
}

func NewProgress() *Progress {
	observer := newStepObserver(renderStepLines())
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(&stepSpanProcessor{observer: observer}),
	)
	return &Progress{provider: provider}
}

func (p *Progress) Tracer(name string) trace.Tracer {
	if p == nil || p.provider == nil {
		return otel.Tracer(name)
	}
	return p.provider.Tracer(name)
}

func (p *Progress) Close() {
	if p == nil || p.provider == nil {
		return
	}
	_ = p.provider.Shutdown(context.Background())
}

// renderStepLines returns a snapshot reporter that prints one line per
// step transition, skipping repeats.
func renderStepLines() func(stepSnapshot) {
	var mu sync.Mutex
	seen := make(map[string]string)

	return func(snapshot stepSnapshot) {
		mu.Lock()
		defer mu.Unlock()

		for _, step := range snapshot.Steps {
			if step.Status == stepPending {
				continue
			}
			key := step.ID
			if key == "" {
				key = step.Title
			}
			if key == "" {
				continue
			}
			line := formatStepLine(step)
			if seen[key] == line {
				continue
			}
			seen[key] = line
			fmt.Fprintln(os.Stderr, line)
		}
	}
}

func formatStepLine(step stepState) string {
	var prefix string
	switch step.Status {
	case stepRunning:
		prefix = WarnStyle.Render("[->]")
	case stepDone:
		prefix = SuccessStyle.Render("[ok]")
	case stepFailed:
		prefix = ErrorStyle.Render("[x]")
	default:
		prefix = MutedStyle.Render("[..]")
	}

	indent := "  "
	if strings.TrimSpace(step.ParentID) != "" {
		indent = "    "
	}

	title := strings.TrimSpace(step.Title)
	if title == "" {
		title = step.ID
	}
	if msg := strings.TrimSpace(step.Message); msg != "" {
		return fmt.Sprintf("%s%s %s (%s)", indent, prefix, title, msg)
	}
	return fmt.Sprintf("%s%s %s", indent, prefix, title)
}

// stepObserver tracks plan and span lifecycle events and reports
// snapshots in plan order.
type stepObserver struct {
	mu       sync.Mutex
	steps    map[string]stepState
	order    []string
	reporter func(stepSnapshot)
}

func newStepObserver(reporter func(stepSnapshot)) *stepObserver {
	return &stepObserver{
		steps:    make(map[string]stepState),
		reporter: reporter,
	}
}

func (o *stepObserver) onPlan(plan telemetry.Plan) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, planned := range plan.Steps {
		stepID := strings.TrimSpace(planned.ID)
		if stepID == "" {
			continue
		}
		step, exists := o.steps[stepID]
		if !exists {
			o.order = append(o.order, stepID)
			step = stepState{ID: stepID, Status: stepPending}
		}
		step.ParentID = strings.TrimSpace(planned.ParentID)
		step.Title = strings.TrimSpace(planned.Title)
		if step.Title == "" {
			step.Title = stepID
		}
		o.steps[stepID] = step
	}
	o.emitLocked()
}

func (o *stepObserver) onStepStart(stepID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	step := o.ensureLocked(stepID)
	step.Status = stepRunning
	step.Message = ""
	o.steps[step.ID] = step
	o.emitLocked()
}

func (o *stepObserver) onStepEnd(stepID string, failed bool, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	step := o.ensureLocked(stepID)
	if failed {
		step.Status = stepFailed
		step.Message = strings.TrimSpace(message)
	} else {
		step.Status = stepDone
		step.Message = ""
	}
	o.steps[step.ID] = step
	o.emitLocked()
}

// ensureLocked registers spans that were never planned, deriving the
// parent from a "parent/child" span name.
func (o *stepObserver) ensureLocked(stepID string) stepState {
	stepID = strings.TrimSpace(stepID)
	if stepID == "" {
		stepID = "unnamed"
	}
	if step, exists := o.steps[stepID]; exists {
		return step
	}

	parentID := ""
	if idx := strings.LastIndex(stepID, "/"); idx > 0 {
		parentID = stepID[:idx]
	}
	o.order = append(o.order, stepID)
	return stepState{ID: stepID, ParentID: parentID, Title: stepID, Status: stepPending}
}

func (o *stepObserver) emitLocked() {
	if o.reporter == nil {
		return
	}
	steps := make([]stepState, 0, len(o.order))
	for _, stepID := range o.order {
		if step, exists := o.steps[stepID]; exists {
			steps = append(steps, step)
		}
	}
	o.reporter(stepSnapshot{Steps: steps})
}

// stepSpanProcessor translates span lifecycle into step transitions. A
// root span carrying a plan attribute seeds the step list.
type stepSpanProcessor struct {
	observer *stepObserver
}

func (p *stepSpanProcessor) OnStart(_ context.Context, span sdktrace.ReadWriteSpan) {
	if p == nil || p.observer == nil {
		return
	}
	if span.Parent().IsValid() {
		p.observer.onStepStart(span.Name())
		return
	}

	planJSON := attributeValue(span.Attributes(), telemetry.PlanJSONKey)
	if strings.TrimSpace(planJSON) == "" {
		return
	}
	var plan telemetry.Plan
	if err := json.Unmarshal([]byte(planJSON), &plan); err != nil {
		return
	}
	p.observer.onPlan(plan)
}

func (p *stepSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	if p == nil || p.observer == nil {
		return
	}
	if !span.Parent().IsValid() {
		return
	}
	status := span.Status()
	p.observer.onStepEnd(span.Name(), status.Code == codes.Error, status.Description)
}

func (p *stepSpanProcessor) Shutdown(context.Context) error   { return nil }
func (p *stepSpanProcessor) ForceFlush(context.Context) error { return nil }

func attributeValue(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}
