// Package notification renders crisis-alert events from templates and
// publishes them to a downstream transport (Kafka or SQS) for the paging and
// messaging services. Recent deliveries are kept in memory so failed ones can
// be inspected and retried by an administrator.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Event
// ---------------------------------------------------------------------------

// Event is one outbound message.
type Event struct {
	ID            string            `json:"id"`
	Key           string            `json:"key"`
	Subject       string            `json:"subject"`
	Body          string            `json:"body"`
	TemplateID    string            `json:"template_id,omitempty"`
	TemplateData  map[string]string `json:"template_data,omitempty"`
	Priority      string            `json:"priority"`
	Status        string            `json:"status"`
	Attempts      int               `json:"attempts"`
	CreatedAt     time.Time         `json:"created_at"`
	LastAttemptAt time.Time         `json:"last_attempt_at"`
	SentAt        *time.Time        `json:"sent_at,omitempty"`
	Error         string            `json:"error,omitempty"`
}

const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

var (
	ErrEventNotFound     = errors.New("notification event not found")
	ErrNotRetryable      = errors.New("notification event is not failed")
	ErrAttemptsExhausted = errors.New("notification event has no attempts left")
)

// Publisher delivers a serialized event. key groups related events (it is
// the Kafka message key and the SQS deduplication hint).
type Publisher interface {
	Publish(ctx context.Context, key string, payload []byte) error
	Close() error
}

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

// Template is the source form of a message template. Subject and Body use
// text/template syntax over a string map, e.g. {{.patient_id}}.
type Template struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Priority string `json:"priority"`
}

type compiled struct {
	priority string
	subject  *template.Template
	body     *template.Template
}

// TemplateEngine holds compiled templates. A key missing from the render data
// is an error rather than an empty string.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]compiled
}

// Built-in template IDs, one per alert type.
const (
	TemplateRuleTriggered  = "crisis-alert-rule_triggered"
	TemplateModelTriggered = "crisis-alert-model_triggered"
	TemplateCombined       = "crisis-alert-combined"
)

var builtInTemplates = []Template{
	{
		ID:       TemplateRuleTriggered,
		Name:     "Rule-Triggered Crisis Alert",
		Subject:  "[{{.severity}}] Crisis alert for patient {{.patient_id}}",
		Body:     "{{.message}}. Assessment {{.assessment_id}} requires provider review.",
		Priority: "high",
	},
	{
		ID:       TemplateModelTriggered,
		Name:     "Model-Triggered Crisis Alert",
		Subject:  "[{{.severity}}] Elevated crisis risk for patient {{.patient_id}}",
		Body:     "{{.message}}. Combined risk {{.combined_level}} ({{.combined_score}}) on assessment {{.assessment_id}}.",
		Priority: "high",
	},
	{
		ID:       TemplateCombined,
		Name:     "Combined Crisis Alert",
		Subject:  "[{{.severity}}] Crisis alert for patient {{.patient_id}}",
		Body:     "{{.message}}. Rule and model agree on assessment {{.assessment_id}}; combined risk {{.combined_level}} ({{.combined_score}}).",
		Priority: "high",
	},
}

// NewTemplateEngine returns an engine with the crisis-alert templates loaded.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]compiled)}
	for _, t := range builtInTemplates {
		if err := e.RegisterTemplate(t); err != nil {
			panic(fmt.Sprintf("notification: built-in template %s: %v", t.ID, err))
		}
	}
	return e
}

// RegisterTemplate compiles t and adds or replaces it.
func (e *TemplateEngine) RegisterTemplate(t Template) error {
	if t.ID == "" {
		return fmt.Errorf("template id is required")
	}
	subject, err := template.New(t.ID + ".subject").Option("missingkey=error").Parse(t.Subject)
	if err != nil {
		return fmt.Errorf("parse subject: %w", err)
	}
	body, err := template.New(t.ID + ".body").Option("missingkey=error").Parse(t.Body)
	if err != nil {
		return fmt.Errorf("parse body: %w", err)
	}
	priority := t.Priority
	if priority == "" {
		priority = "normal"
	}

	e.mu.Lock()
	e.templates[t.ID] = compiled{priority: priority, subject: subject, body: body}
	e.mu.Unlock()
	return nil
}

// Render executes the template with data.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	var buf bytes.Buffer
	if err := t.subject.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render subject: %w", err)
	}
	subject = buf.String()
	buf.Reset()
	if err := t.body.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render body: %w", err)
	}
	return subject, buf.String(), nil
}

func (e *TemplateEngine) priority(templateID string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.templates[templateID].priority
}

// ---------------------------------------------------------------------------
// Mock Publisher (test double)
// ---------------------------------------------------------------------------

// PublishCall records a single call to Publish.
type PublishCall struct {
	Key     string
	Payload []byte
}

// MockPublisher records publishes. Set ShouldFail to make Publish return
// FailError.
type MockPublisher struct {
	mu         sync.Mutex
	calls      []PublishCall
	ShouldFail bool
	FailError  string
}

func (m *MockPublisher) Publish(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, PublishCall{Key: key, Payload: payload})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

func (m *MockPublisher) Close() error { return nil }

// SetFail toggles failure mode under the lock.
func (m *MockPublisher) SetFail(fail bool, msg string) {
	m.mu.Lock()
	m.ShouldFail, m.FailError = fail, msg
	m.mu.Unlock()
}

func (m *MockPublisher) Calls() []PublishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PublishCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

const (
	defaultRetention   = 1000
	defaultMaxAttempts = 5
)

// Dispatcher renders, publishes and records events. At most retention events
// are remembered; sent events are forgotten before failed ones.
type Dispatcher struct {
	publisher   Publisher
	templates   *TemplateEngine
	retention   int
	maxAttempts int
	now         func() time.Time

	mu     sync.Mutex
	events map[string]*Event
	order  []string
}

func NewDispatcher(pub Publisher, tpl *TemplateEngine) *Dispatcher {
	return &Dispatcher{
		publisher:   pub,
		templates:   tpl,
		retention:   defaultRetention,
		maxAttempts: defaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
		events:      make(map[string]*Event),
	}
}

// WithRetention caps the number of remembered events.
func (d *Dispatcher) WithRetention(n int) *Dispatcher {
	if n > 0 {
		d.retention = n
	}
	return d
}

// WithMaxAttempts caps publish attempts per event, the first included.
func (d *Dispatcher) WithMaxAttempts(n int) *Dispatcher {
	if n > 0 {
		d.maxAttempts = n
	}
	return d
}

// Dispatch renders a template and publishes the resulting event. The event is
// returned and remembered even when publishing fails.
func (d *Dispatcher) Dispatch(ctx context.Context, templateID, key string, data map[string]string) (*Event, error) {
	subject, body, err := d.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	ev := &Event{
		ID:           uuid.NewString(),
		Key:          key,
		Subject:      subject,
		Body:         body,
		TemplateID:   templateID,
		TemplateData: data,
		Priority:     d.templates.priority(templateID),
		Status:       StatusPending,
		CreatedAt:    d.now(),
	}
	d.mu.Lock()
	d.events[ev.ID] = ev
	d.order = append(d.order, ev.ID)
	d.evictLocked()
	d.mu.Unlock()

	return d.attempt(ctx, ev)
}

// attempt publishes ev and records the outcome on it.
func (d *Dispatcher) attempt(ctx context.Context, ev *Event) (*Event, error) {
	d.mu.Lock()
	ev.Attempts++
	ev.LastAttemptAt = d.now()
	payload, err := json.Marshal(ev)
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	sendErr := d.publisher.Publish(ctx, ev.Key, payload)

	d.mu.Lock()
	defer d.mu.Unlock()
	if sendErr != nil {
		ev.Status = StatusFailed
		ev.Error = sendErr.Error()
	} else {
		sentAt := d.now()
		ev.Status = StatusSent
		ev.SentAt = &sentAt
		ev.Error = ""
	}
	return copyEvent(ev), sendErr
}

func (d *Dispatcher) evictLocked() {
	for len(d.order) > d.retention {
		victim := 0
		for i, id := range d.order {
			if d.events[id].Status == StatusSent {
				victim = i
				break
			}
		}
		delete(d.events, d.order[victim])
		d.order = append(d.order[:victim], d.order[victim+1:]...)
	}
}

func copyEvent(ev *Event) *Event {
	out := *ev
	if ev.SentAt != nil {
		t := *ev.SentAt
		out.SentAt = &t
	}
	return &out
}

// GetEvent returns a snapshot of the event.
func (d *Dispatcher) GetEvent(_ context.Context, id string) (*Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ev, ok := d.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return copyEvent(ev), nil
}

// Retry re-publishes a failed event that still has attempts left.
func (d *Dispatcher) Retry(ctx context.Context, id string) (*Event, error) {
	d.mu.Lock()
	ev, ok := d.events[id]
	var err error
	switch {
	case !ok:
		err = fmt.Errorf("%w: %s", ErrEventNotFound, id)
	case ev.Status != StatusFailed:
		err = fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, ev.Status)
	case ev.Attempts >= d.maxAttempts:
		err = fmt.Errorf("%w: %s after %d", ErrAttemptsExhausted, id, ev.Attempts)
	}
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return d.attempt(ctx, ev)
}

// Failed lists failed events, oldest first.
func (d *Dispatcher) Failed(_ context.Context) []*Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Event
	for _, id := range d.order {
		if ev := d.events[id]; ev.Status == StatusFailed {
			out = append(out, copyEvent(ev))
		}
	}
	return out
}

// Stats counts remembered events by status.
func (d *Dispatcher) Stats(_ context.Context) map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	stats := make(map[string]int)
	for _, ev := range d.events {
		stats[ev.Status]++
	}
	return stats
}

func (d *Dispatcher) Close() error {
	return d.publisher.Close()
}

// ---------------------------------------------------------------------------
// HTTP Handler
// ---------------------------------------------------------------------------

// Handler exposes delivery status to administrators.
type Handler struct {
	dispatcher *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

// RegisterRoutes mounts the routes; callers restrict the group to admins.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications/stats", h.HandleStats)
	g.GET("/notifications/failed", h.HandleFailed)
	g.GET("/notifications/:id", h.HandleGet)
	g.POST("/notifications/:id/retry", h.HandleRetry)
}

func (h *Handler) HandleGet(c echo.Context) error {
	ev, err := h.dispatcher.GetEvent(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, ev)
}

func (h *Handler) HandleRetry(c echo.Context) error {
	ev, err := h.dispatcher.Retry(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrEventNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotRetryable), errors.Is(err, ErrAttemptsExhausted):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil && ev != nil:
		return c.JSON(http.StatusBadGateway, ev)
	case err != nil:
		return err
	}
	return c.JSON(http.StatusOK, ev)
}

func (h *Handler) HandleFailed(c echo.Context) error {
	events := h.dispatcher.Failed(c.Request().Context())
	if events == nil {
		events = []*Event{}
	}
	return c.JSON(http.StatusOK, events)
}

func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.dispatcher.Stats(c.Request().Context()))
}
