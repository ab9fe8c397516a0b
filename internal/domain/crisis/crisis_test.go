package crisis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/mindcare/mindcare/internal/domain/phq9"
	"github.com/mindcare/mindcare/internal/platform/auth"
	"github.com/mindcare/mindcare/internal/platform/notification"
	"github.com/mindcare/mindcare/internal/risk"
)

// =========== Mock Repository ===========

type mockRepo struct {
	mu      sync.Mutex
	alerts  map[uuid.UUID]*Alert
	byKey   map[string]uuid.UUID
	creates int
	failErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{alerts: make(map[uuid.UUID]*Alert), byKey: make(map[string]uuid.UUID)}
}

func (m *mockRepo) Create(_ context.Context, a *Alert) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.failErr != nil {
		return false, m.failErr
	}
	if _, ok := m.byKey[a.DedupKey]; ok {
		return false, nil
	}
	m.alerts[a.ID] = a
	m.byKey[a.DedupKey] = a.ID
	return true, nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

func (m *mockRepo) Search(_ context.Context, params SearchParams, limit, offset int) ([]*Alert, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Alert
	for _, a := range m.alerts {
		if params.PatientID != nil && a.PatientID != *params.PatientID {
			continue
		}
		if params.Acknowledged != nil && a.Acknowledged != *params.Acknowledged {
			continue
		}
		if params.Severity != nil && a.Severity != *params.Severity {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *mockRepo) Acknowledge(_ context.Context, id uuid.UUID, by string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return ErrNotFound
	}
	if a.Acknowledged {
		return ErrAlreadyAcknowledged
	}
	a.Acknowledged = true
	a.AcknowledgedBy = &by
	a.AcknowledgedAt = &at
	return nil
}

func (m *mockRepo) AlertTimesBetween(_ context.Context, pid uuid.UUID, from, to time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []time.Time
	for _, a := range m.alerts {
		if a.PatientID == pid && !a.CreatedAt.Before(from) && a.CreatedAt.Before(to) {
			out = append(out, a.CreatedAt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func newRequest(pid uuid.UUID, t risk.AlertType, sev risk.AlertSeverity) risk.AlertRequest {
	aid := uuid.New()
	return risk.AlertRequest{
		AssessmentID:  aid,
		PatientID:     pid,
		Type:          t,
		Severity:      sev,
		DedupKey:      risk.DedupKey(aid),
		Message:       "High-risk PHQ-9 assessment: Total score 23/27, Q9 score 3/3",
		RuleScore:     0.8,
		CombinedScore: 0.8,
		CombinedLevel: risk.LevelCritical,
		CreatedAt:     time.Now().UTC(),
	}
}

func setupGuard(t *testing.T) (*miniredis.Miniredis, *RedisDedupGuard) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewRedisDedupGuard(client, time.Hour)
}

// =========== Dedup Guard ===========

func TestRedisDedupGuard_Claim(t *testing.T) {
	mr, g := setupGuard(t)
	ctx := context.Background()
	key := "a:crisis"

	ok, err := g.Claim(ctx, key)
	if err != nil || !ok {
		t.Fatalf("expected first claim to succeed, got %v %v", ok, err)
	}
	if ok, _ := g.Claim(ctx, key); !ok {
		t.Error("expected an unconfirmed claim to defer to the database")
	}
	if ttl := mr.TTL(dedupKeyPrefix + key); ttl != time.Hour {
		t.Errorf("expected 1h ttl, got %v", ttl)
	}

	if err := g.Confirm(ctx, key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok, _ := g.Claim(ctx, key); ok {
		t.Error("expected claim after confirm to fail")
	}
	if v, _ := mr.Get(dedupKeyPrefix + key); v != claimStored {
		t.Errorf("expected stored marker, got %q", v)
	}

	if err := g.Release(ctx, key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok, _ := g.Claim(ctx, key); !ok {
		t.Error("expected claim after release to succeed")
	}
}

func TestRedisDedupGuard_Expiry(t *testing.T) {
	mr, g := setupGuard(t)
	ctx := context.Background()
	g.Claim(ctx, "k")
	mr.FastForward(2 * time.Hour)
	if ok, _ := g.Claim(ctx, "k"); !ok {
		t.Error("expected claim after ttl to succeed")
	}
}

// =========== Sink ===========

func TestSink_StoresOnce(t *testing.T) {
	repo := newMockRepo()
	_, guard := setupGuard(t)
	pub := &notification.MockPublisher{}
	sink := NewSink(repo, zerolog.Nop()).
		WithGuard(guard).
		WithNotifier(notification.NewDispatcher(pub, notification.NewTemplateEngine()))

	req := newRequest(uuid.New(), risk.AlertRuleTriggered, risk.SeverityUrgent)
	for i := 0; i < 3; i++ {
		created, err := sink.CreateAlert(context.Background(), req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if created != (i == 0) {
			t.Errorf("call %d: expected created=%v", i, i == 0)
		}
	}
	if len(repo.alerts) != 1 {
		t.Errorf("expected 1 stored alert, got %d", len(repo.alerts))
	}
	if repo.creates != 1 {
		t.Errorf("expected the guard to stop repeats before the repo, got %d creates", repo.creates)
	}
	calls := pub.Calls()
	if len(calls) != 1 || calls[0].Key != req.DedupKey {
		t.Errorf("expected one notification keyed by dedup key, got %+v", calls)
	}
}

func TestSink_WithoutGuardRelyOnRepo(t *testing.T) {
	repo := newMockRepo()
	sink := NewSink(repo, zerolog.Nop())
	req := newRequest(uuid.New(), risk.AlertModelTriggered, risk.SeverityUrgent)
	first, _ := sink.CreateAlert(context.Background(), req)
	second, _ := sink.CreateAlert(context.Background(), req)
	if !first || second {
		t.Errorf("expected true then false, got %v %v", first, second)
	}
	if len(repo.alerts) != 1 {
		t.Errorf("expected 1 stored alert, got %d", len(repo.alerts))
	}
}

func TestSink_RepoFailureReleasesClaim(t *testing.T) {
	repo := newMockRepo()
	repo.failErr = errors.New("db down")
	_, guard := setupGuard(t)
	sink := NewSink(repo, zerolog.Nop()).WithGuard(guard)
	req := newRequest(uuid.New(), risk.AlertCombined, risk.SeverityCritical)

	if _, err := sink.CreateAlert(context.Background(), req); err == nil {
		t.Fatal("expected error")
	}
	repo.failErr = nil
	created, err := sink.CreateAlert(context.Background(), req)
	if err != nil || !created {
		t.Errorf("expected retry to store, got %v %v", created, err)
	}
}

func TestSink_OrphanedClaimDoesNotHideAlert(t *testing.T) {
	repo := newMockRepo()
	mr, guard := setupGuard(t)
	req := newRequest(uuid.New(), risk.AlertRuleTriggered, risk.SeverityUrgent)
	// Left behind by a failed write whose release also failed.
	mr.Set(dedupKeyPrefix+req.DedupKey, claimPending)

	sink := NewSink(repo, zerolog.Nop()).WithGuard(guard)
	created, err := sink.CreateAlert(context.Background(), req)
	if err != nil || !created {
		t.Fatalf("expected the alert stored despite the stale claim, got %v %v", created, err)
	}
	if v, _ := mr.Get(dedupKeyPrefix + req.DedupKey); v != claimStored {
		t.Errorf("expected claim confirmed after the write, got %q", v)
	}
	if created, _ := sink.CreateAlert(context.Background(), req); created {
		t.Error("expected the repeat to be deduplicated")
	}
	if repo.creates != 1 {
		t.Errorf("expected the confirmed claim to skip the repo, got %d creates", repo.creates)
	}
}

func TestSink_GuardOutageFallsThrough(t *testing.T) {
	repo := newMockRepo()
	mr, guard := setupGuard(t)
	mr.Close()
	sink := NewSink(repo, zerolog.Nop()).WithGuard(guard)
	created, err := sink.CreateAlert(context.Background(), newRequest(uuid.New(), risk.AlertRuleTriggered, risk.SeverityUrgent))
	if err != nil || !created {
		t.Errorf("expected store despite redis outage, got %v %v", created, err)
	}
}

func TestSink_NotifyFailureKeepsAlert(t *testing.T) {
	repo := newMockRepo()
	pub := &notification.MockPublisher{ShouldFail: true, FailError: "broker down"}
	sink := NewSink(repo, zerolog.Nop()).
		WithNotifier(notification.NewDispatcher(pub, notification.NewTemplateEngine()))
	created, err := sink.CreateAlert(context.Background(), newRequest(uuid.New(), risk.AlertCombined, risk.SeverityCritical))
	if err != nil || !created {
		t.Errorf("expected stored alert, got %v %v", created, err)
	}
}

func TestSink_EmitterDedup(t *testing.T) {
	repo := newMockRepo()
	_, guard := setupGuard(t)
	emitter := risk.NewEmitter(NewSink(repo, zerolog.Nop()).WithGuard(guard))
	rule, _ := risk.Classify(23, 3)
	ml := risk.Absent("model not loaded")
	a, err := phq9.NewAssessment(uuid.New(), []int{3, 3, 2, 3, 2, 3, 2, 2, 3}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a.ID = uuid.New()
	for i := 0; i < 2; i++ {
		if _, err := emitter.Emit(context.Background(), a, rule, ml, risk.Combine(rule, ml)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(repo.alerts) != 1 {
		t.Errorf("expected 1 stored alert, got %d", len(repo.alerts))
	}
}

// =========== Service ===========

func seed(t *testing.T, repo *mockRepo, pid uuid.UUID, sev risk.AlertSeverity, at time.Time) *Alert {
	req := newRequest(pid, risk.AlertRuleTriggered, sev)
	req.CreatedAt = at
	a := FromRequest(req)
	if _, err := repo.Create(context.Background(), a); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return a
}

func TestService_Acknowledge(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)
	a := seed(t, repo, uuid.New(), risk.SeverityUrgent, time.Now())

	got, err := svc.Acknowledge(context.Background(), a.ID, "dr-jones")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Acknowledged || *got.AcknowledgedBy != "dr-jones" || got.AcknowledgedAt == nil {
		t.Errorf("unexpected alert %+v", got)
	}
	if _, err := svc.Acknowledge(context.Background(), a.ID, "dr-smith"); !errors.Is(err, ErrAlreadyAcknowledged) {
		t.Errorf("expected ErrAlreadyAcknowledged, got %v", err)
	}
	if _, err := svc.Acknowledge(context.Background(), a.ID, " "); err == nil {
		t.Error("expected error for blank acknowledger")
	}
	if _, err := svc.Acknowledge(context.Background(), uuid.New(), "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_Search(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)
	pid := uuid.New()
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	seed(t, repo, pid, risk.SeverityUrgent, base)
	seed(t, repo, pid, risk.SeverityCritical, base.Add(time.Hour))
	seed(t, repo, uuid.New(), risk.SeverityUrgent, base)

	items, total, err := svc.Search(context.Background(), SearchParams{PatientID: &pid}, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 || items[0].Severity != risk.SeverityCritical {
		t.Errorf("expected 2 alerts newest first, got %d", total)
	}

	bad := risk.AlertSeverity("panic")
	if _, _, err := svc.Search(context.Background(), SearchParams{Severity: &bad}, 10, 0); err == nil {
		t.Error("expected error for invalid severity")
	}
}

// =========== Handler ===========

func providerContext(e *echo.Echo, method, target string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, nil)
	ctx := auth.WithIdentity(req.Context(), auth.Identity{UserID: "dr-jones", Roles: []string{auth.RoleProvider}})
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandler_SearchAlerts(t *testing.T) {
	repo := newMockRepo()
	h := NewHandler(NewService(repo))
	e := echo.New()
	pid := uuid.New()
	seed(t, repo, pid, risk.SeverityUrgent, time.Now())

	c, rec := providerContext(e, http.MethodGet, "/crisis-alerts?patient_id="+pid.String()+"&acknowledged=false")
	if err := h.SearchAlerts(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["total"] != float64(1) {
		t.Errorf("expected total 1, got %v", body["total"])
	}

	c, _ = providerContext(e, http.MethodGet, "/crisis-alerts?severity=panic")
	if err := h.SearchAlerts(c); err == nil {
		t.Error("expected error for invalid severity")
	}
	c, _ = providerContext(e, http.MethodGet, "/crisis-alerts?patient_id=nope")
	if err := h.SearchAlerts(c); err == nil {
		t.Error("expected error for invalid patient id")
	}
}

func TestHandler_Acknowledge(t *testing.T) {
	repo := newMockRepo()
	h := NewHandler(NewService(repo))
	e := echo.New()
	a := seed(t, repo, uuid.New(), risk.SeverityUrgent, time.Now())

	c, rec := providerContext(e, http.MethodPost, "/")
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	if err := h.Acknowledge(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c, _ = providerContext(e, http.MethodPost, "/")
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	err := h.Acknowledge(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusConflict {
		t.Errorf("expected 409, got %v", err)
	}

	c, _ = providerContext(e, http.MethodPost, "/")
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	err = h.Acknowledge(c)
	if !errors.As(err, &he) || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_GetAlert(t *testing.T) {
	repo := newMockRepo()
	h := NewHandler(NewService(repo))
	e := echo.New()
	a := seed(t, repo, uuid.New(), risk.SeverityWarning, time.Now())

	c, rec := providerContext(e, http.MethodGet, "/")
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	if err := h.GetAlert(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Alert
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.DedupKey != a.DedupKey {
		t.Errorf("expected %s, got %s", a.DedupKey, got.DedupKey)
	}
}
