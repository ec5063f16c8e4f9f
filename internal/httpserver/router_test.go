package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"opsledger/internal/analytics"
	"opsledger/internal/api"
	"opsledger/internal/ingest"
	"opsledger/internal/ledger"
	"opsledger/internal/lifecycle"
	"opsledger/internal/model"
	"opsledger/internal/notify"
	"opsledger/internal/tenant"
	"opsledger/pkg/clock"
	"opsledger/pkg/config"
	"opsledger/pkg/util"
)

const (
	testSecret = "router-test-secret"
	testIssuer = "opsledger"
)

type testEnv struct {
	t          *testing.T
	router     *Router
	clock      *clock.Manual
	directory  *tenant.MemoryDirectory
	dispatcher *notify.Dispatcher
	ready      error
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()

	clk := clock.NewManual(time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC))
	store := ledger.NewMemoryStore(clk)
	_, err := store.CreatePartition(context.Background(), model.MonthlyPartition(clk.Now()))
	require.NoError(t, err)

	enforcer := tenant.NewEnforcer(log, clk)
	l := ledger.New(store, enforcer, clk, log, ledger.Options{})
	directory := tenant.NewMemoryDirectory("tenant-a", "tenant-b", "tenant-c")

	ingestSvc := ingest.NewService(l, clk, log, ingest.WithIdempotency(ingest.NewMemoryIdempotency(clk, time.Hour)))
	notifications := notify.NewMemoryStore()
	dispatcher := notify.NewDispatcher(notifications, []notify.Sender{notify.WebSender{}}, notify.DispatchConfig{}, clk, log)
	t.Cleanup(dispatcher.Close)
	notifySvc := notify.NewService(notifications, dispatcher, enforcer, clk, log)
	aggregator := analytics.NewAggregator(l, analytics.NewMemoryStore(), directory, clk, log)
	manager := lifecycle.NewManager(store, lifecycle.Config{}, clk, log)

	env := &testEnv{t: t, clock: clk, directory: directory, dispatcher: dispatcher}
	env.router = NewRouter(Handlers{
		Events:        api.NewEventHandler(ingestSvc, l, log),
		Notifications: api.NewNotificationHandler(notifySvc, log),
		Analytics:     api.NewAnalyticsHandler(aggregator, log),
		Admin:         api.NewAdminHandler(manager, nil, log),
	}, Options{
		JWT:       config.JWTConfig{Secret: testSecret, Issuer: testIssuer},
		Directory: directory,
		Ready: []ReadyCheck{{Name: "db", Check: func(context.Context) error {
			return env.ready
		}}},
		Logger: log,
	})
	return env
}

func token(t *testing.T, tenantID, role string) string {
	t.Helper()
	tok, err := util.GenerateJWT(testSecret, testIssuer, tenantID, "user-"+role, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(method, path, tok string, body interface{}, header ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error api.ErrorBody `json:"error"`
	}
	decode(t, w, &body)
	return body.Error.Code
}

func window(from, to time.Time) string {
	v := url.Values{}
	v.Set("from", from.Format(time.RFC3339Nano))
	v.Set("to", to.Format(time.RFC3339Nano))
	return v.Encode()
}

func TestHealthAndReadiness(t *testing.T) {
	env := newEnv(t)

	assert.Equal(t, http.StatusOK, env.do("GET", "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, env.do("GET", "/readyz", "", nil).Code)

	env.ready = errors.New("connection refused")
	w := env.do("GET", "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "db_not_ready")

	assert.Equal(t, http.StatusOK, env.do("GET", "/metrics", "", nil).Code)
}

func TestTraceIDIsEchoed(t *testing.T) {
	env := newEnv(t)

	w := env.do("GET", "/healthz", "", nil, "X-Trace-ID", "trace-123")
	assert.Equal(t, "trace-123", w.Header().Get("X-Trace-ID"))

	w = env.do("GET", "/healthz", "", nil)
	assert.NotEmpty(t, w.Header().Get("X-Trace-ID"))
}

func TestAuthentication(t *testing.T) {
	env := newEnv(t)
	path := "/v1/notifications?recipient=u1"

	w := env.do("GET", path, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "NO_TENANT_CONTEXT", errorCode(t, w))

	assert.Equal(t, http.StatusUnauthorized, env.do("GET", path, "not-a-jwt", nil).Code)

	forged, err := util.GenerateJWT("other-secret", testIssuer, "tenant-a", "mallory", "admin", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, env.do("GET", path, forged, nil).Code)

	assert.Equal(t, http.StatusForbidden, env.do("GET", path, token(t, "tenant-x", "member"), nil).Code, "unknown tenant")
	assert.Equal(t, http.StatusForbidden, env.do("GET", path, token(t, "tenant-a", "superuser"), nil).Code, "unknown role")

	require.NoError(t, env.directory.Deactivate("tenant-c", env.clock.Now()))
	w = env.do("GET", path, token(t, "tenant-c", "member"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "TENANT_INACTIVE", errorCode(t, w))

	assert.Equal(t, http.StatusOK, env.do("GET", path, token(t, "tenant-a", "member"), nil).Code)
}

func TestRecordAndQueryEvent(t *testing.T) {
	env := newEnv(t)
	tokA := token(t, "tenant-a", "member")
	occurred := time.Date(2025, 1, 15, 10, 0, 0, 123456000, time.UTC)

	w := env.do("POST", "/v1/activity-events", tokA, map[string]interface{}{
		"type":        "work_order.created",
		"category":    "user_action",
		"severity":    "info",
		"actor_id":    "u-7",
		"entity_type": "work_order",
		"entity_id":   "wo-42",
		"payload":     map[string]interface{}{"title": "Replace pump", "priority": 2},
		"occurred_at": occurred.Format(time.RFC3339Nano),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		ID string `json:"id"`
	}
	decode(t, w, &created)
	require.NotEmpty(t, created.ID)

	w = env.do("GET", "/v1/activity-events?"+window(occurred.Add(-time.Hour), occurred.Add(time.Hour)), tokA, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var page struct {
		Events     []model.ActivityEvent `json:"events"`
		NextCursor string                `json:"next_cursor"`
	}
	decode(t, w, &page)
	require.Len(t, page.Events, 1)
	got := page.Events[0]
	assert.Equal(t, created.ID, got.ID.String())
	assert.True(t, got.OccurredAt.Equal(occurred))
	assert.Equal(t, "Replace pump", got.Payload["title"])
	assert.Equal(t, float64(2), got.Payload["priority"])
	assert.Empty(t, page.NextCursor)

	assert.Equal(t, http.StatusOK, env.do("GET", "/v1/activity-events/"+created.ID, tokA, nil).Code)

	tokB := token(t, "tenant-b", "member")
	w = env.do("GET", "/v1/activity-events/"+created.ID, tokB, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do("GET", "/v1/activity-events?entity_id=wo-42&"+window(occurred.Add(-time.Hour), occurred.Add(time.Hour)), tokB, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &page)
	assert.Empty(t, page.Events, "another tenant's entity id matches nothing")
}

func TestQueryPagination(t *testing.T) {
	env := newEnv(t)
	tok := token(t, "tenant-a", "member")
	base := env.clock.Now()
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		w := env.do("POST", "/v1/activity-events", tok, map[string]interface{}{
			"type": "job.finished", "occurred_at": at.Format(time.RFC3339Nano),
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	var seen int
	cursor := ""
	for pages := 0; pages < 5; pages++ {
		path := "/v1/activity-events?limit=2&" + window(base.Add(-time.Hour), base.Add(time.Hour))
		if cursor != "" {
			path += "&cursor=" + url.QueryEscape(cursor)
		}
		w := env.do("GET", path, tok, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var page struct {
			Events     []model.ActivityEvent `json:"events"`
			NextCursor string                `json:"next_cursor"`
		}
		decode(t, w, &page)
		seen += len(page.Events)
		cursor = page.NextCursor
		if cursor == "" {
			break
		}
	}
	assert.Equal(t, 3, seen)

	w := env.do("GET", "/v1/activity-events?cursor=%21%21&"+window(base.Add(-time.Hour), base.Add(time.Hour)), tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEventErrorMapping(t *testing.T) {
	env := newEnv(t)
	tok := token(t, "tenant-a", "member")

	cases := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"missing range", "GET", "/v1/activity-events", nil, http.StatusBadRequest, "RANGE_REQUIRED"},
		{"bad timestamp", "GET", "/v1/activity-events?from=yesterday&to=today", nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"foreign tenant filter", "GET", "/v1/activity-events?tenant=tenant-b&" + window(env.clock.Now().Add(-time.Hour), env.clock.Now()),
			nil, http.StatusForbidden, "TENANT_ISOLATION_VIOLATION"},
		{"invalid type", "POST", "/v1/activity-events", map[string]interface{}{"type": "Not A Type"},
			http.StatusBadRequest, "VALIDATION_ERROR"},
		{"half entity ref", "POST", "/v1/activity-events", map[string]interface{}{"type": "asset.moved", "entity_type": "asset"},
			http.StatusBadRequest, "VALIDATION_ERROR"},
		{"no covering partition", "POST", "/v1/activity-events", map[string]interface{}{
			"type": "asset.moved", "occurred_at": env.clock.Now().AddDate(1, 0, 0).Format(time.RFC3339),
		}, http.StatusConflict, "NO_COVERING_PARTITION"},
		{"bad id", "GET", "/v1/activity-events/xyz", nil, http.StatusBadRequest, "VALIDATION_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(tc.method, tc.path, tok, tc.body)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
			assert.Equal(t, tc.code, errorCode(t, w))
		})
	}
}

func TestIdempotencyKeyReplayConflicts(t *testing.T) {
	env := newEnv(t)
	tok := token(t, "tenant-a", "member")
	body := map[string]interface{}{"type": "invoice.paid"}

	w := env.do("POST", "/v1/activity-events", tok, body, "Idempotency-Key", "req-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do("POST", "/v1/activity-events", tok, body, "Idempotency-Key", "req-1")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "DUPLICATE_REQUEST", errorCode(t, w))

	w = env.do("POST", "/v1/activity-events", token(t, "tenant-b", "member"), body, "Idempotency-Key", "req-1")
	assert.Equal(t, http.StatusCreated, w.Code, "keys are per tenant")
}

func TestNotificationInbox(t *testing.T) {
	env := newEnv(t)
	tok := token(t, "tenant-a", "member")

	w := env.do("POST", "/v1/notifications", tok, map[string]interface{}{
		"recipient_id": "u1",
		"type":         "work_order.assigned",
		"title":        "New assignment",
		"message":      "WO-42 is yours",
		"channels":     []string{"web"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var n model.Notification
	decode(t, w, &n)
	env.dispatcher.Wait()

	w = env.do("GET", "/v1/notifications/"+n.ID.String(), tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &n)
	assert.Equal(t, model.DeliveryDelivered, n.DeliveryStatus[model.ChannelWeb].State)

	w = env.do("GET", "/v1/notifications?recipient=u1", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list notify.ListResult
	decode(t, w, &list)
	assert.Len(t, list.Notifications, 1)
	assert.EqualValues(t, 1, list.UnreadCount)

	w = env.do("PATCH", "/v1/notifications/"+n.ID.String(), tok, map[string]bool{"read": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &n)
	assert.True(t, n.Read)
	assert.NotNil(t, n.ReadAt)

	w = env.do("PATCH", "/v1/notifications/"+n.ID.String(), tok, map[string]bool{"read": false})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do("GET", "/v1/notifications?recipient=u1&unread=true", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &list)
	assert.Empty(t, list.Notifications)
	assert.EqualValues(t, 0, list.UnreadCount)

	w = env.do("GET", "/v1/notifications/"+n.ID.String(), token(t, "tenant-b", "member"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNotificationValidation(t *testing.T) {
	env := newEnv(t)
	tok := token(t, "tenant-a", "member")

	w := env.do("POST", "/v1/notifications", tok, map[string]interface{}{
		"recipient_id": "u1",
		"type":         "reminder",
		"title":        "Late",
		"message":      "too late",
		"channels":     []string{"web"},
		"expires_at":   env.clock.Now().Add(-time.Minute).Format(time.RFC3339),
		"dispatch":     false,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, w))

	w = env.do("POST", "/v1/notifications", tok, map[string]interface{}{
		"tenant_id":    "tenant-b",
		"recipient_id": "u1",
		"type":         "reminder",
		"title":        "Hi",
		"message":      "cross tenant",
		"channels":     []string{"web"},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPermissions(t *testing.T) {
	env := newEnv(t)
	member := token(t, "tenant-a", "member")
	admin := token(t, "tenant-a", "admin")
	from := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	run := map[string]string{"from": from.Format(time.RFC3339), "to": to.Format(time.RFC3339)}

	assert.Equal(t, http.StatusForbidden, env.do("POST", "/v1/analytics/run", member, run).Code)
	assert.Equal(t, http.StatusForbidden, env.do("GET", "/admin/partitions", member, nil).Code)
	assert.Equal(t, http.StatusForbidden, env.do("POST", "/admin/lifecycle/run", token(t, "tenant-a", "operator"), nil).Code)

	w := env.do("GET", "/admin/partitions", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), model.MonthlyPartition(from).Name)

	assert.Equal(t, http.StatusServiceUnavailable, env.do("POST", "/admin/outbox/replay?id=1", admin, nil).Code)
}

func TestAdminLifecycleRunIsRepeatable(t *testing.T) {
	env := newEnv(t)
	admin := token(t, "tenant-a", "admin")

	var first, second struct {
		OK     bool             `json:"ok"`
		Report lifecycle.Report `json:"report"`
	}
	w := env.do("POST", "/admin/lifecycle/run", admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &first)
	assert.True(t, first.OK)
	assert.NotEmpty(t, first.Report.Created)

	w = env.do("POST", "/admin/lifecycle/run", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &second)
	assert.Empty(t, second.Report.Created, "a second run creates nothing new")
}

func TestAnalyticsRunAndSummary(t *testing.T) {
	env := newEnv(t)
	member := token(t, "tenant-a", "member")
	operator := token(t, "tenant-a", "operator")
	from := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	for _, typ := range []string{"job.finished", "job.finished", "job.failed"} {
		w := env.do("POST", "/v1/activity-events", member, map[string]interface{}{"type": typ, "actor_id": "u1"})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w := env.do("GET", "/v1/analytics/summary?"+window(from, to), member, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do("POST", "/v1/analytics/run", operator, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "RANGE_REQUIRED", errorCode(t, w))

	w = env.do("POST", "/v1/analytics/run", operator, map[string]string{
		"from": from.Format(time.RFC3339), "to": to.Format(time.RFC3339),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do("GET", "/v1/analytics/summary?"+window(from, to), member, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var s model.AnalyticsSummary
	decode(t, w, &s)
	assert.EqualValues(t, 3, s.Total)
	assert.Equal(t, 10, s.PeakHour)
	assert.Equal(t, "tenant-a", s.TenantID)

	w = env.do("GET", "/v1/analytics/summary?"+window(from, to), token(t, "tenant-b", "member"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
