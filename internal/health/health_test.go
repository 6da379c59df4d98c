package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubBreaker bool

func (b stubBreaker) IsCircuitBreakerOpen() bool { return bool(b) }

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func fixed(name string, critical bool, status CheckStatus) Checker {
	return NewFuncChecker(name, critical, func(context.Context) CheckResult {
		return CheckResult{Status: status}
	})
}

func TestRedisChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	res := NewRedisChecker(client, nil, true).Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)

	res = NewRedisChecker(client, stubBreaker(true), true).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "circuit breaker open", res.Error)

	mr.SetError("LOADING dataset in memory")
	res = NewRedisChecker(client, nil, true).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.NotEmpty(t, res.Error)
}

func TestDatabaseChecker(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "postgres")

	mock.ExpectPing()
	res := NewDatabaseChecker(db, nil).Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, "postgres", res.Details["driver"])

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	res = NewDatabaseChecker(db, nil).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHTTPChecker(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	assert.Equal(t, StatusHealthy, NewHTTPChecker("llm", ok.URL+"/", "/health", false).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewHTTPChecker("llm", bad.URL, "/health", false).Check(context.Background()).Status)
}

func TestOverallRollup(t *testing.T) {
	tests := []struct {
		name     string
		checkers []Checker
		status   CheckStatus
		ready    bool
	}{
		{"none registered", nil, StatusUnknown, true},
		{"all healthy", []Checker{fixed("a", true, StatusHealthy), fixed("b", false, StatusHealthy)}, StatusHealthy, true},
		{"critical failing", []Checker{fixed("a", true, StatusUnhealthy), fixed("b", false, StatusHealthy)}, StatusUnhealthy, false},
		{"optional failing", []Checker{fixed("a", true, StatusHealthy), fixed("vector", false, StatusUnhealthy)}, StatusDegraded, true},
		{"degraded", []Checker{fixed("a", true, StatusDegraded)}, StatusDegraded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(0, zaptest.NewLogger(t))
			for _, c := range tt.checkers {
				require.NoError(t, m.Register(c))
			}
			overall := m.Overall(context.Background())
			assert.Equal(t, tt.status, overall.Status)
			assert.Equal(t, tt.ready, overall.Ready)
			assert.True(t, overall.Live)
		})
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	m := NewManager(0, nil)
	require.NoError(t, m.Register(fixed("redis", true, StatusHealthy)))
	assert.Error(t, m.Register(fixed("redis", true, StatusHealthy)))
	assert.Error(t, m.Register(fixed("", true, StatusHealthy)))
	assert.Equal(t, []string{"redis"}, m.Names())
}

func TestPingChecker(t *testing.T) {
	m := NewManager(0, nil)
	require.NoError(t, m.Register(NewPingChecker("vector", stubPinger{errors.New("down")}, nil, false)))
	d := m.Detailed(context.Background())
	assert.Equal(t, StatusUnhealthy, d.Components["vector"].Status)
	assert.False(t, d.Components["vector"].Critical)
	assert.Equal(t, StatusDegraded, d.Overall.Status)

	cached := m.Cached()
	assert.Equal(t, d.Summary, cached.Summary)
}

func TestHTTPEndpoints(t *testing.T) {
	m := NewManager(0, zaptest.NewLogger(t))
	require.NoError(t, m.Register(fixed("database", true, StatusUnhealthy)))
	mux := http.NewServeMux()
	NewHTTPHandler(m, zaptest.NewLogger(t)).RegisterRoutes(mux)

	cases := map[string]int{
		"/health":          http.StatusServiceUnavailable,
		"/health/ready":    http.StatusServiceUnavailable,
		"/health/live":     http.StatusOK,
		"/health/detailed": http.StatusServiceUnavailable,
	}
	for path, code := range cases {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, code, rec.Code, path)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	overall := body["overall"].(map[string]interface{})
	assert.Equal(t, "unhealthy", overall["status"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
