package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/hyperjump/cgrcompute/internal/config"
	"github.com/hyperjump/cgrcompute/internal/dispatch"
	"github.com/hyperjump/cgrcompute/internal/models"
	"github.com/hyperjump/cgrcompute/internal/recommend"
	"github.com/hyperjump/cgrcompute/internal/service"
	"github.com/hyperjump/cgrcompute/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakePool struct {
	serving atomic.Bool
}

func newFakePool(serving bool) *fakePool {
	p := &fakePool{}
	p.serving.Store(serving)
	return p
}

func (p *fakePool) HealthCheck(context.Context) bool { return p.serving.Load() }

func (p *fakePool) Pids() []int { return []int{101, 102} }

func (p *fakePool) Watch(ctx context.Context, interval, _ time.Duration) <-chan bool {
	ch := make(chan bool)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var prev *bool
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			ok := p.serving.Load()
			if prev != nil && *prev == ok {
				continue
			}
			select {
			case ch <- ok:
				prev = &ok
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

type fakeRecommender struct {
	err error
}

func (f *fakeRecommender) Recommend(_ context.Context, req *models.RecommendationRequest) (*models.RecommendationResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	key := models.CourseKey{CourseNo: "261208", SemesterKey: req.SemesterKey}
	return &models.RecommendationResponse{
		Course:  []models.CourseDetail{{Key: key, CourseNameEn: "BASIC CPE SEM"}},
		Variant: "COSINE",
	}, nil
}

// blockingRecommender waits for the request context to end.
type blockingRecommender struct{}

func (blockingRecommender) Recommend(ctx context.Context, _ *models.RecommendationRequest) (*models.RecommendationResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeCounter struct {
	n   int64
	err error
}

func (f fakeCounter) CountCourses(context.Context) (int64, error) { return f.n, f.err }

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	cfg := &config.Config{
		Cache:  config.CacheConfig{Path: filepath.Join(dir, "cache.db")},
		Lookup: config.LookupConfig{DatabasePath: filepath.Join(dir, "courses.db")},
	}
	config.ApplyDefaults(cfg)
	cfg.Server.Host = "127.0.0.1"
	cfg.Pool.HealthInterval = 10 * time.Millisecond
	cfg.Pool.HealthTimeout = time.Second
	return cfg
}

func newTestServer(t *testing.T, rec Recommender, pool Prober) *Server {
	t.Helper()
	return NewServer(rec, pool, testConfig(t), nil)
}

func postRecommend(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/recommend", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

const requestBody = `{"semester_key":{"study_program":"CPE","semester":"1","academic_year":"2023"},"selected_course":[{"course_no":"261207"}],"variant":"COSINE"}`

func TestHandleRecommend(t *testing.T) {
	srv := newTestServer(t, &fakeRecommender{}, newFakePool(true))
	w := postRecommend(t, srv.Router(), requestBody)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp models.RecommendationResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Course, 1)
	assert.Equal(t, "261208", resp.Course[0].Key.CourseNo)
	assert.Equal(t, "2023", resp.Course[0].Key.SemesterKey.AcademicYear)
	assert.Equal(t, "BASIC CPE SEM", resp.Course[0].CourseNameEn)
}

func TestHandleRecommend_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown variant", fmt.Errorf("%w: JACCARD", recommend.ErrUnknownVariant), http.StatusBadRequest},
		{"invalid request", fmt.Errorf("%w: study_program is required", service.ErrInvalidRequest), http.StatusBadRequest},
		{"pool broken", fmt.Errorf("infer: %w", dispatch.ErrPoolBroken), http.StatusServiceUnavailable},
		{"source down", fmt.Errorf("infer: %w", source.ErrUnavailable), http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeRecommender{err: tt.err}, newFakePool(true))
			w := postRecommend(t, srv.Router(), requestBody)
			assert.Equal(t, tt.want, w.Code)
			var body map[string]string
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.err.Error(), body["error"])
		})
	}
}

func TestHandleRecommend_InvalidBody(t *testing.T) {
	srv := newTestServer(t, &fakeRecommender{}, newFakePool(true))
	w := postRecommend(t, srv.Router(), "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleHealth(t *testing.T) {
	pool := newFakePool(true)
	srv := newTestServer(t, &fakeRecommender{}, pool)
	h := srv.Router()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"SERVING"`)

	pool.serving.Store(false)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"NOT_SERVING"`)
}

func TestHandleStatus(t *testing.T) {
	srv := newTestServer(t, &fakeRecommender{}, newFakePool(true))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Serving        bool           `json:"serving"`
		Workers        []int          `json:"workers"`
		DiskUsageBytes *int64         `json:"disk_usage_bytes"`
		Config         map[string]any `json:"config"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	assert.True(t, out.Serving)
	assert.Equal(t, []int{101, 102}, out.Workers)
	require.NotNil(t, out.DiskUsageBytes)
	assert.Zero(t, *out.DiskUsageBytes)
	assert.Equal(t, "drill", out.Config["source_kind"])
}

func TestHandleStatus_CourseCount(t *testing.T) {
	srv := NewServer(&fakeRecommender{}, newFakePool(true), testConfig(t), nil, WithCourseCounter(fakeCounter{n: 42}))
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Courses *int64 `json:"courses"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	require.NotNil(t, out.Courses)
	assert.Equal(t, int64(42), *out.Courses)

	failing := NewServer(&fakeRecommender{}, newFakePool(true), testConfig(t), nil, WithCourseCounter(fakeCounter{err: errors.New("locked")}))
	w = httptest.NewRecorder()
	failing.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), `"courses"`)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeRecommender{}, newFakePool(true))
	h := srv.Router()
	postRecommend(t, h, requestBody)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `cgr_recommend_requests_total{outcome="ok",transport="http"}`)
}

func dialBuf(t *testing.T, srv *Server) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.GRPC().Serve(lis) }()
	t.Cleanup(srv.GRPC().Stop)

	c, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGRPC_Recommend(t *testing.T) {
	c := dialBuf(t, newTestServer(t, &fakeRecommender{}, newFakePool(true)))
	var req models.RecommendationRequest
	require.NoError(t, json.Unmarshal([]byte(requestBody), &req))

	resp, err := c.Recommend(context.Background(), &req)
	require.NoError(t, err)
	require.Len(t, resp.Course, 1)
	assert.Equal(t, "261208", resp.Course[0].Key.CourseNo)
	assert.Equal(t, "CPE", resp.Course[0].Key.SemesterKey.StudyProgram)
}

func TestGRPC_RecommendErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{recommend.ErrUnknownVariant, codes.InvalidArgument},
		{fmt.Errorf("infer: %w", dispatch.ErrPoolBroken), codes.Unavailable},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			c := dialBuf(t, newTestServer(t, &fakeRecommender{err: tt.err}, newFakePool(true)))
			_, err := c.Recommend(context.Background(), &models.RecommendationRequest{})
			assert.Equal(t, tt.want, status.Code(err))
		})
	}
}

func TestGRPC_RequestTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.RequestTimeout = 50 * time.Millisecond
	c := dialBuf(t, NewServer(blockingRecommender{}, newFakePool(true), cfg, nil))

	start := time.Now()
	_, err := c.Recommend(context.Background(), &models.RecommendationRequest{})
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestGRPC_HealthCheck(t *testing.T) {
	pool := newFakePool(true)
	c := dialBuf(t, newTestServer(t, &fakeRecommender{}, pool))
	ctx := context.Background()

	st, err := c.Check(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, st)

	pool.serving.Store(false)
	st, err = c.Check(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, st)

	_, err = c.Check(ctx, "CourseRecommendation")
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestGRPC_HealthWatch(t *testing.T) {
	pool := newFakePool(true)
	c := dialBuf(t, newTestServer(t, &fakeRecommender{}, pool))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var got []grpc_health_v1.HealthCheckResponse_ServingStatus
	err := c.Watch(ctx, "", func(st grpc_health_v1.HealthCheckResponse_ServingStatus) bool {
		got = append(got, st)
		if len(got) == 1 {
			pool.serving.Store(false)
		}
		return len(got) < 2
	})
	require.NoError(t, err)
	assert.Equal(t, []grpc_health_v1.HealthCheckResponse_ServingStatus{
		grpc_health_v1.HealthCheckResponse_SERVING,
		grpc_health_v1.HealthCheckResponse_NOT_SERVING,
	}, got)
}

func TestGRPC_HealthWatchUnknownService(t *testing.T) {
	c := dialBuf(t, newTestServer(t, &fakeRecommender{}, newFakePool(true)))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var got []grpc_health_v1.HealthCheckResponse_ServingStatus
	err := c.Watch(ctx, "other", func(st grpc_health_v1.HealthCheckResponse_ServingStatus) bool {
		got = append(got, st)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []grpc_health_v1.HealthCheckResponse_ServingStatus{
		grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN,
	}, got)
}

func TestServe_HTTPAndGRPCOnOnePort(t *testing.T) {
	srv := newTestServer(t, &fakeRecommender{}, newFakePool(true))
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(l) }()
	addr := l.Addr().String()

	resp, err := http.Post("http://"+addr+"/api/v1/recommend", "application/json", bytes.NewBufferString(requestBody))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()
	st, err := c.Check(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, st)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}
