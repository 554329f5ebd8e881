package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/hyperjump/cgrcompute/internal/cache"
	"github.com/hyperjump/cgrcompute/internal/dispatch"
	"github.com/hyperjump/cgrcompute/internal/models"
	"github.com/hyperjump/cgrcompute/internal/recommend"
	"github.com/hyperjump/cgrcompute/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticSource serves its records as a single page.
type staticSource struct {
	records []source.Record
	err     error

	mu    sync.Mutex
	calls int
}

func (s *staticSource) Fetch(_ context.Context, _ string, limit int) (source.Page, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return source.Page{}, s.err
	}
	rs := s.records
	if len(rs) > limit {
		rs = rs[:limit]
	}
	return source.Page{Records: rs, Done: true}, nil
}

// localPool runs tasks in process through the worker handlers.
type localPool struct {
	handlers map[string]dispatch.Handler

	mu    sync.Mutex
	kinds []string
}

func (p *localPool) Submit(ctx context.Context, kind string, payload []byte) ([]byte, error) {
	p.mu.Lock()
	p.kinds = append(p.kinds, kind)
	p.mu.Unlock()
	h, ok := p.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("no handler for %s", kind)
	}
	return h(ctx, payload)
}

type mapLookup struct {
	abbr map[string]string
	fail map[string]bool
}

func (l *mapLookup) GetCourseAbbr(_ context.Context, key models.CourseKey) (string, bool, error) {
	if l.fail[key.CourseNo] {
		return "", false, errors.New("lookup timeout")
	}
	abbr, ok := l.abbr[key.CourseNo]
	return abbr, ok, nil
}

// sessions builds six baskets that all contain 261207 and 261208 plus three
// courses unique to the session.
func sessions() []source.Record {
	var rs []source.Record
	for s := 0; s < 6; s++ {
		key := fmt.Sprintf("session-%d", s)
		courses := []string{"261207", "261208"}
		for f := 0; f < 3; f++ {
			courses = append(courses, fmt.Sprintf("2690%d%d", s, f))
		}
		for _, c := range courses {
			rs = append(rs, source.Record{Program: "CPE", Course: c, GroupKey: key})
		}
	}
	return rs
}

func allAbbr() map[string]string {
	abbr := map[string]string{"261207": "BASIC CPE LAB", "261208": "BASIC CPE SEM"}
	for s := 0; s < 6; s++ {
		for f := 0; f < 3; f++ {
			c := fmt.Sprintf("2690%d%d", s, f)
			abbr[c] = "COURSE " + c
		}
	}
	return abbr
}

type fixture struct {
	src    *staticSource
	pool   *localPool
	lookup *mapLookup
	rec    *Recommender
}

func newFixture(t *testing.T, src *staticSource) *fixture {
	t.Helper()
	codec, err := recommend.NewModelCodec()
	require.NoError(t, err)
	store := cache.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	tasks := &Tasks{
		Cache:   cache.New(store, codec),
		Trainer: recommend.NewTrainer(src, recommend.TrainerConfig{Variants: []recommend.Variant{recommend.Cosine}}, nil),
	}
	f := &fixture{
		src:    src,
		pool:   &localPool{handlers: tasks.Handlers()},
		lookup: &mapLookup{abbr: allAbbr()},
	}
	f.rec = NewRecommender(f.pool, f.lookup, nil)
	return f
}

func request(variant string, selected ...string) *models.RecommendationRequest {
	req := &models.RecommendationRequest{
		SemesterKey: models.SemesterKey{StudyProgram: "CPE", Semester: "1", AcademicYear: "2023"},
		Variant:     variant,
	}
	for _, c := range selected {
		req.SelectedCourse = append(req.SelectedCourse, models.CourseKey{CourseNo: c})
	}
	return req
}

func TestRecommend_RanksEnrichesAndCaps(t *testing.T) {
	f := newFixture(t, &staticSource{records: sessions()})

	resp, err := f.rec.Recommend(context.Background(), request("cosine", "261207"))
	require.NoError(t, err)
	require.Len(t, resp.Course, models.MaxRecommendations)
	assert.Equal(t, "COSINE", resp.Variant)

	first := resp.Course[0]
	assert.Equal(t, "261208", first.Key.CourseNo)
	assert.Equal(t, "BASIC CPE SEM", first.CourseNameEn)
	for _, c := range resp.Course {
		assert.NotEqual(t, "261207", c.Key.CourseNo, "selected course must not be recommended")
		assert.Equal(t, "CPE", c.Key.SemesterKey.StudyProgram)
		assert.Equal(t, "1", c.Key.SemesterKey.Semester)
		assert.Equal(t, "2023", c.Key.SemesterKey.AcademicYear)
	}
}

func TestRecommend_DropsUnenrichedCourses(t *testing.T) {
	f := newFixture(t, &staticSource{records: sessions()})
	delete(f.lookup.abbr, "261208")
	f.lookup.fail = map[string]bool{"269000": true}

	resp, err := f.rec.Recommend(context.Background(), request("COSINE", "261207"))
	require.NoError(t, err)
	require.NotEmpty(t, resp.Course)
	for _, c := range resp.Course {
		assert.NotContains(t, []string{"261207", "261208", "269000"}, c.Key.CourseNo)
		assert.NotEmpty(t, c.CourseNameEn)
	}
}

func TestRecommend_Random(t *testing.T) {
	f := newFixture(t, &staticSource{records: sessions()})
	resp, err := f.rec.Recommend(context.Background(), request("RANDOM"))
	require.NoError(t, err)
	assert.Len(t, resp.Course, models.MaxRecommendations)

	seen := make(map[string]bool)
	for _, c := range resp.Course {
		assert.False(t, seen[c.Key.CourseNo], "duplicate %s", c.Key.CourseNo)
		seen[c.Key.CourseNo] = true
	}
}

func TestRecommend_DefaultsToCosine(t *testing.T) {
	f := newFixture(t, &staticSource{records: sessions()})
	resp, err := f.rec.Recommend(context.Background(), request("", "261208"))
	require.NoError(t, err)
	assert.Equal(t, "COSINE", resp.Variant)
	require.NotEmpty(t, resp.Course)
	assert.Equal(t, "261207", resp.Course[0].Key.CourseNo)
}

func TestRecommend_RequestErrors(t *testing.T) {
	f := newFixture(t, &staticSource{records: sessions()})
	ctx := context.Background()

	_, err := f.rec.Recommend(ctx, request("JACCARD"))
	assert.ErrorIs(t, err, recommend.ErrUnknownVariant)
	assert.Empty(t, f.pool.kinds, "invalid variants never reach a worker")

	_, err = f.rec.Recommend(ctx, request("COSINE_INT8"))
	assert.ErrorIs(t, err, recommend.ErrUnknownVariant, "untrained variant")

	req := request("COSINE")
	req.SemesterKey.StudyProgram = ""
	_, err = f.rec.Recommend(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRecommend_UnknownSelectionIsNotAnError(t *testing.T) {
	f := newFixture(t, &staticSource{records: sessions()})
	resp, err := f.rec.Recommend(context.Background(), request("COSINE", "999999"))
	require.NoError(t, err)
	assert.Empty(t, resp.Course)
}

func TestRecommend_ModelBuiltOnce(t *testing.T) {
	src := &staticSource{records: sessions()}
	f := newFixture(t, src)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.rec.Recommend(context.Background(), request("COSINE", "261207"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, src.calls)
}

func TestRecommend_SourceFailureIsNotCached(t *testing.T) {
	src := &staticSource{err: fmt.Errorf("%w: drill returned 502", source.ErrUnavailable)}
	f := newFixture(t, src)
	ctx := context.Background()

	_, err := f.rec.Recommend(ctx, request("COSINE", "261207"))
	assert.ErrorIs(t, err, source.ErrUnavailable)

	src.err = nil
	src.records = sessions()
	resp, err := f.rec.Recommend(ctx, request("COSINE", "261207"))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Course)
	assert.Equal(t, 2, src.calls)
}

func TestWarm(t *testing.T) {
	f := newFixture(t, &staticSource{records: sessions()})
	info, err := f.rec.Warm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, info.Catalog)
	assert.Equal(t, 6, info.Observations)
	assert.Equal(t, []string{"RANDOM", "COSINE"}, info.Variants)
	assert.False(t, info.TrainedAt.IsZero())
	assert.Equal(t, []string{TaskPopulate}, f.pool.kinds)
}

func TestTasks_ErrorCodesOnTheWire(t *testing.T) {
	codec, err := recommend.NewModelCodec()
	require.NoError(t, err)
	tasks := &Tasks{
		Cache:   cache.New(cache.NewMemoryStore(), codec),
		Trainer: recommend.NewTrainer(&staticSource{records: sessions()}, recommend.TrainerConfig{}, nil),
	}
	w := &dispatch.Worker{Handlers: tasks.Handlers(), Codes: TaskErrors}

	in := strings.NewReader(
		`{"id":"1","kind":"infer","payload":{"semester_key":{"study_program":"CPE"},"variant":"COSINE_FP16"}}` + "\n" +
			`{"id":"2","kind":"infer","payload":{"semester_key":{"study_program":"CPE"},"variant":"COSINE","selected_course":[{"course_no":"261207"}]}}` + "\n")
	var out bytes.Buffer
	require.NoError(t, w.Serve(context.Background(), in, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	var failed, ok dispatch.Response
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &failed))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &ok))

	assert.Equal(t, "unknown_variant", failed.Code)
	var items []models.Item
	require.NoError(t, json.Unmarshal(ok.Payload, &items))
	require.NotEmpty(t, items)
	assert.Equal(t, models.Item{Program: "CPE", Course: "261208"}, items[0])
}
