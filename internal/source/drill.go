package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// AuthCookieName is the session cookie issued by the auth proxy.
const AuthCookieName = "authelia_session"

// DefaultDrillQuery selects the most recent course-add events from the log store.
var DefaultDrillQuery = fmt.Sprintf(`
select t.a_studyProgram, t.a_courseNo, t.session_id, t.ts from
(
	select g.a_studyProgram, g.a_courseNo, g.session_id, g.message, g.%[1]stimestamp%[1]s as ts
	from elastic.graylog_0 g
	order by g.%[1]stimestamp%[1]s desc
	limit %[2]d
) t
where t.message like '%[3]s'`, "`", DefaultWindow, DefaultObservationMessage)

// Columns names the result columns holding each record field.
type Columns struct {
	Program   string
	Course    string
	GroupKey  string
	Timestamp string
}

// orderBy returns a total order over the result columns, newest first, so
// LIMIT/OFFSET pages of repeated runs line up.
func (c Columns) orderBy() string {
	var keys []string
	if c.Timestamp != "" {
		keys = append(keys, fmt.Sprintf("p.`%s` desc", c.Timestamp))
	}
	for _, col := range []string{c.GroupKey, c.Course, c.Program} {
		if col != "" {
			keys = append(keys, fmt.Sprintf("p.`%s`", col))
		}
	}
	return strings.Join(keys, ", ")
}

// DefaultColumns matches DefaultDrillQuery.
var DefaultColumns = Columns{
	Program:   "a_studyProgram",
	Course:    "a_courseNo",
	GroupKey:  "session_id",
	Timestamp: "ts",
}

// DrillConfig configures a DrillSource.
type DrillConfig struct {
	URL string
	// AuthProxy enables a first-factor login against this base URL before any
	// query. Empty disables the proxy.
	AuthProxy    string
	AuthUsername string
	AuthPassword string
	Timeout      time.Duration
	// Query is the observation query. Pages are cut with ORDER BY and
	// LIMIT/OFFSET around it.
	Query   string
	Columns Columns
}

// QueryResult is the body of a Drill query response.
type QueryResult struct {
	QueryID    string           `json:"queryId"`
	Columns    []string         `json:"columns"`
	Rows       []map[string]any `json:"rows"`
	QueryState string           `json:"queryState"`
}

// DrillSource reads records from Apache Drill over its REST API.
type DrillSource struct {
	cfg    DrillConfig
	client *http.Client
	cb     *gobreaker.CircuitBreaker[*QueryResult]
	logger *zap.Logger

	// session is the auth proxy cookie, sent with every Drill request.
	session *http.Cookie
}

// NewDrillSource creates a Drill client. It logs in through the auth proxy when
// one is configured and verifies the server answers before returning.
func NewDrillSource(ctx context.Context, cfg DrillConfig, logger *zap.Logger) (*DrillSource, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("drill url is required")
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.Query == "" {
		cfg.Query = DefaultDrillQuery
	}
	if cfg.Columns == (Columns{}) {
		cfg.Columns = DefaultColumns
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &DrillSource{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger.Named("drill"),
	}
	d.cb = gobreaker.NewCircuitBreaker[*QueryResult](gobreaker.Settings{
		Name:        "drill",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	if cfg.AuthProxy != "" {
		d.logger.Info("auth proxy configured, authenticating", zap.String("proxy", cfg.AuthProxy))
		if err := d.login(ctx); err != nil {
			return nil, err
		}
		d.logger.Info("auth proxy authenticated")
	}
	if err := d.CheckStatus(ctx); err != nil {
		return nil, err
	}
	d.logger.Info("drill connected", zap.String("url", cfg.URL))
	return d, nil
}

func (d *DrillSource) login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"username": d.cfg.AuthUsername,
		"password": d.cfg.AuthPassword,
	})
	if err != nil {
		return err
	}
	endpoint := strings.TrimRight(d.cfg.AuthProxy, "/") + "/api/firstfactor"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: auth proxy login: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: auth proxy login returned %s", ErrUnavailable, resp.Status)
	}
	for _, c := range resp.Cookies() {
		if c.Name == AuthCookieName {
			d.session = c
			return nil
		}
	}
	return fmt.Errorf("%w: auth proxy did not issue %s", ErrUnavailable, AuthCookieName)
}

func (d *DrillSource) do(req *http.Request) (*http.Response, error) {
	if d.session != nil {
		req.AddCookie(&http.Cookie{Name: d.session.Name, Value: d.session.Value})
	}
	return d.client.Do(req)
}

// CheckStatus requests the profiles page without following redirects. Any
// status other than 200, including a redirect to a login page, is an error.
func (d *DrillSource) CheckStatus(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.URL+"/profiles.json", nil)
	if err != nil {
		return err
	}
	resp, err := d.do(req)
	if err != nil {
		return fmt.Errorf("%w: drill status: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: drill status returned %s", ErrUnavailable, resp.Status)
	}
	return nil
}

// Query runs a SQL statement and returns its rows. A query that does not reach
// the COMPLETED state is an error.
func (d *DrillSource) Query(ctx context.Context, query string) (*QueryResult, error) {
	res, err := d.cb.Execute(func() (*QueryResult, error) {
		return d.query(ctx, query)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: drill: %v", ErrUnavailable, err)
	}
	return res, err
}

func (d *DrillSource) query(ctx context.Context, query string) (*QueryResult, error) {
	body, err := json.Marshal(map[string]string{"queryType": "SQL", "query": query})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL+"/query.json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: drill query: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: drill query returned %s: %s", ErrUnavailable, resp.Status, bytes.TrimSpace(msg))
	}
	var res QueryResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode drill response: %w", err)
	}
	if res.QueryState != "COMPLETED" {
		return nil, fmt.Errorf("drill query %s is %s, not COMPLETED", res.QueryID, res.QueryState)
	}
	return &res, nil
}

// Fetch implements RecordSource. The cursor is the row offset into the
// configured query.
func (d *DrillSource) Fetch(ctx context.Context, cursor string, limit int) (Page, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return Page{}, fmt.Errorf("invalid drill cursor %q", cursor)
		}
		offset = n
	}
	q := fmt.Sprintf("select * from (%s) p order by %s limit %d offset %d",
		d.cfg.Query, d.cfg.Columns.orderBy(), limit, offset)
	res, err := d.Query(ctx, q)
	if err != nil {
		return Page{}, err
	}
	records := make([]Record, 0, len(res.Rows))
	for _, row := range res.Rows {
		r := Record{
			Program:   stringField(row, d.cfg.Columns.Program),
			Course:    stringField(row, d.cfg.Columns.Course),
			GroupKey:  stringField(row, d.cfg.Columns.GroupKey),
			Timestamp: int64Field(row, d.cfg.Columns.Timestamp),
		}
		if r.Course == "" || r.GroupKey == "" {
			continue
		}
		records = append(records, r)
	}
	d.logger.Debug("fetched page", zap.Int("offset", offset), zap.Int("rows", len(res.Rows)))
	return Page{
		Records: records,
		Cursor:  strconv.Itoa(offset + len(res.Rows)),
		Done:    len(res.Rows) < limit,
	}, nil
}

// stringField renders a Drill cell as a string. Drill returns most scalars as
// JSON strings but numeric columns may arrive as numbers.
func stringField(row map[string]any, col string) string {
	if col == "" {
		return ""
	}
	switch v := row[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func int64Field(row map[string]any, col string) int64 {
	if col == "" {
		return 0
	}
	switch v := row[col].(type) {
	case float64:
		return int64(v)
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ts.UnixMilli()
		}
		if ts, err := time.Parse("2006-01-02 15:04:05.000", v); err == nil {
			return ts.UnixMilli()
		}
	}
	return 0
}
