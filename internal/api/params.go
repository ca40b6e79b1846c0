package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"custody-tracker/internal/custody"
)

// flexTime accepts RFC 3339 timestamps or plain dates (UTC midnight).
type flexTime struct{ time.Time }

func (t *flexTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := parseTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t *flexTime) ptr() *time.Time {
	if t == nil {
		return nil
	}
	v := t.Time
	return &v
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if d, err := time.Parse("2006-01-02", s); err == nil {
		return d.UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither a date nor an RFC 3339 timestamp", s)
	}
	return ts.UTC(), nil
}

// query collects typed query parameters and the first parse error.
type query struct {
	r      *http.Request
	fields map[string]string
}

func newQuery(r *http.Request) *query {
	return &query{r: r, fields: map[string]string{}}
}

func (q *query) str(name string) string {
	return strings.TrimSpace(q.r.URL.Query().Get(name))
}

func (q *query) list(name string) []string {
	var out []string
	for _, raw := range q.r.URL.Query()[name] {
		for _, part := range strings.Split(raw, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (q *query) integer(name string, def int) int {
	v := q.str(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		q.fields[name] = "must be a non-negative integer"
		return def
	}
	return n
}

func (q *query) boolean(name string) bool {
	v := q.str(name)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		q.fields[name] = "must be true or false"
	}
	return b
}

func (q *query) timestamp(name string) *time.Time {
	v := q.str(name)
	if v == "" {
		return nil
	}
	t, err := parseTime(v)
	if err != nil {
		q.fields[name] = err.Error()
		return nil
	}
	return &t
}

func (q *query) err() error {
	if len(q.fields) == 0 {
		return nil
	}
	return &custody.ValidationError{Fields: q.fields}
}
