package servicenow

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ekarasync/internal/incident"
)

type capturedRequest struct {
	Method string
	Path   string
	Query  string
	Params url.Values
	Body   map[string]any
}

// fakeTableAPI records requests and answers from a handler function.
type fakeTableAPI struct {
	mu       sync.Mutex
	requests []capturedRequest
	respond  func(r capturedRequest) (int, any)
}

func (f *fakeTableAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != "integration" || pass != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"User Not Authenticated","detail":"Required to provide Auth information"},"status":"failure"}`)
		return
	}

	req := capturedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query().Get("sysparm_query"),
		Params: r.URL.Query(),
	}
	if r.Body != nil {
		b, _ := io.ReadAll(r.Body)
		if len(b) > 0 {
			_ = json.Unmarshal(b, &req.Body)
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	status, body := f.respond(req)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (f *fakeTableAPI) captured() []capturedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]capturedRequest(nil), f.requests...)
}

func newTestStore(t *testing.T, legacy bool, respond func(capturedRequest) (int, any)) (*Store, *fakeTableAPI) {
	t.Helper()
	api := &fakeTableAPI{respond: respond}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL, Username: "integration", Password: "secret"})
	require.NoError(t, err)
	return NewStore(client, legacy, log.Nop()), api
}

func result(v any) map[string]any {
	return map[string]any{"result": v}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{BaseURL: "https://acme.service-now.com", Username: "u", Password: "p"}, false},
		{"missing url", Config{Username: "u", Password: "p"}, true},
		{"bad url", Config{BaseURL: "not a url", Username: "u", Password: "p"}, true},
		{"missing user", Config{BaseURL: "https://acme.service-now.com", Password: "p"}, true},
		{"missing password", Config{BaseURL: "https://acme.service-now.com", Username: "u"}, true},
		{"negative timeout", Config{BaseURL: "https://acme.service-now.com", Username: "u", Password: "p", Timeout: -time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCreate_PostsFields(t *testing.T) {
	t.Parallel()

	s, api := newTestStore(t, false, func(r capturedRequest) (int, any) {
		return http.StatusCreated, result(map[string]string{
			"sys_id":         "0a1b2c",
			"number":         "INC0010042",
			"sys_created_on": "2026-10-18 08:00:00",
		})
	})

	rec := &incident.Record{
		AlertID:          "a-1",
		CallerID:         "caller",
		State:            incident.StateInProgress,
		Comments:         "Login failed",
		ShortDescription: "An alert has been triggered for the scenario Login",
		Category:         "software",
		Impact:           1,
		Urgency:          1,
		Description:      `{"alertId":"a-1"}`,
	}
	number, err := s.Create(context.Background(), "u_ekara_incident", rec)
	require.NoError(t, err)

	assert.Equal(t, "INC0010042", number)
	assert.Equal(t, "0a1b2c", rec.SysID)
	assert.Equal(t, "u_ekara_incident", rec.Table)
	assert.Equal(t, time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC), rec.CreatedAt)

	reqs := api.captured()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/api/now/table/u_ekara_incident", reqs[0].Path)
	assert.Equal(t, "a-1", reqs[0].Body["correlation_id"])
	assert.Equal(t, float64(1), reqs[0].Body["state"])
	assert.Equal(t, "software", reqs[0].Body["category"])
}

// reference builds a Table API reference field as returned without
// sysparm_exclude_reference_link.
func reference(value string) map[string]string {
	return map[string]string{
		"link":  "https://acme.service-now.com/api/now/table/sys_user/" + value,
		"value": value,
	}
}

func TestCreate_ReferenceFieldsInResponse(t *testing.T) {
	t.Parallel()

	s, api := newTestStore(t, false, func(capturedRequest) (int, any) {
		return http.StatusCreated, result(map[string]any{
			"sys_id":         "0a1b2c",
			"number":         "INC0010043",
			"caller_id":      reference("caller"),
			"sys_domain":     reference("global"),
			"opened_by":      reference("caller"),
			"impact":         "1",
			"active":         true,
			"reassign_count": 0,
			"closed_at":      nil,
		})
	})

	number, err := s.Create(context.Background(), "incident", &incident.Record{AlertID: "a-2"})
	require.NoError(t, err)
	assert.Equal(t, "INC0010043", number)

	reqs := api.captured()
	require.Len(t, reqs, 1)
	assert.Equal(t, "true", reqs[0].Params.Get("sysparm_exclude_reference_link"))
	assert.Equal(t, "sys_id,number,sys_created_on,sys_updated_on", reqs[0].Params.Get("sysparm_fields"))
}

func TestUpdate_ReferenceFieldsInResponse(t *testing.T) {
	t.Parallel()

	s, api := newTestStore(t, false, func(capturedRequest) (int, any) {
		return http.StatusOK, result(map[string]any{
			"sys_id":         "abc",
			"sys_updated_on": "2026-10-18 09:30:00",
			"caller_id":      reference("caller"),
			"sys_domain":     reference("global"),
		})
	})

	rec := &incident.Record{SysID: "abc", State: incident.StateResolved}
	require.NoError(t, s.Update(context.Background(), rec))
	assert.Equal(t, time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC), rec.UpdatedAt)

	reqs := api.captured()
	require.Len(t, reqs, 1)
	assert.Equal(t, "true", reqs[0].Params.Get("sysparm_exclude_reference_link"))
	assert.Equal(t, "sys_id,sys_updated_on", reqs[0].Params.Get("sysparm_fields"))
}

func TestRow_UnmarshalJSON(t *testing.T) {
	t.Parallel()

	raw := `{
		"number": "INC0010001",
		"caller_id": {"link": "https://x/api/now/table/sys_user/u1", "value": "u1"},
		"assigned_to": {"link": "https://x/api/now/table/sys_user/", "value": ""},
		"state": 6,
		"active": false,
		"closed_at": null,
		"weird": {"link": "https://x"}
	}`

	var row Row
	require.NoError(t, json.Unmarshal([]byte(raw), &row))

	assert.Equal(t, Row{
		"number":      "INC0010001",
		"caller_id":   "u1",
		"assigned_to": "",
		"state":       "6",
		"active":      "false",
		"closed_at":   "",
		"weird":       "",
	}, row)
}

func TestRow_UnmarshalJSONRejectsNonObject(t *testing.T) {
	t.Parallel()

	var row Row
	assert.Error(t, json.Unmarshal([]byte(`["a"]`), &row))
}

func TestCreate_MissingNumber(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, false, func(capturedRequest) (int, any) {
		return http.StatusCreated, result(map[string]string{"sys_id": "x"})
	})

	_, err := s.Create(context.Background(), "incident", &incident.Record{AlertID: "a"})
	assert.Error(t, err)
}

func TestFindByAlertID_Query(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		legacy bool
		id     string
		want   string
	}{
		{"correlation only", false, "a-1", "correlation_id=a-1^ORDERBYsys_created_on"},
		{"legacy fallback", true, "a-1", "correlation_id=a-1^ORdescriptionLIKEa-1^ORDERBYsys_created_on"},
		{"caret escaped", false, "a^b", "correlation_id=a^^b^ORDERBYsys_created_on"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, api := newTestStore(t, tt.legacy, func(capturedRequest) (int, any) {
				return http.StatusOK, result([]any{})
			})

			_, ok, err := s.FindByAlertID(context.Background(), tt.id)
			require.NoError(t, err)
			assert.False(t, ok)

			reqs := api.captured()
			require.Len(t, reqs, 1)
			assert.Equal(t, "/api/now/table/incident", reqs[0].Path)
			assert.Equal(t, tt.want, reqs[0].Query)
		})
	}
}

func TestFindByAlertID_ParsesRow(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, true, func(capturedRequest) (int, any) {
		return http.StatusOK, result([]map[string]string{{
			"sys_id":      "abc",
			"number":      "INC0010001",
			"state":       "6",
			"impact":      "1",
			"urgency":     "2",
			"description": `{"alertId":"legacy-1"}`,
			"closed_at":   "2026-10-18 09:00:00",
		}})
	})

	rec, ok, err := s.FindByAlertID(context.Background(), "legacy-1")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "INC0010001", rec.Number)
	assert.Equal(t, incident.StateResolved, rec.State)
	assert.Equal(t, 2, rec.Urgency)
	assert.Equal(t, "legacy-1", rec.AlertID, "legacy match keeps the requested alert id")
	require.NotNil(t, rec.ClosedAt)
	assert.Equal(t, 9, rec.ClosedAt.Hour())
}

func TestFindByAlertID_BadState(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, false, func(capturedRequest) (int, any) {
		return http.StatusOK, result([]map[string]string{{"state": "Resolved"}})
	})

	_, _, err := s.FindByAlertID(context.Background(), "a")
	assert.ErrorContains(t, err, "field state")
}

func TestUpdate_PatchesResolution(t *testing.T) {
	t.Parallel()

	s, api := newTestStore(t, false, func(capturedRequest) (int, any) {
		return http.StatusOK, result(map[string]string{"sys_updated_on": "2026-10-18 09:30:00"})
	})

	closed := time.Date(2026, 10, 18, 11, 30, 0, 0, time.FixedZone("CEST", 2*3600))
	rec := &incident.Record{
		SysID:      "abc",
		State:      incident.StateResolved,
		Comments:   "Login failed\nLogin has been resolved.",
		CloseNotes: incident.ResolveCloseNotes,
		ClosedAt:   &closed,
	}
	require.NoError(t, s.Update(context.Background(), rec))

	reqs := api.captured()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPatch, reqs[0].Method)
	assert.Equal(t, "/api/now/table/incident/abc", reqs[0].Path)
	assert.Equal(t, float64(6), reqs[0].Body["state"])
	assert.Equal(t, "Login has been resolved.", reqs[0].Body["comments"])
	assert.Equal(t, incident.ResolveCloseNotes, reqs[0].Body["close_notes"])
	assert.Equal(t, "2026-10-18 09:30:00", reqs[0].Body["closed_at"])
}

func TestUpdate_NotFound(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, false, func(capturedRequest) (int, any) {
		return http.StatusNotFound, map[string]any{
			"error":  map[string]string{"message": "No Record found"},
			"status": "failure",
		}
	})

	err := s.Update(context.Background(), &incident.Record{SysID: "gone"})
	assert.ErrorIs(t, err, incident.ErrNotFound)
}

func TestCallerID_LooksUpAndCaches(t *testing.T) {
	t.Parallel()

	s, api := newTestStore(t, false, func(r capturedRequest) (int, any) {
		return http.StatusOK, result([]map[string]string{{"sys_id": "user-sys-id"}})
	})

	for range 3 {
		id, err := s.CallerID(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "user-sys-id", id)
	}

	reqs := api.captured()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/api/now/table/sys_user", reqs[0].Path)
	assert.Equal(t, "user_name=integration", reqs[0].Query)
}

func TestCallerID_NoUser(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, false, func(capturedRequest) (int, any) {
		return http.StatusOK, result([]any{})
	})

	_, err := s.CallerID(context.Background())
	assert.ErrorContains(t, err, "no sys_user record")
}

func TestAPIError_Message(t *testing.T) {
	t.Parallel()

	api := &fakeTableAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL, Username: "wrong", Password: "creds"})
	require.NoError(t, err)

	_, err = client.Query(context.Background(), "incident", "active=true", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401 User Not Authenticated")
	assert.False(t, IsNotFound(err))
}

func TestSync_EndToEnd(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		created map[string]any
		state   = "1"
	)
	s, _ := newTestStore(t, false, func(r capturedRequest) (int, any) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.Path, "/sys_user"):
			return http.StatusOK, result([]map[string]string{{"sys_id": "u1"}})
		case r.Method == http.MethodGet && created == nil:
			return http.StatusOK, result([]any{})
		case r.Method == http.MethodGet:
			return http.StatusOK, result([]map[string]string{{
				"sys_id": "s1", "number": "INC0010001", "state": state,
				"correlation_id": "a-9",
			}})
		case r.Method == http.MethodPost:
			created = r.Body
			return http.StatusCreated, result(map[string]string{"sys_id": "s1", "number": "INC0010001"})
		case r.Method == http.MethodPatch:
			state = "6"
			return http.StatusOK, result(map[string]string{})
		}
		return http.StatusBadRequest, nil
	})

	svc := incident.NewService(s, s, log.Nop(), nil, nil)
	ctx := context.Background()
	body := `{"alertStatus":"%s","alertId":"a-9","scenario":{"scenarioName":"Home"}}`

	res := svc.Sync(ctx, "incident", strings.Replace(body, "%s", "Start", 1), true)
	require.Equal(t, incident.MsgInserted, res.Message)
	assert.Equal(t, "u1", created["caller_id"])

	res = svc.Sync(ctx, "incident", strings.Replace(body, "%s", "End", 1), true)
	assert.Equal(t, incident.MsgResolved, res.Message)

	res = svc.Sync(ctx, "incident", strings.Replace(body, "%s", "End", 1), true)
	assert.Equal(t, incident.MsgAlreadyResolved, res.Message)
}

func TestLastLine(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", lastLine(""))
	assert.Equal(t, "one", lastLine("one"))
	assert.Equal(t, "two", lastLine("one\ntwo\n"))
}
