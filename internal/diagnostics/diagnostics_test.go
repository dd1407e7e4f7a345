package diagnostics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/agentctl/internal/ledger"
	"github.com/codeready-toolchain/agentctl/internal/registry"
	"github.com/codeready-toolchain/agentctl/internal/stream"
)

func newTestServer(t *testing.T) (*gin.Engine, *stream.Stream) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s, err := stream.New(stream.Options{Dir: t.TempDir(), BaseName: "stream.jsonl"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	store := ledger.NewStore(t.TempDir()+"/ledger", ledger.New("root-session"))
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New()

	router := gin.New()
	New(s, store, reg).Register(router)
	return router, s
}

func doGet(router *gin.Engine, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthzReportsHealthy(t *testing.T) {
	router, _ := newTestServer(t)
	rec := doGet(router, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestLedgerEndpointReturnsCurrentProjection(t *testing.T) {
	router, _ := newTestServer(t)
	rec := doGet(router, "/ledger")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "meta")
}

func TestTasksEndpointReturnsSummaryAndBuckets(t *testing.T) {
	router, _ := newTestServer(t)
	rec := doGet(router, "/tasks")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "tasks")
	assert.Contains(t, body, "pending")
	assert.Contains(t, body, "running")
}

func TestRecentEventsEndpointFiltersByStreamID(t *testing.T) {
	router, s := newTestServer(t)

	_, _ = s.Append(stream.Input{Type: stream.EventSessionCreated, StreamID: "sess-a"})
	_, _ = s.Append(stream.Input{Type: stream.EventSessionCreated, StreamID: "sess-b"})

	rec := doGet(router, "/events/recent?stream_id=sess-a")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Events []stream.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, "sess-a", body.Events[0].StreamID)
}

func TestRecentEventsEndpointHonorsLimit(t *testing.T) {
	router, s := newTestServer(t)

	for i := 0; i < 5; i++ {
		_, _ = s.Append(stream.Input{Type: stream.EventSessionCreated, StreamID: "sess-a"})
	}

	rec := doGet(router, "/events/recent?limit=2")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Events []stream.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Events, 2)
}
