package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/auth"
	"github.com/ashita-ai/kensa/internal/encryption"
	"github.com/ashita-ai/kensa/internal/integrations/geocode"
	"github.com/ashita-ai/kensa/internal/integrations/npi"
	"github.com/ashita-ai/kensa/internal/mcp"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/search"
	"github.com/ashita-ai/kensa/internal/server"
	"github.com/ashita-ai/kensa/internal/service/embedding"
	"github.com/ashita-ai/kensa/internal/service/feedback"
	"github.com/ashita-ai/kensa/internal/service/memory"
	"github.com/ashita-ai/kensa/internal/service/orchestrator"
	"github.com/ashita-ai/kensa/internal/service/runs"
	"github.com/ashita-ai/kensa/internal/service/workflow"
	"github.com/ashita-ai/kensa/internal/testutil"
)

const (
	adminKey   = "test-admin-key"
	knownNPI   = "1234567893"
	unknownNPI = "9999999999"
)

const registryHit = `{
  "result_count": 1,
  "results": [{
    "number": "1234567893",
    "enumeration_type": "NPI-1",
    "basic": {"first_name": "JANE", "last_name": "DOE", "credential": "MD"},
    "addresses": [
      {"address_purpose": "LOCATION", "address_1": "100 MAIN ST", "city": "CHICAGO",
       "state": "IL", "postal_code": "60601", "country_code": "US", "telephone_number": "312-555-0100"}
    ],
    "taxonomies": [{"code": "207R00000X", "desc": "Internal Medicine", "primary": true}]
  }]
}`

var (
	testSrv    *httptest.Server
	adminToken string
	agentToken string
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	logger := testutil.TestLogger()

	pg := testutil.MustStartPostgres()
	db := pg.MustNewTestDB(ctx, logger)

	registry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("number") == knownNPI {
			_, _ = w.Write([]byte(registryHit))
			return
		}
		_, _ = w.Write([]byte(`{"result_count": 0, "results": []}`))
	}))
	nominatim := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"lat": "41.8781", "lon": "-87.6298"}]`))
	}))

	npiClient := npi.New(npi.Config{BaseURL: registry.URL, CacheTTL: time.Minute, Timeout: 5 * time.Second, Attempts: 1}, logger)
	geoClient := geocode.New(geocode.Config{
		BaseURL: nominatim.URL, UserAgent: "kensa-test", CacheTTL: time.Minute, Timeout: 5 * time.Second, Attempts: 1,
	}, logger)

	index, err := search.OpenLocalIndex(ctx, ":memory:", embedding.NewHashingProvider(256), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open index: %v\n", err)
		os.Exit(1)
	}
	cipher, err := encryption.New(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		fmt.Fprintf(os.Stderr, "cipher: %v\n", err)
		os.Exit(1)
	}

	tracker := runs.NewTracker(db, logger)
	memories := memory.New(db, index, cipher, logger)
	ledger := feedback.NewLedger(db, logger)
	scheduler := workflow.NewScheduler(4, logger)
	executor := workflow.NewExecutor(db, tracker, npiClient, geoClient, scheduler, logger)
	orch := orchestrator.New(tracker, npiClient, geoClient, memories, logger)
	mcpSrv := mcp.New(mcp.Services{Memories: memories, Orchestrator: orch, Workflows: executor}, logger, "test")

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jwt: %v\n", err)
		os.Exit(1)
	}
	hash, err := auth.HashAPIKey(adminKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash: %v\n", err)
		os.Exit(1)
	}

	srv := server.New(server.ServerConfig{
		Store:               db,
		JWTMgr:              jwtMgr,
		Runs:                tracker,
		Memories:            memories,
		Feedback:            ledger,
		Workflows:           executor,
		Orchestrator:        orch,
		Logger:              logger,
		MCPServer:           mcpSrv.MCPServer(),
		AdminKeyHash:        hash,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})
	testSrv = httptest.NewServer(srv.Handler())

	adminToken = mustToken(adminKey, "admin", "admin")
	agentToken = mustToken(adminKey, "intake-agent", "agent")

	code := m.Run()

	testSrv.Close()
	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	_ = scheduler.Drain(drainCtx)
	cancel()
	npiClient.Close()
	geoClient.Close()
	registry.Close()
	nominatim.Close()
	_ = index.Close()
	db.Close()
	pg.Terminate()
	os.Exit(code)
}

func mustToken(key, subject, role string) string {
	resp, err := doRequest(http.MethodPost, "/auth/token", "", model.AuthTokenRequest{APIKey: key, Subject: subject, Role: role})
	if err != nil || resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = resp.Body.Close() }()
	var env struct {
		Data model.AuthTokenResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		fmt.Fprintf(os.Stderr, "decode token: %v\n", err)
		os.Exit(1)
	}
	return env.Data.Token
}

func doRequest(method, path, token string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, testSrv.URL+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}

// call performs a request, asserts the status and decodes the data envelope into out.
func call(t *testing.T, method, path, token string, body any, wantStatus int, out any) {
	t.Helper()
	resp, err := doRequest(method, path, token, body)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, wantStatus, resp.StatusCode, "body: %s", raw)
	if out == nil {
		return
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	require.NoError(t, json.Unmarshal(env.Data, out))
}

func TestHealth(t *testing.T) {
	var health model.HealthResponse
	call(t, http.MethodGet, "/health", "", nil, http.StatusOK, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Postgres)
	assert.Equal(t, "connected", health.SearchIndex)
	assert.Equal(t, "test", health.Version)
}

func TestAuthToken(t *testing.T) {
	call(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{APIKey: "wrong"}, http.StatusUnauthorized, nil)
	call(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{}, http.StatusBadRequest, nil)
	call(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{APIKey: adminKey, Role: "root"}, http.StatusBadRequest, nil)
	call(t, http.MethodPost, "/auth/token", "",
		model.AuthTokenRequest{APIKey: adminKey, Subject: strings.Repeat("s", model.MaxAgentTypeLen+1)}, http.StatusBadRequest, nil)

	call(t, http.MethodGet, "/v1/memories/recent", "", nil, http.StatusUnauthorized, nil)
	call(t, http.MethodGet, "/v1/memories/recent", "garbage", nil, http.StatusUnauthorized, nil)
}

func TestRunLifecycle(t *testing.T) {
	var parent model.Run
	call(t, http.MethodPost, "/v1/runs", agentToken, model.CreateRunRequest{
		AgentType:       "coordinator",
		TaskDescription: "verify a batch",
		InputData:       map[string]any{"batch": 1},
	}, http.StatusCreated, &parent)
	assert.Equal(t, model.RunStatusRunning, parent.Status)
	require.NotNil(t, parent.UserID)
	assert.Equal(t, "intake-agent", *parent.UserID)

	var child model.Run
	call(t, http.MethodPost, "/v1/runs", agentToken, model.CreateRunRequest{
		AgentType:       "npi_lookup",
		TaskDescription: "look up one provider",
		ParentRunID:     &parent.ID,
	}, http.StatusCreated, &child)

	var done model.Run
	call(t, http.MethodPost, "/v1/runs/"+child.ID.String()+"/complete", agentToken, model.CompleteRunRequest{
		Status:     model.RunStatusSuccess,
		OutputData: map[string]any{"ok": true},
	}, http.StatusOK, &done)
	assert.Equal(t, model.RunStatusSuccess, done.Status)
	require.NotNil(t, done.DurationSeconds)
	assert.GreaterOrEqual(t, *done.DurationSeconds, 0.0)

	// Terminal runs cannot be completed again.
	call(t, http.MethodPost, "/v1/runs/"+child.ID.String()+"/complete", agentToken, model.CompleteRunRequest{
		Status: model.RunStatusFailed,
	}, http.StatusConflict, nil)

	var hierarchy model.RunHierarchy
	call(t, http.MethodGet, "/v1/runs/"+parent.ID.String(), agentToken, nil, http.StatusOK, &hierarchy)
	assert.Equal(t, parent.ID, hierarchy.Run.ID)
	require.Len(t, hierarchy.Children, 1)
	assert.Equal(t, child.ID, hierarchy.Children[0].ID)

	call(t, http.MethodGet, "/v1/runs/"+uuid.NewString(), agentToken, nil, http.StatusNotFound, nil)
	call(t, http.MethodGet, "/v1/runs/not-a-uuid", agentToken, nil, http.StatusBadRequest, nil)
	call(t, http.MethodPost, "/v1/runs", agentToken, model.CreateRunRequest{TaskDescription: "x"}, http.StatusBadRequest, nil)
	call(t, http.MethodPost, "/v1/runs/"+parent.ID.String()+"/complete", agentToken,
		model.CompleteRunRequest{Status: model.RunStatusRunning}, http.StatusBadRequest, nil)

	var signal model.FeedbackSignal
	call(t, http.MethodPost, "/v1/feedback", agentToken, model.FeedbackRequest{
		RunID: child.ID, FeedbackType: model.FeedbackApproval, FeedbackValue: 1,
	}, http.StatusCreated, &signal)
	assert.Equal(t, "npi_lookup", signal.AgentType)

	call(t, http.MethodPost, "/v1/feedback", agentToken, model.FeedbackRequest{
		RunID: uuid.New(), FeedbackType: model.FeedbackApproval, FeedbackValue: 1,
	}, http.StatusNotFound, nil)
	call(t, http.MethodPost, "/v1/feedback", agentToken, model.FeedbackRequest{
		RunID: child.ID, FeedbackType: model.FeedbackApproval, FeedbackValue: 2,
	}, http.StatusBadRequest, nil)
}

func TestMemoryEndpoints(t *testing.T) {
	agentType := "mem-" + uuid.NewString()[:8]
	importance := 0.9

	var plain model.Memory
	call(t, http.MethodPost, "/v1/memories", agentToken, model.StoreMemoryRequest{
		Content:         "Cardiology clinic on Main Street accepts new patients",
		MemoryType:      "semantic",
		AgentType:       agentType,
		Tags:            []string{"cardiology"},
		ImportanceScore: &importance,
	}, http.StatusCreated, &plain)
	require.NotNil(t, plain.EmbeddingStored)
	assert.Equal(t, model.EmbeddingIndexed, *plain.EmbeddingStored)

	var secret model.Memory
	call(t, http.MethodPost, "/v1/memories", agentToken, model.StoreMemoryRequest{
		Content:    "Patient John prefers morning appointments",
		MemoryType: "episodic",
		AgentType:  agentType,
		Encrypt:    true,
	}, http.StatusCreated, &secret)
	assert.Nil(t, secret.Content)
	require.NotNil(t, secret.ContentEncrypted)
	assert.NotContains(t, *secret.ContentEncrypted, "John")

	var content model.MemoryContentResponse
	call(t, http.MethodGet, "/v1/memories/"+secret.ID.String()+"/content", agentToken, nil, http.StatusOK, &content)
	assert.Equal(t, "Patient John prefers morning appointments", content.Content)
	call(t, http.MethodGet, "/v1/memories/"+uuid.NewString()+"/content", agentToken, nil, http.StatusNotFound, nil)

	var found struct {
		Memories []model.Memory `json:"memories"`
		Count    int            `json:"count"`
	}
	call(t, http.MethodPost, "/v1/memories/search", agentToken, model.SearchMemoryRequest{
		Query:     "cardiology clinic accepting patients",
		AgentType: agentType,
		TopK:      5,
	}, http.StatusOK, &found)
	require.NotZero(t, found.Count)
	ids := make([]uuid.UUID, 0, found.Count)
	for _, m := range found.Memories {
		assert.Equal(t, agentType, m.AgentType)
		ids = append(ids, m.ID)
	}
	assert.Contains(t, ids, plain.ID)

	call(t, http.MethodPost, "/v1/memories/search", agentToken, model.SearchMemoryRequest{}, http.StatusBadRequest, nil)

	var recent struct {
		Memories []model.Memory `json:"memories"`
	}
	call(t, http.MethodGet, "/v1/memories/recent?agent_type="+agentType+"&limit=10", agentToken, nil, http.StatusOK, &recent)
	require.Len(t, recent.Memories, 2)
	assert.Equal(t, secret.ID, recent.Memories[0].ID, "newest first")

	var important struct {
		Memories []model.Memory `json:"memories"`
	}
	call(t, http.MethodGet, "/v1/memories/important?agent_type="+agentType+"&min_importance=0.8", agentToken, nil, http.StatusOK, &important)
	require.Len(t, important.Memories, 1)
	assert.Equal(t, plain.ID, important.Memories[0].ID)

	call(t, http.MethodGet, "/v1/memories/recent?limit=abc", agentToken, nil, http.StatusBadRequest, nil)
}

func TestPruneRequiresAdmin(t *testing.T) {
	call(t, http.MethodPost, "/v1/memories/prune", agentToken, model.PruneMemoryRequest{}, http.StatusForbidden, nil)

	var pruned model.PruneMemoryResponse
	call(t, http.MethodPost, "/v1/memories/prune", adminToken, model.PruneMemoryRequest{MaxAgeDays: 30}, http.StatusOK, &pruned)
	assert.GreaterOrEqual(t, pruned.Deleted, int64(0))
}

func TestProviderLookup(t *testing.T) {
	var result model.ProviderLookupResult
	call(t, http.MethodPost, "/v1/agents/provider-lookup", agentToken,
		model.ProviderLookupRequest{NPINumber: knownNPI}, http.StatusOK, &result)
	require.True(t, result.Success, result.Error)
	require.NotNil(t, result.Provider)
	assert.Equal(t, "CHICAGO", result.Provider.City)
	require.NotNil(t, result.Provider.Latitude)
	assert.InDelta(t, 41.8781, *result.Provider.Latitude, 1e-6)

	var hierarchy model.RunHierarchy
	call(t, http.MethodGet, "/v1/runs/"+result.RunID.String(), agentToken, nil, http.StatusOK, &hierarchy)
	assert.Equal(t, model.RunStatusSuccess, hierarchy.Run.Status)
	assert.Len(t, hierarchy.Children, 2)

	// An unknown provider is a task failure, not an HTTP error.
	call(t, http.MethodPost, "/v1/agents/provider-lookup", agentToken,
		model.ProviderLookupRequest{NPINumber: unknownNPI}, http.StatusOK, &result)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestWorkflowLifecycle(t *testing.T) {
	resp, err := doRequest(http.MethodPost, "/v1/workflows", agentToken, model.RunWorkflowRequest{NPINumber: knownNPI})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started struct {
		Data model.RunWorkflowResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	id := started.Data.ExecutionID
	assert.Equal(t, "/v1/workflows/"+id.String(), resp.Header.Get("Location"))

	var exec model.WorkflowExecution
	require.Eventually(t, func() bool {
		call(t, http.MethodGet, "/v1/workflows/"+id.String(), agentToken, nil, http.StatusOK, &exec)
		return exec.Status != model.WorkflowStatusRunning
	}, 10*time.Second, 50*time.Millisecond)

	require.Equal(t, model.WorkflowStatusSuccess, exec.Status, "error: %v", exec.ErrorMessage)
	assert.Equal(t, 100, exec.ProgressPercentage)
	assert.Contains(t, exec.StepsCompleted, model.StepNPILookup)
	assert.Contains(t, exec.StepsCompleted, model.StepStorage)

	var ev model.WorkflowEvidenceResponse
	call(t, http.MethodGet, "/v1/workflows/"+id.String()+"/evidence", agentToken, nil, http.StatusOK, &ev)
	require.NotEmpty(t, ev.Evidence)
	assert.Equal(t, model.StepNPILookup, ev.Evidence[0].Step)

	var provider model.Provider
	call(t, http.MethodGet, "/v1/providers/"+knownNPI, agentToken, nil, http.StatusOK, &provider)
	assert.Equal(t, "DOE", provider.LastName)
	assert.NotEmpty(t, provider.IntegrityHash)

	call(t, http.MethodGet, "/v1/providers/123", agentToken, nil, http.StatusBadRequest, nil)
	call(t, http.MethodGet, "/v1/providers/"+unknownNPI, agentToken, nil, http.StatusNotFound, nil)
	call(t, http.MethodGet, "/v1/workflows/"+uuid.NewString(), agentToken, nil, http.StatusNotFound, nil)
	call(t, http.MethodPost, "/v1/workflows", agentToken, model.RunWorkflowRequest{NPINumber: "12"}, http.StatusBadRequest, nil)
}

func TestWorkflowUnknownProviderFails(t *testing.T) {
	var started model.RunWorkflowResponse
	call(t, http.MethodPost, "/v1/workflows", agentToken, model.RunWorkflowRequest{NPINumber: unknownNPI}, http.StatusAccepted, &started)

	var exec model.WorkflowExecution
	require.Eventually(t, func() bool {
		call(t, http.MethodGet, "/v1/workflows/"+started.ExecutionID.String(), agentToken, nil, http.StatusOK, &exec)
		return exec.Status != model.WorkflowStatusRunning
	}, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, model.WorkflowStatusFailed, exec.Status)
	require.NotNil(t, exec.ErrorMessage)
}

func newMCPClient(t *testing.T, token string) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewStreamableHttpClient(
		testSrv.URL+"/mcp",
		mcptransport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + token,
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Initialize(context.Background(), mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	return c
}

func TestMCPListTools(t *testing.T) {
	c := newMCPClient(t, agentToken)

	tools, err := c.ListTools(context.Background(), mcplib.ListToolsRequest{})
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"kensa_memory_search", "kensa_memory_store", "kensa_memory_recent",
		"kensa_provider_lookup", "kensa_workflow_start", "kensa_workflow_status",
	} {
		assert.True(t, names[want], "expected %s tool", want)
	}
	assert.Len(t, tools.Tools, 6)

	resources, err := c.ListResources(context.Background(), mcplib.ListResourcesRequest{})
	require.NoError(t, err)
	assert.Len(t, resources.Resources, 2)
}

func TestMCPStoreAndSearch(t *testing.T) {
	c := newMCPClient(t, agentToken)
	ctx := context.Background()
	agentType := "mcp-" + uuid.NewString()[:8]

	req := mcplib.CallToolRequest{}
	req.Params.Name = "kensa_memory_store"
	req.Params.Arguments = map[string]any{
		"content":     "Dr. Doe practices internal medicine in Chicago",
		"memory_type": "semantic",
		"agent_type":  agentType,
	}
	result, err := c.CallTool(ctx, req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	req.Params.Name = "kensa_memory_search"
	req.Params.Arguments = map[string]any{"query": "internal medicine Chicago", "agent_type": agentType}
	result, err = c.CallTool(ctx, req)
	require.NoError(t, err)
	require.False(t, result.IsError)
	text, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "internal medicine")
}

func TestMCPRequiresAuth(t *testing.T) {
	resp, err := doRequest(http.MethodPost, "/mcp", "", map[string]any{"jsonrpc": "2.0", "id": 1, "method": "ping"})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
