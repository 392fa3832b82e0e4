package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dffmpeg-io/coordinator/internal/auth"
	"github.com/dffmpeg-io/coordinator/internal/config"
	"github.com/dffmpeg-io/coordinator/internal/db"
	"github.com/dffmpeg-io/coordinator/internal/keyring"
	"github.com/dffmpeg-io/coordinator/internal/repositories"
	"github.com/dffmpeg-io/coordinator/internal/transport"
)

// Identities every test server starts with. The keys are plain fixed strings;
// the signing protocol treats key text as raw bytes either way.
const (
	testClient  = "client-1"
	testClient2 = "client-2"
	testWorker  = "worker-1"
	testWorker2 = "worker-2"
	testAdmin   = "admin-1"
)

// testServer is a full Coordinator API over an in-memory database, with the
// underlying repositories exposed so tests can seed and inspect state
// directly.
type testServer struct {
	ts         *httptest.Server
	identities repositories.IdentityRepository
	jobs       repositories.JobRepository
	workers    repositories.WorkerRepository
	downlinks  repositories.DownlinkRepository
	transports *transport.Manager
	keys       map[string]string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      dsn,
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	ring, err := keyring.New(nil, "")
	require.NoError(t, err)

	identities := repositories.NewIdentityRepository(database, ring)
	jobs := repositories.NewJobRepository(database)
	workers := repositories.NewWorkerRepository(database)
	downlinks := repositories.NewDownlinkRepository(database)

	pollCfg := config.HTTPPollingConfig{
		LongPollTimeout:    200 * time.Millisecond,
		MaxBatch:           100,
		DeliveredRetention: time.Hour,
		UndeliveredTTL:     24 * time.Hour,
	}
	waiters := transport.NewWaiters()
	polling := transport.NewHTTPPolling(pollCfg, downlinks, waiters, zap.NewNop())
	registry, err := transport.NewRegistry(polling)
	require.NoError(t, err)
	manager := transport.NewManager(registry, waiters, zap.NewNop())

	s := &testServer{
		identities: identities,
		jobs:       jobs,
		workers:    workers,
		downlinks:  downlinks,
		transports: manager,
		keys: map[string]string{
			testClient:  "client-key-1",
			testClient2: "client-key-2",
			testWorker:  "worker-key-1",
			testWorker2: "worker-key-2",
			testAdmin:   "admin-key-1",
		},
	}

	roles := map[string]string{
		testClient:  db.RoleClient,
		testClient2: db.RoleClient,
		testWorker:  db.RoleWorker,
		testWorker2: db.RoleWorker,
		testAdmin:   db.RoleAdmin,
	}
	now := time.Now().UTC()
	for clientID, role := range roles {
		require.NoError(t, identities.Create(context.Background(), &db.Identity{
			ClientID:     clientID,
			Role:         role,
			HMACKey:      s.keys[clientID],
			AllowedCIDRs: db.NewStringSet("127.0.0.0/8", "::1/128"),
			CreatedAt:    now,
			UpdatedAt:    now,
		}))
	}

	router, err := NewRouter(RouterConfig{
		Identities: identities,
		Jobs:       jobs,
		Workers:    workers,
		Downlinks:  downlinks,
		Transports: manager,
		Polling:    polling,
		Kick:       func() {},
		Ping:       func(ctx context.Context) error { return db.Ping(ctx, database) },
		Auth:       config.AuthConfig{MaxSkew: 30 * time.Second},
		Policy: config.JobsConfig{
			AllowedBinaries:           []string{"ffmpeg", "ffprobe"},
			DefaultHeartbeatIntervalS: 15,
			LogRetention:              time.Hour,
			MaxLogBatch:               500,
		},
		Poll:   pollCfg,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)

	s.ts = httptest.NewServer(router)
	t.Cleanup(s.ts.Close)
	return s
}

// do signs and sends one request as clientID, marshalling body when non-nil.
func (s *testServer) do(t *testing.T, clientID, method, path string, body any) *http.Response {
	t.Helper()
	return s.doAt(t, clientID, method, path, body, time.Now())
}

// doAt is do with an explicit signing time, for skew tests.
func (s *testServer) doAt(t *testing.T, clientID, method, path string, body any, at time.Time) *http.Response {
	t.Helper()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}

	req, err := http.NewRequest(method, s.ts.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	auth.SignRequest(req, clientID, []byte(s.keys[clientID]), payload, at)

	resp, err := s.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

// decodeData unmarshals the "data" member of a success envelope into dst.
func decodeData(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.NotNil(t, env.Data, "expected a data envelope")
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

// errCode extracts the machine-readable code of an error envelope.
func errCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()

	var env struct {
		Error errorResponse `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env.Error.Code
}

// registerWorker registers workerID with the given capability sets over the
// API and returns the negotiated transport.
func (s *testServer) registerWorker(t *testing.T, workerID string, binaries, variables []string) string {
	t.Helper()

	resp := s.do(t, workerID, http.MethodPost, "/api/v1/workers/register", map[string]any{
		"worker_id": workerID,
		"binaries":  binaries,
		"variables": variables,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out registerWorkerResponse
	decodeData(t, resp, &out)
	return out.Transport.Chosen
}

// -----------------------------------------------------------------------------
// Authentication
// -----------------------------------------------------------------------------

func TestAuthAcceptsSignedRequest(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, testClient, http.MethodGet, "/api/v1/jobs", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRejectsMissingHeaders(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.ts.Client().Get(s.ts.URL + "/api/v1/jobs")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "auth_rejected", errCode(t, resp))
}

func TestAuthRejectsStaleTimestamp(t *testing.T) {
	s := newTestServer(t)

	// 31 seconds past the 30s window: the request replays an old signature.
	resp := s.doAt(t, testClient, http.MethodGet, "/api/v1/jobs", nil, time.Now().Add(-31*time.Second))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "auth_rejected", errCode(t, resp))

	// At the edge of the window the same request verifies.
	resp = s.doAt(t, testClient, http.MethodGet, "/api/v1/jobs", nil, time.Now().Add(-29*time.Second))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRejectsWrongKey(t *testing.T) {
	s := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, s.ts.URL+"/api/v1/jobs", nil)
	require.NoError(t, err)
	auth.SignRequest(req, testClient, []byte("not-the-key"), nil, time.Now())

	resp, err := s.ts.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "auth_rejected", errCode(t, resp))
}

func TestAuthRejectsUnknownIdentity(t *testing.T) {
	s := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, s.ts.URL+"/api/v1/jobs", nil)
	require.NoError(t, err)
	auth.SignRequest(req, "ghost", []byte("any-key"), nil, time.Now())

	resp, err := s.ts.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "auth_rejected", errCode(t, resp))
}

func TestAuthRejectsDisallowedSource(t *testing.T) {
	s := newTestServer(t)

	// An identity whose allow-list does not cover loopback: a valid signature
	// from the wrong network is still rejected, with the same opaque 401.
	now := time.Now().UTC()
	require.NoError(t, s.identities.Create(context.Background(), &db.Identity{
		ClientID:     "remote-1",
		Role:         db.RoleClient,
		HMACKey:      "remote-key",
		AllowedCIDRs: db.NewStringSet("10.0.0.0/8"),
		CreatedAt:    now,
		UpdatedAt:    now,
	}))
	s.keys["remote-1"] = "remote-key"

	resp := s.do(t, "remote-1", http.MethodGet, "/api/v1/jobs", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "auth_rejected", errCode(t, resp))
}

func TestAuthRejectsTamperedBody(t *testing.T) {
	s := newTestServer(t)

	payload := []byte(`{"message":"hello"}`)
	req, err := http.NewRequest(http.MethodPost, s.ts.URL+"/api/v1/ping", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	auth.SignRequest(req, testClient, []byte(s.keys[testClient]), []byte(`{"message":"other"}`), time.Now())

	resp, err := s.ts.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "auth_rejected", errCode(t, resp))
}

// -----------------------------------------------------------------------------
// System endpoints
// -----------------------------------------------------------------------------

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.ts.Client().Get(s.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsIsPublic(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.ts.Client().Get(s.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPingEchoesAndQueuesDownlink(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, testClient, http.MethodPost, "/api/v1/ping", map[string]any{"message": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pong pingResponse
	decodeData(t, resp, &pong)
	assert.Equal(t, "received", pong.Status)
	assert.Equal(t, "hello", pong.Echo)
	assert.NotEmpty(t, pong.MessageID)

	// The ping message is waiting on the caller's downlink.
	resp = s.do(t, testClient, http.MethodGet, "/api/v1/downlink?wait=false", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var drained drainResponse
	decodeData(t, resp, &drained)
	require.Len(t, drained.Items, 1)
	assert.Equal(t, pong.MessageID, drained.Items[0].ID)
	assert.Equal(t, db.DownlinkPing, drained.Items[0].Kind)
	assert.Equal(t, db.DownlinkSchema, drained.Items[0].Schema)

	// Drained means gone: a second drain returns nothing.
	resp = s.do(t, testClient, http.MethodGet, "/api/v1/downlink?wait=false", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &drained)
	assert.Empty(t, drained.Items)
}

// -----------------------------------------------------------------------------
// Worker registration and fleet
// -----------------------------------------------------------------------------

func TestWorkerRegisterAndDeregister(t *testing.T) {
	s := newTestServer(t)

	chosen := s.registerWorker(t, testWorker, []string{"ffmpeg"}, []string{"MEDIA"})
	assert.Equal(t, transport.NameHTTPPolling, chosen)

	worker, err := s.workers.Get(context.Background(), testWorker)
	require.NoError(t, err)
	assert.Equal(t, db.WorkerOnline, worker.Status)
	assert.Equal(t, []string{"ffmpeg"}, []string(worker.AdvertisedBinaries))

	resp := s.do(t, testWorker, http.MethodPost, "/api/v1/workers/deregister", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	worker, err = s.workers.Get(context.Background(), testWorker)
	require.NoError(t, err)
	assert.Equal(t, db.WorkerOffline, worker.Status)
}

func TestWorkerRegisterNegotiation(t *testing.T) {
	s := newTestServer(t)

	// Peer preference order wins among commonly enabled transports; only
	// http_polling is enabled here.
	resp := s.do(t, testWorker, http.MethodPost, "/api/v1/workers/register", map[string]any{
		"worker_id":  testWorker,
		"binaries":   []string{"ffmpeg"},
		"transports": map[string]any{"enabled": []string{"mqtt", "http_polling"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out registerWorkerResponse
	decodeData(t, resp, &out)
	assert.Equal(t, transport.NameHTTPPolling, out.Transport.Chosen)

	// No overlap at all is a submission error.
	resp = s.do(t, testWorker, http.MethodPost, "/api/v1/workers/register", map[string]any{
		"worker_id":  testWorker,
		"binaries":   []string{"ffmpeg"},
		"transports": map[string]any{"enabled": []string{"mqtt"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", errCode(t, resp))
}

func TestWorkerRegisterIdentityChecks(t *testing.T) {
	s := newTestServer(t)

	// A worker cannot register capabilities under another worker's name.
	resp := s.do(t, testWorker, http.MethodPost, "/api/v1/workers/register", map[string]any{
		"worker_id": testWorker2,
		"binaries":  []string{"ffmpeg"},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Clients cannot register as workers at all.
	resp = s.do(t, testClient, http.MethodPost, "/api/v1/workers/register", map[string]any{
		"worker_id": testClient,
		"binaries":  []string{"ffmpeg"},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWorkersListIsAdminOnly(t *testing.T) {
	s := newTestServer(t)
	s.registerWorker(t, testWorker, []string{"ffmpeg"}, nil)

	resp := s.do(t, testClient, http.MethodGet, "/api/v1/workers", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(t, testAdmin, http.MethodGet, "/api/v1/workers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out listWorkersResponse
	decodeData(t, resp, &out)
	require.Equal(t, int64(1), out.Total)
	assert.Equal(t, testWorker, out.Items[0].WorkerID)
	assert.Equal(t, db.WorkerOnline, out.Items[0].Status)
}

func TestWorkPollIsOwnerOnly(t *testing.T) {
	s := newTestServer(t)
	s.registerWorker(t, testWorker, []string{"ffmpeg"}, nil)
	s.registerWorker(t, testWorker2, []string{"ffmpeg"}, nil)

	resp := s.do(t, testWorker2, http.MethodGet, "/api/v1/workers/"+testWorker+"/work?wait=false", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
