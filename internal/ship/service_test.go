package ship

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bay/internal/config"
	"bay/internal/docker"
	"bay/internal/models"
	"bay/internal/store"
)

type fakeDriver struct {
	mu        sync.Mutex
	createErr error
	emptyIP   bool
	created   []string
	stopped   []string
	logs      string
}

func (d *fakeDriver) CreateShipContainer(ctx context.Context, sh *models.Ship, spec *models.ShipSpec) (*docker.CreateResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return nil, d.createErr
	}
	id := "ctr-" + sh.ID
	d.created = append(d.created, id)
	ip := fmt.Sprintf("10.0.0.%d", len(d.created)+1)
	if d.emptyIP {
		ip = ""
	}
	return &docker.CreateResult{ContainerID: id, IPAddress: ip, RuntimeStatus: "running"}, nil
}

func (d *fakeDriver) StopShipContainer(ctx context.Context, containerID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = append(d.stopped, containerID)
	return true, nil
}

func (d *fakeDriver) ContainerLogs(ctx context.Context, containerID string) (string, error) {
	return d.logs, nil
}

func (d *fakeDriver) IsContainerRunning(ctx context.Context, containerID string) (bool, error) {
	return true, nil
}

func (d *fakeDriver) stoppedContainers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.stopped...)
}

type fakeForwarder struct {
	mu        sync.Mutex
	lastIP    string
	lastType  string
	execResp  *models.ExecResponse
	uploadRsp *models.UploadResponse
}

func (f *fakeForwarder) ForwardOperation(ctx context.Context, shipIP, opType string, payload map[string]interface{}, sessionID string) *models.ExecResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastIP, f.lastType = shipIP, opType
	if f.execResp != nil {
		return f.execResp
	}
	return &models.ExecResponse{Success: true, Data: map[string]interface{}{"ok": true}}
}

func (f *fakeForwarder) ForwardUpload(ctx context.Context, shipIP string, file []byte, filePath, sessionID string) *models.UploadResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastIP = shipIP
	if f.uploadRsp != nil {
		return f.uploadRsp
	}
	return &models.UploadResponse{Success: true, Message: "File uploaded", FilePath: filePath, Size: int64(len(file))}
}

type fakeProbe struct {
	ready bool
}

func (p *fakeProbe) WaitReady(ctx context.Context, shipIP string) bool { return p.ready }

type testEnv struct {
	cfg     *config.Config
	store   *store.Store
	driver  *fakeDriver
	forward *fakeForwarder
	probe   *fakeProbe
	svc     *Service
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := &config.Config{
		MaxShipNum:           10,
		BehaviorAfterMaxShip: config.BehaviorWait,
		DefaultShipTTL:       3600,
		DefaultShipCPUs:      1.0,
		DefaultShipMemory:    "512m",
		MaxUploadSize:        1 << 20,
	}
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.New(filepath.Join(t.TempDir(), "bay.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	env := &testEnv{
		cfg:     cfg,
		store:   st,
		driver:  &fakeDriver{},
		forward: &fakeForwarder{},
		probe:   &fakeProbe{ready: true},
	}
	env.svc = NewService(cfg, st, env.driver, env.forward, env.probe)
	env.svc.waitInterval = 5 * time.Millisecond
	env.svc.waitBudget = 20 * time.Millisecond
	t.Cleanup(env.svc.Close)
	return env
}

func (e *testEnv) create(t *testing.T, sessionID string, ttl, maxSessions int) *models.Ship {
	t.Helper()
	sh, err := e.svc.CreateShip(context.Background(), &models.CreateShipRequest{
		TTL:           ttl,
		MaxSessionNum: maxSessions,
	}, sessionID)
	require.NoError(t, err)
	return sh
}

func TestCreateShipProvisionsNew(t *testing.T) {
	env := newTestEnv(t, nil)

	sh := env.create(t, "sess-a", 600, 2)

	assert.Equal(t, models.ShipStatusRunning, sh.Status)
	assert.Equal(t, 1, sh.CurrentSessionNum)
	require.NotNil(t, sh.ContainerID)
	require.NotNil(t, sh.IPAddress)

	binding, err := env.store.GetSessionShip("sess-a", sh.ID)
	require.NoError(t, err)
	assert.NotNil(t, binding)
}

func TestCreateShipReusesAcrossSessions(t *testing.T) {
	env := newTestEnv(t, nil)

	x := env.create(t, "sess-a", 600, 2)
	y := env.create(t, "sess-b", 600, 2)
	assert.Equal(t, x.ID, y.ID)
	assert.Equal(t, 2, y.CurrentSessionNum)

	// Ship is full now; a third session gets a fresh one.
	z := env.create(t, "sess-c", 600, 2)
	assert.NotEqual(t, x.ID, z.ID)
}

func TestCreateShipSameSessionRejoins(t *testing.T) {
	env := newTestEnv(t, nil)

	x := env.create(t, "sess-a", 600, 2)
	again := env.create(t, "sess-a", 600, 2)

	assert.Equal(t, x.ID, again.ID)
	assert.Equal(t, 1, again.CurrentSessionNum, "rejoin must not consume a second slot")

	count, err := env.store.CountShipBindings(x.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestCreateShipRejectPolicy(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.MaxShipNum = 1
		cfg.BehaviorAfterMaxShip = config.BehaviorReject
	})

	env.create(t, "sess-a", 600, 1)

	_, err := env.svc.CreateShip(context.Background(), &models.CreateShipRequest{
		TTL:           600,
		MaxSessionNum: 1,
	}, "sess-b")
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// No side effects: still exactly one ship, no container started for B.
	count, err := env.store.CountActiveShips()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Len(t, env.driver.created, 1)
}

func TestCreateShipWaitTimesOut(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.MaxShipNum = 1
	})

	env.create(t, "sess-a", 600, 1)

	_, err := env.svc.CreateShip(context.Background(), &models.CreateShipRequest{
		TTL:           600,
		MaxSessionNum: 1,
	}, "sess-b")
	assert.ErrorIs(t, err, ErrCapacityTimeout)
}

func TestCreateShipWaitSucceedsAfterSlotFrees(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.MaxShipNum = 1
	})
	env.svc.waitBudget = time.Second

	x := env.create(t, "sess-a", 600, 1)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = env.svc.DeleteShip(context.Background(), x.ID)
	}()

	y, err := env.svc.CreateShip(context.Background(), &models.CreateShipRequest{
		TTL:           600,
		MaxSessionNum: 1,
	}, "sess-b")
	require.NoError(t, err)
	assert.NotEqual(t, x.ID, y.ID)
}

func TestCreateShipReadinessFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, nil)
	env.probe.ready = false

	_, err := env.svc.CreateShip(context.Background(), &models.CreateShipRequest{
		TTL:           600,
		MaxSessionNum: 1,
	}, "sess-a")
	assert.ErrorIs(t, err, ErrReadinessTimeout)

	count, err := env.store.CountActiveShips()
	require.NoError(t, err)
	assert.Zero(t, count, "failed provision must leave no ship row")
	assert.Len(t, env.driver.stoppedContainers(), 1)
}

func TestCreateShipProvisionErrorRollsBack(t *testing.T) {
	env := newTestEnv(t, nil)
	env.driver.createErr = errors.New("image pull failed")

	_, err := env.svc.CreateShip(context.Background(), &models.CreateShipRequest{
		TTL:           600,
		MaxSessionNum: 1,
	}, "sess-a")
	assert.ErrorIs(t, err, ErrProvision)

	count, err := env.store.CountActiveShips()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCreateShipEmptyIPRollsBack(t *testing.T) {
	env := newTestEnv(t, nil)
	env.driver.emptyIP = true

	_, err := env.svc.CreateShip(context.Background(), &models.CreateShipRequest{
		TTL:           600,
		MaxSessionNum: 1,
	}, "sess-a")
	assert.ErrorIs(t, err, ErrProvision)
	assert.Len(t, env.driver.stoppedContainers(), 1)
}

func TestExecuteOperationHappyPath(t *testing.T) {
	env := newTestEnv(t, nil)
	sh := env.create(t, "sess-a", 600, 1)

	resp := env.svc.ExecuteOperation(context.Background(), sh.ID, &models.ExecRequest{
		Type:    "shell/exec",
		Payload: map[string]interface{}{"command": "ls"},
	}, "sess-a")

	require.True(t, resp.Success)
	assert.Equal(t, *sh.IPAddress, env.forward.lastIP)
	assert.Equal(t, "shell/exec", env.forward.lastType)
}

func TestExecuteOperationAffinityViolation(t *testing.T) {
	env := newTestEnv(t, nil)
	sh := env.create(t, "sess-a", 600, 1)

	resp := env.svc.ExecuteOperation(context.Background(), sh.ID, &models.ExecRequest{
		Type: "shell/exec",
	}, "sess-b")

	require.False(t, resp.Success)
	assert.Equal(t, "Session does not have access to this ship", resp.Error)
}

func TestExecuteOperationOnStoppedShip(t *testing.T) {
	env := newTestEnv(t, nil)
	sh := env.create(t, "sess-a", 600, 1)
	env.svc.expireShip(sh.ID)

	resp := env.svc.ExecuteOperation(context.Background(), sh.ID, &models.ExecRequest{
		Type: "shell/exec",
	}, "sess-a")
	require.False(t, resp.Success)
	assert.Equal(t, "Ship not found or not running", resp.Error)

	resp = env.svc.ExecuteOperation(context.Background(), "no-such-ship", &models.ExecRequest{
		Type: "shell/exec",
	}, "sess-a")
	require.False(t, resp.Success)
	assert.Equal(t, "Ship not found or not running", resp.Error)
}

func TestUploadFileGuards(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.MaxUploadSize = 8
	})
	sh := env.create(t, "sess-a", 600, 1)

	t.Run("size limit", func(t *testing.T) {
		_, err := env.svc.UploadFile(context.Background(), sh.ID, []byte("123456789"), "/tmp/f", "sess-a")
		assert.ErrorIs(t, err, ErrPayloadTooLarge)
	})

	t.Run("affinity", func(t *testing.T) {
		resp, err := env.svc.UploadFile(context.Background(), sh.ID, []byte("ok"), "/tmp/f", "sess-b")
		require.NoError(t, err)
		require.False(t, resp.Success)
		assert.Equal(t, "Session does not have access to this ship", resp.Error)
	})

	t.Run("forwarded", func(t *testing.T) {
		resp, err := env.svc.UploadFile(context.Background(), sh.ID, []byte("ok"), "/tmp/f", "sess-a")
		require.NoError(t, err)
		assert.True(t, resp.Success)
		assert.Equal(t, int64(2), resp.Size)
	})
}

func TestDeleteShipIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	sh := env.create(t, "sess-a", 600, 1)

	deleted, err := env.svc.DeleteShip(context.Background(), sh.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Len(t, env.driver.stoppedContainers(), 1)

	deleted, err = env.svc.DeleteShip(context.Background(), sh.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestExtendTTL(t *testing.T) {
	env := newTestEnv(t, nil)
	sh := env.create(t, "sess-a", 600, 1)

	updated, err := env.svc.ExtendTTL(context.Background(), sh.ID, 1200)
	require.NoError(t, err)
	assert.Equal(t, 1200, updated.TTL)

	t.Run("stopped ship", func(t *testing.T) {
		env.svc.expireShip(sh.ID)
		_, err := env.svc.ExtendTTL(context.Background(), sh.ID, 1200)
		assert.ErrorIs(t, err, ErrShipNotFound)
	})

	t.Run("missing ship", func(t *testing.T) {
		_, err := env.svc.ExtendTTL(context.Background(), "no-such-ship", 1200)
		assert.ErrorIs(t, err, ErrShipNotFound)
	})
}

func TestExpireShip(t *testing.T) {
	env := newTestEnv(t, nil)
	sh := env.create(t, "sess-a", 600, 1)

	env.svc.expireShip(sh.ID)

	loaded, err := env.store.GetShip(sh.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded, "expiry keeps the row for lookups")
	assert.Equal(t, models.ShipStatusStopped, loaded.Status)
	assert.Len(t, env.driver.stoppedContainers(), 1)

	// Expiring an already-stopped ship is a no-op.
	env.svc.expireShip(sh.ID)
	assert.Len(t, env.driver.stoppedContainers(), 1)
}

func TestGetLogs(t *testing.T) {
	env := newTestEnv(t, nil)
	env.driver.logs = "boot ok\n"
	sh := env.create(t, "sess-a", 600, 1)

	logs, err := env.svc.GetLogs(context.Background(), sh.ID)
	require.NoError(t, err)
	assert.Equal(t, "boot ok\n", logs)

	logs, err = env.svc.GetLogs(context.Background(), "no-such-ship")
	require.NoError(t, err)
	assert.Empty(t, logs)
}
