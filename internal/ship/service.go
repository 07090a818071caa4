// Package ship implements the control-plane side of a sandbox: allocation,
// session affinity, TTL expiry, and operation forwarding.
package ship

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"bay/internal/config"
	"bay/internal/docker"
	"bay/internal/logging"
	"bay/internal/models"
	"bay/internal/store"
)

// ContainerDriver is the slice of the container runtime the service needs.
type ContainerDriver interface {
	CreateShipContainer(ctx context.Context, ship *models.Ship, spec *models.ShipSpec) (*docker.CreateResult, error)
	StopShipContainer(ctx context.Context, containerID string) (bool, error)
	ContainerLogs(ctx context.Context, containerID string) (string, error)
	IsContainerRunning(ctx context.Context, containerID string) (bool, error)
}

// OperationForwarder relays operations and uploads into a ship worker.
type OperationForwarder interface {
	ForwardOperation(ctx context.Context, shipIP, opType string, payload map[string]interface{}, sessionID string) *models.ExecResponse
	ForwardUpload(ctx context.Context, shipIP string, file []byte, filePath, sessionID string) *models.UploadResponse
}

// Prober gates newly provisioned ships on worker readiness.
type Prober interface {
	WaitReady(ctx context.Context, shipIP string) bool
}

// Service owns ship lifecycle: reuse-vs-create decisions, capacity
// admission, provisioning with readiness gating and rollback, session
// bindings, TTL expiry, and forwarding guards.
type Service struct {
	cfg       *config.Config
	store     *store.Store
	driver    ContainerDriver
	forwarder OperationForwarder
	probe     Prober
	sched     *Scheduler

	// allocMu serializes the reuse/admit/reserve decision so two concurrent
	// creates cannot both claim the last free slot.
	allocMu sync.Mutex

	// Capacity-wait knobs, overridable in tests.
	waitInterval time.Duration
	waitBudget   time.Duration
}

// NewService wires the ship service and its TTL scheduler.
func NewService(cfg *config.Config, st *store.Store, driver ContainerDriver, forwarder OperationForwarder, probe Prober) *Service {
	s := &Service{
		cfg:          cfg,
		store:        st,
		driver:       driver,
		forwarder:    forwarder,
		probe:        probe,
		waitInterval: 5 * time.Second,
		waitBudget:   300 * time.Second,
	}
	s.sched = NewScheduler(s.expireShip)
	return s
}

// Close stops the TTL scheduler.
func (s *Service) Close() {
	s.sched.Stop()
}

// CreateShip assigns a ship to the session: an existing ship with a free
// slot when possible, a freshly provisioned one otherwise, subject to the
// configured admission policy.
func (s *Service) CreateShip(ctx context.Context, req *models.CreateShipRequest, sessionID string) (*models.Ship, error) {
	if req.MaxSessionNum <= 0 {
		req.MaxSessionNum = 1
	}
	if req.TTL <= 0 {
		req.TTL = s.cfg.DefaultShipTTL
	}

	newShip, reused, err := s.reserve(req, sessionID)
	if err != nil {
		return nil, err
	}
	if reused != nil {
		return reused, nil
	}
	return s.provision(ctx, newShip, s.resolveSpec(req.Spec), sessionID)
}

// resolveSpec fills unset resource limits with the configured defaults.
func (s *Service) resolveSpec(spec *models.ShipSpec) *models.ShipSpec {
	resolved := models.ShipSpec{}
	if spec != nil {
		resolved = *spec
	}
	if resolved.CPUs == nil {
		cpus := s.cfg.DefaultShipCPUs
		resolved.CPUs = &cpus
	}
	if resolved.Memory == nil {
		mem := s.cfg.DefaultShipMemory
		resolved.Memory = &mem
	}
	return &resolved
}

// reserve runs the allocator decision under the allocation mutex: try
// reuse, then admit under the capacity policy and insert the new row
// (which reserves the slot against concurrent allocators).
func (s *Service) reserve(req *models.CreateShipRequest, sessionID string) (*models.Ship, *models.Ship, error) {
	waited := time.Duration(0)
	for {
		s.allocMu.Lock()

		candidate, err := s.store.FindAvailableShip(sessionID)
		if err != nil {
			s.allocMu.Unlock()
			return nil, nil, err
		}
		if candidate != nil {
			reused, err := s.attach(candidate, sessionID)
			s.allocMu.Unlock()
			if err != nil {
				return nil, nil, err
			}
			return nil, reused, nil
		}

		count, err := s.store.CountActiveShips()
		if err != nil {
			s.allocMu.Unlock()
			return nil, nil, err
		}
		if count < int64(s.cfg.MaxShipNum) {
			sh := &models.Ship{
				Status:            models.ShipStatusRunning,
				TTL:               req.TTL,
				MaxSessionNum:     req.MaxSessionNum,
				CurrentSessionNum: 1,
			}
			if err := s.store.CreateShip(sh); err != nil {
				s.allocMu.Unlock()
				return nil, nil, err
			}
			s.allocMu.Unlock()
			return sh, nil, nil
		}
		s.allocMu.Unlock()

		if s.cfg.BehaviorAfterMaxShip == config.BehaviorReject {
			return nil, nil, ErrCapacityExceeded
		}
		if waited >= s.waitBudget {
			return nil, nil, ErrCapacityTimeout
		}
		time.Sleep(s.waitInterval)
		waited += s.waitInterval
	}
}

// attach binds the session to an existing ship. A session already bound
// only gets its activity bumped; the counter stays put.
func (s *Service) attach(candidate *models.Ship, sessionID string) (*models.Ship, error) {
	binding, err := s.store.GetSessionShip(sessionID, candidate.ID)
	if err != nil {
		return nil, err
	}
	if binding != nil {
		if err := s.store.UpdateSessionActivity(sessionID, candidate.ID); err != nil {
			return nil, err
		}
		logging.L().Info("session rejoined ship",
			zap.String("ship_id", candidate.ID),
			zap.String("session_id", sessionID))
		return candidate, nil
	}

	if err := s.store.AttachSession(sessionID, candidate.ID); err != nil {
		return nil, err
	}
	logging.L().Info("session attached to ship",
		zap.String("ship_id", candidate.ID),
		zap.String("session_id", sessionID))
	return s.store.GetShip(candidate.ID)
}

// provision creates and starts the container, gates on readiness, writes
// the binding, and arms the TTL. Any failure rolls the row back and
// best-effort stops the container.
func (s *Service) provision(ctx context.Context, sh *models.Ship, spec *models.ShipSpec, sessionID string) (*models.Ship, error) {
	created, err := s.driver.CreateShipContainer(ctx, sh, spec)
	if err != nil {
		s.rollback(sh, "")
		return nil, fmt.Errorf("%w: %v", ErrProvision, err)
	}

	if created.IPAddress == "" {
		s.rollback(sh, created.ContainerID)
		return nil, fmt.Errorf("%w: container has no IP address", ErrProvision)
	}

	sh.ContainerID = &created.ContainerID
	sh.IPAddress = &created.IPAddress
	if err := s.store.UpdateShip(sh); err != nil {
		s.rollback(sh, created.ContainerID)
		return nil, err
	}

	if !s.probe.WaitReady(ctx, created.IPAddress) {
		s.rollback(sh, created.ContainerID)
		return nil, ErrReadinessTimeout
	}

	if err := s.store.CreateSessionShip(&models.SessionShip{
		SessionID: sessionID,
		ShipID:    sh.ID,
	}); err != nil {
		s.rollback(sh, created.ContainerID)
		return nil, err
	}

	s.sched.Arm(sh.ID, time.Duration(sh.TTL)*time.Second)

	logging.L().Info("ship provisioned",
		zap.String("ship_id", sh.ID),
		zap.String("container_id", created.ContainerID),
		zap.String("ip_address", created.IPAddress),
		zap.Int("ttl", sh.TTL),
		zap.String("session_id", sessionID))
	return sh, nil
}

func (s *Service) rollback(sh *models.Ship, containerID string) {
	if containerID != "" {
		if _, err := s.driver.StopShipContainer(context.Background(), containerID); err != nil {
			logging.L().Error("rollback container stop failed",
				zap.String("ship_id", sh.ID),
				zap.String("container_id", containerID),
				zap.Error(err))
		}
	}
	if _, err := s.store.DeleteShip(sh.ID); err != nil {
		logging.L().Error("rollback ship delete failed",
			zap.String("ship_id", sh.ID),
			zap.Error(err))
	}
}

// GetShip returns the ship with the given ID, or nil.
func (s *Service) GetShip(ctx context.Context, shipID string) (*models.Ship, error) {
	return s.store.GetShip(shipID)
}

// ListActiveShips returns all running ships.
func (s *Service) ListActiveShips(ctx context.Context) ([]models.Ship, error) {
	return s.store.ListActiveShips()
}

// DeleteShip stops the ship's container (best-effort) and removes its row
// and bindings. Returns false when the ship does not exist. Deleting twice
// is not an error; the second call just reports false.
func (s *Service) DeleteShip(ctx context.Context, shipID string) (bool, error) {
	sh, err := s.store.GetShip(shipID)
	if err != nil {
		return false, err
	}
	if sh == nil {
		return false, nil
	}

	if sh.ContainerID != nil {
		if _, err := s.driver.StopShipContainer(ctx, *sh.ContainerID); err != nil {
			logging.L().Error("failed to stop container for ship",
				zap.String("ship_id", shipID),
				zap.Error(err))
		}
	}

	s.sched.Cancel(shipID)
	return s.store.DeleteShip(shipID)
}

// ExtendTTL writes a new TTL and re-arms the expiry timer; the previous
// timer is superseded. Extending a missing or stopped ship fails.
func (s *Service) ExtendTTL(ctx context.Context, shipID string, ttl int) (*models.Ship, error) {
	sh, err := s.store.GetShip(shipID)
	if err != nil {
		return nil, err
	}
	if sh == nil || sh.Status == models.ShipStatusStopped {
		return nil, ErrShipNotFound
	}

	sh.TTL = ttl
	if err := s.store.UpdateShip(sh); err != nil {
		return nil, err
	}
	s.sched.Arm(shipID, time.Duration(ttl)*time.Second)

	logging.L().Info("ship ttl extended",
		zap.String("ship_id", shipID),
		zap.Int("ttl", ttl))
	return sh, nil
}

// ExecuteOperation forwards an operation into the ship after verifying the
// session's binding. Failures surface as success=false, never as errors.
func (s *Service) ExecuteOperation(ctx context.Context, shipID string, req *models.ExecRequest, sessionID string) *models.ExecResponse {
	sh, resp := s.guard(shipID, sessionID)
	if resp != "" {
		return &models.ExecResponse{Success: false, Error: resp}
	}
	return s.forwarder.ForwardOperation(ctx, *sh.IPAddress, req.Type, req.Payload, sessionID)
}

// UploadFile forwards file bytes into the ship after the same affinity
// check, re-validating the size against what was actually read.
func (s *Service) UploadFile(ctx context.Context, shipID string, file []byte, filePath, sessionID string) (*models.UploadResponse, error) {
	if int64(len(file)) > s.cfg.MaxUploadSize {
		return nil, ErrPayloadTooLarge
	}
	sh, resp := s.guard(shipID, sessionID)
	if resp != "" {
		return &models.UploadResponse{Success: false, Message: "Upload failed", Error: resp}, nil
	}
	return s.forwarder.ForwardUpload(ctx, *sh.IPAddress, file, filePath, sessionID), nil
}

// guard loads the ship and verifies session affinity; a non-empty string
// is the client-facing refusal.
func (s *Service) guard(shipID, sessionID string) (*models.Ship, string) {
	sh, err := s.store.GetShip(shipID)
	if err != nil {
		return nil, fmt.Sprintf("Internal error: %v", err)
	}
	if sh == nil || sh.Status == models.ShipStatusStopped {
		return nil, "Ship not found or not running"
	}
	if sh.IPAddress == nil || *sh.IPAddress == "" {
		return nil, "Ship IP address not available"
	}

	binding, err := s.store.GetSessionShip(sessionID, shipID)
	if err != nil {
		return nil, fmt.Sprintf("Internal error: %v", err)
	}
	if binding == nil {
		return nil, "Session does not have access to this ship"
	}

	if err := s.store.UpdateSessionActivity(sessionID, shipID); err != nil {
		logging.L().Warn("failed to bump session activity",
			zap.String("ship_id", shipID),
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	return sh, ""
}

// GetLogs returns the ship's container logs; missing ship or container
// yields an empty string.
func (s *Service) GetLogs(ctx context.Context, shipID string) (string, error) {
	sh, err := s.store.GetShip(shipID)
	if err != nil {
		return "", err
	}
	if sh == nil || sh.ContainerID == nil {
		return "", nil
	}
	return s.driver.ContainerLogs(ctx, *sh.ContainerID)
}

// expireShip is the scheduler callback: flip status to stopped and stop the
// container. TTL cleanup is best-effort; errors are logged and swallowed.
// The row is kept for audit, so lookups on an expired ship still answer.
func (s *Service) expireShip(shipID string) {
	ctx := context.Background()

	sh, err := s.store.GetShip(shipID)
	if err != nil {
		logging.L().Error("ttl cleanup load failed", zap.String("ship_id", shipID), zap.Error(err))
		return
	}
	if sh == nil || sh.Status != models.ShipStatusRunning {
		return
	}

	sh.Status = models.ShipStatusStopped
	if err := s.store.UpdateShip(sh); err != nil {
		logging.L().Error("ttl cleanup status update failed", zap.String("ship_id", shipID), zap.Error(err))
		return
	}

	if sh.ContainerID != nil {
		if _, err := s.driver.StopShipContainer(ctx, *sh.ContainerID); err != nil {
			logging.L().Error("ttl cleanup container stop failed",
				zap.String("ship_id", shipID),
				zap.Error(err))
		}
	}

	logging.L().Info("ship expired after ttl", zap.String("ship_id", shipID))
}

// ArmExisting re-arms TTL timers for already-running ships. Used at boot
// to resume expiry for ships that survived a restart.
func (s *Service) ArmExisting() error {
	ships, err := s.store.ListActiveShips()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, sh := range ships {
		expireAt := sh.CreatedAt.Add(time.Duration(sh.TTL) * time.Second)
		remaining := expireAt.Sub(now)
		if remaining < time.Second {
			remaining = time.Second
		}
		s.sched.Arm(sh.ID, remaining)
	}
	return nil
}
