// Package models defines Bay's persisted rows and API request/response types.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Ship statuses. A stopped ship is never revived.
const (
	ShipStatusStopped = 0
	ShipStatusRunning = 1
)

// Ship is a provisioned sandbox backed by a container.
type Ship struct {
	ID                string    `json:"id" gorm:"primaryKey"`
	Status            int       `json:"status" gorm:"not null;default:1;index"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	ContainerID       *string   `json:"container_id"`
	IPAddress         *string   `json:"ip_address"`
	TTL               int       `json:"ttl" gorm:"not null"`
	MaxSessionNum     int       `json:"max_session_num" gorm:"not null;default:1"`
	CurrentSessionNum int       `json:"current_session_num" gorm:"not null;default:0"`
}

// TableName overrides the GORM default.
func (Ship) TableName() string { return "ships" }

// BeforeCreate assigns the ship ID when the caller has not.
func (s *Ship) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// SessionShip binds a client session to a ship. Bindings live and die with
// the ship; only the ship's TTL governs end-of-life.
type SessionShip struct {
	ID           string    `json:"id" gorm:"primaryKey"`
	SessionID    string    `json:"session_id" gorm:"not null;index;uniqueIndex:idx_session_ship"`
	ShipID       string    `json:"ship_id" gorm:"not null;index;uniqueIndex:idx_session_ship"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// TableName overrides the GORM default.
func (SessionShip) TableName() string { return "session_ships" }

// BeforeCreate assigns the binding ID and activity timestamp.
func (b *SessionShip) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.LastActivity.IsZero() {
		b.LastActivity = time.Now().UTC()
	}
	return nil
}

// ShipSpec carries optional resource limits for a new ship.
type ShipSpec struct {
	CPUs   *float64 `json:"cpus,omitempty" binding:"omitempty,gt=0"`
	Memory *string  `json:"memory,omitempty"`
}

// CreateShipRequest is the body of POST /ship.
type CreateShipRequest struct {
	TTL           int       `json:"ttl" binding:"required,gt=0"`
	Spec          *ShipSpec `json:"spec,omitempty"`
	MaxSessionNum int       `json:"max_session_num" binding:"omitempty,gt=0"`
}

// ExecRequest is the body of POST /ship/{id}/exec. Type is the ship-side
// path, e.g. "shell/exec" or "ipython/exec".
type ExecRequest struct {
	Type    string                 `json:"type" binding:"required"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// ExecResponse is the normalized result of an operation forwarded to a ship.
type ExecResponse struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// UploadResponse is the normalized result of a file upload forwarded to a ship.
type UploadResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	FilePath string `json:"file_path,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ExtendTTLRequest is the body of POST /ship/{id}/extend-ttl.
type ExtendTTLRequest struct {
	TTL int `json:"ttl" binding:"required,gt=0"`
}

// LogsResponse wraps a ship's aggregated container logs.
type LogsResponse struct {
	Logs string `json:"logs"`
}

// HealthResponse is returned by the liveness endpoints.
type HealthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
