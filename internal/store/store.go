// Package store persists Ship and SessionShip records. It is the sole
// source of truth for ship state; nothing is cached in process.
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"bay/internal/models"
)

// ErrNoFreeSlot is returned when a counter adjustment would cross the
// [0, max_session_num] bounds.
var ErrNoFreeSlot = errors.New("ship has no free session slot")

// Store wraps the GORM database instance.
type Store struct {
	db *gorm.DB
}

// New opens the database named by databaseURL and migrates the schema.
// postgres:// URLs use the Postgres driver; anything else is treated as a
// SQLite path (the default single-file embedded store).
func New(databaseURL string, debug bool) (*Store, error) {
	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var db *gorm.DB
	var err error
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		db, err = gorm.Open(postgres.Open(databaseURL), gormConfig)
	} else {
		dsn := strings.TrimPrefix(strings.TrimPrefix(databaseURL, "sqlite://"), "file:")
		db, err = gorm.Open(sqlite.Open(dsn), gormConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(&models.Ship{}, &models.SessionShip{}); err != nil {
		return fmt.Errorf("store: migration failed: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateShip persists a new ship row.
func (s *Store) CreateShip(ship *models.Ship) error {
	if err := s.db.Create(ship).Error; err != nil {
		return fmt.Errorf("store: create ship: %w", err)
	}
	return nil
}

// GetShip returns the ship with the given ID, or nil when absent.
func (s *Store) GetShip(id string) (*models.Ship, error) {
	var ship models.Ship
	err := s.db.First(&ship, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get ship %s: %w", id, err)
	}
	return &ship, nil
}

// UpdateShip writes the whole ship record and refreshes updated_at.
func (s *Store) UpdateShip(ship *models.Ship) error {
	ship.UpdatedAt = time.Now().UTC()
	if err := s.db.Save(ship).Error; err != nil {
		return fmt.Errorf("store: update ship %s: %w", ship.ID, err)
	}
	return nil
}

// DeleteShip removes a ship and its bindings. Returns false when the ship
// does not exist.
func (s *Store) DeleteShip(id string) (bool, error) {
	deleted := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.Ship{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		deleted = true
		return tx.Delete(&models.SessionShip{}, "ship_id = ?", id).Error
	})
	if err != nil {
		return false, fmt.Errorf("store: delete ship %s: %w", id, err)
	}
	return deleted, nil
}

// ListActiveShips returns all ships with status running.
func (s *Store) ListActiveShips() ([]models.Ship, error) {
	var ships []models.Ship
	if err := s.db.Where("status = ?", models.ShipStatusRunning).Order("created_at").Find(&ships).Error; err != nil {
		return nil, fmt.Errorf("store: list active ships: %w", err)
	}
	return ships, nil
}

// CountActiveShips returns the number of ships with status running.
func (s *Store) CountActiveShips() (int64, error) {
	var count int64
	if err := s.db.Model(&models.Ship{}).Where("status = ?", models.ShipStatusRunning).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("store: count active ships: %w", err)
	}
	return count, nil
}

// CreateSessionShip persists a session binding.
func (s *Store) CreateSessionShip(binding *models.SessionShip) error {
	if err := s.db.Create(binding).Error; err != nil {
		return fmt.Errorf("store: create binding %s->%s: %w", binding.SessionID, binding.ShipID, err)
	}
	return nil
}

// GetSessionShip returns the binding for (sessionID, shipID), or nil.
func (s *Store) GetSessionShip(sessionID, shipID string) (*models.SessionShip, error) {
	var binding models.SessionShip
	err := s.db.First(&binding, "session_id = ? AND ship_id = ?", sessionID, shipID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get binding %s->%s: %w", sessionID, shipID, err)
	}
	return &binding, nil
}

// UpdateSessionActivity bumps last_activity for a binding. Advisory only;
// concurrent updates may land in either order.
func (s *Store) UpdateSessionActivity(sessionID, shipID string) error {
	err := s.db.Model(&models.SessionShip{}).
		Where("session_id = ? AND ship_id = ?", sessionID, shipID).
		Update("last_activity", time.Now().UTC()).Error
	if err != nil {
		return fmt.Errorf("store: update activity %s->%s: %w", sessionID, shipID, err)
	}
	return nil
}

// FindAvailableShip returns a running ship with a free session slot and a
// known IP address. A ship the session is already bound to is preferred;
// otherwise the oldest qualifying ship wins.
func (s *Store) FindAvailableShip(sessionID string) (*models.Ship, error) {
	var ship models.Ship

	err := s.db.
		Joins("JOIN session_ships ON session_ships.ship_id = ships.id AND session_ships.session_id = ?", sessionID).
		Where("ships.status = ? AND ships.ip_address IS NOT NULL", models.ShipStatusRunning).
		Order("ships.created_at").
		First(&ship).Error
	if err == nil {
		return &ship, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("store: find bound ship for %s: %w", sessionID, err)
	}

	err = s.db.
		Where("status = ? AND ip_address IS NOT NULL AND current_session_num < max_session_num", models.ShipStatusRunning).
		Order("created_at").
		First(&ship).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find available ship: %w", err)
	}
	return &ship, nil
}

// IncrementShipSessionCount adds one active session to a ship. The guarded
// UPDATE keeps the counter within [0, max_session_num] even under
// concurrent callers; ErrNoFreeSlot reports a lost race.
func (s *Store) IncrementShipSessionCount(shipID string) error {
	res := s.db.Model(&models.Ship{}).
		Where("id = ? AND current_session_num < max_session_num", shipID).
		Updates(map[string]interface{}{
			"current_session_num": gorm.Expr("current_session_num + 1"),
			"updated_at":          time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("store: increment session count %s: %w", shipID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNoFreeSlot
	}
	return nil
}

// DecrementShipSessionCount removes one active session from a ship.
func (s *Store) DecrementShipSessionCount(shipID string) error {
	res := s.db.Model(&models.Ship{}).
		Where("id = ? AND current_session_num > 0", shipID).
		Updates(map[string]interface{}{
			"current_session_num": gorm.Expr("current_session_num - 1"),
			"updated_at":          time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("store: decrement session count %s: %w", shipID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNoFreeSlot
	}
	return nil
}

// AttachSession creates a binding and claims a session slot in one
// transaction, so the binding count and current_session_num move together.
func (s *Store) AttachSession(sessionID, shipID string) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Ship{}).
			Where("id = ? AND current_session_num < max_session_num", shipID).
			Updates(map[string]interface{}{
				"current_session_num": gorm.Expr("current_session_num + 1"),
				"updated_at":          time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNoFreeSlot
		}
		return tx.Create(&models.SessionShip{SessionID: sessionID, ShipID: shipID}).Error
	})
	if err != nil {
		if errors.Is(err, ErrNoFreeSlot) {
			return ErrNoFreeSlot
		}
		return fmt.Errorf("store: attach session %s->%s: %w", sessionID, shipID, err)
	}
	return nil
}

// CountShipBindings returns the number of bindings referencing a ship.
func (s *Store) CountShipBindings(shipID string) (int64, error) {
	var count int64
	if err := s.db.Model(&models.SessionShip{}).Where("ship_id = ?", shipID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("store: count bindings %s: %w", shipID, err)
	}
	return count, nil
}
