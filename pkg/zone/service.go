// Package zone implements declarative automation zones: trigger evaluation,
// concurrent agent dispatch, typed post-dispatch actions, and execution
// records.
package zone

import (
	"errors"
	"fmt"

	"workdeck/pkg/events"
	"workdeck/pkg/logx"
	"workdeck/pkg/persistence"
	"workdeck/pkg/refcontext"
)

// ErrInvalidZone indicates a zone definition that failed validation.
var ErrInvalidZone = errors.New("invalid zone definition")

// Service owns zone CRUD with validation and event emission.
type Service struct {
	store  *persistence.Store
	broker *events.Broker
	logger *logx.Logger
}

// NewService creates a zone service.
func NewService(store *persistence.Store, broker *events.Broker) *Service {
	return &Service{
		store:  store,
		broker: broker,
		logger: logx.NewLogger("zone"),
	}
}

// validate checks a zone definition and normalizes defaulted fields.
func validate(z *persistence.Zone) error {
	if z.Name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidZone)
	}
	if z.Trigger == "" {
		z.Trigger = persistence.TriggerManual
	}
	if !persistence.IsValidTrigger(z.Trigger) {
		return fmt.Errorf("%w: unknown trigger kind %q", ErrInvalidZone, z.Trigger)
	}
	if z.ErrorPolicy == "" {
		z.ErrorPolicy = persistence.ErrorPolicyContinue
	}
	if !persistence.IsValidErrorPolicy(z.ErrorPolicy) {
		return fmt.Errorf("%w: unknown error policy %q", ErrInvalidZone, z.ErrorPolicy)
	}
	if z.PromptTemplate != "" {
		if err := refcontext.Validate(z.PromptTemplate); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidZone, err)
		}
	}
	if _, err := ParseActions(z.ActionsJSON); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidZone, err)
	}
	return nil
}

// Create validates and persists a new zone.
func (s *Service) Create(z *persistence.Zone) (*persistence.Zone, error) {
	if err := validate(z); err != nil {
		return nil, err
	}
	if z.ID == "" {
		z.ID = persistence.GenerateZoneID()
	}
	if err := s.store.CreateZone(z); err != nil {
		return nil, err
	}

	s.logger.Info("Created zone %s (%s)", z.ID, z.Name)
	s.broker.Publish(events.New(events.KindZoneCreated, events.ZonePayload{
		ZoneID: z.ID,
		Name:   z.Name,
	}))
	return z, nil
}

// Get returns a zone by ID.
func (s *Service) Get(id string) (*persistence.Zone, error) {
	return s.store.GetZone(id)
}

// List returns all zones.
func (s *Service) List() ([]*persistence.Zone, error) {
	return s.store.ListZones()
}

// Update validates and persists zone changes.
func (s *Service) Update(z *persistence.Zone) (*persistence.Zone, error) {
	if err := validate(z); err != nil {
		return nil, err
	}
	if err := s.store.UpdateZone(z); err != nil {
		return nil, err
	}

	s.broker.Publish(events.New(events.KindZoneUpdated, events.ZonePayload{
		ZoneID: z.ID,
		Name:   z.Name,
	}))
	return z, nil
}

// Delete removes a zone; assignments cascade in the database.
func (s *Service) Delete(id string) error {
	if err := s.store.DeleteZone(id); err != nil {
		return err
	}

	s.logger.Info("Deleted zone %s", id)
	s.broker.Publish(events.New(events.KindZoneDeleted, events.ZonePayload{
		ZoneID: id,
	}))
	return nil
}

// ExecutionHistory returns recent executions for a zone, newest first.
func (s *Service) ExecutionHistory(zoneID string, limit int) ([]*persistence.Execution, error) {
	return s.store.ListExecutions(zoneID, limit)
}
