package director

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mdmdirector/mdmrelay/types"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConflictMode decides what Create does when an active policy already
// exists for the same business unit and kind.
type ConflictMode int

const (
	// ReplaceActive overwrites the active policy's content in place.
	ReplaceActive ConflictMode = iota
	// FailOnActive rejects the create with a ConflictError.
	FailOnActive
)

const defaultLockTimeout = 5 * time.Second

// PolicyStore persists policies. It keeps at most one non-trashed policy per
// (business unit, kind), reusing trashed rows instead of inserting new ones.
type PolicyStore struct {
	db          *gorm.DB
	mode        ConflictMode
	lockTimeout time.Duration
	locks       sync.Map
}

func NewPolicyStore(db *gorm.DB, mode ConflictMode) *PolicyStore {
	return &PolicyStore{
		db:          db,
		mode:        mode,
		lockTimeout: defaultLockTimeout,
	}
}

func policyLockName(businessUnitID uint, kind types.PolicyKind) string {
	return fmt.Sprintf("policy:%d:%s", businessUnitID, kind)
}

// guard serializes in-process writers for one (business unit, kind) until
// uow ends. The database row lock taken afterwards covers other processes.
func (s *PolicyStore) guard(uow *UnitOfWork, businessUnitID uint, kind types.PolicyKind) {
	name := policyLockName(businessUnitID, kind)
	if uow.holds(name) {
		return
	}
	v, _ := s.locks.LoadOrStore(name, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	uow.onRelease(name, mu.Unlock)
}

func (s *PolicyStore) setLockTimeout(tx *gorm.DB) error {
	if tx.Dialector.Name() != "postgres" || s.lockTimeout <= 0 {
		return nil
	}
	return tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())).Error
}

func encodeContent(content interface{}) (datatypes.JSON, error) {
	if raw, ok := content.(datatypes.JSON); ok {
		return raw, nil
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, errors.Wrap(err, "encode policy content")
	}
	return datatypes.JSON(raw), nil
}

// Create makes content the active policy of kind for the business unit. A
// trashed policy for the same pair is revived in place. An active one is
// replaced or rejected depending on the store's ConflictMode.
func (s *PolicyStore) Create(uow *UnitOfWork, businessUnitID uint, kind types.PolicyKind, content interface{}) (*types.Policy, error) {
	policy, _, err := s.Replace(uow, businessUnitID, kind, content)
	return policy, err
}

// Replace is Create that also returns the active policy it overwrote, as it
// was before the write. replaced is nil when no active policy existed.
func (s *PolicyStore) Replace(uow *UnitOfWork, businessUnitID uint, kind types.PolicyKind, content interface{}) (policy, replaced *types.Policy, err error) {
	if !kind.Valid() {
		return nil, nil, newValidationError("kind", "unknown policy kind %q", kind)
	}
	raw, err := encodeContent(content)
	if err != nil {
		return nil, nil, err
	}

	s.guard(uow, businessUnitID, kind)
	tx := uow.Tx
	if err := s.setLockTimeout(tx); err != nil {
		return nil, nil, translateDBError(err, "set lock timeout")
	}

	var unit types.BusinessUnit
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&unit, businessUnitID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, newValidationError("business_unit", "business unit %d does not exist", businessUnitID)
	}
	if err != nil {
		return nil, nil, translateDBError(err, "lock business unit")
	}

	var existing []types.Policy
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_unit_id = ? AND kind = ?", businessUnitID, kind).
		Order("trashed_at IS NOT NULL").
		Order("updated_at DESC").
		Order("id DESC").
		Find(&existing).Error
	if err != nil {
		return nil, nil, translateDBError(err, "load policies")
	}

	if len(existing) == 0 {
		created := types.Policy{
			BusinessUnitID: businessUnitID,
			Kind:           kind,
			Content:        raw,
			Version:        1,
		}
		if err := tx.Omit(clause.Associations).Create(&created).Error; err != nil {
			return nil, nil, translateDBError(err, "create policy")
		}
		return &created, nil, nil
	}

	current := existing[0]
	if current.TrashedAt == nil && s.mode == FailOnActive {
		return nil, nil, &ConflictError{Message: fmt.Sprintf("business unit %d already has an active %s policy", businessUnitID, kind)}
	}
	revived := current.TrashedAt != nil
	if !revived {
		previous := current
		replaced = &previous
	}
	current.Content = raw
	current.TrashedAt = nil
	current.Version++
	if err := tx.Omit(clause.Associations).Save(&current).Error; err != nil {
		return nil, nil, translateDBError(err, "save policy")
	}
	if revived {
		DebugLogger(LogHolder{BusinessUnitID: businessUnitID, PolicyID: current.ID, PolicyKind: string(kind), Message: "revived trashed policy"})
	}
	return &current, replaced, nil
}

// Update replaces the content of an active policy. It fails with a
// ConflictError if the policy changed or was trashed since it was read.
func (s *PolicyStore) Update(uow *UnitOfWork, policy *types.Policy, content interface{}) error {
	raw, err := encodeContent(content)
	if err != nil {
		return err
	}

	s.guard(uow, policy.BusinessUnitID, policy.Kind)
	now := uow.Tx.NowFunc()
	res := uow.Tx.Model(&types.Policy{}).
		Where("id = ? AND version = ? AND trashed_at IS NULL", policy.ID, policy.Version).
		Updates(map[string]interface{}{
			"content":    raw,
			"version":    policy.Version + 1,
			"updated_at": now,
		})
	if res.Error != nil {
		return translateDBError(res.Error, "update policy")
	}
	if res.RowsAffected == 0 {
		return &ConflictError{Message: fmt.Sprintf("policy %d was modified or trashed concurrently", policy.ID)}
	}

	policy.Content = raw
	policy.Version++
	policy.UpdatedAt = now
	return nil
}

// Trash soft-deletes an active policy. Trashing a trashed policy does
// nothing and reports false.
func (s *PolicyStore) Trash(uow *UnitOfWork, policy *types.Policy) (bool, error) {
	s.guard(uow, policy.BusinessUnitID, policy.Kind)
	now := uow.Tx.NowFunc()
	res := uow.Tx.Model(&types.Policy{}).
		Where("id = ? AND trashed_at IS NULL", policy.ID).
		Updates(map[string]interface{}{
			"trashed_at": now,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return false, translateDBError(res.Error, "trash policy")
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	policy.TrashedAt = &now
	policy.Version++
	policy.UpdatedAt = now
	return true, nil
}

func (s *PolicyStore) Get(ctx context.Context, id uint) (*types.Policy, error) {
	var policy types.Policy
	err := s.db.WithContext(ctx).First(&policy, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newValidationError("policy", "policy %d does not exist", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get policy")
	}
	return &policy, nil
}

// ListActive returns the active policy of kind for the business unit, or
// nil if there is none.
func (s *PolicyStore) ListActive(ctx context.Context, businessUnitID uint, kind types.PolicyKind) (*types.Policy, error) {
	var policies []types.Policy
	err := s.db.WithContext(ctx).
		Where("business_unit_id = ? AND kind = ? AND trashed_at IS NULL", businessUnitID, kind).
		Order("id").
		Find(&policies).Error
	if err != nil {
		return nil, errors.Wrap(err, "list active policies")
	}
	if len(policies) == 0 {
		return nil, nil
	}
	if len(policies) > 1 {
		ErrorLogger(LogHolder{
			BusinessUnitID: businessUnitID,
			PolicyKind:     string(kind),
			Message:        fmt.Sprintf("found %d active policies where at most one is allowed", len(policies)),
		})
	}
	return &policies[0], nil
}

func (s *PolicyStore) CountActive(ctx context.Context, businessUnitID uint, kind types.PolicyKind) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&types.Policy{}).
		Where("business_unit_id = ? AND kind = ? AND trashed_at IS NULL", businessUnitID, kind).
		Count(&count).Error
	return count, errors.Wrap(err, "count active policies")
}
