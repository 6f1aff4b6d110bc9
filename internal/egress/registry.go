// Package egress tracks the pool of network identities and their exclusive
// assignment to platform accounts.
package egress

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pysugar/marketrelay/internal/db/models"
	"github.com/pysugar/marketrelay/internal/metrics"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// holdingStatuses are the account states that keep an identity reserved.
// Expired and suspended accounts can be displaced by a new binding.
var holdingStatuses = []models.AccountStatus{
	models.StatusPending,
	models.StatusActive,
	models.StatusPaused,
}

// Registry allocates, binds and releases egress identities. All assignment
// changes run inside one process-wide critical section and one transaction,
// so the next Allocate always observes them.
type Registry struct {
	db         *gorm.DB
	transports *Transports
	log        logrus.FieldLogger
	metrics    metrics.Recorder

	mu sync.Mutex
}

// NewRegistry creates a registry over db. transports may be nil.
func NewRegistry(db *gorm.DB, transports *Transports, log logrus.FieldLogger, m metrics.Recorder) *Registry {
	if transports == nil {
		transports = NewTransports(0)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		db:         db,
		transports: transports,
		log:        log.WithField("component", "egress"),
		metrics:    metrics.OrNoop(m),
	}
}

// Transports exposes the connection pool keyed by identity.
func (r *Registry) Transports() *Transports {
	return r.transports
}

// Allocate picks an idle identity for userID. preferredRef (id or address) wins
// when it is owned by the user, active and unassigned.
func (r *Registry) Allocate(ctx context.Context, userID, preferredRef string) (*models.EgressIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out *models.EgressIdentity
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		e, err := r.allocate(tx, userID, preferredRef)
		out = e
		return err
	})
	return out, err
}

// Bind assigns egressID to accountID. Re-binding the same pair is a no-op;
// a previous identity of the account is released.
func (r *Registry) Bind(ctx context.Context, egressID, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var e models.EgressIdentity
		if err := tx.First(&e, "id = ?", egressID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEgressNotFound
			}
			return err
		}
		return r.bind(tx, &e, accountID)
	})
}

// Acquire resolves the identity for accountID in one critical section: an
// existing live binding is reused, otherwise an identity is allocated and bound.
func (r *Registry) Acquire(ctx context.Context, userID, preferredRef, accountID string) (*models.EgressIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out *models.EgressIdentity
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if current, err := r.currentBinding(tx, accountID); err != nil {
			return err
		} else if current != nil {
			out = current
			return nil
		}

		e, err := r.allocate(tx, userID, preferredRef)
		if err != nil {
			return err
		}
		if err := r.bind(tx, e, accountID); err != nil {
			return err
		}
		out = e
		return nil
	})
	return out, err
}

// Reassign moves accountID to another idle identity of userID, preferring
// preferredRef. The previous identity is released in the same critical section.
func (r *Registry) Reassign(ctx context.Context, userID, accountID, preferredRef string) (*models.EgressIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out *models.EgressIdentity
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		e, err := r.allocate(tx, userID, preferredRef)
		if err != nil {
			return err
		}
		if err := r.bind(tx, e, accountID); err != nil {
			return err
		}
		out = e
		return nil
	})
	return out, err
}

// Release clears the assignment of egressID and unlinks any account. Idempotent.
func (r *Registry) Release(ctx context.Context, egressID string) error {
	if egressID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return r.release(tx, egressID)
	})
	if err == nil {
		r.transports.Forget(egressID)
		r.metrics.RecordEgressAssignment("release")
	}
	return err
}

// Get returns one identity by id.
func (r *Registry) Get(ctx context.Context, egressID string) (*models.EgressIdentity, error) {
	var e models.EgressIdentity
	if err := r.db.WithContext(ctx).First(&e, "id = ?", egressID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEgressNotFound
		}
		return nil, err
	}
	return &e, nil
}

// Resolve finds an identity of userID by id or address.
func (r *Registry) Resolve(ctx context.Context, userID, ref string) (*models.EgressIdentity, error) {
	var e models.EgressIdentity
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND (id = ? OR address = ?)", userID, ref, ref).
		Order("created_at ASC").
		First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEgressNotFound
		}
		return nil, err
	}
	return &e, nil
}

// List returns the identities owned by userID, oldest first.
func (r *Registry) List(ctx context.Context, userID string) ([]models.EgressIdentity, error) {
	var out []models.EgressIdentity
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// Deactivate removes an identity from future allocation. A current binding is kept.
func (r *Registry) Deactivate(ctx context.Context, userID, egressID string) error {
	res := r.db.WithContext(ctx).Model(&models.EgressIdentity{}).
		Where("id = ? AND user_id = ?", egressID, userID).
		Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrEgressNotFound
	}
	r.transports.Forget(egressID)
	return nil
}

// HTTPClient returns a client routed through egressID.
func (r *Registry) HTTPClient(ctx context.Context, egressID string) (*http.Client, *models.EgressIdentity, error) {
	if egressID == "" {
		return nil, nil, ErrNotBound
	}
	e, err := r.Get(ctx, egressID)
	if err != nil {
		return nil, nil, err
	}
	if !e.Active {
		return nil, e, ErrEgressInactive
	}
	client, err := r.transports.ClientFor(e)
	if err != nil {
		return nil, e, err
	}
	return client, e, nil
}

func (r *Registry) allocate(tx *gorm.DB, userID, preferredRef string) (*models.EgressIdentity, error) {
	if preferredRef = strings.TrimSpace(preferredRef); preferredRef != "" {
		var e models.EgressIdentity
		err := r.lockRows(tx).
			Where("user_id = ? AND active = ? AND assigned = ? AND (id = ? OR address = ?)", userID, true, false, preferredRef, preferredRef).
			Order("created_at ASC").
			First(&e).Error
		if err == nil {
			return &e, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		r.log.WithFields(logrus.Fields{"user_id": userID, "preferred": preferredRef}).
			Debug("preferred egress unavailable, falling back to pool")
	}

	var e models.EgressIdentity
	err := r.lockRows(tx).
		Where("user_id = ? AND active = ? AND assigned = ?", userID, true, false).
		Order("created_at ASC, id ASC").
		First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoEgressAvailable
		}
		return nil, err
	}
	return &e, nil
}

func (r *Registry) bind(tx *gorm.DB, e *models.EgressIdentity, accountID string) error {
	if !e.Active {
		return ErrEgressInactive
	}

	var holders []models.PlatformAccount
	if err := tx.Where("egress_id = ? AND id <> ?", e.ID, accountID).Find(&holders).Error; err != nil {
		return err
	}
	for _, h := range holders {
		for _, s := range holdingStatuses {
			if h.Status == s {
				return fmt.Errorf("%w: held by account %s", ErrAlreadyAssigned, h.ID)
			}
		}
	}
	if len(holders) > 0 {
		// Displaced holders are no longer live; drop their link so the unique binding holds.
		if err := tx.Model(&models.PlatformAccount{}).
			Where("egress_id = ? AND id <> ?", e.ID, accountID).
			Update("egress_id", nil).Error; err != nil {
			return err
		}
	}

	var account models.PlatformAccount
	if err := tx.Select("id", "egress_id").First(&account, "id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("bind egress %s: account %s does not exist", e.ID, accountID)
		}
		return err
	}
	if account.BoundEgress() == e.ID && e.Assigned {
		return nil
	}
	if prev := account.BoundEgress(); prev != "" && prev != e.ID {
		if err := r.release(tx, prev); err != nil {
			return err
		}
		r.transports.Forget(prev)
	}

	now := time.Now().UTC()
	if err := tx.Model(&models.EgressIdentity{}).Where("id = ?", e.ID).
		Updates(map[string]any{"assigned": true, "assigned_at": now}).Error; err != nil {
		return err
	}
	e.Assigned = true
	e.AssignedAt = &now

	if err := tx.Model(&models.PlatformAccount{}).Where("id = ?", accountID).
		Update("egress_id", e.ID).Error; err != nil {
		return err
	}
	r.metrics.RecordEgressAssignment("bind")
	r.log.WithFields(logrus.Fields{"egress_id": e.ID, "account_id": accountID, "ip": e.DisplayIP()}).
		Info("egress bound")
	return nil
}

func (r *Registry) release(tx *gorm.DB, egressID string) error {
	if err := tx.Model(&models.EgressIdentity{}).Where("id = ?", egressID).
		Updates(map[string]any{"assigned": false, "assigned_at": nil}).Error; err != nil {
		return err
	}
	return tx.Model(&models.PlatformAccount{}).Where("egress_id = ?", egressID).
		Update("egress_id", nil).Error
}

func (r *Registry) currentBinding(tx *gorm.DB, accountID string) (*models.EgressIdentity, error) {
	var account models.PlatformAccount
	if err := tx.Select("id", "egress_id").First(&account, "id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if account.BoundEgress() == "" {
		return nil, nil
	}
	var e models.EgressIdentity
	if err := tx.First(&e, "id = ?", account.BoundEgress()).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !e.Active {
		return nil, nil
	}
	return &e, nil
}

// lockRows adds row locks on dialects that support them. SQLite already
// serializes writers behind a single connection.
func (r *Registry) lockRows(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}
