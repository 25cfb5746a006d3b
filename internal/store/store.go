package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"lessoncal/internal/errs"
	appLog "lessoncal/internal/log"
	"lessoncal/internal/model"
)

// Store defines the interface for all database operations.
type Store interface {
	GetProfile(ctx context.Context, id string) (model.Profile, error)
	UpsertProfile(ctx context.Context, p model.Profile) (model.Profile, error)

	CreatePairing(ctx context.Context, p model.Pairing) (model.Pairing, error)
	GetPairing(ctx context.Context, id string) (model.Pairing, error)
	// ListPairings returns the active pairings the profile takes part in.
	ListPairings(ctx context.Context, profileID string) ([]model.Pairing, error)
	ListActivePairings(ctx context.Context) ([]model.Pairing, error)

	CreateRule(ctx context.Context, r model.RecurringRule) (model.RecurringRule, error)
	GetRule(ctx context.Context, id string) (model.RecurringRule, error)
	ListActiveRules(ctx context.Context, pairingIDs []string) ([]model.RecurringRule, error)
	DeactivateRule(ctx context.Context, id string) error

	ListOverrides(ctx context.Context, ruleIDs []string) ([]model.OverrideRecord, error)
	UpsertOverride(ctx context.Context, o model.OverrideRecord) error

	ListBusyWindows(ctx context.Context, ownerID string) ([]model.BusyWindow, error)
	ReplaceBusyWindows(ctx context.Context, ownerID string, windows []model.BusyWindow) error
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, errs.ErrNotFound)
	}
	return fmt.Errorf("failed to load %s %s: %w", what, id, err)
}

func (s *gormStore) GetProfile(ctx context.Context, id string) (model.Profile, error) {
	var rec ProfileRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return model.Profile{}, notFound(err, "profile", id)
	}
	return profileFromRecord(rec), nil
}

func (s *gormStore) UpsertProfile(ctx context.Context, p model.Profile) (model.Profile, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	rec := ProfileRecord{ID: p.ID, Name: p.Name, Role: string(p.Role), Timezone: p.Timezone}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "role", "timezone", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return model.Profile{}, fmt.Errorf("upsert profile %s failed: %w", p.ID, err)
	}
	return p, nil
}

func (s *gormStore) CreatePairing(ctx context.Context, p model.Pairing) (model.Pairing, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.MatchedAt.IsZero() {
		p.MatchedAt = time.Now().UTC()
	}
	rec := PairingRecord{ID: p.ID, ProviderID: p.ProviderID, ClientID: p.ClientID, Active: p.Active, MatchedAt: p.MatchedAt}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return model.Pairing{}, fmt.Errorf("create pairing failed: %w", err)
	}
	return p, nil
}

func (s *gormStore) GetPairing(ctx context.Context, id string) (model.Pairing, error) {
	var rec PairingRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return model.Pairing{}, notFound(err, "pairing", id)
	}
	return pairingFromRecord(rec), nil
}

func (s *gormStore) ListPairings(ctx context.Context, profileID string) ([]model.Pairing, error) {
	var recs []PairingRecord
	err := s.db.WithContext(ctx).
		Where("active = ? AND (provider_id = ? OR client_id = ?)", true, profileID, profileID).
		Order("matched_at").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list pairings for %s failed: %w", profileID, err)
	}
	return pairingsFromRecords(recs), nil
}

func (s *gormStore) ListActivePairings(ctx context.Context) ([]model.Pairing, error) {
	var recs []PairingRecord
	if err := s.db.WithContext(ctx).Where("active = ?", true).Order("matched_at").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list active pairings failed: %w", err)
	}
	return pairingsFromRecords(recs), nil
}

func pairingsFromRecords(recs []PairingRecord) []model.Pairing {
	out := make([]model.Pairing, 0, len(recs))
	for _, r := range recs {
		out = append(out, pairingFromRecord(r))
	}
	return out
}

func (s *gormStore) CreateRule(ctx context.Context, r model.RecurringRule) (model.RecurringRule, error) {
	if err := r.Validate(); err != nil {
		return model.RecurringRule{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	rec := ruleToRecord(r)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return model.RecurringRule{}, fmt.Errorf("create rule failed: %w", err)
	}
	return r, nil
}

func (s *gormStore) GetRule(ctx context.Context, id string) (model.RecurringRule, error) {
	var rec RuleRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return model.RecurringRule{}, notFound(err, "rule", id)
	}
	return ruleFromRecord(rec)
}

func (s *gormStore) ListActiveRules(ctx context.Context, pairingIDs []string) ([]model.RecurringRule, error) {
	if len(pairingIDs) == 0 {
		return []model.RecurringRule{}, nil
	}
	var recs []RuleRecord
	err := s.db.WithContext(ctx).
		Where("active = ? AND pairing_id IN ?", true, pairingIDs).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list rules failed: %w", err)
	}
	out := make([]model.RecurringRule, 0, len(recs))
	for _, rec := range recs {
		r, err := ruleFromRecord(rec)
		if err != nil {
			appLog.Error("store: skipping unreadable rule", err, "rule_id", rec.ID)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// DeactivateRule soft-deletes a rule. Its overrides stay in place.
func (s *gormStore) DeactivateRule(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&RuleRecord{}).Where("id = ?", id).Update("active", false)
	if res.Error != nil {
		return fmt.Errorf("deactivate rule %s failed: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

func (s *gormStore) ListOverrides(ctx context.Context, ruleIDs []string) ([]model.OverrideRecord, error) {
	if len(ruleIDs) == 0 {
		return []model.OverrideRecord{}, nil
	}
	var rows []OverrideRow
	if err := s.db.WithContext(ctx).Where("rule_id IN ?", ruleIDs).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list overrides failed: %w", err)
	}
	out := make([]model.OverrideRecord, 0, len(rows))
	for _, row := range rows {
		o, err := overrideFromRow(row)
		if err != nil {
			appLog.Error("store: skipping unreadable override", err, "rule_id", row.RuleID, "original_date", row.OriginalDate)
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// UpsertOverride inserts the override for its (rule, original date) key or
// updates the existing row in place.
func (s *gormStore) UpsertOverride(ctx context.Context, o model.OverrideRecord) error {
	if !o.Status.Valid() {
		return fmt.Errorf("%w: %q", errs.ErrInvalidStatus, o.Status)
	}
	row := overrideToRow(o)
	row.ID = uuid.NewString()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "rule_id"}, {Name: "original_date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"actual_date", "actual_start", "actual_end", "status", "rescheduled_from", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert override %s failed: %w", o.Key(), err)
	}
	return nil
}

func (s *gormStore) ListBusyWindows(ctx context.Context, ownerID string) ([]model.BusyWindow, error) {
	var recs []BusyWindowRecord
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("weekday").Order("start_time").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list busy windows for %s failed: %w", ownerID, err)
	}
	out := make([]model.BusyWindow, 0, len(recs))
	for _, rec := range recs {
		b, err := busyFromRecord(rec)
		if err != nil {
			appLog.Error("store: skipping unreadable busy window", err, "id", rec.ID)
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// ReplaceBusyWindows swaps the owner's whole availability in one transaction.
func (s *gormStore) ReplaceBusyWindows(ctx context.Context, ownerID string, windows []model.BusyWindow) error {
	recs := make([]BusyWindowRecord, 0, len(windows))
	for _, w := range windows {
		if err := w.Validate(); err != nil {
			return err
		}
		recs = append(recs, BusyWindowRecord{
			ID:        uuid.NewString(),
			OwnerID:   ownerID,
			Weekday:   int(w.Weekday),
			StartTime: w.Start.String(),
			EndTime:   w.End.String(),
		})
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("owner_id = ?", ownerID).Delete(&BusyWindowRecord{}).Error; err != nil {
			return fmt.Errorf("failed to clear busy windows for %s: %w", ownerID, err)
		}
		if len(recs) == 0 {
			return nil
		}
		if err := tx.Create(&recs).Error; err != nil {
			return fmt.Errorf("failed to insert busy windows for %s: %w", ownerID, err)
		}
		return nil
	})
}
