package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/conservehq/conserve/internal/models"
	"github.com/conservehq/conserve/pkg/crypto"
	apperrors "github.com/conservehq/conserve/pkg/errors"
)

var (
	// ErrOrganizationNotFound indicates the requested organization does not exist.
	ErrOrganizationNotFound = apperrors.New("ORG_NOT_FOUND", "Organization not found", 404)
	// ErrOrganizationNameTaken reports a duplicate organization name.
	ErrOrganizationNameTaken = apperrors.NewConflict("ORG_NAME_TAKEN", "Organization name already taken")
	// ErrInvalidJoinCode indicates no organization matches the supplied join code.
	ErrInvalidJoinCode = apperrors.New("ORG_CODE_INVALID", "Invalid organization code", 404)
)

// joinCodeAttempts bounds re-rolls on the astronomically unlikely collision.
const joinCodeAttempts = 5

// OrganizationService is the registry of organizations: creation with unique
// join codes, lookups, and the ownership pointer.
type OrganizationService struct {
	db *gorm.DB
}

// NewOrganizationService constructs an OrganizationService instance.
func NewOrganizationService(db *gorm.DB) (*OrganizationService, error) {
	if db == nil {
		return nil, errors.New("organization service: db is required")
	}
	return &OrganizationService{db: db}, nil
}

// Create registers a new organization owned by the supplied user. The owner
// must already exist: the user row is created first so the owner pointer is
// never left dangling.
func (s *OrganizationService) Create(ctx context.Context, name, ownerID string) (*models.Organization, error) {
	ctx = ensureContext(ctx)

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.NewBadRequest("organization name is required")
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, errors.New("organization service: owner id is required")
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Organization{}).
		Where("name = ?", name).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("organization service: check name: %w", err)
	}
	if count > 0 {
		return nil, ErrOrganizationNameTaken
	}

	var org *models.Organization
	for attempt := 0; attempt < joinCodeAttempts; attempt++ {
		code, err := crypto.GenerateJoinCode()
		if err != nil {
			return nil, fmt.Errorf("organization service: generate join code: %w", err)
		}

		candidate := &models.Organization{
			Name:    name,
			Code:    code,
			OwnerID: ownerID,
		}

		err = s.db.WithContext(ctx).Create(candidate).Error
		if err == nil {
			org = candidate
			break
		}
		if isUniqueConstraintError(err) {
			// Either the code collided or the name raced another create.
			var nameCount int64
			if cntErr := s.db.WithContext(ctx).Model(&models.Organization{}).
				Where("name = ?", name).Count(&nameCount).Error; cntErr == nil && nameCount > 0 {
				return nil, ErrOrganizationNameTaken
			}
			continue
		}
		return nil, fmt.Errorf("organization service: create organization: %w", err)
	}

	if org == nil {
		return nil, errors.New("organization service: could not allocate a unique join code")
	}

	return org, nil
}

// GetByID loads an organization by identifier.
func (s *OrganizationService) GetByID(ctx context.Context, id string) (*models.Organization, error) {
	ctx = ensureContext(ctx)

	var org models.Organization
	err := s.db.WithContext(ctx).First(&org, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrganizationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("organization service: get organization: %w", err)
	}
	return &org, nil
}

// FindByCode resolves a join code to its organization.
func (s *OrganizationService) FindByCode(ctx context.Context, code string) (*models.Organization, error) {
	ctx = ensureContext(ctx)

	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, ErrInvalidJoinCode
	}

	var org models.Organization
	err := s.db.WithContext(ctx).First(&org, "code = ?", code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidJoinCode
	}
	if err != nil {
		return nil, fmt.Errorf("organization service: find by code: %w", err)
	}
	return &org, nil
}

// FindByOwner returns the organization owned by the user, or nil when the
// user owns none.
func (s *OrganizationService) FindByOwner(ctx context.Context, userID string) (*models.Organization, error) {
	ctx = ensureContext(ctx)

	var org models.Organization
	err := s.db.WithContext(ctx).First(&org, "owner_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("organization service: find by owner: %w", err)
	}
	return &org, nil
}

// TransferOwnership reassigns the owner pointer. The caller guarantees the
// new owner is a current Lead member of the organization. Runs on the
// supplied handle so ownership handoffs can join a larger transaction.
func (s *OrganizationService) TransferOwnership(tx *gorm.DB, orgID, newOwnerID string) error {
	result := tx.Model(&models.Organization{}).
		Where("id = ?", orgID).
		Update("owner_id", newOwnerID)
	if result.Error != nil {
		return fmt.Errorf("organization service: transfer ownership: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrOrganizationNotFound
	}
	return nil
}

// Dissolve deletes the organization record. The caller cascades task deletion
// and member detachment first, inside the same transaction.
func (s *OrganizationService) Dissolve(tx *gorm.DB, orgID string) error {
	result := tx.Delete(&models.Organization{}, "id = ?", orgID)
	if result.Error != nil {
		return fmt.Errorf("organization service: dissolve: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrOrganizationNotFound
	}
	return nil
}
