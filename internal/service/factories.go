package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"custody-tracker/internal/custody"
	"custody-tracker/internal/models"
	"custody-tracker/internal/store"
)

// CreateFactory adds an active factory. Names are unique ignoring case.
func (s *Service) CreateFactory(ctx context.Context, actor Actor, name string) (models.Factory, error) {
	if err := requireRole(actor, "managing factories", models.RoleAdmin); err != nil {
		return models.Factory{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Factory{}, custody.Invalid("name", "name is required")
	}
	f := models.Factory{ID: uuid.NewString(), Name: name, IsActive: true, CreatedAt: s.clock()}
	err := s.tx(ctx, func(q store.Queries) error {
		taken, err := q.FactoryNameTaken(ctx, name, "")
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("factory %q already exists: %w", name, custody.ErrConflict)
		}
		return q.InsertFactory(ctx, f)
	})
	if err != nil {
		return models.Factory{}, err
	}
	return f, nil
}

// FactoryPatch renames or (de)activates a factory.
type FactoryPatch struct {
	Name     *string
	IsActive *bool
}

// UpdateFactory applies a patch. Deactivation leaves historical batches valid.
func (s *Service) UpdateFactory(ctx context.Context, actor Actor, id string, patch FactoryPatch) (models.Factory, error) {
	if err := requireRole(actor, "managing factories", models.RoleAdmin); err != nil {
		return models.Factory{}, err
	}
	var out models.Factory
	err := s.tx(ctx, func(q store.Queries) error {
		f, err := q.GetFactory(ctx, id)
		if err != nil {
			return err
		}
		if patch.Name != nil {
			name := strings.TrimSpace(*patch.Name)
			if name == "" {
				return custody.Invalid("name", "name is required")
			}
			taken, err := q.FactoryNameTaken(ctx, name, f.ID)
			if err != nil {
				return err
			}
			if taken {
				return fmt.Errorf("factory %q already exists: %w", name, custody.ErrConflict)
			}
			f.Name = name
		}
		if patch.IsActive != nil {
			f.IsActive = *patch.IsActive
		}
		if err := q.UpdateFactory(ctx, f); err != nil {
			return err
		}
		out = f
		return nil
	})
	if err != nil {
		return models.Factory{}, err
	}
	return out, nil
}

func (s *Service) ListFactories(ctx context.Context, includeInactive bool) ([]models.Factory, error) {
	return s.store.ListFactories(ctx, includeInactive)
}
