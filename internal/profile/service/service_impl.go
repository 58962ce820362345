package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/oklog/ulid/v2"
	"github.com/voyagecrm/affiliate/internal/clock"
	"github.com/voyagecrm/affiliate/internal/profile/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("profile.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) CreateProfile(ctx context.Context, displayName string, role domain.RoleKind, withholdingRateBp int64, trial bool) (domain.AffiliateProfile, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return domain.AffiliateProfile{}, domain.ErrInvalidDisplayName
	}
	switch role {
	case domain.RoleBranchManager, domain.RoleSalesAgent, domain.RoleSubscriptionAgent:
	default:
		return domain.AffiliateProfile{}, domain.ErrInvalidRoleKind
	}
	if withholdingRateBp < 0 || withholdingRateBp > 10000 {
		return domain.AffiliateProfile{}, domain.ErrInvalidWithholding
	}

	now := s.clock.Now()
	profile := domain.AffiliateProfile{
		ID:                s.genID.Generate(),
		DisplayName:       displayName,
		RoleKind:          role,
		AffiliateCode:     s.newAffiliateCode(displayName, now),
		WithholdingRateBp: withholdingRateBp,
		Status:            domain.ProfileStatusActive,
		Trial:             trial,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.repo.Insert(ctx, s.db, &profile); err != nil {
		return domain.AffiliateProfile{}, err
	}
	return profile, nil
}

func (s *Service) AssignManager(ctx context.Context, agentID, managerID snowflake.ID) (domain.AffiliateRelation, error) {
	var relation domain.AffiliateRelation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		agent, err := s.repo.Get(ctx, tx, agentID)
		if err != nil {
			return err
		}
		if agent.RoleKind != domain.RoleSalesAgent && agent.RoleKind != domain.RoleSubscriptionAgent {
			return domain.ErrNotAnAgent
		}
		manager, err := s.repo.Get(ctx, tx, managerID)
		if err != nil {
			return err
		}
		if manager.RoleKind != domain.RoleBranchManager {
			return domain.ErrNotAManager
		}

		existing, err := s.repo.ActiveRelation(ctx, tx, agentID)
		if err != nil {
			return err
		}
		if existing != nil {
			return domain.ErrRelationAlreadyActive
		}

		relation = domain.AffiliateRelation{
			ID:               s.genID.Generate(),
			AgentProfileID:   agentID,
			ManagerProfileID: managerID,
			Status:           domain.RelationStatusActive,
			StartedAt:        s.clock.Now(),
		}
		return s.repo.InsertRelation(ctx, tx, &relation)
	})
	if err != nil {
		return domain.AffiliateRelation{}, err
	}
	return relation, nil
}

func (s *Service) GetProfile(ctx context.Context, id snowflake.ID) (domain.AffiliateProfile, error) {
	profile, err := s.repo.Get(ctx, s.db, id)
	if err != nil {
		return domain.AffiliateProfile{}, err
	}
	return *profile, nil
}

// ResolveOwnership loads the agent and its active manager, if any. The caller
// captures the result on the sale row so later relation changes never move
// already-generated commission.
func (s *Service) ResolveOwnership(ctx context.Context, agentID snowflake.ID) (domain.OwnershipChain, error) {
	agent, err := s.repo.Get(ctx, s.db, agentID)
	if err != nil {
		return domain.OwnershipChain{}, err
	}

	chain := domain.OwnershipChain{Agent: *agent}

	relation, err := s.repo.ActiveRelation(ctx, s.db, agentID)
	if err != nil {
		return domain.OwnershipChain{}, err
	}
	if relation == nil {
		return chain, nil
	}

	manager, err := s.repo.Get(ctx, s.db, relation.ManagerProfileID)
	if err != nil {
		return domain.OwnershipChain{}, err
	}
	chain.Manager = manager
	return chain, nil
}

func (s *Service) newAffiliateCode(displayName string, now time.Time) string {
	prefix := slug.Make(displayName)
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	id := ulid.MustNew(ulid.Timestamp(now), rand.Reader)
	return fmt.Sprintf("%s-%s", prefix, strings.ToLower(id.String()[16:]))
}
