package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/voyagecrm/affiliate/internal/profile/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, profile *domain.AffiliateProfile) error {
	return db.WithContext(ctx).Create(profile).Error
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.AffiliateProfile, error) {
	var profile domain.AffiliateProfile
	err := db.WithContext(ctx).First(&profile, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (r *repo) ActiveRelation(ctx context.Context, db *gorm.DB, agentID snowflake.ID) (*domain.AffiliateRelation, error) {
	var relation domain.AffiliateRelation
	err := db.WithContext(ctx).
		Where("agent_profile_id = ? AND status = ?", agentID, domain.RelationStatusActive).
		Order("started_at desc").
		First(&relation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &relation, nil
}

func (r *repo) InsertRelation(ctx context.Context, db *gorm.DB, relation *domain.AffiliateRelation) error {
	return db.WithContext(ctx).Create(relation).Error
}

func (r *repo) EndRelation(ctx context.Context, db *gorm.DB, relationID snowflake.ID, endedAt time.Time) error {
	return db.WithContext(ctx).Model(&domain.AffiliateRelation{}).
		Where("id = ?", relationID).
		Updates(map[string]any{
			"status":   domain.RelationStatusEnded,
			"ended_at": endedAt,
		}).Error
}
