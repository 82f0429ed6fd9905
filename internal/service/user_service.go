package service

import (
	"context"

	"xray-control/internal/model"

	"gorm.io/gorm"
)

// UserService is the read side of users and services used to build core
// configs and push credentials.
type UserService struct {
	db *gorm.DB
}

func NewUserService(db *gorm.DB) *UserService {
	return &UserService{db: db}
}

func (s *UserService) LiveUsers(ctx context.Context) ([]model.User, error) {
	var users []model.User
	err := s.db.WithContext(ctx).
		Where("status IN ?", []model.UserStatus{model.UserStatusActive, model.UserStatusOnHold}).
		Order("id").
		Find(&users).Error
	return users, err
}

func (s *UserService) ServiceInbounds(ctx context.Context) (map[uint][]string, error) {
	var services []model.Service
	if err := s.db.WithContext(ctx).Select("id", "inbound_tags").Find(&services).Error; err != nil {
		return nil, err
	}
	out := make(map[uint][]string, len(services))
	for _, svc := range services {
		out[svc.ID] = svc.InboundTags
	}
	return out, nil
}

func (s *UserService) GetUser(ctx context.Context, id uint) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}
