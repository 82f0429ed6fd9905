package database

import (
	"xray-control/internal/model"

	"gorm.io/gorm"
)

func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Node{},
		&model.User{},
		&model.NextPlan{},
		&model.Admin{},
		&model.Service{},
		&model.AdminService{},
		&model.CoreConfig{},
		&model.NodeUserUsage{},
		&model.NodeUsage{},
		&model.System{},
		&model.UsageCommit{},
		&model.TLS{},
	); err != nil {
		return err
	}
	return db.FirstOrCreate(&model.System{ID: 1}).Error
}
