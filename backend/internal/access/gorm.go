package access

import (
	"context"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// PublicUser in user_id grants the resource to everybody.
const PublicUser = "*"

// ResourcePermission is one grant row; the table is owned by the document
// services, this package only reads it.
type ResourcePermission struct {
	ID           uint64 `gorm:"primaryKey"`
	ResourceType string `gorm:"type:varchar(32);index:idx_resource,priority:1"`
	ResourceID   string `gorm:"type:varchar(64);index:idx_resource,priority:2"`
	UserID       string `gorm:"type:varchar(64);index"`
	CreatedAt    time.Time
}

func (ResourcePermission) TableName() string { return "resource_permissions" }

func OpenMySQL(dsn string) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(dsn), &gorm.Config{})
}

type GormGateway struct {
	db *gorm.DB
}

var _ Gateway = (*GormGateway)(nil)

func NewGormGateway(db *gorm.DB) *GormGateway {
	return &GormGateway{db: db}
}

func (g *GormGateway) CanAccess(ctx context.Context, userID, resourceID, resourceType string) (bool, error) {
	var n int64
	err := g.db.WithContext(ctx).
		Model(&ResourcePermission{}).
		Where("resource_type = ? AND resource_id = ? AND user_id IN ?", resourceType, resourceID, []string{userID, PublicUser}).
		Limit(1).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
