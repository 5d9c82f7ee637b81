package sites

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"sitepulse/internal/hours"
)

// SiteModel is a row of the sites table.
type SiteModel struct {
	ID       string `gorm:"primaryKey;type:text"`
	Name     string `gorm:"type:text;not null;default:''"`
	Timezone string `gorm:"type:text;not null;default:''"`
	Active   bool   `gorm:"index;not null;default:true"`

	Hours []BusinessHoursModel `gorm:"foreignKey:SiteID;references:ID"`

	CreatedAt time.Time `gorm:"not null;default:now()"`
	UpdatedAt time.Time `gorm:"not null;default:now()"`
}

func (SiteModel) TableName() string { return "sites" }

// BusinessHoursModel is one weekday rule. Weekday follows time.Weekday (Sunday = 0).
type BusinessHoursModel struct {
	ID        uint64 `gorm:"primaryKey"`
	SiteID    string `gorm:"type:text;index;not null"`
	Weekday   int    `gorm:"not null"`
	OpenTime  string `gorm:"type:text;not null"`
	CloseTime string `gorm:"type:text;not null"`
	Enabled   bool   `gorm:"not null;default:true"`
	Timezone  string `gorm:"type:text;not null;default:''"`
	Label     string `gorm:"type:text;not null;default:''"`
}

func (BusinessHoursModel) TableName() string { return "site_business_hours" }

// OpenGorm connects to postgres through gorm with its query logging silenced.
func OpenGorm(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sites db: %w", err)
	}
	return gdb, nil
}

// GormSource reads active sites and their weekday rules.
type GormSource struct {
	DB *gorm.DB
}

func NewGormSource(db *gorm.DB) *GormSource { return &GormSource{DB: db} }

// Migrate creates the sites tables when missing.
func (s *GormSource) Migrate(ctx context.Context) error {
	db := s.DB.WithContext(ctx)
	if err := db.AutoMigrate(&SiteModel{}, &BusinessHoursModel{}); err != nil {
		return err
	}
	// One rule per weekday per site.
	stmt := `create unique index if not exists uq_site_business_hours_day on site_business_hours(site_id, weekday);`
	if err := db.Exec(stmt).Error; err != nil {
		return fmt.Errorf("index exec failed: %w (sql=%s)", err, stmt)
	}
	return nil
}

func (s *GormSource) Snapshot(ctx context.Context) ([]hours.Site, error) {
	var rows []SiteModel
	err := s.DB.WithContext(ctx).
		Preload("Hours", func(db *gorm.DB) *gorm.DB { return db.Order("weekday") }).
		Where("active = ?", true).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load sites: %w", err)
	}

	out := make([]hours.Site, 0, len(rows))
	for _, r := range rows {
		site := hours.Site{ID: r.ID, Name: r.Name, Timezone: r.Timezone}
		for _, h := range r.Hours {
			site.Rules = append(site.Rules, hours.Rule{
				Weekday:  time.Weekday(h.Weekday),
				Open:     h.OpenTime,
				Close:    h.CloseTime,
				Enabled:  h.Enabled,
				Timezone: h.Timezone,
				Label:    h.Label,
			})
		}
		out = append(out, site)
	}
	return out, nil
}
