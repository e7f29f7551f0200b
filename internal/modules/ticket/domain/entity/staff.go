package entity

import (
	"time"
)

// StaffProfile 工作人员档案表
type StaffProfile struct {
	Id                 int64     `gorm:"column:id;primaryKey;comment:自增id"`
	Uuid               string    `gorm:"column:uuid;uniqueIndex;type:char(36);not null;comment:人员uuid"`
	Username           string    `gorm:"column:username;type:varchar(64);not null;comment:用户名"`
	DepartmentId       *int64    `gorm:"column:department_id;index;comment:所属部门id"`
	IsSuperuser        bool      `gorm:"column:is_superuser;not null;default:false;comment:是否超级管理员"`
	IsVip              bool      `gorm:"column:is_vip;not null;default:false;comment:是否重点关注席位"`
	PersonalBestRecord int       `gorm:"column:personal_best_record;not null;default:0;comment:单日结单最高纪录"`
	TelegramUserId     *int64    `gorm:"column:telegram_user_id;comment:telegram 用户id"`
	CreatedAt          time.Time `gorm:"column:created_at;not null;comment:创建时间"`
	UpdatedAt          time.Time `gorm:"column:updated_at;not null;comment:更新时间"`
}

func (StaffProfile) TableName() string {
	return "staff_profile"
}

// StaffDailyPerformance 工作人员每日绩效表
type StaffDailyPerformance struct {
	Id          int64     `gorm:"column:id;primaryKey;comment:自增id"`
	StaffUuid   string    `gorm:"column:staff_uuid;type:char(36);not null;uniqueIndex:uk_staff_day,priority:1;comment:人员uuid"`
	Day         string    `gorm:"column:day;type:char(10);not null;uniqueIndex:uk_staff_day,priority:2;comment:日期 YYYY-MM-DD"`
	ClosedCount int       `gorm:"column:closed_count;not null;default:0;comment:当日结单数"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;comment:创建时间"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null;comment:更新时间"`
}

func (StaffDailyPerformance) TableName() string {
	return "staff_daily_performance"
}
