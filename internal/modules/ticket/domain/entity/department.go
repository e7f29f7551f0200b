package entity

import (
	"time"
)

// Department 部门表
type Department struct {
	Id             int64     `gorm:"column:id;primaryKey;comment:自增id"`
	Code           string    `gorm:"column:code;uniqueIndex;type:varchar(50);not null;comment:部门编码"`
	NameUz         string    `gorm:"column:name_uz;type:varchar(255);not null;comment:部门名称(乌兹别克语)"`
	NameRu         string    `gorm:"column:name_ru;type:varchar(255);not null;comment:部门名称(俄语)"`
	Description    string    `gorm:"column:description;type:text;comment:职责描述，向量化检索的物料"`
	IsActive       bool      `gorm:"column:is_active;not null;default:true;comment:是否启用"`
	TelegramChatId *int64    `gorm:"column:telegram_chat_id;comment:部门通知群 chat id"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;comment:创建时间"`
	UpdatedAt      time.Time `gorm:"column:updated_at;not null;comment:更新时间"`
}

func (Department) TableName() string {
	return "department"
}

// NameByLanguage 按工单语言取部门展示名，默认乌兹别克语
func (d *Department) NameByLanguage(language string) string {
	if language == "ru" && d.NameRu != "" {
		return d.NameRu
	}
	return d.NameUz
}
