package repository

import (
	"CivicLink/internal/modules/ticket/domain/entity"
)

type DepartmentRepository interface {
	GetById(id int64) (*entity.Department, error)
	GetByCode(code string) (*entity.Department, error)
	ListActive() ([]entity.Department, error)
}
