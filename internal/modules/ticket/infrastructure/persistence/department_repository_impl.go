package persistence

import (
	ticketEntity "CivicLink/internal/modules/ticket/domain/entity"
	ticketRepository "CivicLink/internal/modules/ticket/domain/repository"

	"gorm.io/gorm"
)

type departmentRepositoryImpl struct {
	db *gorm.DB
}

func NewDepartmentRepository(db *gorm.DB) ticketRepository.DepartmentRepository {
	return &departmentRepositoryImpl{db: db}
}

func (r *departmentRepositoryImpl) GetById(id int64) (*ticketEntity.Department, error) {
	var dept ticketEntity.Department
	if err := r.db.Where("id = ?", id).First(&dept).Error; err != nil {
		return nil, err
	}
	return &dept, nil
}

func (r *departmentRepositoryImpl) GetByCode(code string) (*ticketEntity.Department, error) {
	var dept ticketEntity.Department
	if err := r.db.Where("code = ?", code).First(&dept).Error; err != nil {
		return nil, err
	}
	return &dept, nil
}

func (r *departmentRepositoryImpl) ListActive() ([]ticketEntity.Department, error) {
	var depts []ticketEntity.Department
	if err := r.db.Where("is_active = ?", true).Order("id ASC").Find(&depts).Error; err != nil {
		return nil, err
	}
	return depts, nil
}
