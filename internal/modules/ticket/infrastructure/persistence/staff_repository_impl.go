package persistence

import (
	ticketEntity "CivicLink/internal/modules/ticket/domain/entity"
	ticketRepository "CivicLink/internal/modules/ticket/domain/repository"

	"gorm.io/gorm"
)

type staffRepositoryImpl struct {
	db *gorm.DB
}

func NewStaffRepository(db *gorm.DB) ticketRepository.StaffRepository {
	return &staffRepositoryImpl{db: db}
}

func (r *staffRepositoryImpl) GetByUuid(uuid string) (*ticketEntity.StaffProfile, error) {
	var staff ticketEntity.StaffProfile
	if err := r.db.Where("uuid = ?", uuid).First(&staff).Error; err != nil {
		return nil, err
	}
	return &staff, nil
}
