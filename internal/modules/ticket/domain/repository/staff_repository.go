package repository

import (
	"CivicLink/internal/modules/ticket/domain/entity"
)

type StaffRepository interface {
	GetByUuid(uuid string) (*entity.StaffProfile, error)
}
