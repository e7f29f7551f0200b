package repository

import "context"

// DepartmentPoint 写入向量库的部门知识点位
type DepartmentPoint struct {
	ID           string
	Vector       []float32
	DepartmentId int64
	Language     string
	Name         string
	Content      string
	IsCorrection bool
}

// DepartmentHit 向量检索命中
type DepartmentHit struct {
	ID           string
	Score        float32
	DepartmentId int64
	Language     string
	Name         string
	Content      string
	IsCorrection bool
}

// VectorStore 部门知识向量库。检索必须按语言过滤，
// 俄语诉求不能召回乌兹别克语物料。
type VectorStore interface {
	Search(ctx context.Context, vector []float32, topK int, language string) ([]DepartmentHit, error)
	Upsert(ctx context.Context, points []DepartmentPoint) ([]string, error)
	DeleteByIDs(ctx context.Context, ids []string) error
}
