package vectordb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"CivicLink/internal/modules/ai/domain/repository"
	"CivicLink/pkg/zlog"

	mclient "github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"
)

// MilvusStore 部门知识向量库的 Milvus 实现。
// 句柄由构造方注入，连接断掉时通过 redial 回调重建一次再重试，
// 仍失败才把错误抛给调用方。
type MilvusStore struct {
	mu          sync.Mutex
	cli         mclient.Client
	redial      func(ctx context.Context) (mclient.Client, error)
	collection  string
	vectorField string
	metricType  entity.MetricType
	vectorDim   int
	searchParam entity.SearchParam
}

func NewMilvusStore(cli mclient.Client, collection string, vectorDim int, metricType entity.MetricType, redial func(ctx context.Context) (mclient.Client, error)) (*MilvusStore, error) {
	if cli == nil && redial == nil {
		return nil, errors.New("milvus client is nil")
	}
	if strings.TrimSpace(collection) == "" {
		return nil, errors.New("collection is empty")
	}
	if vectorDim <= 0 {
		return nil, fmt.Errorf("invalid vectorDim: %d", vectorDim)
	}
	sp, err := entity.NewIndexAUTOINDEXSearchParam(1)
	if err != nil {
		return nil, err
	}
	return &MilvusStore{
		cli:         cli,
		redial:      redial,
		collection:  collection,
		vectorField: "vector",
		metricType:  metricType,
		vectorDim:   vectorDim,
		searchParam: sp,
	}, nil
}

func (s *MilvusStore) client(ctx context.Context) (mclient.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cli != nil {
		return s.cli, nil
	}
	if s.redial == nil {
		return nil, errors.New("milvus client is nil")
	}
	cli, err := s.redial(ctx)
	if err != nil {
		return nil, err
	}
	s.cli = cli
	return cli, nil
}

func (s *MilvusStore) dropClient() {
	s.mu.Lock()
	if s.cli != nil {
		_ = s.cli.Close()
		s.cli = nil
	}
	s.mu.Unlock()
}

func (s *MilvusStore) Search(ctx context.Context, vector []float32, topK int, language string) ([]repository.DepartmentHit, error) {
	hits, err := s.searchOnce(ctx, vector, topK, language)
	if err == nil || s.redial == nil {
		return hits, err
	}
	// 连接级失败重建一次句柄再试
	zlog.Warn("milvus search failed, redialing", zap.Error(err))
	s.dropClient()
	return s.searchOnce(ctx, vector, topK, language)
}

func (s *MilvusStore) searchOnce(ctx context.Context, vector []float32, topK int, language string) ([]repository.DepartmentHit, error) {
	if len(vector) != s.vectorDim {
		return nil, fmt.Errorf("vector dim mismatch, got=%d want=%d", len(vector), s.vectorDim)
	}
	if topK <= 0 {
		topK = 3
	}
	cli, err := s.client(ctx)
	if err != nil {
		return nil, err
	}

	expr := ""
	if lang := strings.TrimSpace(language); lang != "" {
		expr = fmt.Sprintf(`language == "%s"`, lang)
	}

	res, err := cli.Search(
		ctx,
		s.collection,
		[]string{},
		expr,
		[]string{"department_id", "language", "name", "content", "is_correction"},
		[]entity.Vector{entity.FloatVector(vector)},
		s.vectorField,
		s.metricType,
		topK,
		s.searchParam,
	)
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return []repository.DepartmentHit{}, nil
	}
	return parseSearchResult(res[0])
}

func (s *MilvusStore) Upsert(ctx context.Context, points []repository.DepartmentPoint) ([]string, error) {
	if len(points) == 0 {
		return []string{}, nil
	}
	cli, err := s.client(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(points))
	vectors := make([][]float32, 0, len(points))
	deptIDs := make([]int64, 0, len(points))
	languages := make([]string, 0, len(points))
	names := make([]string, 0, len(points))
	contents := make([]string, 0, len(points))
	corrections := make([]bool, 0, len(points))

	for _, p := range points {
		if p.ID == "" {
			return nil, errors.New("upsert point missing ID")
		}
		if len(p.Vector) != s.vectorDim {
			return nil, fmt.Errorf("vector dim mismatch for id=%s, got=%d want=%d", p.ID, len(p.Vector), s.vectorDim)
		}
		ids = append(ids, p.ID)
		vectors = append(vectors, p.Vector)
		deptIDs = append(deptIDs, p.DepartmentId)
		languages = append(languages, p.Language)
		names = append(names, p.Name)
		contents = append(contents, p.Content)
		corrections = append(corrections, p.IsCorrection)
	}

	_, err = cli.Upsert(
		ctx,
		s.collection,
		"",
		entity.NewColumnVarChar("id", ids),
		entity.NewColumnFloatVector(s.vectorField, s.vectorDim, vectors),
		entity.NewColumnInt64("department_id", deptIDs),
		entity.NewColumnVarChar("language", languages),
		entity.NewColumnVarChar("name", names),
		entity.NewColumnVarChar("content", contents),
		entity.NewColumnBool("is_correction", corrections),
	)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *MilvusStore) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	cli, err := s.client(ctx)
	if err != nil {
		return err
	}
	expr := fmt.Sprintf(`id in ["%s"]`, strings.Join(ids, `","`))
	return cli.Delete(ctx, s.collection, "", expr)
}

func parseSearchResult(sr mclient.SearchResult) ([]repository.DepartmentHit, error) {
	if sr.Err != nil {
		return nil, sr.Err
	}
	hits := make([]repository.DepartmentHit, 0, sr.ResultCount)

	idCol := sr.IDs
	deptCol := columnByName(sr.Fields, "department_id")
	langCol := columnByName(sr.Fields, "language")
	nameCol := columnByName(sr.Fields, "name")
	contentCol := columnByName(sr.Fields, "content")
	corrCol := columnByName(sr.Fields, "is_correction")

	for i := 0; i < sr.ResultCount; i++ {
		id, _ := idCol.GetAsString(i)
		score := float32(0)
		if i < len(sr.Scores) {
			score = sr.Scores[i]
		}

		h := repository.DepartmentHit{ID: id, Score: score}
		if deptCol != nil {
			v, _ := deptCol.GetAsInt64(i)
			h.DepartmentId = v
		}
		if langCol != nil {
			v, _ := langCol.GetAsString(i)
			h.Language = v
		}
		if nameCol != nil {
			v, _ := nameCol.GetAsString(i)
			h.Name = v
		}
		if contentCol != nil {
			v, _ := contentCol.GetAsString(i)
			h.Content = v
		}
		if corrCol != nil {
			if v, err := corrCol.Get(i); err == nil {
				if b, ok := v.(bool); ok {
					h.IsCorrection = b
				}
			}
		}
		hits = append(hits, h)
	}

	return hits, nil
}

func columnByName(cols mclient.ResultSet, name string) entity.Column {
	for _, c := range cols {
		if c != nil && c.Name() == name {
			return c
		}
	}
	return nil
}

// RedialFunc 构造一个带退避的拨号回调
func RedialFunc(address string, username string, password string, dbName string) func(ctx context.Context) (mclient.Client, error) {
	return func(ctx context.Context) (mclient.Client, error) {
		var lastErr error
		for attempt := 0; attempt < 3; attempt++ {
			cli, err := mclient.NewClient(ctx, mclient.Config{
				Address:  address,
				Username: username,
				Password: password,
				DBName:   dbName,
			})
			if err == nil {
				return cli, nil
			}
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
		}
		return nil, lastErr
	}
}

var _ repository.VectorStore = (*MilvusStore)(nil)
