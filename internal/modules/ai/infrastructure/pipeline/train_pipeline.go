package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"CivicLink/internal/modules/ai/domain/repository"
	"CivicLink/pkg/util"
	"CivicLink/pkg/zlog"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/compose"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// correctionNamespace 纠偏点位的 UUID 命名空间。
// 同一条 (部门, 文本) 纠偏永远落到同一个点位，重复训练是覆盖不是累加。
var correctionNamespace = uuid.MustParse("d87b3c2a-9e5f-4b1d-8c6a-2f3e4d5c6b7a")

// TrainRequest 人工纠偏请求
type TrainRequest struct {
	DepartmentId   int64
	DepartmentName string
	Text           string
	Language       string
}

// TrainResult 纠偏写入结果
type TrainResult struct {
	PointID    string
	Language   string
	DurationMs int64
}

type trainState struct {
	Req       *TrainRequest
	Vector    []float32
	Start     time.Time
	Err       error
	Transient error
}

// TrainPipeline 人工纠偏 Pipeline：把纠偏样本向量化后写入部门知识库，
// 点位标记 is_correction，后续检索会把它和原始物料一起召回。
type TrainPipeline struct {
	embedder  embedding.Embedder
	vs        repository.VectorStore
	vectorDim int
	r         compose.Runnable[*TrainRequest, *TrainResult]
}

func NewTrainPipeline(embedder embedding.Embedder, vs repository.VectorStore, vectorDim int) (*TrainPipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is nil")
	}
	if vs == nil {
		return nil, fmt.Errorf("vector store is nil")
	}
	if vectorDim <= 0 {
		return nil, fmt.Errorf("invalid vectorDim: %d", vectorDim)
	}
	p := &TrainPipeline{embedder: embedder, vs: vs, vectorDim: vectorDim}
	r, err := p.buildGraph(context.Background())
	if err != nil {
		return nil, err
	}
	p.r = r
	return p, nil
}

func (p *TrainPipeline) Train(ctx context.Context, req *TrainRequest) (*TrainResult, error) {
	if req == nil {
		return nil, fmt.Errorf("train request is nil")
	}
	return p.r.Invoke(ctx, req)
}

func (p *TrainPipeline) buildGraph(ctx context.Context) (compose.Runnable[*TrainRequest, *TrainResult], error) {
	const (
		Validate = "Validate"
		Embed    = "Embed"
		Upsert   = "Upsert"
	)
	g := compose.NewGraph[*TrainRequest, *TrainResult]()
	_ = g.AddLambdaNode(Validate, compose.InvokableLambdaWithOption(p.validateNode), compose.WithNodeName(Validate))
	_ = g.AddLambdaNode(Embed, compose.InvokableLambdaWithOption(p.embedNode), compose.WithNodeName(Embed))
	_ = g.AddLambdaNode(Upsert, compose.InvokableLambdaWithOption(p.upsertNode), compose.WithNodeName(Upsert))
	_ = g.AddEdge(compose.START, Validate)
	_ = g.AddEdge(Validate, Embed)
	_ = g.AddEdge(Embed, Upsert)
	_ = g.AddEdge(Upsert, compose.END)
	return g.Compile(ctx, compose.WithGraphName("CorrectionTrainPipeline"), compose.WithNodeTriggerMode(compose.AllPredecessor))
}

func (p *TrainPipeline) validateNode(ctx context.Context, req *TrainRequest, _ ...any) (*trainState, error) {
	_ = ctx
	st := &trainState{Req: req, Start: time.Now()}
	if req == nil {
		st.Err = fmt.Errorf("train request is nil")
		return st, nil
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		st.Err = fmt.Errorf("missing text")
		return st, nil
	}
	if req.DepartmentId <= 0 {
		st.Err = fmt.Errorf("missing department_id")
		return st, nil
	}
	if strings.TrimSpace(req.Language) == "" {
		req.Language = detectLanguage(req.Text)
	}
	return st, nil
}

func (p *TrainPipeline) embedNode(ctx context.Context, st *trainState, _ ...any) (*trainState, error) {
	if st == nil {
		return &trainState{Err: fmt.Errorf("nil state"), Start: time.Now()}, nil
	}
	if st.Err != nil {
		return st, nil
	}
	vecs, err := p.embedder.EmbedStrings(ctx, []string{st.Req.Text})
	if err != nil {
		st.Transient = fmt.Errorf("embed failed: %w", err)
		return st, nil
	}
	if len(vecs) == 0 {
		st.Transient = fmt.Errorf("embedding result is empty")
		return st, nil
	}
	vec64 := vecs[0]
	if len(vec64) != p.vectorDim {
		st.Err = fmt.Errorf("embedding dim mismatch: got=%d want=%d", len(vec64), p.vectorDim)
		return st, nil
	}
	vec32 := make([]float32, len(vec64))
	for i := range vec64 {
		vec32[i] = float32(vec64[i])
	}
	st.Vector = vec32
	return st, nil
}

func (p *TrainPipeline) upsertNode(ctx context.Context, st *trainState, _ ...any) (*TrainResult, error) {
	if st == nil {
		return nil, fmt.Errorf("nil state")
	}
	if st.Err != nil {
		return nil, st.Err
	}
	if st.Transient != nil {
		return nil, &TransientError{Err: st.Transient}
	}

	pointID := util.DeterministicUUID(correctionNamespace,
		fmt.Sprintf("%d|%s", st.Req.DepartmentId, st.Req.Text))

	_, err := p.vs.Upsert(ctx, []repository.DepartmentPoint{{
		ID:           pointID,
		Vector:       st.Vector,
		DepartmentId: st.Req.DepartmentId,
		Language:     st.Req.Language,
		Name:         st.Req.DepartmentName,
		Content:      st.Req.Text,
		IsCorrection: true,
	}})
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("upsert correction failed: %w", err)}
	}

	res := &TrainResult{
		PointID:    pointID,
		Language:   st.Req.Language,
		DurationMs: time.Since(st.Start).Milliseconds(),
	}
	zlog.Info("correction trained",
		zap.String("point_id", res.PointID),
		zap.Int64("department_id", st.Req.DepartmentId),
		zap.String("language", res.Language),
		zap.Int64("duration_ms", res.DurationMs),
	)
	return res, nil
}
