package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"CivicLink/internal/modules/ai/infrastructure/webhook"
	"CivicLink/pkg/zlog"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
)

// classifyState 分类 Pipeline 的中间状态（在节点间传递）
type classifyState struct {
	Req         *ClassifyRequest
	Language    string
	Pattern     string // 命中的注入特征
	QueryVec    []float32
	Candidates  []Candidate
	Decision    *rerankDecision
	Reason      string
	Start       time.Time
	EmbeddingMs int64
	SearchMs    int64
	RerankMs    int64

	// 重排调用的 token 用量，模型未返回用量时保持 0
	PromptTokens     int
	CompletionTokens int
	Err         error // 结构性错误
	Transient   error // 暂时性错误，最终以 TransientError 抛出
}

func (st *classifyState) aborted() bool {
	return st.Err != nil || st.Transient != nil || st.Pattern != ""
}

// buildGraph 构建分类 Pipeline 的 Eino Graph
//
// 节点顺序：Validate → DetectLanguage → ScreenInjection → EmbedText →
// SearchDepartments → Rerank → Complete
func (p *ClassifyPipeline) buildGraph(ctx context.Context) (compose.Runnable[*ClassifyRequest, *ClassifyResult], error) {
	const (
		Validate          = "Validate"
		DetectLanguage    = "DetectLanguage"
		ScreenInjection   = "ScreenInjection"
		EmbedText         = "EmbedText"
		SearchDepartments = "SearchDepartments"
		Rerank            = "Rerank"
		Complete          = "Complete"
	)
	g := compose.NewGraph[*ClassifyRequest, *ClassifyResult]()
	_ = g.AddLambdaNode(Validate, compose.InvokableLambdaWithOption(p.validateNode), compose.WithNodeName(Validate))
	_ = g.AddLambdaNode(DetectLanguage, compose.InvokableLambdaWithOption(p.detectLanguageNode), compose.WithNodeName(DetectLanguage))
	_ = g.AddLambdaNode(ScreenInjection, compose.InvokableLambdaWithOption(p.screenInjectionNode), compose.WithNodeName(ScreenInjection))
	_ = g.AddLambdaNode(EmbedText, compose.InvokableLambdaWithOption(p.embedTextNode), compose.WithNodeName(EmbedText))
	_ = g.AddLambdaNode(SearchDepartments, compose.InvokableLambdaWithOption(p.searchDepartmentsNode), compose.WithNodeName(SearchDepartments))
	_ = g.AddLambdaNode(Rerank, compose.InvokableLambdaWithOption(p.rerankNode), compose.WithNodeName(Rerank))
	_ = g.AddLambdaNode(Complete, compose.InvokableLambdaWithOption(p.completeNode), compose.WithNodeName(Complete))

	_ = g.AddEdge(compose.START, Validate)
	_ = g.AddEdge(Validate, DetectLanguage)
	_ = g.AddEdge(DetectLanguage, ScreenInjection)
	_ = g.AddEdge(ScreenInjection, EmbedText)
	_ = g.AddEdge(EmbedText, SearchDepartments)
	_ = g.AddEdge(SearchDepartments, Rerank)
	_ = g.AddEdge(Rerank, Complete)
	_ = g.AddEdge(Complete, compose.END)

	return g.Compile(ctx, compose.WithGraphName("AppealClassifyPipeline"), compose.WithNodeTriggerMode(compose.AllPredecessor))
}

// validateNode 节点 1：校验请求
func (p *ClassifyPipeline) validateNode(ctx context.Context, req *ClassifyRequest, _ ...any) (*classifyState, error) {
	_ = ctx
	st := &classifyState{Req: req, Start: time.Now()}
	if req == nil {
		st.Err = fmt.Errorf("classify request is nil")
		return st, nil
	}
	req.SessionUuid = strings.TrimSpace(req.SessionUuid)
	req.Text = strings.TrimSpace(req.Text)
	if req.SessionUuid == "" {
		st.Err = fmt.Errorf("missing session_uuid")
		return st, nil
	}
	if req.Text == "" {
		st.Err = fmt.Errorf("missing text")
		return st, nil
	}
	return st, nil
}

// detectLanguageNode 节点 2：语言判定
func (p *ClassifyPipeline) detectLanguageNode(ctx context.Context, st *classifyState, _ ...any) (*classifyState, error) {
	_ = ctx
	if st == nil {
		return &classifyState{Err: fmt.Errorf("nil state"), Start: time.Now()}, nil
	}
	if st.Err != nil {
		return st, nil
	}
	st.Language = detectLanguage(st.Req.Text)
	return st, nil
}

// screenInjectionNode 节点 3：注入筛查。命中后不再走向量化和模型
func (p *ClassifyPipeline) screenInjectionNode(ctx context.Context, st *classifyState, _ ...any) (*classifyState, error) {
	_ = ctx
	if st == nil {
		return &classifyState{Err: fmt.Errorf("nil state"), Start: time.Now()}, nil
	}
	if st.Err != nil {
		return st, nil
	}
	st.Pattern = matchInjection(st.Req.Text)
	return st, nil
}

// embedTextNode 节点 4：向量化
func (p *ClassifyPipeline) embedTextNode(ctx context.Context, st *classifyState, _ ...any) (*classifyState, error) {
	if st == nil {
		return &classifyState{Err: fmt.Errorf("nil state"), Start: time.Now()}, nil
	}
	if st.aborted() {
		return st, nil
	}
	embStart := time.Now()
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
	st.QueryVec = vec32
	st.EmbeddingMs = time.Since(embStart).Milliseconds()
	return st, nil
}

// searchDepartmentsNode 节点 5：按语言过滤检索候选部门
func (p *ClassifyPipeline) searchDepartmentsNode(ctx context.Context, st *classifyState, _ ...any) (*classifyState, error) {
	if st == nil {
		return &classifyState{Err: fmt.Errorf("nil state"), Start: time.Now()}, nil
	}
	if st.aborted() {
		return st, nil
	}
	searchStart := time.Now()
	hits, err := p.vs.Search(ctx, st.QueryVec, p.topK, st.Language)
	if err != nil {
		st.Transient = fmt.Errorf("vector search failed: %w", err)
		return st, nil
	}
	candidates := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		candidates = append(candidates, Candidate{
			DepartmentId: h.DepartmentId,
			Name:         h.Name,
			Content:      h.Content,
			Score:        h.Score,
		})
	}
	st.Candidates = candidates
	st.SearchMs = time.Since(searchStart).Milliseconds()
	return st, nil
}

// rerankNode 节点 6：模型重排。无候选时跳过模型直接给兜底理由
func (p *ClassifyPipeline) rerankNode(ctx context.Context, st *classifyState, _ ...any) (*classifyState, error) {
	if st == nil {
		return &classifyState{Err: fmt.Errorf("nil state"), Start: time.Now()}, nil
	}
	if st.aborted() {
		return st, nil
	}
	if len(st.Candidates) == 0 {
		st.Reason = noRouteReason
		return st, nil
	}
	if p.chatModel == nil {
		// 未配置模型时退化为取相似度最高的候选
		best := st.Candidates[0]
		st.Decision = &rerankDecision{
			DepartmentId: best.DepartmentId,
			Intent:       "similarity_top1",
			Confidence:   float64(best.Score),
			Reason:       "chat model disabled, picked highest similarity candidate",
		}
		return st, nil
	}

	rerankStart := time.Now()
	messages := []*schema.Message{
		{Role: schema.System, Content: rerankSystemPrompt},
		{Role: schema.User, Content: buildRerankPrompt(st.Req.Text, st.Language, st.Candidates)},
	}
	out, err := p.chatModel.Generate(ctx, messages)
	if err != nil {
		st.Transient = fmt.Errorf("rerank generate failed: %w", err)
		return st, nil
	}
	st.RerankMs = time.Since(rerankStart).Milliseconds()
	if out.ResponseMeta != nil && out.ResponseMeta.Usage != nil {
		st.PromptTokens = out.ResponseMeta.Usage.PromptTokens
		st.CompletionTokens = out.ResponseMeta.Usage.CompletionTokens
	}
	decision, err := parseRerankJSON(out.Content)
	if err != nil {
		st.Reason = fmt.Sprintf("rerank output unparsable: %v", err)
		return st, nil
	}
	// 部门必须在候选集内，越权输出一律按无路由处理
	inSet := false
	for _, c := range st.Candidates {
		if c.DepartmentId == decision.DepartmentId {
			inSet = true
			break
		}
	}
	if !inSet {
		st.Reason = fmt.Sprintf("rerank picked department %d outside candidate set", decision.DepartmentId)
		return st, nil
	}
	st.Decision = decision
	return st, nil
}

// completeNode 节点 7：组装结果并回调。
// 注入命中走告警回调；正常完成无论是否命中部门都发分类结果回调。
func (p *ClassifyPipeline) completeNode(ctx context.Context, st *classifyState, _ ...any) (*ClassifyResult, error) {
	if st == nil {
		return nil, fmt.Errorf("nil state")
	}
	if st.Err != nil {
		return nil, st.Err
	}
	if st.Transient != nil {
		return nil, &TransientError{Err: st.Transient}
	}

	res := &ClassifyResult{
		SessionUuid:      st.Req.SessionUuid,
		MessageUuid:      st.Req.MessageUuid,
		Language:         st.Language,
		Candidates:       st.Candidates,
		Reason:           st.Reason,
		PromptTokens:     st.PromptTokens,
		CompletionTokens: st.CompletionTokens,
		EmbeddingMs:      st.EmbeddingMs,
		SearchMs:         st.SearchMs,
		RerankMs:         st.RerankMs,
		DurationMs:       time.Since(st.Start).Milliseconds(),
	}

	if st.Pattern != "" {
		res.InjectionDetected = true
		res.RiskScore = injectionRiskScore
		res.MatchedPattern = st.Pattern
		err := p.hook.PostInjectionAlert(ctx, st.Req.MessageUuid, webhook.InjectionAlertPayload{
			SessionUuid:    st.Req.SessionUuid,
			MessageUuid:    st.Req.MessageUuid,
			Text:           st.Req.Text,
			RiskScore:      injectionRiskScore,
			MatchedPattern: st.Pattern,
			SourceIP:       st.Req.SourceIP,
		})
		res.Delivered = err == nil
		if err != nil {
			zlog.Warn("injection alert delivery failed",
				zap.String("session_uuid", st.Req.SessionUuid),
				zap.Error(err),
			)
		}
		return res, nil
	}

	if st.Decision != nil {
		deptID := st.Decision.DepartmentId
		res.DepartmentId = &deptID
		res.Intent = st.Decision.Intent
		res.Confidence = st.Decision.Confidence
		res.Reason = st.Decision.Reason
	}

	// 候选列表序列化失败不该发生，真失败时回调照发，审计里少这一列
	candidatesJSON, merr := json.Marshal(res.Candidates)
	if merr != nil {
		zlog.Warn("marshal candidates failed", zap.String("session_uuid", st.Req.SessionUuid), zap.Error(merr))
		candidatesJSON = nil
	}
	err := p.hook.PostRoutingResult(ctx, st.Req.MessageUuid, webhook.RoutingResultPayload{
		SessionUuid:      st.Req.SessionUuid,
		MessageUuid:      st.Req.MessageUuid,
		DepartmentId:     res.DepartmentId,
		Intent:           res.Intent,
		Confidence:       res.Confidence,
		Reason:           res.Reason,
		Language:         res.Language,
		Candidates:       candidatesJSON,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		EmbeddingMs:      res.EmbeddingMs,
		SearchMs:         res.SearchMs,
		RerankMs:         res.RerankMs,
		ProcessingTimeMs: res.DurationMs,
	})
	res.Delivered = err == nil
	if err != nil {
		zlog.Warn("routing result delivery failed",
			zap.String("session_uuid", st.Req.SessionUuid),
			zap.Error(err),
		)
	}

	zlog.Info("appeal classify done",
		zap.String("session_uuid", res.SessionUuid),
		zap.String("message_uuid", res.MessageUuid),
		zap.String("language", res.Language),
		zap.Int("candidates", len(res.Candidates)),
		zap.Bool("routed", res.DepartmentId != nil),
		zap.Bool("delivered", res.Delivered),
		zap.Int64("embedding_ms", res.EmbeddingMs),
		zap.Int64("search_ms", res.SearchMs),
		zap.Int64("rerank_ms", res.RerankMs),
		zap.Int64("duration_ms", res.DurationMs),
	)
	return res, nil
}
