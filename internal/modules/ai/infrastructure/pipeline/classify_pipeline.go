package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"CivicLink/internal/modules/ai/domain/repository"
	"CivicLink/internal/modules/ai/infrastructure/webhook"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
)

// 注入检测特征。命中任意一条即判定为注入攻击，
// 风险分固定 0.95，文本不再进入后续模型调用。
var injectionPatterns = []string{
	"ignore previous instructions",
	"system prompt",
	"delete all data",
}

const injectionRiskScore = 0.95

// noRouteReason 知识库无召回时的固定理由，回调方依赖这个文案做展示
const noRouteReason = "No relevant department found in knowledge base."

// ClassifyRequest 分类 Pipeline 的输入
type ClassifyRequest struct {
	SessionUuid string // 工单 uuid（必填）
	MessageUuid string // 触发分类的消息 uuid
	Text        string // 待分类文本（必填）
	SourceIP    string // 来源 ip，注入告警用
}

// Candidate 向量召回的候选部门
type Candidate struct {
	DepartmentId int64   `json:"department_id"`
	Name         string  `json:"name"`
	Content      string  `json:"content"`
	Score        float32 `json:"score"`
}

// ClassifyResult 分类 Pipeline 的输出
type ClassifyResult struct {
	SessionUuid       string
	MessageUuid       string
	Language          string
	InjectionDetected bool
	RiskScore         float64
	MatchedPattern    string
	DepartmentId      *int64
	Intent            string
	Confidence        float64
	Reason            string
	Candidates        []Candidate
	PromptTokens      int
	CompletionTokens  int
	Delivered         bool // 回调是否送达
	DurationMs        int64
	EmbeddingMs       int64
	SearchMs          int64
	RerankMs          int64
}

// TransientError 暂时性失败（网络、上游限流等），消费侧可安全重试。
// 参数校验这类结构性错误不会包成 TransientError。
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ClassifyPipeline 诉求分类 Pipeline（基于 Eino compose.Graph）
//
// 节点顺序：Validate → DetectLanguage → ScreenInjection → EmbedText →
// SearchDepartments → Rerank → Complete
//
// 只依赖 domain 接口和注入的组件，不碰任何全局句柄。
type ClassifyPipeline struct {
	embedder  embedding.Embedder
	vs        repository.VectorStore
	chatModel model.BaseChatModel
	hook      *webhook.Client
	vectorDim int
	topK      int
	r         compose.Runnable[*ClassifyRequest, *ClassifyResult]
}

func NewClassifyPipeline(
	embedder embedding.Embedder,
	vs repository.VectorStore,
	chatModel model.BaseChatModel,
	hook *webhook.Client,
	vectorDim int,
) (*ClassifyPipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is nil")
	}
	if vs == nil {
		return nil, fmt.Errorf("vector store is nil")
	}
	if hook == nil {
		return nil, fmt.Errorf("webhook client is nil")
	}
	if vectorDim <= 0 {
		return nil, fmt.Errorf("invalid vectorDim: %d", vectorDim)
	}
	p := &ClassifyPipeline{
		embedder:  embedder,
		vs:        vs,
		chatModel: chatModel,
		hook:      hook,
		vectorDim: vectorDim,
		topK:      3,
	}
	r, err := p.buildGraph(context.Background())
	if err != nil {
		return nil, err
	}
	p.r = r
	return p, nil
}

// Classify 执行分类（封装 Eino Runnable.Invoke）。
// 返回 TransientError 表示可重试，其余错误为结构性失败。
func (p *ClassifyPipeline) Classify(ctx context.Context, req *ClassifyRequest) (*ClassifyResult, error) {
	if req == nil {
		return nil, fmt.Errorf("classify request is nil")
	}
	if p.r == nil {
		return nil, fmt.Errorf("pipeline runnable is nil")
	}
	return p.r.Invoke(ctx, req)
}

// detectLanguage 按字符区间判定语言：含西里尔字母视为俄语，否则乌兹别克语
func detectLanguage(text string) string {
	for _, r := range text {
		if r >= 0x0400 && r <= 0x04FF {
			return "ru"
		}
	}
	return "uz"
}

// matchInjection 返回命中的注入特征，未命中返回空串
func matchInjection(text string) string {
	low := strings.ToLower(text)
	for _, p := range injectionPatterns {
		if strings.Contains(low, p) {
			return p
		}
	}
	return ""
}

// rerankDecision 重排模型要求返回的 JSON 结构
type rerankDecision struct {
	DepartmentId int64   `json:"department_id"`
	Intent       string  `json:"intent"`
	Confidence   float64 `json:"confidence"`
	Reason       string  `json:"reason"`
}

// parseRerankJSON 解析模型输出，容忍 markdown 代码块包裹
func parseRerankJSON(content string) (*rerankDecision, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	// 截取首个 JSON 对象，防止模型在前后加解释性文字
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("rerank output is not a JSON object")
	}
	var d rerankDecision
	if err := json.Unmarshal([]byte(s[start:end+1]), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func buildRerankPrompt(text string, language string, candidates []Candidate) string {
	var b strings.Builder
	b.WriteString("Citizen appeal (language: ")
	b.WriteString(language)
	b.WriteString("):\n")
	b.WriteString(text)
	b.WriteString("\n\nCandidate departments:\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "- id=%d name=%q score=%.3f\n  %s\n", c.DepartmentId, c.Name, c.Score, c.Content)
	}
	b.WriteString("\nPick the single best department from the candidates above.")
	return b.String()
}

const rerankSystemPrompt = `You are a routing assistant for a citizen appeal service.
Given a citizen appeal and a list of candidate departments, choose the one department
that should handle the appeal. Respond with a single JSON object and nothing else:
{"department_id": <int>, "intent": "<short label>", "confidence": <0..1>, "reason": "<one sentence>"}
The department_id must be one of the candidate ids.`
