package queue

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	aiEntity "CivicLink/internal/modules/ai/domain/entity"
	"CivicLink/internal/modules/ai/domain/repository"
	"CivicLink/internal/modules/ai/infrastructure/mq"
	"CivicLink/internal/modules/ai/infrastructure/pipeline"
	"CivicLink/internal/modules/ai/infrastructure/webhook"

	"github.com/cloudwego/eino/components/embedding"
)

type stubEmbedder struct {
	fail bool
}

func (e *stubEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	if e.fail {
		return nil, fmt.Errorf("embedding backend down")
	}
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{0.1, 0.2, 0.3, 0.4}
	}
	return out, nil
}

type stubVectorStore struct{}

func (s *stubVectorStore) Search(ctx context.Context, vector []float32, topK int, language string) ([]repository.DepartmentHit, error) {
	return nil, nil
}

func (s *stubVectorStore) Upsert(ctx context.Context, points []repository.DepartmentPoint) ([]string, error) {
	return nil, nil
}

func (s *stubVectorStore) DeleteByIDs(ctx context.Context, ids []string) error { return nil }

func newWorkerPipeline(t *testing.T, emb embedding.Embedder) *pipeline.ClassifyPipeline {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	p, err := pipeline.NewClassifyPipeline(emb, &stubVectorStore{}, nil, webhook.NewClient(srv.URL, "sec", 2, 1), 4)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func eventMessage(eventUuid string) mq.Message {
	return mq.Message{
		Topic: "classify",
		Value: []byte(`{"event_uuid":"` + eventUuid + `","session_uuid":"s1","message_uuid":"m1","text":"suv yo'q"}`),
	}
}

func TestHandle_SuccessMarksDone(t *testing.T) {
	repo, _ := openEventRepo(t)
	seedEvent(t, repo, &aiEntity.ClassifyEvent{
		EventUuid: "e1", SessionUuid: "s1", MessageUuid: "m1", Text: "suv yo'q",
		Status: aiEntity.ClassifyEventStatusPublished,
	})

	w := NewClassifyConsumerWorker(nil, repo, newWorkerPipeline(t, &stubEmbedder{}))
	if err := w.Handle(context.Background(), eventMessage("e1")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	ev, _ := repo.GetByUuid("e1")
	if ev.Status != aiEntity.ClassifyEventStatusDone {
		t.Errorf("status = %q, want done", ev.Status)
	}
}

func TestHandle_TransientFailureReschedules(t *testing.T) {
	repo, _ := openEventRepo(t)
	seedEvent(t, repo, &aiEntity.ClassifyEvent{
		EventUuid: "e1", SessionUuid: "s1", MessageUuid: "m1", Text: "suv yo'q",
		Status: aiEntity.ClassifyEventStatusPublished,
	})

	w := NewClassifyConsumerWorker(nil, repo, newWorkerPipeline(t, &stubEmbedder{fail: true}))
	if err := w.Handle(context.Background(), eventMessage("e1")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	ev, _ := repo.GetByUuid("e1")
	if ev.Status != aiEntity.ClassifyEventStatusPending {
		t.Errorf("status = %q, want pending for retry", ev.Status)
	}
	if ev.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", ev.Attempts)
	}
	if ev.NextRetryAt == nil {
		t.Error("next_retry_at should be set")
	}
}

func TestHandle_TransientFailureExhaustsAttempts(t *testing.T) {
	repo, _ := openEventRepo(t)
	seedEvent(t, repo, &aiEntity.ClassifyEvent{
		EventUuid: "e1", SessionUuid: "s1", MessageUuid: "m1", Text: "suv yo'q",
		Status: aiEntity.ClassifyEventStatusPublished, Attempts: 2,
	})

	w := NewClassifyConsumerWorker(nil, repo, newWorkerPipeline(t, &stubEmbedder{fail: true}))
	if err := w.Handle(context.Background(), eventMessage("e1")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	ev, _ := repo.GetByUuid("e1")
	if ev.Status != aiEntity.ClassifyEventStatusFailed {
		t.Errorf("status = %q, want failed after exhausting retries", ev.Status)
	}
	if ev.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", ev.Attempts)
	}
	if ev.NextRetryAt != nil {
		t.Error("terminal failure should not schedule another retry")
	}
}

func TestHandle_SkipsTerminalAndMalformed(t *testing.T) {
	repo, _ := openEventRepo(t)
	seedEvent(t, repo, &aiEntity.ClassifyEvent{
		EventUuid: "done-1", SessionUuid: "s1", MessageUuid: "m1", Text: "x",
		Status: aiEntity.ClassifyEventStatusDone,
	})

	// pipeline 不该被触达，留空以便误触时直接崩出来
	w := NewClassifyConsumerWorker(nil, repo, nil)

	if err := w.Handle(context.Background(), eventMessage("done-1")); err != nil {
		t.Errorf("done event should be skipped: %v", err)
	}
	if err := w.Handle(context.Background(), mq.Message{Value: []byte("not json")}); err != nil {
		t.Errorf("malformed payload should be dropped: %v", err)
	}
	if err := w.Handle(context.Background(), mq.Message{Value: []byte(`{"session_uuid":"s1"}`)}); err != nil {
		t.Errorf("payload without event_uuid should be dropped: %v", err)
	}

	// 库里查不到的事件要返回错误，让消费组稍后重试
	if err := w.Handle(context.Background(), eventMessage("missing")); err == nil {
		t.Error("unknown event should surface an error")
	}
}

func TestRetryDelay(t *testing.T) {
	if got := retryDelay(1); got != 10*time.Second {
		t.Errorf("retryDelay(1) = %v, want 10s", got)
	}
	if got := retryDelay(2); got != 20*time.Second {
		t.Errorf("retryDelay(2) = %v, want 20s", got)
	}
	if got := retryDelay(0); got != 10*time.Second {
		t.Errorf("retryDelay(0) = %v, want 10s", got)
	}
}

func TestScrubErrMsg(t *testing.T) {
	if got := scrubErrMsg("invalid api_key provided"); got != "redacted" {
		t.Errorf("api_key leak: %q", got)
	}
	if got := scrubErrMsg("bad SECRET value"); got != "redacted" {
		t.Errorf("secret leak: %q", got)
	}
	if got := scrubErrMsg("token sk-abc123 rejected"); got != "redacted" {
		t.Errorf("sk- leak: %q", got)
	}
	if got := scrubErrMsg("connection refused"); got != "connection refused" {
		t.Errorf("plain error mangled: %q", got)
	}
	long := strings.Repeat("x", 300)
	if got := scrubErrMsg(long); len(got) != 255 {
		t.Errorf("long error not truncated: len=%d", len(got))
	}
}
