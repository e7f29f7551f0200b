package pipeline

import (
	"context"
	"testing"
)

func TestTrain_DeterministicPointID(t *testing.T) {
	emb := &countingEmbedder{}
	vs := &fakeVectorStore{}

	p, err := NewTrainPipeline(emb, vs, testDim)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	req := &TrainRequest{DepartmentId: 3, DepartmentName: "Suv xo'jaligi", Text: "hovlida suv toshqini"}
	first, err := p.Train(context.Background(), req)
	if err != nil {
		t.Fatalf("first train: %v", err)
	}
	second, err := p.Train(context.Background(), &TrainRequest{
		DepartmentId: 3, DepartmentName: "Suv xo'jaligi", Text: "hovlida suv toshqini",
	})
	if err != nil {
		t.Fatalf("second train: %v", err)
	}

	// 同 (部门, 文本) 的纠偏永远覆盖同一个点位
	if first.PointID != second.PointID {
		t.Errorf("point ids differ: %q vs %q", first.PointID, second.PointID)
	}

	other, err := p.Train(context.Background(), &TrainRequest{
		DepartmentId: 5, DepartmentName: "Yo'l qurilishi", Text: "hovlida suv toshqini",
	})
	if err != nil {
		t.Fatalf("other train: %v", err)
	}
	if other.PointID == first.PointID {
		t.Error("different department should map to a different point")
	}

	if len(vs.upserted) != 3 {
		t.Fatalf("upserted points = %d, want 3", len(vs.upserted))
	}
	for _, pt := range vs.upserted {
		if !pt.IsCorrection {
			t.Errorf("point %q not flagged as correction", pt.ID)
		}
	}
}

func TestTrain_DetectsLanguageWhenMissing(t *testing.T) {
	emb := &countingEmbedder{}
	vs := &fakeVectorStore{}

	p, err := NewTrainPipeline(emb, vs, testDim)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	res, err := p.Train(context.Background(), &TrainRequest{
		DepartmentId: 3, DepartmentName: "Водоканал", Text: "во дворе потоп",
	})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if res.Language != "ru" {
		t.Errorf("language = %q, want ru", res.Language)
	}
}

func TestTrain_Validation(t *testing.T) {
	emb := &countingEmbedder{}
	vs := &fakeVectorStore{}

	p, err := NewTrainPipeline(emb, vs, testDim)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	if _, err := p.Train(context.Background(), &TrainRequest{DepartmentId: 3}); err == nil {
		t.Error("missing text should fail")
	}
	if _, err := p.Train(context.Background(), &TrainRequest{Text: "x"}); err == nil {
		t.Error("missing department should fail")
	}
}

func TestTrain_EmbedFailureIsTransient(t *testing.T) {
	emb := &countingEmbedder{fail: true}
	vs := &fakeVectorStore{}

	p, err := NewTrainPipeline(emb, vs, testDim)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	_, err = p.Train(context.Background(), &TrainRequest{DepartmentId: 3, Text: "suv"})
	if err == nil {
		t.Fatal("embed failure should surface")
	}
	if !IsTransient(err) {
		t.Errorf("err = %v, want transient", err)
	}
}
