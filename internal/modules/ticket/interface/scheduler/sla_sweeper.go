package scheduler

import (
	"CivicLink/internal/modules/ticket/application/service"
	"CivicLink/pkg/zlog"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const sweepBatchSize = 200

// SlaSweeper 服务时限清扫器。按 Cron 表达式周期性给超时工单打标。
// 读路径也会实时计算超时状态，清扫只负责持久化标记并提醒，
// 是否上报由工作人员决定。
type SlaSweeper struct {
	cron      *cron.Cron
	actionSvc service.ActionService
	spec      string
}

func NewSlaSweeper(actionSvc service.ActionService, spec string) *SlaSweeper {
	if spec == "" {
		// 默认每小时整点
		spec = "0 * * * *"
	}
	return &SlaSweeper{
		// 使用标准5段Cron表达式（不含秒）
		cron:      cron.New(),
		actionSvc: actionSvc,
		spec:      spec,
	}
}

func (s *SlaSweeper) Start() error {
	_, err := s.cron.AddFunc(s.spec, s.sweep)
	if err != nil {
		return err
	}
	s.cron.Start()
	zlog.Info("SLA sweeper started", zap.String("spec", s.spec))
	return nil
}

func (s *SlaSweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *SlaSweeper) sweep() {
	flagged, err := s.actionSvc.SweepSlaBreaches(sweepBatchSize)
	if err != nil {
		zlog.Error("sla sweep failed", zap.Error(err))
		return
	}
	if flagged > 0 {
		zlog.Info("sla sweep flagged tickets", zap.Int("count", flagged))
	}
}
