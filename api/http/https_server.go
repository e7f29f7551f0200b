package http

import (
	"context"
	"fmt"

	"CivicLink/internal/config"
	"CivicLink/internal/initial"
	jwtMiddleware "CivicLink/internal/middleware/jwt"
	aiService "CivicLink/internal/modules/ai/application/service"
	"CivicLink/internal/modules/ai/infrastructure/embedding"
	"CivicLink/internal/modules/ai/infrastructure/llm"
	"CivicLink/internal/modules/ai/infrastructure/mq/kafka"
	aiPersistence "CivicLink/internal/modules/ai/infrastructure/persistence"
	"CivicLink/internal/modules/ai/infrastructure/pipeline"
	"CivicLink/internal/modules/ai/infrastructure/queue"
	"CivicLink/internal/modules/ai/infrastructure/vectordb"
	"CivicLink/internal/modules/ai/infrastructure/webhook"
	aiHandler "CivicLink/internal/modules/ai/interface/http"
	notifyService "CivicLink/internal/modules/notify/application/service"
	"CivicLink/internal/modules/notify/infrastructure/telegram"
	realtimeService "CivicLink/internal/modules/realtime/application/service"
	realtimeHandler "CivicLink/internal/modules/realtime/interface/http"
	ticketService "CivicLink/internal/modules/ticket/application/service"
	ticketPersistence "CivicLink/internal/modules/ticket/infrastructure/persistence"
	ticketHandler "CivicLink/internal/modules/ticket/interface/http"
	"CivicLink/internal/modules/ticket/interface/scheduler"
	"CivicLink/pkg/ssl"
	"CivicLink/pkg/ws"
	"CivicLink/pkg/zlog"

	cors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	milvusEntity "github.com/milvus-io/milvus-sdk-go/v2/entity"
)

var GE *gin.Engine

// 后台组件由 main 启动
var (
	Relay   *queue.OutboxRelay
	Worker  *queue.ClassifyConsumerWorker
	Sweeper *scheduler.SlaSweeper
)

func init() {
	conf := config.GetConfig()

	GE = gin.Default()
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"*"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization",
		"X-Webhook-Secret", "X-Idempotency-Key"}
	GE.Use(cors.New(corsConfig))
	GE.Use(ssl.TlsHandler(conf.MainConfig.Host, conf.MainConfig.Port))

	wsHub := ws.NewHub()
	broadcaster := realtimeService.NewBroadcaster(wsHub)

	// 仓储
	sessionRepo := ticketPersistence.NewSessionRepository(initial.GormDB)
	messageRepo := ticketPersistence.NewMessageRepository(initial.GormDB)
	deptRepo := ticketPersistence.NewDepartmentRepository(initial.GormDB)
	staffRepo := ticketPersistence.NewStaffRepository(initial.GormDB)
	analysisRepo := ticketPersistence.NewAnalysisRepository(initial.GormDB)
	injectionRepo := ticketPersistence.NewInjectionLogRepository(initial.GormDB)
	eventRepo := aiPersistence.NewClassifyEventRepository(initial.GormDB)

	// 向量库与模型
	ctx := context.Background()
	milvusConf := conf.MilvusConfig
	vectorStore, err := vectordb.NewMilvusStore(
		initial.MilvusClient,
		milvusConf.CollectionName,
		milvusConf.VectorDim,
		milvusEntity.MetricType(milvusConf.MetricType),
		vectordb.RedialFunc(milvusConf.Address, milvusConf.Username, milvusConf.Password, milvusConf.DBName),
	)
	if err != nil {
		zlog.Fatal("向量库初始化失败: " + err.Error())
	}

	embedder, embMeta, err := embedding.NewEmbedderFromConfig(ctx, conf)
	if err != nil {
		zlog.Fatal("嵌入模型初始化失败: " + err.Error())
	}
	zlog.Info(fmt.Sprintf("嵌入模型就绪: provider=%s model=%s dim=%d", embMeta.Provider, embMeta.Model, embMeta.Dim))

	chatModel, llmMeta, err := llm.NewChatModelFromConfig(ctx, conf)
	if err != nil {
		// 没有对话模型时走相似度兜底，不阻塞启动
		zlog.Warn("对话模型不可用，回退相似度判定: " + err.Error())
		chatModel = nil
	} else {
		zlog.Info(fmt.Sprintf("对话模型就绪: provider=%s model=%s", llmMeta.Provider, llmMeta.Model))
	}

	hookClient := webhook.NewClient(
		conf.WebhookConfig.BackendURL,
		conf.WebhookConfig.Secret,
		conf.WebhookConfig.TimeoutSeconds,
		conf.WebhookConfig.RetryTimes,
	)

	classifyPipeline, err := pipeline.NewClassifyPipeline(embedder, vectorStore, chatModel, hookClient, milvusConf.VectorDim)
	if err != nil {
		zlog.Fatal("分类流水线构建失败: " + err.Error())
	}
	trainPipeline, err := pipeline.NewTrainPipeline(embedder, vectorStore, milvusConf.VectorDim)
	if err != nil {
		zlog.Fatal("训练流水线构建失败: " + err.Error())
	}

	// Kafka
	kafkaConf := conf.KafkaConfig
	publisher, err := kafka.NewSaramaPublisher(kafka.PublisherConfig{
		Brokers:  kafkaConf.Brokers,
		ClientID: kafkaConf.ClientID,
	})
	if err != nil {
		zlog.Fatal("Kafka生产者初始化失败: " + err.Error())
	}
	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:  kafkaConf.Brokers,
		GroupID:  kafkaConf.ConsumerGroupID,
		Topics:   []string{kafkaConf.ClassifyTopic},
		ClientID: kafkaConf.ClientID,
	})
	if err != nil {
		zlog.Fatal("Kafka消费者初始化失败: " + err.Error())
	}

	Relay = queue.NewOutboxRelay(eventRepo, publisher, kafkaConf.ClassifyTopic, 0, 0)
	Worker = queue.NewClassifyConsumerWorker(consumer, eventRepo, classifyPipeline)

	// 通知
	tgClient := telegram.NewClient(conf.TelegramConfig.BotToken, conf.TelegramConfig.APIBaseURL)
	notifier := notifyService.NewNotifyService(tgClient, conf.TelegramConfig.Enabled)

	// 应用服务
	actionSvc := ticketService.NewActionService(
		sessionRepo, staffRepo, broadcaster, notifier,
		conf.SlaConfig.ThresholdDays, conf.SlaConfig.HoldExtensionDays,
	)
	messageSvc := ticketService.NewMessageService(sessionRepo, messageRepo, staffRepo, broadcaster, notifier)
	routingSvc := ticketService.NewRoutingService(sessionRepo, deptRepo, analysisRepo, injectionRepo, broadcaster, hookClient)
	classifySvc := aiService.NewClassifyService(eventRepo, deptRepo, analysisRepo, routingSvc, trainPipeline)

	Sweeper = scheduler.NewSlaSweeper(actionSvc, conf.SlaConfig.SweepCron)

	// 接口层
	classifyH := aiHandler.NewClassifyHandler(classifySvc)
	ticketH := ticketHandler.NewTicketHandler(actionSvc, messageSvc)
	messageH := ticketHandler.NewMessageHandler(messageSvc, staffRepo)
	webhookH := ticketHandler.NewWebhookHandler(routingSvc, conf.WebhookConfig.Secret, conf.WebhookConfig.AllowedIPs)
	wsH := realtimeHandler.NewWSHandler(wsHub, staffRepo)

	// 分类侧入口
	GE.POST("/api/v1/classify", classifyH.Classify)
	GE.POST("/api/v1/train-correction", classifyH.TrainCorrection)

	// 路由回调（密钥或回环鉴权，不走 JWT）
	hooks := GE.Group("/api/internal")
	hooks.Use(webhookH.Auth())
	hooks.POST("/routing-result/", webhookH.RoutingResult)
	hooks.POST("/route/", webhookH.Route)
	hooks.POST("/injection-alert/", webhookH.InjectionAlert)

	authed := GE.Group("/")
	authed.Use(jwtMiddleware.Auth())
	authed.GET("/wss", wsH.Serve)
	authed.POST("/api/tickets/:session_uuid/assign/", ticketH.Assign)
	authed.POST("/api/tickets/:session_uuid/hold/", ticketH.Hold)
	authed.POST("/api/tickets/:session_uuid/escalate/", ticketH.Escalate)
	authed.POST("/api/tickets/:session_uuid/close/", ticketH.Close)
	authed.PATCH("/api/tickets/:session_uuid/description/", ticketH.UpdateDescription)
	authed.POST("/api/chat/:session_uuid/send/", messageH.Send)
	authed.GET("/api/chat/:session_uuid/history/", messageH.History)
}
