package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	https_server "CivicLink/api/http"
	"CivicLink/internal/config"
	"CivicLink/internal/modules/ai/infrastructure/mq/kafka"
	"CivicLink/pkg/redis"
	"CivicLink/pkg/zlog"
)

func main() {
	// 1. 加载配置
	conf := config.GetConfig()
	host := conf.MainConfig.Host
	port := conf.MainConfig.Port

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 确保分类主题存在
	kafkaConf := conf.KafkaConfig
	err := kafka.EnsureTopic(
		kafka.TopicAdminConfig{Brokers: kafkaConf.Brokers, ClientID: kafkaConf.ClientID},
		kafkaConf.ClassifyTopic,
		int32(kafkaConf.Partitions),
		int16(kafkaConf.Replication),
	)
	if err != nil {
		zlog.Fatal("Kafka主题创建失败: " + err.Error())
	}

	// 3. 启动后台组件：outbox 中继、分类消费者、时限清扫
	go func() {
		if err := https_server.Relay.Run(ctx); err != nil && ctx.Err() == nil {
			zlog.Error("outbox中继退出: " + err.Error())
		}
	}()
	go func() {
		if err := https_server.Worker.Run(ctx); err != nil && ctx.Err() == nil {
			zlog.Error("分类消费者退出: " + err.Error())
		}
	}()
	if err := https_server.Sweeper.Start(); err != nil {
		zlog.Fatal("时限清扫启动失败: " + err.Error())
	}

	// 4. 启动 HTTP 服务
	go func() {
		addr := fmt.Sprintf("%s:%d", host, port)
		zlog.Info(fmt.Sprintf("服务器正在启动，监听地址: %s", addr))
		// 目前使用 HTTP 启动。如果需要 HTTPS，请配置证书并使用 GE.RunTLS
		if err := https_server.GE.Run(addr); err != nil {
			zlog.Fatal("服务器启动失败: " + err.Error())
		}
	}()

	// 5. 优雅关闭
	<-ctx.Done()

	zlog.Info("正在关闭服务器...")
	https_server.Sweeper.Stop()
	if err := redis.Close(); err != nil {
		zlog.Warn("Redis关闭失败: " + err.Error())
	}

	zlog.Info("服务器已关闭")
}
