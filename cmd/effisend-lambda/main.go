package main

import (
	"context"
	"log"
	"os"

	"EffiSend-Agent/internal/api"
	"EffiSend-Agent/internal/app"
	"EffiSend-Agent/internal/config"
	"EffiSend-Agent/pkg/logger"

	"github.com/aws/aws-lambda-go/lambda"
)

// main 在 AWS Lambda 上以 API Gateway HTTP API 的形式提供同一套路由。
// 奖励登记只入队，由 effisendd 消费 Redis 或 RabbitMQ 队列。
func main() {
	ctx := context.Background()

	cfg, err := config.Load(os.Getenv("EFFISEND_CONFIG"))
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := logger.Init(logger.Config{Level: cfg.Logging.Level, Format: "json"}); err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	if cfg.Rewards.Enabled && cfg.Rewards.Queue == "memory" {
		logger.Named("lambda").Warn("Lambda 环境下内存队列中的奖励登记任务不会被消费")
	}

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("装配组件失败: %v", err)
	}
	defer a.Close()

	lambda.Start(api.LambdaHandler(a.Server.Handler()))
}
