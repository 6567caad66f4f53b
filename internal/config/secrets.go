package config

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const (
	envRefPrefix = "env:"
	ssmRefPrefix = "ssm:"
)

// ParameterGetter 解析 ssm: 引用，internal/secrets.Client 满足该接口。
type ParameterGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// ResolveSecrets 将密钥字段中的 env:NAME 与 ssm:/path 引用替换为实际值。
// getter 为 nil 时遇到 ssm: 引用会返回错误。
func (c *Config) ResolveSecrets(ctx context.Context, getter ParameterGetter) error {
	fields := map[string]*string{
		"server.api_key":            &c.Server.APIKey,
		"storage.encryption_key":    &c.Storage.EncryptionKey,
		"storage.mysql.dsn":         &c.Storage.MySQL.DSN,
		"llm.api_key":               &c.LLM.APIKey,
		"settlement.api_key":        &c.Settlement.APIKey,
		"settlement.api_secret":     &c.Settlement.APISecret,
		"bridge.api_key":            &c.Bridge.APIKey,
		"rewards.operator_key":      &c.Rewards.OperatorKey,
		"lock.redis.password":       &c.Lock.Redis.Password,
		"rewards.redis.password":    &c.Rewards.Redis.Password,
		"rewards.rabbitmq.url":      &c.Rewards.RabbitMQ.URL,
		"checkpoint.redis.password": &c.Checkpoint.Redis.Password,
	}
	for key, field := range fields {
		value, err := resolveRef(ctx, strings.TrimSpace(*field), getter)
		if err != nil {
			return fmt.Errorf("解析密钥 %s 失败: %w", key, err)
		}
		*field = value
	}
	return nil
}

func resolveRef(ctx context.Context, ref string, getter ParameterGetter) (string, error) {
	switch {
	case strings.HasPrefix(ref, envRefPrefix):
		return os.Getenv(strings.TrimPrefix(ref, envRefPrefix)), nil
	case strings.HasPrefix(ref, ssmRefPrefix):
		if getter == nil {
			return "", fmt.Errorf("未启用 SSM，无法解析 %s", ref)
		}
		return getter.GetParameter(ctx, strings.TrimPrefix(ref, ssmRefPrefix))
	default:
		return ref, nil
	}
}
