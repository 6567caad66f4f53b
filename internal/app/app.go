package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"EffiSend-Agent/internal/account"
	"EffiSend-Agent/internal/agent"
	"EffiSend-Agent/internal/api"
	"EffiSend-Agent/internal/auth"
	"EffiSend-Agent/internal/config"
	"EffiSend-Agent/internal/knowledge"
	"EffiSend-Agent/internal/llm/openai"
	"EffiSend-Agent/internal/observability/alerting"
	"EffiSend-Agent/internal/observability/metrics"
	"EffiSend-Agent/internal/payment"
	"EffiSend-Agent/internal/secrets"
	"EffiSend-Agent/internal/security"
	"EffiSend-Agent/internal/settlement/juno"
	"EffiSend-Agent/internal/storage/dynamodb"
	"EffiSend-Agent/internal/storage/mysql"
	"EffiSend-Agent/internal/swap"
	"EffiSend-Agent/internal/swap/lifi"
	"EffiSend-Agent/internal/swap/uniswap"
	"EffiSend-Agent/internal/task"
	"EffiSend-Agent/internal/tools"
	"EffiSend-Agent/internal/web3/ethereum"
	"EffiSend-Agent/internal/web3/provider"
	"EffiSend-Agent/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "effisend:lock:account:"

// App 持有装配完成的全部组件，HTTP 守护进程与 Lambda 入口共用。
type App struct {
	Config   *config.Config
	Server   *api.Server
	Engine   *agent.Engine
	Accounts *account.Service
	Payments *payment.Orchestrator
	Tools    *agent.Registry

	processor *task.Processor
	closers   []func() error
	log       *slog.Logger
}

// Build 按配置装配依赖。失败时已创建的资源会被释放。
func Build(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("配置不能为空")
	}
	a := &App{Config: cfg, log: logger.Named("app")}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := resolveSecrets(ctx, cfg); err != nil {
		return nil, err
	}

	alerts := buildAlerts(cfg.Alerting)

	chains, err := provider.NewRegistry(ctx, cfg.Web3, ethereum.WithFailoverObserver(metrics.ObserveRPCFailover))
	if err != nil {
		return nil, err
	}
	a.onClose(func() error { chains.Close(); return nil })

	settlement, err := juno.New(juno.Config{
		BaseURL:   cfg.Settlement.BaseURL,
		APIKey:    cfg.Settlement.APIKey,
		APISecret: cfg.Settlement.APISecret,
		Timeout:   cfg.Settlement.Timeout,
	})
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	if cfg.Storage.Driver == "mysql" || cfg.Rewards.Store == "mysql" {
		db, err = mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Storage.MySQL.ConnMaxIdleTime,
		})
		if err != nil {
			return nil, err
		}
		a.onClose(db.Close)
	}

	store, err := a.accountStore(ctx, cfg, db)
	if err != nil {
		return nil, err
	}
	sealer, err := buildSealer(cfg.Storage)
	if err != nil {
		return nil, err
	}
	locker, err := a.buildLocker(cfg.Lock)
	if err != nil {
		return nil, err
	}

	var registrar account.Registrar
	if cfg.Rewards.Enabled {
		service, err := a.buildRewards(ctx, cfg, db, chains, alerts)
		if err != nil {
			return nil, err
		}
		if service != nil {
			registrar = service
		}
	}

	accounts, err := account.NewService(store, settlement, sealer, account.Options{
		Network:   cfg.Settlement.Network,
		LegalName: cfg.Settlement.LegalName,
		Locker:    locker,
		Registrar: registrar,
		Alerts:    alerts,
	})
	if err != nil {
		return nil, err
	}
	a.Accounts = accounts

	swapper, bridger := a.buildSwap(cfg, chains)
	payments, err := payment.New(payment.Config{
		TransferChain:    cfg.Payment.TransferChain,
		TokenSymbol:      cfg.Payment.TokenSymbol,
		TreasuryAddress:  common.HexToAddress(cfg.Settlement.TreasuryAddress),
		Asset:            cfg.Settlement.Asset,
		BatchWorkers:     cfg.Payment.BatchWorkers,
		SwapChain:        cfg.Swap.Chain,
		SwapTokenIn:      cfg.Swap.TokenIn,
		SwapTokenOut:     cfg.Swap.TokenOut,
		BridgeToChainID:  cfg.Bridge.ToChainID,
		BridgeToToken:    cfg.Bridge.ToToken,
		MaxQuoteAttempts: cfg.Swap.MaxQuoteAttempts,
	}, payment.Dependencies{
		Accounts:   accounts,
		Chains:     chains,
		Settlement: settlement,
		Swapper:    swapper,
		Bridger:    bridger,
		Alerts:     alerts,
	})
	if err != nil {
		return nil, err
	}
	a.Payments = payments

	registry := agent.NewRegistry()
	if err := tools.Register(registry, tools.Config{
		TransferChain:     cfg.Payment.TransferChain,
		TokenSymbol:       cfg.Payment.TokenSymbol,
		BatchDestinations: cfg.Payment.BatchDestinations,
		Sandbox:           cfg.Settlement.Sandbox,
		LegalName:         cfg.Settlement.LegalName,
	}, tools.Deps{
		Payments:  payments,
		Accounts:  accounts,
		Chains:    chains,
		Depositor: settlement,
		Searcher:  tools.NewDuckDuckGo("", 0),
	}); err != nil {
		return nil, err
	}
	a.Tools = registry

	engine, err := a.buildEngine(cfg, registry)
	if err != nil {
		return nil, err
	}
	a.Engine = engine

	guard, err := auth.NewAPIKeyGuard(cfg.Server.APIKey)
	if err != nil {
		return nil, err
	}
	a.Server = api.NewServer(cfg.Server.Address, engine, accounts, guard).
		WithReadHeaderTimeout(cfg.Server.ReadHeaderTimeout)

	a.log.Info("组件装配完成",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("llm", cfg.LLM.Provider),
		slog.String("model", cfg.LLM.Model),
		slog.Int("tools", len(registry.Tools())),
		slog.Bool("rewards", registrar != nil),
	)
	return a, nil
}

// StartBackground 启动奖励登记处理器与独立的指标端口，随 ctx 取消退出。
func (a *App) StartBackground(ctx context.Context) {
	if a.processor != nil {
		go func() {
			if err := a.processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("奖励登记处理器异常退出", slog.Any("error", err))
			}
		}()
	}
	if a.Config.Metrics.Enabled && a.Config.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, a.Config.Metrics.Address); err != nil {
				a.log.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}
}

// Close 逆序释放资源。
func (a *App) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, a.closers[i]())
	}
	a.closers = nil
	return err
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func resolveSecrets(ctx context.Context, cfg *config.Config) error {
	var getter config.ParameterGetter
	if cfg.Secrets.SSMEnabled {
		awsCfg, err := loadAWS(ctx, cfg.Secrets.Region)
		if err != nil {
			return err
		}
		client, err := secrets.New(ssm.NewFromConfig(awsCfg))
		if err != nil {
			return err
		}
		getter = client
	}
	return cfg.ResolveSecrets(ctx, getter)
}

func loadAWS(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("加载 AWS 配置失败: %w", err)
	}
	return awsCfg, nil
}

func buildAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.WebhookURL})
	}
	return alerting.NewFanout(notifiers...)
}

func buildSealer(cfg config.StorageConfig) (security.Sealer, error) {
	if cfg.EncryptionKey != "" {
		return security.NewAESGCMFromHex(cfg.EncryptionKey)
	}
	if cfg.Driver != "memory" {
		return nil, fmt.Errorf("存储驱动 %s 需要配置 storage.encryption_key", cfg.Driver)
	}
	logger.Named("app").Warn("未配置 storage.encryption_key，使用进程内临时密钥")
	return security.NewEphemeral()
}

func (a *App) accountStore(ctx context.Context, cfg *config.Config, db *sql.DB) (account.Store, error) {
	switch cfg.Storage.Driver {
	case "mysql":
		return mysql.NewAccountStore(db)
	case "dynamodb":
		awsCfg, err := loadAWS(ctx, cfg.Storage.DynamoDB.Region)
		if err != nil {
			return nil, err
		}
		return dynamodb.NewAccountStore(awsdynamodb.NewFromConfig(awsCfg), cfg.Storage.DynamoDB.Table)
	default:
		return account.NewMemoryStore(), nil
	}
}

func (a *App) buildLocker(cfg config.LockConfig) (account.Locker, error) {
	if cfg.Driver != "redis" {
		return account.NewMemoryLocker(), nil
	}
	client := newRedis(cfg.Redis)
	a.onClose(client.Close)
	return account.NewRedisLocker(client, lockKeyPrefix, cfg.TTL)
}

// buildRewards 装配开户奖励流水线。未配置运营密钥时返回 nil 并跳过登记。
func (a *App) buildRewards(ctx context.Context, cfg *config.Config, db *sql.DB, chains *provider.Registry, alerts alerting.Dispatcher) (*task.Service, error) {
	key := strings.TrimPrefix(strings.TrimSpace(cfg.Rewards.OperatorKey), "0x")
	if key == "" {
		a.log.Warn("未配置 rewards.operator_key，跳过开户奖励登记")
		return nil, nil
	}
	operator, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("解析奖励运营密钥失败: %w", err)
	}
	gateway, err := chains.Gateway(cfg.Rewards.Chain)
	if err != nil {
		return nil, err
	}
	executor, err := task.NewRewardExecutor(gateway, operator, common.HexToAddress(cfg.Rewards.Contract))
	if err != nil {
		return nil, err
	}

	var store task.Store
	switch cfg.Rewards.Store {
	case "mysql":
		mysqlStore, err := task.NewMySQLStore(db)
		if err != nil {
			return nil, err
		}
		store = mysqlStore
	default:
		store = task.NewMemoryStore()
	}

	var queue task.Queue
	switch cfg.Rewards.Queue {
	case "redis":
		redisQueue, err := task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:  cfg.Rewards.Redis.Address,
			Password: cfg.Rewards.Redis.Password,
			DB:       cfg.Rewards.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		queue = redisQueue
	case "rabbitmq":
		rabbitQueue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.Rewards.RabbitMQ.URL,
			Queue:    cfg.Rewards.RabbitMQ.Queue,
			Prefetch: cfg.Rewards.RabbitMQ.Prefetch,
		})
		if err != nil {
			return nil, err
		}
		queue = rabbitQueue
	default:
		queue = task.NewMemoryQueue()
	}

	service := task.NewService(store, queue, cfg.Rewards.MaxRetries)
	a.onClose(service.Close)
	a.processor = task.NewProcessor(executor, store, queue, queue,
		task.WithWorkerCount(cfg.Rewards.Workers),
		task.WithRetryDelay(cfg.Rewards.RetryDelay),
		task.WithAlertDispatcher(alerts),
	)
	return service, nil
}

// buildSwap 在兑换链可用时装配 Uniswap 与 LI.FI，否则卡片充值工具会返回未启用。
func (a *App) buildSwap(cfg *config.Config, chains *provider.Registry) (swap.Swapper, swap.Bridger) {
	gateway, err := chains.Gateway(cfg.Swap.Chain)
	if err != nil {
		a.log.Warn("兑换链不可用，禁用卡片充值", slog.String("chain", cfg.Swap.Chain), slog.Any("error", err))
		return nil, nil
	}
	router, err := uniswap.NewRouter(uniswap.Config{
		Chain:            cfg.Swap.Chain,
		Factory:          common.HexToAddress(cfg.Swap.Factory),
		Quoter:           common.HexToAddress(cfg.Swap.Quoter),
		Router:           common.HexToAddress(cfg.Swap.Router),
		PoolInitCodeHash: common.HexToHash(cfg.Swap.PoolInitCodeHash),
		FeeTier:          cfg.Swap.FeeTier,
		Deadline:         cfg.Swap.Deadline,
		QuoteTTL:         cfg.Swap.QuoteTTL,
		SlippageBps:      cfg.Swap.SlippageBps,
	}, gateway)
	if err != nil {
		a.log.Warn("Uniswap 配置无效，禁用卡片充值", slog.Any("error", err))
		return nil, nil
	}
	bridge, err := lifi.New(lifi.Config{
		BaseURL:    cfg.Bridge.BaseURL,
		APIKey:     cfg.Bridge.APIKey,
		Integrator: cfg.Bridge.Integrator,
		Chain:      cfg.Swap.Chain,
		Timeout:    cfg.Bridge.Timeout,
		QuoteTTL:   cfg.Swap.QuoteTTL,
	}, gateway)
	if err != nil {
		a.log.Warn("LI.FI 配置无效，禁用卡片充值", slog.Any("error", err))
		return nil, nil
	}
	return router, bridge
}

func (a *App) buildEngine(cfg *config.Config, registry *agent.Registry) (*agent.Engine, error) {
	client, err := openai.NewClient(openai.Config{
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.LLM.Model,
		Timeout:    cfg.LLM.Timeout,
		MaxRetries: cfg.LLM.MaxRetries,
	})
	if err != nil {
		return nil, err
	}

	var checkpointer agent.Checkpointer = agent.NopCheckpointer{}
	if cfg.Checkpoint.Driver == "redis" {
		rdb := newRedis(cfg.Checkpoint.Redis)
		a.onClose(rdb.Close)
		checkpointer = agent.NewRedisCheckpointer(rdb, cfg.Checkpoint.TTL)
	}

	var snippets knowledge.Provider
	if cfg.Agent.KnowledgeFile != "" {
		static, err := knowledge.LoadStaticProvider(cfg.Agent.KnowledgeFile, 3)
		if err != nil {
			return nil, err
		}
		snippets = static
	} else {
		snippets = knowledge.NewStaticProvider(knowledge.DefaultSnippets(), 3)
	}

	return agent.NewEngine(client, registry,
		agent.WithKnowledgeProvider(snippets),
		agent.WithCheckpointer(checkpointer),
		agent.WithSystemPrompt(cfg.Agent.SystemPrompt),
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithRequestTimeout(cfg.Agent.RequestTimeout),
		agent.WithTemperature(cfg.LLM.Temperature),
	)
}

func newRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}
