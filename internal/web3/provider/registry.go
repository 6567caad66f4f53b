package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"EffiSend-Agent/internal/config"
	"EffiSend-Agent/internal/web3"
	"EffiSend-Agent/internal/web3/ethereum"
)

// Registry manages one failover gateway per configured chain.
type Registry struct {
	defaultChain string
	gateways     map[string]web3.Gateway
}

// NewRegistry loads chain definitions and dials every chain's endpoint pool.
func NewRegistry(ctx context.Context, cfg config.Web3Config, opts ...ethereum.Option) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainsFile)
	if err != nil {
		return nil, err
	}

	gateways := make(map[string]web3.Gateway, len(defs.Chains))
	for _, name := range defs.Names() {
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:                name,
			Definition:          defs.Chains[name],
			Timeout:             cfg.RPCTimeout,
			MaxAttempts:         cfg.RPCMaxAttempts,
			PollInterval:        cfg.ReceiptPollInterval,
			ConfirmationTimeout: cfg.ConfirmationTimeout,
		}, opts...)
		if err != nil {
			for _, gw := range gateways {
				gw.Close()
			}
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		gateways[name] = client
	}
	return NewStatic(cfg.DefaultChain, gateways)
}

// NewStatic wraps pre-built gateways, e.g. simulated chains in tests.
func NewStatic(defaultChain string, gateways map[string]web3.Gateway) (*Registry, error) {
	if len(gateways) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	if defaultChain == "" {
		names := make([]string, 0, len(gateways))
		for name := range gateways {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := gateways[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	return &Registry{defaultChain: defaultChain, gateways: gateways}, nil
}

// Default returns the gateway configured as default chain.
func (r *Registry) Default() (web3.Gateway, error) {
	return r.Gateway(r.defaultChain)
}

// Gateway returns the gateway identified by name.
func (r *Registry) Gateway(name string) (web3.Gateway, error) {
	if r == nil {
		return nil, errors.New("未初始化的链网关注册表")
	}
	if name == "" {
		name = r.defaultChain
	}
	gw, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("链 %s 未在注册表中", name)
	}
	return gw, nil
}

// Close releases all gateways managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, gw := range r.gateways {
		if gw != nil {
			gw.Close()
		}
		delete(r.gateways, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
