package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"fulfillment/internal/model"
	"fulfillment/internal/store"

	"github.com/go-resty/resty/v2"
)

// BindingSource 接入配置的数据来源。
type BindingSource interface {
	Binding(ctx context.Context, id uint) (*model.ProviderBinding, error)
}

// Factory 按接入配置构造适配器，结果按 binding 缓存。
type Factory func(b *model.ProviderBinding) Adapter

type adapterKey struct {
	id   uint
	kind string
}

type cachedBinding struct {
	b         *model.ProviderBinding
	expiresAt time.Time
}

// Registry 把 provider binding 解析为 (适配器, 凭据)。
type Registry struct {
	src   BindingSource
	ttl   time.Duration
	now   func() time.Time
	codes Adapter

	mu        sync.Mutex
	factories map[string]Factory
	adapters  map[adapterKey]Adapter
	bindings  map[uint]cachedBinding
}

// NewRegistry 注册三种内置实现；timeout 是单次上游调用的硬超时。
func NewRegistry(src BindingSource, codes Adapter, timeout, ttl time.Duration) *Registry {
	client := resty.New().SetTimeout(timeout)
	r := &Registry{
		src:       src,
		ttl:       ttl,
		now:       time.Now,
		codes:     codes,
		factories: make(map[string]Factory),
		adapters:  make(map[adapterKey]Adapter),
		bindings:  make(map[uint]cachedBinding),
	}
	r.factories[model.BindingExternalHTTP] = func(b *model.ProviderBinding) Adapter {
		// 每个接入一个熔断器
		return NewHTTPAdapter(client, NewBreaker("binding-"+strconv.FormatUint(uint64(b.ID), 10)))
	}
	r.factories[model.BindingInternalPeer] = func(*model.ProviderBinding) Adapter {
		return NewPeerAdapter(client)
	}
	r.factories[model.BindingCodes] = func(*model.ProviderBinding) Adapter {
		return codes
	}
	return r
}

// Register 替换某类实现（测试里注入假适配器）。
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
	for k := range r.adapters {
		if k.kind == kind {
			delete(r.adapters, k)
		}
	}
}

// Codes 本地库存适配器，codes 路由不需要 binding。
func (r *Registry) Codes() Adapter { return r.codes }

// Binding 读取接入配置，缓存 ttl。
func (r *Registry) Binding(ctx context.Context, id uint) (*model.ProviderBinding, error) {
	now := r.now()
	r.mu.Lock()
	if c, ok := r.bindings[id]; ok && now.Before(c.expiresAt) {
		r.mu.Unlock()
		return c.b, nil
	}
	r.mu.Unlock()

	b, err := r.src.Binding(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, businessErr("binding-not-found", fmt.Sprintf("binding %d", id))
	}
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.bindings[id] = cachedBinding{b: b, expiresAt: now.Add(r.ttl)}
	r.mu.Unlock()
	return b, nil
}

// Invalidate 接入配置被修改后（鉴权失败/恢复）丢弃缓存。
func (r *Registry) Invalidate(id uint) {
	r.mu.Lock()
	delete(r.bindings, id)
	r.mu.Unlock()
}

// Resolve 返回 binding 对应的适配器与凭据；停用的 binding 视为业务错误。
func (r *Registry) Resolve(ctx context.Context, id uint) (Adapter, Credentials, *model.ProviderBinding, error) {
	b, err := r.Binding(ctx, id)
	if err != nil {
		return nil, Credentials{}, nil, err
	}
	if !b.Enabled {
		return nil, Credentials{}, b, businessErr("binding-disabled", b.Name)
	}

	key := adapterKey{id: b.ID, kind: b.Kind}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.adapters[key]
	if !ok {
		f, known := r.factories[b.Kind]
		if !known {
			return nil, Credentials{}, b, businessErr("unknown-binding-kind", b.Kind)
		}
		a = f(b)
		r.adapters[key] = a
	}
	return a, CredentialsOf(b), b, nil
}
