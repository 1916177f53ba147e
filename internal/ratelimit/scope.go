package ratelimit

import (
	"fmt"
	"sync"
)

// Scope 决定限流器是全局共享还是每个 motor 一个
type Scope int

const (
	ScopeShared Scope = iota
	ScopePerMotor
)

func (s Scope) String() string {
	if s == ScopePerMotor {
		return "per-motor"
	}
	return "shared"
}

// Provider 按 scope 为 motor 分配限流器。
// 共享模式下所有 slot 拿到同一个实例；独占模式下每个 slot 一个实例，速率相同。
type Provider struct {
	name  string
	scope Scope
	opts  []Option

	mu       sync.Mutex
	spec     Spec
	shared   *RateLimiter
	perMotor map[int]*RateLimiter
}

func NewProvider(name string, spec Spec, scope Scope, opts ...Option) *Provider {
	return &Provider{
		name:     name,
		scope:    scope,
		opts:     opts,
		spec:     spec,
		perMotor: make(map[int]*RateLimiter),
	}
}

// For 返回 slot 使用的限流器
func (p *Provider) For(slot int) *RateLimiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.scope == ScopeShared {
		if p.shared == nil {
			p.shared = New(p.name, p.spec, p.opts...)
		}
		return p.shared
	}
	l, ok := p.perMotor[slot]
	if !ok {
		l = New(fmt.Sprintf("%s-%d", p.name, slot), p.spec, p.opts...)
		p.perMotor[slot] = l
	}
	return l
}

// Release 释放 slot 独占的限流器
func (p *Provider) Release(slot int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.perMotor, slot)
}

// Apply 把新速率下发到已创建的所有实例
func (p *Provider) Apply(spec Spec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spec = spec
	if p.shared != nil {
		p.shared.ApplyRateSpec(spec)
	}
	for _, l := range p.perMotor {
		l.ApplyRateSpec(spec)
	}
}

func (p *Provider) Spec() Spec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spec
}

func (p *Provider) Scope() Scope {
	return p.scope
}

// Limiters 返回当前所有实例的快照，供指标采集使用
func (p *Provider) Limiters() []*RateLimiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*RateLimiter
	if p.shared != nil {
		out = append(out, p.shared)
	}
	for _, l := range p.perMotor {
		out = append(out, l)
	}
	return out
}
