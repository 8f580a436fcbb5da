package proxy

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/octopusgw/octopus/internal/config"
	"github.com/octopusgw/octopus/internal/upstream"
)

// DefaultTransportConfig provides default transport settings.
var DefaultTransportConfig = config.TransportConfig{
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 10,
	MaxConnsPerHost:     0, // unlimited
	IdleConnTimeout:     90 * time.Second,
	DialTimeout:         30 * time.Second,
	TLSHandshakeTimeout: 10 * time.Second,
}

// NewTransport builds a transport for one cluster. The cluster timeout
// becomes the response header deadline; body streaming is bounded
// separately by the idle timeout reader.
func NewTransport(cfg config.TransportConfig, responseHeaderTimeout time.Duration) *http.Transport {
	merged := mergeTransportConfig(DefaultTransportConfig, cfg)

	dialer := &net.Dialer{
		Timeout:   merged.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          merged.MaxIdleConns,
		MaxIdleConnsPerHost:   merged.MaxIdleConnsPerHost,
		MaxConnsPerHost:       merged.MaxConnsPerHost,
		IdleConnTimeout:       merged.IdleConnTimeout,
		TLSHandshakeTimeout:   merged.TLSHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
		DisableKeepAlives:     merged.DisableKeepAlives,
		ForceAttemptHTTP2:     true,
	}
}

// mergeTransportConfig applies non-zero overrides onto the base.
func mergeTransportConfig(base, o config.TransportConfig) config.TransportConfig {
	if o.MaxIdleConns > 0 {
		base.MaxIdleConns = o.MaxIdleConns
	}
	if o.MaxIdleConnsPerHost > 0 {
		base.MaxIdleConnsPerHost = o.MaxIdleConnsPerHost
	}
	if o.MaxConnsPerHost > 0 {
		base.MaxConnsPerHost = o.MaxConnsPerHost
	}
	if o.IdleConnTimeout > 0 {
		base.IdleConnTimeout = o.IdleConnTimeout
	}
	if o.DialTimeout > 0 {
		base.DialTimeout = o.DialTimeout
	}
	if o.TLSHandshakeTimeout > 0 {
		base.TLSHandshakeTimeout = o.TLSHandshakeTimeout
	}
	if o.DisableKeepAlives {
		base.DisableKeepAlives = true
	}
	return base
}

// TransportPool holds one transport per cluster so connection pools
// survive route table swaps.
type TransportPool struct {
	mu         sync.RWMutex
	transports map[string]*http.Transport
}

// NewTransportPool creates an empty pool.
func NewTransportPool() *TransportPool {
	return &TransportPool{transports: make(map[string]*http.Transport)}
}

// Get returns the cluster's transport, building it on first use.
func (p *TransportPool) Get(cluster *upstream.Cluster) http.RoundTripper {
	p.mu.RLock()
	t, ok := p.transports[cluster.Name]
	p.mu.RUnlock()
	if ok {
		return t
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.transports[cluster.Name]; ok {
		return t
	}
	t = NewTransport(cluster.Transport, cluster.Timeout)
	p.transports[cluster.Name] = t
	return t
}

// Invalidate drops a cluster's transport, closing its idle connections.
// Called when a cluster's transport or timeout config changed.
func (p *TransportPool) Invalidate(name string) {
	p.mu.Lock()
	t, ok := p.transports[name]
	delete(p.transports, name)
	p.mu.Unlock()
	if ok {
		t.CloseIdleConnections()
	}
}

// Close closes idle connections on all transports.
func (p *TransportPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, t := range p.transports {
		t.CloseIdleConnections()
		delete(p.transports, name)
	}
}
