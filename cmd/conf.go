package main

import (
	"github.com/angeloszaimis/evproxy/config"
	"github.com/angeloszaimis/evproxy/internal/httpproto"
	"github.com/angeloszaimis/evproxy/internal/peer"
	"github.com/angeloszaimis/evproxy/internal/pipe"
	"github.com/angeloszaimis/evproxy/internal/reqbody"
	"github.com/angeloszaimis/evproxy/internal/upstream"
)

// upstreamConf maps the upstream section onto the proxy settings shared by
// every request of the worker.
func upstreamConf(cfg *config.UpstreamConfig, policy peer.Policy) (*upstream.Conf, error) {
	next, err := upstream.ParseNextUpstream(cfg.NextUpstream)
	if err != nil {
		return nil, err
	}

	conf := upstream.DefaultConf()
	conf.Policy = policy
	conf.ConnectTimeout = config.Duration(cfg.ConnectTimeout)
	conf.SendTimeout = config.Duration(cfg.SendTimeout)
	conf.ReadTimeout = config.Duration(cfg.ReadTimeout)
	conf.ClientSendTimeout = config.Duration(cfg.ClientSendTimeout)
	conf.NextUpstream = next
	conf.NextUpstreamTimeout = config.Duration(cfg.NextUpstreamTimeout)
	conf.BufferSize = cfg.BufferSize
	conf.Buffering = cfg.Buffering
	conf.Bufs = pipe.Bufs{Num: cfg.BuffersNum, Size: cfg.BuffersSize}
	conf.BusyBuffersSize = cfg.BusyBuffersSize
	if cfg.TempPath != "" {
		conf.TempPath = cfg.TempPath
	}
	conf.MaxTempFileSize = cfg.MaxTempFileSize
	conf.TempFileWriteSize = cfg.TempFileWriteSize
	conf.InterceptErrors = cfg.InterceptErrors
	conf.IgnoreClientAbort = cfg.IgnoreClientAbort

	return conf, nil
}

func clientConf(cfg *config.Config) *httpproto.Conf {
	cc := &cfg.Client

	conf := httpproto.DefaultConf()
	conf.HeaderBufferSize = cc.HeaderBufferSize
	conf.HeaderTimeout = config.Duration(cc.HeaderTimeout)
	conf.KeepaliveTimeout = config.Duration(cc.KeepaliveTimeout)
	conf.KeepaliveRequests = cc.KeepaliveRequests
	conf.SendTimeout = config.Duration(cc.SendTimeout)
	conf.LingeringTime = config.Duration(cc.LingeringTime)
	conf.LingeringTimeout = config.Duration(cc.LingeringTimeout)
	conf.Body = reqbody.Conf{
		BufferSize: cc.BodyBufferSize,
		MaxSize:    cc.MaxBodySize,
		Timeout:    config.Duration(cc.BodyTimeout),
		TempPath:   cfg.Upstream.TempPath,
	}
	conf.UpstreamKeepalive = cfg.Upstream.Keepalive.Connections > 0
	conf.RewriteRedirects = cfg.Upstream.RewriteRedirects
	conf.CacheMethods = cfg.Upstream.Cache.Methods

	return conf
}
