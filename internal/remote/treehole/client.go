// Package treehole implements export.Session against the Treehole web API
// using colly collectors. Every session owns a collector, and with it a
// private cookie jar; each call runs on a clone that shares that jar.
package treehole

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/starred-export/internal/export"
)

// Defaults match the public deployment.
const (
	DefaultAuthBaseURL     = "https://iaaa.pku.edu.cn"
	DefaultBaseURL         = "https://treehole.pku.edu.cn"
	DefaultUserAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/135.0.0.0 Safari/537.36"
	DefaultCommentPageSize = 15
	DefaultStarredPageSize = 25

	appID       = "PKU Helper"
	maxBodySize = 64 << 20
)

// Config controls the remote endpoints and collector behavior.
type Config struct {
	AuthBaseURL     string
	BaseURL         string
	UserAgent       string
	Timeout         time.Duration
	CommentPageSize int
	StarredPageSize int
}

// Client hands out sessions. It holds the transport shared by all of them.
type Client struct {
	cfg       Config
	transport http.RoundTripper
	logger    *zap.Logger
}

// New builds a Client, filling unset fields with defaults.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.AuthBaseURL == "" {
		cfg.AuthBaseURL = DefaultAuthBaseURL
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.AuthBaseURL = strings.TrimRight(cfg.AuthBaseURL, "/")
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CommentPageSize <= 0 {
		cfg.CommentPageSize = DefaultCommentPageSize
	}
	if cfg.StarredPageSize <= 0 {
		cfg.StarredPageSize = DefaultStarredPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:       cfg,
		transport: newHTTPTransport(),
		logger:    logger.Named("treehole"),
	}
}

// NewSession opens a session with an empty cookie jar.
func (c *Client) NewSession() export.Session {
	collector := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.UserAgent(c.cfg.UserAgent),
		colly.MaxBodySize(maxBodySize),
	)
	collector.WithTransport(c.transport)
	collector.SetRequestTimeout(c.cfg.Timeout)
	return &Session{
		cfg:       c.cfg,
		collector: collector,
		logger:    c.logger,
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
	}
}
