// Package icons 负责把新闻来源站点的 favicon 转成稳定的公开图片地址。
//
// 同样字节内容的图标只上传一次：下载后按 sha256 查缓存，未命中才转 PNG 上传。
// 整个过程永远不会返回错误，出问题时退回 origin/favicon.ico，不能因为图标卡住推送。
package icons

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
)

const (
	iconClientTimeout    = 10 * time.Second
	iconMaxPageBytes     = 2 << 20 // 2MB
	iconMaxResponseBytes = 1 << 20 // 1MB，favicon 不会更大
)

// BlobStore 图床：上传 PNG 并返回公开访问地址，失败时返回错误
type BlobStore interface {
	Upload(ctx context.Context, png []byte) (string, error)
}

// Mirror 可选的缓存镜像（例如数据库），写入失败只记录日志
type Mirror interface {
	SaveIcon(ctx context.Context, hash, url string) error
}

// Observer 接收解析结果，用于指标统计
type Observer interface {
	IconResolved(outcome string)
}

// 解析结果，供 Observer 统计
const (
	OutcomeCacheHit    = "cache_hit"
	OutcomeUploaded    = "uploaded"
	OutcomeFetchFailed = "fetch_failed"
	OutcomePassthrough = "passthrough"
)

type Resolver struct {
	client    *http.Client
	userAgent string
	cache     *Cache
	store     BlobStore
	mirror    Mirror
	observer  Observer

	log *logrus.Entry
}

// NewResolver 创建解析器；store 为 nil 时不上传，新图标直接返回原始地址
func NewResolver(cache *Cache, store BlobStore, userAgent string, log *logrus.Entry) *Resolver {
	return &Resolver{
		client:    &http.Client{Timeout: iconClientTimeout},
		userAgent: userAgent,
		cache:     cache,
		store:     store,
		log:       log.WithField("component", "icons"),
	}
}

func (r *Resolver) WithMirror(m Mirror) *Resolver {
	r.mirror = m
	return r
}

func (r *Resolver) WithObserver(o Observer) *Resolver {
	r.observer = o
	return r
}

func (r *Resolver) Cache() *Cache {
	return r.cache
}

// Resolve 返回 origin（scheme://host）对应图标的公开地址，不会失败
func (r *Resolver) Resolve(ctx context.Context, origin string) string {
	base, err := url.Parse(origin)
	if err != nil || base.Scheme == "" || base.Host == "" {
		r.log.WithField("origin", origin).Debug("origin not resolvable, passthrough")
		return origin
	}
	fallback := strings.TrimRight(origin, "/") + "/favicon.ico"
	log := r.log.WithField("origin", origin)

	iconURL := fallback
	if found := r.discover(ctx, base); found != "" {
		iconURL = found
	}
	log.WithField("url", iconURL).Debug("favicon url")

	status, content, err := r.get(ctx, iconURL)
	if err != nil || status != http.StatusOK {
		log.WithFields(logrus.Fields{"url": iconURL, "status": status, "error": err}).Debug("favicon fetch failed")
		r.observe(OutcomeFetchFailed)
		return fallback
	}

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	log = log.WithField("hash", hash)

	if cached, ok := r.cache.Get(hash); ok {
		log.Debug("favicon cache hit")
		r.observe(OutcomeCacheHit)
		return cached
	}

	if r.store == nil {
		r.observe(OutcomePassthrough)
		return iconURL
	}

	pngData, err := Canonicalize(content)
	if err != nil {
		log.WithError(err).Debug("favicon is not a valid image")
		r.observe(OutcomePassthrough)
		return iconURL
	}

	public, err := r.store.Upload(ctx, pngData)
	if err != nil {
		log.WithError(err).Warn("favicon upload failed")
		r.observe(OutcomePassthrough)
		return iconURL
	}

	r.cache.Put(hash, public)
	if r.mirror != nil {
		if err := r.mirror.SaveIcon(ctx, hash, public); err != nil {
			log.WithError(err).Warn("mirror icon failed")
		}
	}
	log.WithField("public_url", public).Info("favicon cached")
	r.observe(OutcomeUploaded)
	return public
}

// discover 在站点首页里找 favicon 的 link 标签，有多个时取最后一个。
// rel 按空白分词匹配 icon，apple-touch-icon、mask-icon 不算
func (r *Resolver) discover(ctx context.Context, base *url.URL) string {
	status, page, err := r.get(ctx, base.String())
	if err != nil || status != http.StatusOK {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return ""
	}

	href, ok := doc.Find(`link[rel~="icon"][href*="favicon"]`).Last().Attr("href")
	href = strings.TrimSpace(href)
	if !ok || href == "" {
		return ""
	}

	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

func (r *Resolver) get(ctx context.Context, target string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, err
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil, nil
	}

	limit := int64(iconMaxPageBytes)
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "image/") {
		limit = iconMaxResponseBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read %s: %w", target, err)
	}
	return resp.StatusCode, body, nil
}

func (r *Resolver) observe(outcome string) {
	if r.observer != nil {
		r.observer.IconResolved(outcome)
	}
}
