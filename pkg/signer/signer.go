// Package signer 为私有对象存储中的对象签发限时（可选限制 IP）的访问 URL
package signer

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/z-wentao/courseflow/pkg/apperrors"
)

// MinTTL 签名 URL 的最短有效期
const MinTTL = time.Minute

// Backend 签名后端
type Backend interface {
	Name() string
	// MaxTTL 后端允许的最长有效期
	MaxTTL() time.Duration
	SupportsIPRestriction() bool
	Sign(ctx context.Context, in SignInput) (string, error)
}

// SignInput 交给后端签名的参数，TTL 已截断到后端允许的范围
type SignInput struct {
	ObjectKey string
	TTL       time.Duration
	ExpiresAt time.Time
	// SourceCIDR 为空表示不限制 IP
	SourceCIDR string
}

// ObjectChecker 签名前确认对象存在
type ObjectChecker interface {
	Exists(ctx context.Context, objectKey string) (bool, error)
}

// IssueRequest 签发请求
type IssueRequest struct {
	ObjectKey             string        `json:"object_key"`
	Category              string        `json:"category"`
	TTL                   time.Duration `json:"ttl"`
	RestrictToRequesterIP bool          `json:"restrict_to_requester_ip"`
	RequesterIP           string        `json:"requester_ip"`
}

// SignedURL 签发结果
type SignedURL struct {
	URL          string    `json:"url"`
	ExpiresAt    time.Time `json:"expires_at"`
	IPRestricted bool      `json:"ip_restricted"`
	Category     string    `json:"category"`
	Backend      string    `json:"backend"`
}

// Issuer 签名 URL 签发器。不会在任何情况下退化为未签名的 URL。
type Issuer struct {
	backend    Backend
	checker    ObjectChecker
	policies   PolicyTable
	defaultTTL time.Duration
	log        logrus.FieldLogger
	now        func() time.Time
}

type Option func(*Issuer)

// WithObjectChecker 签名前检查对象是否存在
func WithObjectChecker(c ObjectChecker) Option {
	return func(i *Issuer) { i.checker = c }
}

func WithPolicies(t PolicyTable) Option {
	return func(i *Issuer) { i.policies = t }
}

func WithDefaultTTL(d time.Duration) Option {
	return func(i *Issuer) {
		if d > 0 {
			i.defaultTTL = d
		}
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(i *Issuer) { i.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer 创建签发器
func NewIssuer(backend Backend, opts ...Option) *Issuer {
	i := &Issuer{
		backend:    backend,
		policies:   DefaultPolicies(),
		defaultTTL: time.Hour,
		log:        logrus.StandardLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// IssueURL 签发访问 URL。TTL 超出范围时被截断到 [MinTTL, 后端上限]，不报错。
func (i *Issuer) IssueURL(ctx context.Context, req IssueRequest) (*SignedURL, error) {
	const op = "signer.IssueURL"

	key := strings.TrimLeft(strings.TrimSpace(req.ObjectKey), "/")
	if key == "" {
		return nil, apperrors.InvalidInput(op, "object_key is required")
	}
	if strings.Contains(key, "..") {
		return nil, apperrors.InvalidInput(op, "object_key must not contain '..'")
	}
	if i.backend == nil {
		return nil, apperrors.E(op, apperrors.ErrBackendUnavailable, "no signing backend configured", nil)
	}

	category := CategoryOf(key, req.Category)
	policy := i.policies.Lookup(category)
	ttl := i.clampTTL(req.TTL)

	restrict := req.RestrictToRequesterIP && policy.AllowIPRestriction && i.backend.SupportsIPRestriction()
	var cidr string
	if restrict {
		prefix, err := requesterPrefix(req.RequesterIP)
		if err != nil {
			return nil, apperrors.E(op, apperrors.ErrInvalidInput, "invalid requester ip", err)
		}
		cidr = prefix.String()
	}

	if i.checker != nil {
		exists, err := i.checker.Exists(ctx, key)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, apperrors.E(op, apperrors.ErrObjectNotFound, fmt.Sprintf("object %s not found", key), nil)
		}
	}

	expires := i.now().UTC().Add(ttl).Truncate(time.Second)
	url, err := i.backend.Sign(ctx, SignInput{ObjectKey: key, TTL: ttl, ExpiresAt: expires, SourceCIDR: cidr})
	if err != nil {
		if errors.Is(err, apperrors.ErrSigningKeyInvalid) || errors.Is(err, apperrors.ErrBackendUnavailable) {
			return nil, err
		}
		return nil, apperrors.E(op, apperrors.ErrBackendUnavailable, "signing failed", err)
	}

	i.log.WithFields(logrus.Fields{
		"object_key":    key,
		"category":      category,
		"ttl":           ttl.String(),
		"ip_restricted": restrict,
		"backend":       i.backend.Name(),
	}).Debug("已签发访问 URL")

	return &SignedURL{
		URL:          url,
		ExpiresAt:    expires,
		IPRestricted: restrict,
		Category:     category,
		Backend:      i.backend.Name(),
	}, nil
}

func (i *Issuer) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = i.defaultTTL
	}
	if ttl < MinTTL {
		ttl = MinTTL
	}
	if ceiling := i.backend.MaxTTL(); ceiling > 0 && ttl > ceiling {
		ttl = ceiling
	}
	return ttl
}

// requesterPrefix 单个地址转为 /32 或 /128
func requesterPrefix(ip string) (netip.Prefix, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return addr.Prefix(addr.BitLen())
}
