package signer

import (
	"context"
	"crypto/rsa"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/cloudfront/sign"

	"github.com/z-wentao/courseflow/pkg/apperrors"
)

// CloudFrontMaxTTL CloudFront 签名 URL 的有效期上限
const CloudFrontMaxTTL = 30 * 24 * time.Hour

// CloudFrontSigner 使用自定义策略签名 CloudFront URL，支持 IP 限制
type CloudFrontSigner struct {
	domain string
	signer *sign.URLSigner
}

// NewCloudFrontSigner 用已加载的私钥创建
func NewCloudFrontSigner(domain, keyID string, key *rsa.PrivateKey) (*CloudFrontSigner, error) {
	const op = "signer.NewCloudFrontSigner"
	if key == nil || strings.TrimSpace(keyID) == "" {
		return nil, apperrors.E(op, apperrors.ErrSigningKeyInvalid, "key pair id and private key are required", nil)
	}
	if err := key.Validate(); err != nil {
		return nil, apperrors.E(op, apperrors.ErrSigningKeyInvalid, "private key failed validation", err)
	}
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return nil, apperrors.InvalidInput(op, "cloudfront domain is required")
	}
	if !strings.Contains(domain, "://") {
		domain = "https://" + domain
	}
	return &CloudFrontSigner{
		domain: strings.TrimRight(domain, "/"),
		signer: sign.NewURLSigner(keyID, key),
	}, nil
}

// LoadCloudFrontSigner 从 PEM 文件加载私钥
func LoadCloudFrontSigner(domain, keyID, pemPath string) (*CloudFrontSigner, error) {
	key, err := sign.LoadPEMPrivKeyFile(pemPath)
	if err != nil {
		return nil, apperrors.E("signer.LoadCloudFrontSigner", apperrors.ErrSigningKeyInvalid, "加载 CloudFront 私钥失败", err)
	}
	return NewCloudFrontSigner(domain, keyID, key)
}

func (s *CloudFrontSigner) Name() string                { return "cloudfront" }
func (s *CloudFrontSigner) MaxTTL() time.Duration       { return CloudFrontMaxTTL }
func (s *CloudFrontSigner) SupportsIPRestriction() bool { return true }

// Sign 生成带自定义策略的签名 URL
func (s *CloudFrontSigner) Sign(ctx context.Context, in SignInput) (string, error) {
	resource := s.domain + "/" + escapeKey(in.ObjectKey)

	cond := sign.Condition{DateLessThan: sign.NewAWSEpochTime(in.ExpiresAt)}
	if in.SourceCIDR != "" {
		cond.IPAddress = &sign.IPAddress{SourceIP: in.SourceCIDR}
	}
	policy := &sign.Policy{
		Statements: []sign.Statement{{Resource: resource, Condition: cond}},
	}

	signed, err := s.signer.SignWithPolicy(resource, policy)
	if err != nil {
		return "", apperrors.E("signer.CloudFrontSigner.Sign", apperrors.ErrSigningKeyInvalid, "签名失败", err)
	}
	return signed, nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
