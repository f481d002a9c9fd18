package signer

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/z-wentao/courseflow/pkg/config"
)

// FromConfig 按配置创建签发器
func FromConfig(ctx context.Context, cfg config.SignerConfig, log logrus.FieldLogger) (*Issuer, error) {
	opts := []Option{
		WithDefaultTTL(cfg.DefaultTTL),
		WithPolicies(DefaultPolicies().Unrestrict(cfg.UnrestrictedCategories...)),
		WithLogger(log),
	}

	// CloudFront 签名不需要 S3 客户端，但存在性检查需要
	needS3 := cfg.Backend == "s3" || cfg.CheckExists
	var s3cfg = S3Config{
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Region:    cfg.Region,
		Endpoint:  cfg.Endpoint,
		Bucket:    cfg.Bucket,
	}

	var backend Backend
	switch cfg.Backend {
	case "cloudfront":
		cf, err := LoadCloudFrontSigner(cfg.CloudFrontDomain, cfg.CloudFrontKeyID, cfg.CloudFrontPrivateKey)
		if err != nil {
			return nil, err
		}
		backend = cf
	case "s3":
	default:
		return nil, fmt.Errorf("不支持的签名后端: %s", cfg.Backend)
	}

	if needS3 {
		client, err := NewS3Client(ctx, s3cfg)
		if err != nil {
			return nil, err
		}
		if backend == nil {
			backend = NewS3Presigner(client, cfg.Bucket)
		}
		if cfg.CheckExists {
			opts = append(opts, WithObjectChecker(NewS3ObjectChecker(client, cfg.Bucket)))
		}
	}

	log.WithFields(logrus.Fields{
		"backend":      backend.Name(),
		"check_exists": cfg.CheckExists,
	}).Info("签名后端已初始化")
	return NewIssuer(backend, opts...), nil
}
