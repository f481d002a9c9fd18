package signer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/z-wentao/courseflow/pkg/apperrors"
)

// S3MaxTTL SigV4 预签名 URL 的有效期上限
const S3MaxTTL = 7 * 24 * time.Hour

// S3Config S3 兼容存储配置（AWS、MinIO、DigitalOcean Spaces 等）
type S3Config struct {
	AccessKey string
	SecretKey string
	Region    string
	Endpoint  string
	Bucket    string
}

// NewS3Client 创建 S3 客户端。配置了 Endpoint 时使用路径风格访问。
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("加载 AWS 配置失败: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// S3Presigner 使用 S3 预签名 GET 请求，不支持 IP 限制
type S3Presigner struct {
	bucket  string
	presign *s3.PresignClient
}

func NewS3Presigner(client *s3.Client, bucket string) *S3Presigner {
	return &S3Presigner{bucket: bucket, presign: s3.NewPresignClient(client)}
}

func (p *S3Presigner) Name() string                { return "s3" }
func (p *S3Presigner) MaxTTL() time.Duration       { return S3MaxTTL }
func (p *S3Presigner) SupportsIPRestriction() bool { return false }

// Sign 预签名 GetObject，SourceCIDR 被忽略
func (p *S3Presigner) Sign(ctx context.Context, in SignInput) (string, error) {
	req, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(in.ObjectKey),
	}, s3.WithPresignExpires(in.TTL))
	if err != nil {
		return "", classifyS3Error("signer.S3Presigner.Sign", err)
	}
	return req.URL, nil
}

// S3ObjectChecker 通过 HeadObject 检查对象是否存在
type S3ObjectChecker struct {
	client *s3.Client
	bucket string
}

func NewS3ObjectChecker(client *s3.Client, bucket string) *S3ObjectChecker {
	return &S3ObjectChecker{client: client, bucket: bucket}
}

func (c *S3ObjectChecker) Exists(ctx context.Context, objectKey string) (bool, error) {
	_, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(objectKey),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, classifyS3Error("signer.S3ObjectChecker.Exists", err)
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

func classifyS3Error(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "AccessDenied":
			return apperrors.E(op, apperrors.ErrSigningKeyInvalid, apiErr.ErrorMessage(), err)
		}
	}
	return apperrors.E(op, apperrors.ErrBackendUnavailable, "s3 request failed", err)
}
