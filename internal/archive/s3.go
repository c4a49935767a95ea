// Package archive snapshots evaluation records to S3 once their results turn
// viewable, giving operators a durable record of the dates and settings the
// lifecycle ran with.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"evaluation-scheduler/internal/models"
)

// S3API is the subset of the S3 client the uploader uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader writes JSON snapshots into a bucket.
type Uploader struct {
	api    S3API
	bucket string
}

func New(awsCfg aws.Config, bucket string) *Uploader {
	return &Uploader{api: s3.NewFromConfig(awsCfg), bucket: bucket}
}

func NewWithAPI(api S3API, bucket string) *Uploader {
	return &Uploader{api: api, bucket: bucket}
}

// ArchiveSnapshot uploads the evaluation record as JSON, keyed by evaluation
// id and snapshot time.
func (u *Uploader) ArchiveSnapshot(ctx context.Context, eval *models.Evaluation) error {
	body, err := json.MarshalIndent(eval, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	key := fmt.Sprintf("evaluations/%s/%s.json", eval.ID, time.Now().UTC().Format("20060102T150405Z"))
	_, err = u.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("upload snapshot %s: %w", key, err)
	}
	return nil
}
