package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// EnvArchiveFile names the archive file for transfer commands
const EnvArchiveFile = "MLOG_ARCHIVE_FILE"

// Transfer moves a committed archive file to long term storage
type Transfer interface {
	Transfer(ctx context.Context, path string) error
}

// CommandTransfer runs a shell command for every archive file. The file
// path is passed in the MLOG_ARCHIVE_FILE environment variable.
type CommandTransfer struct {
	Command string
	Shell   string
}

// NewCommandTransfer creates a transfer running cmd with /bin/bash
func NewCommandTransfer(cmd string) *CommandTransfer {
	return &CommandTransfer{Command: cmd, Shell: "/bin/bash"}
}

func (c *CommandTransfer) Transfer(ctx context.Context, file string) error {
	cmd := exec.CommandContext(ctx, c.Shell, "-c", c.Command)
	cmd.Env = append(os.Environ(), EnvArchiveFile+"="+file)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("archive transfer command: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// PutObjectAPI is the S3 call used by S3Transfer
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config selects the bucket archive files are uploaded to
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// S3Transfer uploads archive files to an S3 bucket
type S3Transfer struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// NewS3Transfer creates an S3 transfer using the default AWS credential chain
func NewS3Transfer(ctx context.Context, cfg S3Config) (*S3Transfer, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3TransferWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3TransferWithClient creates an S3 transfer using client
func NewS3TransferWithClient(client PutObjectAPI, bucket, prefix string) *S3Transfer {
	return &S3Transfer{client: client, bucket: bucket, prefix: prefix}
}

func (t *S3Transfer) Transfer(ctx context.Context, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	key := path.Join(t.prefix, filepath.Base(file))
	_, err = t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/zstd"),
	})
	if err != nil {
		return fmt.Errorf("uploading %s to s3://%s/%s: %w", file, t.bucket, key, err)
	}
	return nil
}
