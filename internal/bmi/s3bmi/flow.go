package s3bmi

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/objectfs/pvfs2client/internal/bmi"
	"github.com/objectfs/pvfs2client/internal/circuit"
)

// Flow implements bmi.Flow over the same bucket as Transport: each dfile
// handle is one S3 object. A read issues a ranged GetObject; a write
// reads the current object (if any), splices buf in at fd.Offset, and
// writes the result back — through cargoship's multipart transporter once
// the resulting object crosses cfg.MultipartThreshold, otherwise via a
// plain PutObject.
type Flow struct {
	cfg         *Config
	pool        *ConnectionPool
	breaker     *circuit.CircuitBreaker
	transporter *cargoships3.Transporter
}

// NewFlow builds a Flow against cfg.Bucket.
func NewFlow(ctx context.Context, cfg *Config) (*Flow, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := requireBucket(cfg); err != nil {
		return nil, err
	}

	awsCfg, err := newAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("s3bmi: load aws config: %w", err)
	}

	pool, err := NewConnectionPool(cfg.PoolSize, newS3ClientFactory(awsCfg, cfg))
	if err != nil {
		return nil, fmt.Errorf("s3bmi: new connection pool: %w", err)
	}

	flow := &Flow{cfg: cfg, pool: pool, breaker: newBreaker("s3bmi-flow")}

	if cfg.EnableCargoShipOptimization {
		client, err := pool.Get()
		if err != nil {
			return nil, translateError(err, "NewFlow", cfg.Bucket)
		}
		defer pool.Put(client)

		flow.transporter = cargoships3.NewTransporter(client, awsconfig.S3Config{
			Bucket:             cfg.Bucket,
			StorageClass:       awsconfig.StorageClassStandard,
			MultipartThreshold: cfg.MultipartThreshold,
			MultipartChunkSize: cfg.MultipartChunkSize,
			Concurrency:        cfg.MultipartConcurrency,
		})
	}

	return flow, nil
}

func dfileKey(handle uint64) string {
	return fmt.Sprintf("dfiles/%020d", handle)
}

// Post moves len(buf) bytes between fd's dfile object and buf, at
// fd.Offset, in the direction fd.IsWrite names (spec.md's per-dfile
// striped I/O, §4.5.3).
func (f *Flow) Post(ctx context.Context, fd bmi.FlowDescriptor, buf []byte) (int, error) {
	if fd.IsWrite {
		return f.postWrite(ctx, fd, buf)
	}
	return f.postRead(ctx, fd, buf)
}

func (f *Flow) postRead(ctx context.Context, fd bmi.FlowDescriptor, buf []byte) (int, error) {
	client, err := f.pool.Get()
	if err != nil {
		return 0, translateError(err, "Post", dfileKey(fd.Handle))
	}
	defer f.pool.Put(client)

	key := dfileKey(fd.Handle)
	rng := aws.String(fmt.Sprintf("bytes=%d-%d", fd.Offset, fd.Offset+fd.Length-1))

	var n int
	err = f.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		out, err := client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(f.cfg.Bucket),
			Key:    aws.String(key),
			Range:  rng,
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		n, err = io.ReadFull(out.Body, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			err = nil
		}
		return err
	})
	if err != nil {
		if isErrorType[*s3types.NoSuchKey](err) {
			// No data written yet at this handle; a read against an empty
			// dfile returns zero bytes rather than an error.
			return 0, nil
		}
		return 0, translateError(err, "Post", key)
	}
	return n, nil
}

func (f *Flow) postWrite(ctx context.Context, fd bmi.FlowDescriptor, buf []byte) (int, error) {
	client, err := f.pool.Get()
	if err != nil {
		return 0, translateError(err, "Post", dfileKey(fd.Handle))
	}
	defer f.pool.Put(client)

	key := dfileKey(fd.Handle)

	existing, err := f.getWhole(ctx, client, key)
	if err != nil {
		return 0, err
	}

	needed := fd.Offset + int64(len(buf))
	if int64(len(existing)) < needed {
		grown := make([]byte, needed)
		copy(grown, existing)
		existing = grown
	}
	copy(existing[fd.Offset:], buf)

	if f.transporter != nil && int64(len(existing)) >= f.cfg.MultipartThreshold {
		_, err := f.transporter.Upload(ctx, cargoships3.Archive{
			Key:    key,
			Reader: bytes.NewReader(existing),
			Size:   int64(len(existing)),
		})
		if err != nil {
			return 0, translateError(err, "Post", key)
		}
		return len(buf), nil
	}

	err = f.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		_, err := client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(f.cfg.Bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(existing),
			ContentLength: aws.Int64(int64(len(existing))),
		})
		return err
	})
	if err != nil {
		return 0, translateError(err, "Post", key)
	}
	return len(buf), nil
}

func (f *Flow) getWhole(ctx context.Context, client *s3.Client, key string) ([]byte, error) {
	var body []byte
	err := f.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(f.cfg.Bucket), Key: aws.String(key)})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		body, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		if isErrorType[*s3types.NoSuchKey](err) {
			return nil, nil
		}
		return nil, translateError(err, "Post", key)
	}
	return body, nil
}

// Cancel has nothing to abort: each Post is a single bounded request, not
// a resumable multipart session the caller holds open across calls.
func (f *Flow) Cancel(ctx context.Context, id string) error { return nil }

// Close releases the underlying client pool.
func (f *Flow) Close() error { return f.pool.Close() }

var _ bmi.Flow = (*Flow)(nil)
