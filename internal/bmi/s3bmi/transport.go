package s3bmi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/objectfs/pvfs2client/internal/bmi"
	"github.com/objectfs/pvfs2client/internal/circuit"
)

// Transport implements bmi.Transport over one S3 bucket: every Addr gets
// its own key prefix acting as an unexpected-message queue. Send appends
// one object; Receive lists the prefix, takes the lexicographically first
// key (messages are named with a monotonic nanosecond prefix, so list
// order is arrival order), fetches and deletes it.
type Transport struct {
	cfg     *Config
	pool    *ConnectionPool
	breaker *circuit.CircuitBreaker
}

// NewTransport builds a Transport against cfg.Bucket, using the SDK's
// default credential chain.
func NewTransport(ctx context.Context, cfg *Config) (*Transport, error) {
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

	return &Transport{cfg: cfg, pool: pool, breaker: newBreaker("s3bmi-transport")}, nil
}

func mailboxPrefix(addr bmi.Addr) string {
	return fmt.Sprintf("mailbox/%s/", strings.ReplaceAll(string(addr), "/", "_"))
}

func mailboxKey(addr bmi.Addr) string {
	return fmt.Sprintf("%s%020d-%s.msg", mailboxPrefix(addr), time.Now().UnixNano(), uuid.NewString())
}

// Send posts msg to addr's mailbox.
func (t *Transport) Send(ctx context.Context, addr bmi.Addr, msg bmi.Message) error {
	client, err := t.pool.Get()
	if err != nil {
		return translateError(err, "Send", string(addr))
	}
	defer t.pool.Put(client)

	key := mailboxKey(addr)
	err = t.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		_, err := client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(t.cfg.Bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(msg),
			ContentLength: aws.Int64(int64(len(msg))),
		})
		return err
	})
	if err != nil {
		return translateError(err, "Send", key)
	}
	return nil
}

// Receive blocks, polling addr's mailbox at cfg.ReceivePollInterval, until
// a message arrives or ctx is done.
func (t *Transport) Receive(ctx context.Context, addr bmi.Addr) (bmi.Message, error) {
	interval := t.cfg.ReceivePollInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}

	for {
		msg, ok, err := t.tryReceive(ctx, addr)
		if err != nil {
			return nil, err
		}
		if ok {
			return msg, nil
		}

		select {
		case <-ctx.Done():
			return nil, translateError(ctx.Err(), "Receive", string(addr))
		case <-time.After(interval):
		}
	}
}

func (t *Transport) tryReceive(ctx context.Context, addr bmi.Addr) (bmi.Message, bool, error) {
	client, err := t.pool.Get()
	if err != nil {
		return nil, false, translateError(err, "Receive", string(addr))
	}
	defer t.pool.Put(client)

	var keys []string
	err = t.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(t.cfg.Bucket),
			Prefix: aws.String(mailboxPrefix(addr)),
		})
		if err != nil {
			return err
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		return nil
	})
	if err != nil {
		return nil, false, translateError(err, "Receive", string(addr))
	}
	if len(keys) == 0 {
		return nil, false, nil
	}
	sort.Strings(keys)
	key := keys[0]

	var body []byte
	err = t.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(t.cfg.Bucket), Key: aws.String(key)})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		body, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		if isErrorType[*s3types.NoSuchKey](err) {
			// Another receiver already took it; retry the poll.
			return nil, false, nil
		}
		return nil, false, translateError(err, "Receive", key)
	}

	_, _ = client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(t.cfg.Bucket), Key: aws.String(key)})
	return body, true, nil
}

// LookupAddr treats name as already being the bucket-relative addressing
// scheme this adapter uses, e.g. "s3://meta0".
func (t *Transport) LookupAddr(ctx context.Context, name string) (bmi.Addr, error) {
	return bmi.Addr(name), nil
}

// ReverseLookup is the identity inverse of LookupAddr.
func (t *Transport) ReverseLookup(ctx context.Context, addr bmi.Addr) (string, error) {
	return string(addr), nil
}

// Cancel has nothing to abort: Send/Receive are single round trips against
// S3, not long-lived streams.
func (t *Transport) Cancel(ctx context.Context, id string) error { return nil }

// Close releases the underlying client pool.
func (t *Transport) Close() error { return t.pool.Close() }

var _ bmi.Transport = (*Transport)(nil)
