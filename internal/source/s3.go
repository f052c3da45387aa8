package source

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/ecommerce-ingest/internal/domain"
	"github.com/ignite/ecommerce-ingest/internal/pkg/retry"
)

// S3Config holds the settings for an S3 drop-prefix watcher.
type S3Config struct {
	Bucket     string
	Prefix     string
	Region     string
	AWSProfile string // empty uses the default credential chain (IAM role on ECS)
	Poll       time.Duration
	MaxFiles   int
	MaxBytes   int64
	After      string
	StartSeq   int64
}

// S3Watcher polls an S3 prefix for dropped objects. Key order under a
// prefix is lexicographic, which matches the producer's timestamped names,
// and StartAfter keeps each listing from re-walking committed keys.
type S3Watcher struct {
	client   *s3.Client
	bucket   string
	prefix   string
	poll     time.Duration
	maxFiles int
	maxBytes int64

	cursor string
	seq    int64

	listRetry retry.Policy
	closed    chan struct{}
	closeOnce sync.Once
}

// NewS3 creates an S3 watcher, loading AWS credentials the same way the
// rest of the fleet does: explicit profile locally, IAM role on ECS.
func NewS3(ctx context.Context, cfg S3Config) (*S3Watcher, error) {
	var awsCfg aws.Config
	var err error
	if cfg.AWSProfile != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithSharedConfigProfile(cfg.AWSProfile),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	w := &S3Watcher{
		client:    s3.NewFromConfig(awsCfg),
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		poll:      cfg.Poll,
		maxFiles:  cfg.MaxFiles,
		maxBytes:  cfg.MaxBytes,
		cursor:    cfg.After,
		seq:       cfg.StartSeq,
		listRetry: retry.DefaultPolicy(),
		closed:    make(chan struct{}),
	}
	if w.poll <= 0 {
		w.poll = 5 * time.Second
	}
	if w.maxFiles <= 0 {
		w.maxFiles = 16
	}
	return w, nil
}

// Next blocks until new objects form a batch, the context ends, or the
// watcher is closed.
func (w *S3Watcher) Next(ctx context.Context) (*domain.Batch, error) {
	for {
		select {
		case <-w.closed:
			return nil, ErrClosed
		default:
		}

		batch, err := w.scan(ctx)
		if err != nil {
			return nil, err
		}
		if batch != nil {
			return batch, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.closed:
			return nil, ErrClosed
		case <-time.After(w.poll):
		}
	}
}

func (w *S3Watcher) scan(ctx context.Context) (*domain.Batch, error) {
	var candidates []domain.SourceRef
	err := retry.Do(ctx, w.listRetry, nil, func(ctx context.Context) error {
		candidates = candidates[:0]
		input := &s3.ListObjectsV2Input{
			Bucket: aws.String(w.bucket),
			Prefix: aws.String(w.prefix),
		}
		if w.cursor != "" {
			input.StartAfter = aws.String(w.cursor)
		}
		paginator := s3.NewListObjectsV2Paginator(w.client, input)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return fmt.Errorf("list objects: %w", err)
			}
			for _, obj := range page.Contents {
				key := aws.ToString(obj.Key)
				if obj.Size == nil || *obj.Size == 0 {
					continue
				}
				if strings.Contains(key, "processed/") {
					continue
				}
				if !strings.HasSuffix(strings.ToLower(key), ".csv") {
					continue
				}
				if key <= w.cursor {
					continue
				}
				candidates = append(candidates, domain.SourceRef{Name: key, Size: *obj.Size})
			}
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("[Source] list s3://%s/%s: %v", w.bucket, w.prefix, err)
		return nil, nil
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })

	var sources []domain.SourceRef
	var total int64
	for _, ref := range candidates {
		if len(sources) >= w.maxFiles {
			break
		}
		if len(sources) > 0 && w.maxBytes > 0 && total+ref.Size > w.maxBytes {
			break
		}
		sources = append(sources, ref)
		total += ref.Size
	}

	batch := &domain.Batch{
		ID:           domain.BatchID(sources),
		Seq:          w.seq,
		Sources:      sources,
		DiscoveredAt: time.Now().UTC(),
		Status:       domain.BatchDiscovered,
	}
	w.seq++
	w.cursor = batch.LastSource()
	return batch, nil
}

// Read downloads each object and parses its records. An unreadable object
// is skipped and counted; the rest of the batch still loads.
func (w *S3Watcher) Read(ctx context.Context, batch *domain.Batch) (*ReadResult, error) {
	res := &ReadResult{}
	for _, ref := range batch.Sources {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		records, err := w.readObject(ctx, ref.Name, len(res.Records))
		if err != nil {
			log.Printf("[Source] read s3://%s/%s: %v (skipped)", w.bucket, ref.Name, err)
			res.SourcesSkipped++
			continue
		}
		res.Records = append(res.Records, records...)
	}
	return res, nil
}

func (w *S3Watcher) readObject(ctx context.Context, key string, startOrdinal int) ([]domain.RawRecord, error) {
	out, err := w.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()
	return readCSV(out.Body, key, startOrdinal)
}

// Settle is a no-op: re-delivery of uncommitted keys comes from the
// checkpoint cursor at restart.
func (w *S3Watcher) Settle(ctx context.Context, batch *domain.Batch, committed bool) {}

// Close stops the watcher. Next returns ErrClosed afterwards.
func (w *S3Watcher) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	return nil
}
