package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cartahq/carta/backend/internal/storage"
	"github.com/cartahq/carta/backend/internal/util"
	"github.com/cartahq/carta/backend/pkg/common"
	"github.com/cartahq/carta/backend/pkg/dedupe"
	"github.com/cartahq/carta/backend/pkg/extract"
	"github.com/cartahq/carta/backend/pkg/gap"
	"github.com/cartahq/carta/backend/pkg/leaselock"
	"github.com/cartahq/carta/backend/pkg/logger"
	"github.com/cartahq/carta/backend/pkg/store"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStore is the pipeline's view of raw artifact storage.
type ObjectStore interface {
	Read(ctx context.Context, storageRef string) ([]byte, error)
	PurgeTenant(ctx context.Context, tenantID string) error
}

// S3ObjectStore reads artifact bytes and purges tenant folders on S3.
type S3ObjectStore struct {
	client *s3.Client
}

func NewS3ObjectStore(client *s3.Client) *S3ObjectStore {
	return &S3ObjectStore{client: client}
}

func (o *S3ObjectStore) Read(ctx context.Context, storageRef string) ([]byte, error) {
	return storage.GetFile(ctx, o.client, storageRef)
}

func (o *S3ObjectStore) PurgeTenant(ctx context.Context, tenantID string) error {
	return storage.DeleteFolder(ctx, o.client, tenantID+"/")
}

// Pipeline holds the consumers of the four stage queues. Handlers return nil
// when the delivery is settled, including handled failures; a non-nil return
// sends the delivery through the queue-level retry path.
type Pipeline struct {
	store     store.GraphStore
	extractor *extract.Extractor
	resolver  *dedupe.Resolver
	analyzer  *gap.Analyzer
	objects   ObjectStore
	pub       Publisher
	locks     *leaselock.Client

	maxAttempts  int
	stageTimeout time.Duration
	retryBase    time.Duration
	now          func() time.Time
}

// NewPipelineParams configures a Pipeline. Locks may be nil when a single
// worker process owns all tenants; merges then rely on store-level
// serialization alone.
type NewPipelineParams struct {
	Store     store.GraphStore
	Extractor *extract.Extractor
	Resolver  *dedupe.Resolver
	Analyzer  *gap.Analyzer
	Objects   ObjectStore
	Publisher Publisher
	Locks     *leaselock.Client

	// MaxAttempts bounds stage-level retries of transient errors before
	// the artifact fails terminally. StageTimeout bounds each attempt.
	MaxAttempts  int
	StageTimeout time.Duration
	RetryBase    time.Duration

	Now func() time.Time
}

// NewPipeline creates a Pipeline with the provided parameters.
func NewPipeline(params NewPipelineParams) *Pipeline {
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = int(util.GetEnvNumeric("PIPELINE_MAX_ATTEMPTS", 3))
	}
	stageTimeout := params.StageTimeout
	if stageTimeout <= 0 {
		stageTimeout = 2 * time.Minute
	}
	retryBase := params.RetryBase
	if retryBase <= 0 {
		retryBase = 500 * time.Millisecond
	}
	resolver := params.Resolver
	if resolver == nil {
		resolver = dedupe.NewResolver(dedupe.NewResolverParams{})
	}
	analyzer := params.Analyzer
	if analyzer == nil {
		analyzer = gap.NewAnalyzer(gap.NewAnalyzerParams{})
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Pipeline{
		store:        params.Store,
		extractor:    params.Extractor,
		resolver:     resolver,
		analyzer:     analyzer,
		objects:      params.Objects,
		pub:          params.Publisher,
		locks:        params.Locks,
		maxAttempts:  maxAttempts,
		stageTimeout: stageTimeout,
		retryBase:    retryBase,
		now:          now,
	}
}

// Handler returns the consumer for one stage queue.
func (p *Pipeline) Handler(queueName string) func(ctx context.Context, body []byte) error {
	switch queueName {
	case IngestQueue:
		return p.ProcessIngest
	case MergeQueue:
		return p.ProcessMerge
	case InsightQueue:
		return p.ProcessInsight
	case RetractQueue:
		return p.ProcessRetract
	}
	return nil
}

// retryStage runs fn with a per-attempt timeout, backing off between
// attempts. Permanent errors abort immediately; the last error is returned
// once attempts are exhausted.
func (p *Pipeline) retryStage(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		stageCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
		err = fn(stageCtx)
		cancel()
		if err == nil {
			return nil
		}
		if permanentErr(err) {
			return err
		}
		if attempt < p.maxAttempts-1 {
			backoff := p.retryBase * (1 << attempt)
			if serr := util.SleepWithJitter(ctx, backoff, backoff/2); serr != nil {
				return err
			}
		}
	}
	return err
}

// permanentErr reports whether retrying cannot help.
func permanentErr(err error) bool {
	return errors.Is(err, common.ErrInvalidArtifact) ||
		errors.Is(err, common.ErrPermissionDenied) ||
		errors.Is(err, common.ErrGraphInconsistency)
}

// failArtifact terminally fails the artifact and emits the failure event.
// The event is emitted only on the first failure; replays see the artifact
// already failed and stay silent.
func (p *Pipeline) failArtifact(
	ctx context.Context,
	tenantID, artifactID string,
	stage common.ArtifactState,
	cause error,
) {
	reason := common.FailureReason(cause)
	logger.Error("[Pipeline] artifact failed",
		"tenant", tenantID,
		"artifact", artifactID,
		"stage", stage,
		"reason", reason,
		"err", cause,
	)

	if a, err := p.store.GetArtifact(ctx, tenantID, artifactID); err == nil && a.State == common.ArtifactFailed {
		return
	}
	if err := p.store.FailArtifact(ctx, tenantID, artifactID, stage, reason); err != nil {
		logger.Error("[Pipeline] failed to record artifact failure",
			"tenant", tenantID, "artifact", artifactID, "err", err)
		return
	}

	p.publishTopic(ctx, tenantID, TopicArtifactFailed, ArtifactFailed{
		ArtifactID: artifactID,
		Stage:      string(stage),
		Reason:     reason,
	})
}

// publishTopic emits a notification with a fresh tenant sequence number.
// Notification loss is logged, never fatal to the stage.
func (p *Pipeline) publishTopic(ctx context.Context, tenantID, topic string, payload any) {
	seq, err := p.store.NextSeq(ctx, tenantID)
	if err != nil {
		logger.Error("[Pipeline] failed to issue event sequence",
			"tenant", tenantID, "topic", topic, "err", err)
		return
	}
	body, err := Marshal(topic, tenantID, seq, payload)
	if err != nil {
		logger.Error("[Pipeline] failed to marshal event",
			"tenant", tenantID, "topic", topic, "err", err)
		return
	}
	if err := p.pub.PublishTopic(topic, body); err != nil {
		logger.Error("[Pipeline] failed to publish event",
			"tenant", tenantID, "topic", topic, "err", err)
	}
}

// publishFIFO emits a stage-driving message with a fresh tenant sequence
// number. Unlike notifications, a lost stage message is an error: the next
// stage would never run.
func (p *Pipeline) publishFIFO(ctx context.Context, tenantID, queueName, topic string, payload any) error {
	seq, err := p.store.NextSeq(ctx, tenantID)
	if err != nil {
		return err
	}
	body, err := Marshal(topic, tenantID, seq, payload)
	if err != nil {
		return err
	}
	return p.pub.PublishFIFO(queueName, body)
}

// skipTenant reports whether the tenant is tombstoned; events of deleted
// tenants are dropped at stage boundaries.
func (p *Pipeline) skipTenant(ctx context.Context, tenantID, topic string) bool {
	aborted, err := p.store.TenantAborted(ctx, tenantID)
	if err != nil {
		logger.Error("[Pipeline] tenant tombstone check failed",
			"tenant", tenantID, "topic", topic, "err", err)
		return false
	}
	if aborted {
		logger.Info("[Pipeline] dropping event of deleted tenant",
			"tenant", tenantID, "topic", topic)
	}
	return aborted
}
