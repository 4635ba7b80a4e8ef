// queue.go
//
// Redis-backed mail hand-off. QueuedMailer implements Mailer by pushing jobs
// onto a Redis list; StartWorker drains the list and passes each job to an
// inner Mailer. Raw tokens are sealed before they reach Redis.
package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// QueueKey is the Redis list used as the outbound mail queue.
const QueueKey = "warden:mail:queue"

// DefaultMaxQueueSize caps the queue so a dead worker cannot grow it without bound.
const DefaultMaxQueueSize int64 = 1000

// ErrQueueFull is returned when the queue has reached its size cap.
var ErrQueueFull = errors.New("mail queue full")

const (
	jobPasswordReset     = "password_reset"
	jobEmailVerification = "email_verification"
)

// EmailJob is the serialized payload pushed onto the queue.
type EmailJob struct {
	Type    string `json:"type"`
	ToEmail string `json:"to_email"`
	// SealedToken is the raw token encrypted with the queue key.
	SealedToken []byte `json:"sealed_token"`
	ExpiresIn   int64  `json:"expires_in"` // nanoseconds
}

// QueuedMailer enqueues email jobs so request handlers never wait on delivery.
type QueuedMailer struct {
	inner        Mailer
	rdb          *redis.Client
	key          []byte
	maxQueueSize int64 // 0 = unlimited
	pollTimeout  time.Duration
	log          *slog.Logger
}

// NewQueuedMailer wraps inner with a Redis queue. key seals tokens at rest
// (see ParseKey); maxSize caps the queue length, 0 for unlimited.
func NewQueuedMailer(inner Mailer, rdb *redis.Client, key []byte, maxSize int64) (*QueuedMailer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("queue key must be %d bytes", KeySize)
	}
	return &QueuedMailer{
		inner:        inner,
		rdb:          rdb,
		key:          key,
		maxQueueSize: maxSize,
		pollTimeout:  2 * time.Second,
		log:          slog.Default(),
	}, nil
}

// enqueueScript pushes the job only while the queue is under the cap.
// KEYS[1] = queue key, ARGV[1] = max size (0 = no cap), ARGV[2] = payload.
// Returns 1 if enqueued, 0 if full.
var enqueueScript = redis.NewScript(`
local max = tonumber(ARGV[1])
if max > 0 and redis.call('LLEN', KEYS[1]) >= max then
    return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

func (q *QueuedMailer) SendPasswordReset(ctx context.Context, toEmail, token string, expiresIn time.Duration) error {
	return q.enqueue(ctx, jobPasswordReset, toEmail, token, expiresIn)
}

func (q *QueuedMailer) SendEmailVerification(ctx context.Context, toEmail, token string, expiresIn time.Duration) error {
	return q.enqueue(ctx, jobEmailVerification, toEmail, token, expiresIn)
}

func (q *QueuedMailer) enqueue(ctx context.Context, kind, toEmail, token string, expiresIn time.Duration) error {
	sealed, err := encryptToken(q.key, []byte(token))
	if err != nil {
		return fmt.Errorf("sealing token: %w", err)
	}
	data, err := json.Marshal(EmailJob{
		Type:        kind,
		ToEmail:     toEmail,
		SealedToken: sealed,
		ExpiresIn:   int64(expiresIn),
	})
	if err != nil {
		return fmt.Errorf("marshaling email job: %w", err)
	}
	ok, err := enqueueScript.Run(ctx, q.rdb, []string{QueueKey}, q.maxQueueSize, data).Int64()
	if err != nil {
		return fmt.Errorf("enqueuing email job: %w", err)
	}
	if ok == 0 {
		return ErrQueueFull
	}
	return nil
}

// Len returns the current queue length.
func (q *QueuedMailer) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, QueueKey).Result()
}

// StartWorker drains the queue until ctx is cancelled. Call in a goroutine.
func (q *QueuedMailer) StartWorker(ctx context.Context) {
	for {
		// BLPop returns redis.Nil on timeout, which keeps the loop responsive to ctx.
		res, err := q.rdb.BLPop(ctx, q.pollTimeout, QueueKey).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			q.log.Error("mail worker: queue pop failed", "error", err)
			// Avoid spinning while Redis is down.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		// res[0] = key name, res[1] = payload
		var job EmailJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			q.log.Error("mail worker: bad job payload", "error", err)
			continue
		}
		q.dispatch(ctx, job)
	}
}

// dispatch hands job to the inner Mailer. Failures are logged and dropped.
func (q *QueuedMailer) dispatch(ctx context.Context, job EmailJob) {
	raw, err := decryptToken(q.key, job.SealedToken)
	if err != nil {
		q.log.Error("mail worker: cannot unseal token", "type", job.Type, "error", err)
		return
	}
	token, expiresIn := string(raw), time.Duration(job.ExpiresIn)

	switch job.Type {
	case jobPasswordReset:
		err = q.inner.SendPasswordReset(ctx, job.ToEmail, token, expiresIn)
	case jobEmailVerification:
		err = q.inner.SendEmailVerification(ctx, job.ToEmail, token, expiresIn)
	default:
		q.log.Error("mail worker: unknown job type", "type", job.Type)
		return
	}
	if err != nil {
		q.log.Error("mail worker: send failed", "type", job.Type, "error", err)
	}
}
