package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// API is the subset of the SQS client the replay queue uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// ReplayJob asks a replay worker to re-run one failed webhook_events row.
// The payload stays in Postgres; SQS only carries the id.
type ReplayJob struct {
	WebhookEventID string    `json:"webhookEventId"`
	Source         string    `json:"source"`
	Attempts       int       `json:"attempts"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
}

type Producer struct {
	SQS      API
	QueueURL string
}

func (p *Producer) EnqueueReplay(ctx context.Context, job ReplayJob) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if isFIFO(p.QueueURL) {
		// one group per event keeps replays of the same row ordered; the
		// attempt number lets a later replay of the same row through dedup
		in.MessageGroupId = str(job.WebhookEventID)
		in.MessageDeduplicationId = str(fmt.Sprintf("%s:%d", job.WebhookEventID, job.Attempts))
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

func isFIFO(queueURL string) bool {
	return strings.HasSuffix(queueURL, ".fifo")
}

func str(s string) *string { return &s }
