package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/atrium-pm/atrium/internal/billing"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskTypeSendEmail delivers one transactional email.
	TaskTypeSendEmail = "mail:send"

	// Billing sweep task types, one per scheduled batch job.
	TaskBillingRecurring = "billing:recurring"
	TaskBillingOverdue   = "billing:overdue"
	TaskBillingLateFee   = "billing:latefee"
	TaskBillingReminder  = "billing:reminder"
)

// SendEmailPayload describes the information required to send an email.
// Attachment bytes travel base64-encoded through the queue.
type SendEmailPayload struct {
	To             string `json:"to"`
	Kind           string `json:"kind"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	Attachment     []byte `json:"attachment,omitempty"`
	AttachmentName string `json:"attachmentName,omitempty"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

// SweepPayload carries the reference date of a sweep run. An empty date
// means "today" at execution time, which is what the cron entries use.
type SweepPayload struct {
	Date string `json:"date,omitempty"`
}

// NewSweepTask constructs a sweep task for the given task type.
func NewSweepTask(taskType string, date time.Time) (*asynq.Task, error) {
	payload := SweepPayload{}
	if !date.IsZero() {
		payload.Date = date.Format("2006-01-02")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data), nil
}

// MailHandler processes TaskTypeSendEmail tasks by delivering through the
// configured notifier.
type MailHandler struct {
	notifier billing.Notifier
}

// NewMailHandler constructs a MailHandler.
func NewMailHandler(notifier billing.Notifier) *MailHandler {
	return &MailHandler{notifier: notifier}
}

// Handle delivers one queued email. Malformed payloads are dropped.
func (h *MailHandler) Handle(ctx context.Context, t *asynq.Task) error {
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	return h.notifier.Send(ctx, billing.Notification{
		To:             payload.To,
		Kind:           billing.NotificationKind(payload.Kind),
		Subject:        payload.Subject,
		Body:           payload.Body,
		Attachment:     payload.Attachment,
		AttachmentName: payload.AttachmentName,
	})
}

// QueueNotifier satisfies billing.Notifier by enqueueing a mail:send task
// instead of talking to SMTP inline. The HTTP server uses it so request
// handlers never block on mail delivery.
type QueueNotifier struct {
	client *Client
}

// NewQueueNotifier constructs a QueueNotifier.
func NewQueueNotifier(client *Client) *QueueNotifier {
	return &QueueNotifier{client: client}
}

// Send enqueues the notification.
func (q *QueueNotifier) Send(ctx context.Context, n billing.Notification) error {
	task, err := NewSendEmailTask(SendEmailPayload{
		To:             n.To,
		Kind:           string(n.Kind),
		Subject:        n.Subject,
		Body:           n.Body,
		Attachment:     n.Attachment,
		AttachmentName: n.AttachmentName,
	})
	if err != nil {
		return err
	}
	_, err = q.client.Enqueue(ctx, task)
	return err
}
