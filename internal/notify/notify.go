// Package notify sends a short email summary when a task run reaches a
// terminal status.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nadmax/rowpilot/internal/config"
	"github.com/nadmax/rowpilot/internal/task"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
)

type Notifier interface {
	TaskFinished(ctx context.Context, t *task.Task) error
}

type sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type SendGridNotifier struct {
	client sender
	from   *mail.Email
	to     []*mail.Email
	log    *zap.SugaredLogger
}

// New returns a SendGrid notifier when notifications are configured and a
// no-op notifier otherwise.
func New(cfg config.NotifyConfig, log *zap.SugaredLogger) Notifier {
	if !cfg.Enabled() {
		return Nop{}
	}

	return newSendGridNotifier(sendgrid.NewSendClient(cfg.SendGridAPIKey), cfg, log)
}

func newSendGridNotifier(client sender, cfg config.NotifyConfig, log *zap.SugaredLogger) *SendGridNotifier {
	var to []*mail.Email
	for _, addr := range strings.Split(cfg.To, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, mail.NewEmail("", addr))
		}
	}

	return &SendGridNotifier{
		client: client,
		from:   mail.NewEmail(cfg.FromName, cfg.FromAddress),
		to:     to,
		log:    log,
	}
}

func (n *SendGridNotifier) TaskFinished(ctx context.Context, t *task.Task) error {
	subject, body := Summary(t)

	personalization := mail.NewPersonalization()
	personalization.AddTos(n.to...)

	email := mail.NewV3Mail()
	email.SetFrom(n.from)
	email.Subject = subject
	email.AddPersonalizations(personalization)
	email.AddContent(mail.NewContent("text/plain", body))

	response, err := n.client.SendWithContext(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	n.log.Infow("notification_sent", "task_id", t.ID, "status", t.Status, "recipients", len(n.to))
	return nil
}

// Summary renders the subject and plain text body for a finished task.
func Summary(t *task.Task) (string, string) {
	subject := fmt.Sprintf("[rowpilot] %s %s", t.Name, t.Status)

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s (%s)\n", t.Name, t.ID)
	fmt.Fprintf(&b, "Status: %s\n", t.Status)
	fmt.Fprintf(&b, "Rows: %d processed of %d (%d succeeded, %d failed)\n",
		t.ProcessedCount, t.TotalCount, t.SuccessCount, t.ErrorCount)
	if t.StartedAt != nil && t.CompletedAt != nil {
		fmt.Fprintf(&b, "Duration: %s\n", t.CompletedAt.Sub(*t.StartedAt).Round(time.Second))
	}
	if t.FailureReason != "" {
		fmt.Fprintf(&b, "Failure: %s\n", t.FailureReason)
	}
	if t.ResultPath != "" {
		fmt.Fprintf(&b, "Result: %s\n", t.ResultPath)
	}

	return subject, b.String()
}

type Nop struct{}

func (Nop) TaskFinished(context.Context, *task.Task) error { return nil }
