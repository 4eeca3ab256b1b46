package alert

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/jordan-wright/email"
	"go.uber.org/zap"
)

type sendFunc func(e *email.Email, addr string, auth smtp.Auth) error

type EmailNotifier struct {
	cfg  SMTPConfig
	log  *zap.Logger
	send sendFunc
}

func NewEmailNotifier(cfg SMTPConfig, log *zap.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg: cfg,
		log: log.Named("alert"),
		send: func(e *email.Email, addr string, auth smtp.Auth) error {
			return e.Send(addr, auth)
		},
	}
}

func (n *EmailNotifier) NotifyDivergence(ctx context.Context, d Divergence) error {
	logDivergence(n.log, d)

	e := email.NewEmail()
	e.From = n.cfg.From
	e.To = n.cfg.recipients()
	e.Subject = fmt.Sprintf("%s divergence on schedule %s (%s)", n.cfg.SubjectPrefix, d.ScheduleID, d.Operation)
	e.Text = []byte(renderDivergence(d))

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- n.send(e, n.cfg.Host+":"+n.cfg.Port, auth)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			n.log.Warn("divergence alert email failed", zap.String("schedule_id", d.ScheduleID), zap.Error(err))
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func renderDivergence(d Divergence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Operation:   %s\n", d.Operation)
	fmt.Fprintf(&b, "Schedule:    %s\n", d.ScheduleID)
	fmt.Fprintf(&b, "Remote ref:  %s\n", d.RemoteRef)
	fmt.Fprintf(&b, "Occurred at: %s\n", d.OccurredAt.UTC().Format(time.RFC3339))
	if d.Err != nil {
		fmt.Fprintf(&b, "Error:       %s\n", d.Err.Error())
	}
	b.WriteString("\nThe processor accepted the change but it was not recorded locally. Reconcile manually.\n")
	return b.String()
}
