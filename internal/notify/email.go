package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/leak-sentinel/internal/config"
	"github.com/raaihank/leak-sentinel/internal/logger"
	"github.com/raaihank/leak-sentinel/internal/scan"
	"github.com/raaihank/leak-sentinel/internal/store"
)

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// ReportRecorder persists the outcome of each email.
type ReportRecorder interface {
	RecordReport(ctx context.Context, report *store.Report) error
}

// Email sends scan summaries over SMTP.
type Email struct {
	cfg      config.ReportConfig
	recorder ReportRecorder
	logger   *logger.Logger
	send     sendFunc
	now      func() time.Time
}

// NewEmail creates an SMTP notifier. recorder may be nil.
func NewEmail(cfg config.ReportConfig, recorder ReportRecorder, log *logger.Logger) (*Email, error) {
	if cfg.SMTPServer == "" || cfg.From == "" || cfg.To == "" {
		return nil, errors.New("email report requires smtp_server, from and to")
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Email{
		cfg:      cfg,
		recorder: recorder,
		logger:   log.WithComponent("email"),
		send:     smtp.SendMail,
		now:      time.Now,
	}, nil
}

// Notify mails the summary to the configured recipients.
func (e *Email) Notify(ctx context.Context, s *scan.Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	subject := fmt.Sprintf("%s: %d detections on %s", e.subjectPrefix(), s.Detections, s.Domain)
	if err := e.deliver(ctx, s.ScanID, subject, BuildReport(s)); err != nil {
		return fmt.Errorf("send report: %w", err)
	}

	e.logger.Info("Scan report sent",
		zap.String("scan_id", s.ScanID),
		zap.Int("detections", s.Detections),
	)
	return nil
}

// SendTest mails a short message to check the SMTP settings.
func (e *Email) SendTest(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	subject := e.subjectPrefix() + ": test message"
	body := fmt.Sprintf("This is a test message sent at %s.\nReport delivery is configured correctly.\n",
		e.now().UTC().Format(time.RFC3339))
	if err := e.deliver(ctx, "", subject, body); err != nil {
		return fmt.Errorf("send test email: %w", err)
	}

	e.logger.Info("Test email sent")
	return nil
}

func (e *Email) deliver(ctx context.Context, scanID, subject, body string) error {
	recipients := splitAddresses(e.cfg.To)
	addr := net.JoinHostPort(e.cfg.SMTPServer, strconv.Itoa(e.cfg.SMTPPort))

	var auth smtp.Auth
	if e.cfg.Password != "" {
		auth = smtp.PlainAuth("", e.cfg.From, e.cfg.Password, e.cfg.SMTPServer)
	}

	err := e.send(addr, auth, e.cfg.From, recipients, e.message(recipients, subject, body))
	e.record(ctx, scanID, strings.Join(recipients, ", "), subject, err)
	return err
}

// record stores the delivery outcome. The caller's context may already be
// cancelled by the time a slow SMTP server answers.
func (e *Email) record(ctx context.Context, scanID, recipient, subject string, sendErr error) {
	if e.recorder == nil {
		return
	}

	report := &store.Report{
		ScanID:    scanID,
		Recipient: recipient,
		Subject:   subject,
		Status:    store.ReportSent,
	}
	if sendErr != nil {
		report.Status = store.ReportFailed
		report.Error = sendErr.Error()
	} else {
		report.SentAt = sql.NullTime{Time: e.now().UTC(), Valid: true}
	}

	if err := e.recorder.RecordReport(context.WithoutCancel(ctx), report); err != nil {
		e.logger.Warn("Failed to record email report", zap.String("scan_id", scanID), zap.Error(err))
	}
}

func (e *Email) subjectPrefix() string {
	if e.cfg.Subject == "" {
		return "Scan summary"
	}
	return e.cfg.Subject
}

func (e *Email) message(recipients []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", e.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

func splitAddresses(list string) []string {
	var out []string
	for _, a := range strings.Split(list, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
