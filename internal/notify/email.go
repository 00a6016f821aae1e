package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"privatrengoering.dk/cloud/internal/logger"
	"privatrengoering.dk/cloud/models"
)

// Notifier is told about entitlement changes the user should hear about.
type Notifier interface {
	SubscriptionChanged(ctx context.Context, user *models.User, from, to models.SubscriptionStatus) error
}

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

type sendFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer sends plain-text notices over SMTP.
type Mailer struct {
	cfg  SMTPConfig
	send sendFunc
}

func NewMailer(cfg SMTPConfig) *Mailer {
	return &Mailer{cfg: cfg, send: sendMail}
}

// Send delivers one message. It returns ctx.Err() as soon as ctx is done,
// even if the SMTP exchange is still in flight.
func (m *Mailer) Send(ctx context.Context, to, subject, body string) error {
	if m.cfg.Host == "" || m.cfg.Port == "" {
		return fmt.Errorf("SMTP configuration missing")
	}

	var auth smtp.Auth
	if m.cfg.Username != "" && m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	msg := []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n", m.cfg.From, to, subject, body))

	addr := fmt.Sprintf("%s:%s", m.cfg.Host, m.cfg.Port)

	done := make(chan error, 1)
	go func() {
		done <- m.send(ctx, addr, auth, m.cfg.From, []string{to}, msg)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendMail is smtp.SendMail with the connection bound to ctx.
func sendMail(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if a != nil {
		if err := c.Auth(a); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// SubscriptionChanged mails the user when access is at risk or gone. Other
// transitions are silent.
func (m *Mailer) SubscriptionChanged(ctx context.Context, user *models.User, from, to models.SubscriptionStatus) error {
	if user == nil || user.Email == "" {
		return nil
	}

	var subject, body string
	switch to {
	case models.StatusPastDue:
		subject = "Din betaling til Privat Rengøring mislykkedes"
		body = "Hej,\n\nVi kunne ikke gennemføre betalingen for dit abonnement. " +
			"Opdater venligst dit betalingskort via selvbetjeningsportalen, så du bevarer adgangen.\n\n" +
			"Venlig hilsen\nPrivat Rengøring"
	case models.StatusCanceled:
		subject = "Dit abonnement hos Privat Rengøring er opsagt"
		body = "Hej,\n\nDit abonnement er nu opsagt, og adgangen til medlemsfunktionerne er ophørt. " +
			"Du kan til enhver tid tegne et nyt abonnement.\n\n" +
			"Venlig hilsen\nPrivat Rengøring"
	default:
		return nil
	}

	if err := m.Send(ctx, user.Email, subject, body); err != nil {
		return err
	}

	logger.Info("Subscription notice sent", map[string]interface{}{
		"user_id": user.ID,
		"from":    string(from),
		"to":      string(to),
	})
	return nil
}

// Discard drops every notice. Used when SMTP is not configured.
type Discard struct{}

func (Discard) SubscriptionChanged(ctx context.Context, user *models.User, from, to models.SubscriptionStatus) error {
	return nil
}
