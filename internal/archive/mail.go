package archive

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"dairyfarm/backend/internal/balance"
)

const smtpDialTimeout = 10 * time.Second

type sendMailFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// MailSink emails each day summary to a fixed recipient.
type MailSink struct {
	host     string
	port     string
	username string
	password string
	fromName string
	fromAddr string
	to       string
	send     sendMailFunc
}

// NewMailSink returns nil when any SMTP setting or the recipient is missing.
func NewMailSink(host, port, username, password, fromName, fromAddr, to string) *MailSink {
	host = strings.TrimSpace(host)
	port = strings.TrimSpace(port)
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	fromAddr = strings.TrimSpace(fromAddr)
	fromName = strings.TrimSpace(fromName)
	to = strings.TrimSpace(to)

	if host == "" || port == "" || username == "" || password == "" || fromAddr == "" || to == "" {
		return nil
	}
	return &MailSink{
		host:     host,
		port:     port,
		username: username,
		password: password,
		fromName: fromName,
		fromAddr: fromAddr,
		to:       to,
		send:     sendMail,
	}
}

func (m *MailSink) Name() string { return "email" }

func (m *MailSink) Save(ctx context.Context, s balance.Summary) error {
	subject := fmt.Sprintf("Milk summary %s: %.2f L balance", s.Date, s.FinalBalance)
	return m.sendPlain(ctx, subject, summaryBody(s))
}

func summaryBody(s balance.Summary) string {
	return strings.Join([]string{
		fmt.Sprintf("Day-end milk summary for %s", s.Date),
		"",
		fmt.Sprintf("Total production:   %.2f L", s.TotalProduction),
		fmt.Sprintf("Fed to calves:      %.2f L", s.TotalCalfFed),
		fmt.Sprintf("Net production:     %.2f L", s.NetProduction),
		fmt.Sprintf("Sold:               %.2f L", s.TotalSales),
		fmt.Sprintf("Carried from prior: %.2f L", s.BalanceYesterday),
		fmt.Sprintf("Final balance:      %.2f L", s.FinalBalance),
	}, "\n")
}

func (m *MailSink) sendPlain(ctx context.Context, subject, plainBody string) error {
	auth := smtp.PlainAuth("", m.username, m.password, m.host)
	addr := m.host + ":" + m.port
	fromHeader := m.fromAddr
	if m.fromName != "" {
		fromHeader = fmt.Sprintf("%s <%s>", m.fromName, m.fromAddr)
	}

	msg := strings.Join([]string{
		fmt.Sprintf("From: %s", fromHeader),
		fmt.Sprintf("To: %s", m.to),
		fmt.Sprintf("Subject: %s", subject),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"",
		plainBody,
	}, "\r\n")

	return m.send(ctx, addr, auth, m.fromAddr, []string{m.to}, []byte(msg))
}

// sendMail is smtp.SendMail with a bounded dial and the whole exchange tied to
// ctx: the connection is closed as soon as ctx ends.
func sendMail(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("smtp address: %w", err)
	}

	dialer := net.Dialer{Timeout: smtpDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp greeting: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(a); err != nil {
				return fmt.Errorf("smtp auth: %w", err)
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}
	return c.Quit()
}
