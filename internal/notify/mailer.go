// Package notify delivers billing notifications over SMTP.
package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"time"

	"github.com/atrium-pm/atrium/internal/billing"
)

// defaultSendTimeout bounds a delivery when the caller's context carries
// no deadline of its own.
const defaultSendTimeout = 30 * time.Second

// Mailer sends notifications through the platform SMTP relay. It
// satisfies billing.Notifier.
type Mailer struct {
	host string
	addr string
	from string
}

// NewMailer constructs a Mailer for the given host/port.
func NewMailer(host string, port int, from string) *Mailer {
	return &Mailer{host: host, addr: fmt.Sprintf("%s:%d", host, port), from: from}
}

// Send delivers one notification. The connection inherits the context
// deadline so a stalled relay cannot hang a worker task. The caller
// treats failures as dependency failures: logged, never propagated into
// the lifecycle result.
func (m *Mailer) Send(ctx context.Context, n billing.Notification) error {
	if n.To == "" {
		return fmt.Errorf("notify: recipient missing for %s", n.Kind)
	}
	msg, err := buildMessage(m.from, n)
	if err != nil {
		return err
	}

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", m.addr)
	if err != nil {
		return fmt.Errorf("notify: dial %s: %w", m.addr, err)
	}
	deadline := time.Now().Add(defaultSendTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, m.host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("notify: smtp handshake: %w", err)
	}
	defer client.Close()

	if err := m.transmit(client, n.To, msg); err != nil {
		return fmt.Errorf("notify: send %s to %s: %w", n.Kind, n.To, err)
	}
	return client.Quit()
}

func (m *Mailer) transmit(client *smtp.Client, to string, msg []byte) error {
	if err := client.Mail(m.from); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	return w.Close()
}

func buildMessage(from string, n billing.Notification) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", n.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", n.Subject)
	fmt.Fprintf(&buf, "X-Atrium-Notification: %s\r\n", n.Kind)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", writer.Boundary())

	textHeader := textproto.MIMEHeader{}
	textHeader.Set("Content-Type", "text/plain; charset=utf-8")
	part, err := writer.CreatePart(textHeader)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write([]byte(n.Body)); err != nil {
		return nil, err
	}

	if len(n.Attachment) > 0 {
		name := n.AttachmentName
		if name == "" {
			name = "document.pdf"
		}
		attHeader := textproto.MIMEHeader{}
		attHeader.Set("Content-Type", "application/pdf")
		attHeader.Set("Content-Transfer-Encoding", "base64")
		attHeader.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		part, err := writer.CreatePart(attHeader)
		if err != nil {
			return nil, err
		}
		encoded := base64.StdEncoding.EncodeToString(n.Attachment)
		if _, err := part.Write([]byte(encoded)); err != nil {
			return nil, err
		}
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
