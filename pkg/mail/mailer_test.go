package mail

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewSMTPMailerValidatesConfig(t *testing.T) {
	_, err := NewSMTPMailer(SMTPSettings{Enabled: true})
	require.Error(t, err)

	_, err = NewSMTPMailer(SMTPSettings{Enabled: true, Host: "smtp.example.com"})
	require.Error(t, err)

	m, err := NewSMTPMailer(SMTPSettings{Enabled: true, Host: "smtp.example.com", Port: 587})
	require.NoError(t, err)
	require.NotNil(t, m)
}

func TestDisabledMailerRefusesToSend(t *testing.T) {
	m, err := NewSMTPMailer(SMTPSettings{Enabled: false})
	require.NoError(t, err)

	err = m.Send(context.Background(), Message{To: "user@example.com", Subject: "hi", Body: "hello"})
	require.ErrorIs(t, err, ErrSMTPDisabled)
}

func TestNoopMailerDropsMessages(t *testing.T) {
	require.NoError(t, NewNoopMailer().Send(context.Background(), Message{To: "user@example.com"}))
}

func TestRenderProducesWireFormat(t *testing.T) {
	raw := render("noreply@example.com", "user@example.com", "Line\r\nInjection", "body text")

	require.True(t, strings.HasPrefix(raw, "From: noreply@example.com\r\n"))
	require.Contains(t, raw, "Subject: Line Injection\r\n")
	require.Contains(t, raw, "X-Mailer: conserve\r\n")
	require.Contains(t, raw, "Content-Type: text/plain; charset=UTF-8")
	require.True(t, strings.HasSuffix(raw, "\r\nbody text"))
}

func TestTemplatesCarryTheirPayload(t *testing.T) {
	msg := AccountVerification("noreply@example.com", "lead@example.com", "123456")
	require.Equal(t, "lead@example.com", msg.To)
	require.Contains(t, msg.Body, "123456")

	msg = SignInCode("noreply@example.com", "lead@example.com", "654321")
	require.Contains(t, msg.Body, "654321")

	msg = ExitConfirmation("noreply@example.com", "member@example.com", "111222")
	require.Contains(t, msg.Body, "111222")
	require.Contains(t, msg.Subject, "exit")

	msg = PasswordReset("noreply@example.com", "user@example.com", "https://app.example.com/reset-password/tok", 10*time.Minute)
	require.Contains(t, msg.Body, "/reset-password/tok")
	require.Contains(t, msg.Body, "10 minutes")

	at := time.Date(2026, time.March, 4, 12, 0, 0, 0, time.UTC)
	msg = SignInAlert("noreply@example.com", "user@example.com", at, "https://app.example.com/api/auth/remote-signout/u/t")
	require.Contains(t, msg.Body, "remote-signout")
	require.Contains(t, msg.Body, "2026")
}
