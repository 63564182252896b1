package mail

import (
	"context"
	"fmt"
	"log"
	"net/smtp"
)

// Sender delivers a one-time verification code out of band. Registration
// treats a delivery failure as fatal and rolls the new identity back.
type Sender interface {
	SendOTP(ctx context.Context, to, displayName, code string) error
}

type SMTPSender struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

func NewSMTPSender(host string, port int, user, pass, from string) *SMTPSender {
	return &SMTPSender{Host: host, Port: port, User: user, Pass: pass, From: from}
}

func (s *SMTPSender) SendOTP(ctx context.Context, to, displayName, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: Instant Class Chat - Verify Your Account\r\n\r\n"+
			"Hello %s,\r\n\r\n"+
			"Use the code below to verify your email address:\r\n\r\n"+
			"    %s\r\n\r\n"+
			"The code is single use and expires in a few minutes. If you did not "+
			"register, ignore this message.\r\n",
		s.From, to, displayName, code,
	)

	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	var auth smtp.Auth
	if s.User != "" {
		auth = smtp.PlainAuth("", s.User, s.Pass, s.Host)
	}
	return smtp.SendMail(addr, auth, s.From, []string{to}, []byte(body))
}

// LogSender is the development fallback used when no SMTP host is configured.
// It prints the code instead of delivering it.
type LogSender struct{}

func (LogSender) SendOTP(_ context.Context, to, displayName, code string) error {
	log.Printf("mail: OTP for %s (%s): %s", to, displayName, code)
	return nil
}
