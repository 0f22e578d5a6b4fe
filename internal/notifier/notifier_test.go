package notifier

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smarttasks/internal/model"
)

func TestValidRecipient(t *testing.T) {
	assert.True(t, ValidRecipient("owner@example.com"))
	assert.True(t, ValidRecipient("first.last+tag@mail.example.co"))
	assert.False(t, ValidRecipient("owner@localhost"))
	assert.False(t, ValidRecipient("not an address"))
	assert.False(t, ValidRecipient(""))
}

func TestComposeDigest(t *testing.T) {
	deadline := time.Date(2024, 5, 6, 23, 0, 0, 0, time.UTC)
	docs := []*model.TaskDocument{
		{EmailID: "a", Sender: "boss@example.com", Task: "Ship <release>", Deadline: &deadline},
		{EmailID: "b", Subject: "Fallback subject"},
	}

	body, err := ComposeDigest(docs, time.UTC)
	require.NoError(t, err)
	assert.Contains(t, body, "<tr><th>Sender</th><th>Task</th><th>Deadline</th></tr>")
	assert.Contains(t, body, "<td>boss@example.com</td><td>Ship &lt;release&gt;</td><td>May 06, 2024</td>")
	assert.Contains(t, body, "<td>Unknown Sender</td><td>Fallback subject</td><td>No deadline specified</td>")

	tokyo := time.FixedZone("JST", 9*3600)
	assert.Equal(t, "May 07, 2024", FormatDeadline(&deadline, tokyo))
}

func TestLogNotifierRecords(t *testing.T) {
	n := NewLog(nil)
	require.NoError(t, n.Send(context.Background(), "owner@example.com", "s", "<p>b</p>"))
	assert.Equal(t, []Sent{{Recipient: "owner@example.com", Subject: "s", Body: "<p>b</p>"}}, n.Sent())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, n.Send(ctx, "owner@example.com", "s", "b"), context.Canceled)
}

func TestSMTPSend(t *testing.T) {
	s, err := NewSMTP(Config{SMTPHost: "smtp.example.com", From: "bot@example.com", SMTPUsername: "bot", SMTPPassword: "pw"})
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC) }

	var gotAddr string
	var gotMsg []byte
	s.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotMsg = msg
		assert.Equal(t, "bot@example.com", from)
		assert.Equal(t, []string{"owner@example.com"}, to)
		return nil
	}

	require.NoError(t, s.Send(context.Background(), "owner@example.com", DigestSubject, "<p>hi</p>"))
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	msg := string(gotMsg)
	assert.Contains(t, msg, "Subject: Urgent Tasks for Today\r\n")
	assert.Contains(t, msg, "Content-Type: text/html")
	assert.True(t, strings.HasSuffix(msg, "\r\n\r\n<p>hi</p>"))

	s.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("421 busy") }
	assert.ErrorContains(t, s.Send(context.Background(), "owner@example.com", "s", "b"), "421 busy")

	_, err = NewSMTP(Config{})
	assert.Error(t, err)
}

type fakeSES struct {
	in  *sesv2.SendEmailInput
	err error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.in = in
	return &sesv2.SendEmailOutput{}, f.err
}

func TestSESSend(t *testing.T) {
	fake := &fakeSES{}
	s := &SES{client: fake, from: "bot@example.com"}

	require.NoError(t, s.Send(context.Background(), "owner@example.com", "subj", "<p>x</p>"))
	require.NotNil(t, fake.in)
	assert.Equal(t, "bot@example.com", *fake.in.FromEmailAddress)
	assert.Equal(t, []string{"owner@example.com"}, fake.in.Destination.ToAddresses)
	assert.Equal(t, "<p>x</p>", *fake.in.Content.Simple.Body.Html.Data)

	fake.err = errors.New("throttled")
	assert.ErrorContains(t, s.Send(context.Background(), "owner@example.com", "subj", "x"), "throttled")
}
