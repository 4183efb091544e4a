package delivery

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"dripline/models"
)

func TestTrackerTokens(t *testing.T) {
	tr := Tracker{BaseURL: "https://t.example.com", Secret: []byte("s3cret")}

	token := tr.Token("msg-1")
	assert.Equal(t, token, tr.Token("msg-1"))
	assert.True(t, tr.Verify("msg-1", token))
	assert.False(t, tr.Verify("msg-2", token))
	assert.False(t, Tracker{Secret: []byte("other")}.Verify("msg-1", token))
}

func TestTrackerInject(t *testing.T) {
	tr := Tracker{BaseURL: "https://t.example.com", Secret: []byte("s3cret")}

	out := tr.Inject(`<p><a href="https://example.com/a">a</a> <a href="mailto:x@y.z">m</a></p>`, "enrollment-1-g0-step-0")
	assert.Contains(t, out, "https://t.example.com/track/click/enrollment-1-g0-step-0/")
	assert.Contains(t, out, "url=https%3A%2F%2Fexample.com%2Fa")
	assert.Contains(t, out, `href="mailto:x@y.z"`)
	assert.True(t, strings.HasSuffix(out, `style="display:none">`))

	assert.Equal(t, "<p>x</p>", Tracker{}.Inject("<p>x</p>", "id"), "no base url, no tracking")
}

func TestTrackerInjectDecodesEntitiesInHref(t *testing.T) {
	tr := Tracker{BaseURL: "https://t.example.com", Secret: []byte("s3cret")}

	out := tr.Inject(`<a href="https://example.com/p?a=1&amp;b=2&#38;c=3">go</a>`, "msg-1")
	start := strings.Index(out, `href="`) + len(`href="`)
	end := start + strings.Index(out[start:], `"`)
	tracked, err := url.Parse(out[start:end])
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/p?a=1&b=2&c=3", tracked.Query().Get("url"))
	assert.NotContains(t, out, "amp%3B")
}

func TestTemplateRenderer(t *testing.T) {
	r := TemplateRenderer{}
	subject := &models.Subject{FirstName: "Ada", Company: "<Acme>"}

	got, err := r.Render(models.SequenceStep{
		Subject: "Hi {{.FirstName}} & co",
		Body:    "<p>Welcome {{.Company}}</p>",
	}, subject, "id")
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada & co", got.Subject)
	assert.Equal(t, "<p>Welcome &lt;Acme&gt;</p>", got.Body)

	_, err = r.Render(models.SequenceStep{Subject: "{{.Nope"}, subject, "id")
	assert.Error(t, err)
}

type fakeMarkers struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeMarkers() *fakeMarkers { return &fakeMarkers{data: map[string]string{}} }

func (f *fakeMarkers) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeMarkers) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeMarkers) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value.(string)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeMarkers) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

type countingChannel struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (c *countingChannel) Send(_ context.Context, req Request) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.fail != nil {
		return Failed(c.fail)
	}
	return Delivered("ext-" + req.IdempotencyKey)
}

func TestDedupChannelSendsOncePerKey(t *testing.T) {
	inner := &countingChannel{}
	markers := newFakeMarkers()
	ch := NewDedupChannel(inner, markers, time.Hour)
	req := Request{IdempotencyKey: "enrollment-1-g0-step-0"}

	first := ch.Send(context.Background(), req)
	second := ch.Send(context.Background(), req)

	require.True(t, first.Success)
	require.True(t, second.Success)
	assert.Equal(t, first.ExternalMessageID, second.ExternalMessageID)
	assert.Equal(t, 1, inner.calls)
}

func TestDedupChannelReleasesKeyOnFailure(t *testing.T) {
	inner := &countingChannel{fail: errors.New("smtp down")}
	markers := newFakeMarkers()
	ch := NewDedupChannel(inner, markers, time.Hour)
	req := Request{IdempotencyKey: "k"}

	res := ch.Send(context.Background(), req)
	assert.False(t, res.Success)
	assert.Empty(t, markers.data)

	inner.fail = nil
	res = ch.Send(context.Background(), req)
	assert.True(t, res.Success)
	assert.Equal(t, 2, inner.calls)
}

func TestDedupChannelKeepsKeyWhenSendTimesOut(t *testing.T) {
	mailer := &fakeMailer{block: make(chan struct{})}
	defer close(mailer.block)
	smtp := NewSMTPChannel(SMTPConfig{FromEmail: "hello@example.com"})
	smtp.sender = mailer
	markers := newFakeMarkers()
	ch := NewDedupChannel(smtp, markers, time.Hour)
	req := Request{To: "ada@example.com", IdempotencyKey: "k"}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := ch.Send(ctx, req)
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, context.DeadlineExceeded))
	assert.Equal(t, pendingMarker, markers.data["dripline:delivery:k"])

	res = ch.Send(context.Background(), req)
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, ErrInFlight), "the abandoned send may still complete")
}

func TestDedupChannelReportsInFlight(t *testing.T) {
	markers := newFakeMarkers()
	markers.data["dripline:delivery:k"] = pendingMarker
	ch := NewDedupChannel(&countingChannel{}, markers, time.Hour)

	res := ch.Send(context.Background(), Request{IdempotencyKey: "k"})
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, ErrInFlight))
}

type fakeMailer struct {
	sent  []*gomail.Message
	block chan struct{}
}

func (f *fakeMailer) DialAndSend(m ...*gomail.Message) error {
	if f.block != nil {
		<-f.block
	}
	f.sent = append(f.sent, m...)
	return nil
}

func TestSMTPChannel(t *testing.T) {
	mailer := &fakeMailer{}
	ch := NewSMTPChannel(SMTPConfig{FromEmail: "hello@example.com", FromName: "Hello", MessageIDDomain: "example.com"})
	ch.sender = mailer

	res := ch.Send(context.Background(), Request{
		To:             "ada@example.com",
		IdempotencyKey: "enrollment-1-g0-step-0",
		Content:        Content{Subject: "Hi", Body: "<p>x</p>"},
	})
	require.True(t, res.Success, "%v", res.Err)
	assert.True(t, strings.HasSuffix(res.ExternalMessageID, "@example.com>"))
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, []string{"enrollment-1-g0-step-0"}, mailer.sent[0].GetHeader("X-Dripline-Key"))

	res = ch.Send(context.Background(), Request{To: "not-an-address"})
	assert.False(t, res.Success)
	assert.Len(t, mailer.sent, 1)
}

func TestSMTPChannelHonoursContext(t *testing.T) {
	mailer := &fakeMailer{block: make(chan struct{})}
	defer close(mailer.block)
	ch := NewSMTPChannel(SMTPConfig{FromEmail: "hello@example.com"})
	ch.sender = mailer

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := ch.Send(ctx, Request{To: "ada@example.com"})
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, context.DeadlineExceeded))
}
