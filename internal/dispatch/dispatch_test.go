package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"scoparia/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockTransport struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
	delay time.Duration

	active    atomic.Int32
	maxActive atomic.Int32
}

func (m *mockTransport) Send(ctx context.Context, p model.NotificationPayload) error {
	n := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		old := m.maxActive.Load()
		if n <= old || m.maxActive.CompareAndSwap(old, n) {
			break
		}
	}

	m.mu.Lock()
	m.calls = append(m.calls, p.Username)
	err := m.errs[p.Username]
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func payload(user string, ch model.Channel) model.NotificationPayload {
	return model.NotificationPayload{Username: user, Channel: ch, Item: model.FeedItem{ItemID: "1"}}
}

func TestDispatchClassifiesResults(t *testing.T) {
	tr := &mockTransport{errs: map[string]error{
		"transient": Transient(errors.New("503")),
		"permanent": Permanent(errors.New("bad address")),
		"plain":     errors.New("unclassified"),
	}}
	d := New(map[model.Channel]Transport{model.ChannelEmail: tr}, Options{Workers: 2, Timeout: time.Second}, testLogger())

	results := d.Dispatch(context.Background(), []model.NotificationPayload{
		payload("ok", model.ChannelEmail),
		payload("transient", model.ChannelEmail),
		payload("permanent", model.ChannelEmail),
		payload("plain", model.ChannelEmail),
		payload("nochannel", model.ChannelWikidotPM),
	})

	type outcome struct {
		User string
		OK   bool
		Kind string
	}
	var got []outcome
	for _, r := range results {
		o := outcome{User: r.Payload.Username, OK: r.OK()}
		if !r.OK() {
			o.Kind = r.Kind().String()
		}
		got = append(got, o)
	}
	want := []outcome{
		{User: "ok", OK: true},
		{User: "transient", Kind: "transient"},
		{User: "permanent", Kind: "permanent"},
		{User: "plain", Kind: "transient"},
		{User: "nochannel", Kind: "permanent"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(4, len(tr.calls)); diff != "" {
		t.Errorf("every payload with a transport must be sent once (-want +got):\n%s", diff)
	}
}

func TestDispatchTimeoutIsTransient(t *testing.T) {
	tr := TransportFunc(func(ctx context.Context, _ model.NotificationPayload) error {
		<-ctx.Done()
		return ctx.Err()
	})
	d := New(map[model.Channel]Transport{model.ChannelApprise: tr}, Options{Workers: 1, Timeout: 20 * time.Millisecond}, testLogger())

	results := d.Dispatch(context.Background(), []model.NotificationPayload{payload("slow", model.ChannelApprise)})
	if results[0].OK() {
		t.Fatal("expected timeout failure")
	}
	if !errors.Is(results[0].Err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", results[0].Err)
	}
	if diff := cmp.Diff(KindTransient, results[0].Kind()); diff != "" {
		t.Errorf("kind mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	tr := &mockTransport{delay: 20 * time.Millisecond}
	d := New(map[model.Channel]Transport{model.ChannelEmail: tr}, Options{Workers: 3, Timeout: time.Second}, testLogger())

	var payloads []model.NotificationPayload
	for i := range 12 {
		payloads = append(payloads, payload(fmt.Sprintf("u%d", i), model.ChannelEmail))
	}
	results := d.Dispatch(context.Background(), payloads)

	for i, r := range results {
		if !r.OK() {
			t.Errorf("payload %d failed: %v", i, r.Err)
		}
		if r.Payload.Username != payloads[i].Username {
			t.Errorf("result %d out of order: %s", i, r.Payload.Username)
		}
	}
	if got := tr.maxActive.Load(); got > 3 {
		t.Errorf("max concurrent sends = %d, want <= 3", got)
	}
}

func TestDispatchRateLimitHonoursCancellation(t *testing.T) {
	var sent atomic.Int32
	tr := TransportFunc(func(context.Context, model.NotificationPayload) error {
		sent.Add(1)
		return nil
	})
	d := New(map[model.Channel]Transport{model.ChannelEmail: tr}, Options{Workers: 1, Timeout: time.Second, Rate: 0.001}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	results := d.Dispatch(ctx, []model.NotificationPayload{
		payload("first", model.ChannelEmail),
		payload("second", model.ChannelEmail),
	})

	if !results[0].OK() {
		t.Errorf("first payload should use the burst token: %v", results[0].Err)
	}
	if results[1].OK() {
		t.Fatal("second payload should be throttled past the deadline")
	}
	if diff := cmp.Diff(KindTransient, results[1].Kind()); diff != "" {
		t.Errorf("kind mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(int32(1), sent.Load()); diff != "" {
		t.Errorf("throttled payload must not reach the transport (-want +got):\n%s", diff)
	}
}

func TestWorst(t *testing.T) {
	perm := Permanent(errors.New("404"))
	trans := Transient(errors.New("503"))

	tests := []struct {
		name     string
		errs     []error
		wantNil  bool
		wantKind Kind
	}{
		{name: "all succeeded", errs: []error{nil, nil}, wantNil: true},
		{name: "only permanent", errs: []error{nil, perm}, wantKind: KindPermanent},
		{name: "transient wins", errs: []error{perm, trans, nil}, wantKind: KindTransient},
		{name: "unclassified counts as transient", errs: []error{perm, errors.New("eof")}, wantKind: KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Worst(tt.errs...)
			if tt.wantNil {
				if err != nil {
					t.Fatalf("expected nil, got %v", err)
				}
				return
			}
			if diff := cmp.Diff(tt.wantKind, Classify(err)); diff != "" {
				t.Errorf("kind mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		code int
		want Kind
	}{
		{code: 400, want: KindPermanent},
		{code: 404, want: KindPermanent},
		{code: 408, want: KindTransient},
		{code: 429, want: KindTransient},
		{code: 500, want: KindTransient},
		{code: 503, want: KindTransient},
		{code: 0, want: KindTransient},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			err := StatusError(tt.code, errors.New("boom"))
			if diff := cmp.Diff(tt.want, Classify(err)); diff != "" {
				t.Errorf("kind mismatch (-want +got):\n%s", diff)
			}
		})
	}
	if StatusError(500, nil) != nil {
		t.Error("nil error should stay nil")
	}
}
