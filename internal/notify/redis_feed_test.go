package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"

	"labmapa/internal/mapa"
)

func setupFeed(t *testing.T) (*RedisFeed, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	feed, err := NewRedisFeed("redis://"+s.Addr(), nil)
	if err != nil {
		t.Fatalf("NewRedisFeed() error = %v", err)
	}
	t.Cleanup(func() { _ = feed.Close() })
	return feed, s
}

func TestNewRedisFeedRejectsBadURL(t *testing.T) {
	if _, err := NewRedisFeed("not-a-url", nil); err == nil {
		t.Fatal("expected error for bad url")
	}
}

func TestPublishSubscribe(t *testing.T) {
	feed, _ := setupFeed(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := feed.Subscribe(ctx, 10)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	other := mapa.Change{ParameterID: 11, Rows: []int64{9}, Actor: 3, Kind: mapa.ChangeSaved}
	want := mapa.Change{ParameterID: 10, Rows: []int64{1, 2}, Actor: 8, Kind: mapa.ChangeSigned}
	if err := feed.Publish(ctx, other); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := feed.Publish(ctx, want); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-changes:
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("change mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}

	cancel()
	select {
	case _, ok := <-changes:
		if ok {
			t.Fatal("expected channel closed after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestSubscribeSkipsUndecodablePayload(t *testing.T) {
	feed, s := setupFeed(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := feed.Subscribe(ctx, 10)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	s.Publish(channel(10), "{not json")
	want := mapa.Change{ParameterID: 10, Rows: []int64{1}, Actor: 7, Kind: mapa.ChangeSaved}
	if err := feed.Publish(ctx, want); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case got := <-changes:
		if got.Actor != 7 {
			t.Fatalf("unexpected change %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}
}
