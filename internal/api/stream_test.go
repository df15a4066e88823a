//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/brainbolt/internal/domain"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type fakeNotifier struct {
	mu   sync.Mutex
	subs []chan struct{}
}

func (n *fakeNotifier) Subscribe() (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan struct{}, 1)
	n.subs = append(n.subs, ch)
	return ch, func() {}
}

func (n *fakeNotifier) fire() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

func TestStream_PushesOnChange(t *testing.T) {
	svc := &fakeQuiz{board: []domain.LeaderboardEntry{{Rank: 1, UserID: "alice", Value: 10}}}
	notifier := &fakeNotifier{}
	registry := NewStreamRegistry()
	handler := NewStreamHandler(svc, notifier, registry, []string{"*"})

	srv := httptest.NewServer(handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?metric=streak&limit=3"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var first leaderboardResponse
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read initial board: %v", err)
	}
	if len(first.Items) != 1 || first.Items[0].UserID != "alice" {
		t.Fatalf("unexpected initial board: %+v", first)
	}
	if registry.Count() != 1 {
		t.Fatalf("expected 1 registered stream, got %d", registry.Count())
	}

	svc.mu.Lock()
	svc.board = []domain.LeaderboardEntry{
		{Rank: 1, UserID: "bob", Value: 12},
		{Rank: 2, UserID: "alice", Value: 10},
	}
	metric, limit := svc.lastMetric, svc.lastLimit
	svc.mu.Unlock()
	if metric != domain.MetricStreak || limit != 3 {
		t.Fatalf("unexpected query: %s %d", metric, limit)
	}

	// The initial push happens after Subscribe, so a subscriber exists.
	if notifier.count() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", notifier.count())
	}
	notifier.fire()

	var second leaderboardResponse
	if err := wsjson.Read(ctx, conn, &second); err != nil {
		t.Fatalf("read updated board: %v", err)
	}
	if len(second.Items) != 2 || second.Items[0].UserID != "bob" {
		t.Fatalf("unexpected updated board: %+v", second)
	}
}

func TestStream_RejectsBadMetric(t *testing.T) {
	handler := NewStreamHandler(&fakeQuiz{}, &fakeNotifier{}, NewStreamRegistry(), []string{"*"})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/leaderboard/stream?metric=wins", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestOriginPatterns(t *testing.T) {
	if got := originPatterns([]string{"http://a.example", "*"}); len(got) != 1 || got[0] != "*" {
		t.Fatalf("wildcard should collapse, got %v", got)
	}
	got := originPatterns([]string{"https://quiz.example.com", "http://localhost:3000", "not a url"})
	if len(got) != 2 || got[0] != "quiz.example.com" || got[1] != "localhost:3000" {
		t.Fatalf("unexpected patterns: %v", got)
	}
}
