package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

func visitor(id string) Visitor {
	return Visitor(`{"visitor_id":"` + id + `"}`)
}

func fakeFetch(status int, capture *[][]byte) func(*http.Request) (*http.Response, error) {
	return func(req *http.Request) (*http.Response, error) {
		if capture != nil {
			body, _ := io.ReadAll(req.Body)
			*capture = append(*capture, body)
		}
		return &http.Response{
			StatusCode: status,
			Body:       io.NopCloser(strings.NewReader("")),
			Request:    req,
		}, nil
	}
}

func TestEnqueue_Threshold(t *testing.T) {
	b := &Batcher{endpoint: "http://events.example.com", FlushThreshold: 3}

	if b.Enqueue(Event{Visitors: []Visitor{visitor("1")}}) {
		t.Error("Expected threshold not reached at 1")
	}
	if b.Enqueue(Event{Visitors: []Visitor{visitor("2")}}) {
		t.Error("Expected threshold not reached at 2")
	}
	if !b.Enqueue(Event{Visitors: []Visitor{visitor("3")}}) {
		t.Error("Expected threshold reached at 3")
	}
	if b.Len() != 3 {
		t.Errorf("Expected 3 queued events, got %d", b.Len())
	}
}

func TestEnqueue_NoThreshold(t *testing.T) {
	b := &Batcher{endpoint: "http://events.example.com"}
	for i := 0; i < 100; i++ {
		if b.Enqueue(Event{}) {
			t.Fatal("Expected threshold flushing disabled at 0")
		}
	}
}

func TestConsolidate_SameShapeMerged(t *testing.T) {
	b := &Batcher{endpoint: "http://events.example.com"}
	b.Enqueue(Event{AccountID: "acc", ProjectID: "proj", Visitors: []Visitor{visitor("1")}})
	b.Enqueue(Event{AccountID: "acc", ProjectID: "proj", Visitors: []Visitor{visitor("2"), visitor("3")}})

	out := b.Consolidate()
	if len(out) != 1 {
		t.Fatalf("Expected 1 consolidated event, got %d", len(out))
	}
	if len(out[0].Visitors) != 3 {
		t.Errorf("Expected 3 visitors, got %d", len(out[0].Visitors))
	}
	// Arrival order preserved
	var first map[string]string
	_ = json.Unmarshal(out[0].Visitors[0], &first)
	if first["visitor_id"] != "1" {
		t.Errorf("Expected arrival order preserved, got %v", first)
	}
}

func TestConsolidate_DifferentShapesKeptApart(t *testing.T) {
	b := &Batcher{endpoint: "http://events.example.com"}
	b.Enqueue(Event{AccountID: "acc_a", Visitors: []Visitor{visitor("1")}})
	b.Enqueue(Event{AccountID: "acc_b", Visitors: []Visitor{visitor("2")}})
	b.Enqueue(Event{AccountID: "acc_a", AnonymizeIP: true, Visitors: []Visitor{visitor("3")}})

	out := b.Consolidate()
	if len(out) != 3 {
		t.Fatalf("Expected 3 events (differing shapes), got %d", len(out))
	}
}

func TestConsolidate_LeavesQueueIntact(t *testing.T) {
	b := &Batcher{endpoint: "http://events.example.com"}
	b.Enqueue(Event{AccountID: "acc", Visitors: []Visitor{visitor("1")}})
	b.Enqueue(Event{AccountID: "acc", Visitors: []Visitor{visitor("2")}})

	_ = b.Consolidate()
	if b.Len() != 2 {
		t.Errorf("Expected queue untouched by Consolidate, got %d", b.Len())
	}
}

func TestFlush_PostsConsolidatedPayload(t *testing.T) {
	var posted [][]byte
	b := &Batcher{endpoint: "http://events.example.com", fetch: fakeFetch(204, &posted)}
	b.Enqueue(Event{AccountID: "acc", Visitors: []Visitor{visitor("1")}})
	b.Enqueue(Event{AccountID: "acc", Visitors: []Visitor{visitor("2")}})

	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(posted) != 1 {
		t.Fatalf("Expected 1 POST, got %d", len(posted))
	}

	var payload Event
	if err := json.Unmarshal(posted[0], &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if len(payload.Visitors) != 2 {
		t.Errorf("Expected 2 visitors in payload, got %d", len(payload.Visitors))
	}
	if b.Len() != 0 {
		t.Errorf("Expected queue drained, got %d", b.Len())
	}
}

func TestFlush_EmptyQueueNoop(t *testing.T) {
	b := &Batcher{
		endpoint: "http://events.example.com",
		fetch: func(req *http.Request) (*http.Response, error) {
			t.Fatal("Expected no POST for empty queue")
			return nil, nil
		},
	}
	if err := b.Flush(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFlush_FailureDrainsQueue(t *testing.T) {
	// Delivery is fire-and-forget: failures are reported but the queue is
	// not retried
	b := &Batcher{
		endpoint: "http://events.example.com",
		fetch: func(req *http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		},
	}
	b.Enqueue(Event{Visitors: []Visitor{visitor("1")}})

	if err := b.Flush(context.Background()); err == nil {
		t.Error("Expected flush error surfaced")
	}
	if b.Len() != 0 {
		t.Errorf("Expected queue drained even on failure, got %d", b.Len())
	}
}

func TestFlush_Non2xxIsError(t *testing.T) {
	b := &Batcher{endpoint: "http://events.example.com", fetch: fakeFetch(500, nil)}
	b.Enqueue(Event{Visitors: []Visitor{visitor("1")}})

	if err := b.Flush(context.Background()); err == nil {
		t.Error("Expected error for 500 response")
	}
}
