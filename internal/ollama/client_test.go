package ollama

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	worker "github.com/lumenai/lumen-worker/internal"
)

func TestChatStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		frames := []string{
			`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
			`{"message":{"role":"assistant","content":"lo"},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true}`,
		}
		for _, f := range frames {
			w.Write([]byte(f + "\n"))
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	ch, err := c.ChatStream(context.Background(), "m1", []worker.ChatMessage{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var text strings.Builder
	var done bool
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		text.WriteString(chunk.Text)
		if chunk.Done {
			done = true
		}
	}
	if text.String() != "Hello" {
		t.Fatalf("text = %q", text.String())
	}
	if !done {
		t.Fatal("stream did not finish with done")
	}
}

func TestChatStreamUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"model not found"}` + "\n"))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	ch, err := c.ChatStream(context.Background(), "missing", nil)
	if err != nil {
		t.Fatal(err)
	}
	var sawErr bool
	for chunk := range ch {
		if chunk.Err != nil {
			sawErr = true
		}
	}
	if !sawErr {
		t.Fatal("expected an error chunk")
	}
}

func TestChatStreamHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	if _, err := c.ChatStream(context.Background(), "m1", nil); err == nil {
		t.Fatal("want error on HTTP 500")
	}
}

func TestChatStreamContextCancel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"content":"a"},"done":false}` + "\n"))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	c := New(srv.URL, nil)
	ch, err := c.ChatStream(ctx, "m1", nil)
	if err != nil {
		t.Fatal(err)
	}
	<-ch // first chunk
	cancel()

	select {
	case _, open := <-ch:
		_ = open // either an error chunk or a closed channel is fine
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not terminate after cancel")
	}
}

func TestDeleteModel(t *testing.T) {
	t.Parallel()

	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	if err := c.DeleteModel(context.Background(), "llama3.2"); err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/api/delete" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
}
