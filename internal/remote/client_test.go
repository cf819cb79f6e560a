package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestSendMessageCarriesDedupeKey(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer key" {
			t.Errorf("auth header = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key", zap.NewNop())
	err := c.SendMessage(context.Background(), Message{
		ID: "m1", GroupID: "g1", UserID: "u1", Content: "hi", Kind: "text", DedupeKey: "dk-1", CreatedAt: 42,
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if got.DedupeKey != "dk-1" {
		t.Errorf("dedupe key = %q, want dk-1", got.DedupeKey)
	}
}

func TestFetchMessageNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key", zap.NewNop())
	_, err := c.FetchMessage(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestIssuePseudonym(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rpc/issue_pseudonym" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"pseudonym": "Quiet Heron"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key", zap.NewNop())
	name, err := c.IssuePseudonym(context.Background(), "g1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if name != "Quiet Heron" {
		t.Errorf("pseudonym = %q", name)
	}
}
