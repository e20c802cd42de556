package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/fincoord/pkg/invalidation"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []invalidation.Event
}

func (p *recordingPublisher) Publish(e invalidation.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return true
}

func (p *recordingPublisher) Events() []invalidation.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]invalidation.Event(nil), p.events...)
}

func TestInvalidate_PublishesOnSuccess(t *testing.T) {
	pub := &recordingPublisher{}
	h := Invalidate(pub, []InvalidationRule{
		{Pattern: "/users/:userId", EventType: "user.updated"},
	})(okHandler)

	r := httptest.NewRequest("PUT", "/users/42?tenant=acme", strings.NewReader(`{"name":"x"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	events := pub.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "user.updated", events[0].Type)
	assert.Equal(t, map[string]string{"userId": "42", "tenant": "acme"}, events[0].Criteria)
}

func TestInvalidate_Skips(t *testing.T) {
	rules := []InvalidationRule{
		{Pattern: "/users/:userId", EventType: "user.updated"},
		{Method: "POST", Pattern: "/offers", EventType: "offer.created"},
	}

	tests := []struct {
		name   string
		method string
		target string
		status int
	}{
		{"read request", "GET", "/users/42", http.StatusOK},
		{"failed mutation", "PUT", "/users/42", http.StatusInternalServerError},
		{"client error", "DELETE", "/users/42", http.StatusConflict},
		{"other route", "PUT", "/loans/1", http.StatusOK},
		{"method mismatch", "PUT", "/offers", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &recordingPublisher{}
			h := Invalidate(pub, rules)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, nil))

			assert.Equal(t, tt.status, rec.Code)
			assert.Empty(t, pub.Events())
		})
	}
}

func TestInvalidate_ExtractSeesBodies(t *testing.T) {
	pub := &recordingPublisher{}
	var handlerSaw string

	h := Invalidate(pub, []InvalidationRule{{
		Method:    "post",
		Pattern:   "/offers",
		EventType: "offer.created",
		Extract: func(m Mutation) (map[string]string, []string) {
			var req struct {
				OwnerID string `json:"ownerId"`
			}
			var resp struct {
				ID string `json:"id"`
			}
			_ = json.Unmarshal(m.RequestBody, &req)
			_ = json.Unmarshal(m.ResponseBody, &resp)
			return map[string]string{"userId": req.OwnerID, "offerId": resp.ID}, []string{"rc:GET:/offers"}
		},
	}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		handlerSaw = string(body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"o-9"}`))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/offers", strings.NewReader(`{"ownerId":"42"}`)))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"id":"o-9"}`, rec.Body.String())
	assert.Equal(t, `{"ownerId":"42"}`, handlerSaw, "handler still reads the full body")

	events := pub.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "offer.created", events[0].Type)
	assert.Equal(t, "42", events[0].Criteria["userId"])
	assert.Equal(t, "o-9", events[0].Criteria["offerId"])
	assert.Equal(t, []string{"rc:GET:/offers"}, events[0].Keys)
}

func TestInvalidate_MultipleRules(t *testing.T) {
	pub := &recordingPublisher{}
	h := Invalidate(pub, []InvalidationRule{
		{Pattern: "/users/:userId/offers/:offerId", EventType: "offer.updated"},
		{Pattern: "/users/:userId/*", EventType: "user.changed"},
	})(okHandler)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("PATCH", "/users/1/offers/2", nil))

	events := pub.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "offer.updated", events[0].Type)
	assert.Equal(t, "2", events[0].Criteria["offerId"])
	assert.Equal(t, "user.changed", events[1].Type)
	assert.Equal(t, "1", events[1].Criteria["userId"])
}
