package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/fincoord/pkg/coordinator"
	"github.com/Sternrassler/fincoord/pkg/invalidation"
	"github.com/Sternrassler/fincoord/pkg/middleware"
	"github.com/Sternrassler/fincoord/pkg/session"
)

// Event types published by the demo API.
const (
	EventOfferChanged = "offer.changed"
	EventUserChanged  = "user.changed"
)

// Offer is the demo resource.
type Offer struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Title     string    `json:"title"`
	Amount    int64     `json:"amount"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// offerStore is an in-memory offer repository.
type offerStore struct {
	mu     sync.RWMutex
	offers map[string]Offer
}

func newOfferStore() *offerStore {
	return &offerStore{offers: make(map[string]Offer)}
}

func (s *offerStore) list(owner string) []Offer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Offer, 0)
	for _, o := range s.offers {
		if o.OwnerID == owner {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *offerStore) get(id string) (Offer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.offers[id]
	return o, ok
}

func (s *offerStore) put(o Offer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[o.ID] = o
}

func (s *offerStore) delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.offers[id]
	delete(s.offers, id)
	return ok
}

// api is the demo application served behind the coordination chain.
type api struct {
	coord  *coordinator.Coordinator
	offers *offerStore
	logger zerolog.Logger
	now    func() time.Time
}

// registerInvalidations maps demo event types to cache targets.
func registerInvalidations(r *invalidation.Registry) {
	r.Register(EventOfferChanged,
		invalidation.Patterns("rc:*:/users/{userId}/offers*"),
		invalidation.Tags("offer:{offerId}"),
	)
	r.Register(EventUserChanged,
		invalidation.Patterns("rc:*:/users/{userId}*"),
	)
}

// routes builds the public and protected handlers.
func (a *api) routes() http.Handler {
	mux := http.NewServeMux()

	public := http.NewServeMux()
	public.HandleFunc("POST /sessions", a.createSession)
	mux.Handle("POST /sessions", a.coord.Handler(public, coordinator.HandlerOptions{}))

	protected := http.NewServeMux()
	protected.HandleFunc("DELETE /sessions/current", a.destroySession)
	protected.HandleFunc("GET /users/{userId}/offers", a.listOffers)
	protected.HandleFunc("POST /users/{userId}/offers", a.createOffer)
	protected.HandleFunc("GET /offers/{offerId}", a.getOffer)
	protected.HandleFunc("PUT /offers/{offerId}", a.updateOffer)
	protected.HandleFunc("DELETE /offers/{offerId}", a.deleteOffer)
	protected.HandleFunc("GET /admin/ratelimit/{id}", a.rateLimitStatus)
	protected.HandleFunc("DELETE /admin/ratelimit/{id}", a.resetRateLimit)

	chain := a.coord.Handler(protected, coordinator.HandlerOptions{
		RequireSession: true,
		CacheRules: []middleware.CacheRule{
			{Pattern: "/users/:userId/offers", TTL: time.Minute},
			{Pattern: "/offers/:offerId", Tags: []string{"offer:{offerId}"}},
		},
		Invalidations: []middleware.InvalidationRule{
			{Method: http.MethodPost, Pattern: "/users/:userId/offers", EventType: EventOfferChanged, Extract: offerFromResponse},
			{Pattern: "/offers/:offerId", EventType: EventOfferChanged, Extract: offerFromResponse},
		},
	})
	for _, p := range []string{"/sessions/current", "/users/", "/offers/", "/admin/"} {
		mux.Handle(p, chain)
	}
	return mux
}

// offerFromResponse lifts the owner and offer id out of a mutation response.
func offerFromResponse(m middleware.Mutation) (map[string]string, []string) {
	var o Offer
	if err := json.Unmarshal(m.ResponseBody, &o); err != nil || o.ID == "" {
		return nil, nil
	}
	return map[string]string{"userId": o.OwnerID, "offerId": o.ID}, nil
}

type createSessionRequest struct {
	PrincipalID string   `json:"principalId"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
}

type createSessionResponse struct {
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (a *api) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PrincipalID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "principalId is required")
		return
	}
	id, err := a.coord.Sessions.Create(r.Context(), session.CreateParams{
		PrincipalID: req.PrincipalID,
		Email:       req.Email,
		Roles:       req.Roles,
	})
	if err != nil {
		a.logger.Error().Err(err).Str("principal_id", req.PrincipalID).Msg("Failed to create session")
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "session store unavailable")
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: id,
		ExpiresAt: a.now().Add(a.coord.Config.Session.TTL).UTC(),
	})
}

func (a *api) destroySession(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.SessionFromContext(r.Context())
	if _, err := a.coord.Sessions.Destroy(r.Context(), sess.ID); err != nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "session store unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) listOffers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.offers.list(r.PathValue("userId")))
}

type offerRequest struct {
	Title  string `json:"title"`
	Amount int64  `json:"amount"`
}

func decodeOffer(r *http.Request) (offerRequest, error) {
	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, err
	}
	if req.Title == "" || req.Amount <= 0 {
		return req, errors.New("title and a positive amount are required")
	}
	return req, nil
}

func (a *api) createOffer(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("userId")
	if !mayWrite(r, owner) {
		writeError(w, http.StatusForbidden, "forbidden", "cannot create offers for another user")
		return
	}
	req, err := decodeOffer(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	o := Offer{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		Title:     req.Title,
		Amount:    req.Amount,
		UpdatedAt: a.now().UTC(),
	}
	a.offers.put(o)
	writeJSON(w, http.StatusCreated, o)
}

func (a *api) getOffer(w http.ResponseWriter, r *http.Request) {
	o, ok := a.offers.get(r.PathValue("offerId"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "offer not found")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *api) updateOffer(w http.ResponseWriter, r *http.Request) {
	o, ok := a.offers.get(r.PathValue("offerId"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "offer not found")
		return
	}
	if !mayWrite(r, o.OwnerID) {
		writeError(w, http.StatusForbidden, "forbidden", "not the owner of this offer")
		return
	}
	req, err := decodeOffer(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	o.Title, o.Amount, o.UpdatedAt = req.Title, req.Amount, a.now().UTC()
	a.offers.put(o)
	writeJSON(w, http.StatusOK, o)
}

func (a *api) deleteOffer(w http.ResponseWriter, r *http.Request) {
	o, ok := a.offers.get(r.PathValue("offerId"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "offer not found")
		return
	}
	if !mayWrite(r, o.OwnerID) {
		writeError(w, http.StatusForbidden, "forbidden", "not the owner of this offer")
		return
	}
	a.offers.delete(o.ID)
	// The body carries the owner so the invalidation rule can resolve it.
	writeJSON(w, http.StatusOK, o)
}

type rateLimitStatus struct {
	Identifier string `json:"identifier"`
	Count      int    `json:"count"`
	Limit      int    `json:"limit"`
	Remaining  int    `json:"remaining"`
	ResetTime  string `json:"resetTime"`
	Blocked    bool   `json:"blocked"`
	RetryAfter int64  `json:"retryAfter,omitempty"`
}

func (a *api) rateLimitStatus(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		writeError(w, http.StatusForbidden, "forbidden", "admin role required")
		return
	}
	id := r.PathValue("id")
	st, err := a.coord.Limiter.Status(r.Context(), id, a.coord.Rule())
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rateLimitStatus{
		Identifier: id,
		Count:      st.Count,
		Limit:      st.Limit,
		Remaining:  st.Remaining,
		ResetTime:  st.ResetTime.UTC().Format(time.RFC3339),
		Blocked:    st.Blocked,
		RetryAfter: int64(st.RetryAfter.Seconds()),
	})
}

func (a *api) resetRateLimit(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		writeError(w, http.StatusForbidden, "forbidden", "admin role required")
		return
	}
	id := r.PathValue("id")
	if err := a.coord.Limiter.Reset(r.Context(), id); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	a.logger.Info().Str("identifier", id).Msg("Rate limit reset")
	w.WriteHeader(http.StatusNoContent)
}

func mayWrite(r *http.Request, owner string) bool {
	sess, ok := middleware.SessionFromContext(r.Context())
	return ok && (sess.PrincipalID == owner || sess.HasRole("admin"))
}

func isAdmin(r *http.Request) bool {
	sess, ok := middleware.SessionFromContext(r.Context())
	return ok && sess.HasRole("admin")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, middleware.ErrorBody{Error: code, Message: message})
}
