package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"chatroster/pkg/projection"
	"chatroster/pkg/roster"
	"chatroster/pkg/session"
)

// rosterItem is the wire form of one projected roster row.
type rosterItem struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Kind          string     `json:"kind"`
	Online        bool       `json:"online"`
	Preview       string     `json:"preview,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	MessageType   string     `json:"message_type,omitempty"`
}

type rosterResponse struct {
	SubscriberID string       `json:"subscriber_id"`
	Version      uint64       `json:"version"`
	Search       string       `json:"search,omitempty"`
	Items        []rosterItem `json:"items"`
}

func toRosterItems(items []projection.Item) []rosterItem {
	out := make([]rosterItem, 0, len(items))
	for _, item := range items {
		wire := rosterItem{
			ID:      item.Correspondent.ID,
			Name:    item.Correspondent.Name,
			Kind:    string(item.Correspondent.Kind),
			Online:  item.Online,
			Preview: item.Preview,
		}
		if item.Latest != nil {
			at := item.Latest.CreatedAt
			wire.LastMessageAt = &at
			wire.MessageType = string(item.Latest.ContentKind)
		}
		out = append(out, wire)
	}
	return out
}

func buildRosterResponse(s *session.Session, search string) rosterResponse {
	snapshot := s.Snapshot()
	return rosterResponse{
		SubscriberID: snapshot.SubscriberID,
		Version:      snapshot.Version,
		Search:       search,
		Items:        toRosterItems(projection.Items(snapshot, search)),
	}
}

// sessionFor resolves the subscriber session named in the route or writes an
// error response.
func (s *Service) sessionFor(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, release, ok := s.acquireSession(w, r)
	if !ok {
		return nil, false
	}
	release()
	return sess, true
}

// acquireSession is sessionFor for handlers that keep the session past the
// request; release must be called when done.
func (s *Service) acquireSession(w http.ResponseWriter, r *http.Request) (*session.Session, func(), bool) {
	subscriberID := chi.URLParam(r, "id")

	sess, release, err := s.manager.Acquire(r.Context(), subscriberID)
	if err != nil {
		switch {
		case errors.Is(err, roster.ErrDirectoryUnavailable):
			s.log.Warn("Directory unavailable for subscriber", "subscriber", subscriberID, "error", err)
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
		case subscriberID == "":
			s.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, errManagerClosed):
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
		case r.Context().Err() != nil:
			s.log.Debug("Request ended while session was starting", "subscriber", subscriberID)
		default:
			s.log.Error("Session start failed", "subscriber", subscriberID, "error", err)
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, nil, false
	}
	return sess, release, true
}

func (s *Service) handleRoster(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(w, r)
	if !ok {
		return
	}

	s.writeJSON(w, http.StatusOK, buildRosterResponse(sess, r.URL.Query().Get("q")))
}

func (s *Service) handleRefreshDirectory(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(w, r)
	if !ok {
		return
	}

	if err := sess.RefreshDirectory(r.Context()); err != nil {
		s.log.Warn("Directory refresh failed", "subscriber", sess.SubscriberID(), "error", err)
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, buildRosterResponse(sess, ""))
}

func (s *Service) handlePublishPresence(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(w, r)
	if !ok {
		return
	}

	if err := sess.PublishSelfPresence(r.Context()); err != nil {
		s.log.Warn("Publishing presence failed", "subscriber", sess.SubscriberID(), "error", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
