package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/englishpro/internal/session"
	"github.com/MrWong99/englishpro/internal/transcript/phonetic"
)

type createSessionRequest struct {
	UserID string `json:"user_id"`
}

type pickTopicRequest struct {
	TopicID string `json:"topic_id"`
}

type messageRequest struct {
	Text string `json:"text"`

	// Spoken marks text that came from speech recognition. It is corrected
	// toward the active vocabulary before sending.
	Spoken bool `json:"spoken,omitempty"`
}

type messageResponse struct {
	session.Snapshot
	Corrections []phonetic.Correction `json:"corrections,omitempty"`
}

type translateRequest struct {
	Text string `json:"text"`
}

type translateResponse struct {
	Translation string `json:"translation"`
}

func (s *Server) session(r *http.Request) (*session.Session, error) {
	return s.cfg.Manager.Get(chi.URLParam(r, "id"))
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Manager.List())
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.cfg.Manager.Create(r.Context(), req.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Manager.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// transition runs op on the session named in the URL and writes the
// resulting snapshot.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, op func(*session.Session) (session.Snapshot, error)) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := op(sess)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) startPractice(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(sess *session.Session) (session.Snapshot, error) {
		return sess.StartPractice(r.Context())
	})
}

func (s *Server) startSimulation(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(sess *session.Session) (session.Snapshot, error) {
		return sess.StartSimulation()
	})
}

func (s *Server) pickTopic(w http.ResponseWriter, r *http.Request) {
	var req pickTopicRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.TopicID) == "" {
		writeError(w, r, fmt.Errorf("%w: topic_id is required", errBadRequest))
		return
	}
	s.transition(w, r, func(sess *session.Session) (session.Snapshot, error) {
		return sess.PickTopic(req.TopicID)
	})
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.session(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var resp messageResponse
	if req.Spoken {
		resp.Snapshot, resp.Corrections, err = sess.SendTranscript(r.Context(), req.Text)
	} else {
		resp.Snapshot, err = sess.Send(r.Context(), req.Text)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) newWords(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(sess *session.Session) (session.Snapshot, error) {
		return sess.NewWords(r.Context())
	})
}

func (s *Server) goHome(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(sess *session.Session) (session.Snapshot, error) {
		return sess.GoHome(), nil
	})
}

func (s *Server) translate(w http.ResponseWriter, r *http.Request) {
	var req translateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, r, fmt.Errorf("%w: text is required", errBadRequest))
		return
	}
	out, err := s.cfg.Manager.Translate(r.Context(), text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, translateResponse{Translation: out})
}
