package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/englishpro/internal/curriculum"
	"github.com/MrWong99/englishpro/pkg/types"
)

type curriculumResponse struct {
	Categories []curriculum.Category `json:"categories"`
}

type wordsResponse struct {
	Words []string `json:"words"`
}

func (s *Server) getCurriculum(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, curriculumResponse{Categories: s.cfg.Catalog.Categories()})
}

func (s *Server) getTopic(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := s.cfg.Catalog.Lookup(id)
	if !ok {
		writeError(w, r, fmt.Errorf("%w: topic %q", errNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Profiles == nil {
		writeError(w, r, errNoStore)
		return
	}
	userID := chi.URLParam(r, "user_id")
	p, err := s.cfg.Profiles.GetProfile(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if p == nil {
		writeError(w, r, fmt.Errorf("%w: profile of %q", errNotFound, userID))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// putProfile stores the profile and hands it to the user's live session so
// the next prompt already uses it.
func (s *Server) putProfile(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Profiles == nil {
		writeError(w, r, errNoStore)
		return
	}
	var p types.UserProfile
	if err := decode(r, &p); err != nil {
		writeError(w, r, err)
		return
	}
	userID := chi.URLParam(r, "user_id")
	saved, err := s.cfg.Profiles.SaveProfile(r.Context(), userID, p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.cfg.Manager.UpdateProfile(userID, saved)
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) getLearnedWords(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Profiles == nil {
		writeError(w, r, errNoStore)
		return
	}
	words, err := s.cfg.Profiles.GetLearnedWords(r.Context(), chi.URLParam(r, "user_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if words == nil {
		words = []string{}
	}
	writeJSON(w, http.StatusOK, wordsResponse{Words: words})
}
