package server

import (
	"fmt"
	"sort"
	"sync"

	"desitarget/internal/bitmask"
	"desitarget/internal/engine"
	"desitarget/internal/maskwatch"
)

// UnknownSurveyError is returned for a survey with no mask document.
type UnknownSurveyError struct {
	Survey string
}

func (e UnknownSurveyError) Error() string {
	return fmt.Sprintf("unknown survey %q", e.Survey)
}

// Engines serves one engine per survey. The served survey comes from a
// holder, which a mask watcher may update; the other bundled surveys are
// loaded on first use.
type Engines struct {
	Served  *maskwatch.Holder
	Options engine.Options

	mu      sync.Mutex
	bundled map[string]*engine.Engine
}

// NewEngines serves holder's engine alongside the bundled surveys.
func NewEngines(holder *maskwatch.Holder, opts engine.Options) *Engines {
	return &Engines{Served: holder, Options: opts, bundled: make(map[string]*engine.Engine)}
}

// Engine returns the engine for survey.
func (s *Engines) Engine(survey string) (*engine.Engine, error) {
	if s.Served != nil {
		if eng := s.Served.Engine(); eng != nil && eng.Survey() == survey {
			return eng, nil
		}
	}
	if _, err := bitmask.Builtin(survey); err != nil {
		return nil, UnknownSurveyError{Survey: survey}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bundled == nil {
		s.bundled = make(map[string]*engine.Engine)
	}
	if eng, ok := s.bundled[survey]; ok {
		return eng, nil
	}
	eng, err := engine.LoadBuiltin(survey, s.Options)
	if err != nil {
		return nil, err
	}
	s.bundled[survey] = eng
	return eng, nil
}

// Surveys lists every survey that can be served, sorted.
func (s *Engines) Surveys() []string {
	set := make(map[string]bool)
	for _, sv := range bitmask.BuiltinSurveys() {
		set[sv] = true
	}
	if s.Served != nil {
		if eng := s.Served.Engine(); eng != nil {
			set[eng.Survey()] = true
		}
	}
	out := make([]string, 0, len(set))
	for sv := range set {
		out = append(out, sv)
	}
	sort.Strings(out)
	return out
}

// ServedSurvey returns the survey of the watched engine, if any.
func (s *Engines) ServedSurvey() string {
	if s.Served == nil {
		return ""
	}
	if eng := s.Served.Engine(); eng != nil {
		return eng.Survey()
	}
	return ""
}
