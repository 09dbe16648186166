package memrouter

import (
	"strings"

	"github.com/hupe1980/taskmesh/core"
)

// episodicMarkers are query phrasings that indicate a worker is asking about
// its own experience rather than shared knowledge. The heuristic is a
// fallback only; callers should pass an explicit hint whenever they know the
// target scope.
var episodicMarkers = []string{
	"my ", "i did", "i saw", "i tried", "last time", "previously",
	"earlier", "session", "recall", "remember",
}

// Classify resolves the target scope of a memory query. An explicit hint
// wins; otherwise a query naming an owner is episodic, then keyword
// heuristics apply, and shared knowledge is the default.
func Classify(q core.MemoryQuery) core.MemoryScope {
	switch q.Hint {
	case core.HintShared:
		return core.ScopeShared
	case core.HintEpisodic:
		return core.ScopeEpisodic
	}

	if q.OwnerID != "" {
		return core.ScopeEpisodic
	}

	text := strings.ToLower(q.Text)
	for _, marker := range episodicMarkers {
		if strings.Contains(text, marker) {
			return core.ScopeEpisodic
		}
	}
	return core.ScopeShared
}
