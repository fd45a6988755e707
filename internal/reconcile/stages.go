package reconcile

import "crmsync/internal/domain"

// StageMatch is the result of mapping a label set onto the pipeline.
type StageMatch struct {
	Stage   domain.KanbanStage
	Label   string
	Matched bool
}

// MatchStage returns the first label, in the order given, that equals a
// stage slug. Slugs are compared verbatim.
func MatchStage(stages []domain.KanbanStage, labels []string) StageMatch {
	bySlug := make(map[string]domain.KanbanStage, len(stages))
	for _, st := range stages {
		if _, dup := bySlug[st.Slug]; !dup {
			bySlug[st.Slug] = st
		}
	}
	for _, l := range labels {
		if st, ok := bySlug[l]; ok {
			return StageMatch{Stage: st, Label: l, Matched: true}
		}
	}
	return StageMatch{}
}

func initialStage(stages []domain.KanbanStage) (domain.KanbanStage, bool) {
	for _, st := range stages {
		if st.IsInitial {
			return st, true
		}
	}
	return domain.KanbanStage{}, false
}

func stageSlug(stages []domain.KanbanStage, id *string) string {
	if id == nil {
		return ""
	}
	for _, st := range stages {
		if st.ID == *id {
			return st.Slug
		}
	}
	return ""
}
