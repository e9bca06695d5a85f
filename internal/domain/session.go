package domain

// Stage is a phase of a retrospective's linear workflow.
type Stage string

// Stages in workflow order.
const (
	StagePreSession       Stage = "pre_session"
	StageGreenRoom        Stage = "green_room"
	StageIdeaCollection   Stage = "idea_collection"
	StageIdeaGrouping     Stage = "idea_grouping"
	StageIdeaVoting       Stage = "idea_voting"
	StageIdeaFinalization Stage = "idea_finalization"
	StagePostSession      Stage = "post_session"
)

var stageOrder = []Stage{
	StagePreSession,
	StageGreenRoom,
	StageIdeaCollection,
	StageIdeaGrouping,
	StageIdeaVoting,
	StageIdeaFinalization,
	StagePostSession,
}

func (s Stage) index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s.index() >= 0
}

// Next returns the stage that follows s and false when s is the last stage
// or unknown.
func (s Stage) Next() (Stage, bool) {
	i := s.index()
	if i < 0 || i == len(stageOrder)-1 {
		return "", false
	}
	return stageOrder[i+1], true
}

// CanAdvanceTo reports whether moving from s to target is a forward move.
// The relay never calls this; admin actions use it before emitting a change.
func (s Stage) CanAdvanceTo(target Stage) bool {
	from, to := s.index(), target.index()
	return from >= 0 && to > from
}

// Visibility controls whether participants see each other's ideas during collection.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Category is a column ideas are submitted into.
type Category struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Session is one retrospective meeting instance.
type Session struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Stage      Stage      `json:"stage"`
	OwnerID    string     `json:"ownerId"`
	Categories []Category `json:"categories"`
	Visibility Visibility `json:"visibility"`
}
