package model

import "fmt"

// Rank is the hierarchical tier of a node.
// Lower levels are more senior: GrandElder is level 0.
type Rank int

const (
	RankGrandElder Rank = iota
	RankClaudeElder
	RankFourSages
	RankElderServants
	RankKnightOrder
	RankWizards
	RankWorkers
	RankApprentice
)

var rankNames = []string{
	"GrandElder",
	"ClaudeElder",
	"FourSages",
	"ElderServants",
	"KnightOrder",
	"Wizards",
	"Workers",
	"Apprentice",
}

// allowedChildren is the static rank-compatibility table.
var allowedChildren = map[Rank][]Rank{
	RankGrandElder:    {RankClaudeElder},
	RankClaudeElder:   {RankFourSages, RankElderServants},
	RankFourSages:     {RankKnightOrder, RankWizards, RankWorkers},
	RankElderServants: {RankWorkers},
	RankKnightOrder:   {RankApprentice},
	RankWizards:       {RankApprentice},
	RankWorkers:       {},
	RankApprentice:    {},
}

// Ranks returns every rank from most to least senior.
func Ranks() []Rank {
	out := make([]Rank, len(rankNames))
	for i := range rankNames {
		out[i] = Rank(i)
	}
	return out
}

// Level returns the numeric seniority level (0 is most senior).
func (r Rank) Level() int { return int(r) }

// Valid reports whether r is a known rank.
func (r Rank) Valid() bool { return r >= RankGrandElder && r <= RankApprentice }

func (r Rank) String() string { return tagName(rankNames, int(r)) }

// AllowedChildren returns the ranks a node of rank r may parent.
func (r Rank) AllowedChildren() []Rank {
	kids := allowedChildren[r]
	out := make([]Rank, len(kids))
	copy(out, kids)
	return out
}

// CanParent reports whether a node of rank r may have a child of rank child.
func (r Rank) CanParent(child Rank) bool {
	for _, k := range allowedChildren[r] {
		if k == child {
			return true
		}
	}
	return false
}

// ParseRank parses a rank tag such as "FourSages".
func ParseRank(s string) (Rank, error) { return parseTag[Rank]("rank", rankNames, s) }

func (r Rank) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("cannot marshal %s", r)
	}
	return []byte(r.String()), nil
}

func (r *Rank) UnmarshalText(b []byte) error {
	v, err := ParseRank(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
