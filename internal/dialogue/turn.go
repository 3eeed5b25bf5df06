package dialogue

// Turn is one user input to the resolver. Exactly one concrete type
// applies per request.
type Turn interface {
	isTurn()
}

// FreeTextTurn is a natural-language utterance that goes through slot
// extraction.
type FreeTextTurn struct {
	Text string
}

// ConfirmTurn declares the current selection final ("run it as is").
type ConfirmTurn struct{}

// OverrideTurn sets slots directly, bypassing extraction. Empty fields
// leave their slot untouched. Scope replaces the named categories
// wholesale; a category mapped to an empty list is cleared.
type OverrideTurn struct {
	KPI       string
	TimeRange string
	Scope     map[string][]string
}

func (FreeTextTurn) isTurn() {}
func (ConfirmTurn) isTurn()  {}
func (OverrideTurn) isTurn() {}
