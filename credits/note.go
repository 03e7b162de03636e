package credits

// Note carries optional annotations for a transaction. Public notes are
// shown to the credit owner, private notes only to managers.
type Note struct {
	Public  string
	Private string
}

// PublicNote returns a note with only the public part set.
func PublicNote(text string) Note { return Note{Public: text} }

// IsZero reports whether neither part is set.
func (n Note) IsZero() bool { return n.Public == "" && n.Private == "" }
