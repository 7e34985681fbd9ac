package voice

import "fmt"

// State is the local user's mute and deafen status. It is rebuilt from each
// snapshot or event and never diffed against an earlier value.
type State struct {
	Muted    bool
	Deafened bool
}

func (s State) String() string {
	return fmt.Sprintf("muted=%t deafened=%t", s.Muted, s.Deafened)
}
