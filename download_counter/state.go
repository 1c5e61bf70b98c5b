package download_counter

// State is where the displayed count of an item last came from.
type State int

const (
	// Uninitialized means no operation has resolved a count for the item yet.
	Uninitialized State = iota
	// HydratedRemote means the count came from the remote store.
	HydratedRemote
	// HydratedLocal means the count came from the local cache.
	HydratedLocal
)

func (s State) String() string {
	switch s {
	case HydratedRemote:
		return "remote"
	case HydratedLocal:
		return "local"
	default:
		return "uninitialized"
	}
}
