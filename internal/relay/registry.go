package relay

// Identity is what a client claims about itself in a register event. The
// relay does not verify it.
type Identity struct {
	DisplayName string
	UserID      string
}

// Registry maps live connections to their most recently registered identity.
type Registry struct {
	identities map[ConnID]Identity
}

func NewRegistry() *Registry {
	return &Registry{identities: make(map[ConnID]Identity)}
}

// Register inserts or overwrites the identity for id.
func (r *Registry) Register(id ConnID, ident Identity) {
	r.identities[id] = ident
}

func (r *Registry) Lookup(id ConnID) (Identity, bool) {
	ident, ok := r.identities[id]
	return ident, ok
}

func (r *Registry) Remove(id ConnID) {
	delete(r.identities, id)
}

func (r *Registry) Len() int {
	return len(r.identities)
}
