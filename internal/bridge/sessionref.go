package bridge

import "strings"

// SessionKind distinguishes sessions the daemon spawned itself (local)
// from CLI-registered ones it knows only via registration and heartbeat
// (remote).
type SessionKind int

const (
	KindLocal SessionKind = iota
	KindRemote
)

// String returns the wire prefix for the kind.
func (k SessionKind) String() string {
	if k == KindRemote {
		return "remote"
	}
	return "local"
}

// SessionRef is a tagged session reference. Routing matches on Kind
// instead of relying on a string-prefix convention.
type SessionRef struct {
	Kind SessionKind
	ID   string
}

// RemoteRef builds a remote session reference.
func RemoteRef(id string) SessionRef {
	return SessionRef{Kind: KindRemote, ID: id}
}

// String renders the wire form, e.g. "remote:ab12".
func (r SessionRef) String() string {
	return r.Kind.String() + ":" + r.ID
}

// ParseSessionRef parses the wire form. Unprefixed ids are treated as
// remote, since remote sessions are the only kind that crosses the
// control transport.
func ParseSessionRef(s string) SessionRef {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return SessionRef{Kind: KindRemote, ID: s}
	}
	switch kind {
	case "local":
		return SessionRef{Kind: KindLocal, ID: id}
	case "remote":
		return SessionRef{Kind: KindRemote, ID: id}
	default:
		// Not a recognized prefix — the whole string is the id.
		return SessionRef{Kind: KindRemote, ID: s}
	}
}
