package router

import (
	"strings"

	"icotes-hop/pkg/backend"
	"icotes-hop/pkg/hop"
)

// PathRef is a parsed "label:path" token. It is either a LocalPath or a
// NamespacedPath.
type PathRef interface {
	ContextID() string
	Path() string
	pathRef()
}

// LocalPath is a path in the local context.
type LocalPath struct {
	P string
}

func (p LocalPath) ContextID() string { return hop.LocalContextID }
func (p LocalPath) Path() string      { return p.P }
func (LocalPath) pathRef()            {}

// NamespacedPath is a path inside a remote context, named by Label in the
// input it was parsed from.
type NamespacedPath struct {
	Context string
	Label   string
	P       string
}

func (p NamespacedPath) ContextID() string { return p.Context }
func (p NamespacedPath) Path() string      { return p.P }
func (NamespacedPath) pathRef()            {}

// FormatNamespacedPath renders "<label>:<path>", where label is "local", the
// context's friendly name, or the raw context id.
func (r *Router) FormatNamespacedPath(contextID, absPath string) string {
	return r.label(contextID) + ":" + absPath
}

func (r *Router) label(contextID string) (label string) {
	id := contextID
	defer func() {
		if recover() != nil {
			label = id
		}
	}()
	id = r.resolveID(contextID)
	if id == hop.LocalContextID {
		return hop.LocalContextID
	}
	if s := r.sessions.Status(id); s.ContextID == id && s.Name != "" {
		return s.Name
	}
	if r.names != nil {
		if n, ok := r.names(id); ok && n != "" {
			return n
		}
	}
	return id
}

// ParsePathAndNamespace splits a "label:path" token. The prefix counts as a
// namespace only when it is "local" or names a live session (by name or
// context id). Anything else, drive letters included, is a local path.
func (r *Router) ParsePathAndNamespace(input string) PathRef {
	i := strings.IndexByte(input, ':')
	if i <= 0 {
		return LocalPath{P: input}
	}
	label, rest := input[:i], input[i+1:]
	if isDriveLetter(label, rest) {
		return LocalPath{P: input}
	}
	if label == hop.LocalContextID {
		return LocalPath{P: rest}
	}
	if id, ok := r.knownLabel(label); ok {
		return NamespacedPath{Context: id, Label: label, P: rest}
	}
	return LocalPath{P: input}
}

func (r *Router) knownLabel(label string) (id string, ok bool) {
	defer func() {
		if recover() != nil {
			id, ok = "", false
		}
	}()
	var byName string
	for _, s := range r.sessions.Sessions() {
		if s.IsLocal() {
			continue
		}
		if s.ContextID == label {
			return s.ContextID, true
		}
		if byName == "" && s.Name == label {
			byName = s.ContextID
		}
	}
	return byName, byName != ""
}

func isDriveLetter(label, rest string) bool {
	if len(label) != 1 {
		return false
	}
	c := label[0]
	if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
		return false
	}
	return rest == "" || rest[0] == '/' || rest[0] == '\\'
}

// Resolve returns the filesystem and path a PathRef refers to. A namespaced
// path whose context cannot be routed resolves against the local filesystem.
func (r *Router) Resolve(ref PathRef) (backend.Filesystem, string) {
	switch p := ref.(type) {
	case NamespacedPath:
		return r.Filesystem(p.Context), p.P
	case LocalPath:
		return r.local, p.P
	default:
		return r.local, ""
	}
}
