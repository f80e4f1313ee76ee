package bundle

import (
	"errors"
	"fmt"
	"strings"
)

// EID is a DTN endpoint identifier of the form dtn://node/application.
// The node part names a host; the optional application part names a
// service on it. The zero value is invalid.
type EID string

// NoneEID is the null endpoint ("no destination / no report-to").
const NoneEID EID = "dtn:none"

const scheme = "dtn://"

var errBadEID = errors.New("malformed endpoint id")

// ParseEID validates s and returns it as an EID. Accepted forms are
// dtn:none, dtn://node and dtn://node/application.
func ParseEID(s string) (EID, error) {
	e := EID(s)
	if !e.Valid() {
		return "", fmt.Errorf("%w: %q", errBadEID, s)
	}
	return e, nil
}

// MustEID is ParseEID for statically known identifiers; it panics on
// malformed input.
func MustEID(s string) EID {
	e, err := ParseEID(s)
	if err != nil {
		panic(err)
	}
	return e
}

// NodeEID builds the node-level EID dtn://name.
func NodeEID(name string) EID { return EID(scheme + name) }

func (e EID) Valid() bool {
	if e == NoneEID {
		return true
	}
	s := string(e)
	if !strings.HasPrefix(s, scheme) {
		return false
	}
	rest := s[len(scheme):]
	node, _, _ := strings.Cut(rest, "/")
	return node != ""
}

// Node returns the node-level EID, stripping any application part.
// dtn://alpha/ping becomes dtn://alpha; dtn:none maps to itself.
func (e EID) Node() EID {
	if e == NoneEID || !strings.HasPrefix(string(e), scheme) {
		return e
	}
	rest := string(e)[len(scheme):]
	node, _, _ := strings.Cut(rest, "/")
	return EID(scheme + node)
}

// Application returns the application part, empty for node-level EIDs.
func (e EID) Application() string {
	if !strings.HasPrefix(string(e), scheme) {
		return ""
	}
	rest := string(e)[len(scheme):]
	_, app, _ := strings.Cut(rest, "/")
	return app
}

// SameHost reports whether both identifiers name the same node,
// ignoring the application part. The null endpoint matches nothing.
func (e EID) SameHost(o EID) bool {
	if e == NoneEID || o == NoneEID {
		return false
	}
	return e.Node() == o.Node()
}

func (e EID) String() string { return string(e) }
