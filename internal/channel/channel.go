// Package channel derives fan-out routing keys from user and group ids.
//
// A channel name is never chosen by a client. It is always built from the
// target it routes to: "user:<id>" for a personal inbox and "group:<id>" for
// a group chat room.
package channel

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies what a channel routes to.
type Kind string

const (
	KindUser  Kind = "user"
	KindGroup Kind = "group"
)

// ErrInvalidName is returned by Parse for names outside the naming convention.
var ErrInvalidName = errors.New("invalid channel name")

// Name is a routing key such as "user:42" or "group:7".
type Name string

// User returns the personal channel of a user.
func User(userID string) Name {
	return Name(string(KindUser) + ":" + userID)
}

// Group returns the channel of a group chat room.
func Group(groupID string) Name {
	return Name(string(KindGroup) + ":" + groupID)
}

// Parse splits a channel name into its kind and target id.
func Parse(name Name) (Kind, string, error) {
	kind, id, ok := strings.Cut(string(name), ":")
	if !ok || id == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	switch Kind(kind) {
	case KindUser, KindGroup:
		return Kind(kind), id, nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
}

func (n Name) String() string {
	return string(n)
}
