// Package status maps operation errors onto the user-facing outcome
// kinds reported by the command line.
package status

import (
	"errors"
	"fmt"

	"pkgman/pkg/client"
	"pkgman/pkg/content"
	"pkgman/pkg/integrity"
	"pkgman/pkg/maintainer"
	"pkgman/pkg/protocol"
	"pkgman/pkg/pubsub"
)

// Kind is the outcome of a package operation.
type Kind int

const (
	OK Kind = iota
	NotFound
	AlreadyExists
	NewerExists
	ChecksumMismatch
	SignatureMismatch
	UnableToConnect
	Unknown
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case NotFound:
		return "not found"
	case AlreadyExists:
		return "already exists"
	case NewerExists:
		return "newer exists"
	case ChecksumMismatch:
		return "checksum mismatch"
	case SignatureMismatch:
		return "signature mismatch"
	case UnableToConnect:
		return "unable to connect"
	default:
		return "unknown"
	}
}

// Failed reports whether the outcome is an error. AlreadyExists and
// NewerExists leave the installed state as it should be.
func (k Kind) Failed() bool {
	return k != OK && k != AlreadyExists && k != NewerExists
}

var sentinels = []struct {
	err  error
	kind Kind
}{
	{protocol.ErrNotFound, NotFound},
	{content.ErrNotFound, NotFound},
	{client.ErrAlreadyExists, AlreadyExists},
	{maintainer.ErrAlreadyExists, AlreadyExists},
	{client.ErrNewerExists, NewerExists},
	{maintainer.ErrNewerExists, NewerExists},
	{integrity.ErrChecksumMismatch, ChecksumMismatch},
	{integrity.ErrSignatureMismatch, SignatureMismatch},
	{pubsub.ErrUnableToConnect, UnableToConnect},
	{content.ErrUnavailable, UnableToConnect},
}

// Classify returns the Kind for err. A nil error is OK.
func Classify(err error) Kind {
	if err == nil {
		return OK
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return Unknown
}

// Describe renders a one-line message for an outcome on the named package.
func Describe(kind Kind, name string) string {
	switch kind {
	case OK:
		return fmt.Sprintf("%s: done", name)
	case NotFound:
		return fmt.Sprintf("%s: package not found on the network", name)
	case AlreadyExists:
		return fmt.Sprintf("%s: already up to date", name)
	case NewerExists:
		return fmt.Sprintf("%s: a newer version already exists", name)
	case ChecksumMismatch:
		return fmt.Sprintf("%s: checksum does not match downloaded content", name)
	case SignatureMismatch:
		return fmt.Sprintf("%s: no trusted maintainer signed this package", name)
	case UnableToConnect:
		return fmt.Sprintf("%s: unable to reach the network", name)
	default:
		return fmt.Sprintf("%s: failed", name)
	}
}
