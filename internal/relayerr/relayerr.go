// Package relayerr defines the sentinel error taxonomy that every
// component in this module classifies its failures into. Callers use
// errors.Is against these sentinels; wrapping with fmt.Errorf("...: %w", ...)
// preserves the classification while adding context.
package relayerr

import "errors"

var (
	// AuthInvalid means the caller's credentials (JWT, host token, admin
	// password) did not verify.
	AuthInvalid = errors.New("relayerr: auth invalid")

	// NotFound means the named run, host, or session does not exist, or no
	// longer exists (e.g. retention expired it).
	NotFound = errors.New("relayerr: not found")

	// OutOfScope means a filesystem or git operation resolved outside the
	// run's working directory, or named an absolute path or a path
	// containing "..".
	OutOfScope = errors.New("relayerr: out of scope")

	// Permission means a tool call was denied, either explicitly by the
	// user or because no permission decision arrived before the run exited.
	Permission = errors.New("relayerr: permission denied")

	// Protocol means a peer violated the wire protocol: a malformed
	// envelope, an out-of-order sequence number, or a message sent before
	// the required handshake.
	Protocol = errors.New("relayerr: protocol violation")

	// Transient means the failure is expected to clear on retry: a
	// dropped connection, a busy database, a closed peer. Callers that see
	// Transient should back off and retry rather than surface it verbatim.
	Transient = errors.New("relayerr: transient")

	// Resource means a local limit was hit: output size cap, spool
	// overflow, concurrent run limit.
	Resource = errors.New("relayerr: resource limit")

	// Fatal means the process cannot continue: a corrupt database that
	// survived repair-by-truncation, a missing required config value.
	Fatal = errors.New("relayerr: fatal")
)
