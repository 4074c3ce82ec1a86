// Package errs defines the sentinel error values shared across
// tokenflow's core packages. Centralizing them here lets every package
// compare with errors.Is without importing each other's error types -
// the reflective exception taxonomy of the original system becomes
// explicit, typed error values instead.
package errs

import "errors"

var (
	// ErrMalformedToken is returned when a received datagram cannot be
	// parsed into a token envelope, or is missing a mandatory field.
	ErrMalformedToken = errors.New("tokenflow: malformed token")

	// ErrChunkOverflow is returned when a payload, even after gzip
	// compression and chunking, still cannot fit within MaxWireLength.
	// Per spec this signals a configuration bug, not a runtime
	// condition to retry around.
	ErrChunkOverflow = errors.New("tokenflow: payload exceeds wire length even after chunking")

	// ErrChunkTimeout names a chunk reassembly buffer that aged out
	// before all fragments arrived. Codec.SweepStale drops such buffers
	// and returns their correlation ids; it does not return this error,
	// and no code in the node returns it.
	ErrChunkTimeout = errors.New("tokenflow: chunk reassembly timed out")

	// ErrUncommittedVersion is returned when a token names a
	// ruleBaseVersion that RuleStore has not committed.
	ErrUncommittedVersion = errors.New("tokenflow: rule base version not committed")

	// ErrServiceMismatch is returned when no rule bundle exists for the
	// token's (version, service, operation) triple.
	ErrServiceMismatch = errors.New("tokenflow: no rule bundle for service/operation")

	// ErrExpired is returned when a token's NotAfter deadline has
	// passed.
	ErrExpired = errors.New("tokenflow: token expired")

	// ErrQueueFull is returned when the EventReactor's priority queue
	// is at capacity and the token is not part of an in-progress join.
	ErrQueueFull = errors.New("tokenflow: reactor queue full")

	// ErrGuardRejected is returned when a RuleEngine guard evaluates to
	// false and no retry edge exists.
	ErrGuardRejected = errors.New("tokenflow: guard rejected token")

	// ErrInvocationFailed is returned when business-logic invocation
	// throws and the failure is not retryable.
	ErrInvocationFailed = errors.New("tokenflow: business invocation failed")

	// ErrJoinTimeout names a fork/join rendezvous whose deadline passed
	// before all siblings arrived. forkjoin.Registry.ReapExpired removes
	// such rendezvous and returns them; it does not return this error,
	// and no code in the node returns it.
	ErrJoinTimeout = errors.New("tokenflow: join rendezvous timed out")

	// ErrPublishFailed is returned when a UDP send could not be
	// completed within the publisher's socket timeout.
	ErrPublishFailed = errors.New("tokenflow: publish failed")

	// ErrRuleParseFailed is returned when a rule-install packet's
	// payload cannot be parsed; per spec this yields no ACK (silence
	// is a NAK).
	ErrRuleParseFailed = errors.New("tokenflow: rule install payload parse failed")

	// ErrArityMismatch is returned by the Invoker when the number of
	// clean business payloads does not match the registered handler's
	// required arity.
	ErrArityMismatch = errors.New("tokenflow: business payload count does not match required arity")

	// ErrNoHandler is returned when no handler is registered for a
	// (service, operation) pair.
	ErrNoHandler = errors.New("tokenflow: no handler registered for service/operation")
)
