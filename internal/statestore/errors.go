package statestore

import "errors"

var (
	// ErrEmpty is returned by a non-blocking Pop on an empty queue.
	ErrEmpty = errors.New("statestore: queue is empty")
	// ErrTimeout is returned by a blocking Pop whose timeout expired.
	ErrTimeout = errors.New("statestore: pop timed out")
	// ErrNotFound is returned by Map.GetOrFail when the key is absent.
	ErrNotFound = errors.New("statestore: key not found")
)
