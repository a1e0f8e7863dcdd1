package history

import "errors"

// ErrChatNotFound is wrapped by a StorageError when an operation refers to a
// chat id the store does not know.
var ErrChatNotFound = errors.New("chat not found")

// StorageError reports a failed persistence operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "history: " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
