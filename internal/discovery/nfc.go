package discovery

import (
	"context"
	"errors"
	"fmt"
)

// Tag reader failures. Readers return these, possibly wrapped.
var (
	ErrNFCNotSupported  = errors.New("nfc not supported")
	ErrNFCTimeout       = errors.New("nfc read timed out")
	ErrNFCUserCancelled = errors.New("nfc read cancelled by user")
	ErrNFCReadError     = errors.New("nfc read error")
)

// TagReader reads the identifier of a physical tag held to the device.
type TagReader interface {
	ReadTag(ctx context.Context) (string, error)
}

// TagReaderFunc adapts a function to TagReader.
type TagReaderFunc func(ctx context.Context) (string, error)

// ReadTag calls f.
func (f TagReaderFunc) ReadTag(ctx context.Context) (string, error) {
	return f(ctx)
}

// CollectWithReader reads a tag through reader and presents it for id.
// Any read failure yields TagReadFailed.
func (v *Validator) CollectWithReader(ctx context.Context, id string, reader TagReader) (Result, error) {
	tag, err := reader.ReadTag(ctx)
	if err != nil {
		err = classify(err)
		v.logger.Warn("tag read failed", "id", id, "error", err)
		obj, _ := v.store.Get(id)
		return v.done(Result{Outcome: TagReadFailed, Object: obj, Reason: err.Error()}), nil
	}
	return v.AttemptCollect(id, &tag)
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrNFCNotSupported), errors.Is(err, ErrNFCTimeout),
		errors.Is(err, ErrNFCUserCancelled), errors.Is(err, ErrNFCReadError):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrNFCTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrNFCUserCancelled, err)
	}
	return fmt.Errorf("%w: %w", ErrNFCReadError, err)
}
