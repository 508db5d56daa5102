package compression

import "errors"

// ErrEmptyInput is the cause reported when an upload carries no bytes
var ErrEmptyInput = errors.New("input video is empty")

// ErrEmptyOutput is the cause reported when the encoder wrote nothing
var ErrEmptyOutput = errors.New("encoder produced an empty output file")

// EncodingFailed is the single failure kind of the workflow. Persisting the
// upload, running the encoder and reading the output all collapse into it.
type EncodingFailed struct {
	Cause error
}

func (e *EncodingFailed) Error() string {
	if e.Cause == nil {
		return "encoding failed"
	}
	return "encoding failed: " + e.Cause.Error()
}

func (e *EncodingFailed) Unwrap() error {
	return e.Cause
}

// IsEncodingFailed reports whether err is, or wraps, an EncodingFailed
func IsEncodingFailed(err error) bool {
	var target *EncodingFailed
	return errors.As(err, &target)
}

func encodingFailed(cause error) error {
	return &EncodingFailed{Cause: cause}
}
