package pkg

import "errors"

var (
	ErrNoTracks            = errors.New("no readable tracks")
	ErrOutputCanceled      = errors.New("output canceled")
	ErrOutputStarted       = errors.New("output already started")
	ErrTrackClosed         = errors.New("track closed")
	ErrUnknownFormat       = errors.New("unknown format")
	ErrCodecNotSupported   = errors.New("codec not supported by format")
	ErrTimestampRegression = errors.New("timestamp regression")
	ErrNotSeekable         = errors.New("target not seekable")
)
