package frame

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnsupportedSource is returned for camera URIs no grabber understands.
var ErrUnsupportedSource = errors.New("unsupported camera source")

// ErrEndOfStream is returned by a Stream that has no more frames, e.g. a
// replay directory that was read to the end.
var ErrEndOfStream = errors.New("end of stream")

// ErrBadFrame is returned by a Stream for a frame that could not be
// decoded. The connection stays usable and Next may be called again.
var ErrBadFrame = errors.New("bad frame")

// Grabber opens connections to one camera.
type Grabber interface {
	Open(ctx context.Context) (Stream, error)
	String() string
}

// Stream yields frames from an open camera connection. Next blocks until a
// frame is available. Seq of returned frames is left zero.
type Stream interface {
	Next(ctx context.Context) (*Frame, error)
	Close() error
}

// SourceOptions configure grabbers created by ParseSource.
type SourceOptions struct {
	Client           *http.Client
	SnapshotInterval time.Duration // poll period for snapshot sources
}

const snapshotPrefix = "snapshot+"

// ParseSource builds a grabber for a camera URI:
//
//	http(s)://host/stream           MJPEG multipart stream
//	snapshot+http(s)://host/jpg     JPEG polled every SnapshotInterval
//	file:///path/to/dir             JPEG files of a directory in name order
func ParseSource(uri string, opts SourceOptions) (Grabber, error) {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = 100 * time.Millisecond
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrUnsupportedSource, uri, err)
	}

	switch scheme := strings.ToLower(u.Scheme); scheme {
	case "http", "https":
		if u.Host == "" {
			break
		}
		return &mjpegGrabber{url: u.String(), client: opts.Client}, nil
	case snapshotPrefix + "http", snapshotPrefix + "https":
		if u.Host == "" {
			break
		}
		u.Scheme = strings.TrimPrefix(scheme, snapshotPrefix)
		return &snapshotGrabber{url: u.String(), client: opts.Client, interval: opts.SnapshotInterval}, nil
	case "file":
		if u.Path == "" {
			break
		}
		return NewDirGrabber(u.Path), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, uri)
}

// redact hides credentials embedded in camera URLs for logs.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
