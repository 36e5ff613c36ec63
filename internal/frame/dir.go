package frame

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// DirGrabber replays the JPEG files of a directory in file name order. Each
// Open starts from the first file again.
type DirGrabber struct {
	dir   string
	Delay time.Duration // pause between frames, zero replays as fast as possible
}

// NewDirGrabber creates a grabber for dir.
func NewDirGrabber(dir string) *DirGrabber {
	return &DirGrabber{dir: dir}
}

func (g *DirGrabber) String() string { return "file://" + g.dir }

// Files lists the frames that will be replayed.
func (g *DirGrabber) Files() ([]string, error) {
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg":
			files = append(files, filepath.Join(g.dir, e.Name()))
		}
	}
	slices.Sort(files)
	return files, nil
}

func (g *DirGrabber) Open(ctx context.Context) (Stream, error) {
	files, err := g.Files()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no jpeg files in %s", g.dir)
	}
	return &dirStream{files: files, delay: g.Delay}, nil
}

type dirStream struct {
	files []string
	next  int
	delay time.Duration
}

func (s *dirStream) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.files) {
		return nil, ErrEndOfStream
	}
	if s.delay > 0 && s.next > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}

	path := s.files[s.next]
	s.next++

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}
	info, err := os.Stat(path)
	capturedAt := time.Now()
	if err == nil {
		capturedAt = info.ModTime()
	}
	f, err := Decode(data, capturedAt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return f, nil
}

func (s *dirStream) Close() error { return nil }
