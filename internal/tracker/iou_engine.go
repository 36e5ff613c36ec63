package tracker

import (
	"slices"

	"github.com/kozaktomas/occupancy-tracker/internal/config"
	"github.com/kozaktomas/occupancy-tracker/internal/geometry"
)

type trackState struct {
	track Track
	lost  bool
}

// IoUEngine is a two stage IoU tracker: confident detections are matched
// first against all live tracks, weak detections then get a chance to keep
// tracks that were visible on the previous frame. Unmatched tracks are kept
// as lost for TrackBuffer frames before they are removed.
type IoUEngine struct {
	cfg    config.TrackerConfig
	tracks map[int64]*trackState
	nextID int64
}

// NewIoUEngine creates an engine. IDs start at 1 and only ever grow.
func NewIoUEngine(cfg config.TrackerConfig) *IoUEngine {
	return &IoUEngine{
		cfg:    cfg,
		tracks: make(map[int64]*trackState),
	}
}

type pair struct {
	track int64
	det   int
	iou   float64
}

// match greedily assigns detections to tracks by descending IoU.
func match(tracks []*trackState, dets []Detection, minIoU float64) (matched map[int64]int, unmatchedDets []int) {
	var pairs []pair
	for _, ts := range tracks {
		for di, d := range dets {
			if v := geometry.IoU(ts.track.BBox, d.BBox); v >= minIoU && v > 0 {
				pairs = append(pairs, pair{track: ts.track.ID, det: di, iou: v})
			}
		}
	}
	slices.SortStableFunc(pairs, func(a, b pair) int {
		switch {
		case a.iou > b.iou:
			return -1
		case a.iou < b.iou:
			return 1
		case a.track != b.track:
			if a.track < b.track {
				return -1
			}
			return 1
		default:
			return a.det - b.det
		}
	})

	matched = make(map[int64]int)
	usedDet := make(map[int]bool)
	for _, p := range pairs {
		if _, ok := matched[p.track]; ok || usedDet[p.det] {
			continue
		}
		matched[p.track] = p.det
		usedDet[p.det] = true
	}
	for di := range dets {
		if !usedDet[di] {
			unmatchedDets = append(unmatchedDets, di)
		}
	}
	return matched, unmatchedDets
}

func (e *IoUEngine) sortedTracks(filter func(*trackState) bool) []*trackState {
	out := make([]*trackState, 0, len(e.tracks))
	for _, ts := range e.tracks {
		if filter(ts) {
			out = append(out, ts)
		}
	}
	slices.SortFunc(out, func(a, b *trackState) int {
		switch {
		case a.track.ID < b.track.ID:
			return -1
		case a.track.ID > b.track.ID:
			return 1
		}
		return 0
	})
	return out
}

func (e *IoUEngine) Update(frame uint64, dets []Detection) ([]Track, []int64, error) {
	var high, low []Detection
	for _, d := range dets {
		switch {
		case d.Confidence >= e.cfg.HighThresh:
			high = append(high, d)
		case d.Confidence >= e.cfg.LowThresh:
			low = append(low, d)
		}
	}

	all := e.sortedTracks(func(*trackState) bool { return true })
	firstMatched, unmatchedHigh := match(all, high, 1-e.cfg.MatchThresh)
	for id, di := range firstMatched {
		e.hit(id, high[di], frame)
	}

	// Second stage only considers tracks that were visible last frame.
	remaining := e.sortedTracks(func(ts *trackState) bool {
		_, ok := firstMatched[ts.track.ID]
		return !ok && !ts.lost
	})
	secondMatched, _ := match(remaining, low, e.cfg.SecondMatchThresh)
	for id, di := range secondMatched {
		e.hit(id, low[di], frame)
	}

	var removed []int64
	for id, ts := range e.tracks {
		if ts.track.LastSeenFrame == frame {
			continue
		}
		ts.lost = true
		if frame-ts.track.LastSeenFrame > uint64(e.cfg.TrackBuffer) {
			removed = append(removed, id)
			delete(e.tracks, id)
		}
	}
	slices.Sort(removed)

	for _, di := range unmatchedHigh {
		d := high[di]
		if d.Confidence < e.cfg.NewTrackThresh {
			continue
		}
		e.nextID++
		e.tracks[e.nextID] = &trackState{track: Track{
			ID:            e.nextID,
			BBox:          d.BBox,
			Confidence:    d.Confidence,
			LastSeenFrame: frame,
		}}
	}

	var active []Track
	for _, ts := range e.sortedTracks(func(ts *trackState) bool { return !ts.lost }) {
		active = append(active, ts.track)
	}
	return active, removed, nil
}

func (e *IoUEngine) hit(id int64, d Detection, frame uint64) {
	ts := e.tracks[id]
	ts.track.BBox = d.BBox
	ts.track.Confidence = d.Confidence
	ts.track.LastSeenFrame = frame
	ts.lost = false
}
