// Package nms thresholds decoded candidates and removes overlapping ones.
package nms

import (
	"cmp"
	"fmt"
	"iter"
	"slices"

	"FaceDetServer/anchor"
	iface "FaceDetServer/interface"
)

type Algorithm string

const (
	// Greedy keeps the best box of each overlapping cluster as is.
	Greedy Algorithm = "greedy"
	// Weighted replaces it with the score-weighted average of the cluster.
	Weighted Algorithm = "weighted"
)

type Options struct {
	ScoreThreshold float32   `yaml:"scoreThreshold"`
	IoUThreshold   float32   `yaml:"iouThreshold"`
	MaxDetections  int       `yaml:"maxDetections"`
	Algorithm      Algorithm `yaml:"algorithm"`
}

func (o Options) Validate() error {
	if !(o.ScoreThreshold >= 0 && o.ScoreThreshold <= 1) {
		return fmt.Errorf("score threshold %g outside [0, 1]", o.ScoreThreshold)
	}
	if !(o.IoUThreshold >= 0 && o.IoUThreshold <= 1) {
		return fmt.Errorf("iou threshold %g outside [0, 1]", o.IoUThreshold)
	}
	if o.MaxDetections < 0 {
		return fmt.Errorf("max detections %d is negative", o.MaxDetections)
	}
	switch o.Algorithm {
	case "", Greedy, Weighted:
	default:
		return fmt.Errorf("unknown nms algorithm %q", o.Algorithm)
	}
	return nil
}

type rect struct {
	x0, y0, x1, y1 float32
}

func rectOf(c anchor.Candidate) rect {
	return rect{c.XMin, c.YMin, c.XMin + c.Width, c.YMin + c.Height}
}

func (r rect) area() float32 {
	if r.x1 <= r.x0 || r.y1 <= r.y0 {
		return 0
	}
	return (r.x1 - r.x0) * (r.y1 - r.y0)
}

func iou(a, b rect) float32 {
	aa, ab := a.area(), b.area()
	if aa == 0 || ab == 0 {
		return 0
	}
	inter := rect{max(a.x0, b.x0), max(a.y0, b.y0), min(a.x1, b.x1), min(a.y1, b.y1)}.area()
	return inter / (aa + ab - inter)
}

func boxRect(b iface.BoundingBox) rect {
	return rect{b.X, b.Y, b.X + b.Width, b.Y + b.Height}
}

// IoU is zero whenever either box has no area.
func IoU(a, b iface.BoundingBox) float32 {
	return iou(boxRect(a), boxRect(b))
}

// Suppress returns the surviving boxes ordered by score, highest first. Equal
// scores keep anchor order. The result is never nil.
func Suppress(cands iter.Seq[anchor.Candidate], o Options) []iface.BoundingBox {
	var kept []anchor.Candidate
	for c := range cands {
		if c.Score >= o.ScoreThreshold {
			kept = append(kept, c)
		}
	}
	slices.SortFunc(kept, func(a, b anchor.Candidate) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Index, b.Index)
	})

	if o.Algorithm == Weighted {
		return weighted(kept, o)
	}
	return greedy(kept, o)
}

func greedy(sorted []anchor.Candidate, o Options) []iface.BoundingBox {
	out := make([]iface.BoundingBox, 0, min(len(sorted), 16))
	rects := make([]rect, 0, cap(out))
	for _, c := range sorted {
		if o.MaxDetections > 0 && len(out) == o.MaxDetections {
			break
		}
		r := rectOf(c)
		if overlapsAny(r, rects, o.IoUThreshold) {
			continue
		}
		rects = append(rects, r)
		out = append(out, c.Box())
	}
	return out
}

func overlapsAny(r rect, kept []rect, threshold float32) bool {
	for _, k := range kept {
		if iou(r, k) > threshold {
			return true
		}
	}
	return false
}

// weighted merges each cluster into its average. An average can drift onto a
// box emitted earlier, so it is dropped when it overlaps one above the
// threshold.
func weighted(sorted []anchor.Candidate, o Options) []iface.BoundingBox {
	out := make([]iface.BoundingBox, 0, min(len(sorted), 16))
	rects := make([]rect, 0, cap(out))
	remaining := sorted
	var rest []anchor.Candidate
	for len(remaining) > 0 {
		if o.MaxDetections > 0 && len(out) == o.MaxDetections {
			break
		}
		lead := remaining[0]
		lr := rectOf(lead)
		cluster := []anchor.Candidate{lead}
		rest = rest[:0]
		for _, c := range remaining[1:] {
			if iou(lr, rectOf(c)) > o.IoUThreshold {
				cluster = append(cluster, c)
			} else {
				rest = append(rest, c)
			}
		}
		remaining, rest = rest, remaining[:0]
		box := average(cluster)
		r := boxRect(box)
		if overlapsAny(r, rects, o.IoUThreshold) {
			continue
		}
		rects = append(rects, r)
		out = append(out, box)
	}
	return out
}

// average blends a cluster into one box with the leader's score.
func average(cluster []anchor.Candidate) iface.BoundingBox {
	box := cluster[0].Box()
	if len(cluster) == 1 {
		return box
	}
	var total, x0, y0, x1, y1 float32
	kps := make([]iface.Keypoint, len(box.Keypoints))
	for _, c := range cluster {
		r := rectOf(c)
		total += c.Score
		x0 += r.x0 * c.Score
		y0 += r.y0 * c.Score
		x1 += r.x1 * c.Score
		y1 += r.y1 * c.Score
		for i, kp := range c.Keypoints() {
			kps[i].X += kp.X * c.Score
			kps[i].Y += kp.Y * c.Score
		}
	}
	if total <= 0 {
		return box
	}
	box.X, box.Y = x0/total, y0/total
	box.Width, box.Height = x1/total-box.X, y1/total-box.Y
	for i := range kps {
		kps[i].X /= total
		kps[i].Y /= total
	}
	if len(kps) > 0 {
		box.Keypoints = kps
	}
	return box
}
