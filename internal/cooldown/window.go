package cooldown

import "time"

// bucket 10秒统计区间
type bucket struct {
	start      int64 // 区间起点（Unix秒，对齐到区间长度）
	requests   int64
	violations int64
	frtSum     int64 // 仅累计观测到首字的请求
	frtCount   int64
	totalSum   int64
}

// window 滑动窗口：按区间聚合，超出窗口或超出上限的区间被淘汰
type window struct {
	interval   int64 // 秒
	maxBuckets int
	buckets    []bucket
}

func newWindow(interval time.Duration, maxBuckets int) *window {
	return &window{interval: int64(interval / time.Second), maxBuckets: maxBuckets}
}

func (w *window) add(now time.Time, span time.Duration, frtMs, totalMs int64, violated bool) {
	start := now.Unix() - now.Unix()%w.interval
	n := len(w.buckets)
	if n == 0 || w.buckets[n-1].start != start {
		w.buckets = append(w.buckets, bucket{start: start})
		n++
	}
	b := &w.buckets[n-1]
	b.requests++
	if violated {
		b.violations++
	}
	if frtMs >= 0 {
		b.frtSum += frtMs
		b.frtCount++
	}
	b.totalSum += totalMs
	w.prune(now, span)
}

// prune 淘汰窗口外的区间，并限制区间数量
func (w *window) prune(now time.Time, span time.Duration) {
	limit := w.maxBuckets
	if span > 0 {
		if n := int(int64(span/time.Second) / w.interval); n > 0 && n < limit {
			limit = n
		}
	}
	cutoff := now.Add(-span).Unix()
	drop := 0
	for drop < len(w.buckets) {
		b := w.buckets[drop]
		if len(w.buckets)-drop > limit || (span > 0 && b.start+w.interval <= cutoff) {
			drop++
			continue
		}
		break
	}
	if drop > 0 {
		w.buckets = append(w.buckets[:0], w.buckets[drop:]...)
	}
}

type windowStats struct {
	requests   int64
	violations int64
	avgFRTMs   float64
	avgTotalMs float64
}

func (w *window) stats(now time.Time, span time.Duration) windowStats {
	w.prune(now, span)
	var s windowStats
	var frtSum, frtCount, totalSum int64
	for _, b := range w.buckets {
		s.requests += b.requests
		s.violations += b.violations
		frtSum += b.frtSum
		frtCount += b.frtCount
		totalSum += b.totalSum
	}
	if frtCount > 0 {
		s.avgFRTMs = float64(frtSum) / float64(frtCount)
	}
	if s.requests > 0 {
		s.avgTotalMs = float64(totalSum) / float64(s.requests)
	}
	return s
}
