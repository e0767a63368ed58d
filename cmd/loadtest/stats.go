package main

import (
	"encoding/csv"
	"os"
	"slices"
	"strconv"
	"time"
)

type summary struct {
	ok, failed int
	min, max   time.Duration
	avg, p95   time.Duration
	throughput float64
	bytes      int64
}

// summarize reports latency over successful samples. Throughput is
// successful requests per second of wall time.
func summarize(samples []sample, elapsed time.Duration) summary {
	var s summary
	durations := make([]time.Duration, 0, len(samples))
	var total time.Duration
	for _, smp := range samples {
		if smp.err != "" {
			s.failed++
			continue
		}
		s.ok++
		s.bytes += int64(smp.size)
		durations = append(durations, smp.duration)
		total += smp.duration
	}
	if len(durations) == 0 {
		return s
	}

	slices.Sort(durations)
	s.min = durations[0]
	s.max = durations[len(durations)-1]
	s.avg = total / time.Duration(len(durations))
	s.p95 = percentile(durations, 0.95)
	if elapsed > 0 {
		s.throughput = float64(s.ok) / elapsed.Seconds()
	}
	return s
}

// percentile uses the nearest-rank method on sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted))+0.999999) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func writeSamplesCSV(path string, samples []sample) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"request_id", "job_id", "status", "duration_ms", "size", "cost", "error"}); err != nil {
		return err
	}
	for _, s := range samples {
		if err := w.Write([]string{
			s.requestID,
			strconv.FormatUint(s.jobID, 10),
			s.status,
			strconv.FormatInt(s.duration.Milliseconds(), 10),
			strconv.Itoa(s.size),
			strconv.Itoa(s.cost),
			s.err,
		}); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}
