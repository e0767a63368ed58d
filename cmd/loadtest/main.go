package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
)

type options struct {
	url         string
	query       string
	queryFile   string
	requests    int
	concurrency int
	timeout     time.Duration
	summaryCSV  string
}

// sample is the outcome of one request.
type sample struct {
	requestID string
	jobID     uint64
	status    string
	duration  time.Duration
	size      int
	cost      int
	err       string
}

type runQueryResponse struct {
	JobID  uint64  `json:"job_id"`
	Status string  `json:"status"`
	Cost   int     `json:"cost"`
	Output *string `json:"output"`
	Error  string  `json:"error"`
}

func main() {
	log.SetFlags(0)

	opts, err := parseFlags()
	if err != nil {
		log.Fatalf("invalid options: %v", err)
	}

	runID := uuid.NewString()
	log.Printf("[info] run %s: %d requests to %s, concurrency %d", runID, opts.requests, opts.url, opts.concurrency)

	client := &http.Client{Timeout: opts.timeout}
	start := time.Now()
	samples, err := fire(context.Background(), client, opts, runID)
	if err != nil {
		log.Fatalf("load test failed: %v", err)
	}
	elapsed := time.Since(start)

	s := summarize(samples, elapsed)
	log.Printf("[success] %d ok, %d failed in %s", s.ok, s.failed, elapsed.Round(time.Millisecond))
	log.Printf("  min %s  avg %s  p95 %s  max %s", s.min, s.avg, s.p95, s.max)
	log.Printf("  throughput %.2f req/s  output %s total", s.throughput, humanize.Bytes(uint64(s.bytes)))

	if opts.summaryCSV != "" {
		if err := writeSamplesCSV(opts.summaryCSV, samples); err != nil {
			log.Fatalf("failed to write %s: %v", opts.summaryCSV, err)
		}
		log.Printf("[info] per-request results written to %s", opts.summaryCSV)
	}
}

func parseFlags() (options, error) {
	var opts options

	flag.StringVar(&opts.url, "url", getenvDefault("TABQ_URL", "http://127.0.0.1:3000/run-query"), "run-query endpoint")
	flag.StringVar(&opts.query, "query", "load \"data/sample_0.parquet\"\nselect [\"name\", \"age\"]", "plan text to submit")
	flag.StringVar(&opts.queryFile, "query-file", "", "read the plan text from a file instead")
	flag.IntVar(&opts.requests, "requests", 10, "number of requests")
	flag.IntVar(&opts.concurrency, "concurrency", 0, "maximum in-flight requests (0 sends all at once)")
	flag.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "per-request timeout")
	flag.StringVar(&opts.summaryCSV, "csv", "load_test_summary.csv", "per-request CSV output (empty disables)")
	flag.Parse()

	if opts.queryFile != "" {
		data, err := os.ReadFile(opts.queryFile)
		if err != nil {
			return opts, err
		}
		opts.query = string(data)
	}
	if opts.requests < 1 {
		return opts, fmt.Errorf("requests must be positive")
	}
	if opts.concurrency <= 0 {
		opts.concurrency = opts.requests
	}
	return opts, nil
}

// fire sends opts.requests submissions with at most opts.concurrency in flight.
func fire(ctx context.Context, client *http.Client, opts options, runID string) ([]sample, error) {
	pool, err := ants.NewPool(opts.concurrency)
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	samples := make([]sample, opts.requests)
	var wg sync.WaitGroup
	for i := 0; i < opts.requests; i++ {
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			samples[i] = send(ctx, client, opts.url, opts.query, runID+"-"+strconv.Itoa(i))
		}); err != nil {
			wg.Done()
			return nil, err
		}
	}
	wg.Wait()
	return samples, nil
}

func send(ctx context.Context, client *http.Client, url, query, requestID string) sample {
	s := sample{requestID: requestID}
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(query))
	if err != nil {
		s.err = err.Error()
		return s
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("X-Request-ID", requestID)

	resp, err := client.Do(req)
	if err != nil {
		s.err = err.Error()
		s.duration = time.Since(start)
		return s
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	s.duration = time.Since(start)
	if err != nil {
		s.err = err.Error()
		return s
	}

	var r runQueryResponse
	if err := json.Unmarshal(body, &r); err != nil {
		s.err = fmt.Sprintf("status %d: %v", resp.StatusCode, err)
		return s
	}
	s.jobID, s.status, s.cost, s.err = r.JobID, r.Status, r.Cost, r.Error
	if r.Output != nil {
		s.size = len(*r.Output)
	} else if s.err == "" {
		s.err = fmt.Sprintf("status %d without output", resp.StatusCode)
	}
	return s
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
