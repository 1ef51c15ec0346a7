// Loadtest drives concurrent requests through evproxy and reports latency
// percentiles, status codes and how the requests spread over the backends
// (X-Backend-Server) and the cache (X-Cache-Status).
//
// Usage:
//
//	go run ./scripts/loadtest -url http://localhost:8080/echo -concurrency 50 -requests 5000
//	go run ./scripts/loadtest -url http://localhost:8080/big -method GET -out summary.json
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/fatih/color"
)

type result struct {
	status  int
	backend string
	cache   string
	dur     time.Duration
	err     error
}

type bucket struct {
	Total     int             `json:"total"`
	Success   int             `json:"success"`
	Failure   int             `json:"failure"`
	latencies []time.Duration
	P50       float64         `json:"p50_ms"`
	P99       float64         `json:"p99_ms"`
}

func (b *bucket) add(r result) {
	b.Total++
	if r.err == nil && r.status >= 200 && r.status < 300 {
		b.Success++
	} else {
		b.Failure++
	}
	b.latencies = append(b.latencies, r.dur)
}

func (b *bucket) finish() {
	slices.Sort(b.latencies)
	b.P50 = ms(percentile(b.latencies, 0.50))
	b.P99 = ms(percentile(b.latencies, 0.99))
}

type report struct {
	Target     string             `json:"target"`
	Requests   int                `json:"requests"`
	Duration   float64            `json:"duration_ms"`
	Throughput float64            `json:"throughput_rps"`
	Overall    *bucket            `json:"overall"`
	Status     map[int]int        `json:"status"`
	Cache      map[string]int     `json:"cache,omitempty"`
	Backends   map[string]*bucket `json:"backends"`
}

func main() {
	var (
		url         = flag.String("url", "http://localhost:8080/echo", "target URL")
		concurrency = flag.Int("concurrency", 10, "concurrent clients")
		requests    = flag.Int("requests", 100, "total requests")
		method      = flag.String("method", "POST", "HTTP method")
		body        = flag.String("body", `{"title":"T"}`, "request body")
		timeout     = flag.Duration("timeout", 10*time.Second, "per-request timeout")
		spread      = flag.Int("spread", 50, "distinct X-Forwarded-For addresses, for ip-hash")
		outJSON     = flag.String("out", "", "write a JSON summary to this file")
		verbose     = flag.Bool("v", false, "print every request")
	)
	flag.Parse()

	client := &http.Client{Timeout: *timeout}

	jobs := make(chan int)
	results := make(chan result, *concurrency)

	var wg sync.WaitGroup
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				r := do(client, *method, *url, *body, fmt.Sprintf("192.168.1.%d", idx%max(*spread, 1)+1))
				if *verbose {
					fmt.Printf("idx=%d backend=%s cache=%s status=%d dur=%v err=%v\n",
						idx, r.backend, r.cache, r.status, r.dur, r.err)
				}
				results <- r
			}
		}()
	}

	go func() {
		for i := 0; i < *requests; i++ {
			jobs <- i
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	rep := report{
		Target:   *url,
		Requests: *requests,
		Overall:  &bucket{},
		Status:   make(map[int]int),
		Cache:    make(map[string]int),
		Backends: make(map[string]*bucket),
	}

	start := time.Now()
	for r := range results {
		rep.Overall.add(r)
		if r.err != nil {
			continue
		}
		rep.Status[r.status]++
		if r.cache != "" {
			rep.Cache[r.cache]++
		}
		b, ok := rep.Backends[r.backend]
		if !ok {
			b = &bucket{}
			rep.Backends[r.backend] = b
		}
		b.add(r)
	}
	elapsed := time.Since(start)

	rep.Duration = ms(elapsed)
	rep.Throughput = float64(rep.Overall.Total) / elapsed.Seconds()
	rep.Overall.finish()
	for _, b := range rep.Backends {
		b.finish()
	}

	summarize(&rep)

	if *outJSON != "" {
		if err := write(*outJSON, &rep); err != nil {
			fmt.Fprintf(os.Stderr, "write %s: %v\n", *outJSON, err)
			os.Exit(1)
		}
	}

	if rep.Overall.Failure > 0 {
		os.Exit(2)
	}
}

func do(client *http.Client, method, url, body, xff string) result {
	start := time.Now()

	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	if err != nil {
		return result{err: err}
	}
	req.Header.Set("X-Forwarded-For", xff)

	resp, err := client.Do(req)
	if err != nil {
		return result{err: err, dur: time.Since(start)}
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)

	backend := resp.Header.Get("X-Backend-Server")
	if backend == "" {
		backend = "(none)"
	}
	return result{
		status:  resp.StatusCode,
		backend: backend,
		cache:   resp.Header.Get("X-Cache-Status"),
		dur:     time.Since(start),
		err:     err,
	}
}

func summarize(rep *report) {
	fmt.Println(color.CyanString("--- Load Test Summary ---"))
	fmt.Printf("Target: %s  Requests: %d\n", rep.Target, rep.Requests)
	fmt.Printf("Duration: %.0fms  Throughput: %.2f req/s\n", rep.Duration, rep.Throughput)

	o := rep.Overall
	fmt.Printf("Success: %s  Failure: %s  p50=%.2fms p99=%.2fms\n",
		color.GreenString("%d", o.Success), color.RedString("%d", o.Failure), o.P50, o.P99)

	fmt.Println("\nStatus codes:")
	codes := make([]int, 0, len(rep.Status))
	for c := range rep.Status {
		codes = append(codes, c)
	}
	slices.Sort(codes)
	for _, c := range codes {
		paint := color.GreenString
		if c >= 400 {
			paint = color.RedString
		} else if c >= 300 {
			paint = color.YellowString
		}
		fmt.Printf("  %s -> %d\n", paint("%d", c), rep.Status[c])
	}

	if len(rep.Cache) > 0 {
		fmt.Println("\nCache:")
		for k, n := range rep.Cache {
			fmt.Printf("  %s -> %d\n", k, n)
		}
	}

	fmt.Println("\nBackends:")
	names := make([]string, 0, len(rep.Backends))
	for n := range rep.Backends {
		names = append(names, n)
	}
	slices.Sort(names)
	for _, n := range names {
		b := rep.Backends[n]
		fmt.Printf("  %s -> total=%d success=%d failure=%d p50=%.2fms p99=%.2fms\n",
			n, b.Total, b.Success, b.Failure, b.P50, b.P99)
	}
}

func write(path string, rep *report) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
