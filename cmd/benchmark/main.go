// Benchmark tool for testing Shrike against labeled message data.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/labeled.csv -url http://localhost:8080
//
// The CSV needs a header with at least "text" and "is_scam" columns;
// "channel", "display_domain", "final_domain", "sender_address", and
// "domain_age_days" are used when present.
//
// This tool:
//  1. Reads labeled message data (with scam labels)
//  2. Sends each message to Shrike for classification
//  3. Compares the verdict tier against the actual labels
//  4. Calculates precision, recall, F1-score, and confusion matrix
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LabeledMessage represents a row from the benchmark dataset.
type LabeledMessage struct {
	Channel       string
	Text          string
	DisplayDomain string
	FinalDomain   string
	SenderAddress string
	DomainAgeDays int
	IsScam        bool
}

// DetectRequest is the Shrike API request format.
type DetectRequest struct {
	Channel       string      `json:"channel,omitempty"`
	Text          string      `json:"text"`
	DisplayDomain string      `json:"displayDomain,omitempty"`
	FinalDomain   string      `json:"finalDomain,omitempty"`
	Sender        *SenderInfo `json:"sender,omitempty"`
}

// SenderInfo carries sender attributes.
type SenderInfo struct {
	Address       string `json:"address,omitempty"`
	DomainAgeDays *int   `json:"domainAgeDays,omitempty"`
}

// DetectResponse is the subset of the verdict the benchmark needs.
type DetectResponse struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
	Tier  string  `json:"tier"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64 // Scam flagged at/above the cutoff tier
	FalsePositives int64 // Legit flagged at/above the cutoff tier
	TrueNegatives  int64 // Legit below the cutoff tier
	FalseNegatives int64 // Scam below the cutoff tier (missed!)

	TotalProcessed int64
	TotalScam      int64
	TotalLegit     int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

var tierRank = map[string]int{"T0": 0, "T1": 1, "T2": 2, "T3": 3}

func main() {
	csvPath := flag.String("csv", "", "Path to labeled message CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Shrike base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	cutoff := flag.String("cutoff", "T2", "Lowest tier counted as a scam flag (T0-T3)")
	limit := flag.Int("limit", 10000, "Maximum messages to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	scamOnly := flag.Bool("scam-only", false, "Only test scam messages")
	sampleRate := flag.Float64("sample", 1.0, "Sample rate for legit messages (0.0-1.0)")
	verbose := flag.Bool("verbose", false, "Print each message result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/labeled.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}
	if _, ok := tierRank[*cutoff]; !ok {
		fmt.Printf("ERROR: invalid cutoff tier %q (want T0-T3)\n", *cutoff)
		os.Exit(1)
	}

	fmt.Println("=== SHRIKE BENCHMARK - Scam Detection ===")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Shrike URL:  %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Cutoff:      %s\n", *cutoff)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Scam Only:   %v\n", *scamOnly)
	fmt.Printf("Sample Rate: %.2f\n", *sampleRate)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Shrike not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Shrike is running:")
		fmt.Println("  go run cmd/shrike/main.go")
		os.Exit(1)
	}
	fmt.Println("Shrike is healthy")

	fmt.Printf("\nReading labeled data from %s...\n", *csvPath)
	messages, err := readLabeledCSV(*csvPath, *limit, *scamOnly, *sampleRate)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d messages\n", len(messages))

	scamCount := 0
	for _, m := range messages {
		if m.IsScam {
			scamCount++
		}
	}
	fmt.Printf("  - Scam:  %d (%.2f%%)\n", scamCount, 100*float64(scamCount)/float64(len(messages)))
	fmt.Printf("  - Legit: %d (%.2f%%)\n", len(messages)-scamCount, 100*float64(len(messages)-scamCount)/float64(len(messages)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(messages, *baseURL, *tenantID, *cutoff, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readLabeledCSV(path string, limit int, scamOnly bool, sampleRate float64) ([]LabeledMessage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	if _, ok := colIndex["text"]; !ok {
		return nil, fmt.Errorf("missing required column %q", "text")
	}
	if _, ok := colIndex["is_scam"]; !ok {
		return nil, fmt.Errorf("missing required column %q", "is_scam")
	}

	field := func(record []string, name string) string {
		idx, ok := colIndex[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return record[idx]
	}

	var messages []LabeledMessage
	sampleCounter := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		isScam := field(record, "is_scam") == "1" || strings.EqualFold(field(record, "is_scam"), "true")

		if scamOnly && !isScam {
			continue
		}

		// Sample legit messages
		if !isScam && sampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= sampleRate {
				continue
			}
		}

		ageDays := -1
		if v := field(record, "domain_age_days"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				ageDays = parsed
			}
		}

		messages = append(messages, LabeledMessage{
			Channel:       field(record, "channel"),
			Text:          field(record, "text"),
			DisplayDomain: field(record, "display_domain"),
			FinalDomain:   field(record, "final_domain"),
			SenderAddress: field(record, "sender_address"),
			DomainAgeDays: ageDays,
			IsScam:        isScam,
		})

		if limit > 0 && len(messages) >= limit {
			break
		}
	}

	return messages, nil
}

func runBenchmark(messages []LabeledMessage, baseURL, tenantID, cutoff string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}
	cutoffRank := tierRank[cutoff]

	work := make(chan LabeledMessage, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for msg := range work {
				start := time.Now()
				result, err := detectMessage(client, baseURL, tenantID, msg)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %v\n", err)
					}
					continue
				}

				if msg.IsScam {
					atomic.AddInt64(&metrics.TotalScam, 1)
				} else {
					atomic.AddInt64(&metrics.TotalLegit, 1)
				}

				predicted := tierRank[result.Tier] >= cutoffRank
				actual := msg.IsScam

				if predicted && actual {
					atomic.AddInt64(&metrics.TruePositives, 1)
				} else if predicted && !actual {
					atomic.AddInt64(&metrics.FalsePositives, 1)
				} else if !predicted && !actual {
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				} else {
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "OK  "
					if (predicted && !actual) || (!predicted && actual) {
						status = "MISS"
					}
					text := msg.Text
					if len(text) > 40 {
						text = text[:40]
					}
					fmt.Printf("%s | %-40s | Scam: %-5v | Shrike: %s (%.2f)\n",
						status, text, msg.IsScam, result.Tier, result.Score)
				}
			}
		}()
	}

	for _, msg := range messages {
		work <- msg
	}
	close(work)

	wg.Wait()

	return metrics
}

func detectMessage(client *http.Client, baseURL, tenantID string, msg LabeledMessage) (*DetectResponse, error) {
	req := DetectRequest{
		Channel:       msg.Channel,
		Text:          msg.Text,
		DisplayDomain: msg.DisplayDomain,
		FinalDomain:   msg.FinalDomain,
	}
	if msg.SenderAddress != "" || msg.DomainAgeDays >= 0 {
		sender := &SenderInfo{Address: msg.SenderAddress}
		if msg.DomainAgeDays >= 0 {
			age := msg.DomainAgeDays
			sender.DomainAgeDays = &age
		}
		req.Sender = sender
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/detect", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result DetectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n=== BENCHMARK RESULTS ===")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Scam:       %d\n", m.TotalScam)
	fmt.Printf("   Total Legit:      %d\n", m.TotalLegit)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                  Flagged     Passed")
	fmt.Printf("   Actual Scam  %8d   %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("         Legit  %8d   %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flags, how many were actual scams)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of scams, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	fmt.Printf("\nDETECTION ANALYSIS\n")
	if m.TotalScam > 0 {
		detectionRate := float64(m.TruePositives) / float64(m.TotalScam) * 100
		missRate := float64(m.FalseNegatives) / float64(m.TotalScam) * 100
		fmt.Printf("   Scams Detected:    %d / %d (%.2f%%)\n", m.TruePositives, m.TotalScam, detectionRate)
		fmt.Printf("   Scams Missed:      %d / %d (%.2f%%)\n", m.FalseNegatives, m.TotalScam, missRate)
	}
	if m.TotalLegit > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalLegit) * 100
		fmt.Printf("   False Alarms:      %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalLegit, falseAlarmRate)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f msg/sec\n", tps)
	}

	fmt.Println()
}
