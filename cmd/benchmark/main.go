package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/tgpay/internal/gateway"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	replays     int
	terminalKey string
	password    string
	stubAddr    string
)

// Metrics
var (
	totalRequests   uint64
	created         uint64
	webhooksOK      uint64
	webhooksRefused uint64
	failOther       uint64
)

type topUp struct {
	externalID string
	orderID    string
	paymentID  string
	amount     int64
}

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&replays, "replays", 3, "Concurrent deliveries of each CONFIRMED notification")
	flag.StringVar(&terminalKey, "terminal", "TestTerminal", "Gateway terminal key the API expects")
	flag.StringVar(&password, "password", "secret", "Gateway password used to sign notifications")
	flag.StringVar(&stubAddr, "stub-gateway", "", "Serve a stub acquirer on this address instead of benchmarking")
}

func main() {
	flag.Parse()
	if stubAddr != "" {
		serveStubGateway(stubAddr)
		return
	}

	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s | Replays: %d", workload, concurrency, duration, replays)

	start := time.Now()
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		expected = map[string]int64{}
	)
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			for _, t := range worker(start) {
				mu.Lock()
				expected[t.externalID] += t.amount
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	mismatches := verifyBalances(expected)
	printResults(elapsed, mismatches)
	if mismatches > 0 {
		os.Exit(1)
	}
}

// worker creates top-ups and confirms each one with several concurrent,
// identical notifications. It returns the top-ups that were confirmed.
func worker(start time.Time) []topUp {
	client := &http.Client{Timeout: 5 * time.Second}
	signer := gateway.Signer{Password: password}
	var confirmed []topUp

	for time.Since(start) < duration {
		t := topUp{externalID: pickAccount(), amount: int64(10 + rand.Intn(500))}
		body, _ := json.Marshal(map[string]any{"externalId": t.externalID, "amount": t.amount})
		resp, err := client.Post(targetURL+"/payments/create", "application/json", bytes.NewReader(body))
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		atomic.AddUint64(&totalRequests, 1)
		var out struct {
			PaymentID string `json:"paymentId"`
			OrderID   string `json:"orderId"`
		}
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated || err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		atomic.AddUint64(&created, 1)
		t.orderID, t.paymentID = out.OrderID, out.PaymentID

		params := map[string]any{
			"TerminalKey": terminalKey, "OrderId": t.orderID, "PaymentId": t.paymentID,
			"Status": "CONFIRMED", "Success": true, "ErrorCode": "0", "Amount": t.amount * 100,
		}
		params[gateway.TokenField] = signer.Sign(params)
		payload, _ := json.Marshal(params)

		var accepted atomic.Bool
		var wg sync.WaitGroup
		wg.Add(replays)
		for i := 0; i < replays; i++ {
			go func() {
				defer wg.Done()
				if deliver(client, payload) {
					accepted.Store(true)
				}
			}()
		}
		wg.Wait()
		if accepted.Load() {
			confirmed = append(confirmed, t)
		}
	}
	return confirmed
}

func deliver(client *http.Client, payload []byte) bool {
	resp, err := client.Post(targetURL+"/payments/webhook", "application/json", bytes.NewReader(payload))
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return false
	}
	defer resp.Body.Close()
	atomic.AddUint64(&totalRequests, 1)
	var out struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || !out.Success {
		atomic.AddUint64(&webhooksRefused, 1)
		return false
	}
	atomic.AddUint64(&webhooksOK, 1)
	return true
}

// pickAccount uses fresh ids per run so balances start from zero.
var runID = time.Now().Unix()

func pickAccount() string {
	totalAccounts := 1000
	if workload == "hotspot" && rand.Float32() < 0.90 {
		// Hotspot: 90% of traffic goes to two accounts
		return fmt.Sprintf("bench-%d-%d", runID, 1+rand.Intn(2))
	}
	return fmt.Sprintf("bench-%d-%d", runID, 1+rand.Intn(totalAccounts))
}

func verifyBalances(expected map[string]int64) int {
	client := &http.Client{Timeout: 5 * time.Second}
	mismatches := 0
	for id, want := range expected {
		resp, err := client.Get(targetURL + "/users/" + id + "/balance")
		if err != nil {
			log.Printf("balance check failed for %s: %v", id, err)
			mismatches++
			continue
		}
		var out struct {
			Balance int64 `json:"balance"`
		}
		json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if out.Balance != want {
			log.Printf("balance mismatch for %s: want %d, got %d", id, want, out.Balance)
			mismatches++
		}
	}
	return mismatches
}

func printResults(d time.Duration, mismatches int) {
	total := atomic.LoadUint64(&totalRequests)
	results := map[string]any{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_rps":    float64(total) / d.Seconds(),
		"topups_created":    atomic.LoadUint64(&created),
		"webhooks_accepted": atomic.LoadUint64(&webhooksOK),
		"webhooks_refused":  atomic.LoadUint64(&webhooksRefused),
		"errors":            atomic.LoadUint64(&failOther),
		"balance_mismatch":  mismatches,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("cannot write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}

// serveStubGateway answers Init and Cancel like the acquirer so the API can
// be benchmarked without a sandbox terminal.
func serveStubGateway(addr string) {
	var seq atomic.Int64
	signer := gateway.Signer{Password: password}
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		params, err := gateway.ParseParams(raw)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			json.NewEncoder(w).Encode(map[string]any{"Success": false, "ErrorCode": "9999", "Message": err.Error()})
			return
		}
		if _, _, ok := signer.Verify(params); !ok {
			json.NewEncoder(w).Encode(map[string]any{"Success": false, "ErrorCode": "204", "Message": "invalid token"})
			return
		}
		switch r.URL.Path {
		case "/Init":
			id := seq.Add(1)
			json.NewEncoder(w).Encode(map[string]any{
				"Success": true, "ErrorCode": "0", "Status": "NEW", "PaymentId": id,
				"OrderId": params["OrderId"], "PaymentURL": fmt.Sprintf("http://%s/pay/%d", addr, id),
			})
		case "/Cancel":
			status := "CANCELED"
			if _, ok := params["Amount"]; ok {
				status = "PARTIAL_REFUNDED"
			}
			json.NewEncoder(w).Encode(map[string]any{"Success": true, "ErrorCode": "0", "Status": status, "PaymentId": params["PaymentId"]})
		default:
			http.NotFound(w, r)
		}
	})
	log.Printf("Stub gateway listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}
