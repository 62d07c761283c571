// +build ignore

// Mock AI provider for exercising the gateway locally.
// Run with: go run scripts/mock-provider.go -port 9001 -fail-rate 0.5
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"
)

func main() {
	port := flag.Int("port", 9001, "Port to listen on")
	name := flag.String("name", "mock-openai", "Provider name reported in responses")
	failRate := flag.Float64("fail-rate", 0, "Fraction of requests answered with 502, for circuit breaker testing")
	delay := flag.Duration("delay", 0, "Added response latency")
	flag.Parse()

	mux := http.NewServeMux()

	// Chat completion endpoint with canned responses
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if *delay > 0 {
			time.Sleep(*delay)
		}
		if rand.Float64() < *failRate {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]string{"message": "upstream overloaded", "type": "server_error"},
			})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      fmt.Sprintf("chatcmpl-mock%d", rand.Int63n(1_000_000)),
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   "mock-model",
			"choices": []map[string]interface{}{
				{
					"index":         0,
					"message":       map[string]string{"role": "assistant", "content": "Hello from " + *name},
					"finish_reason": "stop",
				},
			},
		})
	})

	// Echo endpoint - returns request info for verifying pipeline policies
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"provider":  *name,
			"path":      r.URL.Path,
			"method":    r.Method,
			"query":     r.URL.RawQuery,
			"host":      r.Host,
			"timestamp": time.Now().Format(time.RFC3339),
			"headers":   headerMap(r.Header),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock provider '%s' starting on %s (fail rate %.0f%%)", *name, addr, *failRate*100)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func headerMap(h http.Header) map[string]string {
	result := make(map[string]string)
	for k, v := range h {
		if len(v) > 0 {
			result[k] = v[0]
		}
	}
	return result
}
