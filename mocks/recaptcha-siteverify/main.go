package main

import (
	"crypto/sha256"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"
)

const (
	defaultPort      = "8082"
	defaultSecret    = "recaptcha-secret-key"
	defaultLatencyMs = "50"
)

type SiteverifyResponse struct {
	Success     bool     `json:"success"`
	Score       float64  `json:"score"`
	Action      string   `json:"action,omitempty"`
	Hostname    string   `json:"hostname,omitempty"`
	ChallengeTS string   `json:"challenge_ts,omitempty"`
	ErrorCodes  []string `json:"error-codes,omitempty"`
}

var (
	secret    = getEnv("RECAPTCHA_SECRET", defaultSecret)
	latencyMs = getEnvInt("LATENCY_MS", defaultLatencyMs)
)

func main() {
	port := getEnv("PORT", defaultPort)

	http.HandleFunc("/health", handleHealth)
	http.HandleFunc("/recaptcha/api/siteverify", handleSiteverify)
	http.HandleFunc("/siteverify", handleSiteverify)

	log.Printf("Mock recaptcha siteverify starting on port %s", port)
	log.Printf("Secret: %s", secret)
	log.Printf("Simulated latency: %dms", latencyMs)

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatal(err)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "recaptcha-siteverify",
	})
}

// testTokens are "magic" response tokens letting e2e runs pick the answer.
var testTokens = map[string]SiteverifyResponse{
	"PASS":      {Success: true, Score: 0.9, Action: "simulate"},
	"BORDER":    {Success: true, Score: 0.75, Action: "simulate"},
	"LOW-SCORE": {Success: true, Score: 0.2, Action: "simulate"},
	"EXPIRED":   {Success: false, ErrorCodes: []string{"timeout-or-duplicate"}},
	"GARBAGE":   {Success: false, ErrorCodes: []string{"invalid-input-response"}},
}

func handleSiteverify(w http.ResponseWriter, r *http.Request) {
	time.Sleep(time.Duration(latencyMs) * time.Millisecond)

	log.Printf("Incoming request: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form: "+err.Error(), http.StatusBadRequest)
		return
	}

	token := r.PostForm.Get("response")
	switch token {
	case "DOWN":
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		log.Printf("Simulated outage")
		return
	case "HANG":
		// Long enough to trip any sensible recaptcha budget.
		time.Sleep(30 * time.Second)
	}

	var resp SiteverifyResponse
	switch {
	case r.PostForm.Get("secret") != secret:
		resp = SiteverifyResponse{Success: false, ErrorCodes: []string{"invalid-input-secret"}}
	case token == "":
		resp = SiteverifyResponse{Success: false, ErrorCodes: []string{"missing-input-response"}}
	default:
		if fixed, ok := testTokens[token]; ok {
			resp = fixed
		} else {
			resp = generateAnswer(token)
		}
		resp.Hostname = "localhost"
		resp.ChallengeTS = time.Now().UTC().Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)

	log.Printf("Siteverify answered: success=%v score=%.2f errors=%v", resp.Success, resp.Score, resp.ErrorCodes)
}

// generateAnswer derives a stable score from the token so repeated runs agree.
func generateAnswer(token string) SiteverifyResponse {
	hash := sha256.Sum256([]byte(token))
	score := float64(hash[0]%11) / 10
	return SiteverifyResponse{Success: true, Score: score, Action: "simulate"}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key, defaultValue string) int {
	value := getEnv(key, defaultValue)
	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Invalid integer value for %s, using default: %s", key, defaultValue)
		intValue, _ = strconv.Atoi(defaultValue)
	}
	return intValue
}
