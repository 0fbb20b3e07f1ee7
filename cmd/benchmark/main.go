package main

import (
	"crypto/rand"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ahmadzakiakmal/htlc-escrow/client"
	"github.com/ahmadzakiakmal/htlc-escrow/commitment"
	"github.com/ahmadzakiakmal/htlc-escrow/escrow"
	"github.com/ahmadzakiakmal/htlc-escrow/srvreg"
	"github.com/cometbft/cometbft/crypto/ed25519"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type RequestResult struct {
	Name        string
	Method      string
	Endpoint    string
	Latency     time.Duration
	BlockHeight int64
	Status      string
}

type benchConfig struct {
	token      escrow.Token
	amount     uint64
	claimLock  uint64
	refundLock uint64
	hasher     commitment.Hasher
}

func main() {
	url := flag.String("url", "http://127.0.0.1:5000", "Node HTTP address")
	iterations := flag.Int("n", 1, "Number of iterations to run")
	keyHex := flag.String("key", "", "Hex ed25519 private key of a funded account (a fresh key is generated when empty)")
	token := flag.String("token", "usdc", "Token to escrow")
	amount := flag.Uint64("amount", 1, "Amount per escrow")
	refundLock := flag.Uint64("refund-lock", 2, "Lock duration in seconds of refunded escrows")
	digest := flag.String("digest", commitment.NameSHA256, "Digest function of the chain")
	flag.Parse()

	key, err := loadKey(*keyHex)
	if err != nil {
		fmt.Printf("Error loading key: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Creator: %s\n", srvreg.PrincipalOf(key.PubKey()))

	hasher, err := commitment.HasherByName(*digest)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	cfg := benchConfig{
		token:      escrow.Token(*token),
		amount:     *amount,
		claimLock:  3_600,
		refundLock: *refundLock,
		hasher:     hasher,
	}

	filename := fmt.Sprintf("benchmark_n_%d.csv", *iterations)
	file, err := os.Create(filename)
	if err != nil {
		fmt.Printf("Error creating CSV file: %v\n", err)
		return
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"Iteration", "Step", "Method", "Endpoint", "Latency_ms", "BlockHeight", "Status"}
	if err := writer.Write(header); err != nil {
		fmt.Printf("Error writing CSV header: %v\n", err)
		return
	}

	escrowClient := client.NewEscrowClient(*url, &client.RequestOptions{
		Headers: map[string]string{"Accept": "application/json"},
		Timeout: 30 * time.Second,
	})

	for i := 0; i < *iterations; i++ {
		fmt.Printf("\n[Iteration %d/%d]\n", i+1, *iterations)
		results := runBenchmark(escrowClient, key, cfg)

		for _, result := range results {
			record := []string{
				strconv.Itoa(i + 1),
				result.Name,
				result.Method,
				result.Endpoint,
				strconv.FormatInt(result.Latency.Milliseconds(), 10),
				strconv.FormatInt(result.BlockHeight, 10),
				result.Status,
			}
			if err := writer.Write(record); err != nil {
				fmt.Printf("Error writing record to CSV: %v\n", err)
			}
		}

		time.Sleep(100 * time.Millisecond)
	}

	fmt.Printf("\nBenchmark complete. Results saved to %s\n", filename)
}

func loadKey(keyHex string) (ed25519.PrivKey, error) {
	if keyHex == "" {
		return ed25519.GenPrivKey(), nil
	}
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("key must be %d bytes", ed25519.PrivateKeySize)
	}
	return ed25519.PrivKey(raw), nil
}

func newSecret(h commitment.Hasher) (commitment.Preimage, commitment.Digest, error) {
	var p commitment.Preimage
	if _, err := rand.Read(p[:]); err != nil {
		return p, commitment.Digest{}, err
	}
	return p, h.Sum(p), nil
}

func runBenchmark(c *client.EscrowClient, key ed25519.PrivKey, cfg benchConfig) []RequestResult {
	var results []RequestResult
	record := func(name, method, endpoint string, start time.Time, res *srvreg.TxResult, err error) bool {
		r := RequestResult{Name: name, Method: method, Endpoint: endpoint, Latency: time.Since(start), Status: "ok"}
		if res != nil {
			r.BlockHeight = res.Height
		}
		if err != nil {
			r.Status = err.Error()
		}
		results = append(results, r)
		fmt.Printf("%s: %s [Delay: %v]\n", name, r.Status, r.Latency)
		return err == nil
	}

	// 1. Create and claim
	preimage, digest, err := newSecret(cfg.hasher)
	if err != nil {
		fmt.Println(err)
		return results
	}
	start := time.Now()
	res, err := c.CreateEscrow(key, createBody(cfg, digest, cfg.claimLock))
	if !record("Create (claim path)", "POST", "/escrow/create", start, res, err) {
		return results
	}

	start = time.Now()
	res, err = c.Claim(digest, preimage)
	record("Claim", "POST", "/escrow/:commitment/claim", start, res, err)

	// 2. Create and refund after the deadline
	_, digest, err = newSecret(cfg.hasher)
	if err != nil {
		fmt.Println(err)
		return results
	}
	start = time.Now()
	res, err = c.CreateEscrow(key, createBody(cfg, digest, cfg.refundLock))
	if !record("Create (refund path)", "POST", "/escrow/create", start, res, err) {
		return results
	}

	time.Sleep(time.Duration(cfg.refundLock) * time.Second)
	for attempt := 0; ; attempt++ {
		start = time.Now()
		res, err = c.Refund(digest)
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Kind() == escrow.KindNotYetExpired && attempt < 10 {
			// Block time trails wall time by up to one block.
			time.Sleep(500 * time.Millisecond)
			continue
		}
		record("Refund", "POST", "/escrow/:commitment/refund", start, res, err)
		break
	}
	return results
}

func createBody(cfg benchConfig, digest commitment.Digest, lock uint64) srvreg.CreateBody {
	return srvreg.CreateBody{
		Beneficiary:        "benchmark-beneficiary",
		Commitment:         digest,
		LockDuration:       lock,
		Token:              cfg.token,
		Amount:             uint256.NewInt(cfg.amount),
		CounterpartyAddr:   common.HexToAddress("0x000000000000000000000000000000000000bEEF"),
		CounterpartyToken:  "WETH",
		CounterpartyAmount: uint256.NewInt(cfg.amount),
	}
}
