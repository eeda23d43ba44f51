// Command policy_check prints the insurance policies an address holds in the
// configured pool, read straight from chain.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/eigensurance/internal/adapter"
	"github.com/eigensurance/internal/config"
	"github.com/eigensurance/internal/service"
	"github.com/ethereum/go-ethereum/common"
)

func main() {
	addrFlag := flag.String("address", "", "Policy holder address (required)")
	jsonFlag := flag.Bool("json", false, "Print the metrics summary as JSON")
	timeoutFlag := flag.Duration("timeout", 2*time.Minute, "Overall timeout")
	flag.Parse()

	if !common.IsHexAddress(*addrFlag) {
		fmt.Println("Usage: policy_check -address 0x...")
		os.Exit(1)
	}
	holder := common.HexToAddress(*addrFlag)

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Chain.InsurancePool == "" {
		fmt.Println("INSURANCE_POOL_ADDRESS is not set")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	pool, err := adapter.NewRPCPool(ctx, &adapter.RPCPoolConfig{
		Endpoints: []string{cfg.Chain.RPCPrimary, cfg.Chain.RPCSecondary},
	})
	if err != nil {
		fmt.Printf("Error connecting to RPC: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	contract, err := adapter.NewInsuranceContract(adapter.NewPooledChainClient(pool), &cfg.Chain, nil)
	if err != nil {
		fmt.Printf("Error binding insurance pool: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Pool:   %s\n", contract.Address().Hex())
	fmt.Printf("Holder: %s\n\n", holder.Hex())

	records, err := contract.Insurances(ctx, holder)
	if err != nil {
		fmt.Printf("Error reading policies: %v\n", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Println("No policies found")
		return
	}

	metrics, err := service.NewMetricsService(contract, nil, cfg.Pricing).Summary(ctx, holder.Hex())
	if err != nil {
		fmt.Printf("Error summarizing policies: %v\n", err)
		os.Exit(1)
	}

	if *jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(metrics)
		return
	}

	fmt.Printf("%-6s %-26s %-26s %-20s\n", "ID", "Deposit (wei)", "Secured (wei)", "Activated")
	fmt.Println("--------------------------------------------------------------------------------")
	for _, r := range records {
		fmt.Printf("%-6s %-26s %-26s %-20s\n",
			r.ID.String(),
			r.DepositWei.String(),
			r.SecuredWei.String(),
			r.ActivationTime.UTC().Format("2006-01-02 15:04:05"),
		)
	}

	fmt.Println()
	for _, p := range metrics.Contracts {
		fmt.Printf("%-16s paid $%.2f, covers $%.2f, expires %s\n", p.Name, p.PaidUSD, p.CoveredUSD, p.Expiry)
	}
	fmt.Printf("\nTotal paid:      $%.2f\n", metrics.TotalPaidUSD)
	fmt.Printf("Total coverable: $%.2f\n", metrics.TotalCoverableUSD)
}
