package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/ideacapital/vault-go/pkg/client"
	"github.com/ideacapital/vault-go/pkg/config"
	"github.com/ideacapital/vault-go/pkg/logger"
	"github.com/ideacapital/vault-go/pkg/types"
)

func main() {
	app := &cli.App{
		Name:  "vault-client",
		Usage: "Command line client for the vault API",
		Description: `Talks to a running vault server.

This client can:
- submit investment transactions for verification
- quote royalty tokens for an investment amount
- create dividend distributions from a JSON revenue event
- list claimable dividends and check Merkle proofs`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Usage: "Vault base URL",
				Value: "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "shared-secret",
				Usage:   "HMAC secret for the X-Vault-Auth header",
				EnvVars: []string{config.EnvVaultSharedSecret},
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "OIDC bearer token, used instead of the shared secret",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable verbose logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "verify",
				Usage: "Verify an investment transaction",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "invention-id", Required: true},
					&cli.StringFlag{Name: "wallet", Usage: "Investor wallet", Required: true},
					&cli.StringFlag{Name: "amount", Usage: "Invested USDC", Required: true},
					&cli.StringFlag{Name: "tx-hash", Required: true},
					&cli.StringFlag{Name: "investment-id", Usage: "Existing investment ID, optional"},
				},
				Action: verifyCommand,
			},
			{
				Name:  "quote",
				Usage: "Quote royalty tokens for an investment",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "amount", Usage: "Investment in USDC", Required: true},
					&cli.StringFlag{Name: "funding-goal", Required: true},
					&cli.StringFlag{Name: "total-supply", Required: true},
					&cli.StringFlag{Name: "royalty-percentage", Required: true},
				},
				Action: quoteCommand,
			},
			{
				Name:  "distribute",
				Usage: "Create a dividend distribution",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "invention-id", Required: true},
					&cli.StringFlag{
						Name:     "input",
						Usage:    "JSON file with revenue_usdc, holders and fee_splits",
						Required: true,
					},
				},
				Action: distributeCommand,
			},
			{
				Name:  "claims",
				Usage: "List open claims of a wallet",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "wallet", Required: true},
				},
				Action: claimsCommand,
			},
			{
				Name:  "verify-claim",
				Usage: "Re-check a stored claim against its distribution root",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "claim-id", Required: true},
				},
				Action: verifyClaimCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// createClient creates a new vault client from CLI context
func createClient(c *cli.Context) (*client.Client, error) {
	zapLogger, err := logger.NewLogger(&logger.LoggerConfig{Debug: c.Bool("verbose")})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return client.NewClient(&client.Config{
		BaseURL:      c.String("url"),
		SharedSecret: []byte(c.String("shared-secret")),
		BearerToken:  c.String("token"),
		Logger:       zapLogger,
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseDecimal(c *cli.Context, name string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.String(name))
	if err != nil {
		return decimal.Zero, fmt.Errorf("--%s: %w", name, err)
	}
	return d, nil
}

func verifyCommand(c *cli.Context) error {
	vc, err := createClient(c)
	if err != nil {
		return err
	}
	amount, err := parseDecimal(c, "amount")
	if err != nil {
		return err
	}
	resp, err := vc.VerifyInvestment(c.Context, &types.VerifyRequest{
		InvestmentID:  c.String("investment-id"),
		InventionID:   c.String("invention-id"),
		WalletAddress: c.String("wallet"),
		AmountUSDC:    amount,
		TxHash:        c.String("tx-hash"),
	})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func quoteCommand(c *cli.Context) error {
	vc, err := createClient(c)
	if err != nil {
		return err
	}
	req := &types.QuoteRequest{}
	for name, dst := range map[string]*decimal.Decimal{
		"amount":             &req.InvestmentUSDC,
		"funding-goal":       &req.FundingGoalUSDC,
		"total-supply":       &req.TotalTokenSupply,
		"royalty-percentage": &req.RoyaltyPercentage,
	} {
		if *dst, err = parseDecimal(c, name); err != nil {
			return err
		}
	}
	tokens, err := vc.Quote(c.Context, req)
	if err != nil {
		return err
	}
	fmt.Println(tokens)
	return nil
}

func distributeCommand(c *cli.Context) error {
	vc, err := createClient(c)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(c.String("input"))
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	var req types.DistributeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("failed to parse input: %w", err)
	}
	res, err := vc.Distribute(c.Context, c.String("invention-id"), &req)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func claimsCommand(c *cli.Context) error {
	vc, err := createClient(c)
	if err != nil {
		return err
	}
	claims, err := vc.ClaimableFor(c.Context, c.String("wallet"))
	if err != nil {
		return err
	}
	return printJSON(claims)
}

func verifyClaimCommand(c *cli.Context) error {
	vc, err := createClient(c)
	if err != nil {
		return err
	}
	check, err := vc.VerifyClaim(c.Context, c.String("claim-id"))
	if err != nil {
		return err
	}
	return printJSON(check)
}
