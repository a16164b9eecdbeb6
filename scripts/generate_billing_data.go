//go:build ignore

// Generates a synthetic AWS billing CSV for local runs:
//
//	go run scripts/generate_billing_data.go -days 30 -spike 4 > billing.csv
//	costwatch ingest billing.csv --user demo
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"
)

var header = []string{
	"InvoiceID", "PayerAccountId", "LinkedAccountId", "ProductName", "ProductCode",
	"UsageType", "Operation", "AvailabilityZone", "ResourceId",
	"UsageStartDate", "UsageEndDate", "UsageQuantity", "BlendedRate", "BlendedCost",
	"UnBlendedRate", "UnBlendedCost", "user:Team",
}

type resource struct {
	account   string
	product   string
	code      string
	usageType string
	operation string
	zone      string
	id        string
	rate      float64
	quantity  float64 // per day
	team      string
}

var resources = []resource{
	{"111111111111", "Amazon Elastic Compute Cloud", "AmazonEC2", "BoxUsage:m5.large", "RunInstances", "us-east-1a", "i-0a1b2c3d4e5f60001", 0.096, 24, "platform"},
	{"111111111111", "Amazon Elastic Compute Cloud", "AmazonEC2", "BoxUsage:m5.large", "RunInstances", "us-east-1b", "i-0a1b2c3d4e5f60002", 0.096, 24, "platform"},
	{"111111111111", "Amazon Elastic Compute Cloud", "AmazonEC2", "BoxUsage:c5.2xlarge", "RunInstances", "us-east-1a", "i-0a1b2c3d4e5f60003", 0.34, 24, "data"},
	{"111111111111", "Amazon Elastic Compute Cloud", "AmazonEC2", "EBS:VolumeUsage.gp2", "CreateVolume-Gp2", "us-east-1a", "vol-0feedc0ffee00001", 0.0033, 20, "platform"},
	{"111111111111", "Amazon Elastic Compute Cloud", "AmazonEC2", "ElasticIP:IdleAddress", "AssociateAddress", "us-east-1a", "eipalloc-0123456789", 0.005, 24, "platform"},
	{"222222222222", "Amazon Simple Storage Service", "AmazonS3", "TimedStorage-ByteHrs", "StandardStorage", "us-west-2", "analytics-raw-bucket", 0.023, 120, "data"},
	{"222222222222", "AWS Lambda", "AWSLambda", "Request", "Invoke", "us-west-2", "arn:aws:lambda:us-west-2:222222222222:function:cleanup", 0.0000002, 200000, "data"},
}

func main() {
	days := flag.Int("days", 30, "Days of history ending yesterday")
	spike := flag.Float64("spike", 0, "Multiply the last day's compute cost by this factor (0 disables)")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))
	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -*days)

	w := csv.NewWriter(os.Stdout)
	if err := w.Write(header); err != nil {
		fmt.Fprintf(os.Stderr, "writing header: %v\n", err)
		os.Exit(1)
	}

	rows := 0
	for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
		invoice := fmt.Sprintf("INV-%s", day.Format("200601"))
		last := day.AddDate(0, 0, 1).Equal(end)
		for _, r := range resources {
			// +/- 5% day to day jitter
			qty := r.quantity * (0.95 + rng.Float64()*0.1)
			if last && *spike > 0 && r.code == "AmazonEC2" {
				qty *= *spike
			}
			cost := qty * r.rate
			record := []string{
				invoice, "999999999999", r.account, r.product, r.code,
				r.usageType, r.operation, r.zone, r.id,
				day.Format("2006-01-02 15:04:05"),
				day.AddDate(0, 0, 1).Add(-time.Second).Format("2006-01-02 15:04:05"),
				fmt.Sprintf("%.6f", qty),
				fmt.Sprintf("%.8f", r.rate), fmt.Sprintf("%.6f", cost),
				fmt.Sprintf("%.8f", r.rate), fmt.Sprintf("%.6f", cost),
				r.team,
			}
			if err := w.Write(record); err != nil {
				fmt.Fprintf(os.Stderr, "writing row: %v\n", err)
				os.Exit(1)
			}
			rows++
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		fmt.Fprintf(os.Stderr, "flushing csv: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "generated %d rows over %d days\n", rows, *days)
}
