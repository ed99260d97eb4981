/**
 * @description
 * Operator tool that replays the daily accrual for a range of past days against a
 * running accrual-service, oldest day first. Replays are safe: positions already
 * settled on or after a day are skipped by the service.
 *
 * Usage:
 *   go run ./cmd/backfill -from 2024-03-01 -to 2024-03-05
 *
 * @dependencies
 * - Environment variables: ACCRUAL_SERVICE_URL, INTERNAL_API_KEY (a .env file is honoured)
 */
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/recoverly/accrual-service/internal/app"
	"github.com/recoverly/accrual-service/internal/domain"
	"github.com/sirupsen/logrus"
)

const maxBackfillDays = 366

// runClient triggers accrual runs over the internal API.
type runClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func main() {
	from := flag.String("from", "", "first day to replay (YYYY-MM-DD)")
	to := flag.String("to", "", "last day to replay (YYYY-MM-DD), defaults to -from")
	assumeYes := flag.Bool("yes", false, "skip the confirmation prompt")
	flag.Parse()

	_ = godotenv.Load("../.env", ".env")

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	days, err := dayRange(*from, *to)
	if err != nil {
		fmt.Println("Usage: go run ./cmd/backfill -from YYYY-MM-DD [-to YYYY-MM-DD] [-yes]")
		log.WithError(err).Fatal("invalid day range")
	}

	baseURL := strings.TrimSuffix(strings.TrimSpace(os.Getenv("ACCRUAL_SERVICE_URL")), "/")
	apiKey := strings.TrimSpace(os.Getenv("INTERNAL_API_KEY"))
	if apiKey == "" {
		log.Fatal("INTERNAL_API_KEY environment variable is required")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8086"
		fmt.Println("Using default service URL:", baseURL)
	}

	fmt.Printf("Replaying daily accrual for %d day(s): %s .. %s\n", len(days), days[0], days[len(days)-1])
	if !*assumeYes {
		fmt.Printf("\nAre you sure you want to continue? (yes/no): ")
		var confirmation string
		fmt.Scanln(&confirmation)
		if confirmation != "yes" {
			fmt.Println("Backfill cancelled.")
			os.Exit(0)
		}
	}

	client := &runClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 35 * time.Minute},
	}
	if err := replay(context.Background(), client, days, os.Stdout); err != nil {
		log.WithError(err).Fatal("backfill stopped")
	}
	fmt.Println("Backfill complete.")
}

// dayRange expands from..to into YYYY-MM-DD strings, oldest first.
func dayRange(from, to string) ([]string, error) {
	if strings.TrimSpace(from) == "" {
		return nil, errors.New("-from is required")
	}
	if strings.TrimSpace(to) == "" {
		to = from
	}
	start, err := domain.ParseDay(strings.TrimSpace(from), time.UTC)
	if err != nil {
		return nil, fmt.Errorf("-from: %w", err)
	}
	end, err := domain.ParseDay(strings.TrimSpace(to), time.UTC)
	if err != nil {
		return nil, fmt.Errorf("-to: %w", err)
	}
	if end.Before(start) {
		return nil, errors.New("-to must not be before -from")
	}

	days := make([]string, 0)
	for day := start; !day.After(end); day = domain.AddDays(day, 1) {
		if len(days) == maxBackfillDays {
			return nil, fmt.Errorf("range exceeds %d days", maxBackfillDays)
		}
		days = append(days, day.Format(domain.DateLayout))
	}
	return days, nil
}

// replay runs each day in order and stops at the first day that did not finish cleanly,
// so later days are never settled before an earlier one.
func replay(ctx context.Context, client *runClient, days []string, out io.Writer) error {
	for _, day := range days {
		report, err := client.run(ctx, day)
		if err != nil {
			return fmt.Errorf("%s: %w", day, err)
		}
		fmt.Fprintf(out, "%s  processed=%d unchanged=%d accrued=%d matured=%d failed=%d credited=%d\n",
			report.AsOf, report.UsersProcessed, report.UsersUnchanged, report.PositionsAccrued,
			report.PositionsMatured, report.UsersFailed, report.AmountCredited)
		if report.UsersFailed > 0 || report.Interrupted {
			return fmt.Errorf("%s: run left %d failed user(s), interrupted=%t; rerun from this day", day, report.UsersFailed, report.Interrupted)
		}
	}
	return nil
}

func (c *runClient) run(ctx context.Context, day string) (*app.RunReport, error) {
	payload, err := json.Marshal(map[string]string{"as_of": day})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/accrual/runs", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Internal-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("accrual API error with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var report app.RunReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &report, nil
}
