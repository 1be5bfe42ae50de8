// Package feed loads the external grid's price table: hourly day-ahead
// prices, either pulled from an HTTP price service or read from a local CSV
// file. The table covers the configured history days followed by the
// simulated days.
package feed

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"

	"microgrid-sim/pkg/types"
)

// Table is the assembled price matrix: one row per day, history rows first.
// Offset is the number of history rows preceding simulated weekday 0.
type Table struct {
	Days   [][types.HoursPerDay]float64
	Offset int
}

// Validate checks the table covers at least one simulated day of finite,
// non-negative prices.
func (t *Table) Validate() error {
	if len(t.Days) <= t.Offset {
		return fmt.Errorf("price table has %d days, need more than the %d history days", len(t.Days), t.Offset)
	}
	for d, row := range t.Days {
		for h, p := range row {
			if p < 0 {
				return fmt.Errorf("negative price %v at day %d hour %d", p, d, h)
			}
		}
	}
	return nil
}

// dayPrices is the JSON shape served by the price service.
type dayPrices struct {
	Day    int       `json:"day"`
	Prices []float64 `json:"prices"`
}

// Client fetches hourly price vectors from a day-ahead price service.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient creates a price feed client against the given base URL.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Client{
		http:   httpClient,
		logger: logger.With("component", "feed"),
	}
}

// FetchTable pulls historyDays+days day rows concurrently and assembles them
// in order. Any failed or malformed day fails the whole fetch.
func (c *Client) FetchTable(ctx context.Context, days, historyDays int) (*Table, error) {
	total := days + historyDays
	if total <= 0 {
		return nil, fmt.Errorf("nothing to fetch: %d days", total)
	}
	rows := make([][types.HoursPerDay]float64, total)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for d := 0; d < total; d++ {
		d := d
		g.Go(func() error {
			row, err := c.fetchDay(ctx, d)
			if err != nil {
				return err
			}
			rows[d] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch price table: %w", err)
	}

	table := &Table{Days: rows, Offset: historyDays}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	c.logger.Info("price table fetched", "days", total, "history_days", historyDays)
	return table, nil
}

func (c *Client) fetchDay(ctx context.Context, day int) ([types.HoursPerDay]float64, error) {
	var row [types.HoursPerDay]float64
	var page dayPrices

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("day", strconv.Itoa(day)).
		SetResult(&page).
		Get("/prices")
	if err != nil {
		return row, fmt.Errorf("fetch day %d: %w", day, err)
	}
	if resp.StatusCode() != 200 {
		return row, fmt.Errorf("fetch day %d: status %d", day, resp.StatusCode())
	}
	if len(page.Prices) != types.HoursPerDay {
		return row, fmt.Errorf("fetch day %d: got %d prices, want %d", day, len(page.Prices), types.HoursPerDay)
	}
	copy(row[:], page.Prices)
	return row, nil
}

// LoadCSV reads a price table from a CSV file with one day per row and 24
// price columns. History rows come first, matching the HTTP layout.
func LoadCSV(path string, historyDays int) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open price file: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read price file %s: %w", path, err)
	}

	rows := make([][types.HoursPerDay]float64, 0, len(records))
	for i, record := range records {
		if len(record) != types.HoursPerDay {
			return nil, fmt.Errorf("price file %s line %d: %d columns, want %d",
				path, i+1, len(record), types.HoursPerDay)
		}
		var row [types.HoursPerDay]float64
		for h, field := range record {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("price file %s line %d hour %d: %w", path, i+1, h, err)
			}
			row[h] = v
		}
		rows = append(rows, row)
	}

	table := &Table{Days: rows, Offset: historyDays}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}
