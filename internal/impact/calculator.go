// Package impact computes greenhouse-gas emissions for user activities and
// exposes the assistant's domain tools. Emission factors come from a
// Climatiq-style HTTP API; spend-based values are inflation-adjusted with an
// embedded consumer-price-index table before estimation.
package impact

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"verdant/internal/logging"
)

//go:embed data/average-cpis.csv
var cpiData []byte

// cpiBaseYear is the most recent year the embedded CPI table covers.
// Inflation adjustment rescales factor-year prices to this year.
const cpiBaseYear = 2023

const factorMaxRetries = 3

// Calculator errors.
var (
	ErrNoFactor   = errors.New("no emission factor found")
	ErrBadUnit    = errors.New("the unit for activity must be `money` or a valid weight metric")
	ErrFactorsAPI = errors.New("emission factors api error")
	ErrCPIMissing = errors.New("no consumer price index for region")
)

// Factor is one emission factor from the search endpoint.
type Factor struct {
	ID         string `json:"id"`
	ActivityID string `json:"activity_id"`
	Name       string `json:"name"`
	Region     string `json:"region"`
	Year       int    `json:"year"`
	Source     string `json:"source"`
	UnitType   string `json:"unit_type"`
}

// Estimate is a finished emissions calculation, normalized to kilograms.
type Estimate struct {
	CO2e     float64
	UnitType string
	Factor   Factor
}

type searchResponse struct {
	TotalResults int      `json:"total_results"`
	Results      []Factor `json:"results"`
}

type estimateRequest struct {
	EmissionFactor struct {
		ID string `json:"id"`
	} `json:"emission_factor"`
	Parameters map[string]any `json:"parameters"`
}

type estimateResponse struct {
	CO2e     float64 `json:"co2e"`
	CO2eUnit string  `json:"co2e_unit"`
}

type factorsError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CalculatorConfig carries the factor API settings plus the user's locale.
type CalculatorConfig struct {
	BaseURL     string
	APIKey      string
	DataVersion string
	Region      string
	Currency    string
	Timeout     time.Duration
	RetryBase   time.Duration
}

// Calculator resolves emission factors and estimates CO2e for activities.
type Calculator struct {
	cfg        CalculatorConfig
	httpClient *http.Client
	cpi        map[string]map[int]float64
	log        *zap.Logger
}

// NewCalculator builds a calculator, parsing the embedded CPI table once.
func NewCalculator(cfg CalculatorConfig) (*Calculator, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.DataVersion == "" {
		cfg.DataVersion = "^7"
	}
	cpi, err := parseCPITable(cpiData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cpi table: %w", err)
	}
	return &Calculator{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cpi:        cpi,
		log:        logging.Named("impact"),
	}, nil
}

// parseCPITable reads the embedded CSV: region_code, then one column per
// year, average CPI per cell.
func parseCPITable(data []byte) (map[string]map[int]float64, error) {
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, errors.New("cpi table is empty")
	}

	header := records[0]
	years := make([]int, len(header))
	for i := 1; i < len(header); i++ {
		y, err := strconv.Atoi(strings.TrimSpace(header[i]))
		if err != nil {
			return nil, fmt.Errorf("bad year column %q: %w", header[i], err)
		}
		years[i] = y
	}

	table := make(map[string]map[int]float64, len(records)-1)
	for _, row := range records[1:] {
		region := strings.TrimSpace(row[0])
		byYear := make(map[int]float64, len(row)-1)
		for i := 1; i < len(row); i++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(row[i]), 64)
			if err != nil {
				return nil, fmt.Errorf("bad cpi value for %s/%d: %w", region, years[i], err)
			}
			byYear[years[i]] = v
		}
		table[region] = byYear
	}
	return table, nil
}

// NormalizeUnit maps a tool-level activity unit onto the factor API's
// (unit type, unit) pair. Money resolves to the user's currency.
func (c *Calculator) NormalizeUnit(activityUnit string) (unitType, unit string, err error) {
	switch activityUnit {
	case "money":
		return "money", c.cfg.Currency, nil
	case "g", "kg", "lb", "t", "ton":
		return "weight", activityUnit, nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrBadUnit, activityUnit)
	}
}

// ResolveFactor finds the best emission factor for a free-text activity:
// the most recent year available for the user's region, falling back to the
// most recent year anywhere when the region has none.
func (c *Calculator) ResolveFactor(ctx context.Context, activity, unitType string) (*Factor, error) {
	params := url.Values{}
	params.Set("query", activity)
	params.Set("data_version", c.cfg.DataVersion)
	params.Set("unit_type", unitType)
	params.Set("region", c.cfg.Region)

	res, err := c.search(ctx, params)
	if err != nil {
		return nil, err
	}
	if res.TotalResults < 1 {
		c.log.Warn("no emission factor for region, falling back to latest year",
			zap.String("region", c.cfg.Region), zap.String("activity", activity))
		params.Del("region")
		if res, err = c.search(ctx, params); err != nil {
			return nil, err
		}
	}
	if len(res.Results) == 0 {
		return nil, fmt.Errorf("%w for %q", ErrNoFactor, activity)
	}

	best := res.Results[0]
	for _, f := range res.Results[1:] {
		if f.Year > best.Year {
			best = f
		}
	}
	return &best, nil
}

// AdjustInflation rescales a monetary value from the factor's price year to
// the table's base year using the factor region's average CPI.
func (c *Calculator) AdjustInflation(value float64, factorRegion string, factorYear int) (float64, error) {
	byYear, ok := c.cpi[factorRegion]
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrCPIMissing, factorRegion)
	}
	oldCPI, okOld := byYear[factorYear]
	currentCPI, okCur := byYear[cpiBaseYear]
	if !okOld || !okCur || currentCPI == 0 {
		return 0, fmt.Errorf("%w %q (year %d)", ErrCPIMissing, factorRegion, factorYear)
	}
	return value * (oldCPI / currentCPI), nil
}

// Calculate resolves a factor and estimates CO2e kilograms for the given
// amount of activity.
func (c *Calculator) Calculate(ctx context.Context, activity string, value float64, activityUnit string) (*Estimate, error) {
	unitType, unit, err := c.NormalizeUnit(activityUnit)
	if err != nil {
		return nil, err
	}

	factor, err := c.ResolveFactor(ctx, activity, unitType)
	if err != nil {
		return nil, err
	}

	// Spend-based factors are priced in the factor's year; deflate the
	// value so the estimate matches the factor's price level.
	if unitType == "money" {
		adjusted, err := c.AdjustInflation(value, factor.Region, factor.Year)
		if err != nil {
			c.log.Warn("inflation adjustment unavailable, using raw value", zap.Error(err))
		} else {
			value = adjusted
		}
	}

	req := estimateRequest{Parameters: map[string]any{
		unitType:           value,
		unitType + "_unit": unit,
	}}
	req.EmissionFactor.ID = factor.ID

	var res estimateResponse
	if err := c.doJSON(ctx, http.MethodPost, c.cfg.BaseURL+"/estimate", req, &res); err != nil {
		return nil, err
	}
	return &Estimate{
		CO2e:     toKg(res.CO2e, res.CO2eUnit),
		UnitType: unitType,
		Factor:   *factor,
	}, nil
}

func (c *Calculator) search(ctx context.Context, params url.Values) (*searchResponse, error) {
	var res searchResponse
	u := c.cfg.BaseURL + "/search?" + params.Encode()
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// doJSON issues one API request with retry on 429 and transient transport
// errors, decoding the response into out.
func (c *Calculator) doJSON(ctx context.Context, method, url string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < factorMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * c.cfg.RetryBase
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: rate limited", ErrFactorsAPI)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			var apiErr factorsError
			if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
				return fmt.Errorf("%w: %s (%s)", ErrFactorsAPI, apiErr.Message, apiErr.Error)
			}
			return fmt.Errorf("%w: status %d", ErrFactorsAPI, resp.StatusCode)
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("request failed after %d attempts: %w", factorMaxRetries, lastErr)
}

// toKg normalizes a co2e value to kilograms so every downstream number is
// in one unit.
func toKg(value float64, unit string) float64 {
	switch unit {
	case "g":
		return value * 0.001
	case "t", "ton":
		return value * 1000
	default: // kg
		return value
	}
}
