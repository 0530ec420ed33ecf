// Package weather provides the get_weather function tool. Reports are
// randomly generated; it exists to exercise the tool loop end to end.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/inspirepan/stepchat"
)

const (
	Name       = "get_weather"
	RenderHint = "weather-widget"
)

var conditions = []string{"Cloudy", "Sunny", "Rainy", "Snowy", "Windy"}

// Report is the weather for one location and date.
type Report struct {
	Location    string `json:"location"`
	Date        string `json:"date"`
	Temperature int    `json:"temperature"`
	Unit        string `json:"unit"`
	Conditions  string `json:"conditions"`
}

type args struct {
	Location string   `json:"location"`
	Dates    []string `json:"dates"`
}

// Tool implements stepchat.Tool.
type Tool struct {
	Rand *rand.Rand
	Now  func() time.Time
}

var _ stepchat.Tool = (*Tool)(nil)

// New returns a Tool seeded from the clock.
func New() *Tool {
	seed := uint64(time.Now().UnixNano())
	return &Tool{Rand: rand.New(rand.NewPCG(seed, seed>>1)), Now: time.Now}
}

func (t *Tool) Spec() stepchat.ToolSpec {
	return stepchat.ToolSpec{
		Name:        Name,
		Description: "Get the weather forecast for a location on one or more dates.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{
					"type":        "string",
					"description": "City and country, e.g. Paris, France",
				},
				"dates": map[string]any{
					"type":        "array",
					"description": "Dates in YYYY-MM-DD format. Defaults to today.",
					"items":       map[string]any{"type": "string", "format": "date"},
				},
			},
			"required":             []any{"location"},
			"additionalProperties": false,
		},
		RenderHint: RenderHint,
	}
}

func (t *Tool) Execute(ctx context.Context, call stepchat.ToolCall) (stepchat.ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return stepchat.ToolResult{}, err
	}
	var a args
	if err := json.Unmarshal(call.ArgsJSON, &a); err != nil {
		return stepchat.ToolResult{}, fmt.Errorf("decode arguments: %w", err)
	}
	reports, err := t.Forecast(a.Location, a.Dates)
	if err != nil {
		return stepchat.ToolResult{}, err
	}
	return stepchat.ToolResult{CallID: call.CallID, Name: call.Name, Payload: reports}, nil
}

// Forecast returns one report per date, or one for today when dates is empty.
func (t *Tool) Forecast(location string, dates []string) ([]Report, error) {
	if location == "" {
		return nil, errors.New("location is required")
	}
	if len(dates) == 0 {
		now := time.Now
		if t.Now != nil {
			now = t.Now
		}
		dates = []string{now().Format(time.DateOnly)}
	}
	r := t.Rand
	if r == nil {
		r = rand.New(rand.NewPCG(1, 2))
	}
	reports := make([]Report, 0, len(dates))
	for _, d := range dates {
		reports = append(reports, Report{
			Location:    location,
			Date:        d,
			Temperature: 50 + r.IntN(31),
			Unit:        "F",
			Conditions:  conditions[r.IntN(len(conditions))],
		})
	}
	return reports, nil
}
