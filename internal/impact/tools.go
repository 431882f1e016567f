package impact

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"verdant/internal/device"
	"verdant/internal/logging"
	"verdant/internal/store"
	"verdant/internal/tools"
)

// visionPrompt steers the vision model toward terse item descriptions the
// calculation tools can use as search queries.
const visionPrompt = "The user will provide you with an image of either an item or activity taking place, without any context. Give your best description of the activity. For example if the item is a plastic water bottle, simply respond with plastic water bottle. If it is a plate of food, mention the main ingredients of the dish, e.g. beef or chicken. Keep your responses no longer than a few words."

var pledgeFrequencies = map[string]time.Duration{
	"day":   24 * time.Hour,
	"week":  7 * 24 * time.Hour,
	"month": 30 * 24 * time.Hour,
	"year":  365 * 24 * time.Hour,
}

// VisionDescriber runs a vision completion over a captured frame.
type VisionDescriber interface {
	DescribeImage(ctx context.Context, prompt string, jpeg []byte) (string, error)
}

// PledgeWatcher attaches a renewal scheduler to a freshly created pledge.
type PledgeWatcher interface {
	Watch(userID, name string)
}

// Toolset owns the assistant's registered actions and their collaborators.
type Toolset struct {
	store   *store.Store
	calc    *Calculator
	vision  VisionDescriber
	view    device.ViewSource
	watcher PledgeWatcher
	userID  string

	// now is injectable for tests.
	now func() time.Time

	log *zap.Logger
}

// NewToolset wires the domain tools over their collaborators.
func NewToolset(st *store.Store, calc *Calculator, vision VisionDescriber, view device.ViewSource, watcher PledgeWatcher, userID string) *Toolset {
	return &Toolset{
		store:   st,
		calc:    calc,
		vision:  vision,
		view:    view,
		watcher: watcher,
		userID:  userID,
		now:     time.Now,
		log:     logging.Named("impact"),
	}
}

// RegisterAll installs every domain tool into the registry. Schema problems
// surface here, at startup, not at dispatch time.
func (t *Toolset) RegisterAll(reg *tools.Registry) error {
	activityUnits := []any{"money", "kg", "lb", "g", "ton", "t"}

	all := []*tools.Tool{
		{
			Name:        "calculate_emissions",
			Description: "Calculate the emissions of an activity or item, and optionally update the user's emissions status with the result.",
			Schema: tools.Schema{
				Required: []string{"activity", "activity_value", "activity_unit"},
				Properties: map[string]tools.Property{
					"activity": {
						Type:        "string",
						Description: "A sequence of words describing the activity/item you want to calculate emissions for.",
					},
					"activity_value": {
						Type:        "number",
						Description: "The amount of activity you would like to calculate emissions for. For example, if you would like to calculate emissions for 20 dollars worth of an item, the value would be 20.",
					},
					"activity_unit": {
						Type:        "string",
						Enum:        activityUnits,
						Description: "Specifies the metric that `activity_value` represents. If `activity_value` is a currency amount then pass money, if it is the weight of something pass the correct metric.",
					},
					"update_user_emissions": {
						Type:        "boolean",
						Description: "If True, the function will update the user's emissions status with the result of the calculation. Defaults to False.",
					},
				},
			},
			Execute: t.calculateEmissions,
		},
		{
			Name:        "get_user_emissions",
			Description: "Get the kilograms of CO2e that a user has emitted since a given time",
			Schema: tools.Schema{
				Properties: map[string]tools.Property{
					"period": {
						Type:        "string",
						Enum:        []any{"current", "historical", "today", "week", "month", "year"},
						Description: "Passing `current` will return the user's current emissions with respect to their budget, `historical` will return the user's total emissions, and `today`, `month`, `year` and `week` all return a value for the respective period.",
					},
				},
			},
			Execute: t.getUserEmissions,
		},
		{
			Name:        tools.DescribeViewTool,
			Description: "Get a description of what the user is currently seeing. Useful when a user requests a calculation, but doesn't specify the activity.",
			Execute:     t.describeUserView,
		},
		{
			Name:        "make_pledge",
			Description: "Call this when the user wants to make a pledge to refrain from an emitting activity.",
			Schema: tools.Schema{
				Required: []string{"activity", "activity_unit", "pledge_frequency", "activity_value", "pledge_name"},
				Properties: map[string]tools.Property{
					"activity": {
						Type:        "string",
						Description: "The activity the user is pledging to refrain from.",
					},
					"activity_unit": {
						Type:        "string",
						Enum:        activityUnits,
						Description: "Specifies what the metric of `activity` is. If the user is pledging to avoid spending money on the activity pass money, otherwise pass the correct weight metric. IT CAN ONLY BE `money` OR a valid weight metric",
					},
					"pledge_frequency": {
						Type:        "string",
						Enum:        []any{"day", "week", "month", "year"},
						Description: "A string specifying whether the user is pledging to avoid `activity` daily, weekly, monthly or yearly. For example, if the user is pledging to buy 2 less shirts a week you would pass week",
					},
					"activity_value": {
						Type:        "number",
						Description: "The amount of `activity` that the user is pledging to refrain from, each `pledge_frequency`. For example, if they pledge to buy 2 less shirts every day, the `activity_value` would be 2.",
					},
					"pledge_name": {
						Type:        "string",
						Description: "What the user chooses to name the pledge.",
					},
				},
			},
			Execute: t.makePledge,
		},
		{
			Name:        "get_active_pledges",
			Description: "Get the active pledges that the user has made, and their impacts.",
			Schema: tools.Schema{
				Properties: map[string]tools.Property{
					"pledge_names": {
						Type:        "array",
						Items:       &tools.PropertyItems{Type: "string"},
						Description: "An array listing the names of all the pledges you would like to get impacts of. Leave blank to include all pledges.",
					},
				},
			},
			Execute: t.getActivePledges,
		},
		{
			Name:        "get_emitting_activities",
			Description: "Get the user's most-emitting activities. Useful for informing the user and suggesting pledges.",
			Execute:     t.getEmittingActivities,
		},
	}

	for _, tool := range all {
		if err := reg.Register(tool); err != nil {
			return fmt.Errorf("failed to register %s: %w", tool.Name, err)
		}
	}
	return nil
}

// formatKg renders a CO2e amount the way the model is told to speak it.
func formatKg(v float64) string {
	return fmt.Sprintf("%.2f Kilograms CO2e", v)
}

func (t *Toolset) calculateEmissions(ctx context.Context, args map[string]any) (string, error) {
	activity, err := argString(args, "activity")
	if err != nil {
		return "", err
	}
	value, err := argFloat(args, "activity_value")
	if err != nil {
		return "", err
	}
	unit, err := argString(args, "activity_unit")
	if err != nil {
		return "", err
	}
	update, err := argBool(args, "update_user_emissions")
	if err != nil {
		return "", err
	}

	est, err := t.calc.Calculate(ctx, activity, value, unit)
	if err != nil {
		return "", err
	}

	user, err := t.store.GetUser(ctx, t.userID)
	if err != nil {
		return "", err
	}
	since, err := periodStart("current", user.BudgetPeriod, t.now().UTC())
	if err != nil {
		return "", err
	}
	current, err := t.store.SumEmissions(ctx, t.userID, since)
	if err != nil {
		return "", err
	}

	if update {
		err := t.store.InsertEmissionLog(ctx, &store.EmissionLog{
			UserID:           t.userID,
			Activity:         est.Factor.Name,
			ActivityUnitType: est.UnitType,
			CO2e:             est.CO2e,
			Created:          t.now().UTC(),
		})
		if err != nil {
			return "", err
		}
		budgetLeft := user.EmissionsBudget - (current + est.CO2e)
		return fmt.Sprintf("Emissions updated: %s. CO2e Budget left: %s",
			formatKg(est.CO2e), formatKg(budgetLeft)), nil
	}

	remaining := user.EmissionsBudget - (current + est.CO2e)
	return fmt.Sprintf("Emissions calculated: %s. User's leftover budget if activity is taken: %s",
		formatKg(est.CO2e), formatKg(remaining)), nil
}

func (t *Toolset) getUserEmissions(ctx context.Context, args map[string]any) (string, error) {
	period, err := argString(args, "period")
	if err != nil {
		return "", err
	}
	if period == "" {
		period = "current"
	}

	user, err := t.store.GetUser(ctx, t.userID)
	if err != nil {
		return "", err
	}
	since, err := periodStart(period, user.BudgetPeriod, t.now().UTC())
	if err != nil {
		return "", err
	}
	total, err := t.store.SumEmissions(ctx, t.userID, since)
	if err != nil {
		return "", err
	}
	return formatKg(total), nil
}

func (t *Toolset) makePledge(ctx context.Context, args map[string]any) (string, error) {
	activity, err := argString(args, "activity")
	if err != nil {
		return "", err
	}
	unit, err := argString(args, "activity_unit")
	if err != nil {
		return "", err
	}
	value, err := argFloat(args, "activity_value")
	if err != nil {
		return "", err
	}
	frequency, err := argString(args, "pledge_frequency")
	if err != nil {
		return "", err
	}
	name, err := argString(args, "pledge_name")
	if err != nil {
		return "", err
	}
	freq, ok := pledgeFrequencies[frequency]
	if !ok {
		return "", fmt.Errorf("invalid pledge frequency %q, must be day, week, month or year", frequency)
	}

	est, err := t.calc.Calculate(ctx, activity, value, unit)
	if err != nil {
		return "", err
	}

	now := t.now().UTC()
	pledge := &store.Pledge{
		UserID:           t.userID,
		Name:             name,
		Activity:         est.Factor.Name,
		ActivityUnitType: est.UnitType,
		ActivityValue:    value,
		Frequency:        freq,
		CO2eFactor:       est.CO2e,
		Streak:           1,
		LastRenewal:      now,
		Created:          now,
	}
	if err := t.store.CreatePledge(ctx, pledge); err != nil {
		return "", err
	}
	t.watcher.Watch(t.userID, name)

	return fmt.Sprintf("Success. Pledge name: %s, Emissions avoided every %s: %s",
		name, frequency, formatKg(est.CO2e)), nil
}

func (t *Toolset) getActivePledges(ctx context.Context, args map[string]any) (string, error) {
	names, err := argStringSlice(args, "pledge_names")
	if err != nil {
		return "", err
	}

	impacts, err := t.store.PledgeImpacts(ctx, t.userID, names)
	if err != nil {
		return "", err
	}
	if len(impacts) == 0 {
		if len(names) > 0 {
			return "", fmt.Errorf("no pledges named %s were found, try listing the user's active pledges to them",
				strings.Join(names, ", "))
		}
		return "The user has no active pledges", nil
	}

	var b strings.Builder
	for i, p := range impacts {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: total impact %s, streak %d", p.Name, formatKg(p.Impact), p.Streak)
	}
	return b.String(), nil
}

func (t *Toolset) getEmittingActivities(ctx context.Context, _ map[string]any) (string, error) {
	pledges, err := t.store.ActivePledges(ctx, t.userID)
	if err != nil {
		return "", err
	}
	exclude := make([]string, 0, len(pledges))
	for _, p := range pledges {
		exclude = append(exclude, p.Activity)
	}

	top, err := t.store.TopEmittingActivities(ctx, t.userID, exclude, 5)
	if err != nil {
		return "", err
	}
	if len(top) == 0 {
		return "No emitting activities found", nil
	}

	var b strings.Builder
	for i, a := range top {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %s", a.Activity, formatKg(a.CO2e))
	}
	return b.String(), nil
}

func (t *Toolset) describeUserView(ctx context.Context, _ map[string]any) (string, error) {
	frame, err := t.view.Capture(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to capture the user's view: %w", err)
	}
	description, err := t.vision.DescribeImage(ctx, visionPrompt, frame)
	if err != nil {
		return "", err
	}
	t.log.Debug("view described", zap.String("description", description))
	return description, nil
}

// periodStart resolves an aggregation period to its UTC start time. The
// `current` period defers to the user's budget period.
func periodStart(period, budgetPeriod string, now time.Time) (time.Time, error) {
	switch period {
	case "current":
		if budgetPeriod == "" {
			budgetPeriod = "day"
		}
		return periodStart(budgetPeriod, "", now)
	case "historical":
		return time.Unix(0, 0), nil
	case "today", "day":
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	case "week":
		// Weeks start Monday.
		start := now.AddDate(0, 0, -((int(now.Weekday()) + 6) % 7))
		y, m, d := start.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	case "month":
		y, m, _ := now.Date()
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC), nil
	case "year":
		return time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC), nil
	default:
		return time.Time{}, fmt.Errorf("%q is not a valid period, ask the user what time period to search for emissions from", period)
	}
}

func argString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}

func argFloat(args map[string]any, key string) (float64, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return 0, nil
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("argument %q must be a number", key)
	}
	return f, nil
}

func argBool(args map[string]any, key string) (bool, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("argument %q must be a boolean", key)
	}
	return b, nil
}

func argStringSlice(args map[string]any, key string) ([]string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("argument %q must be an array of strings", key)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("argument %q must be an array of strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}
