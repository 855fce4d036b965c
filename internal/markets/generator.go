package markets

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/yellowbet/internal/domain"
	"github.com/shopspring/decimal"
)

// Template names a kind of generated market.
type Template string

const (
	TemplateNextGoal    Template = "next_goal"
	TemplateCorner      Template = "corner"
	TemplateCard        Template = "card"
	TemplateTeamToScore Template = "team_to_score"
)

// Templates lists every template in a stable order.
var Templates = []Template{TemplateNextGoal, TemplateCorner, TemplateCard, TemplateTeamToScore}

type template struct {
	prefix   string
	yes, no  float64
	duration time.Duration
	question func(m Match, mins int) string
	resolves func(m Match) string
}

var templates = map[Template]template{
	TemplateNextGoal: {
		prefix: "goal", yes: 45, no: 55, duration: 10 * time.Minute,
		question: func(_ Match, mins int) string { return fmt.Sprintf("Will there be a goal in the next %d minutes?", mins) },
		resolves: func(Match) string { return "Market resolves YES if either team scores." },
	},
	TemplateCorner: {
		prefix: "corner", yes: 60, no: 40, duration: 5 * time.Minute,
		question: func(_ Match, mins int) string { return fmt.Sprintf("Corner kick in the next %d minutes?", mins) },
		resolves: func(Match) string { return "Market resolves YES if there is a corner kick." },
	},
	TemplateCard: {
		prefix: "card", yes: 40, no: 60, duration: 10 * time.Minute,
		question: func(_ Match, mins int) string { return fmt.Sprintf("Yellow or red card in next %d minutes?", mins) },
		resolves: func(Match) string { return "Market resolves YES if any player receives a card." },
	},
	TemplateTeamToScore: {
		prefix: "team-goal", yes: 50, no: 50, duration: 15 * time.Minute,
		question: func(m Match, _ int) string { return fmt.Sprintf("Will %s score next?", m.Home) },
		resolves: func(m Match) string {
			return fmt.Sprintf("Market resolves YES if %s scores next, NO if %s scores.", m.Home, m.Away)
		},
	},
}

// Match is the live fixture a market is generated for.
type Match struct {
	FixtureID int64
	League    string
	Home      string
	Away      string
	HomeGoals int
	AwayGoals int
	Minute    int
}

// Generator builds LIVE markets from templates.
type Generator struct {
	now func() time.Time
}

// NewGenerator creates a Generator.
func NewGenerator() *Generator {
	return &Generator{now: func() time.Time { return time.Now().UTC() }}
}

// Generate builds one market. A zero duration uses the template default.
func (g *Generator) Generate(t Template, m Match, duration time.Duration) (domain.Market, error) {
	tpl, ok := templates[t]
	if !ok {
		return domain.Market{}, fmt.Errorf("markets: unknown template %q: %w", t, domain.ErrNotFound)
	}
	if m.Home == "" || m.Away == "" {
		return domain.Market{}, fmt.Errorf("markets: match %d needs both teams: %w", m.FixtureID, domain.ErrInvalidAmount)
	}
	if duration <= 0 {
		duration = tpl.duration
	}

	now := g.now()
	mins := int(duration.Round(time.Minute) / time.Minute)
	desc := fmt.Sprintf("%s vs %s - Match minute: %d'. %s", m.Home, m.Away, m.Minute, tpl.resolves(m))
	if t == TemplateNextGoal {
		desc = fmt.Sprintf("%s vs %s - Current score: %d-%d. Match minute: %d'. %s",
			m.Home, m.Away, m.HomeGoals, m.AwayGoals, m.Minute, tpl.resolves(m))
	}

	return domain.Market{
		ID:          fmt.Sprintf("%s-%d-%d", tpl.prefix, m.FixtureID, now.UnixMilli()),
		Question:    tpl.question(m, mins),
		Description: desc,
		Category:    m.League,
		Status:      domain.MarketStatusLive,
		YesOdds:     tpl.yes,
		NoOdds:      tpl.no,
		StartTime:   now,
		EndTime:     now.Add(duration),
		TotalVolume: decimal.Zero,
		AutoResolve: true,
	}, nil
}
