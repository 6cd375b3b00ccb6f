// Package command turns operator free text into task-store operations.
package command

import "regexp"

// Intent is the classified category of a free-text operator command. The set
// is closed: the router never executes anything outside it.
type Intent string

const (
	IntentStatusQuery   Intent = "status_query"
	IntentTaskList      Intent = "task_list"
	IntentTaskCreate    Intent = "task_create"
	IntentTaskUpdate    Intent = "task_update"
	IntentAgentStatus   Intent = "agent_status"
	IntentSystemMetrics Intent = "system_metrics"
	IntentHelp          Intent = "help"
	IntentUnknown       Intent = "unknown"
)

// intentTable is the classification table. Order matters: the first intent
// with a matching pattern wins, so more specific phrasings sit above the
// broader ones that could also match them.
var intentTable = []struct {
	intent   Intent
	patterns []*regexp.Regexp
}{
	{IntentStatusQuery, compileAll(
		`(?i)\b(task|project|overall)\s+status\b`,
		`(?i)^status$`,
		`(?i)\bstatus\s+(report|update|summary)\b`,
		`(?i)\bhow('s| is| are)\b.*\b(going|coming along|progress)`,
		`(?i)\bwhere\s+are\s+we\b`,
	)},
	{IntentTaskList, compileAll(
		`(?i)\b(list|show|display)\b.*\btasks?\b`,
		`(?i)\bwhat\s+tasks\b`,
		`(?i)\b(open|pending|remaining)\s+tasks\b`,
		`(?i)^tasks?$`,
	)},
	{IntentTaskCreate, compileAll(
		`(?i)\bcreate\s+(a\s+)?(new\s+)?task\b`,
		`(?i)\badd\s+(a\s+)?(new\s+)?task\b`,
		`(?i)\bnew\s+task\b`,
		`(?i)\bi\s+need\s+to\s+create\b`,
	)},
	{IntentTaskUpdate, compileAll(
		`(?i)\b(update|mark|move|set)\b.*\btask-[0-9a-hjkmnp-tv-z]+\b`,
		`(?i)\btask-[0-9a-hjkmnp-tv-z]+\b.*\b(to|as)\b`,
	)},
	{IntentAgentStatus, compileAll(
		`(?i)\bagents?\s+(status|state|overview)\b`,
		`(?i)\b(status|state|list)\s+of\s+(the\s+)?agents?\b`,
		`(?i)\b(list|show|display)\b.*\bagents?\b`,
		`(?i)\bwho('s| is)\s+(working|available|doing what)\b`,
		`(?i)^agents?$`,
	)},
	{IntentSystemMetrics, compileAll(
		`(?i)\b(system\s+)?metrics\b`,
		`(?i)\bsystem\s+(overview|health|snapshot)\b`,
		`(?i)\bhow\s+many\s+(commits|files|agents)\b`,
	)},
	{IntentHelp, compileAll(
		`(?i)^help$`,
		`(?i)\bwhat\s+can\s+(you|i)\s+do\b`,
		`(?i)\b(show\s+)?(usage|available\s+commands)\b`,
	)},
}

func compileAll(exprs ...string) []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, len(exprs))
	for i, expr := range exprs {
		patterns[i] = regexp.MustCompile(expr)
	}
	return patterns
}

// Classify maps free text to the first matching intent, or IntentUnknown.
func Classify(text string) Intent {
	for _, row := range intentTable {
		for _, pattern := range row.patterns {
			if pattern.MatchString(text) {
				return row.intent
			}
		}
	}
	return IntentUnknown
}

// titlePatterns extract the task title from a creation phrase. The first
// capture group of the first matching pattern is the title.
var titlePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)create\s+(?:a\s+)?(?:new\s+)?task(?:\s+(?:to|for))?[:\s]\s*(.+)`),
	regexp.MustCompile(`(?i)add\s+(?:a\s+)?(?:new\s+)?task(?:\s+(?:to|for))?[:\s]\s*(.+)`),
	regexp.MustCompile(`(?i)new\s+task[:\s]\s*(.+)`),
	regexp.MustCompile(`(?i)i\s+need\s+to\s+create\s+(?:a\s+)?(?:task\s+(?:to|for)\s+)?(.+)`),
}

// extractTitle pulls a task title out of a creation command, or "" when none
// of the lead phrases carry one.
func extractTitle(text string) string {
	for _, pattern := range titlePatterns {
		if m := pattern.FindStringSubmatch(text); m != nil {
			title := trimPunct(m[1])
			if title != "" {
				return title
			}
		}
	}
	return ""
}

func trimPunct(s string) string {
	for len(s) > 0 {
		switch s[len(s)-1] {
		case '.', '!', '?', ' ', '\t':
			s = s[:len(s)-1]
		default:
			return s
		}
	}
	return s
}

var taskIDPattern = regexp.MustCompile(`(?i)\b(task-[0-9a-hjkmnp-tv-z]+)\b`)

// assigneeRules map task wording to the agent best equipped for it. Checked
// in order; the first rule with a keyword hit wins.
var assigneeRules = []struct {
	agentID  string
	keywords *regexp.Regexp
}{
	{"builder", regexp.MustCompile(`(?i)\b(frontend|ui|component|page|css|form)\b`)},
	{"builder", regexp.MustCompile(`(?i)\b(backend|api|server|database|endpoint|migration)\b`)},
	{"architect", regexp.MustCompile(`(?i)\b(design|architecture|architect|spec|specification)\b`)},
	{"validator", regexp.MustCompile(`(?i)\b(test|testing|validation|validate|quality|review)\b`)},
}

const defaultAssignee = "builder"

// chooseAssignee picks an agent for a new task from the command wording.
func chooseAssignee(text string) string {
	for _, rule := range assigneeRules {
		if rule.keywords.MatchString(text) {
			return rule.agentID
		}
	}
	return defaultAssignee
}
