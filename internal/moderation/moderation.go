// Package moderation scores content before it is stored. The pipeline is
// keyword and pattern based: hard patterns block outright, spam shapes block,
// and accumulated softer signals gray the post instead of hiding it.
package moderation

import (
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

const (
	ActionAllow = "allow"
	ActionWarn  = "warn"
	ActionBlock = "block"
)

// Reasons reported on a Result.
const (
	ReasonBannedContent = "banned_content"
	ReasonSpam          = "spam"
	ReasonTooShort      = "too_short"
	ReasonExcessiveCaps = "excessive_caps"
)

type Result struct {
	Action  string   `json:"action"`
	Reasons []string `json:"reasons"`
	Score   int      `json:"score"`
}

// Outcome is the projection of a Result onto post creation.
type Outcome struct {
	Allowed  bool     `json:"allowed"`
	AutoGray bool     `json:"auto_gray"`
	Reasons  []string `json:"reasons"`
	Score    int      `json:"score"`
}

type Stats struct {
	BannedPatterns  int `json:"banned_patterns"`
	WarningPatterns int `json:"warning_patterns"`
	SpamPatterns    int `json:"spam_patterns"`
}

// Patterns are matched against folded text (lowercased, Turkish diacritics
// flattened), so they are written in folded form: "öldürürüm" matches as
// "oldururum".
var defaultBannedPatterns = []*regexp.Regexp{
	// Threats
	regexp.MustCompile(`\b(oldur|gebertir|keserim|vururum|yakalarim)\b`),
	regexp.MustCompile(`seni\s+(oldur|gebert|kes|vur)`),
	// Doxxing: national ID and phone numbers
	regexp.MustCompile(`\btc\s*:?\s*\d{11}\b`),
	regexp.MustCompile(`\btel\s*:?\s*0?\d{10}\b`),
}

var defaultSpamPatterns = []*regexp.Regexp{
	// All caps shouting, checked against the original text
	regexp.MustCompile(`^[A-ZĞÜŞİÖÇ\s]{50,}$`),
	// URL spam
	regexp.MustCompile(`(?i)(https?://\S+\s*){3,}`),
	// Multiple long digit runs
	regexp.MustCompile(`(\d{10,}.*){2,}`),
}

var diacriticFolder = strings.NewReplacer(
	"ı", "i",
	"ğ", "g",
	"ü", "u",
	"ş", "s",
	"ö", "o",
	"ç", "c",
)

// maxRepeatRun is the longest run of one rune tolerated before the content
// counts as spam.
const maxRepeatRun = 5

type Engine struct {
	mu       sync.RWMutex
	banned   []*regexp.Regexp
	warnings []*regexp.Regexp
	spam     []*regexp.Regexp

	minLength int
	warnScore int
}

func NewEngine(minLength, warnScore int) *Engine {
	return &Engine{
		banned:    append([]*regexp.Regexp(nil), defaultBannedPatterns...),
		spam:      append([]*regexp.Regexp(nil), defaultSpamPatterns...),
		minLength: minLength,
		warnScore: warnScore,
	}
}

// Normalize folds content for pattern matching: lowercase, Turkish
// diacritics flattened, whitespace collapsed.
func Normalize(content string) string {
	folded := diacriticFolder.Replace(strings.ToLower(content))
	return strings.Join(strings.Fields(folded), " ")
}

// Analyze runs the pipeline and stops at the first blocking signal. Softer
// signals accumulate into the score; crossing the warn threshold grays the
// content without blocking it.
func (e *Engine) Analyze(content string) Result {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := Result{Action: ActionAllow, Reasons: []string{}}
	folded := Normalize(content)

	for _, pattern := range e.banned {
		if pattern.MatchString(folded) {
			result.Action = ActionBlock
			result.Reasons = append(result.Reasons, ReasonBannedContent)
			result.Score = 100
			return result
		}
	}

	if longestRun(content) > maxRepeatRun {
		result.Action = ActionBlock
		result.Reasons = append(result.Reasons, ReasonSpam)
		result.Score = 80
		return result
	}
	for _, pattern := range e.spam {
		if pattern.MatchString(content) {
			result.Action = ActionBlock
			result.Reasons = append(result.Reasons, ReasonSpam)
			result.Score = 80
			return result
		}
	}

	for _, pattern := range e.warnings {
		if pattern.MatchString(folded) {
			result.Action = ActionWarn
			result.Reasons = append(result.Reasons, "potentially_offensive")
			result.Score += 30
		}
	}

	if utf8.RuneCountInString(content) < e.minLength {
		result.Action = ActionBlock
		result.Reasons = append(result.Reasons, ReasonTooShort)
		result.Score = 50
		return result
	}

	if ratio, n := capsRatio(content); n > 20 && ratio > 0.7 {
		result.Score += 20
		result.Reasons = append(result.Reasons, ReasonExcessiveCaps)
	}

	if result.Score >= e.warnScore && result.Action != ActionBlock {
		result.Action = ActionWarn
	}
	return result
}

// ModeratePost projects the analysis onto post creation: blocked content is
// rejected, warned content is stored grayed.
func (e *Engine) ModeratePost(content string) Outcome {
	result := e.Analyze(content)
	return Outcome{
		Allowed:  result.Action != ActionBlock,
		AutoGray: result.Action == ActionWarn,
		Reasons:  result.Reasons,
		Score:    result.Score,
	}
}

// AddBannedPattern compiles and installs an extra blocking pattern. The
// expression is matched against folded text.
func (e *Engine) AddBannedPattern(expr string) error {
	pattern, err := regexp.Compile(expr)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.banned = append(e.banned, pattern)
	e.mu.Unlock()
	return nil
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		BannedPatterns:  len(e.banned),
		WarningPatterns: len(e.warnings),
		SpamPatterns:    len(e.spam),
	}
}

// longestRun returns the length of the longest run of a single rune.
func longestRun(content string) int {
	var prev rune
	run, max := 0, 0
	for _, r := range content {
		if r == prev {
			run++
		} else {
			prev = r
			run = 1
		}
		if run > max {
			max = run
		}
	}
	return max
}

func capsRatio(content string) (float64, int) {
	var upper, total int
	for _, r := range content {
		total++
		if unicode.IsUpper(r) {
			upper++
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(upper) / float64(total), total
}
