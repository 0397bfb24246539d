package memory

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// RecallWeights are the per-persona coefficients of the recall score.
type RecallWeights struct {
	Activation           float64                 `yaml:"activation"`
	Emotion              float64                 `yaml:"emotion"`
	Narrative            float64                 `yaml:"narrative"`
	Credibility          float64                 `yaml:"credibility"`
	Keyword              float64                 `yaml:"keyword"`
	Lane                 float64                 `yaml:"lane"`
	BothBonus            float64                 `yaml:"both_bonus"`
	StateBoost           map[MemoryState]float64 `yaml:"state_boost"`
	RecencyHalfLifeHours float64                 `yaml:"recency_half_life_hours"`
}

// ConflictKeyRule maps a recognized leading phrase to a fact slot.
type ConflictKeyRule struct {
	Prefix string `yaml:"prefix"`
	Key    string `yaml:"key"`
}

// ClassificationRule marks message content of a given shape.
type ClassificationRule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// ExtractionRule is one deterministic consolidation pattern. Template
// placeholders {1}..{9} are replaced by capture groups.
type ExtractionRule struct {
	Name        string        `yaml:"name"`
	Pattern     string        `yaml:"pattern"`
	Template    string        `yaml:"template"`
	Salience    float64       `yaml:"salience"`
	Credibility float64       `yaml:"credibility"`
	Evidence    EvidenceLevel `yaml:"evidence"`
}

// Tuning holds every externally editable table the engines evaluate.
type Tuning struct {
	Weights              RecallWeights        `yaml:"weights"`
	ConflictKeys         []ConflictKeyRule    `yaml:"conflict_keys"`
	ProceduralRules      []ClassificationRule `yaml:"procedural_rules"`
	EmphasisMarkers      []string             `yaml:"emphasis_markers"`
	NavigationPhrases    []string             `yaml:"navigation_phrases"`
	NavigationMultiplier int                  `yaml:"navigation_multiplier"`
	KeywordReserve       int                  `yaml:"keyword_reserve"`
	SalienceKeywords     []string             `yaml:"salience_keywords"`
	ExtractionRules      []ExtractionRule     `yaml:"extraction_rules"`

	conflicts  *ConflictKeyTable
	procedural []compiledRule
	extraction []compiledExtraction
}

type compiledRule struct {
	name string
	re   *regexp.Regexp
}

type compiledExtraction struct {
	rule ExtractionRule
	re   *regexp.Regexp
}

// TuningSource yields the tuning in force for the next operation.
type TuningSource interface {
	Tuning() *Tuning
}

// Tuning lets a compiled *Tuning serve as a static TuningSource.
func (t *Tuning) Tuning() *Tuning { return t }

func defaultTuningTables() Tuning {
	return Tuning{
		Weights: RecallWeights{
			Activation:  0.20,
			Emotion:     0.10,
			Narrative:   0.10,
			Credibility: 0.15,
			Keyword:     0.30,
			Lane:        0.15,
			BothBonus:   0.10,
			StateBoost: map[MemoryState]float64{
				StateHot:  0.08,
				StateWarm: 0,
				StateCold: -0.05,
			},
			RecencyHalfLifeHours: 14 * 24,
		},
		ConflictKeys: []ConflictKeyRule{
			{Prefix: "preferred name:", Key: "user.preferred_name"},
			{Prefix: "my preferred name is", Key: "user.preferred_name"},
			{Prefix: "call me", Key: "user.preferred_name"},
			{Prefix: "name:", Key: "user.name"},
			{Prefix: "my name is", Key: "user.name"},
			{Prefix: "timezone:", Key: "user.timezone"},
			{Prefix: "my timezone is", Key: "user.timezone"},
			{Prefix: "location:", Key: "user.location"},
			{Prefix: "i live in", Key: "user.location"},
			{Prefix: "occupation:", Key: "user.occupation"},
			{Prefix: "i work as", Key: "user.occupation"},
			{Prefix: "birthday:", Key: "user.birthday"},
			{Prefix: "my birthday is", Key: "user.birthday"},
			{Prefix: "persona name:", Key: "persona.name"},
			{Prefix: "relationship:", Key: "persona.relationship"},
		},
		ProceduralRules: []ClassificationRule{
			{Name: "numbered_steps", Pattern: `(?im)^\s*(?:step\s*\d+|\d+[.)])\s`},
			{Name: "instruction_header", Pattern: `(?i)\b(?:how to|instructions?:|procedure:|recipe:|checklist:)`},
			{Name: "imperative_lead", Pattern: `(?i)^\s*(?:always|never|make sure|remember to|don't forget to|do not forget to)\b`},
			{Name: "first_then", Pattern: `(?is)\bfirst\b.*\bthen\b`},
			{Name: "bullet_list", Pattern: `(?m)^\s*[-*]\s+\S.*\n\s*[-*]\s+\S`},
		},
		EmphasisMarkers: []string{
			"remember this", "don't forget", "do not forget", "keep in mind", "important:", "记住",
		},
		NavigationPhrases: []string{
			"further back", "go back", "way back", "long ago", "a while ago", "remember when",
			"back then", "earlier", "previously", "以前", "之前",
		},
		NavigationMultiplier: 2,
		KeywordReserve:       2,
		SalienceKeywords: []string{
			"love", "hate", "afraid", "promise", "important", "birthday", "family",
			"married", "died", "never", "always", "secret", "dream",
		},
		ExtractionRules: []ExtractionRule{
			{
				Name:        "preferred_name",
				Pattern:     `(?i:call me|my preferred name is|i go by)\s+(\p{L}[\p{L}'\-]*(?:\s+\p{Lu}[\p{L}'\-]*){0,2})`,
				Template:    "Preferred name: {1}",
				Salience:    0.8,
				Credibility: 0.8,
				Evidence:    EvidenceDerived,
			},
			{
				Name:        "name",
				Pattern:     `(?i:my name is)\s+(\p{L}[\p{L}'\-]*(?:\s+\p{Lu}[\p{L}'\-]*){0,2})`,
				Template:    "Name: {1}",
				Salience:    0.8,
				Credibility: 0.75,
				Evidence:    EvidenceDerived,
			},
			{
				Name:        "timezone",
				Pattern:     `(?i:my time ?zone is)\s+([A-Za-z0-9_/+:\-]{2,40})`,
				Template:    "Timezone: {1}",
				Salience:    0.6,
				Credibility: 0.7,
				Evidence:    EvidenceDerived,
			},
			{
				Name:        "location",
				Pattern:     `(?i:i live in|i'm based in|i am based in)\s+(\p{Lu}[\p{L}\-]*(?:[ ,]+\p{Lu}[\p{L}\-]*){0,3})`,
				Template:    "Location: {1}",
				Salience:    0.6,
				Credibility: 0.7,
				Evidence:    EvidenceDerived,
			},
			{
				Name:        "occupation",
				Pattern:     `(?i:i work as an?|my job is)\s+([\p{L} \-]{2,40}?)(?:[.!?,;\n]|$)`,
				Template:    "Occupation: {1}",
				Salience:    0.6,
				Credibility: 0.7,
				Evidence:    EvidenceDerived,
			},
			{
				Name:        "birthday",
				Pattern:     `(?i:my birthday is)\s+([\p{L}\p{N} ,]{3,30}?)(?:[.!?;\n]|$)`,
				Template:    "Birthday: {1}",
				Salience:    0.7,
				Credibility: 0.75,
				Evidence:    EvidenceDerived,
			},
			{
				Name:        "preference",
				Pattern:     `(?i)\bi (?:really )?(like|love|prefer|enjoy|hate|dislike)\s+([^.!?\n]{2,80})`,
				Template:    "Preference: {1} {2}",
				Salience:    0.55,
				Credibility: 0.65,
				Evidence:    EvidenceDerived,
			},
		},
	}
}

// DefaultTuning returns the built-in tables, compiled.
func DefaultTuning() *Tuning {
	t := defaultTuningTables()
	if err := t.compile(); err != nil {
		panic(fmt.Sprintf("default tuning does not compile: %v", err))
	}
	return &t
}

// ParseTuning overlays YAML data onto the defaults. Any list present in the
// document replaces the default list entirely, preserving its order.
func ParseTuning(data []byte) (*Tuning, error) {
	t := defaultTuningTables()
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse tuning: %w", err)
	}
	if err := t.compile(); err != nil {
		return nil, err
	}
	return &t, nil
}

// LoadTuning reads a YAML tuning file. A missing file yields the defaults.
func LoadTuning(path string) (*Tuning, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultTuning(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultTuning(), nil
		}
		return nil, fmt.Errorf("read tuning %s: %w", path, err)
	}
	return ParseTuning(data)
}

func (t *Tuning) compile() error {
	for _, r := range t.ConflictKeys {
		if strings.TrimSpace(r.Prefix) == "" || strings.TrimSpace(r.Key) == "" {
			return fmt.Errorf("tuning: conflict key rule needs prefix and key: %+v", r)
		}
	}
	t.conflicts = NewConflictKeyTable(t.ConflictKeys)

	t.procedural = t.procedural[:0]
	for _, r := range t.ProceduralRules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("tuning: procedural rule %q: %w", r.Name, err)
		}
		t.procedural = append(t.procedural, compiledRule{name: r.Name, re: re})
	}

	t.extraction = t.extraction[:0]
	for _, r := range t.ExtractionRules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("tuning: extraction rule %q: %w", r.Name, err)
		}
		if r.Evidence == "" {
			r.Evidence = EvidenceDerived
		}
		t.extraction = append(t.extraction, compiledExtraction{rule: r, re: re})
	}

	if t.NavigationMultiplier < 1 {
		t.NavigationMultiplier = 1
	}
	if t.Weights.RecencyHalfLifeHours <= 0 {
		t.Weights.RecencyHalfLifeHours = 14 * 24
	}
	return nil
}

// ConflictKeyTable returns the compiled conflict-key table.
func (t *Tuning) ConflictKeyTable() *ConflictKeyTable {
	return t.conflicts
}

// matchProcedural returns the first procedural rule matching content.
func (t *Tuning) matchProcedural(content string) (string, bool) {
	for _, r := range t.procedural {
		if r.re.MatchString(content) {
			return r.name, true
		}
	}
	return "", false
}

func (t *Tuning) hasEmphasis(content string) bool {
	return containsAnyFold(content, t.EmphasisMarkers)
}

func (t *Tuning) isNavigation(query string) bool {
	return containsAnyFold(query, t.NavigationPhrases)
}

func containsAnyFold(content string, phrases []string) bool {
	lower := strings.ToLower(content)
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
