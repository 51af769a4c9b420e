package risk

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrEmptyKeyword     = errors.New("risk: empty keyword")
	ErrInvalidWeight    = errors.New("risk: weight must be > 0")
	ErrDuplicateKeyword = errors.New("risk: duplicate keyword")
	ErrUnknownCategory  = errors.New("risk: unknown category")
	ErrInvalidBonus     = errors.New("risk: invalid bonus rule")
)

// Category is a coarse scam label derived from which keywords matched.
type Category string

const (
	CategoryNone        Category = "NO_SCAM"
	CategoryTechSupport Category = "TECH_SUPPORT_SCAM"
	CategoryBanking     Category = "BANKING_SCAM"
	CategoryGovernment  Category = "GOVERNMENT_SCAM"
	CategoryLottery     Category = "LOTTERY_SCAM"
	CategoryInvestment  Category = "INVESTMENT_SCAM"
	CategoryGiftCard    Category = "GIFT_CARD_SCAM"
)

// categoryOrder breaks ties in Classify.
var categoryOrder = []Category{
	CategoryBanking,
	CategoryGovernment,
	CategoryTechSupport,
	CategoryGiftCard,
	CategoryLottery,
	CategoryInvestment,
}

func parseCategory(raw string) (Category, error) {
	switch c := Category(strings.ToUpper(strings.TrimSpace(raw))); c {
	case "":
		return "", nil
	case CategoryNone, CategoryTechSupport, CategoryBanking, CategoryGovernment,
		CategoryLottery, CategoryInvestment, CategoryGiftCard:
		return c, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownCategory, raw)
	}
}

// Entry is a single weighted keyword or phrase.
type Entry struct {
	Keyword  string
	Weight   int
	Category Category
}

// Bonus adds extra weight when both keywords matched in the same chunk.
type Bonus struct {
	A, B  string
	Bonus int
}

// Lexicon is an immutable keyword table. It is safe for concurrent use.
type Lexicon struct {
	entries []Entry
	index   map[string]int
	bonuses []Bonus
}

// NewLexicon validates and freezes the given table. Keywords are matched
// case-insensitively and stored lower-cased; surrounding whitespace is kept
// because matching is whitespace-literal.
func NewLexicon(entries []Entry, bonuses []Bonus) (*Lexicon, error) {
	lx := &Lexicon{
		entries: make([]Entry, 0, len(entries)),
		index:   make(map[string]int, len(entries)),
	}
	for _, e := range entries {
		key := strings.ToLower(e.Keyword)
		if strings.TrimSpace(key) == "" {
			return nil, ErrEmptyKeyword
		}
		if e.Weight <= 0 {
			return nil, fmt.Errorf("%w: %q has weight %d", ErrInvalidWeight, e.Keyword, e.Weight)
		}
		if _, dup := lx.index[key]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKeyword, e.Keyword)
		}
		lx.index[key] = 0
		lx.entries = append(lx.entries, Entry{Keyword: key, Weight: e.Weight, Category: e.Category})
	}
	sort.Slice(lx.entries, func(i, j int) bool { return lx.entries[i].Keyword < lx.entries[j].Keyword })
	for i, e := range lx.entries {
		lx.index[e.Keyword] = i
	}

	for _, b := range bonuses {
		a, bb := strings.ToLower(b.A), strings.ToLower(b.B)
		if a == bb {
			return nil, fmt.Errorf("%w: %q paired with itself", ErrInvalidBonus, b.A)
		}
		if _, ok := lx.index[a]; !ok {
			return nil, fmt.Errorf("%w: keyword %q not in lexicon", ErrInvalidBonus, b.A)
		}
		if _, ok := lx.index[bb]; !ok {
			return nil, fmt.Errorf("%w: keyword %q not in lexicon", ErrInvalidBonus, b.B)
		}
		if b.Bonus <= 0 {
			return nil, fmt.Errorf("%w: bonus for %q+%q must be > 0", ErrInvalidBonus, b.A, b.B)
		}
		lx.bonuses = append(lx.bonuses, Bonus{A: a, B: bb, Bonus: b.Bonus})
	}
	return lx, nil
}

// Len returns the number of keywords.
func (lx *Lexicon) Len() int { return len(lx.entries) }

// Weight returns the weight for keyword, or 0 if it is not in the lexicon.
func (lx *Lexicon) Weight(keyword string) int {
	i, ok := lx.index[strings.ToLower(keyword)]
	if !ok {
		return 0
	}
	return lx.entries[i].Weight
}

// Score returns the risk delta for one transcript chunk and the keywords it
// matched, in lexicon order. It has no state: the same chunk always yields the
// same result.
func (lx *Lexicon) Score(chunk string) (int, []string) {
	text := strings.ToLower(chunk)
	if text == "" {
		return 0, nil
	}

	delta := 0
	var matched []string
	for _, e := range lx.entries {
		if strings.Contains(text, e.Keyword) {
			delta += e.Weight
			matched = append(matched, e.Keyword)
		}
	}
	if len(matched) < 2 {
		return delta, matched
	}

	hit := make(map[string]struct{}, len(matched))
	for _, k := range matched {
		hit[k] = struct{}{}
	}
	for _, b := range lx.bonuses {
		_, okA := hit[b.A]
		_, okB := hit[b.B]
		if okA && okB {
			delta += b.Bonus
		}
	}
	return delta, matched
}

// Classify picks the category carrying the most keyword weight among matched.
func (lx *Lexicon) Classify(matched []string) Category {
	totals := make(map[Category]int)
	for _, k := range matched {
		i, ok := lx.index[strings.ToLower(k)]
		if !ok {
			continue
		}
		e := lx.entries[i]
		if e.Category == "" || e.Category == CategoryNone {
			continue
		}
		totals[e.Category] += e.Weight
	}

	best, bestWeight := CategoryNone, 0
	for _, c := range categoryOrder {
		if w := totals[c]; w > bestWeight {
			best, bestWeight = c, w
		}
	}
	return best
}

type lexiconFile struct {
	Keywords []struct {
		Keyword  string `yaml:"keyword"`
		Weight   int    `yaml:"weight"`
		Category string `yaml:"category"`
	} `yaml:"keywords"`
	Bonuses []struct {
		Keywords []string `yaml:"keywords"`
		Bonus    int      `yaml:"bonus"`
	} `yaml:"bonuses"`
}

// ParseLexicon decodes a YAML lexicon document:
//
//	keywords:
//	  - {keyword: otp, weight: 20, category: BANKING_SCAM}
//	bonuses:
//	  - {keywords: [otp, urgent], bonus: 10}
func ParseLexicon(data []byte) (*Lexicon, error) {
	var f lexiconFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode lexicon: %w", err)
	}

	entries := make([]Entry, 0, len(f.Keywords))
	for _, k := range f.Keywords {
		cat, err := parseCategory(k.Category)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Keyword: k.Keyword, Weight: k.Weight, Category: cat})
	}
	bonuses := make([]Bonus, 0, len(f.Bonuses))
	for _, b := range f.Bonuses {
		if len(b.Keywords) != 2 {
			return nil, fmt.Errorf("%w: expected exactly 2 keywords, got %d", ErrInvalidBonus, len(b.Keywords))
		}
		bonuses = append(bonuses, Bonus{A: b.Keywords[0], B: b.Keywords[1], Bonus: b.Bonus})
	}
	return NewLexicon(entries, bonuses)
}

// LoadLexicon reads a YAML lexicon from path. An empty path yields the
// built-in default table.
func LoadLexicon(path string) (*Lexicon, error) {
	if path == "" {
		return DefaultLexicon(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lexicon: %w", err)
	}
	return ParseLexicon(data)
}
