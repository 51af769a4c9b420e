// Package risk scores transcript text against a static weighted keyword
// lexicon.
//
// Scoring is surface-level on purpose: lower-cased substring matching with no
// tokenization or stemming. A chunk's score never depends on earlier chunks;
// callers accumulate deltas with Accumulate.
package risk

const (
	// MaxScore is the ceiling of an accumulated session score.
	MaxScore = 100
	// WarningThreshold fires a one-time warning per session.
	WarningThreshold = 50
	// AutoDisconnectThreshold forces the call to end.
	AutoDisconnectThreshold = 75
)

// Accumulate adds delta to current, clamped to [0, MaxScore]. Negative deltas
// are ignored so a running score never decreases.
func Accumulate(current, delta int) int {
	if delta < 0 {
		delta = 0
	}
	if current < 0 {
		current = 0
	}
	if delta > MaxScore-current {
		return MaxScore
	}
	return current + delta
}

// DefaultLexicon returns the built-in keyword table.
func DefaultLexicon() *Lexicon {
	lx, err := NewLexicon(defaultEntries, defaultBonuses)
	if err != nil {
		panic("risk: invalid built-in lexicon: " + err.Error())
	}
	return lx
}

var defaultEntries = []Entry{
	{Keyword: "otp", Weight: 20, Category: CategoryBanking},
	{Keyword: "one time password", Weight: 20, Category: CategoryBanking},
	{Keyword: "bank", Weight: 15, Category: CategoryBanking},
	{Keyword: "account number", Weight: 15, Category: CategoryBanking},
	{Keyword: "password", Weight: 15, Category: CategoryBanking},
	{Keyword: "wire transfer", Weight: 20, Category: CategoryBanking},
	{Keyword: "suspicious activity", Weight: 15, Category: CategoryBanking},
	{Keyword: "verify your identity", Weight: 20, Category: CategoryBanking},
	{Keyword: "social security", Weight: 20, Category: CategoryGovernment},
	{Keyword: "internal revenue", Weight: 20, Category: CategoryGovernment},
	{Keyword: "arrest warrant", Weight: 25, Category: CategoryGovernment},
	{Keyword: "remote access", Weight: 25, Category: CategoryTechSupport},
	{Keyword: "anydesk", Weight: 25, Category: CategoryTechSupport},
	{Keyword: "teamviewer", Weight: 25, Category: CategoryTechSupport},
	{Keyword: "virus", Weight: 15, Category: CategoryTechSupport},
	{Keyword: "gift card", Weight: 25, Category: CategoryGiftCard},
	{Keyword: "itunes", Weight: 15, Category: CategoryGiftCard},
	{Keyword: "lottery", Weight: 20, Category: CategoryLottery},
	{Keyword: "you have won", Weight: 20, Category: CategoryLottery},
	{Keyword: "processing fee", Weight: 15, Category: CategoryLottery},
	{Keyword: "guaranteed return", Weight: 25, Category: CategoryInvestment},
	{Keyword: "double your money", Weight: 25, Category: CategoryInvestment},
	{Keyword: "bitcoin", Weight: 20, Category: CategoryInvestment},
	{Keyword: "urgent", Weight: 10},
	{Keyword: "immediately", Weight: 10},
	{Keyword: "act now", Weight: 15},
	{Keyword: "don't tell anyone", Weight: 20},
}

var defaultBonuses = []Bonus{
	{A: "otp", B: "urgent", Bonus: 10},
	{A: "gift card", B: "urgent", Bonus: 10},
	{A: "remote access", B: "bank", Bonus: 15},
	{A: "suspicious activity", B: "verify your identity", Bonus: 10},
}
